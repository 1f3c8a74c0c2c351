package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"
)

var (
	// ErrMalformedStream reports an upstream payload that could not be normalized.
	ErrMalformedStream = errors.New("malformed provider stream")
	// ErrUnsupportedKind is returned by New for unknown provider kinds.
	ErrUnsupportedKind = errors.New("unsupported provider kind")
)

// Error is the typed failure raised for any upstream problem: non-2xx status,
// malformed payload or timeout. Status is 0 when the upstream gave none.
type Error struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout builds the error reported when a turn exceeds its deadline.
func Timeout(providerName string) *Error {
	return &Error{
		Provider: providerName,
		Status:   http.StatusGatewayTimeout,
		Message:  "upstream timeout",
		Err:      context.DeadlineExceeded,
	}
}

// wrapError normalizes err into *Error, extracting the upstream status where
// the client library exposes it.
func wrapError(providerName string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	out := &Error{Provider: providerName, Message: err.Error(), Err: err}
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	var coded interface{ StatusCode() int }
	switch {
	case errors.As(err, &apiErr):
		out.Status = apiErr.HTTPStatusCode
		out.Message = apiErr.Message
	case errors.As(err, &reqErr):
		out.Status = reqErr.HTTPStatusCode
	case errors.As(err, &coded):
		out.Status = coded.StatusCode()
	case errors.Is(err, context.DeadlineExceeded):
		out.Status = http.StatusGatewayTimeout
		out.Message = "upstream timeout"
	case errors.Is(err, ErrMalformedStream):
		out.Status = http.StatusBadGateway
	}
	return out
}
