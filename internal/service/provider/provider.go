// Package provider translates normalized chat turns into upstream model calls
// and normalizes the streamed output back into Chunk values.
package provider

import (
	"context"

	"relaychat/internal/models"
)

type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one element of a multimodal message. Image parts carry the
// normalized bytes; adapters encode them the way their upstream expects.
type ContentPart struct {
	Type     PartType
	Text     string
	MIMEType string
	Data     []byte
}

// Message is a role-tagged entry of the normalized request. When Parts is
// non-empty it supersedes Content.
type Message struct {
	Role    models.Role
	Content string
	Parts   []ContentPart
}

// Request is the normalized chat-turn request handed to an Adapter.
type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
}

// Response is the result of a non-streaming call.
type Response struct {
	Text         string
	Model        string
	FinishReason string
	Usage        models.Usage
}

// Chunk is one normalized unit of a streamed reply. The final chunk of a
// successful stream has a non-empty FinishReason; a failed stream ends with a
// chunk carrying Err. Usage, when the upstream reports it, rides on the final chunk.
type Chunk struct {
	Delta        string
	FinishReason string
	Usage        *models.Usage
	Err          error
}

// Terminal reports whether no further chunks follow c.
func (c Chunk) Terminal() bool {
	return c.FinishReason != "" || c.Err != nil
}

// Adapter is implemented once per upstream provider kind.
//
// Stream returns an unbuffered channel: the adapter goroutine holds at most one
// chunk while the consumer processes the previous one. When ctx is cancelled
// the adapter stops reading upstream and closes the channel without sending an
// error chunk; callers tell cancellation apart from failure via ctx.Err().
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// send delivers c unless ctx is done first.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Concat drains a stream into its full text. Intended for tests and
// non-interactive callers.
func Concat(ch <-chan Chunk) (string, Chunk) {
	var text string
	var last Chunk
	for c := range ch {
		text += c.Delta
		last = c
	}
	return text, last
}
