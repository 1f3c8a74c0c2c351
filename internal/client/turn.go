package client

import (
	"context"
	"sync"

	"relaychat/internal/models"
)

type State string

const (
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Outcome is how a turn ended. Err is the failure for StateFailed and the
// cancel cause for StateCancelled.
type Outcome struct {
	State           State
	Text            string
	MessageID       string
	ServerMessageID string
	ConversationID  string
	Model           string
	Usage           *models.Usage
	Err             error
}

// Turn is one in-flight request/stream pair.
type Turn struct {
	key     string
	cancel  context.CancelCauseFunc
	done    chan struct{}
	outcome Outcome

	mu sync.Mutex
	id string
}

// ID is the server turn id, known once the first frame arrived.
func (t *Turn) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *Turn) setID(id string) {
	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
}

func (t *Turn) ConversationKey() string { return t.key }

// Cancel aborts the turn. It is not an error; the partial reply is kept.
func (t *Turn) Cancel() { t.cancel(ErrCancelled) }

func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn is fully unwound and the store reflects it.
func (t *Turn) Wait() Outcome {
	<-t.done
	return t.outcome
}
