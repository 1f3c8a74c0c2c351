// Package turn drives one chat turn from request to stored exchange: it
// assembles context, relays the provider stream frame by frame and persists
// the result only on clean completion.
package turn

import (
	"errors"
	"sync/atomic"
	"time"

	"relaychat/internal/models"
	"relaychat/internal/service/attachment"
	"relaychat/internal/service/provider"
)

type State string

const (
	StateCreated          State = "created"
	StateContextAssembled State = "context_assembled"
	StateStreaming        State = "streaming"
	StateFinalizing       State = "finalizing"
	StatePersisted        State = "persisted"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

var (
	ErrEmptyTurn   = errors.New("turn has no text and no attachments")
	ErrInvalidRole = errors.New("history role must be user, assistant or system")
)

// HistoryEntry is one caller-supplied prior message.
type HistoryEntry struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// Input is a turn request after transport decoding.
type Input struct {
	UserID         string
	ConversationID string
	Message        string
	Model          string
	FileIDs        []string
	Files          []attachment.InlineFile
	// History, when non-nil, replaces the stored recent-message window.
	History []HistoryEntry
}

// Emit writes one frame to the client. A non-nil error means the client is
// gone and the turn is abandoned.
type Emit func(models.Frame) error

// Turn is a prepared turn, ready to stream. It is owned by one goroutine.
type Turn struct {
	ID              string
	UserID          string
	ConversationID  string
	NewConversation bool
	Title           string
	Model           models.ModelDescriptor

	adapter       provider.Adapter
	request       *provider.Request
	userContent   string
	attachmentIDs []string
	startedAt     time.Time
	state         atomic.Value
}

// State returns the current lifecycle state.
func (t *Turn) State() State {
	if s, ok := t.state.Load().(State); ok {
		return s
	}
	return StateCreated
}

func (t *Turn) setState(s State) { t.state.Store(s) }

// AttachmentIDs lists the attachments bound when the turn completes.
func (t *Turn) AttachmentIDs() []string { return t.attachmentIDs }

// frame stamps the conversation and turn ids on f.
func (t *Turn) frame(f models.Frame) models.Frame {
	f.SessionID = t.ConversationID
	f.TurnID = t.ID
	return f
}

// Outcome is the terminal result of Run.
type Outcome struct {
	State            State
	Text             string
	UserMessage      *models.Message
	AssistantMessage *models.Message
	// Err is the provider or persistence error; nil on success and on cancellation.
	Err error
}
