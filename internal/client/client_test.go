package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/internal/client/store"
	"relaychat/internal/models"
)

type streamHandler func(w http.ResponseWriter, r *http.Request, body streamBody)

type fakeServer struct {
	*httptest.Server

	mu      sync.Mutex
	bodies  []streamBody
	cancels []string
	creates int
	stream  streamHandler
}

func newFakeServer(t *testing.T, stream streamHandler) *fakeServer {
	t.Helper()
	fs := &fakeServer{stream: stream}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.creates++
		fs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.Conversation{ID: "conv-1", Title: "t"})
	})
	mux.HandleFunc("POST /api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body streamBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		fs.bodies = append(fs.bodies, body)
		fs.mu.Unlock()
		fs.stream(w, r, body)
	})
	mux.HandleFunc("POST /api/turns/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.cancels = append(fs.cancels, r.PathValue("id"))
		fs.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) cancelled() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.cancels...)
}

func writeFrames(w http.ResponseWriter, frames ...models.Frame) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	enc := json.NewEncoder(w)
	for _, f := range frames {
		_ = enc.Encode(f)
	}
	w.(http.Flusher).Flush()
}

func delta(text string) models.Frame {
	return models.Frame{Delta: text, SessionID: "conv-1", TurnID: "turn-1"}
}

func finish(message string) models.Frame {
	stop := "stop"
	return models.Frame{
		FinishReason: &stop,
		SessionID:    "conv-1",
		TurnID:       "turn-1",
		Message:      &message,
		Model:        "m1",
		MessageID:    "srv-msg",
		Title:        "Greeting",
	}
}

func newClient(t *testing.T, fs *fakeServer, interval time.Duration, hooks store.Hooks) (*StreamClient, *store.Store) {
	t.Helper()
	st, err := store.Open("", store.Options{Hooks: hooks})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(Config{BaseURL: fs.URL, Token: "tok", FlushInterval: interval}, st), st
}

func assistantMessages(t *testing.T, st *store.Store, key string) []store.Message {
	t.Helper()
	conv, ok := st.Conversation(key)
	require.True(t, ok)
	var out []store.Message
	for _, m := range conv.Messages {
		if m.Role == models.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func TestSendCompletesWithAuthoritativeText(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, body streamBody) {
		writeFrames(w, delta("Hel"), delta("lo"), finish("Hello!"))
	})
	c, st := newClient(t, fs, 0, store.Hooks{})
	conv := st.NewConversation("draft")

	turn, err := c.Send(context.Background(), TurnInput{
		ConversationKey: conv.Key,
		Message:         "hi",
		Model:           "m1",
		Attachments:     []models.AttachmentRef{{ID: "file-1"}},
	})
	require.NoError(t, err)
	out := turn.Wait()

	require.Equal(t, StateCompleted, out.State, "err: %v", out.Err)
	assert.Equal(t, "Hello!", out.Text)
	assert.Equal(t, "srv-msg", out.ServerMessageID)
	assert.Equal(t, "conv-1", out.ConversationID)
	assert.Equal(t, "turn-1", turn.ID())

	got, _ := st.Conversation(conv.Key)
	assert.Equal(t, "conv-1", got.ID)
	assert.Equal(t, "Greeting", got.Title)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, models.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "hi", got.Messages[0].Content)
	assert.Equal(t, "Hello!", got.Messages[1].Content)
	assert.False(t, got.Messages[1].Streaming)

	require.Len(t, fs.bodies, 1)
	assert.Equal(t, "conv-1", fs.bodies[0].SessionID)
	assert.Equal(t, []string{"file-1"}, fs.bodies[0].FileIDs)
	assert.Nil(t, c.Active(conv.Key))
}

func TestErrorFrameDiscardsPartialReply(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, body streamBody) {
		writeFrames(w, delta("par"), delta("tial"), models.Frame{Error: "upstream exploded", SessionID: "conv-1"})
	})
	c, st := newClient(t, fs, 0, store.Hooks{})
	conv := st.NewConversation("t")

	turn, err := c.Send(context.Background(), TurnInput{ConversationKey: conv.Key, Message: "hi"})
	require.NoError(t, err)
	out := turn.Wait()

	assert.Equal(t, StateFailed, out.State)
	var serr *StreamError
	require.ErrorAs(t, out.Err, &serr)
	assert.Equal(t, "upstream exploded", serr.Message)
	assert.Empty(t, assistantMessages(t, st, conv.Key))
}

func TestStreamWithoutTerminalFrameFails(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, body streamBody) {
		writeFrames(w, delta("dangling"))
	})
	c, st := newClient(t, fs, 0, store.Hooks{})
	conv := st.NewConversation("t")

	turn, err := c.Send(context.Background(), TurnInput{ConversationKey: conv.Key, Message: "hi"})
	require.NoError(t, err)
	out := turn.Wait()

	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, errIncompleteStream)
	assert.Empty(t, assistantMessages(t, st, conv.Key))
}

func TestRejectedTurnSurfacesAPIError(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, body streamBody) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"attachment already used","code":"attachment_reuse"}`))
	})
	c, st := newClient(t, fs, 0, store.Hooks{})
	conv := st.NewConversation("t")

	turn, err := c.Send(context.Background(), TurnInput{ConversationKey: conv.Key, Message: "hi"})
	require.NoError(t, err)
	out := turn.Wait()

	assert.Equal(t, StateFailed, out.State)
	var apiErr *APIError
	require.ErrorAs(t, out.Err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "attachment_reuse", apiErr.Code)
	assert.Empty(t, assistantMessages(t, st, conv.Key))
}

func TestCancelKeepsPartialReply(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, body streamBody) {
		writeFrames(w, delta("partial"))
		<-r.Context().Done()
	})
	c, st := newClient(t, fs, 0, store.Hooks{})
	conv := st.NewConversation("t")

	turn, err := c.Send(context.Background(), TurnInput{ConversationKey: conv.Key, Message: "hi"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(assistantMessages(t, st, conv.Key)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, c.Cancel(conv.Key))
	out := turn.Wait()

	assert.Equal(t, StateCancelled, out.State)
	assert.ErrorIs(t, out.Err, ErrCancelled)
	assert.Equal(t, "partial", out.Text)
	msgs := assistantMessages(t, st, conv.Key)
	require.Len(t, msgs, 1)
	assert.Equal(t, "partial", msgs[0].Content)
	assert.False(t, msgs[0].Streaming)
	assert.Equal(t, []string{"turn-1"}, fs.cancelled())
	assert.False(t, c.Cancel(conv.Key), "nothing left to cancel")
}

func TestCancelBeforeFirstChunk(t *testing.T) {
	started := make(chan struct{})
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, body streamBody) {
		close(started)
		<-r.Context().Done()
	})
	c, st := newClient(t, fs, 0, store.Hooks{})
	conv := st.NewConversation("t")

	turn, err := c.Send(context.Background(), TurnInput{ConversationKey: conv.Key, Message: "hi"})
	require.NoError(t, err)
	<-started
	turn.Cancel()
	out := turn.Wait()

	assert.Equal(t, StateCancelled, out.State)
	assert.Empty(t, out.MessageID)
	assert.Empty(t, assistantMessages(t, st, conv.Key))
}

func TestSendSupersedesActiveTurn(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, body streamBody) {
		if body.Message == "first" {
			writeFrames(w, delta("one"))
			<-r.Context().Done()
			return
		}
		writeFrames(w, delta("two"), finish("two"))
	})
	c, st := newClient(t, fs, 0, store.Hooks{})
	conv := st.NewConversation("t")

	first, err := c.Send(context.Background(), TurnInput{ConversationKey: conv.Key, Message: "first"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(assistantMessages(t, st, conv.Key)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	second, err := c.Send(context.Background(), TurnInput{ConversationKey: conv.Key, Message: "second"})
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("first turn must be unwound before the second starts")
	}
	firstOut := first.Wait()
	assert.Equal(t, StateCancelled, firstOut.State)
	assert.ErrorIs(t, firstOut.Err, ErrSuperseded)

	secondOut := second.Wait()
	assert.Equal(t, StateCompleted, secondOut.State)

	msgs := assistantMessages(t, st, conv.Key)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Content)
	assert.False(t, msgs[0].Streaming)
	assert.Equal(t, "two", msgs[1].Content)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, 1, fs.creates, "conversation is created once")
}

func TestBatchedDeltasKeepOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	hooks := store.Hooks{
		OnMessageAppended: func(_ string, m store.Message) { record(string(m.Role) + ":" + m.Content) },
		OnDeltaApplied: func(_, _, fragment string, mode store.PatchMode) {
			if mode == store.PatchReplace {
				record("replace:" + fragment)
				return
			}
			record("append:" + fragment)
		},
		OnTurnFinalized: func(_, _ string) { record("final") },
	}
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, body streamBody) {
		writeFrames(w, delta("a"), delta("b"), delta("c"), finish("abc"))
	})
	c, st := newClient(t, fs, time.Hour, hooks)
	conv := st.NewConversation("t")

	turn, err := c.Send(context.Background(), TurnInput{ConversationKey: conv.Key, Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, turn.Wait().State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"user:hi", "assistant:abc", "replace:abc", "final"}, events)
}

func TestSendValidation(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request, body streamBody) {})
	c, _ := newClient(t, fs, 0, store.Hooks{})

	_, err := c.Send(context.Background(), TurnInput{ConversationKey: "x", Message: "  "})
	assert.ErrorIs(t, err, ErrEmptyTurn)

	_, err = c.Send(context.Background(), TurnInput{ConversationKey: "missing", Message: "hi"})
	assert.True(t, errors.Is(err, ErrUnknownConversation))
}
