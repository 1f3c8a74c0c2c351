// Package client consumes the NDJSON turn stream and mirrors each turn into
// the local conversation store. One StreamClient guards the single active turn
// per conversation: sending again supersedes the turn in flight.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaychat/internal/client/store"
	"relaychat/internal/logging"
	"relaychat/internal/models"
)

var (
	ErrCancelled           = errors.New("turn cancelled")
	ErrSuperseded          = errors.New("turn superseded by a newer turn")
	ErrEmptyTurn           = errors.New("turn has no text and no attachments")
	ErrUnknownConversation = errors.New("unknown conversation")

	errIncompleteStream = errors.New("stream ended without a terminal frame")
)

const (
	maxFrameBytes       = 4 << 20
	remoteCancelTimeout = 3 * time.Second
)

// StreamError is the error frame a turn ended with.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return "turn failed: " + e.Message }

type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// FlushInterval batches deltas before they reach the store. Zero applies
	// every delta as it arrives.
	FlushInterval time.Duration
	Logger        *zap.Logger
}

type StreamClient struct {
	baseURL       string
	token         string
	http          *http.Client
	store         *store.Store
	flushInterval time.Duration
	logger        *zap.Logger

	sendMu sync.Mutex
	mu     sync.Mutex
	active map[string]*Turn
}

func New(cfg Config, st *store.Store) *StreamClient {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &StreamClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		http:          hc,
		store:         st,
		flushInterval: cfg.FlushInterval,
		logger:        logging.OrNop(cfg.Logger),
		active:        make(map[string]*Turn),
	}
}

// TurnInput is one user submission. Attachments must already be uploaded.
type TurnInput struct {
	ConversationKey string
	Message         string
	Model           string
	Attachments     []models.AttachmentRef
}

type streamBody struct {
	SessionID string   `json:"sessionId,omitempty"`
	Message   string   `json:"message"`
	Model     string   `json:"model,omitempty"`
	FileIDs   []string `json:"fileIds,omitempty"`
}

// Send starts a turn on the conversation. A turn already running there is
// cancelled and fully unwound first. The returned Turn runs until ctx ends,
// Cancel is called, or the stream finishes.
func (c *StreamClient) Send(ctx context.Context, in TurnInput) (*Turn, error) {
	if strings.TrimSpace(in.Message) == "" && len(in.Attachments) == 0 {
		return nil, ErrEmptyTurn
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if prev := c.Active(in.ConversationKey); prev != nil {
		prev.cancel(ErrSuperseded)
		<-prev.done
	}
	if _, ok := c.store.Conversation(in.ConversationKey); !ok {
		return nil, ErrUnknownConversation
	}
	convID, err := c.store.EnsureDurable(ctx, in.ConversationKey, c.CreateConversation)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.AppendMessage(in.ConversationKey, store.Message{
		Role:        models.RoleUser,
		Content:     in.Message,
		Model:       in.Model,
		Attachments: in.Attachments,
	}); err != nil {
		return nil, err
	}

	body := streamBody{SessionID: convID, Message: in.Message, Model: in.Model}
	for _, a := range in.Attachments {
		body.FileIDs = append(body.FileIDs, a.ID)
	}
	turnCtx, cancel := context.WithCancelCause(ctx)
	t := &Turn{key: in.ConversationKey, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.active[t.key] = t
	c.mu.Unlock()

	go c.run(turnCtx, t, body, in.Model, convID)
	return t, nil
}

// Cancel stops the active turn of the conversation. It reports whether a
// turn was running.
func (c *StreamClient) Cancel(conversationKey string) bool {
	t := c.Active(conversationKey)
	if t == nil {
		return false
	}
	t.Cancel()
	return true
}

// Active returns the turn running on the conversation, if any.
func (c *StreamClient) Active(conversationKey string) *Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[conversationKey]
}

func (c *StreamClient) run(ctx context.Context, t *Turn, body streamBody, model, convID string) {
	defer func() {
		c.mu.Lock()
		if c.active[t.key] == t {
			delete(c.active, t.key)
		}
		c.mu.Unlock()
		t.cancel(nil)
		close(t.done)
	}()
	st := &turnState{c: c, t: t, model: model, convID: convID}
	t.outcome = st.stream(ctx, body)
}

type frameResult struct {
	frame models.Frame
	err   error
}

// readFrames decodes one frame per line until the body ends or done closes.
func readFrames(body io.Reader, out chan<- frameResult, done <-chan struct{}) {
	defer close(out)
	send := func(r frameResult) bool {
		select {
		case out <- r:
			return true
		case <-done:
			return false
		}
	}
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64<<10), maxFrameBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f models.Frame
		if err := json.Unmarshal(line, &f); err != nil {
			send(frameResult{err: fmt.Errorf("decode frame: %w", err)})
			return
		}
		if !send(frameResult{frame: f}) {
			return
		}
	}
	if err := sc.Err(); err != nil {
		send(frameResult{err: err})
	}
}

// turnState is owned by the goroutine running one turn.
type turnState struct {
	c      *StreamClient
	t      *Turn
	model  string
	convID string

	msgID    string
	pending  strings.Builder
	received strings.Builder
}

func (s *turnState) stream(ctx context.Context, body streamBody) Outcome {
	raw, err := json.Marshal(body)
	if err != nil {
		return s.failed(fmt.Errorf("encode turn: %w", err))
	}
	req, err := s.c.newRequest(ctx, http.MethodPost, "/api/chat/stream", bytes.NewReader(raw))
	if err != nil {
		return s.failed(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := s.c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(ctx)
		}
		return s.failed(fmt.Errorf("send turn: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return s.failed(decodeAPIError(resp))
	}

	frames := make(chan frameResult)
	go readFrames(resp.Body, frames, ctx.Done())

	var tick <-chan time.Time
	if s.c.flushInterval > 0 {
		ticker := time.NewTicker(s.c.flushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return s.cancelled(ctx)
		case <-tick:
			s.applyPending()
		case r, ok := <-frames:
			switch {
			case ctx.Err() != nil:
				return s.cancelled(ctx)
			case !ok:
				return s.failed(errIncompleteStream)
			case r.err != nil:
				return s.failed(fmt.Errorf("read stream: %w", r.err))
			}
			f := r.frame
			s.observe(f)
			if f.Error != "" {
				return s.failed(&StreamError{Message: f.Error})
			}
			if f.FinishReason != nil {
				return s.completed(f)
			}
			if f.Delta != "" {
				s.pending.WriteString(f.Delta)
				s.received.WriteString(f.Delta)
				if s.c.flushInterval <= 0 {
					s.applyPending()
				}
			}
		}
	}
}

func (s *turnState) observe(f models.Frame) {
	if f.TurnID != "" {
		s.t.setID(f.TurnID)
	}
	if f.SessionID != "" && f.SessionID != s.convID {
		if err := s.c.store.Promote(s.t.key, f.SessionID); err != nil {
			s.c.logger.Warn("server conversation id differs from local one",
				zap.String("local", s.convID), zap.String("server", f.SessionID), zap.Error(err))
		} else {
			s.convID = f.SessionID
		}
	}
}

// applyPending hands buffered text to the store in arrival order. The first
// text of a turn creates the streaming assistant message.
func (s *turnState) applyPending() {
	if s.pending.Len() == 0 {
		return
	}
	text := s.pending.String()
	s.pending.Reset()
	st := s.c.store
	if s.msgID == "" {
		m, err := st.AppendMessage(s.t.key, store.Message{
			Role:      models.RoleAssistant,
			Content:   text,
			Streaming: true,
			Model:     s.model,
		})
		if err != nil {
			s.c.logger.Warn("append assistant message failed", zap.Error(err))
			return
		}
		s.msgID = m.ID
		return
	}
	if err := st.PatchMessageText(s.t.key, s.msgID, text, store.PatchAppend); err != nil {
		s.c.logger.Warn("apply delta failed", zap.String("message_id", s.msgID), zap.Error(err))
	}
}

// completed overwrites the local text with the server's full reply.
func (s *turnState) completed(f models.Frame) Outcome {
	s.applyPending()
	text := s.received.String()
	if f.Message != nil {
		text = *f.Message
	}
	st := s.c.store
	if s.msgID == "" {
		m, err := st.AppendMessage(s.t.key, store.Message{Role: models.RoleAssistant, Streaming: true, Model: s.model})
		if err != nil {
			return Outcome{State: StateFailed, ConversationID: s.convID, Err: err}
		}
		s.msgID = m.ID
	}
	if err := st.PatchMessageText(s.t.key, s.msgID, text, store.PatchReplace); err != nil {
		s.c.logger.Warn("apply final text failed", zap.String("message_id", s.msgID), zap.Error(err))
	}
	if f.Title != "" {
		if err := st.Rename(s.t.key, f.Title); err != nil {
			s.c.logger.Warn("apply title failed", zap.Error(err))
		}
	}
	if err := st.SetStreaming(s.t.key, s.msgID, false); err != nil {
		s.c.logger.Warn("finalize message failed", zap.String("message_id", s.msgID), zap.Error(err))
	}
	return Outcome{
		State:           StateCompleted,
		Text:            text,
		MessageID:       s.msgID,
		ServerMessageID: f.MessageID,
		ConversationID:  s.convID,
		Model:           f.Model,
		Usage:           f.Usage,
	}
}

// failed removes the partial assistant message so no half reply stays visible.
func (s *turnState) failed(err error) Outcome {
	s.applyPending()
	st := s.c.store
	if s.msgID != "" {
		if derr := st.DeleteMessage(s.t.key, s.msgID); derr != nil {
			s.c.logger.Warn("discard partial reply failed", zap.String("message_id", s.msgID), zap.Error(derr))
		}
	}
	if ferr := st.Flush(); ferr != nil {
		s.c.logger.Warn("store flush failed", zap.Error(ferr))
	}
	return Outcome{State: StateFailed, ConversationID: s.convID, Err: err}
}

// cancelled keeps whatever arrived and stops the message streaming. An
// explicit cancel is also sent to the server so the upstream call ends even
// when an intermediary holds the connection open.
func (s *turnState) cancelled(ctx context.Context) Outcome {
	s.applyPending()
	st := s.c.store
	out := Outcome{State: StateCancelled, ConversationID: s.convID, MessageID: s.msgID, Err: context.Cause(ctx)}
	if s.msgID != "" {
		if err := st.SetStreaming(s.t.key, s.msgID, false); err != nil {
			s.c.logger.Warn("stop streaming message failed", zap.String("message_id", s.msgID), zap.Error(err))
		}
		if conv, ok := st.Conversation(s.t.key); ok {
			if m, ok := conv.Message(s.msgID); ok {
				out.Text = m.Content
			}
		}
	} else if err := st.Flush(); err != nil {
		s.c.logger.Warn("store flush failed", zap.Error(err))
	}

	if id := s.t.ID(); id != "" && (errors.Is(out.Err, ErrCancelled) || errors.Is(out.Err, ErrSuperseded)) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteCancelTimeout)
		defer cancel()
		if err := s.c.cancelRemote(rctx, id); err != nil {
			s.c.logger.Debug("remote cancel failed", zap.String("turn_id", id), zap.Error(err))
		}
	}
	return out
}
