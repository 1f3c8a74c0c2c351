package turn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaychat/internal/logging"
	"relaychat/internal/models"
	"relaychat/internal/service/attachment"
	"relaychat/internal/service/conversation"
	"relaychat/internal/service/provider"
)

// Resolver is the part of the model router a turn needs.
type Resolver interface {
	Resolve(ctx context.Context, modelID string) (provider.Adapter, models.ModelDescriptor, error)
	RecordAccess(ctx context.Context, providerName string)
}

type Options struct {
	HistoryWindow int
	Timeout       time.Duration
	DefaultModel  string
	// TitleModel refines the title of new conversations after their first
	// turn. Empty keeps the title derived from the first message.
	TitleModel   string
	TitleTimeout time.Duration
}

const persistTimeout = 10 * time.Second

var errTurnTimeout = errors.New("turn deadline exceeded")

type Orchestrator struct {
	router   Resolver
	convs    *conversation.Service
	atts     *attachment.Service
	registry *Registry
	metrics  *Metrics
	opts     Options
	logger   *zap.Logger

	titles sync.WaitGroup
}

func NewOrchestrator(router Resolver, convs *conversation.Service, atts *attachment.Service,
	registry *Registry, metrics *Metrics, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.TitleTimeout <= 0 {
		opts.TitleTimeout = 15 * time.Second
	}
	if registry == nil {
		registry = NewRegistry(nil, logger)
	}
	return &Orchestrator{
		router:   router,
		convs:    convs,
		atts:     atts,
		registry: registry,
		metrics:  metrics,
		opts:     opts,
		logger:   logging.OrNop(logger),
	}
}

// Registry exposes the cancel registry shared with the HTTP layer.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Prepare validates in and resolves everything the turn needs before any
// frame is written. Errors returned here map to request failures; apart from
// inline file rows (left unbound for the sweeper) nothing is stored when
// Prepare fails.
func (o *Orchestrator) Prepare(ctx context.Context, in Input) (*Turn, error) {
	t := &Turn{ID: uuid.NewString(), UserID: in.UserID, startedAt: time.Now()}
	t.setState(StateCreated)

	text := strings.TrimSpace(in.Message)
	if text == "" && len(in.FileIDs) == 0 && len(in.Files) == 0 {
		return nil, ErrEmptyTurn
	}
	for _, h := range in.History {
		switch h.Role {
		case models.RoleUser, models.RoleAssistant, models.RoleSystem:
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidRole, h.Role)
		}
	}

	modelID := in.Model
	if modelID == "" {
		modelID = o.opts.DefaultModel
	}
	adapter, desc, err := o.router.Resolve(ctx, modelID)
	if err != nil {
		return nil, err
	}
	t.adapter, t.Model = adapter, desc

	if in.ConversationID != "" {
		conv, err := o.convs.Get(ctx, in.UserID, in.ConversationID)
		if err != nil {
			return nil, err
		}
		t.ConversationID, t.Title = conv.ID, conv.Title
	}

	resolved, err := o.atts.ResolveForTurn(ctx, in.UserID, in.FileIDs, in.Files)
	if err != nil {
		return nil, err
	}
	t.attachmentIDs = resolved.IDs

	var history []models.Message
	switch {
	case in.History != nil:
		for _, h := range in.History {
			history = append(history, models.Message{Role: h.Role, Content: h.Content})
		}
	case t.ConversationID != "":
		if history, err = o.convs.RecentMessages(ctx, t.ConversationID, o.opts.HistoryWindow); err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}

	if t.ConversationID == "" {
		conv, err := o.convs.Create(ctx, in.UserID, defaultTitle(text, len(resolved.Parts) > 0))
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		t.ConversationID, t.Title, t.NewConversation = conv.ID, conv.Title, true
	}

	t.userContent = text
	t.request = buildRequest(desc, history, text, resolved.Parts)
	t.setState(StateContextAssembled)
	return t, nil
}

func buildRequest(desc models.ModelDescriptor, history []models.Message, text string, images []provider.ContentPart) *provider.Request {
	msgs := make([]provider.Message, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}
	current := provider.Message{Role: models.RoleUser, Content: text}
	if len(images) > 0 {
		parts := make([]provider.ContentPart, 0, len(images)+1)
		if text != "" {
			parts = append(parts, provider.ContentPart{Type: provider.PartText, Text: text})
		}
		current.Parts = append(parts, images...)
	}
	msgs = append(msgs, current)
	return &provider.Request{Model: desc.ID, Messages: msgs, MaxTokens: desc.Provider.MaxTokens}
}

// Run streams a prepared turn, relaying each chunk through emit before
// reading the next. The exchange is persisted only when the provider reaches
// a finish reason; cancellation ends the turn without a frame.
func (o *Orchestrator) Run(ctx context.Context, t *Turn, emit Emit) Outcome {
	ctx, unregister := o.registry.Register(ctx, t.ID, t.UserID)
	defer unregister()
	ctx, cancelTimeout := context.WithTimeoutCause(ctx, o.opts.Timeout, errTurnTimeout)
	defer cancelTimeout()
	ctx, abandon := context.WithCancelCause(ctx)
	defer abandon(nil)

	log := o.logger.With(
		zap.String("turn_id", t.ID),
		zap.String("user_id", t.UserID),
		zap.String("conversation_id", t.ConversationID),
		zap.String("model", t.Model.ID),
	)
	t.setState(StateStreaming)
	o.router.RecordAccess(ctx, t.Model.Provider.Name)

	stream, err := t.adapter.Stream(ctx, t.request)
	if err != nil {
		return o.abort(ctx, t, err, emit, log)
	}

	var (
		reply strings.Builder
		final provider.Chunk
	)
	for c := range stream {
		if c.Err != nil {
			return o.abort(ctx, t, c.Err, emit, log)
		}
		if c.Delta != "" {
			reply.WriteString(c.Delta)
			o.metrics.chunk()
			if err := emit(t.frame(models.Frame{Delta: c.Delta})); err != nil {
				abandon(context.Canceled)
				return o.abort(ctx, t, err, emit, log)
			}
		}
		if c.FinishReason != "" {
			final = c
			break
		}
	}
	if final.FinishReason == "" {
		return o.abort(ctx, t, &provider.Error{
			Provider: t.adapter.Name(),
			Status:   http.StatusBadGateway,
			Message:  "stream ended without a finish reason",
			Err:      provider.ErrMalformedStream,
		}, emit, log)
	}
	return o.finalize(ctx, t, reply.String(), final, emit, log)
}

func (o *Orchestrator) finalize(ctx context.Context, t *Turn, text string, final provider.Chunk, emit Emit, log *zap.Logger) Outcome {
	t.setState(StateFinalizing)
	var usage models.Usage
	if final.Usage != nil {
		usage = *final.Usage
	}

	// a client that disconnects after the finish reason still gets its turn stored
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	user, assistant, err := o.convs.PersistExchange(persistCtx, conversation.Exchange{
		UserID:           t.UserID,
		ConversationID:   t.ConversationID,
		UserContent:      t.userContent,
		UserCreatedAt:    t.startedAt,
		AssistantContent: text,
		Model:            t.Model.ID,
		Usage:            usage,
	}, o.bindAttachments(t))

	reason := final.FinishReason
	frame := models.Frame{FinishReason: &reason, Message: &text, Model: t.Model.ID, Usage: final.Usage}
	if t.NewConversation {
		frame.Title = t.Title
	}
	out := Outcome{State: StatePersisted, Text: text}
	if err != nil {
		log.Error("persist exchange failed", zap.Error(err))
		o.metrics.persistFailure()
		out.State, out.Err = StateFailed, err
	} else {
		frame.MessageID, frame.UserMessageID = assistant.ID, user.ID
		out.UserMessage, out.AssistantMessage = user, assistant
	}
	if err := emit(t.frame(frame)); err != nil {
		log.Debug("terminal frame not delivered", zap.Error(err))
	}
	t.setState(out.State)
	o.metrics.outcome(out.State)
	log.Info("turn finished",
		zap.String("state", string(out.State)),
		zap.Int("chars", len(text)),
		zap.Duration("elapsed", time.Since(t.startedAt)))

	if out.State == StatePersisted && t.NewConversation && o.opts.TitleModel != "" {
		o.titles.Add(1)
		go func() {
			defer o.titles.Done()
			o.refineTitle(context.WithoutCancel(ctx), t, text)
		}()
	}
	return out
}

func (o *Orchestrator) bindAttachments(t *Turn) conversation.BindFunc {
	if len(t.attachmentIDs) == 0 {
		return nil
	}
	return func(ctx context.Context, tx *sql.Tx, userMessageID string) error {
		_, err := o.atts.Bind(ctx, tx, t.UserID, t.attachmentIDs, t.ConversationID, userMessageID)
		return err
	}
}

// abort ends a turn that did not complete. Cancellation emits nothing; a
// deadline becomes a timeout error frame; anything else is a provider error.
func (o *Orchestrator) abort(ctx context.Context, t *Turn, err error, emit Emit, log *zap.Logger) Outcome {
	name := t.adapter.Name()
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), errTurnTimeout) {
			err = provider.Timeout(name)
		} else {
			t.setState(StateCancelled)
			o.metrics.outcome(StateCancelled)
			log.Info("turn cancelled", zap.NamedError("cause", context.Cause(ctx)))
			return Outcome{State: StateCancelled}
		}
	}

	var pe *provider.Error
	if !errors.As(err, &pe) {
		pe = &provider.Error{Provider: name, Message: err.Error(), Err: err}
	}
	if emitErr := emit(t.frame(models.Frame{Error: pe.Error()})); emitErr != nil {
		log.Debug("error frame not delivered", zap.Error(emitErr))
	}
	t.setState(StateFailed)
	o.metrics.outcome(StateFailed)
	o.metrics.providerError(name)
	log.Warn("turn failed", zap.Int("status", pe.Status), zap.Error(pe))
	return Outcome{State: StateFailed, Err: pe}
}

// Wait blocks until background title refinements have finished.
func (o *Orchestrator) Wait() { o.titles.Wait() }
