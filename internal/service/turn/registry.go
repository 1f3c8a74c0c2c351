package turn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"relaychat/internal/logging"
	appredis "relaychat/internal/redis"
)

const cancelChannel = "turn:cancel"

// ErrCancelled is the context cause set when a turn is cancelled explicitly.
var ErrCancelled = errors.New("turn cancelled")

type cancelMessage struct {
	TurnID string `json:"turn_id"`
	UserID string `json:"user_id"`
}

type activeTurn struct {
	userID string
	cancel context.CancelCauseFunc
}

// Registry tracks the turns running on this instance so they can be
// cancelled by id. With a redis client, cancels are broadcast so the
// instance that owns the turn aborts it.
type Registry struct {
	mu     sync.Mutex
	turns  map[string]activeTurn
	bus    *appredis.Client
	logger *zap.Logger
}

func NewRegistry(bus *appredis.Client, logger *zap.Logger) *Registry {
	return &Registry{
		turns:  make(map[string]activeTurn),
		bus:    bus,
		logger: logging.OrNop(logger),
	}
}

// Register derives a cancellable context for turnID. The returned func must
// be called when the turn ends.
func (r *Registry) Register(ctx context.Context, turnID, userID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	r.mu.Lock()
	r.turns[turnID] = activeTurn{userID: userID, cancel: cancel}
	r.mu.Unlock()
	return ctx, func() {
		r.mu.Lock()
		delete(r.turns, turnID)
		r.mu.Unlock()
		cancel(nil)
	}
}

// Cancel aborts turnID when it belongs to userID. Turns owned by another
// instance are reached through redis; unknown ids are ignored.
func (r *Registry) Cancel(ctx context.Context, userID, turnID string) error {
	if r.cancelLocal(userID, turnID) {
		return nil
	}
	if r.bus == nil {
		return nil
	}
	payload, err := json.Marshal(cancelMessage{TurnID: turnID, UserID: userID})
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, cancelChannel, payload)
}

// Listen subscribes to cancels published by other instances until ctx ends.
func (r *Registry) Listen(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	return r.bus.Subscribe(ctx, cancelChannel, func(payload string) {
		var msg cancelMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			r.logger.Warn("decode turn cancel failed", zap.Error(err))
			return
		}
		r.cancelLocal(msg.UserID, msg.TurnID)
	})
}

// Active reports how many turns are running here.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

func (r *Registry) cancelLocal(userID, turnID string) bool {
	r.mu.Lock()
	t, ok := r.turns[turnID]
	r.mu.Unlock()
	if !ok || t.userID != userID {
		return false
	}
	r.logger.Info("turn cancelled", zap.String("turn_id", turnID), zap.String("user_id", userID))
	t.cancel(ErrCancelled)
	return true
}
