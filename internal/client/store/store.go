// Package store keeps the client's conversations: provisional ones that only
// exist locally and durable ones that carry a server id. State lives in memory
// and is written to badger, debounced for streaming updates and synchronously
// at turn boundaries.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"relaychat/internal/logging"
	"relaychat/internal/models"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	keyPrefix       = "conv/"
)

var (
	ErrNotFound       = errors.New("conversation not found")
	ErrMessageMissing = errors.New("message not found")
	ErrAlreadyDurable = errors.New("conversation already bound to another server id")
)

type PatchMode int

const (
	PatchAppend PatchMode = iota
	PatchReplace
)

// Message is the local view of one message. Streaming is true while an
// assistant reply is still arriving.
type Message struct {
	ID          string                 `json:"id"`
	Role        models.Role            `json:"role"`
	Content     string                 `json:"content"`
	Streaming   bool                   `json:"streaming"`
	Model       string                 `json:"model,omitempty"`
	Attachments []models.AttachmentRef `json:"attachments,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Conversation is keyed locally by Key. ID stays empty until the server
// knows the conversation.
type Conversation struct {
	Key       string    `json:"key"`
	ID        string    `json:"id,omitempty"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Conversation) Durable() bool { return c.ID != "" }

// Message returns a copy of the message with id.
func (c *Conversation) Message(id string) (Message, bool) {
	for _, m := range c.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		if m.Attachments != nil {
			m.Attachments = append([]models.AttachmentRef(nil), m.Attachments...)
		}
		out.Messages[i] = m
	}
	return out
}

// Hooks are called synchronously after the matching state change, outside the
// store lock.
type Hooks struct {
	OnMessageAppended func(convKey string, m Message)
	OnDeltaApplied    func(convKey, messageID, fragment string, mode PatchMode)
	OnTurnFinalized   func(convKey, messageID string)
}

type Options struct {
	// Debounce delays writes of intermediate mutations. Zero uses DefaultDebounce.
	Debounce time.Duration
	Hooks    Hooks
	Logger   *zap.Logger
}

// CreateFunc makes the server-side conversation and returns its id.
type CreateFunc func(ctx context.Context, title string) (string, error)

type Store struct {
	db       *badger.DB
	debounce time.Duration
	hooks    Hooks
	logger   *zap.Logger

	mu    sync.Mutex
	convs map[string]*Conversation
	dirty map[string]struct{}
	timer *time.Timer

	// writeMu orders snapshots so a later flush never lands before an earlier one.
	writeMu sync.Mutex
	durable singleflight.Group
}

// Open opens the store in dir, or in memory when dir is empty, and loads
// whatever was persisted.
func Open(dir string, opts Options) (*Store, error) {
	var bopts badger.Options
	if dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store dir %s: %w", dir, err)
		}
		bopts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	logger := logging.OrNop(opts.Logger)
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger.Sugar().Named("badger")})
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s := &Store{
		db:       db,
		debounce: opts.Debounce,
		hooks:    opts.Hooks,
		logger:   logger,
		convs:    make(map[string]*Conversation),
		dirty:    make(map[string]struct{}),
	}
	if s.debounce <= 0 {
		s.debounce = DefaultDebounce
	}
	if err := s.Load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close writes pending state and closes the database.
func (s *Store) Close() error {
	flushErr := s.Flush()
	if err := s.db.Close(); err != nil {
		return err
	}
	return flushErr
}

// Load replaces the in-memory state with what is stored. A message still
// marked streaming belongs to a turn that never reached a boundary; it is
// kept as a stopped partial reply.
func (s *Store) Load() error {
	loaded := make(map[string]*Conversation)
	var repaired []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(keyPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var c Conversation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			for i := range c.Messages {
				if c.Messages[i].Streaming {
					c.Messages[i].Streaming = false
					repaired = append(repaired, c.Key)
				}
			}
			loaded[c.Key] = &c
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	s.mu.Lock()
	s.convs = loaded
	s.dirty = make(map[string]struct{})
	for _, key := range repaired {
		s.dirty[key] = struct{}{}
	}
	s.mu.Unlock()
	if len(repaired) > 0 {
		return s.Flush()
	}
	return nil
}

// NewConversation creates a provisional conversation.
func (s *Store) NewConversation(title string) Conversation {
	now := time.Now().UTC()
	c := &Conversation{
		Key:       uuid.NewString(),
		Title:     title,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.convs[c.Key] = c
	s.scheduleLocked(c.Key)
	out := c.clone()
	s.mu.Unlock()
	return out
}

// Conversation returns a copy of the conversation with key.
func (s *Store) Conversation(key string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[key]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// List returns every conversation, most recently updated first.
func (s *Store) List() []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// EnsureDurable returns the server id of the conversation, calling create
// first when it is still provisional. Concurrent callers for the same key
// share one create call.
func (s *Store) EnsureDurable(ctx context.Context, key string, create CreateFunc) (string, error) {
	s.mu.Lock()
	c, ok := s.convs[key]
	if !ok {
		s.mu.Unlock()
		return "", ErrNotFound
	}
	id, title := c.ID, c.Title
	s.mu.Unlock()
	if id != "" {
		return id, nil
	}

	v, err, _ := s.durable.Do(key, func() (any, error) {
		if c, ok := s.Conversation(key); ok && c.ID != "" {
			return c.ID, nil
		}
		id, err := create(ctx, title)
		if err != nil {
			return "", fmt.Errorf("create conversation: %w", err)
		}
		if err := s.Promote(key, id); err != nil {
			return "", err
		}
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Promote binds a provisional conversation to its server id and writes it
// out. Promoting to the id it already has is a no-op.
func (s *Store) Promote(key, id string) error {
	s.mu.Lock()
	c, ok := s.convs[key]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	switch c.ID {
	case id:
		s.mu.Unlock()
		return nil
	case "":
		c.ID = id
		c.UpdatedAt = time.Now().UTC()
		s.dirty[key] = struct{}{}
		s.mu.Unlock()
		return s.Flush()
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyDurable, c.ID)
	}
}

func (s *Store) Rename(key, title string) error {
	return s.mutate(key, func(c *Conversation) error {
		c.Title = title
		return nil
	})
}

// AppendMessage adds m to the conversation and returns it with its id and
// timestamp filled in.
func (s *Store) AppendMessage(key string, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.mutate(key, func(c *Conversation) error {
		c.Messages = append(c.Messages, m)
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	if h := s.hooks.OnMessageAppended; h != nil {
		h(key, m)
	}
	return m, nil
}

// PatchMessageText appends fragment to the message text or replaces it.
func (s *Store) PatchMessageText(key, messageID, fragment string, mode PatchMode) error {
	err := s.mutateMessage(key, messageID, func(m *Message) {
		if mode == PatchReplace {
			m.Content = fragment
		} else {
			m.Content += fragment
		}
	})
	if err != nil {
		return err
	}
	if h := s.hooks.OnDeltaApplied; h != nil {
		h(key, messageID, fragment, mode)
	}
	return nil
}

// SetStreaming flips the streaming flag. Clearing it ends the turn for that
// message: state is written synchronously and OnTurnFinalized fires.
func (s *Store) SetStreaming(key, messageID string, streaming bool) error {
	if err := s.mutateMessage(key, messageID, func(m *Message) { m.Streaming = streaming }); err != nil {
		return err
	}
	if streaming {
		return nil
	}
	err := s.Flush()
	if h := s.hooks.OnTurnFinalized; h != nil {
		h(key, messageID)
	}
	return err
}

func (s *Store) DeleteMessage(key, messageID string) error {
	return s.mutate(key, func(c *Conversation) error {
		for i := range c.Messages {
			if c.Messages[i].ID == messageID {
				c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
				return nil
			}
		}
		return ErrMessageMissing
	})
}

func (s *Store) mutateMessage(key, messageID string, fn func(*Message)) error {
	return s.mutate(key, func(c *Conversation) error {
		for i := range c.Messages {
			if c.Messages[i].ID == messageID {
				fn(&c.Messages[i])
				return nil
			}
		}
		return ErrMessageMissing
	})
}

func (s *Store) mutate(key string, fn func(*Conversation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[key]
	if !ok {
		return ErrNotFound
	}
	if err := fn(c); err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()
	s.scheduleLocked(key)
	return nil
}

func (s *Store) scheduleLocked(key string) {
	s.dirty[key] = struct{}{}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, func() {
			if err := s.Flush(); err != nil {
				s.logger.Warn("debounced store flush failed", zap.Error(err))
			}
		})
	}
}

// Flush writes every pending change now.
func (s *Store) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	batch := make(map[string][]byte, len(s.dirty))
	for key := range s.dirty {
		c, ok := s.convs[key]
		if !ok {
			batch[key] = nil
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("encode conversation %s: %w", key, err)
		}
		batch[key] = raw
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for key, raw := range batch {
			k := []byte(keyPrefix + key)
			if raw == nil {
				if err := txn.Delete(k); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(k, raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.mu.Lock()
		for key := range batch {
			s.dirty[key] = struct{}{}
		}
		s.mu.Unlock()
		return fmt.Errorf("write conversations: %w", err)
	}
	return nil
}

// badgerLogger routes badger's own logging through zap.
type badgerLogger struct {
	l *zap.SugaredLogger
}

func (b *badgerLogger) Errorf(format string, args ...any)   { b.l.Errorf(format, args...) }
func (b *badgerLogger) Warningf(format string, args ...any) { b.l.Warnf(format, args...) }
func (b *badgerLogger) Infof(format string, args ...any)    { b.l.Debugf(format, args...) }
func (b *badgerLogger) Debugf(format string, args ...any)   { b.l.Debugf(format, args...) }
