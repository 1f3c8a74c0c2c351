// Package conversation persists conversations and their messages.
package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaychat/internal/logging"
	"relaychat/internal/models"
	appredis "relaychat/internal/redis"
)

var ErrNotFound = errors.New("conversation not found")

const historyKeyPrefix = "history:"

// Service owns the conversations and messages tables. The recent-history
// window is cached in redis when a client is configured.
type Service struct {
	db       *sql.DB
	cache    *appredis.Client
	cacheTTL time.Duration
	logger   *zap.Logger
}

func NewService(db *sql.DB, cache *appredis.Client, cacheTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{db: db, cache: cache, cacheTTL: cacheTTL, logger: logging.OrNop(logger)}
}

// Create inserts a new conversation for the user.
func (s *Service) Create(ctx context.Context, userID, title string) (*models.Conversation, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     strings.TrimSpace(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// Get returns the conversation if it exists and belongs to the user.
func (s *Service) Get(ctx context.Context, userID, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?`,
		id, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// List returns the user's conversations, most recently active first.
func (s *Service) List(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateTitle renames a conversation.
func (s *Service) UpdateTitle(ctx context.Context, userID, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?`, title, id, userID,
	)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the conversation; messages and attachment rows cascade.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	// mysql honours the FK cascade; sqlite only with foreign_keys enabled on this connection
	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete attachments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	s.invalidateHistory(ctx, id)
	return nil
}

// Messages returns every message of the conversation in order, with the
// attachments bound to each.
func (s *Service) Messages(ctx context.Context, userID, conversationID string) ([]models.Message, error) {
	if _, err := s.Get(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.loadMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}
	refs, err := s.attachmentRefs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Attachments = refs[msgs[i].ID]
	}
	return msgs, nil
}

// RecentMessages returns the last window turns (2*window messages) in
// chronological order. Attachments are not included.
func (s *Service) RecentMessages(ctx context.Context, conversationID string, window int) ([]models.Message, error) {
	if window <= 0 {
		return nil, nil
	}
	if cached, ok := s.cachedHistory(ctx, conversationID, window); ok {
		return cached, nil
	}
	msgs, err := s.loadMessages(ctx, conversationID, window*2)
	if err != nil {
		return nil, err
	}
	s.storeHistory(ctx, conversationID, window, msgs)
	return msgs, nil
}

// loadMessages returns up to limit most recent messages in chronological order
// (all of them when limit is 0).
func (s *Service) loadMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `SELECT id, user_id, conversation_id, role, content, model, prompt_tokens, completion_tokens, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Role, &m.Content, &m.Model,
			&m.PromptTokens, &m.CompletionTokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Service) attachmentRefs(ctx context.Context, conversationID string) (map[string][]models.AttachmentRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, file_name, mime_type, size, width, height
		 FROM attachments WHERE conversation_id = ? AND message_id IS NOT NULL ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.AttachmentRef)
	for rows.Next() {
		var (
			ref       models.AttachmentRef
			messageID string
		)
		if err := rows.Scan(&ref.ID, &messageID, &ref.Name, &ref.MimeType, &ref.Size, &ref.Width, &ref.Height); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		ref.URL = models.AttachmentURL(ref.ID)
		out[messageID] = append(out[messageID], ref)
	}
	return out, rows.Err()
}

type historyEntry struct {
	Window   int              `json:"window"`
	Messages []models.Message `json:"messages"`
}

func (s *Service) cachedHistory(ctx context.Context, conversationID string, window int) ([]models.Message, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, historyKeyPrefix+conversationID)
	if err != nil {
		if !errors.Is(err, appredis.ErrCacheMiss) {
			s.logger.Debug("history cache read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		return nil, false
	}
	var entry historyEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Window != window {
		return nil, false
	}
	return entry.Messages, true
}

func (s *Service) storeHistory(ctx context.Context, conversationID string, window int, msgs []models.Message) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(historyEntry{Window: window, Messages: msgs})
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, historyKeyPrefix+conversationID, string(raw), s.cacheTTL); err != nil {
		s.logger.Debug("history cache write failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (s *Service) invalidateHistory(ctx context.Context, conversationID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, historyKeyPrefix+conversationID); err != nil {
		s.logger.Warn("history cache invalidation failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
