package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaychat/internal/models"
	"relaychat/internal/storage"
)

// Exchange is one completed turn: the user submission and the assistant reply.
type Exchange struct {
	UserID           string
	ConversationID   string
	UserContent      string
	UserCreatedAt    time.Time
	AssistantContent string
	Model            string
	Usage            models.Usage
}

// BindFunc runs inside the persistence transaction once the user message row
// exists, so attachment binding commits or rolls back with the messages.
type BindFunc func(ctx context.Context, tx *sql.Tx, userMessageID string) error

// maxSeqAttempts bounds retries when concurrent turns on one conversation
// race for the same message seq.
const maxSeqAttempts = 4

// PersistExchange stores both messages of a completed turn atomically. The
// pair takes the next two seq values of the conversation; a concurrent writer
// claiming them first makes the whole transaction retry.
func (s *Service) PersistExchange(ctx context.Context, ex Exchange, bind BindFunc) (user, assistant *models.Message, err error) {
	if ex.UserID == "" || ex.ConversationID == "" {
		return nil, nil, errors.New("user_id and conversation_id are required")
	}
	for attempt := 1; ; attempt++ {
		user, assistant, err = s.persistExchange(ctx, ex, bind)
		if err == nil || !storage.IsUniqueViolation(err) || attempt == maxSeqAttempts {
			break
		}
		s.logger.Debug("message seq conflict, retrying",
			zap.String("conversation_id", ex.ConversationID), zap.Int("attempt", attempt))
	}
	if err != nil {
		return nil, nil, err
	}
	s.invalidateHistory(ctx, ex.ConversationID)
	return user, assistant, nil
}

func (s *Service) persistExchange(ctx context.Context, ex Exchange, bind BindFunc) (user, assistant *models.Message, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var owner string
	if err := tx.QueryRowContext(ctx,
		`SELECT user_id FROM conversations WHERE id = ?`, ex.ConversationID,
	).Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("verify conversation: %w", err)
	}
	if owner != ex.UserID {
		return nil, nil, ErrNotFound
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, ex.ConversationID,
	).Scan(&seq); err != nil {
		return nil, nil, fmt.Errorf("next message seq: %w", err)
	}

	now := time.Now().UTC()
	userAt := ex.UserCreatedAt
	if userAt.IsZero() {
		userAt = now
	}
	user = &models.Message{
		ID:             uuid.NewString(),
		UserID:         ex.UserID,
		ConversationID: ex.ConversationID,
		Role:           models.RoleUser,
		Content:        ex.UserContent,
		CreatedAt:      userAt.UTC(),
	}
	assistant = &models.Message{
		ID:               uuid.NewString(),
		UserID:           ex.UserID,
		ConversationID:   ex.ConversationID,
		Role:             models.RoleAssistant,
		Content:          ex.AssistantContent,
		Model:            ex.Model,
		PromptTokens:     ex.Usage.PromptTokens,
		CompletionTokens: ex.Usage.CompletionTokens,
		CreatedAt:        now,
	}
	for i, m := range []*models.Message{user, assistant} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, seq, user_id, conversation_id, role, content, model, prompt_tokens, completion_tokens, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, seq+int64(i)+1, m.UserID, m.ConversationID, m.Role, m.Content, m.Model,
			m.PromptTokens, m.CompletionTokens, m.CreatedAt,
		); err != nil {
			return nil, nil, fmt.Errorf("insert %s message: %w", m.Role, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, ex.ConversationID,
	); err != nil {
		return nil, nil, fmt.Errorf("touch conversation: %w", err)
	}
	if bind != nil {
		if err := bind(ctx, tx, user.ID); err != nil {
			return nil, nil, fmt.Errorf("bind attachments: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit exchange: %w", err)
	}
	return user, assistant, nil
}
