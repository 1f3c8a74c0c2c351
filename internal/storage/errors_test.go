package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageSeqIsUniquePerConversation(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Now().UTC()
	_, err = db.Exec(`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES ('c1', 'u1', 't', ?, ?), ('c2', 'u1', 't', ?, ?)`,
		now, now, now, now)
	require.NoError(t, err)

	insert := func(id, conv string, seq int) error {
		_, err := db.Exec(`INSERT INTO messages (id, seq, user_id, conversation_id, role, content, created_at)
			VALUES (?, ?, 'u1', ?, 'user', 'x', ?)`, id, seq, conv, now)
		return err
	}
	require.NoError(t, insert("m1", "c1", 1))
	require.NoError(t, insert("m2", "c2", 1), "seq is scoped to the conversation")

	err = insert("m3", "c1", 1)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", err)))
}

func TestIsUniqueViolationIgnoresOtherErrors(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
}
