package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/internal/models"
)

func openMemory(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open("", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stored reads the persisted copy of a conversation, bypassing memory.
func stored(t *testing.T, s *Store, key string) (Conversation, bool) {
	t.Helper()
	var c Conversation
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &c) })
	})
	require.NoError(t, err)
	return c, found
}

func TestIntermediateWritesAreDebounced(t *testing.T) {
	s := openMemory(t, Options{Debounce: time.Hour})
	conv := s.NewConversation("draft")

	msg, err := s.AppendMessage(conv.Key, Message{Role: models.RoleAssistant, Streaming: true})
	require.NoError(t, err)
	require.NoError(t, s.PatchMessageText(conv.Key, msg.ID, "Hel", PatchAppend))
	require.NoError(t, s.PatchMessageText(conv.Key, msg.ID, "lo", PatchAppend))

	_, found := stored(t, s, conv.Key)
	assert.False(t, found, "nothing is written before the debounce fires")

	require.NoError(t, s.SetStreaming(conv.Key, msg.ID, false))
	persisted, found := stored(t, s, conv.Key)
	require.True(t, found)
	require.Len(t, persisted.Messages, 1)
	assert.Equal(t, "Hello", persisted.Messages[0].Content)
	assert.False(t, persisted.Messages[0].Streaming)
}

func TestDebouncedFlushFires(t *testing.T) {
	s := openMemory(t, Options{Debounce: 20 * time.Millisecond})
	conv := s.NewConversation("t")
	_, err := s.AppendMessage(conv.Key, Message{Role: models.RoleUser, Content: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, ok := stored(t, s, conv.Key)
		return ok && len(c.Messages) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPatchReplaceOverwrites(t *testing.T) {
	s := openMemory(t, Options{})
	conv := s.NewConversation("t")
	msg, err := s.AppendMessage(conv.Key, Message{Role: models.RoleAssistant, Content: "Helo", Streaming: true})
	require.NoError(t, err)

	require.NoError(t, s.PatchMessageText(conv.Key, msg.ID, "Hello", PatchReplace))
	got, ok := s.Conversation(conv.Key)
	require.True(t, ok)
	m, ok := got.Message(msg.ID)
	require.True(t, ok)
	assert.Equal(t, "Hello", m.Content)
}

func TestDeleteMessage(t *testing.T) {
	s := openMemory(t, Options{})
	conv := s.NewConversation("t")
	msg, err := s.AppendMessage(conv.Key, Message{Role: models.RoleAssistant})
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(conv.Key, msg.ID))
	assert.ErrorIs(t, s.DeleteMessage(conv.Key, msg.ID), ErrMessageMissing)
	assert.ErrorIs(t, s.PatchMessageText("missing", msg.ID, "x", PatchAppend), ErrNotFound)

	got, _ := s.Conversation(conv.Key)
	assert.Empty(t, got.Messages)
}

func TestPromote(t *testing.T) {
	s := openMemory(t, Options{Debounce: time.Hour})
	conv := s.NewConversation("t")
	assert.False(t, conv.Durable())

	require.NoError(t, s.Promote(conv.Key, "srv-1"))
	require.NoError(t, s.Promote(conv.Key, "srv-1"))
	assert.ErrorIs(t, s.Promote(conv.Key, "srv-2"), ErrAlreadyDurable)

	persisted, found := stored(t, s, conv.Key)
	require.True(t, found, "promotion is written synchronously")
	assert.Equal(t, "srv-1", persisted.ID)
}

func TestEnsureDurableCreatesOnce(t *testing.T) {
	s := openMemory(t, Options{})
	conv := s.NewConversation("Trip plans")

	var calls atomic.Int32
	release := make(chan struct{})
	create := func(ctx context.Context, title string) (string, error) {
		calls.Add(1)
		assert.Equal(t, "Trip plans", title)
		<-release
		return "srv-9", nil
	}

	var wg sync.WaitGroup
	ids := make([]string, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.EnsureDurable(context.Background(), conv.Key, create)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, id := range ids {
		assert.Equal(t, "srv-9", id)
	}

	id, err := s.EnsureDurable(context.Background(), conv.Key, func(context.Context, string) (string, error) {
		t.Fatal("durable conversation must not be created again")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-9", id)
}

func TestEnsureDurableFailureStaysProvisional(t *testing.T) {
	s := openMemory(t, Options{})
	conv := s.NewConversation("t")
	boom := errors.New("boom")

	_, err := s.EnsureDurable(context.Background(), conv.Key, func(context.Context, string) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)
	got, _ := s.Conversation(conv.Key)
	assert.False(t, got.Durable())

	_, err = s.EnsureDurable(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHooksFireInOrder(t *testing.T) {
	var events []string
	s := openMemory(t, Options{Hooks: Hooks{
		OnMessageAppended: func(_ string, m Message) { events = append(events, "append:"+string(m.Role)) },
		OnDeltaApplied:    func(_, _, fragment string, _ PatchMode) { events = append(events, "delta:"+fragment) },
		OnTurnFinalized:   func(_, _ string) { events = append(events, "final") },
	}})
	conv := s.NewConversation("t")
	msg, err := s.AppendMessage(conv.Key, Message{Role: models.RoleAssistant, Streaming: true})
	require.NoError(t, err)
	require.NoError(t, s.PatchMessageText(conv.Key, msg.ID, "a", PatchAppend))
	require.NoError(t, s.PatchMessageText(conv.Key, msg.ID, "b", PatchAppend))
	require.NoError(t, s.SetStreaming(conv.Key, msg.ID, false))

	assert.Equal(t, []string{"append:assistant", "delta:a", "delta:b", "final"}, events)
}

func TestLoadStopsInterruptedStreams(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{Debounce: time.Hour})
	require.NoError(t, err)
	conv := s.NewConversation("t")
	msg, err := s.AppendMessage(conv.Key, Message{Role: models.RoleAssistant, Content: "partial", Streaming: true})
	require.NoError(t, err)
	require.NoError(t, s.Promote(conv.Key, "srv-1"))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Conversation(conv.Key)
	require.True(t, ok)
	assert.Equal(t, "srv-1", got.ID)
	m, ok := got.Message(msg.ID)
	require.True(t, ok)
	assert.Equal(t, "partial", m.Content)
	assert.False(t, m.Streaming)
}

func TestListNewestFirst(t *testing.T) {
	s := openMemory(t, Options{})
	older := s.NewConversation("older")
	time.Sleep(2 * time.Millisecond)
	newer := s.NewConversation("newer")
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Rename(older.Key, "older, renamed"))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, older.Key, list[0].Key)
	assert.Equal(t, "older, renamed", list[0].Title)
	assert.Equal(t, newer.Key, list[1].Key)
}
