package turn

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/internal/config"
	"relaychat/internal/models"
	"relaychat/internal/service/attachment"
	"relaychat/internal/service/conversation"
	"relaychat/internal/service/provider"
	"relaychat/internal/service/provider/providertest"
	"relaychat/internal/service/router"
	"relaychat/internal/storage"
)

type fakeResolver struct {
	adapters map[string]provider.Adapter
	accesses atomic.Int32
}

func (r *fakeResolver) Resolve(_ context.Context, modelID string) (provider.Adapter, models.ModelDescriptor, error) {
	a, ok := r.adapters[modelID]
	if !ok {
		return nil, models.ModelDescriptor{}, router.ErrModelNotFound
	}
	return a, models.ModelDescriptor{ID: modelID, Enabled: true, Provider: models.ProviderDescriptor{Name: a.Name(), Enabled: true}}, nil
}

func (r *fakeResolver) RecordAccess(context.Context, string) { r.accesses.Add(1) }

type recorder struct {
	mu     sync.Mutex
	frames []models.Frame
	// fail makes every emit return an error once set
	fail bool
}

func (r *recorder) emit(f models.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("client gone")
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) all() []models.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Frame(nil), r.frames...)
}

type fixture struct {
	orch     *Orchestrator
	resolver *fakeResolver
	convs    *conversation.Service
	atts     *attachment.Service
	fake     *providertest.Adapter
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	blobs, err := attachment.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	fake := &providertest.Adapter{AdapterName: "fake"}
	resolver := &fakeResolver{adapters: map[string]provider.Adapter{"m1": fake}}
	convs := conversation.NewService(db, nil, time.Minute, nil)
	atts := attachment.NewService(db, blobs, config.UploadConfig{
		MaxFiles:        4,
		MaxBytes:        1 << 20,
		AllowedMIME:     []string{"image/png", "image/jpeg"},
		MaxDimension:    64,
		MaxEncodedBytes: 256 << 10,
	}, nil)
	if opts.HistoryWindow == 0 {
		opts.HistoryWindow = 10
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = "m1"
	}
	return &fixture{
		orch:     NewOrchestrator(resolver, convs, atts, nil, NewMetrics(nil), opts, nil),
		resolver: resolver,
		convs:    convs,
		atts:     atts,
		fake:     fake,
	}
}

func (f *fixture) run(t *testing.T, in Input) (Outcome, *Turn, []models.Frame) {
	t.Helper()
	tr, err := f.orch.Prepare(context.Background(), in)
	require.NoError(t, err)
	rec := &recorder{}
	out := f.orch.Run(context.Background(), tr, rec.emit)
	return out, tr, rec.all()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < 16; i++ {
		img.Set(i, i, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHelloTurnOnFreshConversation(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.Steps = append(providertest.Text("Hel", "lo", " there")[:3],
		providertest.Step{Finish: "stop", Usage: &models.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}})

	out, tr, frames := f.run(t, Input{UserID: "u1", Message: "hello", Model: "m1"})
	require.Equal(t, StatePersisted, out.State)
	require.Len(t, frames, 4)

	var text strings.Builder
	for _, fr := range frames[:3] {
		assert.Nil(t, fr.FinishReason)
		assert.Empty(t, fr.Error)
		assert.Equal(t, tr.ConversationID, fr.SessionID)
		assert.Equal(t, tr.ID, fr.TurnID)
		text.WriteString(fr.Delta)
	}
	last := frames[3]
	require.True(t, last.Terminal())
	assert.Equal(t, "stop", *last.FinishReason)
	assert.Equal(t, text.String(), *last.Message)
	assert.Equal(t, "m1", last.Model)
	assert.Equal(t, tr.ConversationID, last.SessionID)
	assert.Equal(t, "hello", last.Title)
	assert.Equal(t, 7, last.Usage.TotalTokens)
	assert.Equal(t, out.AssistantMessage.ID, last.MessageID)
	assert.Equal(t, out.UserMessage.ID, last.UserMessageID)
	assert.EqualValues(t, 1, f.resolver.accesses.Load())

	msgs, err := f.convs.Messages(context.Background(), "u1", tr.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "Hello there", msgs[1].Content)
	assert.Equal(t, 4, msgs[1].CompletionTokens)
}

func TestPrepareRejectsBeforeAnySideEffect(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.orch.Prepare(ctx, Input{UserID: "u1", Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyTurn)

	_, err = f.orch.Prepare(ctx, Input{UserID: "u1", Message: "hi", Model: "nope"})
	assert.ErrorIs(t, err, router.ErrModelNotFound)

	_, err = f.orch.Prepare(ctx, Input{UserID: "u1", Message: "hi", ConversationID: "missing"})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = f.orch.Prepare(ctx, Input{UserID: "u1", Message: "hi", History: []HistoryEntry{{Role: "tool", Content: "x"}}})
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = f.orch.Prepare(ctx, Input{UserID: "u1", Message: "hi", FileIDs: []string{"not-a-uuid"}})
	assert.ErrorIs(t, err, attachment.ErrInvalidReference)

	convs, err := f.convs.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Empty(t, f.fake.Requests())
}

func TestProviderErrorAfterChunksPersistsNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.Steps = []providertest.Step{
		{Delta: "partial "},
		{Delta: "answer"},
		{Err: &provider.Error{Provider: "fake", Status: 500, Message: "boom"}},
	}

	out, tr, frames := f.run(t, Input{UserID: "u1", Message: "hello"})
	require.Equal(t, StateFailed, out.State)
	var pe *provider.Error
	require.ErrorAs(t, out.Err, &pe)
	assert.Equal(t, 500, pe.Status)

	require.Len(t, frames, 3)
	assert.Contains(t, frames[2].Error, "boom")
	assert.Nil(t, frames[2].FinishReason)
	for _, fr := range frames {
		assert.Nil(t, fr.FinishReason)
	}

	msgs, err := f.convs.Messages(context.Background(), "u1", tr.ConversationID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestOpenErrorBecomesErrorFrame(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.OpenErr = errors.New("dial upstream: connection refused")

	out, _, frames := f.run(t, Input{UserID: "u1", Message: "hello"})
	assert.Equal(t, StateFailed, out.State)
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Error, "connection refused")
}

func TestStreamWithoutFinishReasonIsMalformed(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.Steps = []providertest.Step{{Delta: "a"}, {Delta: "b"}}

	out, _, frames := f.run(t, Input{UserID: "u1", Message: "hello"})
	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, provider.ErrMalformedStream)
	require.Len(t, frames, 3)
	assert.NotEmpty(t, frames[2].Error)
}

func TestCancelBeforeFirstChunk(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.Steps = []providertest.Step{{Block: true}}

	tr, err := f.orch.Prepare(context.Background(), Input{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	rec := &recorder{}
	done := make(chan Outcome, 1)
	go func() { done <- f.orch.Run(context.Background(), tr, rec.emit) }()

	require.Eventually(t, func() bool { return f.orch.Registry().Active() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.orch.Registry().Cancel(context.Background(), "u1", tr.ID))

	out := <-done
	assert.Equal(t, StateCancelled, out.State)
	assert.NoError(t, out.Err)
	assert.Empty(t, rec.all())
	assert.Equal(t, StateCancelled, tr.State())

	msgs, err := f.convs.Messages(context.Background(), "u1", tr.ConversationID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Zero(t, f.orch.Registry().Active())
}

func TestCancelByAnotherUserIsIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.Steps = []providertest.Step{{Delta: "x", Delay: 50 * time.Millisecond}, {Finish: "stop"}}

	tr, err := f.orch.Prepare(context.Background(), Input{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	done := make(chan Outcome, 1)
	rec := &recorder{}
	go func() { done <- f.orch.Run(context.Background(), tr, rec.emit) }()

	require.Eventually(t, func() bool { return f.orch.Registry().Active() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.orch.Registry().Cancel(context.Background(), "intruder", tr.ID))
	assert.Equal(t, StatePersisted, (<-done).State)
}

func TestClientDisconnectCancelsTurn(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.Steps = providertest.Text("a", "b")

	tr, err := f.orch.Prepare(context.Background(), Input{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	rec := &recorder{fail: true}
	out := f.orch.Run(context.Background(), tr, rec.emit)
	assert.Equal(t, StateCancelled, out.State)

	msgs, err := f.convs.Messages(context.Background(), "u1", tr.ConversationID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRequestContextCancelIsNotAnError(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.Steps = []providertest.Step{{Delta: "a"}, {Block: true}}

	tr, err := f.orch.Prepare(context.Background(), Input{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	done := make(chan Outcome, 1)
	go func() { done <- f.orch.Run(ctx, tr, rec.emit) }()

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	out := <-done
	assert.Equal(t, StateCancelled, out.State)
	require.Len(t, rec.all(), 1)
	assert.Empty(t, rec.all()[0].Error)
}

func TestTurnTimeoutIsProviderError(t *testing.T) {
	f := newFixture(t, Options{Timeout: 30 * time.Millisecond})
	f.fake.Steps = []providertest.Step{{Block: true}}

	out, _, frames := f.run(t, Input{UserID: "u1", Message: "hello"})
	assert.Equal(t, StateFailed, out.State)
	var pe *provider.Error
	require.ErrorAs(t, out.Err, &pe)
	assert.Equal(t, 504, pe.Status)
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Error, "timeout")
}

func TestAttachmentsBindToUserMessageAndCannotBeReused(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.Steps = providertest.Text("two images")
	ctx := context.Background()

	uploaded, err := f.atts.StoreUploads(ctx, "u1", []attachment.Upload{
		{Name: "a.png", Data: pngBytes(t)},
		{Name: "b.png", Data: pngBytes(t)},
	})
	require.NoError(t, err)
	ids := []string{uploaded[0].ID, uploaded[1].ID}

	out, tr, _ := f.run(t, Input{UserID: "u1", Message: "compare", FileIDs: ids})
	require.Equal(t, StatePersisted, out.State)
	assert.Equal(t, ids, tr.AttachmentIDs())

	reqs := f.fake.Requests()
	require.Len(t, reqs, 1)
	current := reqs[0].Messages[len(reqs[0].Messages)-1]
	require.Len(t, current.Parts, 3)
	assert.Equal(t, provider.PartText, current.Parts[0].Type)
	assert.Equal(t, provider.PartImage, current.Parts[1].Type)

	for _, id := range ids {
		att, err := f.atts.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, att.Bound())
		assert.Equal(t, out.UserMessage.ID, *att.MessageID)
		assert.Equal(t, tr.ConversationID, *att.ConversationID)
	}

	_, err = f.orch.Prepare(ctx, Input{UserID: "u1", ConversationID: tr.ConversationID, FileIDs: ids})
	assert.ErrorIs(t, err, attachment.ErrAlreadyUsed)
}

func TestImageOnlyTurnGetsImageTitle(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.Steps = providertest.Text("a cat")
	att, err := f.atts.StoreUpload(context.Background(), "u1", attachment.Upload{Name: "cat.png", Data: pngBytes(t)})
	require.NoError(t, err)

	out, tr, frames := f.run(t, Input{UserID: "u1", FileIDs: []string{att.ID}})
	require.Equal(t, StatePersisted, out.State)
	assert.Equal(t, imageOnlyTitle, tr.Title)
	assert.Equal(t, imageOnlyTitle, frames[len(frames)-1].Title)
}

func TestStoredHistoryIsPrependedInOrder(t *testing.T) {
	f := newFixture(t, Options{HistoryWindow: 1})
	f.fake.Steps = providertest.Text("first reply")
	_, tr, _ := f.run(t, Input{UserID: "u1", Message: "first"})

	f.fake.Steps = providertest.Text("second reply")
	_, _, frames := f.run(t, Input{UserID: "u1", ConversationID: tr.ConversationID, Message: "second"})
	assert.Empty(t, frames[len(frames)-1].Title)

	f.fake.Steps = providertest.Text("third reply")
	f.run(t, Input{UserID: "u1", ConversationID: tr.ConversationID, Message: "third"})

	reqs := f.fake.Requests()
	require.Len(t, reqs, 3)
	var got []string
	for _, m := range reqs[2].Messages {
		got = append(got, string(m.Role)+":"+m.Content)
	}
	assert.Equal(t, []string{"user:second", "assistant:second reply", "user:third"}, got)
}

func TestExplicitHistoryReplacesStoredWindow(t *testing.T) {
	f := newFixture(t, Options{})
	f.fake.Steps = providertest.Text("ok")
	_, tr, _ := f.run(t, Input{UserID: "u1", Message: "stored"})

	f.run(t, Input{
		UserID:         "u1",
		ConversationID: tr.ConversationID,
		Message:        "now",
		History:        []HistoryEntry{{Role: models.RoleSystem, Content: "be brief"}},
	})
	reqs := f.fake.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 2)
	assert.Equal(t, "be brief", reqs[1].Messages[0].Content)
	assert.Equal(t, "now", reqs[1].Messages[1].Content)
}

func TestTitleModelRefinesNewConversation(t *testing.T) {
	f := newFixture(t, Options{TitleModel: "titler"})
	titler := &providertest.Adapter{AdapterName: "titler", Reply: "  \"Greeting Exchange\" "}
	f.resolver.adapters["titler"] = titler
	f.fake.Steps = providertest.Text("hi!")

	out, tr, _ := f.run(t, Input{UserID: "u1", Message: "hello"})
	require.Equal(t, StatePersisted, out.State)
	f.orch.Wait()

	conv, err := f.convs.Get(context.Background(), "u1", tr.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "Greeting Exchange", conv.Title)
	require.Len(t, titler.Requests(), 1)
	assert.EqualValues(t, 1, f.resolver.accesses.Load())
}

func TestDefaultTitleTrimsToFortyRunes(t *testing.T) {
	long := strings.Repeat("ü", 50)
	assert.Equal(t, strings.Repeat("ü", 40), defaultTitle(long, false))
	assert.Equal(t, "a b", defaultTitle("  a \n b ", false))
	assert.Equal(t, fallbackTitle, defaultTitle("", false))
}
