package attachment

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/internal/config"
	"relaychat/internal/service/conversation"
	"relaychat/internal/storage"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// pngHeader returns a PNG signature and IHDR chunk declaring a w x h RGBA
// canvas with no pixel data behind it.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // truecolor with alpha
	body := append([]byte("IHDR"), ihdr...)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(body)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(body))
	return buf.Bytes()
}

type fixture struct {
	svc   *Service
	convs *conversation.Service
	db    *sql.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	limits := config.UploadConfig{
		MaxFiles:        4,
		MaxBytes:        1 << 20,
		AllowedMIME:     []string{"image/png", "image/jpeg", "image/webp", "image/gif"},
		MaxDimension:    64,
		MaxEncodedBytes: 256 << 10,
	}
	return &fixture{
		svc:   NewService(db, blobs, limits, nil),
		convs: conversation.NewService(db, nil, time.Minute, nil),
		db:    db,
	}
}

// completeTurn persists an exchange and binds ids to its user message.
func (f *fixture) completeTurn(t *testing.T, userID string, ids []string) (string, string) {
	t.Helper()
	ctx := context.Background()
	conv, err := f.convs.Create(ctx, userID, "t")
	require.NoError(t, err)
	user, _, err := f.convs.PersistExchange(ctx, conversation.Exchange{
		UserID: userID, ConversationID: conv.ID, UserContent: "look", AssistantContent: "nice",
	}, func(ctx context.Context, tx *sql.Tx, messageID string) error {
		_, err := f.svc.Bind(ctx, tx, userID, ids, conv.ID, messageID)
		return err
	})
	require.NoError(t, err)
	return conv.ID, user.ID
}

func TestStoreUploadNormalizesToBoundedJPEG(t *testing.T) {
	f := newFixture(t)
	att, err := f.svc.StoreUpload(context.Background(), "u1", Upload{Name: "dir/cat.png", DeclaredMIME: "image/png", Data: pngBytes(t, 200, 100)})
	require.NoError(t, err)

	assert.Equal(t, "cat.png", att.FileName)
	assert.Equal(t, CanonicalMIME, att.MimeType)
	assert.Equal(t, "image/png", att.DeclaredMIME)
	assert.Equal(t, 64, att.Width)
	assert.Equal(t, 32, att.Height)
	assert.False(t, att.Bound())

	got, rc, err := f.svc.Open(context.Background(), att.ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.EqualValues(t, got.Size, len(data))
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 64, cfg.Width)
}

func TestStoreUploadRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StoreUpload(ctx, "u1", Upload{Name: "notes.txt", Data: []byte("plain text, not an image")})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = f.svc.StoreUpload(ctx, "u1", Upload{Name: "big.png", Data: make([]byte, 2<<20)})
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = f.svc.StoreUploads(ctx, "u1", make([]Upload, 5))
	assert.ErrorIs(t, err, ErrTooManyFiles)
}

func TestStoreUploadRejectsOversizedCanvasBeforeDecoding(t *testing.T) {
	f := newFixture(t)
	data := pngHeader(12000, 12000)
	require.Less(t, len(data), 64)

	_, err := f.svc.StoreUpload(context.Background(), "u1", Upload{Name: "huge.png", Data: data})
	assert.ErrorIs(t, err, ErrTooLarge)

	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM attachments`).Scan(&n))
	assert.Zero(t, n)

	_, err = f.svc.ResolveForTurn(context.Background(), "u1", nil, []InlineFile{
		{Name: "huge.png", Type: "image/png", Base64: base64.StdEncoding.EncodeToString(data)},
	})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestNormalizeImagePixelCeiling(t *testing.T) {
	data := pngBytes(t, 40, 30)

	_, err := NormalizeImage(data, 64, 0, 40*30-1)
	assert.ErrorIs(t, err, ErrTooLarge)

	img, err := NormalizeImage(data, 64, 0, 40*30)
	require.NoError(t, err)
	assert.Equal(t, 40, img.Width)
	assert.Equal(t, 30, img.Height)
}

func TestResolveBindAndRejectReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	atts, err := f.svc.StoreUploads(ctx, "u1", []Upload{
		{Name: "a.png", Data: pngBytes(t, 10, 10)},
		{Name: "b.png", Data: pngBytes(t, 20, 10)},
	})
	require.NoError(t, err)
	ids := []string{atts[0].ID, atts[1].ID}

	resolved, err := f.svc.ResolveForTurn(ctx, "u1", ids, nil)
	require.NoError(t, err)
	require.Len(t, resolved.Parts, 2)
	assert.Equal(t, ids, resolved.IDs)
	assert.Equal(t, CanonicalMIME, resolved.Parts[0].MIMEType)
	assert.NotEmpty(t, resolved.Parts[1].Data)

	_, messageID := f.completeTurn(t, "u1", resolved.IDs)
	for _, id := range ids {
		att, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, att.Bound())
		assert.Equal(t, messageID, *att.MessageID)
	}

	_, err = f.svc.ResolveForTurn(ctx, "u1", ids, nil)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestResolveRejectsForeignMissingAndMalformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	att, err := f.svc.StoreUpload(ctx, "owner", Upload{Name: "a.png", Data: pngBytes(t, 8, 8)})
	require.NoError(t, err)

	_, err = f.svc.ResolveForTurn(ctx, "someone-else", []string{att.ID}, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.ResolveForTurn(ctx, "owner", []string{"00000000-0000-0000-0000-000000000000"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.ResolveForTurn(ctx, "owner", []string{"../etc/passwd"}, nil)
	assert.ErrorIs(t, err, ErrInvalidReference)

	_, err = f.svc.ResolveForTurn(ctx, "owner", []string{att.ID, att.ID}, nil)
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestResolveInlineFilesCreatesUnboundRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := pngBytes(t, 12, 12)

	resolved, err := f.svc.ResolveForTurn(ctx, "u1", nil, []InlineFile{
		{Base64: base64.StdEncoding.EncodeToString(raw), Type: "image/png", Name: "one.png"},
		{Base64: "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw), Type: "image/png", Name: "two.png"},
	})
	require.NoError(t, err)
	require.Len(t, resolved.IDs, 2)
	for _, id := range resolved.IDs {
		att, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, att.Bound())
	}

	_, err = f.svc.ResolveForTurn(ctx, "u1", nil, []InlineFile{{Base64: "!!!", Name: "bad"}})
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestBindIsFirstWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	att, err := f.svc.StoreUpload(ctx, "u1", Upload{Name: "a.png", Data: pngBytes(t, 8, 8)})
	require.NoError(t, err)

	convA, msgA := f.completeTurn(t, "u1", []string{att.ID})
	convB, msgB := f.completeTurn(t, "u1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.svc.Bind(ctx, nil, "u1", []string{att.ID}, convB, msgB)
			assert.NoError(t, err)
			assert.Zero(t, n)
		}()
	}
	wg.Wait()

	got, err := f.svc.Get(ctx, att.ID)
	require.NoError(t, err)
	assert.Equal(t, msgA, *got.MessageID)
	assert.Equal(t, convA, *got.ConversationID)
}

func TestBindIgnoresOtherOwners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	att, err := f.svc.StoreUpload(ctx, "owner", Upload{Name: "a.png", Data: pngBytes(t, 8, 8)})
	require.NoError(t, err)

	f.completeTurn(t, "thief", []string{att.ID})
	got, err := f.svc.Get(ctx, att.ID)
	require.NoError(t, err)
	assert.False(t, got.Bound())
}

func TestSweepUnboundKeepsBoundAndFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale, err := f.svc.StoreUpload(ctx, "u1", Upload{Name: "stale.png", Data: pngBytes(t, 8, 8)})
	require.NoError(t, err)
	bound, err := f.svc.StoreUpload(ctx, "u1", Upload{Name: "bound.png", Data: pngBytes(t, 8, 8)})
	require.NoError(t, err)
	f.completeTurn(t, "u1", []string{bound.ID})

	past := time.Now().Add(-48 * time.Hour).UTC()
	_, err = f.db.Exec(`UPDATE attachments SET created_at = ?`, past)
	require.NoError(t, err)
	fresh, err := f.svc.StoreUpload(ctx, "u1", Upload{Name: "fresh.png", Data: pngBytes(t, 8, 8)})
	require.NoError(t, err)

	n, err := f.svc.SweepUnbound(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.svc.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, rc, err := f.svc.Open(ctx, bound.ID)
	require.NoError(t, err)
	rc.Close()
	_, err = f.svc.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestDiskStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	err = store.Put(context.Background(), "../outside", bytes.NewReader([]byte("x")), 1, "text/plain")
	assert.Error(t, err)

	_, err = store.Get(context.Background(), "ab/missing")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}
