// Package attachment stores uploaded images and binds them to messages once
// the turn that referenced them has completed.
package attachment

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaychat/internal/config"
	"relaychat/internal/logging"
	"relaychat/internal/models"
	"relaychat/internal/service/provider"
)

var (
	ErrNotFound         = errors.New("attachment not found")
	ErrAlreadyUsed      = errors.New("attachment already bound to a message")
	ErrInvalidReference = errors.New("invalid attachment reference")
	ErrTooLarge         = errors.New("file too large")
	ErrTooManyFiles     = errors.New("too many files")
	ErrUnsupportedType  = errors.New("unsupported file type")
)

// Upload is one incoming file.
type Upload struct {
	Name         string
	DeclaredMIME string
	Data         []byte
}

// InlineFile is a file sent inside the turn request instead of uploaded first.
type InlineFile struct {
	Base64 string `json:"base64"`
	Type   string `json:"type"`
	Name   string `json:"name"`
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Service implements upload, resolution, binding and retrieval.
type Service struct {
	db     *sql.DB
	blobs  BlobStore
	limits config.UploadConfig
	logger *zap.Logger
}

func NewService(db *sql.DB, blobs BlobStore, limits config.UploadConfig, logger *zap.Logger) *Service {
	return &Service{db: db, blobs: blobs, limits: limits, logger: logging.OrNop(logger)}
}

// MaxFiles is the per-request file count ceiling.
func (s *Service) MaxFiles() int { return s.limits.MaxFiles }

// MaxBytes is the per-file size ceiling.
func (s *Service) MaxBytes() int64 { return s.limits.MaxBytes }

// StoreUploads stores a batch concurrently, keeping input order. The batch
// fails as a whole if any file is rejected; files already written are left
// unbound for the sweeper.
func (s *Service) StoreUploads(ctx context.Context, userID string, files []Upload) ([]*models.Attachment, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files", ErrInvalidReference)
	}
	if s.limits.MaxFiles > 0 && len(files) > s.limits.MaxFiles {
		return nil, fmt.Errorf("%w: at most %d", ErrTooManyFiles, s.limits.MaxFiles)
	}
	out := make([]*models.Attachment, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			att, err := s.StoreUpload(gctx, userID, f)
			if err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
			out[i] = att
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// StoreUpload validates and normalizes one file, writes it to the blob store
// and inserts an unbound attachment row.
func (s *Service) StoreUpload(ctx context.Context, userID string, f Upload) (*models.Attachment, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidReference)
	}
	if s.limits.MaxBytes > 0 && int64(len(f.Data)) > s.limits.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(f.Data), s.limits.MaxBytes)
	}
	sniffed := mimetype.Detect(f.Data).String()
	if i := strings.IndexByte(sniffed, ';'); i >= 0 {
		sniffed = sniffed[:i]
	}
	if !slices.Contains(s.limits.AllowedMIME, sniffed) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, sniffed)
	}

	img, err := NormalizeImage(f.Data, s.limits.MaxDimension, s.limits.MaxEncodedBytes, s.limits.MaxSourcePixels)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	att := &models.Attachment{
		ID:           id,
		UserID:       userID,
		FileName:     cleanName(f.Name, id),
		StorageKey:   storageKey(id),
		DeclaredMIME: f.DeclaredMIME,
		MimeType:     CanonicalMIME,
		Size:         int64(len(img.Data)),
		Width:        img.Width,
		Height:       img.Height,
		CreatedAt:    time.Now().UTC(),
	}
	if att.DeclaredMIME == "" {
		att.DeclaredMIME = sniffed
	}
	if err := s.blobs.Put(ctx, att.StorageKey, bytes.NewReader(img.Data), att.Size, att.MimeType); err != nil {
		return nil, fmt.Errorf("store blob: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, user_id, file_name, storage_key, declared_mime, mime_type, size, width, height, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.UserID, att.FileName, att.StorageKey, att.DeclaredMIME, att.MimeType,
		att.Size, att.Width, att.Height, att.CreatedAt,
	); err != nil {
		if derr := s.blobs.Delete(ctx, att.StorageKey); derr != nil {
			s.logger.Warn("remove orphan blob failed", zap.String("key", att.StorageKey), zap.Error(derr))
		}
		return nil, fmt.Errorf("insert attachment: %w", err)
	}
	return att, nil
}

// Resolved is the provider-ready view of a turn's attachments.
type Resolved struct {
	Parts []provider.ContentPart
	// IDs lists every attachment to bind when the turn completes, including
	// the rows created for inline files.
	IDs []string
}

// ResolveForTurn loads referenced attachments and stores inline files,
// returning image parts in request order (references first). Any bound,
// missing or foreign reference fails the whole resolution.
func (s *Service) ResolveForTurn(ctx context.Context, userID string, ids []string, inline []InlineFile) (*Resolved, error) {
	total := len(ids) + len(inline)
	if total == 0 {
		return &Resolved{}, nil
	}
	if s.limits.MaxFiles > 0 && total > s.limits.MaxFiles {
		return nil, fmt.Errorf("%w: at most %d", ErrTooManyFiles, s.limits.MaxFiles)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidReference, id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate %s", ErrInvalidReference, id)
		}
		seen[id] = struct{}{}
	}
	uploads := make([]Upload, len(inline))
	for i, f := range inline {
		data, err := decodeInline(f.Base64)
		if err != nil {
			return nil, fmt.Errorf("%w: inline file %q: %v", ErrInvalidReference, f.Name, err)
		}
		uploads[i] = Upload{Name: f.Name, DeclaredMIME: f.Type, Data: data}
	}

	parts := make([]provider.ContentPart, total)
	resolvedIDs := make([]string, total)
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			att, data, err := s.readUnbound(gctx, userID, id)
			if err != nil {
				return err
			}
			parts[i] = provider.ContentPart{Type: provider.PartImage, MIMEType: att.MimeType, Data: data}
			resolvedIDs[i] = att.ID
			return nil
		})
	}
	for j, up := range uploads {
		slot := len(ids) + j
		g.Go(func() error {
			att, err := s.StoreUpload(gctx, userID, up)
			if err != nil {
				return fmt.Errorf("inline file %q: %w", up.Name, err)
			}
			data, err := s.readBlob(gctx, att.StorageKey)
			if err != nil {
				return err
			}
			parts[slot] = provider.ContentPart{Type: provider.PartImage, MIMEType: att.MimeType, Data: data}
			resolvedIDs[slot] = att.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Resolved{Parts: parts, IDs: resolvedIDs}, nil
}

func (s *Service) readUnbound(ctx context.Context, userID, id string) (*models.Attachment, []byte, error) {
	att, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if att.UserID != userID {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if att.Bound() {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyUsed, id)
	}
	data, err := s.readBlob(ctx, att.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	return att, data, nil
}

func (s *Service) readBlob(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, key)
		}
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Bind links unbound attachments owned by userID to messageID. It is the only
// writer of message_id; rows already bound or owned by someone else are left
// untouched. A short count is logged, not returned as an error.
func (s *Service) Bind(ctx context.Context, exec Execer, userID string, ids []string, conversationID, messageID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if exec == nil {
		exec = s.db
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+3)
	args = append(args, conversationID, messageID, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := exec.ExecContext(ctx,
		`UPDATE attachments SET conversation_id = ?, message_id = ?
		 WHERE user_id = ? AND message_id IS NULL AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("bind attachments: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bind rows affected: %w", err)
	}
	if affected != int64(len(ids)) {
		s.logger.Warn("partial attachment binding",
			zap.String("message_id", messageID),
			zap.Int("requested", len(ids)),
			zap.Int64("bound", affected))
	}
	return affected, nil
}

// Get loads one attachment row.
func (s *Service) Get(ctx context.Context, id string) (*models.Attachment, error) {
	var (
		att            models.Attachment
		conversationID sql.NullString
		messageID      sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, file_name, storage_key, declared_mime, mime_type, size, width, height, conversation_id, message_id, created_at
		 FROM attachments WHERE id = ?`, id,
	).Scan(&att.ID, &att.UserID, &att.FileName, &att.StorageKey, &att.DeclaredMIME, &att.MimeType,
		&att.Size, &att.Width, &att.Height, &conversationID, &messageID, &att.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	if conversationID.Valid {
		att.ConversationID = &conversationID.String
	}
	if messageID.Valid {
		att.MessageID = &messageID.String
	}
	return &att, nil
}

// Open returns the attachment row and a reader over its stored bytes.
func (s *Service) Open(ctx context.Context, id string) (*models.Attachment, io.ReadCloser, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	att, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.blobs.Get(ctx, att.StorageKey)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, nil, err
	}
	return att, rc, nil
}

// ConversationKeys lists the storage keys of attachments bound into a
// conversation, so their blobs can be removed after the conversation is deleted.
func (s *Service) ConversationKeys(ctx context.Context, userID, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT storage_key FROM attachments WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversation attachments: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan storage key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteBlobs removes blobs best-effort.
func (s *Service) DeleteBlobs(ctx context.Context, keys []string) {
	for _, k := range keys {
		if err := s.blobs.Delete(ctx, k); err != nil {
			s.logger.Warn("remove blob failed", zap.String("key", k), zap.Error(err))
		}
	}
}

func storageKey(id string) string {
	return id[:2] + "/" + id
}

func cleanName(name, fallback string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return fallback
	}
	if r := []rune(name); len(r) > 200 {
		name = string(r[:200])
	}
	return name
}

// decodeInline accepts raw base64 or a data: URI.
func decodeInline(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "data:") {
		i := strings.Index(raw, ",")
		if i < 0 {
			return nil, errors.New("malformed data uri")
		}
		raw = raw[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	return data, nil
}
