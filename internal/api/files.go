package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"relaychat/internal/models"
	"relaychat/internal/service/attachment"
)

const immutableCache = "public, max-age=31536000, immutable"

func (h *Handler) uploadFiles(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	maxFiles, maxBytes := h.atts.MaxFiles(), h.atts.MaxBytes()
	limit := int64(maxFiles)*maxBytes + (1 << 20)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	form, err := c.MultipartForm()
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || errors.Is(err, multipart.ErrMessageTooLarge) {
		h.fail(c, fmt.Errorf("%w: request body exceeds %d bytes", attachment.ErrTooLarge, limit))
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form", "code": codeValidation})
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "files are required", "code": codeValidation})
		return
	}
	if len(headers) > maxFiles {
		h.fail(c, fmt.Errorf("%w: at most %d", attachment.ErrTooManyFiles, maxFiles))
		return
	}

	uploads := make([]attachment.Upload, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > maxBytes {
			h.fail(c, fmt.Errorf("%w: %s", attachment.ErrTooLarge, fh.Filename))
			return
		}
		data, err := readFormFile(fh)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed", "code": codeValidation})
			return
		}
		uploads = append(uploads, attachment.Upload{
			Name:         fh.Filename,
			DeclaredMIME: fh.Header.Get("Content-Type"),
			Data:         data,
		})
	}

	stored, err := h.atts.StoreUploads(c.Request.Context(), userID, uploads)
	if err != nil {
		h.fail(c, err)
		return
	}
	refs := make([]models.AttachmentRef, len(stored))
	for i, att := range stored {
		refs[i] = models.AttachmentRef{
			ID:       att.ID,
			URL:      models.AttachmentURL(att.ID),
			Name:     att.FileName,
			MimeType: att.MimeType,
			Size:     att.Size,
			Width:    att.Width,
			Height:   att.Height,
		}
	}
	c.JSON(http.StatusCreated, gin.H{"files": refs})
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *Handler) getFile(c *gin.Context) {
	att, rc, err := h.atts.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, attachment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found", "code": codeNotFound})
			return
		}
		h.fail(c, err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, att.Size, att.MimeType, rc, map[string]string{
		"Cache-Control":       immutableCache,
		"ETag":                strconv.Quote(att.ID),
		"Content-Disposition": fmt.Sprintf("inline; filename=%q", att.FileName),
	})
}
