package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaychat/internal/models"
	"relaychat/internal/service/attachment"
	"relaychat/internal/service/turn"
)

const ndjsonContentType = "application/x-ndjson"

type streamRequest struct {
	UserID    string                  `json:"userId"`
	SessionID string                  `json:"sessionId"`
	Message   string                  `json:"message"`
	Model     string                  `json:"model"`
	FileIDs   []string                `json:"fileIds"`
	Files     []attachment.InlineFile `json:"files"`
	History   []turn.HistoryEntry     `json:"history"`
}

// frameWriter writes NDJSON frames, committing the 200 and stream headers
// only when the first frame goes out. Until then errors can still be
// reported with a proper status code.
type frameWriter struct {
	c       *gin.Context
	enc     *json.Encoder
	started bool
}

func (w *frameWriter) emit(f models.Frame) error {
	if !w.started {
		h := w.c.Writer.Header()
		h.Set("Content-Type", ndjsonContentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.c.Status(http.StatusOK)
		w.enc = json.NewEncoder(w.c.Writer)
		w.started = true
	}
	if err := w.enc.Encode(f); err != nil {
		return err
	}
	w.c.Writer.Flush()
	return w.c.Request.Context().Err()
}

func (h *Handler) streamTurn(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req streamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": codeValidation})
		return
	}
	if req.UserID != "" && req.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "user mismatch", "code": codeValidation})
		return
	}
	if !h.limiter.Allow(userID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many turns, slow down", "code": codeBusy})
		return
	}

	ctx := c.Request.Context()
	in := turn.Input{
		UserID:         userID,
		ConversationID: req.SessionID,
		Message:        req.Message,
		Model:          req.Model,
		FileIDs:        req.FileIDs,
		Files:          req.Files,
		History:        req.History,
	}
	w := &frameWriter{c: c}
	var prepErr error
	err := h.dispatcher.Do(ctx, userID, func() {
		t, err := h.turns.Prepare(ctx, in)
		if err != nil {
			prepErr = err
			return
		}
		h.turns.Run(ctx, t, w.emit)
	})
	switch {
	case prepErr != nil:
		h.fail(c, prepErr)
	case err != nil && ctx.Err() != nil:
		// client left while the turn was queued
	case err != nil:
		h.fail(c, err)
	}
}

func (h *Handler) cancelTurn(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	turnID := c.Param("turn_id")
	if turnID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "turn id required", "code": codeValidation})
		return
	}
	if err := h.turns.Registry().Cancel(c.Request.Context(), userID, turnID); err != nil {
		h.logger.Warn("publish turn cancel failed", zap.String("turn_id", turnID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "cancel could not be delivered", "code": codeUnavailable})
		return
	}
	c.Status(http.StatusNoContent)
}
