package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"relaychat/internal/models"
)

type titleRequest struct {
	Title string `json:"title"`
}

// createConversation makes a durable conversation ahead of its first turn.
func (h *Handler) createConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": codeValidation})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New Conversation"
	}
	conv, err := h.convs.Create(c.Request.Context(), userID, title)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	list, err := h.convs.List(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = make([]models.Conversation, 0)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func (h *Handler) getMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	conv, err := h.convs.Get(ctx, userID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	messages, err := h.convs.Messages(ctx, userID, conv.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if messages == nil {
		messages = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     messages,
	})
}

func (h *Handler) renameConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required", "code": codeValidation})
		return
	}
	if err := h.convs.UpdateTitle(c.Request.Context(), userID, c.Param("id"), req.Title); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteConversation removes the conversation, then the blobs of the
// attachments that were bound into it.
func (h *Handler) deleteConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	keys, err := h.atts.ConversationKeys(ctx, userID, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.convs.Delete(ctx, userID, id); err != nil {
		h.fail(c, err)
		return
	}
	h.atts.DeleteBlobs(ctx, keys)
	c.Status(http.StatusNoContent)
}
