package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"relaychat/internal/auth"
	"relaychat/internal/logging"
	"relaychat/internal/models"
	"relaychat/internal/service/attachment"
	"relaychat/internal/service/conversation"
	"relaychat/internal/service/router"
	"relaychat/internal/service/turn"
	"relaychat/internal/worker"
)

// ModelLister reports the models clients may pick from.
type ModelLister interface {
	Models(ctx context.Context) ([]models.ModelDescriptor, error)
}

// Deps are the services the HTTP layer is wired to.
type Deps struct {
	Auth           *auth.Service
	Conversations  *conversation.Service
	Attachments    *attachment.Service
	Turns          *turn.Orchestrator
	Models         ModelLister
	Dispatcher     *worker.Dispatcher
	Gatherer       prometheus.Gatherer
	TurnsPerMinute int
	Logger         *zap.Logger
}

// Handler wires HTTP routes to the chat services.
type Handler struct {
	auth       *auth.Service
	convs      *conversation.Service
	atts       *attachment.Service
	turns      *turn.Orchestrator
	models     ModelLister
	dispatcher *worker.Dispatcher
	gatherer   prometheus.Gatherer
	limiter    *userLimiter
	logger     *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	return &Handler{
		auth:       d.Auth,
		convs:      d.Conversations,
		atts:       d.Attachments,
		turns:      d.Turns,
		models:     d.Models,
		dispatcher: d.Dispatcher,
		gatherer:   d.Gatherer,
		limiter:    newUserLimiter(d.TurnsPerMinute, 10*time.Minute),
		logger:     logging.OrNop(d.Logger),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.health)
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	// attachment ids are unguessable; retrieval is a capability URL
	api.GET("/files/:id", h.getFile)

	authed := api.Group("")
	authed.Use(h.auth.Middleware())
	authed.GET("/models", h.listModels)
	authed.POST("/chat/stream", h.streamTurn)
	authed.POST("/turns/:turn_id/cancel", h.cancelTurn)
	authed.POST("/files", h.uploadFiles)
	authed.POST("/conversations", h.createConversation)
	authed.GET("/conversations", h.listConversations)
	authed.GET("/conversations/:id/messages", h.getMessages)
	authed.PATCH("/conversations/:id", h.renameConversation)
	authed.DELETE("/conversations/:id", h.deleteConversation)
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

func (h *Handler) health(c *gin.Context) {
	running, idle, queued := h.dispatcher.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"workers":      running,
		"idle_workers": idle,
		"queued":       queued,
		"active_turns": h.turns.Registry().Active(),
	})
}

func (h *Handler) listModels(c *gin.Context) {
	list, err := h.models.Models(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = make([]models.ModelDescriptor, 0)
	}
	c.JSON(http.StatusOK, gin.H{"models": list})
}

// Error codes let clients tell failure classes apart without parsing messages.
const (
	codeValidation      = "validation_error"
	codeNotFound        = "not_found"
	codeModelDisabled   = "model_disabled"
	codeAttachmentReuse = "attachment_reuse"
	codeTooLarge        = "too_large"
	codeBusy            = "busy"
	codeUnavailable     = "unavailable"
	codeInternal        = "internal_error"
)

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, turn.ErrEmptyTurn),
		errors.Is(err, turn.ErrInvalidRole),
		errors.Is(err, attachment.ErrInvalidReference),
		errors.Is(err, attachment.ErrTooManyFiles),
		errors.Is(err, attachment.ErrUnsupportedType):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, attachment.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, codeTooLarge
	case errors.Is(err, router.ErrModelNotFound),
		errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, attachment.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, router.ErrModelDisabled):
		return http.StatusForbidden, codeModelDisabled
	case errors.Is(err, attachment.ErrAlreadyUsed):
		return http.StatusConflict, codeAttachmentReuse
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests, codeBusy
	case errors.Is(err, worker.ErrDispatcherClosed):
		return http.StatusServiceUnavailable, codeUnavailable
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// fail writes err as a JSON error response. Internal errors are logged and
// not echoed to the client.
func (h *Handler) fail(c *gin.Context, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}
