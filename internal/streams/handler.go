package streams

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipcast/backend/internal/live"
	"github.com/clipcast/backend/internal/middleware"
	"github.com/clipcast/backend/internal/models"
	"github.com/clipcast/backend/pkg/response"
)

const maxTitleLength = 120

// Store is the persistence the handler reads and writes.
type Store interface {
	Create(ctx context.Context, streamerID uuid.UUID, title string) (*models.LiveStream, error)
	GetByID(ctx context.Context, id string) (*models.LiveStream, error)
	List(ctx context.Context, status models.StreamStatus, limit int) ([]models.LiveStream, error)
	ListComments(ctx context.Context, id string, limit int) ([]models.StreamComment, error)
}

// Lifecycle is the part of the live coordinator the REST surface drives.
type Lifecycle interface {
	End(ctx context.Context, identity *live.Identity, streamID string) error
}

// Snapshots reads in-memory session state, which is ahead of the store while a
// stream is live.
type Snapshots interface {
	Peek(id string) (*live.Session, bool)
}

// StreamView is a stored stream overlaid with its live counters.
type StreamView struct {
	models.LiveStream
	CurrentViewers int `json:"current_viewers"`
}

// CreateRequest is the body for POST /streams.
type CreateRequest struct {
	Title string `json:"title" binding:"required"`
}

// Handler serves the streams REST API.
type Handler struct {
	store     Store
	lifecycle Lifecycle
	snapshots Snapshots
	logger    *zap.Logger
}

// NewHandler creates a streams handler.
func NewHandler(store Store, lifecycle Lifecycle, snapshots Snapshots, logger *zap.Logger) *Handler {
	return &Handler{store: store, lifecycle: lifecycle, snapshots: snapshots, logger: logger}
}

// Register mounts the routes. authed is the JWT middleware.
func (h *Handler) Register(rg *gin.RouterGroup, authed gin.HandlerFunc) {
	rg.GET("/streams", h.List)
	rg.GET("/streams/:id", h.Get)
	rg.GET("/streams/:id/comments", h.Comments)
	rg.POST("/streams", authed, h.Create)
	rg.POST("/streams/:id/end", authed, h.End)
}

// Create handles POST /streams.
func (h *Handler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
		response.BadRequest(c, "title must be 1-120 characters")
		return
	}
	s, err := h.store.Create(c.Request.Context(), userID, title)
	if err != nil {
		h.logger.Error("create stream", zap.Error(err))
		response.Internal(c, "failed to create stream")
		return
	}
	response.Created(c, StreamView{LiveStream: *s})
}

// List handles GET /streams?status=live&limit=20.
func (h *Handler) List(c *gin.Context) {
	status := models.StreamStatus(c.Query("status"))
	switch status {
	case "", models.StreamScheduled, models.StreamLive, models.StreamEnded:
	default:
		response.BadRequest(c, "invalid status")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.store.List(c.Request.Context(), status, limit)
	if err != nil {
		h.logger.Error("list streams", zap.Error(err))
		response.Internal(c, "failed to list streams")
		return
	}
	views := make([]StreamView, 0, len(list))
	for _, s := range list {
		views = append(views, h.overlay(s))
	}
	response.OK(c, views)
}

// Get handles GET /streams/:id.
func (h *Handler) Get(c *gin.Context) {
	s, err := h.store.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, h.overlay(*s))
}

// Comments handles GET /streams/:id/comments.
func (h *Handler) Comments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.store.ListComments(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, list)
}

// End handles POST /streams/:id/end. It goes through the same transition as the
// end-stream socket event, so connected viewers are notified.
func (h *Handler) End(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return
	}
	id := c.Param("id")
	identity := &live.Identity{UserID: userID.String()}
	if err := h.lifecycle.End(c.Request.Context(), identity, id); err != nil {
		h.fail(c, err)
		return
	}
	s, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, h.overlay(*s))
}

// overlay prefers the in-memory counters for sessions still cached.
func (h *Handler) overlay(s models.LiveStream) StreamView {
	v := StreamView{LiveStream: s}
	if h.snapshots == nil {
		return v
	}
	snap, ok := h.snapshots.Peek(s.ID.String())
	if !ok {
		return v
	}
	v.Status = models.StreamStatus(snap.Status)
	v.CurrentViewers = snap.CurrentViewers
	v.TotalViews = snap.TotalViews
	v.HeartsReceived = snap.HeartsReceived
	v.StartedAt = snap.StartedAt
	v.EndedAt = snap.EndedAt
	v.Duration = snap.Duration
	return v
}

// fail maps live errors onto HTTP statuses.
func (h *Handler) fail(c *gin.Context, err error) {
	code := live.ErrorCode(err)
	switch {
	case errors.Is(err, live.ErrNotFound):
		response.Fail(c, http.StatusNotFound, code, "stream not found")
	case errors.Is(err, live.ErrUnauthorized):
		response.Fail(c, http.StatusForbidden, code, err.Error())
	case errors.Is(err, live.ErrInvalidState), errors.Is(err, live.ErrGone):
		response.Fail(c, http.StatusConflict, code, err.Error())
	case errors.Is(err, live.ErrValidation), errors.Is(err, live.ErrBadRequest):
		response.Fail(c, http.StatusBadRequest, code, err.Error())
	default:
		h.logger.Error("stream request failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, "internal error")
	}
}
