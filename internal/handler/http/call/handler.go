package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pickcreator-backend/internal/domain"
	"pickcreator-backend/internal/middleware"
	apperrors "pickcreator-backend/pkg/errors"
	"pickcreator-backend/pkg/pagination"
	"pickcreator-backend/pkg/response"
)

// HistoryService reads call records
type HistoryService interface {
	History(ctx context.Context, userID string, page, pageSize int) ([]*domain.CallRecord, error)
	Get(ctx context.Context, userID string, callID uuid.UUID) (*domain.CallRecord, error)
}

// PresenceChecker answers whether a user holds a relay connection
type PresenceChecker interface {
	IsUserOnline(ctx context.Context, userID string) (bool, error)
}

// Handler handles call history HTTP requests
type Handler struct {
	calls    HistoryService
	presence PresenceChecker
}

// NewHandler creates a new call handler. presence may be nil.
func NewHandler(calls HistoryService, presence PresenceChecker) *Handler {
	return &Handler{
		calls:    calls,
		presence: presence,
	}
}

// RegisterRoutes mounts the handler on an authenticated group
func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/calls/history", h.GetHistory)
	g.GET("/calls/:call_id", h.GetCall)
	g.GET("/presence/:user_id", h.GetPresence)
}

// GetHistory lists the caller's calls, newest first
// GET /v1/calls/history?page=1&page_size=20
func (h *Handler) GetHistory(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	params, err := pagination.Parse(c.Query("page"), c.Query("page_size"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, err := h.calls.History(c.Request.Context(), userID, params.Page, params.Limit)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if calls == nil {
		calls = []*domain.CallRecord{}
	}

	response.Success(c, http.StatusOK, pagination.BuildResponse(params, calls, len(calls)))
}

// GetCall returns one call the caller took part in
// GET /v1/calls/:call_id
func (h *Handler) GetCall(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	callID, err := uuid.Parse(c.Param("call_id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	call, err := h.calls.Get(c.Request.Context(), userID, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// GetPresence reports whether a user can currently be called
// GET /v1/presence/:user_id
func (h *Handler) GetPresence(c *gin.Context) {
	if h.presence == nil {
		response.FromError(c, apperrors.ServiceUnavailableError("Presence is unavailable"))
		return
	}

	target := c.Param("user_id")
	online, err := h.presence.IsUserOnline(c.Request.Context(), target)
	if err != nil {
		response.FromError(c, apperrors.ServiceUnavailableError("Presence is unavailable"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"user_id": target,
		"online":  online,
	})
}
