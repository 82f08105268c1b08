package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/domain/repositories"
	"github.com/alexlevy0/mycompanion/internal/duplex"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// CallController is the part of the session manager the API drives
type CallController interface {
	StartConversation(ctx context.Context, opts entities.SessionOptions) error
	HangUp()
	ToggleMute() bool
	SendMessage(text string) error
	Snapshot() duplex.Snapshot
	Conversation() []entities.Turn
	SessionStats() (*entities.SessionStats, entities.ValidationResult)
}

var _ CallController = (*duplex.Manager)(nil)

type handler struct {
	calls       CallController
	history     repositories.CallRepository
	workspaceID string
	logger      *zap.Logger
}

// InitRoutes initializes all API routes. history may be nil.
func InitRoutes(e *echo.Echo, calls CallController, history repositories.CallRepository, workspaceID string, logger *zap.Logger) {
	h := &handler{calls: calls, history: history, workspaceID: workspaceID, logger: logger}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "mycompanion",
		})
	})

	v1 := e.Group("/api/v1")

	v1.GET("/call", h.getCall)
	v1.POST("/call/start", h.startCall)
	v1.POST("/call/hangup", h.hangUp)
	v1.POST("/call/mute", h.toggleMute)
	v1.POST("/call/message", h.sendMessage)
	v1.GET("/call/transcript", h.getTranscript)

	v1.GET("/calls", h.listCalls)
	v1.GET("/calls/:id", h.getCallRecord)
}

func (h *handler) state() CallStateResponse {
	stats, validation := h.calls.SessionStats()
	return CallStateResponse{
		Snapshot:   h.calls.Snapshot(),
		Stats:      stats,
		Validation: validation,
	}
}

func (h *handler) getCall(c echo.Context) error {
	return c.JSON(http.StatusOK, h.state())
}

func (h *handler) startCall(c echo.Context) error {
	var req StartCallRequest
	if err := c.Bind(&req); err != nil {
		h.logger.Error("Failed to bind start request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if err := h.calls.StartConversation(c.Request().Context(), req.Options()); err != nil {
		status, code := startErrorStatus(err)
		h.logger.Warn("Failed to start call", zap.Error(err))
		return c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
	}

	return c.JSON(http.StatusAccepted, h.state())
}

// startErrorStatus maps session start failures to HTTP statuses
func startErrorStatus(err error) (int, string) {
	var transportErr *duplex.TransportError
	switch {
	case errors.Is(err, duplex.ErrInvalidSessionMode):
		return http.StatusBadRequest, "invalid_session_mode"
	case errors.Is(err, duplex.ErrSessionInProgress):
		return http.StatusConflict, "session_in_progress"
	case errors.Is(err, duplex.ErrAuthentication):
		return http.StatusUnauthorized, "authentication_failed"
	case errors.As(err, &transportErr):
		return http.StatusBadGateway, "connection_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *handler) hangUp(c echo.Context) error {
	h.calls.HangUp()
	return c.JSON(http.StatusAccepted, h.state())
}

func (h *handler) toggleMute(c echo.Context) error {
	return c.JSON(http.StatusOK, MuteResponse{Muted: h.calls.ToggleMute()})
}

func (h *handler) sendMessage(c echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "text is required",
		})
	}

	if err := h.calls.SendMessage(req.Text); err != nil {
		if errors.Is(err, duplex.ErrNotConnected) {
			return c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "not_connected",
				Message: "Cannot send message: Not connected.",
			})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *handler) getTranscript(c echo.Context) error {
	return c.JSON(http.StatusOK, TranscriptResponse{Conversation: h.calls.Conversation()})
}

func (h *handler) listCalls(c echo.Context) error {
	if h.history == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "history_disabled",
			Message: "Call history is not configured",
		})
	}

	limit := defaultListLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a positive integer",
			})
		}
		limit = min(n, maxListLimit)
	}

	calls, err := h.history.ListByWorkspace(c.Request().Context(), h.workspaceID, limit)
	if err != nil {
		h.logger.Error("Failed to list calls", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	return c.JSON(http.StatusOK, CallListResponse{Calls: calls})
}

func (h *handler) getCallRecord(c echo.Context) error {
	if h.history == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "history_disabled",
			Message: "Call history is not configured",
		})
	}

	record, err := h.history.GetByID(c.Request().Context(), c.Param("id"))
	if errors.Is(err, repositories.ErrCallNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found"})
	}
	if err != nil {
		h.logger.Error("Failed to get call", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
	if record.WorkspaceID != h.workspaceID {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found"})
	}
	return c.JSON(http.StatusOK, record)
}
