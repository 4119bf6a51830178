// Package recordings exposes the recording session over HTTP.
package recordings

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/echoes-app/echoes/internal/dispatch"
	"github.com/echoes-app/echoes/internal/models"
	"github.com/echoes-app/echoes/internal/session"
	"github.com/echoes-app/echoes/pkg/response"
)

// Session is the recording session. *session.Manager satisfies it.
type Session interface {
	State() session.State
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) (models.Recording, error)
	Play(ctx context.Context, id uuid.UUID) error
	PausePlayback(ctx context.Context) error
	StopPlayback(ctx context.Context) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Handler handles recording and playback endpoints.
type Handler struct {
	session Session
	logger  *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(s Session, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{session: s, logger: logger}
}

// State handles GET /recordings.
func (h *Handler) State(c *gin.Context) {
	response.OK(c, h.session.State())
}

// Start handles POST /recordings/start.
func (h *Handler) Start(c *gin.Context) {
	if err := h.session.StartRecording(c.Request.Context()); err != nil {
		h.fail(c, "start recording", err)
		return
	}
	response.OK(c, h.session.State())
}

// Stop handles POST /recordings/stop.
func (h *Handler) Stop(c *gin.Context) {
	rec, err := h.session.StopRecording(c.Request.Context())
	if err != nil {
		h.fail(c, "stop recording", err)
		return
	}
	response.Created(c, rec)
}

// Play handles POST /recordings/:id/play. Playing the current recording
// again toggles pause.
func (h *Handler) Play(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	if err := h.session.Play(c.Request.Context(), id); err != nil {
		h.fail(c, "play recording", err)
		return
	}
	response.OK(c, h.session.State())
}

// Pause handles POST /playback/pause.
func (h *Handler) Pause(c *gin.Context) {
	if err := h.session.PausePlayback(c.Request.Context()); err != nil {
		h.fail(c, "pause playback", err)
		return
	}
	response.OK(c, h.session.State())
}

// StopPlayback handles POST /playback/stop.
func (h *Handler) StopPlayback(c *gin.Context) {
	if err := h.session.StopPlayback(c.Request.Context()); err != nil {
		h.fail(c, "stop playback", err)
		return
	}
	response.OK(c, h.session.State())
}

// Delete handles DELETE /recordings/:id.
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	if err := h.session.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, "delete recording", err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, session.ErrPermissionDenied):
		response.Forbidden(c, err.Error())
	case errors.Is(err, session.ErrAlreadyRecording), errors.Is(err, session.ErrNotRecording):
		response.Conflict(c, err.Error())
	case errors.Is(err, session.ErrRecordingNotFound), errors.Is(err, session.ErrAudioUnavailable):
		response.NotFound(c, err.Error())
	case errors.Is(err, dispatch.ErrClosed):
		response.ServiceUnavailable(c, "shutting down")
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		response.Internal(c, "failed to "+op)
	}
}
