package cloud

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/echoes-app/echoes/internal/models"
	"github.com/echoes-app/echoes/pkg/response"
)

// Handler handles /cloud endpoints.
type Handler struct {
	manager *Manager
	catalog Catalog
	logger  *zap.Logger
}

// NewHandler creates a cloud handler. catalog receives recordings found by
// sync.
func NewHandler(manager *Manager, catalog Catalog, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, catalog: catalog, logger: logger}
}

// Records handles GET /cloud/recordings with the live collection.
func (h *Handler) Records(c *gin.Context) {
	response.OK(c, h.manager.Records())
}

// Fetch handles GET /cloud/recordings/fetch.
func (h *Handler) Fetch(c *gin.Context) {
	recs, err := h.manager.FetchAll(c.Request.Context())
	if err != nil {
		h.fail(c, "fetch recordings", err)
		return
	}
	response.OK(c, recs)
}

// DeleteRecord handles DELETE /cloud/recordings/:id.
func (h *Handler) DeleteRecord(c *gin.Context) {
	if err := h.manager.DeleteRecord(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "delete record", err)
		return
	}
	response.NoContent(c)
}

// Sync handles POST /cloud/sync.
func (h *Handler) Sync(c *gin.Context) {
	added, err := h.manager.Sync(c.Request.Context(), h.catalog)
	if err != nil {
		h.fail(c, "sync recordings", err)
		return
	}
	response.OK(c, gin.H{"added": added})
}

// GetProfile handles GET /cloud/profile.
func (h *Handler) GetProfile(c *gin.Context) {
	response.OK(c, h.manager.Profile())
}

// PutProfile handles PUT /cloud/profile.
func (h *Handler) PutProfile(c *gin.Context) {
	var p models.UserProfile
	if err := c.ShouldBindJSON(&p); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.manager.UpdateProfile(c.Request.Context(), p); err != nil {
		h.fail(c, "update profile", err)
		return
	}
	response.OK(c, p)
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	if errors.Is(err, ErrNoAuthenticatedUser) {
		response.Unauthorized(c, err.Error())
		return
	}
	h.logger.Error(op+" failed", zap.Error(err))
	response.Internal(c, "failed to "+op)
}
