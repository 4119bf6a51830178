// Package settings stores the app options in the local key-value store.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/echoes-app/echoes/internal/models"
	"github.com/echoes-app/echoes/pkg/kv"
	"github.com/echoes-app/echoes/pkg/response"
)

// OptionsKey is the key-value entry holding the encoded options.
const OptionsKey = "Options"

// Store reads and writes Options.
type Store struct {
	kv     kv.Store
	logger *zap.Logger
}

// NewStore creates an options store.
func NewStore(store kv.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: store, logger: logger}
}

// Get returns the saved options, or the defaults when none are saved or the
// saved value does not decode.
func (s *Store) Get(ctx context.Context) (models.Options, error) {
	raw, err := s.kv.Get(ctx, OptionsKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return models.DefaultOptions(), nil
		}
		return models.Options{}, fmt.Errorf("load options: %w", err)
	}
	opts := models.DefaultOptions()
	if err := json.Unmarshal(raw, &opts); err != nil {
		s.logger.Warn("decode options failed, using defaults", zap.Error(err))
		return models.DefaultOptions(), nil
	}
	return opts, nil
}

// Put saves opts.
func (s *Store) Put(ctx context.Context, opts models.Options) error {
	raw, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	if err := s.kv.Set(ctx, OptionsKey, raw); err != nil {
		return fmt.Errorf("save options: %w", err)
	}
	return nil
}

// Handler serves /settings.
type Handler struct {
	store  *Store
	logger *zap.Logger
}

// NewHandler creates a settings handler.
func NewHandler(store *Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger}
}

// Get handles GET /settings.
func (h *Handler) Get(c *gin.Context) {
	opts, err := h.store.Get(c.Request.Context())
	if err != nil {
		h.logger.Error("load options failed", zap.Error(err))
		response.Internal(c, "failed to load settings")
		return
	}
	response.OK(c, opts)
}

// Put handles PUT /settings.
func (h *Handler) Put(c *gin.Context) {
	var opts models.Options
	if err := c.ShouldBindJSON(&opts); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.store.Put(c.Request.Context(), opts); err != nil {
		h.logger.Error("save options failed", zap.Error(err))
		response.Internal(c, "failed to save settings")
		return
	}
	response.OK(c, opts)
}
