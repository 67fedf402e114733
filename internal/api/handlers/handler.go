package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentwarden/warden/internal/alerts"
	"github.com/agentwarden/warden/internal/config"
	"github.com/agentwarden/warden/internal/db"
	"github.com/agentwarden/warden/internal/engine"
	"github.com/agentwarden/warden/internal/orchestrator"
	"github.com/agentwarden/warden/internal/secrets"
)

type Handler struct {
	registry   db.Registry
	orch       *orchestrator.Orchestrator
	engine     engine.Engine
	box        *secrets.Box
	dispatcher *alerts.Dispatcher
	cfg        *config.Config
	logger     *zap.Logger
}

func NewHandler(registry db.Registry, orch *orchestrator.Orchestrator, eng engine.Engine, box *secrets.Box, dispatcher *alerts.Dispatcher, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		registry:   registry,
		orch:       orch,
		engine:     eng,
		box:        box,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// respondError maps internal error kinds onto HTTP status codes. Error
// bodies never carry secret material.
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Tenant not found"})
	case errors.Is(err, db.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "Tenant already exists"})
	case errors.Is(err, db.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Tenant state changed concurrently, retry"})
	case errors.Is(err, db.ErrCapacityExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Fleet at capacity"})
	case errors.Is(err, engine.ErrImageMissing):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Sandbox image unavailable"})
	case errors.Is(err, orchestrator.ErrProvisionFailed):
		h.logger.Error("Provisioning failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Provisioning failed"})
	default:
		h.logger.Error("Unexpected error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
