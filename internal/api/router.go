package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentwarden/warden/internal/alerts"
	"github.com/agentwarden/warden/internal/api/handlers"
	"github.com/agentwarden/warden/internal/api/middleware"
	"github.com/agentwarden/warden/internal/config"
	"github.com/agentwarden/warden/internal/db"
	"github.com/agentwarden/warden/internal/engine"
	"github.com/agentwarden/warden/internal/orchestrator"
	"github.com/agentwarden/warden/internal/secrets"
)

type Server struct {
	Config *config.Config
	Router *gin.Engine
}

func NewServer(cfg *config.Config, registry db.Registry, orch *orchestrator.Orchestrator, eng engine.Engine, box *secrets.Box, dispatcher *alerts.Dispatcher, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())

	server := &Server{
		Config: cfg,
		Router: router,
	}

	h := handlers.NewHandler(registry, orch, eng, box, dispatcher, cfg, logger)
	server.setupRoutes(h)
	return server
}

func (s *Server) setupRoutes(h *handlers.Handler) {
	s.Router.GET("/healthz", handlers.HealthCheck)

	api := s.Router.Group("/api")
	api.Use(middleware.APIKeyAuth(s.Config.Admin.APIKey))
	{
		api.POST("/auth/dashboard-token", h.DashboardToken)

		api.POST("/users", h.ProvisionTenant)
		api.GET("/users/:id", h.GetTenant)
		api.PATCH("/users/:id", h.UpdateTenant)
		api.DELETE("/users/:id", h.DeleteTenant)
		api.POST("/users/:id/container", h.ContainerAction)
		api.GET("/users/:id/usage", h.GetUsage)

		api.GET("/admin/status", h.FleetStatus)
		api.GET("/admin/events", h.RecentEvents)
	}
}
