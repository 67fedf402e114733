package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agentwarden/warden/internal/alerts"
	"github.com/agentwarden/warden/internal/api"
	"github.com/agentwarden/warden/internal/config"
	"github.com/agentwarden/warden/internal/db"
	"github.com/agentwarden/warden/internal/engine"
	"github.com/agentwarden/warden/internal/orchestrator"
	"github.com/agentwarden/warden/internal/secrets"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	var registry db.Registry
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory registry; state will not survive a restart")
		registry = db.NewMemoryRegistry(cfg.Orchestrator.PortRangeFrom, cfg.Orchestrator.MaxTenants)
	} else {
		if err := db.Migrate(cfg.Database.URL); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}

		conn, err := db.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer conn.Close()

		repo := db.NewRepository(conn)
		if err := repo.EnsurePortPool(context.Background(), cfg.Orchestrator.PortRangeFrom, cfg.Orchestrator.MaxTenants); err != nil {
			logger.Fatal("Failed to seed port pool", zap.Error(err))
		}
		registry = repo
	}

	key, err := cfg.SecretsKey()
	if err != nil {
		logger.Fatal("Invalid secrets key", zap.Error(err))
	}
	box, err := secrets.NewBox(key)
	if err != nil {
		logger.Fatal("Failed to init secret box", zap.Error(err))
	}

	eng := engine.NewDockerEngine(cfg.Orchestrator.DockerBin, logger)
	orch := orchestrator.New(registry, eng, box, cfg.Orchestrator, logger)
	dispatcher := alerts.NewDispatcher(registry, alerts.NewWebhookNotifier(cfg.Alerts.WebhookURL), nil, cfg.Alerts.Timeout, logger)

	server := api.NewServer(cfg, registry, orch, eng, box, dispatcher, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
