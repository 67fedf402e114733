package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agentwarden/warden/internal/alerts"
	"github.com/agentwarden/warden/internal/config"
	"github.com/agentwarden/warden/internal/db"
	"github.com/agentwarden/warden/internal/engine"
	"github.com/agentwarden/warden/internal/metrics"
	"github.com/agentwarden/warden/internal/orchestrator"
	"github.com/agentwarden/warden/internal/secrets"
	"github.com/agentwarden/warden/internal/watchdog"
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

	collector := metrics.NewCollector()
	eng := engine.NewDockerEngine(cfg.Orchestrator.DockerBin, logger)
	orch := orchestrator.New(registry, eng, box, cfg.Orchestrator, logger)
	dispatcher := alerts.NewDispatcher(registry, alerts.NewWebhookNotifier(cfg.Alerts.WebhookURL), collector, cfg.Alerts.Timeout, logger)

	wd := watchdog.New(registry, eng, orch, dispatcher, collector, cfg.Watchdog, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go wd.Run(ctx)

	// Prometheus scrape endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		if err := http.ListenAndServe(":"+cfg.Metrics.Port, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics endpoint failed", zap.Error(err))
		}
	}()

	logger.Info("Watchdog started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down watchdog...")
	cancel()
	logger.Info("Watchdog exited")
}
