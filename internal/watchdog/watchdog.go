// Package watchdog runs the recurring reconciliation loop: for every active
// tenant it compares observed container state against the registry and
// applies the plan's restart-budget policy. All status transitions go
// through the registry's compare-and-set, so a pass interrupted at any point
// is simply retried on the next tick.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/agentwarden/warden/internal/alerts"
	"github.com/agentwarden/warden/internal/config"
	"github.com/agentwarden/warden/internal/db"
	"github.com/agentwarden/warden/internal/engine"
	"github.com/agentwarden/warden/internal/metrics"
	"github.com/agentwarden/warden/internal/orchestrator"
	"github.com/agentwarden/warden/internal/plan"
)

type Watchdog struct {
	registry   db.Registry
	engine     engine.Engine
	orch       *orchestrator.Orchestrator
	dispatcher *alerts.Dispatcher
	metrics    *metrics.Collector
	logger     *zap.Logger
	cfg        config.WatchdogConfig
	limiter    *rate.Limiter

	mu          sync.Mutex
	memBreaches map[string]int
}

func New(registry db.Registry, eng engine.Engine, orch *orchestrator.Orchestrator, dispatcher *alerts.Dispatcher, collector *metrics.Collector, cfg config.WatchdogConfig, logger *zap.Logger) *Watchdog {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.EngineCallsPerSec <= 0 {
		cfg.EngineCallsPerSec = 20
	}
	return &Watchdog{
		registry:    registry,
		engine:      eng,
		orch:        orch,
		dispatcher:  dispatcher,
		metrics:     collector,
		logger:      logger,
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Limit(cfg.EngineCallsPerSec), cfg.WorkerCount),
		memBreaches: make(map[string]int),
	}
}

// Run ticks until ctx is cancelled. Each tick is jittered so a restarted
// fleet of wardens does not thundering-herd the engine.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("Starting watchdog",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("worker_count", w.cfg.WorkerCount),
	)

	timer := time.NewTimer(w.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping watchdog")
			return
		case <-timer.C:
			w.runPass(ctx)
			timer.Reset(w.nextInterval())
		}
	}
}

func (w *Watchdog) nextInterval() time.Duration {
	interval := w.cfg.Interval
	if w.cfg.JitterPercent > 0 {
		span := int64(interval) * int64(w.cfg.JitterPercent) / 100
		interval += time.Duration(rand.Int63n(2*span+1) - span)
	}
	return interval
}

// runPass reconciles every active tenant once. Checks fan out through a
// bounded errgroup; one tenant hanging or erroring never delays or aborts
// the others, and the pass wall time is bounded by
// timeout x ceil(tenants / workers).
func (w *Watchdog) runPass(ctx context.Context) {
	start := time.Now()

	tenants, err := w.registry.List(ctx, db.TenantFilter{Active: true})
	if err != nil {
		w.logger.Error("Failed to snapshot tenants", zap.Error(err))
		return
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.WorkerCount)
	for _, t := range tenants {
		t := t
		g.Go(func() error {
			w.checkTenant(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	if summary, err := w.registry.FleetSummary(ctx); err == nil {
		w.metrics.SetFleet(summary)
	}

	w.metrics.RecordPass(time.Since(start))
	w.logger.Debug("Reconciliation pass complete",
		zap.Int("tenants", len(tenants)),
		zap.Duration("duration", time.Since(start)),
	)
}

// checkTenant observes one tenant and applies policy. Errors are contained
// here: an engine fault is classified as missing rather than propagated.
func (w *Watchdog) checkTenant(ctx context.Context, t *db.Tenant) {
	switch t.Status {
	case db.StatusUnprovisioned, db.StatusProvisioning, db.StatusStopped, db.StatusStoppedExhausted, db.StatusDeleted:
		// Manual stops and exhausted tenants stay down until an admin acts;
		// provisioning is still in flight.
		return
	}

	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, w.cfg.CheckTimeout)
	defer cancel()

	if err := w.limiter.Wait(checkCtx); err != nil {
		return
	}

	state, err := w.engine.Inspect(checkCtx, t.ContainerName)
	engineErr := err != nil
	if engineErr {
		// A timeout or engine fault must not mask a real outage: treat the
		// container as missing and let the restart budget decide.
		w.logger.Warn("Engine inspect failed",
			zap.String("tenant_id", t.ID),
			zap.String("container", t.ContainerName),
			zap.Error(err),
		)
		state = &engine.State{Class: engine.ClassMissing, Status: "inspect-error"}
	}

	w.metrics.RecordCheck(string(state.Class), time.Since(start), engineErr)

	switch state.Class {
	case engine.ClassHealthy:
		w.handleHealthy(ctx, t)
	case engine.ClassRestarting:
		// Engine-level transitional state: no verdict this tick.
	case engine.ClassUnhealthy, engine.ClassMissing, engine.ClassStopped:
		w.handleFailure(ctx, t, state)
	}
}

func (w *Watchdog) handleHealthy(ctx context.Context, t *db.Tenant) {
	if t.Status != db.StatusHealthy {
		err := w.registry.CompareAndSetStatus(ctx, t.ID, t.Status, db.StatusHealthy, "container observed healthy")
		if errors.Is(err, db.ErrConflict) {
			// A concurrent actor moved the tenant; re-read next tick.
			return
		}
		if err != nil {
			w.logger.Error("Failed to mark tenant healthy", zap.String("tenant_id", t.ID), zap.Error(err))
			return
		}
		w.metrics.RecordRecovery()
		w.dispatcher.Resolve(ctx, t.ID, alerts.KindUnhealthy)
		w.logger.Info("Tenant recovered",
			zap.String("tenant_id", t.ID),
			zap.String("from", string(t.Status)),
		)
	}

	w.checkMemory(ctx, t)
}

// checkMemory tracks sustained high memory usage. A single spike is noise;
// only N consecutive breaches cross the alert threshold.
func (w *Watchdog) checkMemory(ctx context.Context, t *db.Tenant) {
	if w.cfg.MemoryAlertPct <= 0 {
		return
	}

	memCtx, cancel := context.WithTimeout(ctx, w.cfg.CheckTimeout)
	defer cancel()

	pct, err := w.engine.MemoryPercent(memCtx, t.ContainerName)
	if err != nil {
		w.logger.Debug("Memory probe failed", zap.String("tenant_id", t.ID), zap.Error(err))
		return
	}

	w.mu.Lock()
	if pct >= w.cfg.MemoryAlertPct {
		w.memBreaches[t.ID]++
	} else {
		delete(w.memBreaches, t.ID)
	}
	breaches := w.memBreaches[t.ID]
	w.mu.Unlock()

	if breaches == 0 {
		w.dispatcher.Resolve(ctx, t.ID, alerts.KindMemory)
		return
	}
	if breaches >= w.cfg.MemoryAlertChecks {
		w.dispatcher.Notify(ctx, alerts.SeverityWarning, t.ID, alerts.KindMemory,
			fmt.Sprintf("memory at %.0f%% of limit for %d consecutive checks", pct, breaches))
	}
}

func (w *Watchdog) handleFailure(ctx context.Context, t *db.Tenant, state *engine.State) {
	// Surface the intermediate unhealthy state before deciding on recovery.
	if t.Status == db.StatusHealthy {
		detail := fmt.Sprintf("container %s (exit=%d oom=%v)", state.Class, state.ExitCode, state.OOMKilled)
		err := w.registry.CompareAndSetStatus(ctx, t.ID, db.StatusHealthy, db.StatusUnhealthy, detail)
		if errors.Is(err, db.ErrConflict) {
			return
		}
		if err != nil {
			w.logger.Error("Failed to mark tenant unhealthy", zap.String("tenant_id", t.ID), zap.Error(err))
			return
		}
		t.Status = db.StatusUnhealthy
	}

	count, err := w.registry.IncrementRestartCount(ctx, t.ID)
	if err != nil {
		w.logger.Error("Failed to increment restart count", zap.String("tenant_id", t.ID), zap.Error(err))
		return
	}

	limits := plan.LimitsFor(t.Plan)
	if count <= limits.MaxConsecutiveRestarts {
		w.attemptRestart(ctx, t, state, count, limits)
		return
	}

	// Restart budget exhausted: apply the plan's escalation policy.
	w.metrics.RecordExhausted(string(t.Plan))
	if limits.StopsOnExhaustion {
		err := w.registry.CompareAndSetStatus(ctx, t.ID, t.Status, db.StatusStoppedExhausted,
			fmt.Sprintf("restart budget exhausted after %d attempts", limits.MaxConsecutiveRestarts))
		if errors.Is(err, db.ErrConflict) {
			return
		}
		if err != nil {
			w.logger.Error("Failed to mark tenant exhausted", zap.String("tenant_id", t.ID), zap.Error(err))
			return
		}
		if err := w.orch.Stop(ctx, t); err != nil {
			w.logger.Warn("Failed to stop exhausted tenant", zap.String("tenant_id", t.ID), zap.Error(err))
		}
		w.dispatcher.Notify(ctx, alerts.SeverityCritical, t.ID, alerts.KindUnhealthy,
			fmt.Sprintf("restart budget exhausted after %d attempts; sandbox stopped", limits.MaxConsecutiveRestarts))
		return
	}

	// Paid tiers alert once per incident and keep retrying indefinitely.
	w.dispatcher.Notify(ctx, alerts.SeverityCritical, t.ID, alerts.KindUnhealthy,
		fmt.Sprintf("restart budget exhausted after %d attempts; continuing retries", limits.MaxConsecutiveRestarts))
	w.attemptRestart(ctx, t, state, count, limits)
}

func (w *Watchdog) attemptRestart(ctx context.Context, t *db.Tenant, state *engine.State, count int, limits plan.Limits) {
	detail := fmt.Sprintf("auto-restart attempt %d (observed %s)", count, state.Class)
	err := w.registry.CompareAndSetStatus(ctx, t.ID, t.Status, db.StatusRestarting, detail)
	if errors.Is(err, db.ErrConflict) {
		// Stale expectation, e.g. an admin stopped the tenant mid-pass. The
		// conditional update loses on purpose; nothing to undo.
		w.logger.Debug("Restart claim lost to a concurrent transition", zap.String("tenant_id", t.ID))
		return
	}
	if err != nil {
		w.logger.Error("Failed to claim restart", zap.String("tenant_id", t.ID), zap.Error(err))
		return
	}

	if count <= limits.MaxConsecutiveRestarts {
		w.dispatcher.Notify(ctx, alerts.SeverityWarning, t.ID, alerts.KindUnhealthy,
			fmt.Sprintf("container %s, auto-restart attempt %d of %d", state.Class, count, limits.MaxConsecutiveRestarts))
	}

	w.metrics.RecordRestart(string(t.Plan))
	if err := w.orch.Restart(ctx, t); err != nil {
		w.logger.Warn("Restart attempt failed",
			zap.String("tenant_id", t.ID),
			zap.Int("attempt", count),
			zap.Error(err),
		)
	}
}
