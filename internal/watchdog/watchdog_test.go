package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentwarden/warden/internal/alerts"
	"github.com/agentwarden/warden/internal/config"
	"github.com/agentwarden/warden/internal/db"
	"github.com/agentwarden/warden/internal/engine"
	"github.com/agentwarden/warden/internal/metrics"
	"github.com/agentwarden/warden/internal/orchestrator"
	"github.com/agentwarden/warden/internal/plan"
	"github.com/agentwarden/warden/internal/secrets"
)

// recordingNotifier captures delivered alerts.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (n *recordingNotifier) Send(ctx context.Context, a alerts.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) sent() []alerts.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alerts.Alert{}, n.alerts...)
}

func (n *recordingNotifier) bySeverity(sev alerts.Severity) int {
	count := 0
	for _, a := range n.sent() {
		if a.Severity == sev {
			count++
		}
	}
	return count
}

type fixture struct {
	registry *db.MemoryRegistry
	engine   *engine.FakeEngine
	orch     *orchestrator.Orchestrator
	notifier *recordingNotifier
	wd       *Watchdog
}

func newFixture(t *testing.T, cfg config.WatchdogConfig) *fixture {
	t.Helper()
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = time.Second
	}
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = 4
	}
	if cfg.EngineCallsPerSec == 0 {
		cfg.EngineCallsPerSec = 1000
	}

	registry := db.NewMemoryRegistry(42000, 8)
	eng := engine.NewFakeEngine()
	box, err := secrets.NewBox(make([]byte, 32))
	require.NoError(t, err)

	orchCfg := config.OrchestratorConfig{
		Image:         "warden/agent:latest",
		WorkspaceRoot: t.TempDir(),
		PortRangeFrom: 42000,
		MaxTenants:    8,
		StopTimeout:   time.Second,
	}
	orch := orchestrator.New(registry, eng, box, orchCfg, zap.NewNop())

	notifier := &recordingNotifier{}
	dispatcher := alerts.NewDispatcher(registry, notifier, metrics.NewCollector(), time.Second, zap.NewNop())

	return &fixture{
		registry: registry,
		engine:   eng,
		orch:     orch,
		notifier: notifier,
		wd:       New(registry, eng, orch, dispatcher, metrics.NewCollector(), cfg, zap.NewNop()),
	}
}

// provisionHealthy creates a tenant whose container is up and whose status
// has settled on healthy.
func (f *fixture) provisionHealthy(t *testing.T, p plan.Plan) *db.Tenant {
	t.Helper()
	ctx := context.Background()
	id := uuid.New().String()
	tn := &db.Tenant{
		ID:            id,
		ExternalID:    "ext-" + id[:8],
		DisplayName:   "Tenant " + id[:8],
		Plan:          p,
		ContainerName: "warden-" + id[:8],
		Status:        db.StatusUnprovisioned,
		Active:        true,
	}
	require.NoError(t, f.registry.Create(ctx, tn))
	require.NoError(t, f.orch.Provision(ctx, tn))
	require.NoError(t, f.registry.CompareAndSetStatus(ctx, tn.ID, db.StatusStarting, db.StatusHealthy, "settled"))
	tn.Status = db.StatusHealthy
	return tn
}

func (f *fixture) status(t *testing.T, id string) db.TenantStatus {
	t.Helper()
	got, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	return got.Status
}

func TestHealthyTenantIsLeftAlone(t *testing.T) {
	f := newFixture(t, config.WatchdogConfig{})
	tn := f.provisionHealthy(t, plan.Free)

	for i := 0; i < 3; i++ {
		f.wd.runPass(context.Background())
	}

	assert.Equal(t, db.StatusHealthy, f.status(t, tn.ID))
	assert.Empty(t, f.notifier.sent())
	assert.Len(t, f.engine.Starts, 1, "only the provision start")
}

func TestFreeTenantCrashLoopExhaustsBudgetAndStops(t *testing.T) {
	f := newFixture(t, config.WatchdogConfig{})
	ctx := context.Background()
	tn := f.provisionHealthy(t, plan.Free)

	// The container keeps reporting stopped no matter how often it is
	// restarted.
	f.engine.SetClass(tn.ContainerName, engine.ClassStopped)

	budget := plan.LimitsFor(plan.Free).MaxConsecutiveRestarts
	for i := 0; i < budget; i++ {
		f.wd.runPass(ctx)
		assert.Equal(t, db.StatusRestarting, f.status(t, tn.ID))
	}

	// The pass after the last budgeted attempt parks the tenant.
	f.wd.runPass(ctx)
	assert.Equal(t, db.StatusStoppedExhausted, f.status(t, tn.ID))

	// Parked tenants are excluded from further reconciliation.
	starts := len(f.engine.Starts)
	f.wd.runPass(ctx)
	f.wd.runPass(ctx)
	assert.Len(t, f.engine.Starts, starts)
	assert.Equal(t, db.StatusStoppedExhausted, f.status(t, tn.ID))

	// One warning when the incident opened, one critical on exhaustion,
	// everything in between suppressed.
	assert.Equal(t, 1, f.notifier.bySeverity(alerts.SeverityWarning))
	assert.Equal(t, 1, f.notifier.bySeverity(alerts.SeverityCritical))
}

func TestPaidTenantKeepsRetryingAfterExhaustion(t *testing.T) {
	f := newFixture(t, config.WatchdogConfig{})
	ctx := context.Background()
	tn := f.provisionHealthy(t, plan.Pro)

	f.engine.SetClass(tn.ContainerName, engine.ClassStopped)

	budget := plan.LimitsFor(plan.Pro).MaxConsecutiveRestarts
	for i := 0; i < budget+3; i++ {
		f.wd.runPass(ctx)
	}

	// Never parked, still being restarted.
	assert.Equal(t, db.StatusRestarting, f.status(t, tn.ID))
	assert.Greater(t, len(f.engine.Starts), budget+1)

	// Exactly one critical for the whole incident, regardless of how many
	// retries follow exhaustion.
	assert.Equal(t, 1, f.notifier.bySeverity(alerts.SeverityCritical))
	assert.Equal(t, 1, f.notifier.bySeverity(alerts.SeverityWarning))
}

func TestRecoveryResetsBudgetAndRearmsAlerts(t *testing.T) {
	f := newFixture(t, config.WatchdogConfig{})
	ctx := context.Background()
	tn := f.provisionHealthy(t, plan.Free)

	// Fail twice, then recover.
	f.engine.SetClass(tn.ContainerName, engine.ClassStopped)
	f.wd.runPass(ctx)
	f.wd.runPass(ctx)

	got, err := f.registry.Get(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RestartCount)

	f.engine.SetClass(tn.ContainerName, engine.ClassHealthy)
	f.wd.runPass(ctx)

	got, err = f.registry.Get(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusHealthy, got.Status)
	assert.Equal(t, 0, got.RestartCount, "recovery resets the restart budget")
	assert.NotNil(t, got.LastHealthyAt)

	// A fresh outage opens a fresh incident and alerts again.
	f.engine.SetClass(tn.ContainerName, engine.ClassStopped)
	f.wd.runPass(ctx)
	assert.Equal(t, 2, f.notifier.bySeverity(alerts.SeverityWarning))
}

func TestManualStopWinsOverStaleSnapshot(t *testing.T) {
	f := newFixture(t, config.WatchdogConfig{})
	ctx := context.Background()
	tn := f.provisionHealthy(t, plan.Free)

	f.engine.SetClass(tn.ContainerName, engine.ClassStopped)

	// An admin stops the tenant after the watchdog snapshotted it as
	// healthy. The stale snapshot must lose the conditional update.
	stale := *tn
	require.NoError(t, f.registry.CompareAndSetStatus(ctx, tn.ID, db.StatusHealthy, db.StatusStopped, "admin stop"))

	startsBefore := len(f.engine.Starts)
	f.wd.checkTenant(ctx, &stale)

	assert.Equal(t, db.StatusStopped, f.status(t, tn.ID))
	assert.Len(t, f.engine.Starts, startsBefore, "no restart after losing the claim")

	got, err := f.registry.Get(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RestartCount)
}

func TestInspectTimeoutCountsAsMissing(t *testing.T) {
	f := newFixture(t, config.WatchdogConfig{CheckTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	tn := f.provisionHealthy(t, plan.Free)

	f.engine.SetInspectDelay(tn.ContainerName, 150*time.Millisecond)
	f.wd.checkTenant(ctx, tn)
	f.engine.SetInspectDelay(tn.ContainerName, 0)

	got, err := f.registry.Get(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RestartCount, "an unobservable container consumes budget")
	assert.Equal(t, db.StatusRestarting, got.Status)
}

func TestHangingTenantDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, config.WatchdogConfig{
		CheckTimeout: 20 * time.Millisecond,
		WorkerCount:  2,
	})
	ctx := context.Background()

	slow := f.provisionHealthy(t, plan.Free)
	fast := f.provisionHealthy(t, plan.Free)
	f.engine.SetInspectDelay(slow.ContainerName, time.Second)
	// Demote fast so a successful check is observable as a transition.
	require.NoError(t, f.registry.CompareAndSetStatus(ctx, fast.ID, db.StatusHealthy, db.StatusRestarting, "test"))
	fast2, err := f.registry.Get(ctx, fast.ID)
	require.NoError(t, err)

	slowDone := make(chan struct{})
	go func() {
		f.wd.checkTenant(ctx, slow)
		close(slowDone)
	}()

	start := time.Now()
	f.wd.checkTenant(ctx, fast2)
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"a hanging neighbor must not delay this check")
	assert.Equal(t, db.StatusHealthy, f.status(t, fast.ID))

	select {
	case <-slowDone:
	case <-time.After(5 * time.Second):
		t.Fatal("slow check never finished")
	}
}

func TestSustainedMemoryPressureAlertsOnce(t *testing.T) {
	f := newFixture(t, config.WatchdogConfig{
		MemoryAlertPct:    90,
		MemoryAlertChecks: 3,
	})
	ctx := context.Background()
	tn := f.provisionHealthy(t, plan.Free)
	f.engine.SetMemoryPercent(tn.ContainerName, 95)

	// Two breaches stay silent, the third alerts, further breaches are
	// suppressed by the open incident.
	for i := 0; i < 5; i++ {
		f.wd.runPass(ctx)
	}
	assert.Equal(t, 1, f.notifier.bySeverity(alerts.SeverityWarning))

	// Dropping below the threshold closes the incident; a later sustained
	// breach alerts again.
	f.engine.SetMemoryPercent(tn.ContainerName, 40)
	f.wd.runPass(ctx)
	f.engine.SetMemoryPercent(tn.ContainerName, 95)
	for i := 0; i < 3; i++ {
		f.wd.runPass(ctx)
	}
	assert.Equal(t, 2, f.notifier.bySeverity(alerts.SeverityWarning))
}

func TestProvisioningTenantIsSkipped(t *testing.T) {
	f := newFixture(t, config.WatchdogConfig{})
	ctx := context.Background()

	id := uuid.New().String()
	tn := &db.Tenant{
		ID:            id,
		ExternalID:    "ext-" + id[:8],
		Plan:          plan.Free,
		ContainerName: "warden-" + id[:8],
		Status:        db.StatusProvisioning,
		Active:        true,
	}
	require.NoError(t, f.registry.Create(ctx, tn))

	f.wd.runPass(ctx)

	assert.Equal(t, 0, f.engine.InspectCount(tn.ContainerName))
	assert.Equal(t, db.StatusProvisioning, f.status(t, tn.ID))
}
