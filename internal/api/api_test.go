package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentwarden/warden/internal/alerts"
	"github.com/agentwarden/warden/internal/config"
	"github.com/agentwarden/warden/internal/db"
	"github.com/agentwarden/warden/internal/engine"
	"github.com/agentwarden/warden/internal/metrics"
	"github.com/agentwarden/warden/internal/orchestrator"
	"github.com/agentwarden/warden/internal/secrets"
)

const testAPIKey = "test-admin-key"

type dropNotifier struct{}

func (dropNotifier) Send(ctx context.Context, a alerts.Alert) error { return nil }

type apiFixture struct {
	server   *Server
	registry *db.MemoryRegistry
	engine   *engine.FakeEngine
}

func newAPIFixture(t *testing.T, maxTenants int) *apiFixture {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Port: "0", Mode: "test"},
		Admin:  config.AdminConfig{APIKey: testAPIKey, DashboardTokenTTL: time.Minute},
		Orchestrator: config.OrchestratorConfig{
			Image:         "warden/agent:latest",
			WorkspaceRoot: t.TempDir(),
			PortRangeFrom: 42000,
			MaxTenants:    maxTenants,
			StopTimeout:   time.Second,
		},
	}

	registry := db.NewMemoryRegistry(cfg.Orchestrator.PortRangeFrom, maxTenants)
	eng := engine.NewFakeEngine()
	box, err := secrets.NewBox(make([]byte, 32))
	require.NoError(t, err)
	orch := orchestrator.New(registry, eng, box, cfg.Orchestrator, zap.NewNop())
	dispatcher := alerts.NewDispatcher(registry, dropNotifier{}, metrics.NewCollector(), time.Second, zap.NewNop())

	return &apiFixture{
		server:   NewServer(cfg, registry, orch, eng, box, dispatcher, zap.NewNop()),
		registry: registry,
		engine:   eng,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Router.ServeHTTP(w, req)
	return w
}

func authed() map[string]string {
	return map[string]string{"X-API-Key": testAPIKey}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (f *apiFixture) provision(t *testing.T, externalID string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/users", map[string]any{
		"external_id":  externalID,
		"display_name": "Tenant " + externalID,
		"plan":         "free",
	}, authed())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["id"].(string)
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	f := newAPIFixture(t, 4)
	w := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t, 4)

	w := f.do(t, http.MethodGet, "/api/admin/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/admin/status", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/admin/status", nil, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProvisionTenant(t *testing.T) {
	f := newAPIFixture(t, 4)

	w := f.do(t, http.MethodPost, "/api/users", map[string]any{
		"external_id":  "gh-1",
		"display_name": "Acme",
		"plan":         "starter",
		"secrets":      map[string]string{"API_TOKEN": "plaintext-credential"},
	}, authed())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "gh-1", body["external_id"])
	assert.Equal(t, "starter", body["plan"])
	assert.NotContains(t, w.Body.String(), "plaintext-credential",
		"sealed credentials must never appear in responses")

	got, err := f.registry.GetByExternalID(context.Background(), "gh-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusStarting, got.Status)
	assert.True(t, f.engine.Running(got.ContainerName))
}

func TestProvisionRejectsInvalidPlan(t *testing.T) {
	f := newAPIFixture(t, 4)
	w := f.do(t, http.MethodPost, "/api/users", map[string]any{
		"external_id":  "gh-1",
		"display_name": "Acme",
		"plan":         "enterprise",
	}, authed())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProvisionDuplicateExternalID(t *testing.T) {
	f := newAPIFixture(t, 4)
	f.provision(t, "gh-1")

	w := f.do(t, http.MethodPost, "/api/users", map[string]any{
		"external_id":  "gh-1",
		"display_name": "Acme again",
		"plan":         "free",
	}, authed())
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestProvisionCapacityExhausted(t *testing.T) {
	f := newAPIFixture(t, 1)
	f.provision(t, "gh-1")

	w := f.do(t, http.MethodPost, "/api/users", map[string]any{
		"external_id":  "gh-2",
		"display_name": "Second",
		"plan":         "free",
	}, authed())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProvisionMissingImage(t *testing.T) {
	f := newAPIFixture(t, 4)
	f.engine.CreateErr = engine.ErrImageMissing

	w := f.do(t, http.MethodPost, "/api/users", map[string]any{
		"external_id":  "gh-1",
		"display_name": "Acme",
		"plan":         "free",
	}, authed())
	assert.Equal(t, http.StatusBadGateway, w.Code)

	// The failed record is retired so the identity can be reused.
	f.engine.CreateErr = nil
	f.provision(t, "gh-1")
}

func TestGetTenant(t *testing.T) {
	f := newAPIFixture(t, 4)
	id := f.provision(t, "gh-1")

	w := f.do(t, http.MethodGet, "/api/users/"+id, nil, authed())
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	tenant := body["tenant"].(map[string]any)
	assert.Equal(t, "gh-1", tenant["external_id"])
	container := body["container"].(map[string]any)
	assert.Equal(t, string(engine.ClassHealthy), container["class"])
	limits := body["limits"].(map[string]any)
	assert.EqualValues(t, 3, limits["max_restarts"])
}

func TestGetTenantNotFound(t *testing.T) {
	f := newAPIFixture(t, 4)
	w := f.do(t, http.MethodGet, "/api/users/nope", nil, authed())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateTenantPlan(t *testing.T) {
	f := newAPIFixture(t, 4)
	id := f.provision(t, "gh-1")

	w := f.do(t, http.MethodPatch, "/api/users/"+id, map[string]any{"plan": "pro"}, authed())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pro", decode(t, w)["plan"])

	w = f.do(t, http.MethodPatch, "/api/users/"+id, map[string]any{"plan": "gold"}, authed())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestContainerActions(t *testing.T) {
	f := newAPIFixture(t, 4)
	id := f.provision(t, "gh-1")
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/api/users/"+id+"/container", map[string]any{"action": "stop"}, authed())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got, err := f.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.StatusStopped, got.Status)
	assert.False(t, f.engine.Running(got.ContainerName))

	w = f.do(t, http.MethodPost, "/api/users/"+id+"/container", map[string]any{"action": "start"}, authed())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got, err = f.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.StatusStarting, got.Status)
	assert.True(t, f.engine.Running(got.ContainerName))

	w = f.do(t, http.MethodPost, "/api/users/"+id+"/container", map[string]any{"action": "reboot"}, authed())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteTenant(t *testing.T) {
	f := newAPIFixture(t, 4)
	id := f.provision(t, "gh-1")

	w := f.do(t, http.MethodDelete, "/api/users/"+id+"?remove_data=true", nil, authed())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/users/"+id, nil, authed())
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The external identity and the port are free again.
	f.provision(t, "gh-1")
}

func TestGetUsage(t *testing.T) {
	f := newAPIFixture(t, 4)
	id := f.provision(t, "gh-1")

	require.NoError(t, f.registry.RecordUsage(context.Background(), &db.UsageLog{
		TenantID:     id,
		Date:         time.Now().UTC(),
		MessageCount: 12,
		TokenCount:   3400,
	}))

	w := f.do(t, http.MethodGet, "/api/users/"+id+"/usage?days=7", nil, authed())
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.EqualValues(t, 1_000_000, body["daily_token_budget"])
	usage := body["usage"].([]any)
	require.Len(t, usage, 1)
	assert.EqualValues(t, 3400, usage[0].(map[string]any)["token_count"])
}

func TestFleetStatus(t *testing.T) {
	f := newAPIFixture(t, 4)
	f.provision(t, "gh-1")
	f.provision(t, "gh-2")

	w := f.do(t, http.MethodGet, "/api/admin/status", nil, authed())
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.EqualValues(t, 2, body["total"])
	assert.EqualValues(t, 2, body["ports_in_use"])
	assert.EqualValues(t, 2, body["ports_free"])
}

func TestRecentEvents(t *testing.T) {
	f := newAPIFixture(t, 4)
	f.provision(t, "gh-1")

	w := f.do(t, http.MethodGet, "/api/admin/events?limit=10", nil, authed())
	require.Equal(t, http.StatusOK, w.Code)

	events := decode(t, w)["events"].([]any)
	assert.NotEmpty(t, events)
}

func TestDashboardTokenFlow(t *testing.T) {
	f := newAPIFixture(t, 4)
	id := f.provision(t, "gh-1")

	w := f.do(t, http.MethodPost, "/api/auth/dashboard-token", nil, authed())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)

	bearer := map[string]string{"Authorization": "Bearer " + token}

	// Reads work with the token.
	w = f.do(t, http.MethodGet, "/api/users/"+id, nil, bearer)
	assert.Equal(t, http.StatusOK, w.Code)

	// Writes do not.
	w = f.do(t, http.MethodDelete, "/api/users/"+id, nil, bearer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Nor can a token mint another token.
	w = f.do(t, http.MethodPost, "/api/auth/dashboard-token", nil, bearer)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestEventLimitClamped(t *testing.T) {
	f := newAPIFixture(t, 4)
	for i := 0; i < 3; i++ {
		f.provision(t, fmt.Sprintf("gh-%d", i))
	}

	w := f.do(t, http.MethodGet, "/api/admin/events?limit=9999", nil, authed())
	require.Equal(t, http.StatusOK, w.Code)
	events := decode(t, w)["events"].([]any)
	assert.True(t, len(events) <= 50)
}
