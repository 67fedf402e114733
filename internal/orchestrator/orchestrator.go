// Package orchestrator translates desired-state operations into container
// engine calls. Every operation is idempotent and safe to retry; none
// assumes it is the only actor mutating the engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/agentwarden/warden/internal/config"
	"github.com/agentwarden/warden/internal/db"
	"github.com/agentwarden/warden/internal/engine"
	"github.com/agentwarden/warden/internal/plan"
	"github.com/agentwarden/warden/internal/secrets"
)

// ErrProvisionFailed wraps any synchronous failure while realizing a new
// tenant. Nothing is retried automatically and no container is left behind.
var ErrProvisionFailed = errors.New("provision failed")

const identityTemplate = `# {{display_name}}

You are the dedicated assistant for {{display_name}}.
Tenant: {{external_id}}
Plan: {{plan}}
Local port: {{port}}

Workspace notes live in this directory. Keep them tidy.
`

type Orchestrator struct {
	registry db.Registry
	engine   engine.Engine
	box      *secrets.Box
	cfg      config.OrchestratorConfig
	logger   *zap.Logger
}

func New(registry db.Registry, eng engine.Engine, box *secrets.Box, cfg config.OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		engine:   eng,
		box:      box,
		cfg:      cfg,
		logger:   logger,
	}
}

// Provision realizes a freshly created tenant: claims a port, materializes
// the workspace, creates and starts the container. On any failure the port
// is released and the partial container removed.
func (o *Orchestrator) Provision(ctx context.Context, t *db.Tenant) error {
	if err := o.registry.CompareAndSetStatus(ctx, t.ID, t.Status, db.StatusProvisioning, "provisioning container"); err != nil {
		return err
	}

	port, err := o.registry.AllocatePort(ctx, t.ID)
	if err != nil {
		return err
	}

	fail := func(cause error) error {
		_ = o.engine.Remove(context.WithoutCancel(ctx), t.ContainerName)
		if relErr := o.registry.ReleasePort(context.WithoutCancel(ctx), t.ID); relErr != nil {
			o.logger.Error("failed to release port after provision failure",
				zap.String("tenant_id", t.ID), zap.Error(relErr))
		}
		return fmt.Errorf("%w: %v", ErrProvisionFailed, cause)
	}

	workspace, err := o.materializeWorkspace(t, port)
	if err != nil {
		return fail(err)
	}
	t.WorkspacePath = workspace
	t.ContainerPort = &port
	if err := o.registry.Update(ctx, t); err != nil {
		return fail(err)
	}

	env, err := o.buildEnv(t, port)
	if err != nil {
		return fail(err)
	}

	limits := plan.LimitsFor(t.Plan)
	spec := engine.Spec{
		Name:          t.ContainerName,
		Image:         o.cfg.Image,
		MemoryBytes:   limits.MemoryBytes,
		CPUShare:      limits.CPUShare,
		Env:           env,
		HostPort:      port,
		ContainerPort: 8080,
		WorkspaceDir:  workspace,
		Network:       o.cfg.Network,
		Labels: map[string]string{
			"warden.tenant_id": t.ID,
			"warden.plan":      string(t.Plan),
		},
	}

	if _, err := o.engine.Create(ctx, spec); err != nil {
		if errors.Is(err, engine.ErrImageMissing) {
			// Operator fault, not tenant fault. Surface it unwrapped so the
			// caller can alert instead of retrying.
			_ = o.registry.ReleasePort(context.WithoutCancel(ctx), t.ID)
			return err
		}
		return fail(err)
	}
	if err := o.engine.Start(ctx, t.ContainerName); err != nil {
		return fail(err)
	}

	if err := o.registry.CompareAndSetStatus(ctx, t.ID, db.StatusProvisioning, db.StatusStarting, "container created and started"); err != nil {
		return fail(err)
	}

	o.logger.Info("Tenant provisioned",
		zap.String("tenant_id", t.ID),
		zap.String("container", t.ContainerName),
		zap.Int("port", port),
	)
	return nil
}

// Start starts the tenant's container. Starting an already-running
// container is a no-op.
func (o *Orchestrator) Start(ctx context.Context, t *db.Tenant) error {
	state, err := o.engine.Inspect(ctx, t.ContainerName)
	if err != nil {
		return err
	}
	switch state.Class {
	case engine.ClassHealthy, engine.ClassUnhealthy, engine.ClassRestarting:
		return nil
	case engine.ClassMissing:
		return fmt.Errorf("container %s does not exist", t.ContainerName)
	}

	if err := o.engine.Start(ctx, t.ContainerName); err != nil {
		return err
	}
	return o.registry.AppendEvent(ctx, &db.ContainerEvent{
		TenantID: t.ID,
		Type:     db.EventStart,
		Details:  "container started",
	})
}

// Stop stops the tenant's container if it is running.
func (o *Orchestrator) Stop(ctx context.Context, t *db.Tenant) error {
	state, err := o.engine.Inspect(ctx, t.ContainerName)
	if err != nil {
		return err
	}
	if state.Class == engine.ClassStopped || state.Class == engine.ClassMissing {
		return nil
	}

	if err := o.engine.Stop(ctx, t.ContainerName, o.cfg.StopTimeout); err != nil {
		return err
	}
	return o.registry.AppendEvent(ctx, &db.ContainerEvent{
		TenantID: t.ID,
		Type:     db.EventStop,
		Details:  "container stopped",
	})
}

// Restart is stop-then-start on the same identity, port and mounts. It is
// never a fresh provision.
func (o *Orchestrator) Restart(ctx context.Context, t *db.Tenant) error {
	state, err := o.engine.Inspect(ctx, t.ContainerName)
	if err != nil {
		return err
	}
	if state.Class == engine.ClassMissing {
		return fmt.Errorf("container %s does not exist", t.ContainerName)
	}

	if state.Class != engine.ClassStopped {
		if err := o.engine.Stop(ctx, t.ContainerName, o.cfg.StopTimeout); err != nil {
			return err
		}
	}
	if err := o.engine.Start(ctx, t.ContainerName); err != nil {
		return err
	}
	return o.registry.AppendEvent(ctx, &db.ContainerEvent{
		TenantID: t.ID,
		Type:     db.EventRestart,
		Details:  "container restarted",
	})
}

// Delete tears the container down and releases the port. With purgeData the
// workspace directory is removed as well. The port is a unit of fleet
// capacity, so it goes back to the pool even when the teardown fails.
func (o *Orchestrator) Delete(ctx context.Context, t *db.Tenant, purgeData bool) (err error) {
	defer func() {
		if relErr := o.registry.ReleasePort(context.WithoutCancel(ctx), t.ID); relErr != nil && err == nil {
			err = relErr
		}
	}()

	state, err := o.engine.Inspect(ctx, t.ContainerName)
	if err != nil {
		return err
	}
	if state.Class != engine.ClassMissing {
		if state.Class != engine.ClassStopped {
			if err := o.engine.Stop(ctx, t.ContainerName, o.cfg.StopTimeout); err != nil {
				return err
			}
		}
		if err := o.engine.Remove(ctx, t.ContainerName); err != nil {
			return err
		}
	}

	if purgeData && t.WorkspacePath != "" {
		// Refuse to remove anything outside the workspace root.
		if !strings.HasPrefix(filepath.Clean(t.WorkspacePath), filepath.Clean(o.cfg.WorkspaceRoot)) {
			return fmt.Errorf("workspace path %s outside workspace root", t.WorkspacePath)
		}
		if err := os.RemoveAll(t.WorkspacePath); err != nil {
			return fmt.Errorf("purge workspace: %w", err)
		}
	}

	return nil
}

func (o *Orchestrator) materializeWorkspace(t *db.Tenant, port int) (string, error) {
	dir := filepath.Join(o.cfg.WorkspaceRoot, t.ContainerName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	identity := identityTemplate
	replacements := map[string]string{
		"{{display_name}}": t.DisplayName,
		"{{external_id}}":  t.ExternalID,
		"{{plan}}":         string(t.Plan),
		"{{port}}":         strconv.Itoa(port),
	}
	for token, value := range replacements {
		identity = strings.ReplaceAll(identity, token, value)
	}

	if err := os.WriteFile(filepath.Join(dir, "IDENTITY.md"), []byte(identity), 0o640); err != nil {
		return "", fmt.Errorf("write identity file: %w", err)
	}
	return dir, nil
}

// buildEnv decrypts the credential bundle and assembles the container
// environment. This is the only place sealed secrets are opened.
func (o *Orchestrator) buildEnv(t *db.Tenant, port int) (map[string]string, error) {
	env := map[string]string{
		"WARDEN_TENANT_ID":   t.ID,
		"WARDEN_EXTERNAL_ID": t.ExternalID,
		"WARDEN_PLAN":        string(t.Plan),
		"WARDEN_PORT":        strconv.Itoa(port),
	}

	if len(t.SecretsSealed) > 0 {
		bundle, err := o.box.Open(t.SecretsSealed)
		if err != nil {
			return nil, fmt.Errorf("open credential bundle: %w", err)
		}
		for k, v := range bundle {
			env[k] = v
		}
	}
	return env, nil
}
