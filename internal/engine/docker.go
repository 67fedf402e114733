package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DockerEngine drives the docker CLI. Every call is bounded by the caller's
// context; a hung daemon surfaces as a context error, never a stuck loop.
type DockerEngine struct {
	bin    string
	logger *zap.Logger
}

func NewDockerEngine(bin string, logger *zap.Logger) *DockerEngine {
	if bin == "" {
		bin = "docker"
	}
	return &DockerEngine{bin: bin, logger: logger}
}

var _ Engine = (*DockerEngine)(nil)

// run executes one docker command. Secret values ride in extraEnv, the
// client process environment, so they never appear in argv.
func (e *DockerEngine) run(ctx context.Context, extraEnv []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, e.bin, args...)
	// Kill on cancel only reaps the direct child; a grandchild holding the
	// output pipes would keep Run blocked forever. WaitDelay forces Run to
	// return shortly after the context is done regardless.
	cmd.WaitDelay = time.Second
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	e.logger.Debug("engine call",
		zap.String("subcommand", args[0]),
		zap.Duration("duration", time.Since(start)),
	)
	return strings.TrimSpace(stdout.String()), nil
}

func (e *DockerEngine) Create(ctx context.Context, spec Spec) (string, error) {
	args := []string{
		"create",
		"--name", spec.Name,
		fmt.Sprintf("--memory=%d", spec.MemoryBytes),
		fmt.Sprintf("--cpus=%.2f", spec.CPUShare),
		"--restart=no",
		"--security-opt=no-new-privileges",
	}

	if spec.Network != "" {
		args = append(args, "--network="+spec.Network)
	}
	if spec.HostPort > 0 {
		args = append(args, "-p", fmt.Sprintf("%d:%d", spec.HostPort, spec.ContainerPort))
	}
	if spec.WorkspaceDir != "" {
		args = append(args, "-v", spec.WorkspaceDir+":/workspace")
	}

	// Stable env ordering keeps the create call reproducible.
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	extraEnv := make([]string, 0, len(keys))
	for _, k := range keys {
		// Name-only -e: docker reads the value from the client process
		// environment, keeping secrets out of the argument list.
		args = append(args, "-e", k)
		extraEnv = append(extraEnv, k+"="+spec.Env[k])
	}

	for k, v := range spec.Labels {
		args = append(args, "--label", k+"="+v)
	}

	args = append(args, spec.Image)

	out, err := e.run(ctx, extraEnv, args...)
	if err != nil {
		if isImageMissing(err.Error()) {
			return "", fmt.Errorf("%w: %s", ErrImageMissing, spec.Image)
		}
		return "", err
	}
	return out, nil
}

func (e *DockerEngine) Start(ctx context.Context, name string) error {
	_, err := e.run(ctx, nil, "start", name)
	return err
}

func (e *DockerEngine) Stop(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	_, err := e.run(ctx, nil, "stop", "-t", strconv.Itoa(secs), name)
	if err != nil && isNotFound(err.Error()) {
		return nil
	}
	return err
}

func (e *DockerEngine) Remove(ctx context.Context, name string) error {
	_, err := e.run(ctx, nil, "rm", "-f", name)
	if err != nil && isNotFound(err.Error()) {
		return nil
	}
	return err
}

// inspectState mirrors the .State document of docker inspect.
type inspectState struct {
	Status     string `json:"Status"`
	Running    bool   `json:"Running"`
	Restarting bool   `json:"Restarting"`
	OOMKilled  bool   `json:"OOMKilled"`
	ExitCode   int    `json:"ExitCode"`
	StartedAt  string `json:"StartedAt"`
	Health     *struct {
		Status string `json:"Status"`
	} `json:"Health"`
}

func (e *DockerEngine) Inspect(ctx context.Context, name string) (*State, error) {
	out, err := e.run(ctx, nil, "inspect", "--format", "{{json .State}}", name)
	if err != nil {
		if isNotFound(err.Error()) {
			return &State{Class: ClassMissing, Status: "missing"}, nil
		}
		return nil, err
	}

	var raw inspectState
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse inspect output: %w", err)
	}

	state := &State{
		Status:    raw.Status,
		ExitCode:  raw.ExitCode,
		OOMKilled: raw.OOMKilled,
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw.StartedAt); err == nil {
		state.StartedAt = ts
	}

	switch {
	case raw.Restarting:
		state.Class = ClassRestarting
	case raw.Running && raw.Health != nil && raw.Health.Status == "unhealthy":
		state.Class = ClassUnhealthy
	case raw.Running && raw.Health != nil && raw.Health.Status == "starting":
		// Health probe still in its start period: transitional, no verdict.
		state.Class = ClassRestarting
	case raw.Running:
		state.Class = ClassHealthy
	default:
		state.Class = ClassStopped
	}
	return state, nil
}

func (e *DockerEngine) MemoryPercent(ctx context.Context, name string) (float64, error) {
	out, err := e.run(ctx, nil, "stats", "--no-stream", "--format", "{{.MemPerc}}", name)
	if err != nil {
		return 0, err
	}
	pct, err := strconv.ParseFloat(strings.TrimSuffix(out, "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("parse memory percent %q: %w", out, err)
	}
	return pct, nil
}

func isNotFound(msg string) bool {
	return strings.Contains(msg, "No such container") || strings.Contains(msg, "No such object")
}

func isImageMissing(msg string) bool {
	return strings.Contains(msg, "Unable to find image") || strings.Contains(msg, "No such image") ||
		strings.Contains(msg, "pull access denied")
}
