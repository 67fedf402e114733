package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubDocker writes an executable shell script standing in for the docker
// CLI and returns a DockerEngine bound to it.
func stubDocker(t *testing.T, script string) *DockerEngine {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "docker")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return NewDockerEngine(bin, zap.NewNop())
}

// inspectStub serves a fixed .State document for any inspect call.
func inspectStub(t *testing.T, stateJSON string) *DockerEngine {
	t.Helper()
	return stubDocker(t, fmt.Sprintf("printf '%%s' '%s'", stateJSON))
}

func TestInspectClassification(t *testing.T) {
	cases := []struct {
		name  string
		state string
		want  Class
	}{
		{
			name:  "running without healthcheck",
			state: `{"Status":"running","Running":true,"StartedAt":"2026-08-30T10:00:00Z"}`,
			want:  ClassHealthy,
		},
		{
			name:  "running and probe healthy",
			state: `{"Status":"running","Running":true,"Health":{"Status":"healthy"}}`,
			want:  ClassHealthy,
		},
		{
			name:  "running but probe unhealthy",
			state: `{"Status":"running","Running":true,"Health":{"Status":"unhealthy"}}`,
			want:  ClassUnhealthy,
		},
		{
			name:  "probe still in start period",
			state: `{"Status":"running","Running":true,"Health":{"Status":"starting"}}`,
			want:  ClassRestarting,
		},
		{
			name:  "engine restart in progress",
			state: `{"Status":"restarting","Restarting":true}`,
			want:  ClassRestarting,
		},
		{
			name:  "exited",
			state: `{"Status":"exited","ExitCode":137,"OOMKilled":true}`,
			want:  ClassStopped,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := inspectStub(t, tc.state)
			state, err := e.Inspect(context.Background(), "warden-abc")
			require.NoError(t, err)
			assert.Equal(t, tc.want, state.Class)
		})
	}
}

func TestInspectExitDetails(t *testing.T) {
	e := inspectStub(t, `{"Status":"exited","ExitCode":137,"OOMKilled":true}`)
	state, err := e.Inspect(context.Background(), "warden-abc")
	require.NoError(t, err)
	assert.Equal(t, 137, state.ExitCode)
	assert.True(t, state.OOMKilled)
}

func TestInspectMissingContainer(t *testing.T) {
	e := stubDocker(t, `echo "Error: No such container: warden-abc" >&2; exit 1`)
	state, err := e.Inspect(context.Background(), "warden-abc")
	require.NoError(t, err)
	assert.Equal(t, ClassMissing, state.Class)
}

func TestInspectEngineFault(t *testing.T) {
	e := stubDocker(t, `echo "Cannot connect to the Docker daemon" >&2; exit 1`)
	_, err := e.Inspect(context.Background(), "warden-abc")
	assert.ErrorContains(t, err, "Cannot connect")
}

func TestCreateKeepsSecretsOutOfArgv(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	envFile := filepath.Join(t.TempDir(), "env")
	e := stubDocker(t, fmt.Sprintf(`printf '%%s\n' "$@" > %s; env > %s; echo container-id`, argsFile, envFile))

	_, err := e.Create(context.Background(), Spec{
		Name:        "warden-abc",
		Image:       "warden/agent:latest",
		MemoryBytes: 256 << 20,
		CPUShare:    0.25,
		HostPort:    42000,
		Env: map[string]string{
			"API_TOKEN":   "super-secret-value",
			"WARDEN_PORT": "42000",
		},
	})
	require.NoError(t, err)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "API_TOKEN\n", "env name must be passed")
	assert.NotContains(t, string(args), "super-secret-value", "secret value must not reach argv")

	env, err := os.ReadFile(envFile)
	require.NoError(t, err)
	assert.Contains(t, string(env), "API_TOKEN=super-secret-value", "docker client reads the value from its environment")
}

func TestCreateMissingImage(t *testing.T) {
	e := stubDocker(t, `echo "Unable to find image 'warden/agent:latest' locally" >&2; exit 1`)
	_, err := e.Create(context.Background(), Spec{Name: "warden-abc", Image: "warden/agent:latest"})
	assert.ErrorIs(t, err, ErrImageMissing)
}

func TestStopToleratesMissingContainer(t *testing.T) {
	e := stubDocker(t, `echo "Error response from daemon: No such container: warden-abc" >&2; exit 1`)
	assert.NoError(t, e.Stop(context.Background(), "warden-abc", 5*time.Second))
	assert.NoError(t, e.Remove(context.Background(), "warden-abc"))
}

func TestMemoryPercent(t *testing.T) {
	e := stubDocker(t, `printf '42.75%%'`)
	pct, err := e.MemoryPercent(context.Background(), "warden-abc")
	require.NoError(t, err)
	assert.InDelta(t, 42.75, pct, 0.001)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	// The shell is the direct child; the sleeps are grandchildren that
	// survive the kill and keep holding the output pipes. The call must
	// still return shortly after the deadline instead of waiting them out.
	e := stubDocker(t, `sleep 60 & sleep 60`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Inspect(ctx, "warden-abc")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, strings.Contains(err.Error(), "killed") || strings.Contains(err.Error(), "context"),
		"unexpected error: %v", err)
}
