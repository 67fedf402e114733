// Package engine is the typed client for the host's container engine. The
// orchestrator and watchdog speak only this interface; they never assemble
// engine commands themselves.
package engine

import (
	"context"
	"errors"
	"time"
)

// Class is the watchdog's classification of observed container state.
type Class string

const (
	ClassHealthy    Class = "running-healthy"
	ClassUnhealthy  Class = "running-unhealthy"
	ClassRestarting Class = "restarting"
	ClassStopped    Class = "stopped"
	ClassMissing    Class = "missing"
)

// ErrImageMissing marks a fault no amount of restarting can fix: the
// configured sandbox image does not exist on the host.
var ErrImageMissing = errors.New("container image missing")

// Spec describes one tenant container to create. Env values are injected at
// start time only; they are never baked into an image layer.
type Spec struct {
	Name          string
	Image         string
	MemoryBytes   int64
	CPUShare      float64
	Env           map[string]string
	HostPort      int
	ContainerPort int
	WorkspaceDir  string
	Network       string
	Labels        map[string]string
}

// State is the observed runtime state of one container.
type State struct {
	Class     Class
	Status    string
	ExitCode  int
	OOMKilled bool
	StartedAt time.Time
}

type Engine interface {
	// Create creates the container and returns its engine-assigned ID.
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string) error

	// Inspect reports observed state. A container unknown to the engine
	// yields ClassMissing with a nil error.
	Inspect(ctx context.Context, name string) (*State, error)

	// MemoryPercent reports current memory usage as a percentage of the
	// container's limit.
	MemoryPercent(ctx context.Context, name string) (float64, error)
}
