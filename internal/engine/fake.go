package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeEngine is a scriptable in-memory Engine used by orchestrator and
// watchdog tests. Inspect returns ClassMissing for unknown names, matching
// the contract of the real engine.
type FakeEngine struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer

	// NextState overrides the class reported by Inspect per container name.
	nextState map[string]Class
	// InspectDelay simulates a slow engine call per container name.
	inspectDelay map[string]time.Duration

	memPercent map[string]float64

	CreateErr error
	StartErr  error
	StopErr   error

	Created   []Spec
	Starts    []string
	Stops     []string
	Removes   []string
	inspected map[string]int
}

type fakeContainer struct {
	spec    Spec
	running bool
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		containers:   make(map[string]*fakeContainer),
		nextState:    make(map[string]Class),
		inspectDelay: make(map[string]time.Duration),
		memPercent:   make(map[string]float64),
		inspected:    make(map[string]int),
	}
}

var _ Engine = (*FakeEngine)(nil)

// SetClass scripts the class Inspect reports for name.
func (f *FakeEngine) SetClass(name string, class Class) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextState[name] = class
}

// SetInspectDelay makes Inspect for name block for d (or until ctx expires).
func (f *FakeEngine) SetInspectDelay(name string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspectDelay[name] = d
}

func (f *FakeEngine) SetMemoryPercent(name string, pct float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memPercent[name] = pct
}

func (f *FakeEngine) InspectCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inspected[name]
}

func (f *FakeEngine) Create(ctx context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	if _, exists := f.containers[spec.Name]; exists {
		return "", fmt.Errorf("container name %s already in use", spec.Name)
	}
	f.containers[spec.Name] = &fakeContainer{spec: spec}
	f.Created = append(f.Created, spec)
	return "fake-" + spec.Name, nil
}

func (f *FakeEngine) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.containers[name]
	if !ok {
		return fmt.Errorf("no such container: %s", name)
	}
	c.running = true
	f.Starts = append(f.Starts, name)
	return nil
}

func (f *FakeEngine) Stop(ctx context.Context, name string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StopErr != nil {
		return f.StopErr
	}
	if c, ok := f.containers[name]; ok {
		c.running = false
	}
	f.Stops = append(f.Stops, name)
	return nil
}

func (f *FakeEngine) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
	delete(f.nextState, name)
	f.Removes = append(f.Removes, name)
	return nil
}

func (f *FakeEngine) Inspect(ctx context.Context, name string) (*State, error) {
	f.mu.Lock()
	delay := f.inspectDelay[name]
	f.inspected[name]++
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if class, ok := f.nextState[name]; ok {
		return &State{Class: class, Status: string(class)}, nil
	}
	c, ok := f.containers[name]
	if !ok {
		return &State{Class: ClassMissing, Status: "missing"}, nil
	}
	if c.running {
		return &State{Class: ClassHealthy, Status: "running", StartedAt: time.Now()}, nil
	}
	return &State{Class: ClassStopped, Status: "exited"}, nil
}

func (f *FakeEngine) MemoryPercent(ctx context.Context, name string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memPercent[name], nil
}

// Running reports whether the fake container exists and is started.
func (f *FakeEngine) Running(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	return ok && c.running
}

// Exists reports whether the fake container exists at all.
func (f *FakeEngine) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok
}
