package db

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no tenant matches the lookup.
	ErrNotFound = errors.New("tenant not found")
	// ErrAlreadyExists is returned when the external identity is already
	// bound to a non-deleted tenant.
	ErrAlreadyExists = errors.New("tenant already exists")
	// ErrConflict is returned by CompareAndSetStatus when the expected
	// status does not match the current one.
	ErrConflict = errors.New("status conflict")
	// ErrCapacityExhausted is returned when the port pool is empty.
	ErrCapacityExhausted = errors.New("capacity exhausted")
)

// Registry is the single source of truth for tenant state. Status is only
// ever mutated through CompareAndSetStatus or MarkDeleted, which is what
// keeps concurrent watchdog and API actors safe without a lock service.
type Registry interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	GetByExternalID(ctx context.Context, externalID string) (*Tenant, error)
	List(ctx context.Context, filter TenantFilter) ([]*Tenant, error)
	Create(ctx context.Context, t *Tenant) error
	Update(ctx context.Context, t *Tenant) error

	// CompareAndSetStatus atomically moves the tenant from expected to next
	// and appends a ContainerEvent in the same transaction. Moving to
	// StatusHealthy resets restart_count and stamps last_healthy_at.
	// Returns ErrConflict if the current status is not expected, and always
	// refuses to transition out of StatusDeleted.
	CompareAndSetStatus(ctx context.Context, id string, expected, next TenantStatus, detail string) error

	// IncrementRestartCount atomically bumps the consecutive-failure counter
	// and returns the new value.
	IncrementRestartCount(ctx context.Context, id string) (int, error)

	// MarkDeleted moves any non-deleted tenant to the terminal deleted state.
	MarkDeleted(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, e *ContainerEvent) error
	ListEvents(ctx context.Context, limit int) ([]*ContainerEvent, error)

	// AllocatePort claims the lowest free port from the bounded pool for the
	// tenant. Returns ErrCapacityExhausted when the pool is empty.
	AllocatePort(ctx context.Context, tenantID string) (int, error)
	ReleasePort(ctx context.Context, tenantID string) error

	RecordUsage(ctx context.Context, u *UsageLog) error
	GetUsage(ctx context.Context, tenantID string, days int) ([]*UsageLog, error)

	// OpenIncident returns the open incident for (tenant, kind), creating it
	// if none is open. The second result reports whether it was created.
	OpenIncident(ctx context.Context, tenantID, kind string) (*Incident, bool, error)
	UpdateIncident(ctx context.Context, inc *Incident) error
	CloseIncident(ctx context.Context, tenantID, kind string) error

	FleetSummary(ctx context.Context) (*FleetSummary, error)
}
