package db

import (
	"time"

	"github.com/agentwarden/warden/internal/plan"
)

type TenantStatus string

const (
	StatusUnprovisioned    TenantStatus = "unprovisioned"
	StatusProvisioning     TenantStatus = "provisioning"
	StatusStarting         TenantStatus = "starting"
	StatusHealthy          TenantStatus = "healthy"
	StatusUnhealthy        TenantStatus = "unhealthy"
	StatusRestarting       TenantStatus = "restarting"
	StatusStopped          TenantStatus = "stopped"
	StatusStoppedExhausted TenantStatus = "stopped_exhausted"
	StatusDeleted          TenantStatus = "deleted"
)

// Terminal reports whether no further status transition is allowed.
func (s TenantStatus) Terminal() bool {
	return s == StatusDeleted
}

type EventType string

const (
	EventCreate  EventType = "create"
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventRestart EventType = "restart"
	EventDelete  EventType = "delete"
	EventAlert   EventType = "alert"
	EventStatus  EventType = "status_change"
)

// Tenant is one subscriber's sandbox record. Secrets are stored sealed and
// are never serialized into API responses.
type Tenant struct {
	ID            string       `json:"id" db:"id"`
	ExternalID    string       `json:"external_id" db:"external_id"`
	DisplayName   string       `json:"display_name" db:"display_name"`
	Plan          plan.Plan    `json:"plan" db:"plan"`
	ContainerName string       `json:"container_name" db:"container_name"`
	ContainerPort *int         `json:"container_port,omitempty" db:"container_port"`
	WorkspacePath string       `json:"workspace_path" db:"workspace_path"`
	Status        TenantStatus `json:"status" db:"status"`
	RestartCount  int          `json:"restart_count" db:"restart_count"`
	SecretsSealed []byte       `json:"-" db:"secrets"`
	Active        bool         `json:"active" db:"active"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	LastHealthyAt *time.Time   `json:"last_healthy_at,omitempty" db:"last_healthy_at"`
	DeletedAt     *time.Time   `json:"-" db:"deleted_at"`
}

// ContainerEvent is an append-only audit record. Details must never carry
// raw secret values.
type ContainerEvent struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Type      EventType `json:"event_type" db:"event_type"`
	Details   string    `json:"details" db:"details"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// UsageLog is one tenant-day of agent activity, reported by the sandboxed
// agent itself. The controller only reads it to surface budget standing.
type UsageLog struct {
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	Date         time.Time `json:"date" db:"date"`
	MessageCount int       `json:"message_count" db:"message_count"`
	TokenCount   int64     `json:"token_count" db:"token_count"`
}

// Incident is the unit of alert deduplication: the span from a tenant first
// observed in trouble until it next recovers.
type Incident struct {
	ID               string     `json:"id" db:"id"`
	TenantID         string     `json:"tenant_id" db:"tenant_id"`
	Kind             string     `json:"kind" db:"kind"`
	OpenedAt         time.Time  `json:"opened_at" db:"opened_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	AlertsSent       int        `json:"alerts_sent" db:"alerts_sent"`
	AlertsSuppressed int        `json:"alerts_suppressed" db:"alerts_suppressed"`
	CriticalSent     bool       `json:"critical_sent" db:"critical_sent"`
}

type TenantFilter struct {
	Active   bool
	Statuses []TenantStatus
}

// FleetSummary is the dashboard overview shape.
type FleetSummary struct {
	Total      int                  `json:"total"`
	Running    int                  `json:"running"`
	ByPlan     map[plan.Plan]int    `json:"by_plan"`
	ByStatus   map[TenantStatus]int `json:"by_status"`
	MaxTenants int                  `json:"max_tenants"`
	PortsInUse int                  `json:"ports_in_use"`
	PortsFree  int                  `json:"ports_free"`
}
