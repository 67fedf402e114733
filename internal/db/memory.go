package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwarden/warden/internal/plan"
)

// MemoryRegistry is a mutex-guarded Registry with the same semantics as the
// Postgres store. It backs tests and database-less development runs.
type MemoryRegistry struct {
	mu        sync.Mutex
	tenants   map[string]*Tenant
	events    []*ContainerEvent
	usage     map[string][]*UsageLog
	incidents []*Incident
	ports     map[int]string // port -> tenant id, "" when free
}

func NewMemoryRegistry(portFrom, portCount int) *MemoryRegistry {
	ports := make(map[int]string, portCount)
	for p := portFrom; p < portFrom+portCount; p++ {
		ports[p] = ""
	}
	return &MemoryRegistry{
		tenants: make(map[string]*Tenant),
		usage:   make(map[string][]*UsageLog),
		ports:   ports,
	}
}

var _ Registry = (*MemoryRegistry)(nil)

func (m *MemoryRegistry) Get(ctx context.Context, id string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok || t.Status == StatusDeleted {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryRegistry) GetByExternalID(ctx context.Context, externalID string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.ExternalID == externalID && t.Status != StatusDeleted {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRegistry) List(ctx context.Context, filter TenantFilter) ([]*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Tenant{}
	for _, t := range m.tenants {
		if t.Status == StatusDeleted {
			continue
		}
		if filter.Active && !t.Active {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, s := range filter.Statuses {
				if t.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRegistry) Create(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tenants {
		if existing.ExternalID == t.ExternalID && existing.Status != StatusDeleted {
			return ErrAlreadyExists
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	cp := *t
	m.tenants[t.ID] = &cp
	m.appendEventLocked(&ContainerEvent{
		TenantID: t.ID,
		Type:     EventCreate,
		Details:  fmt.Sprintf("tenant created on plan %s", t.Plan),
	})
	return nil
}

func (m *MemoryRegistry) Update(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tenants[t.ID]
	if !ok || cur.Status == StatusDeleted {
		return ErrNotFound
	}
	cur.DisplayName = t.DisplayName
	cur.Plan = t.Plan
	cur.ContainerPort = t.ContainerPort
	cur.WorkspacePath = t.WorkspacePath
	cur.SecretsSealed = t.SecretsSealed
	cur.Active = t.Active
	return nil
}

func (m *MemoryRegistry) CompareAndSetStatus(ctx context.Context, id string, expected, next TenantStatus, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	if expected.Terminal() || t.Status != expected {
		return ErrConflict
	}
	t.Status = next
	if next == StatusHealthy {
		t.RestartCount = 0
		now := time.Now().UTC()
		t.LastHealthyAt = &now
	}
	m.appendEventLocked(&ContainerEvent{
		TenantID: id,
		Type:     eventForTransition(next),
		Details:  fmt.Sprintf("%s -> %s: %s", expected, next, detail),
	})
	return nil
}

func (m *MemoryRegistry) IncrementRestartCount(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok || t.Status == StatusDeleted {
		return 0, ErrNotFound
	}
	t.RestartCount++
	return t.RestartCount, nil
}

func (m *MemoryRegistry) MarkDeleted(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok || t.Status == StatusDeleted {
		return ErrNotFound
	}
	now := time.Now().UTC()
	t.Status = StatusDeleted
	t.Active = false
	t.DeletedAt = &now
	m.appendEventLocked(&ContainerEvent{TenantID: id, Type: EventDelete, Details: "tenant retired"})
	return nil
}

func (m *MemoryRegistry) appendEventLocked(e *ContainerEvent) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, e)
}

func (m *MemoryRegistry) AppendEvent(ctx context.Context, e *ContainerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEventLocked(e)
	return nil
}

func (m *MemoryRegistry) ListEvents(ctx context.Context, limit int) ([]*ContainerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*ContainerEvent{}
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.events[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryRegistry) AllocatePort(ctx context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	free := []int{}
	for p, owner := range m.ports {
		if owner == "" {
			free = append(free, p)
		}
	}
	if len(free) == 0 {
		return 0, ErrCapacityExhausted
	}
	sort.Ints(free)
	port := free[0]
	m.ports[port] = tenantID
	if t, ok := m.tenants[tenantID]; ok {
		t.ContainerPort = &port
	}
	return port, nil
}

func (m *MemoryRegistry) ReleasePort(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, owner := range m.ports {
		if owner == tenantID {
			m.ports[p] = ""
		}
	}
	if t, ok := m.tenants[tenantID]; ok {
		t.ContainerPort = nil
	}
	return nil
}

func (m *MemoryRegistry) RecordUsage(ctx context.Context, u *UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := u.Date.Truncate(24 * time.Hour)
	for _, existing := range m.usage[u.TenantID] {
		if existing.Date.Equal(day) {
			existing.MessageCount += u.MessageCount
			existing.TokenCount += u.TokenCount
			return nil
		}
	}
	m.usage[u.TenantID] = append(m.usage[u.TenantID], &UsageLog{
		TenantID:     u.TenantID,
		Date:         day,
		MessageCount: u.MessageCount,
		TokenCount:   u.TokenCount,
	})
	return nil
}

func (m *MemoryRegistry) GetUsage(ctx context.Context, tenantID string, days int) ([]*UsageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	out := []*UsageLog{}
	for _, u := range m.usage[tenantID] {
		if u.Date.After(cutoff) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func (m *MemoryRegistry) OpenIncident(ctx context.Context, tenantID, kind string) (*Incident, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range m.incidents {
		if inc.TenantID == tenantID && inc.Kind == kind && inc.ClosedAt == nil {
			cp := *inc
			return &cp, false, nil
		}
	}
	inc := &Incident{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Kind:     kind,
		OpenedAt: time.Now().UTC(),
	}
	m.incidents = append(m.incidents, inc)
	cp := *inc
	return &cp, true, nil
}

func (m *MemoryRegistry) UpdateIncident(ctx context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.incidents {
		if existing.ID == inc.ID {
			existing.AlertsSent = inc.AlertsSent
			existing.AlertsSuppressed = inc.AlertsSuppressed
			existing.CriticalSent = inc.CriticalSent
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryRegistry) CloseIncident(ctx context.Context, tenantID, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range m.incidents {
		if inc.TenantID == tenantID && inc.Kind == kind && inc.ClosedAt == nil {
			now := time.Now().UTC()
			inc.ClosedAt = &now
		}
	}
	return nil
}

func (m *MemoryRegistry) FleetSummary(ctx context.Context) (*FleetSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := &FleetSummary{
		ByPlan:   map[plan.Plan]int{},
		ByStatus: map[TenantStatus]int{},
	}
	for _, t := range m.tenants {
		if t.Status == StatusDeleted {
			continue
		}
		summary.Total++
		summary.ByPlan[t.Plan]++
		summary.ByStatus[t.Status]++
		switch t.Status {
		case StatusHealthy, StatusStarting, StatusRestarting, StatusUnhealthy:
			summary.Running++
		}
	}
	for _, owner := range m.ports {
		if owner == "" {
			summary.PortsFree++
		} else {
			summary.PortsInUse++
		}
	}
	summary.MaxTenants = summary.PortsFree + summary.PortsInUse
	return summary, nil
}
