package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/agentwarden/warden/internal/plan"
)

const pqUniqueViolation = "23505"

type Repository struct {
	db *sqlx.DB
}

func NewConnection(databaseURL string, maxConns, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

var _ Registry = (*Repository)(nil)

// Tenant operations

func (r *Repository) Get(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	query := `SELECT * FROM users WHERE id = $1 AND status != 'deleted'`
	err := r.db.GetContext(ctx, &t, query, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) GetByExternalID(ctx context.Context, externalID string) (*Tenant, error) {
	var t Tenant
	query := `SELECT * FROM users WHERE external_id = $1 AND status != 'deleted'`
	err := r.db.GetContext(ctx, &t, query, externalID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) List(ctx context.Context, filter TenantFilter) ([]*Tenant, error) {
	tenants := []*Tenant{}
	query := `SELECT * FROM users WHERE status != 'deleted'`
	args := []interface{}{}
	if filter.Active {
		query += ` AND active = true`
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query += ` AND status = ANY($1)`
		args = append(args, pq.Array(statuses))
	}
	query += ` ORDER BY created_at`

	err := r.db.SelectContext(ctx, &tenants, query, args...)
	return tenants, err
}

func (r *Repository) Create(ctx context.Context, t *Tenant) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO users (
			id, external_id, display_name, plan, container_name,
			container_port, workspace_path, status, restart_count,
			secrets, active, created_at
		) VALUES (
			:id, :external_id, :display_name, :plan, :container_name,
			:container_port, :workspace_path, :status, :restart_count,
			:secrets, :active, :created_at
		)`

	if _, err := tx.NamedExecContext(ctx, query, t); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			return ErrAlreadyExists
		}
		return err
	}

	if err := appendEventTx(ctx, tx, &ContainerEvent{
		TenantID: t.ID,
		Type:     EventCreate,
		Details:  fmt.Sprintf("tenant created on plan %s", t.Plan),
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) Update(ctx context.Context, t *Tenant) error {
	query := `
		UPDATE users SET
			display_name = :display_name,
			plan = :plan,
			container_port = :container_port,
			workspace_path = :workspace_path,
			secrets = :secrets,
			active = :active
		WHERE id = :id AND status != 'deleted'`

	res, err := r.db.NamedExecContext(ctx, query, t)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSetStatus is the sole status mutation path. The conditional
// single-row UPDATE is the system's concurrency backbone: a stale actor
// simply gets ErrConflict and re-reads on its next pass.
func (r *Repository) CompareAndSetStatus(ctx context.Context, id string, expected, next TenantStatus, detail string) error {
	if expected.Terminal() {
		return ErrConflict
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		UPDATE users SET
			status = $1,
			restart_count = CASE WHEN $1 = 'healthy' THEN 0 ELSE restart_count END,
			last_healthy_at = CASE WHEN $1 = 'healthy' THEN NOW() ELSE last_healthy_at END
		WHERE id = $2 AND status = $3`

	res, err := tx.ExecContext(ctx, query, next, id, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing tenant from a stale expectation.
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	if err := appendEventTx(ctx, tx, &ContainerEvent{
		TenantID: id,
		Type:     eventForTransition(next),
		Details:  fmt.Sprintf("%s -> %s: %s", expected, next, detail),
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) IncrementRestartCount(ctx context.Context, id string) (int, error) {
	var count int
	query := `
		UPDATE users SET restart_count = restart_count + 1
		WHERE id = $1 AND status != 'deleted'
		RETURNING restart_count`
	err := r.db.GetContext(ctx, &count, query, id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return count, err
}

func (r *Repository) MarkDeleted(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		UPDATE users SET status = 'deleted', active = false, deleted_at = NOW()
		WHERE id = $1 AND status != 'deleted'`
	res, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := appendEventTx(ctx, tx, &ContainerEvent{
		TenantID: id,
		Type:     EventDelete,
		Details:  "tenant retired",
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// Events

func appendEventTx(ctx context.Context, tx *sqlx.Tx, e *ContainerEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO container_events (id, tenant_id, event_type, details, created_at)
		VALUES (:id, :tenant_id, :event_type, :details, :created_at)`
	_, err := tx.NamedExecContext(ctx, query, e)
	return err
}

func (r *Repository) AppendEvent(ctx context.Context, e *ContainerEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := appendEventTx(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) ListEvents(ctx context.Context, limit int) ([]*ContainerEvent, error) {
	events := []*ContainerEvent{}
	query := `SELECT * FROM container_events ORDER BY created_at DESC LIMIT $1`
	err := r.db.SelectContext(ctx, &events, query, limit)
	return events, err
}

// Port pool. Ports are claimed and released only here, never by the
// orchestrator directly, so two concurrent provisions can never share one.

func (r *Repository) EnsurePortPool(ctx context.Context, from, count int) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for port := from; port < from+count; port++ {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO container_ports (port) VALUES ($1) ON CONFLICT (port) DO NOTHING`,
			port); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) AllocatePort(ctx context.Context, tenantID string) (int, error) {
	var port int
	query := `
		UPDATE container_ports SET tenant_id = $1
		WHERE port = (
			SELECT port FROM container_ports
			WHERE tenant_id IS NULL
			ORDER BY port
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING port`
	err := r.db.GetContext(ctx, &port, query, tenantID)
	if err == sql.ErrNoRows {
		return 0, ErrCapacityExhausted
	}
	if err != nil {
		return 0, err
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE users SET container_port = $1 WHERE id = $2`, port, tenantID); err != nil {
		return 0, err
	}
	return port, nil
}

func (r *Repository) ReleasePort(ctx context.Context, tenantID string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE container_ports SET tenant_id = NULL WHERE tenant_id = $1`, tenantID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET container_port = NULL WHERE id = $1`, tenantID)
	return err
}

// Usage logs

func (r *Repository) RecordUsage(ctx context.Context, u *UsageLog) error {
	query := `
		INSERT INTO usage_logs (tenant_id, date, message_count, token_count)
		VALUES (:tenant_id, :date, :message_count, :token_count)
		ON CONFLICT (tenant_id, date) DO UPDATE SET
			message_count = usage_logs.message_count + EXCLUDED.message_count,
			token_count = usage_logs.token_count + EXCLUDED.token_count`
	_, err := r.db.NamedExecContext(ctx, query, u)
	return err
}

func (r *Repository) GetUsage(ctx context.Context, tenantID string, days int) ([]*UsageLog, error) {
	logs := []*UsageLog{}
	query := `
		SELECT * FROM usage_logs
		WHERE tenant_id = $1 AND date > NOW() - ($2 || ' days')::interval
		ORDER BY date DESC`
	err := r.db.SelectContext(ctx, &logs, query, tenantID, days)
	return logs, err
}

// Incidents

func (r *Repository) OpenIncident(ctx context.Context, tenantID, kind string) (*Incident, bool, error) {
	var inc Incident
	query := `SELECT * FROM incidents WHERE tenant_id = $1 AND kind = $2 AND closed_at IS NULL`
	err := r.db.GetContext(ctx, &inc, query, tenantID, kind)
	if err == nil {
		return &inc, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	inc = Incident{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Kind:     kind,
		OpenedAt: time.Now().UTC(),
	}
	insert := `
		INSERT INTO incidents (id, tenant_id, kind, opened_at, alerts_sent, alerts_suppressed, critical_sent)
		VALUES (:id, :tenant_id, :kind, :opened_at, 0, 0, false)`
	if _, err := r.db.NamedExecContext(ctx, insert, &inc); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			// Lost the race: another actor opened it first.
			if err := r.db.GetContext(ctx, &inc, query, tenantID, kind); err != nil {
				return nil, false, err
			}
			return &inc, false, nil
		}
		return nil, false, err
	}
	return &inc, true, nil
}

func (r *Repository) UpdateIncident(ctx context.Context, inc *Incident) error {
	query := `
		UPDATE incidents SET
			alerts_sent = :alerts_sent,
			alerts_suppressed = :alerts_suppressed,
			critical_sent = :critical_sent
		WHERE id = :id`
	_, err := r.db.NamedExecContext(ctx, query, inc)
	return err
}

func (r *Repository) CloseIncident(ctx context.Context, tenantID, kind string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE incidents SET closed_at = NOW() WHERE tenant_id = $1 AND kind = $2 AND closed_at IS NULL`,
		tenantID, kind)
	return err
}

// Fleet summary

func (r *Repository) FleetSummary(ctx context.Context) (*FleetSummary, error) {
	summary := &FleetSummary{
		ByPlan:   map[plan.Plan]int{},
		ByStatus: map[TenantStatus]int{},
	}

	rows, err := r.db.QueryxContext(ctx,
		`SELECT plan, status, COUNT(*) FROM users WHERE status != 'deleted' GROUP BY plan, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p plan.Plan
		var s TenantStatus
		var n int
		if err := rows.Scan(&p, &s, &n); err != nil {
			return nil, err
		}
		summary.ByPlan[p] += n
		summary.ByStatus[s] += n
		summary.Total += n
		if s == StatusHealthy || s == StatusStarting || s == StatusRestarting || s == StatusUnhealthy {
			summary.Running += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.db.GetContext(ctx, &summary.PortsInUse,
		`SELECT COUNT(*) FROM container_ports WHERE tenant_id IS NOT NULL`); err != nil {
		return nil, err
	}
	if err := r.db.GetContext(ctx, &summary.PortsFree,
		`SELECT COUNT(*) FROM container_ports WHERE tenant_id IS NULL`); err != nil {
		return nil, err
	}
	summary.MaxTenants = summary.PortsInUse + summary.PortsFree

	return summary, nil
}

func eventForTransition(next TenantStatus) EventType {
	switch next {
	case StatusStarting, StatusHealthy:
		return EventStart
	case StatusRestarting:
		return EventRestart
	case StatusStopped, StatusStoppedExhausted:
		return EventStop
	case StatusDeleted:
		return EventDelete
	default:
		return EventStatus
	}
}
