// Package alerts delivers deduplicated notifications for tenant state
// transitions. The unit of deduplication is the incident: the span from a
// tenant first observed in trouble until it next recovers.
package alerts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentwarden/warden/internal/db"
	"github.com/agentwarden/warden/internal/metrics"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Incident kinds.
const (
	KindUnhealthy = "unhealthy"
	KindMemory    = "memory"
	KindFatal     = "fatal"
)

// Notifier is the delivery channel. Delivery is best effort: failures are
// logged and counted, never retried in-loop, and never block reconciliation.
type Notifier interface {
	Send(ctx context.Context, a Alert) error
}

type Alert struct {
	Severity Severity `json:"severity"`
	TenantID string   `json:"tenant_id"`
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
}

type Dispatcher struct {
	registry db.Registry
	notifier Notifier
	metrics  *metrics.Collector
	timeout  time.Duration
	logger   *zap.Logger
}

func NewDispatcher(registry db.Registry, notifier Notifier, collector *metrics.Collector, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		registry: registry,
		notifier: notifier,
		metrics:  collector,
		timeout:  timeout,
		logger:   logger,
	}
}

// Notify delivers at most one alert per open incident, with one exception:
// an escalation to critical inside an incident that has not yet delivered a
// critical still goes out. Info-level events are logged only.
func (d *Dispatcher) Notify(ctx context.Context, severity Severity, tenantID, kind, message string) {
	if severity == SeverityInfo {
		d.logger.Info("Tenant event",
			zap.String("tenant_id", tenantID),
			zap.String("kind", kind),
			zap.String("message", message),
		)
		return
	}

	inc, created, err := d.registry.OpenIncident(ctx, tenantID, kind)
	if err != nil {
		d.logger.Error("Failed to open incident", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}

	deliver := created || (severity == SeverityCritical && !inc.CriticalSent)
	if !deliver {
		inc.AlertsSuppressed++
		if err := d.registry.UpdateIncident(ctx, inc); err != nil {
			d.logger.Error("Failed to record suppressed alert", zap.Error(err))
		}
		if d.metrics != nil {
			d.metrics.RecordAlert(string(severity), true)
		}
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	alert := Alert{Severity: severity, TenantID: tenantID, Kind: kind, Message: message}
	if err := d.notifier.Send(sendCtx, alert); err != nil {
		d.logger.Warn("Alert delivery failed",
			zap.String("tenant_id", tenantID),
			zap.String("severity", string(severity)),
			zap.Error(err),
		)
	}

	inc.AlertsSent++
	if severity == SeverityCritical {
		inc.CriticalSent = true
	}
	if d.metrics != nil {
		d.metrics.RecordAlert(string(severity), false)
	}
	if err := d.registry.UpdateIncident(ctx, inc); err != nil {
		d.logger.Error("Failed to update incident", zap.Error(err))
	}

	if err := d.registry.AppendEvent(ctx, &db.ContainerEvent{
		TenantID: tenantID,
		Type:     db.EventAlert,
		Details:  fmt.Sprintf("[%s] %s: %s", severity, kind, message),
	}); err != nil {
		d.logger.Error("Failed to append alert event", zap.Error(err))
	}
}

// Resolve closes the open incident of the given kind, re-arming delivery
// for the next one.
func (d *Dispatcher) Resolve(ctx context.Context, tenantID, kind string) {
	if err := d.registry.CloseIncident(ctx, tenantID, kind); err != nil {
		d.logger.Error("Failed to close incident",
			zap.String("tenant_id", tenantID),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}
