package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentwarden/warden/internal/db"
)

type Collector struct {
	registry *prometheus.Registry

	// Fleet state
	tenantsTotal   *prometheus.GaugeVec
	tenantsByState *prometheus.GaugeVec
	portsFree      prometheus.Gauge
	portsInUse     prometheus.Gauge

	// Reconciliation
	passDuration  prometheus.Histogram
	checkDuration *prometheus.HistogramVec
	checksTotal   *prometheus.CounterVec
	engineErrors  prometheus.Counter

	// Recovery
	restartsTotal   *prometheus.CounterVec
	exhaustedTotal  *prometheus.CounterVec
	recoveriesTotal prometheus.Counter

	// Alerting
	alertsDelivered  *prometheus.CounterVec
	alertsSuppressed *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		tenantsTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_tenants_total",
			Help: "Non-deleted tenants by plan",
		}, []string{"plan"}),
		tenantsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_tenants_by_status",
			Help: "Non-deleted tenants by registry status",
		}, []string{"status"}),
		portsFree: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warden_ports_free",
			Help: "Free ports remaining in the allocation pool",
		}),
		portsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warden_ports_in_use",
			Help: "Ports currently bound to tenants",
		}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_reconcile_pass_seconds",
			Help:    "Wall time of one full reconciliation pass",
			Buckets: prometheus.DefBuckets,
		}),
		checkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_check_seconds",
			Help:    "Duration of one per-tenant check",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		checksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_checks_total",
			Help: "Per-tenant checks by observed class",
		}, []string{"class"}),
		engineErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_engine_errors_total",
			Help: "Engine calls that errored or timed out",
		}),
		restartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_restarts_total",
			Help: "Automatic restart attempts by plan",
		}, []string{"plan"}),
		exhaustedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_restart_budget_exhausted_total",
			Help: "Tenants that ran out of restart budget, by plan",
		}, []string{"plan"}),
		recoveriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_recoveries_total",
			Help: "Tenants observed healthy again after trouble",
		}),
		alertsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_alerts_delivered_total",
			Help: "Alerts actually delivered, by severity",
		}, []string{"severity"}),
		alertsSuppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_alerts_suppressed_total",
			Help: "Alerts suppressed by incident dedup, by severity",
		}, []string{"severity"}),
	}
}

func (c *Collector) RecordCheck(class string, duration time.Duration, engineErr bool) {
	c.checksTotal.WithLabelValues(class).Inc()
	result := "ok"
	if engineErr {
		result = "error"
		c.engineErrors.Inc()
	}
	c.checkDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func (c *Collector) RecordPass(duration time.Duration) {
	c.passDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordRestart(plan string) {
	c.restartsTotal.WithLabelValues(plan).Inc()
}

func (c *Collector) RecordExhausted(plan string) {
	c.exhaustedTotal.WithLabelValues(plan).Inc()
}

func (c *Collector) RecordRecovery() {
	c.recoveriesTotal.Inc()
}

func (c *Collector) RecordAlert(severity string, suppressed bool) {
	if suppressed {
		c.alertsSuppressed.WithLabelValues(severity).Inc()
		return
	}
	c.alertsDelivered.WithLabelValues(severity).Inc()
}

// SetFleet refreshes the fleet gauges from a registry summary.
func (c *Collector) SetFleet(s *db.FleetSummary) {
	c.tenantsTotal.Reset()
	for plan, n := range s.ByPlan {
		c.tenantsTotal.WithLabelValues(string(plan)).Set(float64(n))
	}
	c.tenantsByState.Reset()
	for status, n := range s.ByStatus {
		c.tenantsByState.WithLabelValues(string(status)).Set(float64(n))
	}
	c.portsFree.Set(float64(s.PortsFree))
	c.portsInUse.Set(float64(s.PortsInUse))
}

// Handler returns the scrape handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
