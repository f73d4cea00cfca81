// Package metrics exposes a Prometheus registry for the control-plane daemon.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds every metric the daemon exports.
type Registry struct {
	// Probe Engine
	ProbeLatencyMs *prometheus.HistogramVec
	ProbeLoss      *prometheus.GaugeVec
	ProbesTotal    *prometheus.CounterVec

	// Health State Machine
	HealthTransitions *prometheus.CounterVec
	UplinkHealth      *prometheus.GaugeVec // 0=unknown 1=testing 2=healthy 3=degraded 4=failed
	ConsecutiveFail   *prometheus.GaugeVec

	// Route Programmer
	RouteRebuilds  *prometheus.CounterVec
	ActiveNexthops prometheus.Gauge

	// Flow Classifier & Sticky Table
	StickyFlows   prometheus.Gauge
	FlowsExpired  prometheus.Counter
	FlowsPinned   *prometheus.CounterVec

	// Control API
	ConfigReloads *prometheus.CounterVec
	CtlplaneOps   *prometheus.CounterVec

	Uptime prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.ProbeLatencyMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fathomd_probe_latency_ms",
		Help:    "Observed reachability probe latency per uplink",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000, 2000},
	}, []string{"uplink"})

	r.ProbeLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fathomd_probe_loss_fraction",
		Help: "Most recent probe loss fraction per uplink",
	}, []string{"uplink"})

	r.ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fathomd_probes_total",
		Help: "Total probes issued per uplink and verdict",
	}, []string{"uplink", "verdict"})

	r.HealthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fathomd_health_transitions_total",
		Help: "Total health-state transitions per uplink and target state",
	}, []string{"uplink", "to"})

	r.UplinkHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fathomd_uplink_health",
		Help: "Current health state per uplink (0=unknown 1=testing 2=healthy 3=degraded 4=failed)",
	}, []string{"uplink"})

	r.ConsecutiveFail = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fathomd_uplink_consecutive_failures",
		Help: "Current consecutive-failure count per uplink",
	}, []string{"uplink"})

	r.RouteRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fathomd_route_rebuilds_total",
		Help: "Total default-route rebuild batches, by outcome",
	}, []string{"outcome"})

	r.ActiveNexthops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fathomd_active_nexthops",
		Help: "Number of nexthops in the currently programmed default route",
	})

	r.StickyFlows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fathomd_sticky_flows",
		Help: "Number of entries currently held in the sticky flow table",
	})

	r.FlowsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fathomd_flows_expired_total",
		Help: "Total flow-table entries pruned by the cleanup sweep",
	})

	r.FlowsPinned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fathomd_flows_pinned_total",
		Help: "Total sticky-class flows pinned to an uplink",
	}, []string{"class", "uplink"})

	r.ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fathomd_config_reloads_total",
		Help: "Total configuration reload attempts, by outcome",
	}, []string{"outcome"})

	r.CtlplaneOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fathomd_ctlplane_operations_total",
		Help: "Total Control API operations, by method and outcome",
	}, []string{"method", "outcome"})

	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fathomd_uptime_seconds",
		Help: "Daemon uptime in seconds",
	})

	return r
}

// RecordProbe records a single ProbeSample's outcome.
func (r *Registry) RecordProbe(uplink, verdict string, latencyMs, lossFraction float64) {
	r.ProbesTotal.WithLabelValues(uplink, verdict).Inc()
	r.ProbeLoss.WithLabelValues(uplink).Set(lossFraction)
	if latencyMs > 0 {
		r.ProbeLatencyMs.WithLabelValues(uplink).Observe(latencyMs)
	}
}

// RecordTransition records a health-state transition.
func (r *Registry) RecordTransition(uplink, to string, healthCode float64, consecutiveFail int) {
	r.HealthTransitions.WithLabelValues(uplink, to).Inc()
	r.UplinkHealth.WithLabelValues(uplink).Set(healthCode)
	r.ConsecutiveFail.WithLabelValues(uplink).Set(float64(consecutiveFail))
}
