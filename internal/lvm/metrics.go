package lvm

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports operational counters for the lvm cache through
// Prometheus, following the registry/namespace pattern used elsewhere in
// the daemon (internal/metrics). A nil *Metrics is valid everywhere in
// this package: every method has a nil-receiver guard so callers that
// don't care about metrics can pass nil to NewCommandRunner/NewCache.
type Metrics struct {
	commandDuration *prometheus.HistogramVec
	commandInflight prometheus.Gauge
	commandErrors   *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
}

// NewMetrics registers the lvm collectors on reg under namespace and
// returns a ready-to-use Metrics. Pass a dedicated *prometheus.Registry
// (as InitPrometheus does for the rest of the daemon) rather than the
// default global one.
func NewMetrics(reg *prometheus.Registry, namespace string) *Metrics {
	m := &Metrics{
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lvm",
			Name:      "command_duration_seconds",
			Help:      "Duration of LVM CLI invocations, labeled by the command verb (pvs, vgcreate, ...).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"verb"}),
		commandInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lvm",
			Name:      "command_inflight",
			Help:      "Number of LVM CLI invocations currently holding a semaphore slot.",
		}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lvm",
			Name:      "command_errors_total",
			Help:      "LVM CLI invocations that returned a nonzero exit code, labeled by verb.",
		}, []string{"verb"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lvm",
			Name:      "cache_requests_total",
			Help:      "Cache lookups, labeled by entity (pv, vg, lv) and outcome (hit, miss).",
			ConstLabels: prometheus.Labels{
				"outcome": "hit",
			},
		}, []string{"entity"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lvm",
			Name:      "cache_requests_total",
			Help:      "Cache lookups, labeled by entity (pv, vg, lv) and outcome (hit, miss).",
			ConstLabels: prometheus.Labels{
				"outcome": "miss",
			},
		}, []string{"entity"}),
	}
	reg.MustRegister(m.commandDuration, m.commandInflight, m.commandErrors, m.cacheHits, m.cacheMisses)
	return m
}

func (m *Metrics) setInflight(n int) {
	if m == nil {
		return
	}
	m.commandInflight.Set(float64(n))
}

// observeCommand starts a timer for argv's verb (argv[0]) and returns a
// stop func that records the elapsed duration. Call stop exactly once,
// typically via defer.
func (m *Metrics) observeCommand(argv []string) func() {
	if m == nil {
		return func() {}
	}
	verb := verbOf(argv)
	start := time.Now()
	return func() {
		m.commandDuration.WithLabelValues(verb).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) recordCommandError(argv []string) {
	if m == nil {
		return
	}
	m.commandErrors.WithLabelValues(verbOf(argv)).Inc()
}

func (m *Metrics) recordHit(entity string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(entity).Inc()
}

func (m *Metrics) recordMiss(entity string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(entity).Inc()
}

func verbOf(argv []string) string {
	for _, a := range argv {
		if a == "" || strings.HasPrefix(a, "-") {
			continue
		}
		return a
	}
	return "unknown"
}
