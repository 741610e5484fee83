// Package metrics exposes the Prometheus counters and gauges Oneiric
// components increment; nothing outside this package imports
// prometheus/client_golang directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the process-wide collector registry. Components register
// into it at init time; the orchestrator exposes it over /metrics.
var Registry = prometheus.NewRegistry()

const namespace = "oneiric"

var (
	// ResolutionsTotal counts resolver.Resolve calls by domain and
	// outcome ("ok", "no_candidate", "override_unsatisfied").
	ResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "resolutions_total",
		Help:      "Total resolve() calls by domain and outcome.",
	}, []string{"domain", "outcome"})

	// SwapsTotal counts lifecycle swaps by domain and outcome.
	SwapsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "swaps_total",
		Help:      "Total swap() calls by domain and outcome (ok, rollback, failed).",
	}, []string{"domain", "outcome"})

	// SwapDuration tracks swap latency.
	SwapDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "swap_duration_seconds",
		Help:      "Swap operation latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"domain"})

	// LifecycleState is a gauge of how many (domain,key) entries are in
	// each lifecycle state right now.
	LifecycleState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "entries_in_state",
		Help:      "Number of lifecycle entries currently in each state.",
	}, []string{"state"})

	// RemoteSyncTotal counts remote loader sync runs by outcome.
	RemoteSyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "sync_total",
		Help:      "Total remote manifest sync attempts by outcome.",
	}, []string{"outcome"})

	// CircuitBreakerState is a gauge: 0=closed, 1=open, 2=half-open, per
	// manifest URL.
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per manifest source (0=closed,1=open,2=half-open).",
	}, []string{"source"})

	// ActivityChanges counts pause/drain/resume transitions.
	ActivityChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "activity",
		Name:      "changes_total",
		Help:      "Total activity state changes by new state.",
	}, []string{"state"})
)

func init() {
	Registry.MustRegister(
		ResolutionsTotal,
		SwapsTotal,
		SwapDuration,
		LifecycleState,
		RemoteSyncTotal,
		CircuitBreakerState,
		ActivityChanges,
	)
}
