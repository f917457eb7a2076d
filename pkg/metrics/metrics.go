// Package metrics exposes the engine's Prometheus collectors: a dedicated
// Registry plus one CounterVec/HistogramVec/Gauge per observed concern.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	RefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "plb",
			Subsystem: "refresh",
			Name:      "phase_duration_seconds",
			Help:      "Duration of each refresh phase.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"phase"},
	)

	MovementsProposed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plb",
			Subsystem: "refresh",
			Name:      "movements_proposed_total",
			Help:      "Total number of replica movements proposed, by action kind.",
		},
		[]string{"action"},
	)

	ViolationsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plb",
			Subsystem: "constraint_check",
			Name:      "violations_detected_total",
			Help:      "Total number of constraint violations detected, by constraint.",
		},
		[]string{"constraint"},
	)

	ViolationsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plb",
			Subsystem: "constraint_check",
			Name:      "violations_resolved_total",
			Help:      "Total number of constraint violations resolved, by constraint.",
		},
		[]string{"constraint"},
	)

	ClusterRemainingCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "plb",
			Subsystem: "cluster",
			Name:      "remaining_unbuffered_capacity",
			Help:      "Cluster-wide remaining unbuffered capacity, by metric.",
		},
		[]string{"metric"},
	)

	ReservedCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "plb",
			Subsystem: "reservation",
			Name:      "reserved_capacity",
			Help:      "Cluster-wide reserved capacity, by metric.",
		},
		[]string{"metric"},
	)

	DomainsDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "plb",
			Subsystem: "domain",
			Name:      "degraded_count",
			Help:      "Number of service domains currently marked degraded.",
		},
	)
)

func init() {
	Registry.MustRegister(
		RefreshDuration,
		MovementsProposed,
		ViolationsDetected,
		ViolationsResolved,
		ClusterRemainingCapacity,
		ReservedCapacity,
		DomainsDegraded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns the HTTP handler serving the engine's metric registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
