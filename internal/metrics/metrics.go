// Package metrics exposes the daemon's own operational counters on
// /metrics. Upstream guest data is never exported here; only polling
// and reconciliation health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "backwatch",
		Subsystem: "poller",
		Name:      "poll_duration_seconds",
		Help:      "Duration of one poll of one endpoint.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint", "kind"})

	PollFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backwatch",
		Subsystem: "poller",
		Name:      "poll_failures_total",
		Help:      "Failed polls by endpoint and fault kind.",
	}, []string{"endpoint", "fault"})

	Generation = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "backwatch",
		Subsystem: "reconciler",
		Name:      "generation",
		Help:      "Current aggregate state generation.",
	})

	GuestCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "backwatch",
		Subsystem: "reconciler",
		Name:      "guests",
		Help:      "Guests in the current aggregate state.",
	})

	ReconcileConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "backwatch",
		Subsystem: "reconciler",
		Name:      "conflicts_total",
		Help:      "Observations that could not be merged cleanly.",
	})

	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "backwatch",
		Subsystem: "notifier",
		Name:      "notifications_total",
		Help:      "Change notifications delivered to subscribers.",
	})
)
