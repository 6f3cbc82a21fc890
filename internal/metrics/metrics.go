// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"errors"

	"fieldops/internal/apperr"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerOps counts ledger operations by op (reserve, release, adjust,
	// restock) and result (ok, conflict, error).
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldops",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Inventory ledger operations by result.",
	}, []string{"op", "result"})

	IntegrityViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldops",
		Subsystem: "ledger",
		Name:      "integrity_violations_total",
		Help:      "Detected mismatches between project products and allocations.",
	})

	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldops",
		Subsystem: "workflow",
		Name:      "status_transitions_total",
		Help:      "Task status transitions by target status and result.",
	}, []string{"to", "result"})

	FileCleanupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldops",
		Subsystem: "workflow",
		Name:      "file_cleanup_failures_total",
		Help:      "Attachment/evidence files that could not be removed during cascades.",
	})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldops",
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Persisted notifications by type and result.",
	}, []string{"type", "result"})

	RealtimeDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldops",
		Subsystem: "realtime",
		Name:      "delivered_total",
		Help:      "Payloads handed to live sessions.",
	})

	RealtimeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldops",
		Subsystem: "realtime",
		Name:      "dropped_total",
		Help:      "Payloads dropped because a session buffer was full.",
	})

	RealtimeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fieldops",
		Subsystem: "realtime",
		Name:      "sessions",
		Help:      "Currently connected realtime sessions.",
	})
)

// Result maps an error to the result label used by the counters above.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
