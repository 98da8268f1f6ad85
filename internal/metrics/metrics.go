// Package metrics holds the Prometheus collectors exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "turnstile"

// HoldsTotal counts inventory hold attempts by result (ok, capacity_exceeded, tier_not_found).
var HoldsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "inventory",
	Name:      "holds_total",
	Help:      "Inventory hold attempts by result.",
}, []string{"result"})

var ReleasedUnits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "inventory",
	Name:      "released_units_total",
	Help:      "Held units returned to inventory.",
})

// ReservationsTotal counts reservation lifecycle outcomes (created, confirmed, cancelled, expired).
var ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reservations",
	Name:      "total",
	Help:      "Reservation lifecycle outcomes.",
}, []string{"outcome"})

var QueueJoins = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "queue",
	Name:      "joins_total",
	Help:      "Queue joins by surge state at join time.",
}, []string{"state"})

var QueueCalled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "queue",
	Name:      "called_total",
	Help:      "Waiting entries admitted by the admission tick.",
})

var QueueExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "queue",
	Name:      "expired_total",
	Help:      "Called entries that missed their admission window.",
})

var SurgeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "queue",
	Name:      "surge_transitions_total",
	Help:      "Surge state changes by target state.",
}, []string{"to"})

var EntitlementTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "entitlements",
	Name:      "transitions_total",
	Help:      "Entitlement lifecycle transitions by target state.",
}, []string{"to"})

var ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "scan",
	Name:      "total",
	Help:      "Scan attempts by result and reason code.",
}, []string{"result", "reason"})

var ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "scan",
	Name:      "duration_seconds",
	Help:      "Scan validation latency.",
	Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
})

// ScanFlagged counts credentials denied repeatedly inside the flagging window.
var ScanFlagged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "scan",
	Name:      "flagged_total",
	Help:      "Credentials flagged for repeated denials.",
})

var WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "payments",
	Name:      "webhooks_total",
	Help:      "Payment webhooks by outcome.",
}, []string{"outcome"})

var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency by route and status.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route", "status"})
