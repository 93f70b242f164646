// SPDX-License-Identifier: MIT

// Package metrics holds the prometheus collectors exported by the replica.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "puzzle",
		Name:      "connections_active",
		Help:      "Currently registered client connections on this replica",
	})

	SessionMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "puzzle",
		Name:      "session_members",
		Help:      "Local members per session",
	}, []string{"session_id"})

	OpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "puzzle",
		Name:      "ops_total",
		Help:      "Total operations processed by the session router, by op and outcome",
	}, []string{"op", "outcome"})

	OpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "puzzle",
		Name:      "op_duration_seconds",
		Help:      "Router operation handling latency",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"op"})

	EventsFannedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "puzzle",
		Name:      "events_fanned_out_total",
		Help:      "Events delivered to local connections, by event kind",
	}, []string{"event"})

	CursorDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "puzzle",
		Name:      "cursor_dropped_total",
		Help:      "Cursor samples dropped by latest-wins coalescing",
	})

	CursorEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "puzzle",
		Name:      "cursor_emitted_total",
		Help:      "Cursor updates emitted after throttling",
	})

	LocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "puzzle",
		Name:      "locks_total",
		Help:      "Lock coordinator outcomes",
	}, []string{"op", "outcome"})

	BackplanePublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "puzzle",
		Name:      "backplane_publish_errors_total",
		Help:      "Failed publishes to the cross-replica backplane",
	})

	BackplaneReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "puzzle",
		Name:      "backplane_received_total",
		Help:      "Envelopes received from other replicas",
	})

	SendDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "puzzle",
		Name:      "send_dropped_total",
		Help:      "Outbound frames dropped because a client send buffer was full",
	})
)

// ObserveOp records one router operation.
func ObserveOp(op, outcome string, seconds float64) {
	OpsTotal.WithLabelValues(op, outcome).Inc()
	OpDuration.WithLabelValues(op).Observe(seconds)
}

// IncLock records a lock coordinator outcome.
func IncLock(op, outcome string) {
	LocksTotal.WithLabelValues(op, outcome).Inc()
}
