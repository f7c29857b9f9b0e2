// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed counts handled events by type and result.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "events",
		Name:      "processed_total",
		Help:      "Events handled, by type and result",
	}, []string{"type", "result"})

	// InvalidInvoices counts invoices rejected with a permanent reason.
	InvalidInvoices = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "events",
		Name:      "invalid_invoices_total",
		Help:      "Invoices rejected as permanently invalid",
	})

	// PendingPurchaseRecords counts invoice events suppressed by an
	// outstanding purchase fingerprint.
	PendingPurchaseRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "purchases",
		Name:      "pending_record_hits_total",
		Help:      "Invoice events suppressed by an outstanding purchase",
	})

	// PurchasesSubmitted counts submitted intents by origin chain.
	PurchasesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "purchases",
		Name:      "submitted_total",
		Help:      "Intents submitted, by origin chain",
	}, []string{"origin"})

	// SettlementClearance observes the time between recording a purchase and
	// seeing its settlement event.
	SettlementClearance = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mark",
		Subsystem: "purchases",
		Name:      "settlement_clearance_seconds",
		Help:      "Seconds from purchase to observed settlement",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})

	// QueueDepth tracks pending queue depth per event type.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mark",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending events per type",
	}, []string{"type"})

	// DeadLetterDepth tracks the dead-letter backlog.
	DeadLetterDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mark",
		Subsystem: "queue",
		Name:      "dead_letter_depth",
		Help:      "Events in the dead-letter queue",
	})

	// RebalanceOperations counts operation lifecycle transitions by status.
	RebalanceOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "rebalance",
		Name:      "operations_total",
		Help:      "Operation transitions, by resulting status",
	}, []string{"status"})

	// RebalanceTicks counts engine ticks, split by skipped overlap.
	RebalanceTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "rebalance",
		Name:      "ticks_total",
		Help:      "Engine ticks, by outcome",
	}, []string{"outcome"})

	// BridgedAmount observes bridged amounts by bridge tag.
	BridgedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "rebalance",
		Name:      "bridged_wei_total",
		Help:      "Total bridged amount in canonical units, by bridge",
	}, []string{"bridge"})
)
