// Package metrics exposes prometheus collectors for the order engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts orders accepted by the API.
var OrdersSubmitted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dexroute_orders_submitted_total",
		Help: "Total number of orders accepted for execution",
	},
)

// OrdersFinished counts orders that reached a terminal status.
var OrdersFinished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dexroute_orders_finished_total",
		Help: "Total number of orders that reached confirmed or failed",
	},
	[]string{"status"},
)

// JobRetries counts queue redeliveries.
var JobRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dexroute_job_retries_total",
		Help: "Total number of job redeliveries scheduled by the queue",
	},
)

// QueueDepth tracks the number of pending jobs in the queue.
var QueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "dexroute_queue_depth",
		Help: "Number of jobs waiting for delivery",
	},
)

// EventsPublished counts order events recorded and published.
var EventsPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dexroute_order_events_total",
		Help: "Total number of order events recorded by status",
	},
	[]string{"status"},
)

// RoutingLatency records latency of a full routing pass across venues.
var RoutingLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "dexroute_routing_latency_seconds",
		Help:    "Latency in seconds to select the best route",
		Buckets: prometheus.DefBuckets,
	},
)

// ExecutionLatency records latency of venue trade execution.
var ExecutionLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "dexroute_execution_latency_seconds",
		Help:    "Latency in seconds of venue execution calls",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"venue"},
)

// WSSubscribers tracks live WebSocket order subscriptions.
var WSSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "dexroute_ws_subscribers",
		Help: "Number of connected WebSocket order subscribers",
	},
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersFinished, JobRetries, QueueDepth)
	prometheus.MustRegister(EventsPublished, RoutingLatency, ExecutionLatency, WSSubscribers)
}
