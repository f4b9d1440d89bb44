package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "cpid"
)

var (
	// CommandsTotal counts coordination store commands
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commands_total",
			Help:      "Total number of coordination store commands processed",
		},
		[]string{"cmd", "status"}, // status: success/error
	)

	// CommandDuration measures command latency
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "command_duration_seconds",
			Help:      "Coordination store command latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"cmd"},
	)

	// ConnectionsTotal tracks active store connections
	ConnectionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "connections",
			Help:      "Number of open coordination store client connections",
		},
	)

	// TransactionsTotal counts EXEC outcomes
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "transactions_total",
			Help:      "Total number of MULTI/EXEC transactions",
		},
		[]string{"status"}, // committed/aborted
	)

	// HeartbeatsTotal counts heartbeat refresh attempts
	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "refreshes_total",
			Help:      "Total number of heartbeat refresh attempts",
		},
		[]string{"status"}, // ok/error/dead
	)

	// MembershipRefreshes counts membership polls
	MembershipRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "refreshes_total",
			Help:      "Total number of membership refreshes",
		},
		[]string{"kind"}, // unchanged/scan/error
	)

	// MembershipPeers tracks the size of the last scanned peer list
	MembershipPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "peers",
			Help:      "Number of live peers in the last membership scan",
		},
	)

	// RequestsTotal counts request/reply client events
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reqrep",
			Name:      "requests_total",
			Help:      "Request/reply client events",
		},
		[]string{"event"}, // sent/replied/timeout/failed/dropped
	)

	// ReplyLatency measures the time from send to reply
	ReplyLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reqrep",
			Name:      "reply_latency_seconds",
			Help:      "Time between sending a request and receiving its reply",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		},
	)

	// BacklogSize tracks queued client requests
	BacklogSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reqrep",
			Name:      "backlog",
			Help:      "Number of requests waiting in client backlogs",
		},
	)

	// ServedTotal counts requests handled by servers
	ServedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reqrep",
			Name:      "served_total",
			Help:      "Requests handled by request/reply servers",
		},
		[]string{"status"}, // replied/unreplied/malformed
	)

	// QueueItemsTotal counts buffered queue items
	QueueItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items_total",
			Help:      "Items moving through buffered network queues",
		},
		[]string{"side", "result"}, // producer: accepted/rejected, consumer: sent/retried/failed
	)

	// PubSubMessagesTotal counts blob messages
	PubSubMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pubsub",
			Name:      "messages_total",
			Help:      "Blob channel messages",
		},
		[]string{"event"}, // published/received/malformed
	)

	// CollectiveOpsTotal counts collective operations
	CollectiveOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collective",
			Name:      "ops_total",
			Help:      "Collective operations issued",
		},
		[]string{"op", "status"},
	)

	// ContextRebuilds counts collective context (re)builds per role
	ContextRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collective",
			Name:      "context_builds_total",
			Help:      "Collective contexts built after membership changes",
		},
		[]string{"role"},
	)

	// Info exposes build info
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "cpid build info",
		},
		[]string{"version", "go_version", "os", "arch"},
	)

	// Uptime tracks uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)

	// MemoryUsage tracks memory usage
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)
)

// InitInfo initializes info metric
func InitInfo(version, goVersion, os, arch string) {
	Info.WithLabelValues(version, goVersion, os, arch).Set(1)
}
