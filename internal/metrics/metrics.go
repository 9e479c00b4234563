// Package metrics exposes the Prometheus instrumentation for the sync
// server. All collectors are package-level and registered in init, matching
// how the rest of the fleet scrapes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sc_connections_total",
		Help: "Total number of transport connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sc_connections_active",
		Help: "Current number of active transport connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sc_connections_failed_total",
		Help: "Total number of rejected or failed connection attempts",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sc_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	// Wire metrics
	SegmentsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sc_segments_sent_total",
		Help: "Total number of transport segments written",
	})

	SegmentsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sc_segments_received_total",
		Help: "Total number of transport segments read",
	})

	FlowAcksSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sc_flow_acks_sent_total",
		Help: "Total number of flow acknowledgement segments emitted",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sc_bytes_sent_total",
		Help: "Total payload bytes sent to peers",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sc_bytes_received_total",
		Help: "Total payload bytes received from peers",
	})

	// Message layer metrics
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sc_messages_sent_total",
		Help: "Total application messages sent, by type",
	}, []string{"type"})

	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sc_messages_received_total",
		Help: "Total application messages received, by type",
	}, []string{"type"})

	PendingReplies = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sc_pending_replies",
		Help: "Requests currently awaiting a reply across all connections",
	})

	ReplyTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sc_reply_timeouts_total",
		Help: "Total connections shut down because a reply deadline passed",
	})

	// Resource metrics
	ResourcesActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sc_resources_active",
		Help: "Live resource instances by type",
	}, []string{"type"})

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sc_subscriptions_active",
		Help: "Current number of resource subscriptions",
	})

	WritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sc_writes_total",
		Help: "Total resource writes by type and status",
	}, []string{"type", "status"})

	WriteDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sc_write_duration_seconds",
		Help:    "Latency of a resource write from dequeue to commit",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"type"})

	FanoutDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sc_fanout_deliveries_total",
		Help: "Total resource updates delivered to subscribers",
	})

	FanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sc_fanout_dropped_total",
		Help: "Total resource updates dropped because a subscriber send failed",
	})

	// Auth metrics
	AuthDenials = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sc_auth_denials_total",
		Help: "Total subscription attempts denied by authorization",
	})

	LoginFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sc_login_failures_total",
		Help: "Total failed login or account creation attempts",
	})

	// External data metrics
	ExternalQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sc_external_query_duration_seconds",
		Help:    "Latency of external data source queries",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
	}, []string{"source"})

	ExternalQueryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sc_external_query_errors_total",
		Help: "Total failed external data source queries",
	}, []string{"source"})

	// Control bus metrics
	BusConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sc_bus_connected",
		Help: "Whether the NATS control bus connection is up (1) or down (0)",
	})

	BusCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sc_bus_commands_total",
		Help: "Total control bus commands received, by command",
	}, []string{"command"})

	// Worker pool metrics
	WorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sc_worker_queue_depth",
		Help: "Current number of tasks waiting in the shared worker pool",
	})

	WorkerTasksDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sc_worker_tasks_dropped_total",
		Help: "Total tasks dropped because the worker pool queue was full",
	})

	// System metrics
	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sc_memory_bytes",
		Help: "Current process memory usage in bytes",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sc_cpu_usage_percent",
		Help: "Current CPU usage percentage relative to allocation",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sc_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsFailed)
	prometheus.MustRegister(DisconnectsTotal)

	prometheus.MustRegister(SegmentsSent)
	prometheus.MustRegister(SegmentsReceived)
	prometheus.MustRegister(FlowAcksSent)
	prometheus.MustRegister(BytesSent)
	prometheus.MustRegister(BytesReceived)

	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(PendingReplies)
	prometheus.MustRegister(ReplyTimeouts)

	prometheus.MustRegister(ResourcesActive)
	prometheus.MustRegister(SubscriptionsActive)
	prometheus.MustRegister(WritesTotal)
	prometheus.MustRegister(WriteDuration)
	prometheus.MustRegister(FanoutDeliveries)
	prometheus.MustRegister(FanoutDropped)

	prometheus.MustRegister(AuthDenials)
	prometheus.MustRegister(LoginFailures)

	prometheus.MustRegister(ExternalQueryDuration)
	prometheus.MustRegister(ExternalQueryErrors)

	prometheus.MustRegister(BusConnected)
	prometheus.MustRegister(BusCommands)

	prometheus.MustRegister(WorkerQueueDepth)
	prometheus.MustRegister(WorkerTasksDropped)

	prometheus.MustRegister(MemoryUsageBytes)
	prometheus.MustRegister(CPUUsagePercent)
	prometheus.MustRegister(GoroutinesActive)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
