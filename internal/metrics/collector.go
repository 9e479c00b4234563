package metrics

import (
	"runtime"
	"time"
)

// QueueStats is implemented by the shared worker pool so the collector can
// sample its queue without importing the pool package.
type QueueStats interface {
	QueueDepth() int
	QueueCapacity() int
	DroppedTasks() uint64
}

// Collector periodically samples runtime and pool metrics.
type Collector struct {
	interval time.Duration
	pool     QueueStats
	stopChan chan struct{}
}

func NewCollector(interval time.Duration, pool QueueStats) *Collector {
	return &Collector{
		interval: interval,
		pool:     pool,
		stopChan: make(chan struct{}),
	}
}

// Start begins collecting metrics at the configured interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopChan)
}

func (c *Collector) collect() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	MemoryUsageBytes.Set(float64(mem.Alloc))

	GoroutinesActive.Set(float64(runtime.NumGoroutine()))

	if c.pool != nil {
		WorkerQueueDepth.Set(float64(c.pool.QueueDepth()))
		WorkerTasksDropped.Set(float64(c.pool.DroppedTasks()))
	}
}

// Disconnect reasons attached to the sc_disconnects_total counter.
const (
	DisconnectReasonReadError     = "read_error"
	DisconnectReasonWriteError    = "write_error"
	DisconnectReasonSlowConsumer  = "slow_consumer"
	DisconnectReasonReplyTimeout  = "reply_timeout"
	DisconnectReasonRateLimited   = "rate_limit_exceeded"
	DisconnectReasonShutdown      = "server_shutdown"
	DisconnectReasonClientClosed  = "client_initiated"
	DisconnectReasonProtocolError = "protocol_error"
)

// RecordDisconnect tracks a disconnect with its reason.
func RecordDisconnect(reason string) {
	DisconnectsTotal.WithLabelValues(reason).Inc()
	ConnectionsActive.Dec()
}

// RecordConnect tracks an accepted connection.
func RecordConnect() {
	ConnectionsTotal.Inc()
	ConnectionsActive.Inc()
}
