package metrics

import (
	"runtime"
	"time"
)

// Collector collects process level metrics
type Collector struct {
	startTime time.Time
}

// NewCollector creates a collector
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// Collect collects periodic metrics
func (c *Collector) Collect() {
	c.collectMemory()
	c.collectUptime()
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

func (c *Collector) collectUptime() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

// RecordCommand records command execution
func RecordCommand(cmd string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}

	CommandsTotal.WithLabelValues(cmd, status).Inc()
	CommandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordConnection records connection count change
func RecordConnection(delta int) {
	ConnectionsTotal.Add(float64(delta))
}

// RecordTransaction records an EXEC outcome
func RecordTransaction(committed bool) {
	if committed {
		TransactionsTotal.WithLabelValues("committed").Inc()
	} else {
		TransactionsTotal.WithLabelValues("aborted").Inc()
	}
}

// RecordHeartbeat records a heartbeat refresh outcome
func RecordHeartbeat(status string) {
	HeartbeatsTotal.WithLabelValues(status).Inc()
}

// RecordMembership records a membership refresh
func RecordMembership(kind string, peers int) {
	MembershipRefreshes.WithLabelValues(kind).Inc()
	if kind == "scan" {
		MembershipPeers.Set(float64(peers))
	}
}

// RecordRequest records a request/reply client event
func RecordRequest(event string) {
	RequestsTotal.WithLabelValues(event).Inc()
}

// RecordReply records a reply and its latency
func RecordReply(latency time.Duration) {
	RequestsTotal.WithLabelValues("replied").Inc()
	ReplyLatency.Observe(latency.Seconds())
}

// RecordBacklog records a backlog size change
func RecordBacklog(delta int) {
	BacklogSize.Add(float64(delta))
}

// RecordServed records a server side request outcome
func RecordServed(status string) {
	ServedTotal.WithLabelValues(status).Inc()
}

// RecordQueueItem records a buffered queue item event
func RecordQueueItem(side, result string) {
	QueueItemsTotal.WithLabelValues(side, result).Inc()
}

// RecordBlob records a blob channel event
func RecordBlob(event string) {
	PubSubMessagesTotal.WithLabelValues(event).Inc()
}

// RecordCollective records a collective operation outcome
func RecordCollective(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	CollectiveOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordContextBuild records a collective context build
func RecordContextBuild(role string) {
	ContextRebuilds.WithLabelValues(role).Inc()
}
