// Package metrics provides Prometheus-compatible metrics for sync monitoring.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// latencySampleCap bounds the in-memory propagation latency samples used for
// percentile queries. Oldest samples are overwritten ring-style.
const latencySampleCap = 1024

// Collector gathers and exposes sync engine metrics.
type Collector struct {
	// Relay counters
	messagesRelayed uint64
	messagesByType  sync.Map // map[string]*uint64
	messagesDropped uint64
	opsReplayed     uint64

	// Connection gauge
	connectionsActive int64

	// Offline queue depth gauge
	queueDepth uint64

	// Propagation latency histogram buckets (in microseconds)
	latencyBuckets [8]uint64 // <1ms, <5ms, <10ms, <25ms, <50ms, <100ms, <500ms, >=500ms
	latencySum     uint64    // Total latency in microseconds
	latencyCount   uint64

	// Bounded sample ring for percentile queries
	sampleMu sync.Mutex
	samples  []time.Duration
	sampleAt int

	// Server info
	startTime time.Time
}

// New creates a new metrics collector.
func New() *Collector {
	return &Collector{
		samples:   make([]time.Duration, 0, latencySampleCap),
		startTime: time.Now(),
	}
}

// IncRelayed increments the relay counter for a given message type.
func (c *Collector) IncRelayed(msgType string) {
	atomic.AddUint64(&c.messagesRelayed, 1)

	counter, _ := c.messagesByType.LoadOrStore(msgType, new(uint64))
	atomic.AddUint64(counter.(*uint64), 1)
}

// IncDropped increments the dropped-message counter.
func (c *Collector) IncDropped() {
	atomic.AddUint64(&c.messagesDropped, 1)
}

// AddReplayed records n operations drained from the offline queue.
func (c *Collector) AddReplayed(n int) {
	atomic.AddUint64(&c.opsReplayed, uint64(n))
}

// SetQueueDepth sets the current offline queue depth.
func (c *Collector) SetQueueDepth(n uint64) {
	atomic.StoreUint64(&c.queueDepth, n)
}

// ConnOpened increments the active connection gauge.
func (c *Collector) ConnOpened() {
	atomic.AddInt64(&c.connectionsActive, 1)
}

// ConnClosed decrements the active connection gauge.
func (c *Collector) ConnClosed() {
	atomic.AddInt64(&c.connectionsActive, -1)
}

// RecordLatency records one end-to-end propagation latency sample.
func (c *Collector) RecordLatency(d time.Duration) {
	us := uint64(d.Microseconds())
	atomic.AddUint64(&c.latencySum, us)
	atomic.AddUint64(&c.latencyCount, 1)

	// Bucket assignment
	switch {
	case us < 1000: // <1ms
		atomic.AddUint64(&c.latencyBuckets[0], 1)
	case us < 5000: // <5ms
		atomic.AddUint64(&c.latencyBuckets[1], 1)
	case us < 10000: // <10ms
		atomic.AddUint64(&c.latencyBuckets[2], 1)
	case us < 25000: // <25ms
		atomic.AddUint64(&c.latencyBuckets[3], 1)
	case us < 50000: // <50ms
		atomic.AddUint64(&c.latencyBuckets[4], 1)
	case us < 100000: // <100ms
		atomic.AddUint64(&c.latencyBuckets[5], 1)
	case us < 500000: // <500ms
		atomic.AddUint64(&c.latencyBuckets[6], 1)
	default: // >=500ms
		atomic.AddUint64(&c.latencyBuckets[7], 1)
	}

	c.sampleMu.Lock()
	if len(c.samples) < latencySampleCap {
		c.samples = append(c.samples, d)
	} else {
		c.samples[c.sampleAt] = d
		c.sampleAt = (c.sampleAt + 1) % latencySampleCap
	}
	c.sampleMu.Unlock()
}

// LatencyPercentile returns the p-th percentile (0 < p <= 100) over the
// retained latency samples, or 0 when no samples have been recorded.
func (c *Collector) LatencyPercentile(p float64) time.Duration {
	c.sampleMu.Lock()
	sorted := make([]time.Duration, len(c.samples))
	copy(sorted, c.samples)
	c.sampleMu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(p/100.0*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// AverageLatency returns the mean over all recorded latency samples.
func (c *Collector) AverageLatency() time.Duration {
	count := atomic.LoadUint64(&c.latencyCount)
	if count == 0 {
		return 0
	}
	sum := atomic.LoadUint64(&c.latencySum)
	return time.Duration(sum/count) * time.Microsecond
}

// WritePrometheus writes metrics in Prometheus exposition format.
func (c *Collector) WritePrometheus(w io.Writer) {
	// Server info
	fmt.Fprintf(w, "# HELP viewsync_up Whether the sync server is up\n")
	fmt.Fprintf(w, "# TYPE viewsync_up gauge\n")
	fmt.Fprintf(w, "viewsync_up 1\n\n")

	fmt.Fprintf(w, "# HELP viewsync_start_time_seconds Unix timestamp of server start\n")
	fmt.Fprintf(w, "# TYPE viewsync_start_time_seconds gauge\n")
	fmt.Fprintf(w, "viewsync_start_time_seconds %d\n\n", c.startTime.Unix())

	// Relay counters
	fmt.Fprintf(w, "# HELP viewsync_messages_relayed_total Total messages relayed to connections\n")
	fmt.Fprintf(w, "# TYPE viewsync_messages_relayed_total counter\n")
	fmt.Fprintf(w, "viewsync_messages_relayed_total %d\n\n", atomic.LoadUint64(&c.messagesRelayed))

	fmt.Fprintf(w, "# HELP viewsync_messages_by_type_total Relayed messages by message type\n")
	fmt.Fprintf(w, "# TYPE viewsync_messages_by_type_total counter\n")
	c.messagesByType.Range(func(key, value any) bool {
		fmt.Fprintf(w, "viewsync_messages_by_type_total{type=\"%s\"} %d\n", key, atomic.LoadUint64(value.(*uint64)))
		return true
	})
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "# HELP viewsync_messages_dropped_total Malformed or undeliverable messages dropped\n")
	fmt.Fprintf(w, "# TYPE viewsync_messages_dropped_total counter\n")
	fmt.Fprintf(w, "viewsync_messages_dropped_total %d\n\n", atomic.LoadUint64(&c.messagesDropped))

	fmt.Fprintf(w, "# HELP viewsync_ops_replayed_total Operations drained from the offline queue\n")
	fmt.Fprintf(w, "# TYPE viewsync_ops_replayed_total counter\n")
	fmt.Fprintf(w, "viewsync_ops_replayed_total %d\n\n", atomic.LoadUint64(&c.opsReplayed))

	// Gauges
	fmt.Fprintf(w, "# HELP viewsync_connections_active Currently connected devices\n")
	fmt.Fprintf(w, "# TYPE viewsync_connections_active gauge\n")
	fmt.Fprintf(w, "viewsync_connections_active %d\n\n", atomic.LoadInt64(&c.connectionsActive))

	fmt.Fprintf(w, "# HELP viewsync_queue_depth Operations waiting in the offline queue\n")
	fmt.Fprintf(w, "# TYPE viewsync_queue_depth gauge\n")
	fmt.Fprintf(w, "viewsync_queue_depth %d\n\n", atomic.LoadUint64(&c.queueDepth))

	// Propagation latency histogram
	count := atomic.LoadUint64(&c.latencyCount)
	sum := atomic.LoadUint64(&c.latencySum)
	fmt.Fprintf(w, "# HELP viewsync_propagation_latency_seconds End-to-end message propagation latency\n")
	fmt.Fprintf(w, "# TYPE viewsync_propagation_latency_seconds histogram\n")

	bucketLabels := []string{"0.001", "0.005", "0.01", "0.025", "0.05", "0.1", "0.5", "+Inf"}
	cumulative := uint64(0)
	for i, label := range bucketLabels {
		if i < len(c.latencyBuckets) {
			cumulative += atomic.LoadUint64(&c.latencyBuckets[i])
		}
		fmt.Fprintf(w, "viewsync_propagation_latency_seconds_bucket{le=\"%s\"} %d\n", label, cumulative)
	}
	fmt.Fprintf(w, "viewsync_propagation_latency_seconds_sum %f\n", float64(sum)/1000000.0)
	fmt.Fprintf(w, "viewsync_propagation_latency_seconds_count %d\n", count)
}
