package telemetry

import "sync"

// Counter keys recorded by the replication core.
const (
	MetricCommandQueueOccupancy = "sim_command_queue_occupancy"
	MetricCommandQueueOverflow  = "sim_command_queue_overflow_total"
	MetricCorrectionsAccept     = "reconcile_accept_total"
	MetricCorrectionsSoft       = "reconcile_soft_total"
	MetricCorrectionsHard       = "reconcile_hard_total"
	MetricStaleReports          = "reconcile_stale_report_total"
	MetricEventRedeliveries     = "events_redelivered_total"
	MetricEventResyncs          = "events_resync_total"
	MetricBroadcastBytes        = "broadcast_bytes_total"
)

// Counters is a concurrency-safe Metrics implementation.
type Counters struct {
	mu     sync.Mutex
	values map[string]uint64
}

// NewCounters returns an empty counter set.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]uint64)}
}

// Add increments the counter by delta.
func (c *Counters) Add(key string, delta uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.values[key] += delta
	c.mu.Unlock()
}

// Store replaces the counter value.
func (c *Counters) Store(key string, value uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() map[string]uint64 {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		copied[k] = v
	}
	return copied
}

// Value reads one counter.
func (c *Counters) Value(key string) uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

var _ Metrics = (*Counters)(nil)
