// Package events carries rare discrete events (damage, death, spawn and
// despawn notices) over a reliable at-least-once channel, decoupled from the
// lossy overwrite semantics of the periodic state flush. Every envelope gets
// a channel-wide sequence number; receivers de-duplicate on it.
package events

import (
	"sync"

	"driftmark/server/internal/telemetry"
)

// Event type identifiers carried on the channel.
const (
	TypeSpawnAck      = "spawnAck"
	TypeDespawnNotify = "despawnNotify"
	TypeDamage        = "damage"
	TypeDeath         = "death"
)

// Envelope wraps one event with its delivery sequence number.
type Envelope struct {
	Seq     uint64 `json:"seq"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ResyncSignal reports that a session's backlog overflowed and its event
// stream is no longer contiguous; the hub must send a full keyframe.
type ResyncSignal struct {
	Dropped uint64
	LastSeq uint64
}

type outbox struct {
	pending       []Envelope
	lastAck       uint64
	delivered     uint64
	resyncPending bool
	dropped       uint64
}

// Channel fans events out to per-session outboxes. Pending envelopes are
// redelivered every flush until acknowledged, so delivery is at-least-once;
// ordering within a session follows the sequence numbers.
type Channel struct {
	mu           sync.Mutex
	nextSeq      uint64
	backlogLimit int
	outboxes     map[string]*outbox
	metrics      telemetry.Metrics
}

// NewChannel constructs a channel whose per-session backlog is capped at
// backlogLimit unacknowledged envelopes.
func NewChannel(backlogLimit int, metrics telemetry.Metrics) *Channel {
	if backlogLimit <= 0 {
		backlogLimit = 256
	}
	return &Channel{
		backlogLimit: backlogLimit,
		outboxes:     make(map[string]*outbox),
		metrics:      metrics,
	}
}

// Attach creates an outbox for a newly-active session. Events broadcast
// before attachment are not replayed; the join keyframe covers that window.
func (c *Channel) Attach(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.outboxes[sessionID]; !ok {
		c.outboxes[sessionID] = &outbox{lastAck: c.nextSeq}
	}
}

// Detach drops the session's outbox.
func (c *Channel) Detach(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outboxes, sessionID)
}

// Broadcast assigns the next sequence number and appends the envelope to
// every attached outbox. A session whose backlog exceeds the cap has its
// backlog cleared and a resync flagged instead of growing without bound.
func (c *Channel) Broadcast(evType string, payload any) Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	env := Envelope{Seq: c.nextSeq, Type: evType, Payload: payload}
	for _, box := range c.outboxes {
		if box.resyncPending {
			continue
		}
		box.pending = append(box.pending, env)
		if len(box.pending) > c.backlogLimit {
			box.dropped += uint64(len(box.pending))
			box.pending = nil
			box.resyncPending = true
			if c.metrics != nil {
				c.metrics.Add(telemetry.MetricEventResyncs, 1)
			}
		}
	}
	return env
}

// Pending returns a copy of the session's unacknowledged envelopes in
// sequence order. Repeated calls return the same envelopes until they are
// acknowledged — that repetition is the redelivery mechanism.
func (c *Channel) Pending(sessionID string) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	box, ok := c.outboxes[sessionID]
	if !ok || len(box.pending) == 0 {
		return nil
	}
	out := make([]Envelope, len(box.pending))
	copy(out, box.pending)
	redelivered := uint64(0)
	for _, env := range out {
		if env.Seq <= box.delivered {
			redelivered++
		}
	}
	if c.metrics != nil && redelivered > 0 {
		c.metrics.Add(telemetry.MetricEventRedeliveries, redelivered)
	}
	box.delivered = out[len(out)-1].Seq
	return out
}

// Ack trims every envelope with sequence ≤ seq from the session's backlog
// and returns the number trimmed.
func (c *Channel) Ack(sessionID string, seq uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	box, ok := c.outboxes[sessionID]
	if !ok {
		return 0
	}
	if seq > box.lastAck {
		box.lastAck = seq
	}
	trimmed := 0
	for trimmed < len(box.pending) && box.pending[trimmed].Seq <= seq {
		trimmed++
	}
	box.pending = box.pending[trimmed:]
	return trimmed
}

// ConsumeResync reports and clears a pending resync flag for the session.
func (c *Channel) ConsumeResync(sessionID string) (ResyncSignal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	box, ok := c.outboxes[sessionID]
	if !ok || !box.resyncPending {
		return ResyncSignal{}, false
	}
	signal := ResyncSignal{Dropped: box.dropped, LastSeq: c.nextSeq}
	box.resyncPending = false
	box.dropped = 0
	box.lastAck = c.nextSeq
	return signal, true
}

// LastSeq returns the most recently assigned sequence number.
func (c *Channel) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq
}
