package server

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftmark/server/internal/config"
	"driftmark/server/internal/events"
	"driftmark/server/internal/net/proto"
	"driftmark/server/internal/sim"
	"driftmark/server/internal/state"
	"driftmark/server/logging"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errClosed
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	c.frames = append(c.frames, copied)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) decoded(t *testing.T) []proto.StateMessageV1 {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []proto.StateMessageV1
	for _, frame := range c.frames {
		var header struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(frame, &header))
		if header.Type != proto.TypeState {
			continue
		}
		var msg proto.StateMessageV1
		require.NoError(t, json.Unmarshal(frame, &msg))
		out = append(out, msg)
	}
	return out
}

var errClosed = &websocketError{}

type websocketError struct{}

func (*websocketError) Error() string { return "connection closed" }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestHub(t *testing.T) (*Hub, *testClock) {
	t.Helper()
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	cfg := config.Default()
	cfg.HeartbeatTimeout = 5 * time.Second
	hub := NewHub(cfg, sim.Deps{Clock: logging.ClockFunc(clock.Now)}, nil, nil)
	return hub, clock
}

// step advances the hub one tick the way the loop would.
func step(h *Hub, clock *testClock, commands []sim.Command) uint64 {
	tick := h.tick.Add(1)
	h.Apply(commands, tick, 0.1)
	h.Step(tick, clock.Now(), 0.1)
	return tick
}

func joinAndSubscribe(t *testing.T, h *Hub) (proto.JoinResponseV1, *fakeConn) {
	t.Helper()
	resp, err := h.Join()
	require.NoError(t, err)
	conn := &fakeConn{}
	require.True(t, h.Subscribe(resp.SessionID, conn))
	return resp, conn
}

func TestJoinSpawnsPlayerAndReturnsKeyframe(t *testing.T) {
	hub, _ := newTestHub(t)

	resp, err := hub.Join()
	require.NoError(t, err)
	require.NotEmpty(t, resp.SessionID)
	require.NotEmpty(t, resp.EntityID)
	require.Len(t, resp.Entities, 1)
	require.Equal(t, resp.EntityID, resp.Entities[0].EntityID)
	require.Equal(t, resp.SessionID, resp.Entities[0].Owner)
	require.Equal(t, hub.cfg.TickRate, resp.Config.TickRate)

	// Second join sees the first player in its keyframe.
	second, err := hub.Join()
	require.NoError(t, err)
	require.Len(t, second.Entities, 2)
}

func TestHardCorrectionBroadcastWithinOneTick(t *testing.T) {
	hub, clock := newTestHub(t)
	resp, conn := joinAndSubscribe(t, hub)
	_, observerConn := joinAndSubscribe(t, hub)

	start, ok := hub.store.Read(resp.EntityID)
	require.True(t, ok)

	reported := start.Position.Add(state.Vec2{X: 2.5, Y: 0})
	tick := step(hub, clock, []sim.Command{{
		SessionID: resp.SessionID,
		Type:      sim.CommandReport,
		Report: &sim.ReportCommand{
			EntityID: resp.EntityID,
			Tick:     start.Tick,
			Position: reported,
			Health:   start.Health,
		},
	}})

	// The authoritative store snapped to the reported value.
	snap, ok := hub.store.Read(resp.EntityID)
	require.True(t, ok)
	require.Equal(t, reported, snap.Position)
	require.Equal(t, tick, snap.Tick)

	// Every session, owner and observer alike, received the correction in
	// the state message for the same tick.
	for _, c := range []*fakeConn{conn, observerConn} {
		msgs := c.decoded(t)
		require.NotEmpty(t, msgs)
		last := msgs[len(msgs)-1]
		require.Equal(t, tick, last.Tick)
		require.Len(t, last.Corrections, 1)
		require.Equal(t, "hard", last.Corrections[0].Classification)
		require.Equal(t, reported, last.Corrections[0].Position)
	}
}

func TestAcceptCorrectionKeepsServerValue(t *testing.T) {
	hub, clock := newTestHub(t)
	resp, conn := joinAndSubscribe(t, hub)

	start, _ := hub.store.Read(resp.EntityID)
	reported := start.Position.Add(state.Vec2{X: 0.05, Y: 0})
	step(hub, clock, []sim.Command{{
		SessionID: resp.SessionID,
		Type:      sim.CommandReport,
		Report: &sim.ReportCommand{
			EntityID: resp.EntityID,
			Tick:     start.Tick,
			Position: reported,
			Health:   start.Health,
		},
	}})

	snap, _ := hub.store.Read(resp.EntityID)
	require.Equal(t, start.Position, snap.Position, "accept keeps the server's own value")

	msgs := conn.decoded(t)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Len(t, last.Corrections, 1)
	require.Equal(t, "accept", last.Corrections[0].Classification)
}

func TestReportFromNonOwnerIsDiscarded(t *testing.T) {
	hub, clock := newTestHub(t)
	victim, _ := joinAndSubscribe(t, hub)
	attacker, _ := joinAndSubscribe(t, hub)

	start, _ := hub.store.Read(victim.EntityID)
	step(hub, clock, []sim.Command{{
		SessionID: attacker.SessionID,
		Type:      sim.CommandReport,
		Report: &sim.ReportCommand{
			EntityID: victim.EntityID,
			Tick:     start.Tick,
			Position: state.Vec2{X: 999, Y: 999},
		},
	}})

	snap, _ := hub.store.Read(victim.EntityID)
	require.Equal(t, start.Position, snap.Position)
}

func TestDisconnectReleasesAllOwnedEntities(t *testing.T) {
	hub, clock := newTestHub(t)
	resp, _ := joinAndSubscribe(t, hub)

	// Two session-owned agents alongside the player entity.
	step(hub, clock, []sim.Command{
		{SessionID: resp.SessionID, Type: sim.CommandSpawn, Spawn: &sim.SpawnCommand{Kind: state.KindNonPlayerAgent}},
		{SessionID: resp.SessionID, Type: sim.CommandSpawn, Spawn: &sim.SpawnCommand{Kind: state.KindNonPlayerAgent}},
	})
	require.Len(t, hub.registry.EntitiesOf(resp.SessionID), 3)

	hub.Disconnect(resp.SessionID, "test")

	require.Empty(t, hub.registry.EntitiesOf(resp.SessionID), "no dangling ownership records")
	require.False(t, hub.store.Contains(resp.EntityID), "player entity despawns")
	require.Len(t, hub.registry.EntitiesOf(state.ServerOwner), 2, "agents transfer to the server owner")
}

func TestHeartbeatTimeoutDisconnects(t *testing.T) {
	hub, clock := newTestHub(t)
	resp, conn := joinAndSubscribe(t, hub)

	clock.Advance(6 * time.Second)
	step(hub, clock, nil)

	require.Empty(t, hub.DiagnosticsSnapshot())
	require.False(t, hub.store.Contains(resp.EntityID))
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	require.True(t, closed)
}

func TestDamageAdjudicationAndDeath(t *testing.T) {
	hub, clock := newTestHub(t)
	resp, conn := joinAndSubscribe(t, hub)
	target, err := hub.SpawnAgent(nil)
	require.NoError(t, err)

	step(hub, clock, []sim.Command{{
		SessionID: resp.SessionID,
		Type:      sim.CommandDamage,
		Damage:    &sim.DamageCommand{EntityID: target, Amount: 30, Source: resp.EntityID},
	}})
	snap, ok := hub.store.Read(target)
	require.True(t, ok)
	require.Equal(t, 70.0, snap.Health)

	// Lethal damage kills and despawns.
	step(hub, clock, []sim.Command{{
		SessionID: resp.SessionID,
		Type:      sim.CommandDamage,
		Damage:    &sim.DamageCommand{EntityID: target, Amount: 100, Source: resp.EntityID},
	}})
	require.False(t, hub.store.Contains(target))

	// Damage, death, and despawn all arrive on the reliable channel.
	msgs := conn.decoded(t)
	var types []string
	for _, msg := range msgs {
		for _, env := range msg.Events {
			types = append(types, env.Type)
		}
	}
	require.Contains(t, types, events.TypeDamage)
	require.Contains(t, types, events.TypeDeath)
	require.Contains(t, types, events.TypeDespawnNotify)
}

func TestEventAckStopsRedelivery(t *testing.T) {
	hub, clock := newTestHub(t)
	resp, conn := joinAndSubscribe(t, hub)
	_, err := hub.SpawnAgent(nil)
	require.NoError(t, err)

	step(hub, clock, nil)
	msgs := conn.decoded(t)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.NotEmpty(t, last.Events, "spawn ack rides the event channel")
	ackSeq := last.Events[len(last.Events)-1].Seq

	step(hub, clock, []sim.Command{{
		SessionID: resp.SessionID,
		Type:      sim.CommandEventAck,
		EventAck:  &sim.EventAckCommand{Seq: ackSeq},
	}})
	msgs = conn.decoded(t)
	require.Empty(t, msgs[len(msgs)-1].Events, "acked events are not redelivered")
}

func TestAgentMovesAlongPatrolRoute(t *testing.T) {
	hub, clock := newTestHub(t)
	_, _ = joinAndSubscribe(t, hub)

	patrol := &PatrolSource{
		Waypoints: []state.Vec2{{X: 100, Y: 50}},
		Position: func(id string) (state.Vec2, bool) {
			snap, ok := hub.store.Read(id)
			return snap.Position, ok
		},
	}
	agent, err := hub.SpawnAgent(patrol)
	require.NoError(t, err)

	before, _ := hub.store.Read(agent)
	step(hub, clock, nil)
	after, _ := hub.store.Read(agent)

	require.Greater(t, after.Position.X, before.Position.X, "agent walks toward its waypoint")
	require.Equal(t, hub.cfg.MoveSpeed, after.Velocity.Length())
}

func TestWriteFailureDisconnectsSession(t *testing.T) {
	hub, clock := newTestHub(t)
	resp, conn := joinAndSubscribe(t, hub)

	conn.mu.Lock()
	conn.fail = true
	conn.mu.Unlock()
	step(hub, clock, nil)

	require.Empty(t, hub.DiagnosticsSnapshot())
	require.False(t, hub.store.Contains(resp.EntityID))
}

func TestSubscribeUnknownSessionFails(t *testing.T) {
	hub, _ := newTestHub(t)
	require.False(t, hub.Subscribe("session-unknown", &fakeConn{}))
}

func TestApprovalHookRejectsJoin(t *testing.T) {
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	cfg := config.Default()
	hub := NewHub(cfg, sim.Deps{Clock: logging.ClockFunc(clock.Now)}, nil, func(sessionID string) (bool, string) {
		return false, "maintenance"
	})

	_, err := hub.Join()
	require.Error(t, err)
	require.Zero(t, hub.store.Len())
}
