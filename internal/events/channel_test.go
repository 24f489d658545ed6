package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"driftmark/server/internal/telemetry"
)

func TestBroadcastReachesAllAttachedSessions(t *testing.T) {
	c := NewChannel(8, nil)
	c.Attach("session-a")
	c.Attach("session-b")

	env := c.Broadcast(TypeDamage, map[string]any{"entityId": "entity-1", "amount": 10.0})
	require.Equal(t, uint64(1), env.Seq)

	for _, session := range []string{"session-a", "session-b"} {
		pending := c.Pending(session)
		require.Len(t, pending, 1, "session %s", session)
		require.Equal(t, TypeDamage, pending[0].Type)
	}
}

func TestPendingRedeliversUntilAcked(t *testing.T) {
	c := NewChannel(8, nil)
	c.Attach("session-a")
	c.Broadcast(TypeSpawnAck, nil)
	c.Broadcast(TypeDespawnNotify, nil)

	first := c.Pending("session-a")
	second := c.Pending("session-a")
	require.Equal(t, first, second, "unacked envelopes must be redelivered")

	trimmed := c.Ack("session-a", 1)
	require.Equal(t, 1, trimmed)
	remaining := c.Pending("session-a")
	require.Len(t, remaining, 1)
	require.Equal(t, uint64(2), remaining[0].Seq)

	c.Ack("session-a", 2)
	require.Nil(t, c.Pending("session-a"))
}

func TestAckIsIdempotent(t *testing.T) {
	c := NewChannel(8, nil)
	c.Attach("session-a")
	c.Broadcast(TypeDamage, nil)

	require.Equal(t, 1, c.Ack("session-a", 1))
	require.Equal(t, 0, c.Ack("session-a", 1))
	require.Equal(t, 0, c.Ack("session-a", 99))
}

func TestBacklogOverflowForcesResync(t *testing.T) {
	metrics := telemetry.NewCounters()
	c := NewChannel(3, metrics)
	c.Attach("session-a")

	for i := 0; i < 4; i++ {
		c.Broadcast(TypeDamage, i)
	}

	require.Nil(t, c.Pending("session-a"), "overflowed backlog must be cleared")

	signal, ok := c.ConsumeResync("session-a")
	require.True(t, ok)
	require.Equal(t, uint64(4), signal.Dropped)
	require.Equal(t, uint64(4), signal.LastSeq)
	require.Equal(t, uint64(1), metrics.Value(telemetry.MetricEventResyncs))

	_, ok = c.ConsumeResync("session-a")
	require.False(t, ok, "resync flag must clear after consumption")

	// After the resync the session receives new events again.
	c.Broadcast(TypeSpawnAck, nil)
	require.Len(t, c.Pending("session-a"), 1)
}

func TestDetachedSessionReceivesNothing(t *testing.T) {
	c := NewChannel(8, nil)
	c.Attach("session-a")
	c.Detach("session-a")
	c.Broadcast(TypeDamage, nil)
	require.Nil(t, c.Pending("session-a"))
}

func TestDedupRejectsRedeliveries(t *testing.T) {
	var d Dedup
	require.True(t, d.Accept(1))
	require.True(t, d.Accept(2))
	require.False(t, d.Accept(2), "redelivery must be rejected")
	require.False(t, d.Accept(1), "reordered duplicate must be rejected")
	require.True(t, d.Accept(5))
	require.Equal(t, uint64(5), d.Last())
}
