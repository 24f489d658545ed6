package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubCore struct {
	applied [][]Command
	steps   int
}

func (c *stubCore) Deps() Deps { return Deps{} }

func (c *stubCore) Apply(commands []Command, tick uint64, dt float64) {
	c.applied = append(c.applied, commands)
}

func (c *stubCore) Step(tick uint64, now time.Time, dt float64) {
	c.steps++
}

func TestEnqueueThrottlesPerSession(t *testing.T) {
	core := &stubCore{}
	var drops []string
	loop := NewLoop(core, LoopConfig{
		CommandCapacity: 16,
		PerSessionLimit: 2,
	}, LoopHooks{
		OnCommandDrop: func(reason string, cmd Command) {
			drops = append(drops, reason)
		},
	})

	for i := 0; i < 2; i++ {
		ok, reason := loop.Enqueue(Command{SessionID: "session-a", Type: CommandReport})
		require.True(t, ok, "push %d should succeed, got %s", i, reason)
	}
	ok, reason := loop.Enqueue(Command{SessionID: "session-a", Type: CommandReport})
	require.False(t, ok)
	require.Equal(t, CommandRejectQueueLimit, reason)
	require.Equal(t, []string{CommandRejectQueueLimit}, drops)

	// Another session is not affected by a's throttle.
	ok, _ = loop.Enqueue(Command{SessionID: "session-b", Type: CommandReport})
	require.True(t, ok)
}

func TestAdvanceDrainsAndResetsThrottle(t *testing.T) {
	core := &stubCore{}
	loop := NewLoop(core, LoopConfig{
		CommandCapacity: 16,
		PerSessionLimit: 1,
	}, LoopHooks{})

	ok, _ := loop.Enqueue(Command{SessionID: "session-a", Type: CommandReport})
	require.True(t, ok)

	result := loop.Advance(LoopTickContext{Tick: 1, Now: time.Now(), Delta: 0.1})
	require.Len(t, result.Commands, 1)
	require.Equal(t, 1, core.steps)
	require.Equal(t, 0, loop.Pending())

	// Drain resets the per-session window.
	ok, _ = loop.Enqueue(Command{SessionID: "session-a", Type: CommandReport})
	require.True(t, ok)
}

func TestEnqueueReportsQueueFull(t *testing.T) {
	core := &stubCore{}
	loop := NewLoop(core, LoopConfig{CommandCapacity: 1}, LoopHooks{})

	ok, _ := loop.Enqueue(Command{SessionID: "session-a"})
	require.True(t, ok)
	ok, reason := loop.Enqueue(Command{SessionID: "session-b"})
	require.False(t, ok)
	require.Equal(t, CommandRejectQueueFull, reason)
}
