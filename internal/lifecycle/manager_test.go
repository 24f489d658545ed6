package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"driftmark/server/internal/registry"
	"driftmark/server/internal/state"
	"driftmark/server/internal/store"
)

type recordingNotifier struct {
	spawned   []SpawnResult
	despawned []string
}

func (n *recordingNotifier) EntitySpawned(result SpawnResult) {
	n.spawned = append(n.spawned, result)
}

func (n *recordingNotifier) EntityDespawned(entityID, reason string) {
	n.despawned = append(n.despawned, entityID)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *registry.Registry, *store.Store, *recordingNotifier) {
	t.Helper()
	reg := registry.New()
	st := store.New()
	notifier := &recordingNotifier{}
	return NewManager(cfg, reg, st, notifier, nil), reg, st, notifier
}

func TestSpawnAssignsIdentityOwnerAndSlot(t *testing.T) {
	m, reg, st, notifier := newTestManager(t, DefaultConfig())

	first, err := m.Spawn(state.KindPlayer, "session-a", 3)
	require.NoError(t, err)
	require.Equal(t, "entity-1", first.EntityID)
	require.Equal(t, "session-a", first.Owner)

	second, err := m.Spawn(state.KindPlayer, "session-b", 3)
	require.NoError(t, err)
	require.Equal(t, "entity-2", second.EntityID)
	require.NotEqual(t, first.Position, second.Position, "spawn slots must rotate")

	owner, ok := reg.OwnerOf(first.EntityID)
	require.True(t, ok)
	require.Equal(t, "session-a", owner)
	snap, ok := st.Read(first.EntityID)
	require.True(t, ok)
	require.Equal(t, uint64(3), snap.Tick)
	require.True(t, snap.Alive)
	require.Len(t, notifier.spawned, 2)

	phase, ok := m.Phase(first.EntityID)
	require.True(t, ok)
	require.Equal(t, PhaseActive, phase)
}

func TestPlayerSpawnRequiresOwner(t *testing.T) {
	m, _, _, _ := newTestManager(t, DefaultConfig())

	_, err := m.Spawn(state.KindPlayer, "", 1)
	require.ErrorIs(t, err, ErrMissingOwner)
	_, err = m.Spawn(state.KindPlayer, state.ServerOwner, 1)
	require.ErrorIs(t, err, ErrMissingOwner)
}

func TestAgentSpawnDefaultsToServerOwner(t *testing.T) {
	m, reg, _, _ := newTestManager(t, DefaultConfig())

	result, err := m.Spawn(state.KindNonPlayerAgent, "", 1)
	require.NoError(t, err)
	require.Equal(t, state.ServerOwner, result.Owner)
	owner, ok := reg.OwnerOf(result.EntityID)
	require.True(t, ok)
	require.Equal(t, state.ServerOwner, owner)
}

func TestSpawnCapacityCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ceilings[state.KindNonPlayerAgent] = 2
	m, _, _, _ := newTestManager(t, cfg)

	for i := 0; i < 2; i++ {
		_, err := m.Spawn(state.KindNonPlayerAgent, "", 1)
		require.NoError(t, err)
	}
	_, err := m.Spawn(state.KindNonPlayerAgent, "", 1)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	// Despawning one frees the slot.
	m.Despawn("entity-1", "test", 2)
	_, err = m.Spawn(state.KindNonPlayerAgent, "", 2)
	require.NoError(t, err)
}

func TestDespawnIsIdempotent(t *testing.T) {
	m, reg, st, notifier := newTestManager(t, DefaultConfig())
	result, err := m.Spawn(state.KindPlayer, "session-a", 1)
	require.NoError(t, err)

	m.Despawn(result.EntityID, "death", 2)
	m.Despawn(result.EntityID, "death", 2)
	m.Despawn("entity-99", "death", 2)

	require.Len(t, notifier.despawned, 1, "repeat despawns must not renotify")
	require.False(t, st.Contains(result.EntityID))
	_, owned := reg.OwnerOf(result.EntityID)
	require.False(t, owned)

	phase, ok := m.Phase(result.EntityID)
	require.True(t, ok)
	require.Equal(t, PhaseRemoved, phase)
	require.Equal(t, 0, m.Population(state.KindPlayer))
}

func TestReleaseSessionDespawnsPlayersTransfersAgents(t *testing.T) {
	m, reg, st, _ := newTestManager(t, DefaultConfig())

	player, err := m.Spawn(state.KindPlayer, "session-a", 1)
	require.NoError(t, err)
	agentA, err := m.Spawn(state.KindNonPlayerAgent, "session-a", 1)
	require.NoError(t, err)
	agentB, err := m.Spawn(state.KindNonPlayerAgent, "session-a", 1)
	require.NoError(t, err)

	despawned, transferred := m.ReleaseSession("session-a", 5)
	require.Equal(t, []string{player.EntityID}, despawned)
	require.ElementsMatch(t, []string{agentA.EntityID, agentB.EntityID}, transferred)

	require.False(t, st.Contains(player.EntityID))
	for _, id := range transferred {
		owner, ok := reg.OwnerOf(id)
		require.True(t, ok)
		require.Equal(t, state.ServerOwner, owner)
		snap, ok := st.Read(id)
		require.True(t, ok)
		require.Equal(t, state.ServerOwner, snap.Owner)
		require.Equal(t, uint64(5), snap.Tick)
	}
	require.Empty(t, reg.EntitiesOf("session-a"))
}
