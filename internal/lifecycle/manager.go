// Package lifecycle owns entity creation and destruction. Every entity walks
// Requested → Authorized → Active → Despawning → Removed; ids come from a
// monotone counter and are never reused, so a late message for a removed
// entity can always be told apart from one for a live entity.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"driftmark/server/internal/registry"
	"driftmark/server/internal/state"
	"driftmark/server/internal/store"
	"driftmark/server/logging"
	lifecyclelog "driftmark/server/logging/lifecycle"
)

// Phase is one step of the per-entity state machine.
type Phase string

const (
	PhaseRequested  Phase = "requested"
	PhaseAuthorized Phase = "authorized"
	PhaseActive     Phase = "active"
	PhaseDespawning Phase = "despawning"
	PhaseRemoved    Phase = "removed"
)

var (
	// ErrCapacityExceeded rejects a spawn that would push a kind past its ceiling.
	ErrCapacityExceeded = errors.New("lifecycle: kind population at capacity")
	// ErrUnknownKind rejects a spawn request with an unrecognized kind tag.
	ErrUnknownKind = errors.New("lifecycle: unknown entity kind")
	// ErrMissingOwner rejects a player spawn with no requesting session.
	ErrMissingOwner = errors.New("lifecycle: player spawn requires an owning session")
)

// Config tunes capacity ceilings and spawn placement.
type Config struct {
	// Ceilings caps the live population per kind; zero means unlimited.
	Ceilings map[state.Kind]int
	// SpawnSlots are cycled round-robin for player spawns so two players
	// never overlap on arrival.
	SpawnSlots []state.Vec2
	// AgentSpawn is the fixed drop point for non-player agents.
	AgentSpawn state.Vec2
	// SpawnHealth seeds the health pool for new entities.
	SpawnHealth float64
}

// DefaultConfig mirrors the shipped server defaults.
func DefaultConfig() Config {
	return Config{
		Ceilings: map[state.Kind]int{
			state.KindPlayer:         8,
			state.KindNonPlayerAgent: 32,
		},
		SpawnSlots: []state.Vec2{
			{X: 20, Y: 20}, {X: 80, Y: 20}, {X: 20, Y: 80}, {X: 80, Y: 80},
			{X: 50, Y: 20}, {X: 50, Y: 80}, {X: 20, Y: 50}, {X: 80, Y: 50},
		},
		AgentSpawn:  state.Vec2{X: 50, Y: 50},
		SpawnHealth: 100,
	}
}

// Notifier receives lifecycle transitions for fan-out on the event channel.
type Notifier interface {
	EntitySpawned(result SpawnResult)
	EntityDespawned(entityID string, reason string)
}

// SpawnResult is the authorized outcome of a spawn request.
type SpawnResult struct {
	EntityID string
	Kind     state.Kind
	Owner    string
	Position state.Vec2
	Tick     uint64
}

// Manager drives the spawn/despawn state machine. All mutation happens on
// the simulation goroutine; the mutex only guards read access from other
// goroutines (diagnostics, tests).
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	registry *registry.Registry
	store    *store.Store
	notifier Notifier
	pub      logging.Publisher

	phases   map[string]Phase
	kinds    map[string]state.Kind
	counts   map[state.Kind]int
	nextID   uint64
	nextSlot int
}

// NewManager wires the manager to its collaborators. notifier and pub may be
// nil in tests.
func NewManager(cfg Config, reg *registry.Registry, st *store.Store, notifier Notifier, pub logging.Publisher) *Manager {
	if cfg.SpawnHealth <= 0 {
		cfg.SpawnHealth = 100
	}
	if len(cfg.SpawnSlots) == 0 {
		cfg.SpawnSlots = []state.Vec2{{X: 50, Y: 50}}
	}
	if pub == nil {
		pub = logging.NopPublisher{}
	}
	return &Manager{
		cfg:      cfg,
		registry: reg,
		store:    st,
		notifier: notifier,
		pub:      pub,
		phases:   make(map[string]Phase),
		kinds:    make(map[string]state.Kind),
		counts:   make(map[state.Kind]int),
	}
}

// Spawn authorizes and activates a new entity. Player-kind entities are
// owned by the requesting session; agents fall back to the server owner when
// no explicit owner is requested. The returned position is the assigned
// spawn slot.
func (m *Manager) Spawn(kind state.Kind, requestedOwner string, tick uint64) (SpawnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case state.KindPlayer:
		if requestedOwner == "" || requestedOwner == state.ServerOwner {
			return SpawnResult{}, ErrMissingOwner
		}
	case state.KindNonPlayerAgent:
		if requestedOwner == "" {
			requestedOwner = state.ServerOwner
		}
	default:
		return SpawnResult{}, ErrUnknownKind
	}

	if ceiling := m.cfg.Ceilings[kind]; ceiling > 0 && m.counts[kind] >= ceiling {
		return SpawnResult{}, fmt.Errorf("%w: %s at %d", ErrCapacityExceeded, kind, ceiling)
	}

	// Requested → Authorized: the server assigns identity and placement.
	m.nextID++
	id := fmt.Sprintf("entity-%d", m.nextID)

	var position state.Vec2
	if kind == state.KindPlayer {
		position = m.cfg.SpawnSlots[m.nextSlot%len(m.cfg.SpawnSlots)]
		m.nextSlot++
	} else {
		position = m.cfg.AgentSpawn
	}

	result := SpawnResult{
		EntityID: id,
		Kind:     kind,
		Owner:    requestedOwner,
		Position: position,
		Tick:     tick,
	}

	m.registry.Register(id, requestedOwner)
	if err := m.store.Add(store.RoleServer, id, store.Fields{
		Kind:     kind,
		Owner:    requestedOwner,
		Position: position,
		Health:   m.cfg.SpawnHealth,
		Alive:    true,
	}, tick); err != nil {
		m.registry.Unregister(id)
		return SpawnResult{}, err
	}

	// Authorized → Active: announce to every session.
	m.phases[id] = PhaseActive
	m.kinds[id] = kind
	m.counts[kind]++

	if m.notifier != nil {
		m.notifier.EntitySpawned(result)
	}
	lifecyclelog.EntitySpawned(context.Background(), m.pub, tick, logging.EntityRef{ID: id, Kind: logging.EntityKindEntity}, lifecyclelog.EntitySpawnedPayload{
		Kind:   string(kind),
		Owner:  requestedOwner,
		SpawnX: position.X,
		SpawnY: position.Y,
	})
	return result, nil
}

// Despawn walks an entity through Despawning to Removed. It is idempotent:
// unknown ids and already-removed entities are silent no-ops, never errors,
// so death, disconnect, and explicit requests can race freely.
func (m *Manager) Despawn(entityID, reason string, tick uint64) {
	m.mu.Lock()
	phase, ok := m.phases[entityID]
	if !ok || phase == PhaseRemoved {
		m.mu.Unlock()
		return
	}
	m.phases[entityID] = PhaseDespawning
	kind := m.kinds[entityID]

	m.registry.Unregister(entityID)
	_ = m.store.Remove(store.RoleServer, entityID)

	m.phases[entityID] = PhaseRemoved
	if m.counts[kind] > 0 {
		m.counts[kind]--
	}
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.EntityDespawned(entityID, reason)
	}
	lifecyclelog.EntityDespawned(context.Background(), m.pub, tick, logging.EntityRef{ID: entityID, Kind: logging.EntityKindEntity}, reason)
}

// ReleaseSession cleans up after a departing session: its player entities
// are despawned, its agent entities transfer to the server owner. Returns
// the despawned and transferred entity ids.
func (m *Manager) ReleaseSession(sessionID string, tick uint64) (despawned, transferred []string) {
	ids := m.registry.EntitiesOf(sessionID)
	for _, id := range ids {
		if m.KindOf(id) == state.KindPlayer {
			m.Despawn(id, "disconnect", tick)
			despawned = append(despawned, id)
			continue
		}
		m.registry.Register(id, state.ServerOwner)
		_ = m.store.Write(store.RoleServer, id, tick, func(f *store.Fields) {
			f.Owner = state.ServerOwner
		})
		transferred = append(transferred, id)
	}
	return despawned, transferred
}

// Phase reports the lifecycle phase for an id. Unknown ids report Removed
// semantics via ok=false.
func (m *Manager) Phase(entityID string) (Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	phase, ok := m.phases[entityID]
	return phase, ok
}

// KindOf reports the kind an id was spawned with.
func (m *Manager) KindOf(entityID string) state.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kinds[entityID]
}

// Population reports the live count for a kind.
func (m *Manager) Population(kind state.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[kind]
}
