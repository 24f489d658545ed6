// Package store holds the authoritative replicated field set for every live
// entity. Writes are gated on the server role and fenced on the replication
// tick; reads are open to every role. A fixed-cadence flush drains the dirty
// set into full-state updates, trading bandwidth for loss recovery.
package store

import (
	"errors"
	"sort"
	"sync"

	"driftmark/server/internal/state"
)

// Role identifies the caller of a store operation.
type Role int

const (
	// RoleObserver may only read.
	RoleObserver Role = iota
	// RoleOwner is the owning session; its proposals go through the
	// reconciler, never straight into the store.
	RoleOwner
	// RoleServer is the single legitimate writer of authoritative state.
	RoleServer
)

var (
	// ErrUnauthorized rejects an authoritative write from a non-server role.
	ErrUnauthorized = errors.New("store: caller is not the authoritative writer")
	// ErrStaleWrite rejects a write whose tick is older than the stored tick.
	ErrStaleWrite = errors.New("store: write tick is older than stored tick")
	// ErrUnknownEntity rejects an operation against an id the store does not hold.
	ErrUnknownEntity = errors.New("store: unknown entity")
)

// Fields is the replicated field set carried by every state update.
type Fields struct {
	Kind     state.Kind `json:"kind"`
	Owner    string     `json:"owner"`
	Position state.Vec2 `json:"position"`
	Velocity state.Vec2 `json:"velocity"`
	Health   float64    `json:"health"`
	Alive    bool       `json:"alive"`
}

// Snapshot pairs the full field set with the tick it was last written at.
type Snapshot struct {
	EntityID string `json:"entityId"`
	Tick     uint64 `json:"tick"`
	Fields
}

type entry struct {
	fields Fields
	tick   uint64
	dirty  bool
}

// Store keeps per-entity authoritative state keyed by entity id.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Add seeds a new entity record at the given tick. Only the server may add.
// Adding an id that already exists overwrites it; the lifecycle manager never
// reuses ids, so this only happens in tests.
func (s *Store) Add(role Role, id string, fields Fields, tick uint64) error {
	if role != RoleServer {
		return ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = &entry{fields: fields, tick: tick, dirty: true}
	return nil
}

// Remove drops the record for id. Removing an unknown id is a no-op so that
// despawn stays idempotent all the way down.
func (s *Store) Remove(role Role, id string) error {
	if role != RoleServer {
		return ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// Write applies a mutation to the entity's field set at the given tick. The
// stored tick is never regressed: a write carrying an older tick fails with
// ErrStaleWrite and leaves the record untouched. Same-tick writes succeed so
// multiple fields can land within one simulation step.
func (s *Store) Write(role Role, id string, tick uint64, apply func(*Fields)) error {
	if role != RoleServer {
		return ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrUnknownEntity
	}
	if tick < e.tick {
		return ErrStaleWrite
	}
	apply(&e.fields)
	e.tick = tick
	e.dirty = true
	return nil
}

// WritePosition is a convenience wrapper over Write for the position field.
func (s *Store) WritePosition(role Role, id string, v state.Vec2, tick uint64) error {
	return s.Write(role, id, tick, func(f *Fields) { f.Position = v })
}

// WriteVelocity is a convenience wrapper over Write for the velocity field.
func (s *Store) WriteVelocity(role Role, id string, v state.Vec2, tick uint64) error {
	return s.Write(role, id, tick, func(f *Fields) { f.Velocity = v })
}

// WriteHealth is a convenience wrapper over Write for the health field.
func (s *Store) WriteHealth(role Role, id string, health float64, tick uint64) error {
	return s.Write(role, id, tick, func(f *Fields) { f.Health = health })
}

// WriteAlive is a convenience wrapper over Write for the alive flag.
func (s *Store) WriteAlive(role Role, id string, alive bool, tick uint64) error {
	return s.Write(role, id, tick, func(f *Fields) { f.Alive = alive })
}

// Read returns the last authoritative field set and its tick. Available to
// every role.
func (s *Store) Read(id string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{EntityID: id, Tick: e.tick, Fields: e.fields}, true
}

// Contains reports whether the store holds a record for id.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// Flush drains every entity dirtied since the previous flush, returning one
// full-field snapshot per entity sorted by id. Dirty marks are cleared.
func (s *Store) Flush() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Snapshot
	for id, e := range s.entries {
		if !e.dirty {
			continue
		}
		e.dirty = false
		out = append(out, Snapshot{EntityID: id, Tick: e.tick, Fields: e.fields})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// All returns a snapshot of every entity regardless of dirty state, sorted by
// id. Used to build join and resync keyframes.
func (s *Store) All() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, Snapshot{EntityID: id, Tick: e.tick, Fields: e.fields})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Len reports the number of live entity records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
