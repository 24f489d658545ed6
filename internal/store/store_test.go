package store

import (
	"errors"
	"testing"

	"driftmark/server/internal/state"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	fields := Fields{
		Kind:     state.KindPlayer,
		Owner:    "session-a",
		Position: state.Vec2{X: 10, Y: 10},
		Health:   100,
		Alive:    true,
	}
	if err := s.Add(RoleServer, "entity-1", fields, 5); err != nil {
		t.Fatalf("seed add failed: %v", err)
	}
	return s
}

func TestWriteRequiresServerRole(t *testing.T) {
	s := seeded(t)
	for _, role := range []Role{RoleObserver, RoleOwner} {
		err := s.WritePosition(role, "entity-1", state.Vec2{X: 1}, 6)
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("role %d: expected ErrUnauthorized, got %v", role, err)
		}
	}
	snap, ok := s.Read("entity-1")
	if !ok || snap.Position.X != 10 {
		t.Fatalf("rejected write must not mutate state, got %+v", snap)
	}
}

func TestWriteRejectsStaleTick(t *testing.T) {
	s := seeded(t)
	err := s.WritePosition(RoleServer, "entity-1", state.Vec2{X: 1}, 4)
	if !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	snap, _ := s.Read("entity-1")
	if snap.Tick != 5 {
		t.Fatalf("stale write must not regress tick, got %d", snap.Tick)
	}
}

func TestTickNeverRegresses(t *testing.T) {
	s := seeded(t)
	ticks := []uint64{5, 5, 7, 6, 9, 8, 9, 12}
	last := uint64(0)
	for _, tick := range ticks {
		_ = s.WriteHealth(RoleServer, "entity-1", float64(tick), tick)
		snap, _ := s.Read("entity-1")
		if snap.Tick < last {
			t.Fatalf("stored tick regressed from %d to %d", last, snap.Tick)
		}
		last = snap.Tick
	}
	if last != 12 {
		t.Fatalf("expected final tick 12, got %d", last)
	}
}

func TestSameTickWritesLand(t *testing.T) {
	s := seeded(t)
	if err := s.WritePosition(RoleServer, "entity-1", state.Vec2{X: 20, Y: 30}, 6); err != nil {
		t.Fatalf("position write failed: %v", err)
	}
	if err := s.WriteVelocity(RoleServer, "entity-1", state.Vec2{X: 1, Y: 0}, 6); err != nil {
		t.Fatalf("same-tick velocity write failed: %v", err)
	}
	snap, _ := s.Read("entity-1")
	if snap.Position.X != 20 || snap.Velocity.X != 1 || snap.Tick != 6 {
		t.Fatalf("unexpected snapshot after same-tick writes: %+v", snap)
	}
}

func TestWriteUnknownEntity(t *testing.T) {
	s := New()
	err := s.WriteHealth(RoleServer, "entity-404", 10, 1)
	if !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
}

func TestFlushDrainsDirtySet(t *testing.T) {
	s := seeded(t)
	_ = s.Add(RoleServer, "entity-2", Fields{Kind: state.KindNonPlayerAgent, Owner: state.ServerOwner, Alive: true}, 5)

	first := s.Flush()
	if len(first) != 2 {
		t.Fatalf("expected both seeded entities in first flush, got %d", len(first))
	}
	if first[0].EntityID != "entity-1" || first[1].EntityID != "entity-2" {
		t.Fatalf("expected flush sorted by id, got %v", []string{first[0].EntityID, first[1].EntityID})
	}

	if second := s.Flush(); len(second) != 0 {
		t.Fatalf("expected clean store to flush nothing, got %d entries", len(second))
	}

	_ = s.WriteHealth(RoleServer, "entity-2", 40, 6)
	third := s.Flush()
	if len(third) != 1 || third[0].EntityID != "entity-2" {
		t.Fatalf("expected only dirtied entity in flush, got %+v", third)
	}
	if third[0].Health != 40 || third[0].Kind != state.KindNonPlayerAgent {
		t.Fatalf("flush must carry the full field set, got %+v", third[0])
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := seeded(t)
	if err := s.Remove(RoleServer, "entity-1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := s.Remove(RoleServer, "entity-1"); err != nil {
		t.Fatalf("second remove must be a no-op, got %v", err)
	}
	if s.Contains("entity-1") {
		t.Fatal("entity still present after remove")
	}
}
