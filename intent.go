package server

import (
	"time"

	"driftmark/server/internal/state"
)

// IntentSource produces the intended movement direction for a server-driven
// entity each tick. It is the seam between the replication core and whatever
// decision layer drives non-player agents; the hub clamps the returned vector
// to the unit circle and scales it by the configured move speed, the same
// path a player's predicted input takes.
type IntentSource interface {
	Intent(entityID string, now time.Time) state.Vec2
}

// IntentSourceFunc adapts a function into an IntentSource.
type IntentSourceFunc func(entityID string, now time.Time) state.Vec2

// Intent implements IntentSource.
func (f IntentSourceFunc) Intent(entityID string, now time.Time) state.Vec2 {
	if f == nil {
		return state.Vec2{}
	}
	return f(entityID, now)
}

// PatrolSource walks an entity between waypoints at full speed, switching to
// the next waypoint once within the arrival radius. It keeps per-entity
// progress, so one source can drive many agents.
type PatrolSource struct {
	Waypoints []state.Vec2
	ArriveAt  float64
	Position  func(entityID string) (state.Vec2, bool)

	progress map[string]int
}

// Intent implements IntentSource.
func (p *PatrolSource) Intent(entityID string, now time.Time) state.Vec2 {
	if p == nil || len(p.Waypoints) == 0 || p.Position == nil {
		return state.Vec2{}
	}
	pos, ok := p.Position(entityID)
	if !ok {
		return state.Vec2{}
	}
	if p.progress == nil {
		p.progress = make(map[string]int)
	}
	radius := p.ArriveAt
	if radius <= 0 {
		radius = 1
	}
	idx := p.progress[entityID] % len(p.Waypoints)
	target := p.Waypoints[idx]
	if state.Distance(pos, target) <= radius {
		idx = (idx + 1) % len(p.Waypoints)
		p.progress[entityID] = idx
		target = p.Waypoints[idx]
	}
	return state.Vec2{X: target.X - pos.X, Y: target.Y - pos.Y}
}
