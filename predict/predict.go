// Package predict applies local input to an owned entity immediately, before
// any server confirmation, so the owning session perceives zero input
// latency. All state here is a private local buffer: nothing in this package
// ever touches the authoritative store, and the server remains free to
// correct the proposed values during reconciliation.
package predict

import (
	"driftmark/server/internal/state"
)

// Input is one locally-generated movement sample. DX/DY describe the desired
// direction; magnitudes beyond the unit circle are clamped, never rejected.
type Input struct {
	DX float64
	DY float64
}

// Report is the periodically-emitted proposal the owning session sends to the
// server for reconciliation.
type Report struct {
	EntityID string
	Tick     uint64
	Position state.Vec2
	Velocity state.Vec2
	Health   float64
}

// Engine simulates a single owned entity between authoritative updates.
type Engine struct {
	entityID  string
	moveSpeed float64
	position  state.Vec2
	velocity  state.Vec2
	health    float64
}

// New seeds a prediction engine from the entity's last known authoritative
// state. moveSpeed is the maximum speed in units per second.
func New(entityID string, position state.Vec2, health, moveSpeed float64) *Engine {
	return &Engine{
		entityID:  entityID,
		moveSpeed: moveSpeed,
		position:  position,
		health:    health,
	}
}

// ApplyInput integrates one input sample over dt seconds and returns the new
// local position. Runs every frame, independent of the network.
func (e *Engine) ApplyInput(in Input, dt float64) state.Vec2 {
	if dt < 0 {
		dt = 0
	}
	dir := state.Vec2{X: in.DX, Y: in.DY}.ClampLength(1)
	e.velocity = dir.Scale(e.moveSpeed)
	e.position = e.position.Add(e.velocity.Scale(dt))
	return e.position
}

// Report snapshots the local state as a proposal stamped with the client's
// view of the current tick.
func (e *Engine) Report(tick uint64) Report {
	return Report{
		EntityID: e.entityID,
		Tick:     tick,
		Position: e.position,
		Velocity: e.velocity,
		Health:   e.health,
	}
}

// AdoptCorrection snaps the local buffer to a server correction so the owner
// converges to the same authoritative value as every observer.
func (e *Engine) AdoptCorrection(position, velocity state.Vec2) {
	e.position = position
	e.velocity = velocity
}

// AdoptHealth applies a server-authoritative health value. Health is never
// predicted locally; damage always arrives via the event channel.
func (e *Engine) AdoptHealth(health float64) {
	e.health = health
}

// Position returns the current locally-simulated position.
func (e *Engine) Position() state.Vec2 { return e.position }

// Velocity returns the current locally-simulated velocity.
func (e *Engine) Velocity() state.Vec2 { return e.velocity }
