// Package interp smooths entity motion for non-owning observers. It never
// predicts: it only blends between the two most recent authoritative
// snapshots, so observed entities trail the server by up to one flush
// interval but never show invented positions.
package interp

import (
	"time"

	"driftmark/server/internal/state"
)

// Snapshot is one authoritative observation of an entity.
type Snapshot struct {
	Position state.Vec2
	Velocity state.Vec2
	Tick     uint64
	At       time.Time
}

// Clamp01 clamps v into [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Smoothstep applies the cubic easing 3t²−2t³ to a value already in [0, 1].
func Smoothstep(t float64) float64 {
	return t * t * (3 - 2*t)
}

// Interpolator tracks the last/target snapshot pair for a single entity.
type Interpolator struct {
	interval time.Duration
	last     Snapshot
	target   Snapshot
	observed bool
}

// New returns an interpolator expecting snapshots at the given interval
// (the server flush cadence).
func New(interval time.Duration) *Interpolator {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Interpolator{interval: interval}
}

// Observe feeds a new authoritative snapshot. The previous target becomes the
// blend origin. Snapshots older than the current target are dropped so a
// reordered delivery cannot pull the display backwards.
func (i *Interpolator) Observe(s Snapshot) {
	if i.observed && s.Tick < i.target.Tick {
		return
	}
	if !i.observed {
		i.last = s
		i.observed = true
	} else {
		i.last = i.target
	}
	i.target = s
}

// Sample returns the display position and velocity for the given wall time.
// Position eases from the previous snapshot to the newest with smoothstep;
// velocity is taken straight from the newest snapshot for animation use.
// At alpha = 1 the output equals the target exactly.
func (i *Interpolator) Sample(now time.Time) (state.Vec2, state.Vec2) {
	if !i.observed {
		return state.Vec2{}, state.Vec2{}
	}
	alpha := Clamp01(now.Sub(i.target.At).Seconds() / i.interval.Seconds())
	if alpha >= 1 {
		return i.target.Position, i.target.Velocity
	}
	eased := Smoothstep(alpha)
	return state.Lerp(i.last.Position, i.target.Position, eased), i.target.Velocity
}

// Target exposes the newest authoritative snapshot.
func (i *Interpolator) Target() (Snapshot, bool) {
	return i.target, i.observed
}
