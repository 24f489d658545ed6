package sim

import (
	"time"

	"driftmark/server/internal/telemetry"
	"driftmark/server/logging"
)

// Deps carries the injected collaborators shared by the loop and its engine
// core. Zero values are safe: nil logger/metrics disable reporting.
type Deps struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Clock   logging.Clock
}

// EngineCore is the replication engine driven by the loop. The hub implements
// it: Apply routes drained commands through reconciliation and lifecycle,
// Step advances server-side simulation and flushes state.
type EngineCore interface {
	Deps() Deps
	Apply(commands []Command, tick uint64, dt float64)
	Step(tick uint64, now time.Time, dt float64)
}

// LoopTickContext describes the tick being advanced.
type LoopTickContext struct {
	Tick  uint64
	Now   time.Time
	Delta float64
}

// LoopStepResult summarizes one completed tick for the AfterStep hook.
type LoopStepResult struct {
	Tick         uint64
	Now          time.Time
	Delta        float64
	Commands     []Command
	Duration     time.Duration
	Budget       time.Duration
	ClampedDelta bool
	MaxDelta     float64
}

// LoopHooks let the hub observe loop activity without the loop importing it.
type LoopHooks struct {
	// NextTick advances and returns the replication tick counter. The loop
	// calls it exactly once per iteration.
	NextTick func() uint64
	// AfterStep runs after each completed tick with timing diagnostics.
	AfterStep func(LoopStepResult)
	// OnCommandDrop fires when backpressure rejects a staged command.
	OnCommandDrop func(reason string, cmd Command)
	// OnQueueWarning fires when buffer occupancy crosses the warning step.
	OnQueueWarning func(length int)
}
