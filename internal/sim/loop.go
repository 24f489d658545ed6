package sim

import (
	"sync"
	"time"

	"driftmark/server/logging"
)

const (
	// CommandRejectQueueLimit indicates a command was dropped due to
	// per-session queue throttling.
	CommandRejectQueueLimit = "queue_limit"
	// CommandRejectQueueFull indicates the global command buffer is saturated.
	CommandRejectQueueFull = "queue_full"
)

// LoopConfig tunes the command buffer and tick loop orchestration.
type LoopConfig struct {
	TickRate        int
	CatchupMaxTicks int
	CommandCapacity int
	PerSessionLimit int
	WarningStep     int
}

// Loop coordinates command ingestion and the fixed-timestep simulation
// runner. Network readers enqueue concurrently; the loop goroutine drains at
// tick boundaries, so the engine core never blocks on socket activity
// mid-tick.
type Loop struct {
	core   EngineCore
	buffer *CommandBuffer
	hooks  LoopHooks
	config LoopConfig
	deps   Deps

	queueMu         sync.Mutex
	perSessionCount map[string]int
	dropCounts      map[string]uint64
}

// NewLoop wraps the provided engine core with a ring-buffer queue and loop.
func NewLoop(core EngineCore, cfg LoopConfig, hooks LoopHooks) *Loop {
	if core == nil {
		return nil
	}
	deps := core.Deps()
	return &Loop{
		core:            core,
		buffer:          NewCommandBuffer(cfg.CommandCapacity, deps.Metrics),
		hooks:           hooks,
		config:          cfg,
		deps:            deps,
		perSessionCount: make(map[string]int),
		dropCounts:      make(map[string]uint64),
	}
}

// Pending reports the number of staged commands.
func (l *Loop) Pending() int {
	if l == nil {
		return 0
	}
	return l.buffer.Len()
}

// Enqueue stages a command, enforcing per-session throttling and capacity
// limits. The returned reason is empty on success.
func (l *Loop) Enqueue(cmd Command) (bool, string) {
	if l == nil {
		return false, CommandRejectQueueFull
	}
	reason := ""
	var dropCount uint64
	l.queueMu.Lock()
	if l.config.PerSessionLimit > 0 && cmd.SessionID != "" {
		count := l.perSessionCount[cmd.SessionID]
		if count >= l.config.PerSessionLimit {
			reason = CommandRejectQueueLimit
			dropCount = l.incrementDropLocked(cmd.SessionID)
		} else {
			l.perSessionCount[cmd.SessionID] = count + 1
		}
	}
	if reason == "" {
		if !l.buffer.Push(cmd) {
			reason = CommandRejectQueueFull
			dropCount = l.incrementDropLocked(cmd.SessionID)
		} else if l.config.WarningStep > 0 {
			length := l.buffer.Len()
			if length >= l.config.WarningStep && length%l.config.WarningStep == 0 {
				l.queueMu.Unlock()
				l.warnQueue(length)
				return true, ""
			}
		}
	}
	l.queueMu.Unlock()
	if reason != "" {
		l.reportDrop(reason, cmd, dropCount)
		return false, reason
	}
	return true, ""
}

// Advance executes a single simulation step using the staged commands.
func (l *Loop) Advance(ctx LoopTickContext) LoopStepResult {
	if l == nil {
		return LoopStepResult{}
	}
	commands := l.drainCommands()
	l.core.Apply(commands, ctx.Tick, ctx.Delta)
	l.core.Step(ctx.Tick, ctx.Now, ctx.Delta)
	return LoopStepResult{
		Tick:     ctx.Tick,
		Now:      ctx.Now,
		Delta:    ctx.Delta,
		Commands: commands,
	}
}

// Run drives the fixed-timestep loop until the stop channel closes. Each
// iteration advances the replication tick exactly once; a stalled host is
// caught up with a clamped delta rather than a burst of ticks.
func (l *Loop) Run(stop <-chan struct{}) {
	if l == nil {
		return
	}
	tickRate := l.config.TickRate
	if tickRate <= 0 {
		tickRate = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()

	clock := l.deps.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	last := clock.Now()
	budgetSeconds := 1.0 / float64(tickRate)
	maxDt := budgetSeconds
	if l.config.CatchupMaxTicks > 1 {
		maxDt = budgetSeconds * float64(l.config.CatchupMaxTicks)
	}
	budgetDuration := time.Second / time.Duration(tickRate)

	var fallbackTick uint64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := clock.Now()
			dt := now.Sub(last).Seconds()
			clamped := false
			if dt <= 0 {
				dt = budgetSeconds
			} else if dt > maxDt {
				dt = maxDt
				clamped = true
			}
			last = now

			var tick uint64
			if l.hooks.NextTick != nil {
				tick = l.hooks.NextTick()
			} else {
				fallbackTick++
				tick = fallbackTick
			}

			start := clock.Now()
			result := l.Advance(LoopTickContext{Tick: tick, Now: now, Delta: dt})
			result.Duration = clock.Now().Sub(start)
			result.Budget = budgetDuration
			result.ClampedDelta = clamped
			result.MaxDelta = maxDt

			if l.hooks.AfterStep != nil {
				l.hooks.AfterStep(result)
			}
		}
	}
}

func (l *Loop) drainCommands() []Command {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	commands := l.buffer.Drain()
	if len(l.perSessionCount) > 0 {
		l.perSessionCount = make(map[string]int)
	}
	return commands
}

func (l *Loop) incrementDropLocked(sessionID string) uint64 {
	if sessionID == "" {
		return 0
	}
	count := l.dropCounts[sessionID] + 1
	l.dropCounts[sessionID] = count
	return count
}

func (l *Loop) warnQueue(length int) {
	if l.hooks.OnQueueWarning != nil {
		l.hooks.OnQueueWarning(length)
	}
}

func (l *Loop) reportDrop(reason string, cmd Command, count uint64) {
	if l.hooks.OnCommandDrop != nil {
		l.hooks.OnCommandDrop(reason, cmd)
	}
	// Log on powers of two so a flooding session cannot flood the log too.
	if count > 0 && count&(count-1) == 0 {
		if l.deps.Logger != nil {
			l.deps.Logger.Printf(
				"[backpressure] dropping command session=%s type=%s reason=%s count=%d limit=%d",
				cmd.SessionID,
				cmd.Type,
				reason,
				count,
				l.config.PerSessionLimit,
			)
		}
	}
}
