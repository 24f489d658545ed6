package sim

import (
	"context"
	"errors"
	"fmt"

	"driftmark/server/internal/registry"
	"driftmark/server/internal/state"
	"driftmark/server/internal/store"
	"driftmark/server/internal/telemetry"
	"driftmark/server/logging"
	replicationlog "driftmark/server/logging/replication"
)

// Classification buckets the positional error of a state report.
type Classification string

const (
	// ClassificationAccept keeps the server's own simulated value.
	ClassificationAccept Classification = "accept"
	// ClassificationSoft blends the server position halfway toward the report.
	ClassificationSoft Classification = "soft"
	// ClassificationHard adopts the reported position outright.
	ClassificationHard Classification = "hard"
)

// Classification thresholds, in world units of positional error.
const (
	acceptErrorBound = 0.1
	softErrorBound   = 2.0
)

// Classify maps an error magnitude onto a correction class. Boundaries are
// inclusive on the soft side: exactly 0.1 is Soft, exactly 2.0 is Soft.
func Classify(errorMagnitude float64) Classification {
	switch {
	case errorMagnitude < acceptErrorBound:
		return ClassificationAccept
	case errorMagnitude <= softErrorBound:
		return ClassificationSoft
	default:
		return ClassificationHard
	}
}

// ErrStaleReport marks a report whose tick is older than the stored tick for
// its entity. Stale reports are discarded, never applied.
var ErrStaleReport = errors.New("sim: state report tick older than stored tick")

// Correction is the authoritative outcome of reconciling one state report.
// It is broadcast to every session so observers and the owner converge.
type Correction struct {
	EntityID       string
	Tick           uint64
	Classification Classification
	ErrorMagnitude float64
	Position       state.Vec2
	Velocity       state.Vec2
	Health         float64
}

// Reconciler validates owner-reported state against the server simulation
// and resolves the difference into an authoritative write. It is the only
// path by which client input reaches the replicated store.
type Reconciler struct {
	store    *store.Store
	registry *registry.Registry
	metrics  telemetry.Metrics
	pub      logging.Publisher
}

// NewReconciler wires the reconciler to the store and ownership registry.
// metrics and pub may be nil.
func NewReconciler(st *store.Store, reg *registry.Registry, metrics telemetry.Metrics, pub logging.Publisher) *Reconciler {
	if pub == nil {
		pub = logging.NopPublisher{}
	}
	return &Reconciler{store: st, registry: reg, metrics: metrics, pub: pub}
}

// Reconcile processes one state report at the current tick. The returned
// correction carries the values written to the store; the caller broadcasts
// it. Reports for unknown entities, reports from non-owners, and reports
// behind the tick fence return errors the caller discards without applying.
func (r *Reconciler) Reconcile(sessionID string, report ReportCommand, currentTick uint64) (Correction, error) {
	ctx := context.Background()
	actor := logging.EntityRef{ID: report.EntityID, Kind: logging.EntityKindEntity}

	owner, ok := r.registry.OwnerOf(report.EntityID)
	if !ok {
		// Despawn racing an in-flight report; drop quietly.
		return Correction{}, fmt.Errorf("reconcile %q: %w", report.EntityID, store.ErrUnknownEntity)
	}
	if owner != sessionID {
		replicationlog.UnauthorizedReport(ctx, r.pub, currentTick, actor, sessionID)
		return Correction{}, fmt.Errorf("reconcile %q: session %q is not the owner: %w", report.EntityID, sessionID, store.ErrUnauthorized)
	}

	snap, ok := r.store.Read(report.EntityID)
	if !ok {
		return Correction{}, fmt.Errorf("reconcile %q: %w", report.EntityID, store.ErrUnknownEntity)
	}
	if report.Tick < snap.Tick {
		if r.metrics != nil {
			r.metrics.Add(telemetry.MetricStaleReports, 1)
		}
		replicationlog.StaleReportDiscarded(ctx, r.pub, currentTick, actor, report.Tick)
		return Correction{}, fmt.Errorf("reconcile %q: report tick %d behind stored tick %d: %w", report.EntityID, report.Tick, snap.Tick, ErrStaleReport)
	}

	errorMagnitude := state.Distance(report.Position, snap.Position)
	class := Classify(errorMagnitude)

	var corrected state.Vec2
	switch class {
	case ClassificationAccept:
		corrected = snap.Position
		r.count(telemetry.MetricCorrectionsAccept)
	case ClassificationSoft:
		corrected = state.Lerp(snap.Position, report.Position, 0.5)
		r.count(telemetry.MetricCorrectionsSoft)
	case ClassificationHard:
		corrected = report.Position
		r.count(telemetry.MetricCorrectionsHard)
	}

	err := r.store.Write(store.RoleServer, report.EntityID, currentTick, func(f *store.Fields) {
		f.Position = corrected
		f.Velocity = report.Velocity
		f.Health = report.Health
	})
	if err != nil {
		return Correction{}, fmt.Errorf("reconcile %q: %w", report.EntityID, err)
	}

	replicationlog.CorrectionApplied(ctx, r.pub, currentTick, actor, replicationlog.CorrectionPayload{
		Classification: string(class),
		ErrorMagnitude: errorMagnitude,
		ReportTick:     report.Tick,
	})

	return Correction{
		EntityID:       report.EntityID,
		Tick:           currentTick,
		Classification: class,
		ErrorMagnitude: errorMagnitude,
		Position:       corrected,
		Velocity:       report.Velocity,
		Health:         report.Health,
	}, nil
}

func (r *Reconciler) count(key string) {
	if r.metrics != nil {
		r.metrics.Add(key, 1)
	}
}
