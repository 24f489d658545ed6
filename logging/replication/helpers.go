package replication

import (
	"context"

	"driftmark/server/logging"
)

const (
	// EventCorrectionApplied is emitted when the reconciler resolves a state report.
	EventCorrectionApplied logging.EventType = "replication.correction_applied"
	// EventStaleReportDiscarded is emitted when a report regresses the tick fence.
	EventStaleReportDiscarded logging.EventType = "replication.stale_report_discarded"
	// EventUnauthorizedReport is emitted when a session reports for an entity it does not own.
	EventUnauthorizedReport logging.EventType = "replication.unauthorized_report"
	// EventResyncForced is emitted when an event backlog overflow forces a keyframe resync.
	EventResyncForced logging.EventType = "replication.resync_forced"
)

// CorrectionPayload records how a reconciled report was classified.
type CorrectionPayload struct {
	Classification string  `json:"classification"`
	ErrorMagnitude float64 `json:"errorMagnitude"`
	ReportTick     uint64  `json:"reportTick"`
}

// CorrectionApplied publishes the outcome of one reconciliation pass. Hard
// corrections are warnings: they mean the server adopted an unverified
// client position.
func CorrectionApplied(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload CorrectionPayload) {
	if pub == nil {
		return
	}
	severity := logging.SeverityDebug
	if payload.Classification == "hard" {
		severity = logging.SeverityWarn
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCorrectionApplied,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// StaleReportDiscarded publishes a tick-regression discard. Discards are
// normal under latency spikes, so this stays at debug.
func StaleReportDiscarded(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, reportTick uint64) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventStaleReportDiscarded,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryReplication,
		Payload:  map[string]uint64{"reportTick": reportTick},
	})
}

// UnauthorizedReport publishes a rejected report from a non-owner.
func UnauthorizedReport(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, sessionID string) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventUnauthorizedReport,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  map[string]string{"sessionId": sessionID},
	})
}

// ResyncForced publishes a forced keyframe resync for a session.
func ResyncForced(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, dropped uint64) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventResyncForced,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  map[string]uint64{"droppedEvents": dropped},
	})
}
