package network

import (
	"context"

	"driftmark/server/logging"
)

const (
	// EventHeartbeatTimeout is emitted when a session goes silent past the threshold.
	EventHeartbeatTimeout logging.EventType = "network.heartbeat_timeout"
	// EventCommandDropped is emitted when the staged command queue rejects a command.
	EventCommandDropped logging.EventType = "network.command_dropped"
	// EventApprovalRejected is emitted when the admission hook refuses a session.
	EventApprovalRejected logging.EventType = "network.approval_rejected"
)

// HeartbeatTimeout publishes a connection-timeout disconnect.
func HeartbeatTimeout(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, silentMillis int64) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventHeartbeatTimeout,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  map[string]int64{"silentMillis": silentMillis},
	})
}

// CommandDropped publishes a backpressure drop.
func CommandDropped(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, reason string, count uint64) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCommandDropped,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  map[string]any{"reason": reason, "count": count},
	})
}

// ApprovalRejected publishes an admission refusal.
func ApprovalRejected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, reason string) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventApprovalRejected,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  map[string]string{"reason": reason},
	})
}
