package lifecycle

import (
	"context"

	"driftmark/server/logging"
)

const (
	// EventEntitySpawned is emitted when an entity reaches the Active phase.
	EventEntitySpawned logging.EventType = "lifecycle.entity_spawned"
	// EventEntityDespawned is emitted when an entity reaches the Removed phase.
	EventEntityDespawned logging.EventType = "lifecycle.entity_despawned"
	// EventSessionJoined is emitted when a session is admitted.
	EventSessionJoined logging.EventType = "lifecycle.session_joined"
	// EventSessionDisconnected is emitted when a session leaves or times out.
	EventSessionDisconnected logging.EventType = "lifecycle.session_disconnected"
)

// EntitySpawnedPayload captures spawn metadata for a new entity.
type EntitySpawnedPayload struct {
	Kind   string  `json:"kind"`
	Owner  string  `json:"owner"`
	SpawnX float64 `json:"spawnX"`
	SpawnY float64 `json:"spawnY"`
}

// SessionDisconnectedPayload captures the reason and cleanup totals.
type SessionDisconnectedPayload struct {
	Reason      string `json:"reason"`
	Despawned   int    `json:"despawned"`
	Transferred int    `json:"transferred"`
}

// EntitySpawned publishes an entity spawn event.
func EntitySpawned(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload EntitySpawnedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventEntitySpawned,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// EntityDespawned publishes an entity despawn event.
func EntityDespawned(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, reason string) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventEntityDespawned,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  map[string]string{"reason": reason},
	})
}

// SessionJoined publishes a session admission event.
func SessionJoined(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionJoined,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
	})
}

// SessionDisconnected publishes a session departure event.
func SessionDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SessionDisconnectedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionDisconnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}
