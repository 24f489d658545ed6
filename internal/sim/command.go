package sim

import (
	"time"

	"driftmark/server/internal/state"
)

// CommandType enumerates the supported simulation commands.
type CommandType string

const (
	CommandReport    CommandType = "Report"
	CommandSpawn     CommandType = "Spawn"
	CommandDespawn   CommandType = "Despawn"
	CommandDamage    CommandType = "Damage"
	CommandHeartbeat CommandType = "Heartbeat"
	CommandEventAck  CommandType = "EventAck"
)

// ReportCommand carries an owner's predicted state for one entity.
type ReportCommand struct {
	EntityID string     `json:"entityId"`
	Tick     uint64     `json:"tick"`
	Position state.Vec2 `json:"position"`
	Velocity state.Vec2 `json:"velocity"`
	Health   float64    `json:"health"`
}

// SpawnCommand requests a new entity of the given kind.
type SpawnCommand struct {
	Kind  state.Kind `json:"kind"`
	Owner string     `json:"owner,omitempty"`
}

// DespawnCommand requests removal of an entity the session owns.
type DespawnCommand struct {
	EntityID string `json:"entityId"`
	Reason   string `json:"reason,omitempty"`
}

// DamageCommand applies server-adjudicated damage to an entity.
type DamageCommand struct {
	EntityID string  `json:"entityId"`
	Amount   float64 `json:"amount"`
	Source   string  `json:"source,omitempty"`
}

// HeartbeatCommand updates connectivity metadata for a session.
type HeartbeatCommand struct {
	ReceivedAt time.Time     `json:"receivedAt"`
	ClientSent int64         `json:"clientSent"`
	RTT        time.Duration `json:"rtt"`
}

// EventAckCommand acknowledges reliable-channel delivery up to a sequence.
type EventAckCommand struct {
	Seq uint64 `json:"seq"`
}

// Command represents an intent captured for processing on the next tick.
type Command struct {
	OriginTick uint64            `json:"originTick"`
	SessionID  string            `json:"sessionId"`
	Type       CommandType       `json:"type"`
	IssuedAt   time.Time         `json:"issuedAt"`
	Report     *ReportCommand    `json:"report,omitempty"`
	Spawn      *SpawnCommand     `json:"spawn,omitempty"`
	Despawn    *DespawnCommand   `json:"despawn,omitempty"`
	Damage     *DamageCommand    `json:"damage,omitempty"`
	Heartbeat  *HeartbeatCommand `json:"heartbeat,omitempty"`
	EventAck   *EventAckCommand  `json:"eventAck,omitempty"`
}
