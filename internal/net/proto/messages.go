// Package proto defines the versioned JSON wire protocol between server and
// clients. Inbound messages decode into flat structs and map onto simulation
// commands; outbound messages encode through per-type frame helpers so the
// layout stays stable across refactors.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"driftmark/server/internal/events"
	"driftmark/server/internal/sim"
	"driftmark/server/internal/state"
	"driftmark/server/internal/store"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1

	// Type identifiers for outbound payloads.
	typeState     = "state"
	typeKeyframe  = "keyframe"
	typeHeartbeat = "heartbeat"
	typeJoin      = "join"
	typeJoinNack  = "joinNack"
)

// Client message type identifiers.
const (
	TypeReport         = "stateReport"
	TypeSpawnRequest   = "spawnRequest"
	TypeDespawnRequest = "despawnRequest"
	TypeDamage         = "damage"
	TypeHeartbeat      = "heartbeat"
	TypeEventAck       = "eventAck"
)

// Exported aliases for outbound message type identifiers.
const (
	TypeState    = typeState
	TypeKeyframe = typeKeyframe
	TypeJoin     = typeJoin
)

// ClientMessage captures an inbound websocket message from the client.
type ClientMessage struct {
	Ver      int     `json:"ver,omitempty"`
	Type     string  `json:"type"`
	EntityID string  `json:"entityId,omitempty"`
	Tick     uint64  `json:"tick,omitempty"`
	X        float64 `json:"x,omitempty"`
	Y        float64 `json:"y,omitempty"`
	VX       float64 `json:"vx,omitempty"`
	VY       float64 `json:"vy,omitempty"`
	Health   float64 `json:"health,omitempty"`
	Kind     string  `json:"kind,omitempty"`
	Owner    string  `json:"owner,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Amount   float64 `json:"amount,omitempty"`
	SourceID string  `json:"sourceId,omitempty"`
	SentAt   int64   `json:"sentAt,omitempty"`
	Ack      *uint64 `json:"ack,omitempty"`
}

// DecodeClientMessage converts raw websocket payloads into a structured message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	return msg, nil
}

// ClientCommand maps an inbound message onto a simulation command. Session
// and origin metadata are stamped by the hub when the command is accepted.
func ClientCommand(msg ClientMessage) (sim.Command, bool) {
	switch msg.Type {
	case TypeReport:
		if msg.EntityID == "" {
			return sim.Command{}, false
		}
		return sim.Command{
			Type: sim.CommandReport,
			Report: &sim.ReportCommand{
				EntityID: msg.EntityID,
				Tick:     msg.Tick,
				Position: state.Vec2{X: msg.X, Y: msg.Y},
				Velocity: state.Vec2{X: msg.VX, Y: msg.VY},
				Health:   msg.Health,
			},
		}, true
	case TypeSpawnRequest:
		kind, ok := state.ParseKind(msg.Kind)
		if !ok {
			return sim.Command{}, false
		}
		return sim.Command{
			Type: sim.CommandSpawn,
			Spawn: &sim.SpawnCommand{
				Kind:  kind,
				Owner: msg.Owner,
			},
		}, true
	case TypeDespawnRequest:
		if msg.EntityID == "" {
			return sim.Command{}, false
		}
		return sim.Command{
			Type: sim.CommandDespawn,
			Despawn: &sim.DespawnCommand{
				EntityID: msg.EntityID,
				Reason:   msg.Reason,
			},
		}, true
	case TypeDamage:
		if msg.EntityID == "" {
			return sim.Command{}, false
		}
		return sim.Command{
			Type: sim.CommandDamage,
			Damage: &sim.DamageCommand{
				EntityID: msg.EntityID,
				Amount:   msg.Amount,
				Source:   msg.SourceID,
			},
		}, true
	case TypeEventAck:
		if msg.Ack == nil {
			return sim.Command{}, false
		}
		return sim.Command{
			Type:     sim.CommandEventAck,
			EventAck: &sim.EventAckCommand{Seq: *msg.Ack},
		}, true
	default:
		return sim.Command{}, false
	}
}

// CorrectionBroadcast tells every session the authoritative resolution of a
// reconciled state report.
type CorrectionBroadcast struct {
	EntityID       string     `json:"entityId"`
	Tick           uint64     `json:"tick"`
	Position       state.Vec2 `json:"position"`
	Velocity       state.Vec2 `json:"velocity"`
	Health         float64    `json:"health"`
	Classification string     `json:"classification"`
}

// StateMessageV1 is the periodic full-state flush. Updates carry every
// entity dirtied since the previous flush; corrections and events for the
// receiving session ride along so they land within the same tick.
type StateMessageV1 struct {
	Ver         int                   `json:"ver"`
	Type        string                `json:"type"`
	Tick        uint64                `json:"tick"`
	ServerTime  int64                 `json:"serverTime"`
	Updates     []store.Snapshot      `json:"updates,omitempty"`
	Corrections []CorrectionBroadcast `json:"corrections,omitempty"`
	Events      []events.Envelope     `json:"events,omitempty"`
	LastSeq     uint64                `json:"lastSeq,omitempty"`
}

// EncodeStateMessageV1 renders a versioned state flush payload.
func EncodeStateMessageV1(msg StateMessageV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = typeState
	}
	msg.Ver = Version
	return json.Marshal(msg)
}

// KeyframeV1 is a full-world snapshot for joins and forced resyncs.
type KeyframeV1 struct {
	Ver      int              `json:"ver"`
	Type     string           `json:"type"`
	Tick     uint64           `json:"tick"`
	Entities []store.Snapshot `json:"entities"`
	LastSeq  uint64           `json:"lastSeq"`
	Resync   bool             `json:"resync,omitempty"`
}

// EncodeKeyframeV1 renders a versioned keyframe payload.
func EncodeKeyframeV1(msg KeyframeV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = typeKeyframe
	}
	msg.Ver = Version
	return json.Marshal(msg)
}

// ReplicationConfig advertises loop parameters to joining clients.
type ReplicationConfig struct {
	TickRate  int     `json:"tickRate"`
	MoveSpeed float64 `json:"moveSpeed"`
}

// JoinResponseV1 is the admission payload for an approved session.
type JoinResponseV1 struct {
	Ver       int               `json:"ver"`
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId"`
	EntityID  string            `json:"entityId"`
	Tick      uint64            `json:"tick"`
	Entities  []store.Snapshot  `json:"entities"`
	LastSeq   uint64            `json:"lastSeq"`
	Config    ReplicationConfig `json:"config"`
}

// EncodeJoinResponseV1 renders a versioned join response payload.
func EncodeJoinResponseV1(msg JoinResponseV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = typeJoin
	}
	msg.Ver = Version
	return json.Marshal(msg)
}

// JoinReject notifies a session that admission was refused.
type JoinReject struct {
	Reason string
}

// EncodeJoinReject renders a join rejection payload.
func EncodeJoinReject(msg JoinReject) ([]byte, error) {
	frame := struct {
		Ver    int    `json:"ver"`
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}{
		Ver:    Version,
		Type:   typeJoinNack,
		Reason: msg.Reason,
	}
	return json.Marshal(frame)
}

// Heartbeat echoes timing metadata back to the client.
type Heartbeat struct {
	ServerTime int64
	ClientTime int64
	RTTMillis  int64
}

// EncodeHeartbeat renders a heartbeat acknowledgement payload.
func EncodeHeartbeat(msg Heartbeat) ([]byte, error) {
	frame := struct {
		Ver        int    `json:"ver"`
		Type       string `json:"type"`
		ServerTime int64  `json:"serverTime"`
		ClientTime int64  `json:"clientTime"`
		RTTMillis  int64  `json:"rtt"`
	}{
		Ver:        Version,
		Type:       typeHeartbeat,
		ServerTime: msg.ServerTime,
		ClientTime: msg.ClientTime,
		RTTMillis:  msg.RTTMillis,
	}
	return json.Marshal(frame)
}

// SpawnAckPayload rides the reliable event channel when an entity activates.
type SpawnAckPayload struct {
	EntityID string     `json:"entityId"`
	Kind     string     `json:"kind"`
	Owner    string     `json:"owner"`
	Position state.Vec2 `json:"position"`
	Tick     uint64     `json:"tick"`
}

// DespawnNotifyPayload rides the reliable event channel when an entity is removed.
type DespawnNotifyPayload struct {
	EntityID string `json:"entityId"`
	Reason   string `json:"reason,omitempty"`
}

// DamageEventPayload rides the reliable event channel for adjudicated damage.
type DamageEventPayload struct {
	EntityID string  `json:"entityId"`
	Amount   float64 `json:"amount"`
	SourceID string  `json:"sourceId,omitempty"`
	Health   float64 `json:"health"`
}

// DeathEventPayload rides the reliable event channel when health reaches zero.
type DeathEventPayload struct {
	EntityID string `json:"entityId"`
	SourceID string `json:"sourceId,omitempty"`
}

// HeartbeatCommand builds the simulation-side heartbeat from an inbound
// message. RTT is derived from the client-echoed timestamp.
func HeartbeatCommand(msg ClientMessage, now time.Time) *sim.HeartbeatCommand {
	hb := &sim.HeartbeatCommand{ReceivedAt: now, ClientSent: msg.SentAt}
	if msg.SentAt > 0 {
		sent := time.UnixMilli(msg.SentAt)
		if rtt := now.Sub(sent); rtt > 0 {
			hb.RTT = rtt
		}
	}
	return hb
}
