package state

// Kind tags the controlling variant for a replicated entity.
type Kind string

const (
	// KindPlayer marks entities driven by a human session's prediction engine.
	KindPlayer Kind = "player"
	// KindNonPlayerAgent marks entities driven by the server-side intent source.
	KindNonPlayerAgent Kind = "agent"
)

// ServerOwner is the sentinel owner for entities controlled by the server
// itself rather than any session.
const ServerOwner = "server"

// ParseKind validates a kind string received from the wire.
func ParseKind(value string) (Kind, bool) {
	switch Kind(value) {
	case KindPlayer, KindNonPlayerAgent:
		return Kind(value), true
	default:
		return "", false
	}
}

// Entity captures the replicated field set for a single simulated entity.
// The server is the only writer of these fields once the entity is live; the
// owning session proposes values through state reports that the reconciler
// may accept, blend, or discard.
type Entity struct {
	ID           string  `json:"id"`
	Kind         Kind    `json:"kind"`
	Owner        string  `json:"owner"`
	Position     Vec2    `json:"position"`
	Velocity     Vec2    `json:"velocity"`
	Health       float64 `json:"health"`
	MaxHealth    float64 `json:"maxHealth"`
	Alive        bool    `json:"alive"`
	LastSyncTick uint64  `json:"lastSyncTick"`
}
