package state

// ConnectionState tracks where a session sits in its connection lifecycle.
type ConnectionState string

const (
	ConnectionConnecting    ConnectionState = "connecting"
	ConnectionActive        ConnectionState = "active"
	ConnectionDisconnecting ConnectionState = "disconnecting"
	ConnectionRemoved       ConnectionState = "removed"
)

// Session identifies a connected client. Entity ownership is tracked by the
// ownership registry, not here, so there is exactly one source of truth for
// the entity↔owner mapping.
type Session struct {
	ID    string          `json:"id"`
	State ConnectionState `json:"state"`
}
