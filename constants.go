package server

import "time"

const (
	// writeWait bounds how long a subscriber write may block before the
	// session is treated as dead.
	writeWait = 10 * time.Second

	// despawnReasonDeath marks removal triggered by health reaching zero.
	despawnReasonDeath = "death"
	// despawnReasonDisconnect marks removal triggered by session departure.
	despawnReasonDisconnect = "disconnect"
	// despawnReasonRequest marks removal explicitly asked for by the owner.
	despawnReasonRequest = "request"
)
