// Package server wires the replication core together: the hub owns sessions
// and subscribers, drives the fixed-tick loop, and is the single writer of
// authoritative entity state.
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"driftmark/server/internal/config"
	"driftmark/server/internal/events"
	"driftmark/server/internal/lifecycle"
	"driftmark/server/internal/net/proto"
	"driftmark/server/internal/registry"
	"driftmark/server/internal/sim"
	"driftmark/server/internal/state"
	"driftmark/server/internal/store"
	"driftmark/server/internal/telemetry"
	"driftmark/server/logging"
	lifecyclelog "driftmark/server/logging/lifecycle"
	networklog "driftmark/server/logging/network"
	replicationlog "driftmark/server/logging/replication"
)

// Conn abstracts the subscriber transport so tests can fake the socket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type subscriber struct {
	conn Conn
	mu   sync.Mutex
}

type sessionState struct {
	state.Session
	entityID      string
	joinedAt      time.Time
	lastHeartbeat time.Time
	lastRTT       time.Duration
}

// ApprovalFunc is the session admission hook. A nil hook approves everyone.
type ApprovalFunc func(sessionID string) (bool, string)

// Hub owns all live sessions and entities. All authoritative mutation runs
// on the loop goroutine; the mutex guards the session and subscriber maps,
// which network goroutines touch concurrently.
type Hub struct {
	cfg  config.Config
	deps sim.Deps
	pub  logging.Publisher

	store      *store.Store
	registry   *registry.Registry
	lifecycle  *lifecycle.Manager
	events     *events.Channel
	reconciler *sim.Reconciler
	loop       *sim.Loop
	approval   ApprovalFunc

	tick atomic.Uint64

	mu          sync.Mutex
	sessions    map[string]*sessionState
	subscribers map[string]*subscriber
	intents     map[string]IntentSource
	corrections []proto.CorrectionBroadcast
}

// NewHub assembles a hub and its replication collaborators. deps fields and
// pub may be nil; approval may be nil to admit every session.
func NewHub(cfg config.Config, deps sim.Deps, pub logging.Publisher, approval ApprovalFunc) *Hub {
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock{}
	}
	if pub == nil {
		pub = logging.NopPublisher{}
	}

	reg := registry.New()
	st := store.New()

	h := &Hub{
		cfg:         cfg,
		deps:        deps,
		pub:         pub,
		store:       st,
		registry:    reg,
		events:      events.NewChannel(cfg.EventBacklogLimit, deps.Metrics),
		reconciler:  sim.NewReconciler(st, reg, deps.Metrics, pub),
		approval:    approval,
		sessions:    make(map[string]*sessionState),
		subscribers: make(map[string]*subscriber),
		intents:     make(map[string]IntentSource),
	}

	lifecycleCfg := lifecycle.DefaultConfig()
	lifecycleCfg.Ceilings = map[state.Kind]int{
		state.KindPlayer:         cfg.MaxPlayers,
		state.KindNonPlayerAgent: cfg.MaxAgents,
	}
	lifecycleCfg.SpawnHealth = cfg.SpawnHealth
	h.lifecycle = lifecycle.NewManager(lifecycleCfg, reg, st, h, pub)

	h.loop = sim.NewLoop(h, sim.LoopConfig{
		TickRate:        cfg.TickRate,
		CatchupMaxTicks: cfg.CatchupMaxTicks,
		CommandCapacity: cfg.CommandCapacity,
		PerSessionLimit: cfg.PerSessionLimit,
		WarningStep:     cfg.QueueWarningAt,
	}, sim.LoopHooks{
		NextTick:      func() uint64 { return h.tick.Add(1) },
		AfterStep:     h.afterStep,
		OnCommandDrop: h.onCommandDrop,
	})
	return h
}

// CurrentTick returns the latest completed replication tick.
func (h *Hub) CurrentTick() uint64 {
	return h.tick.Load()
}

// Store exposes read access to the authoritative state for handlers.
func (h *Hub) Store() *store.Store {
	return h.store
}

// Run drives the fixed-rate tick loop until the stop channel closes.
func (h *Hub) Run(stop <-chan struct{}) {
	h.loop.Run(stop)
}

// Enqueue stamps origin metadata and stages a command for the next tick.
func (h *Hub) Enqueue(cmd sim.Command) (bool, string) {
	cmd.OriginTick = h.tick.Load()
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = h.deps.Clock.Now()
	}
	return h.loop.Enqueue(cmd)
}

// Join admits a new session, spawns its player entity, and returns the full
// keyframe the client boots from.
func (h *Hub) Join() (proto.JoinResponseV1, error) {
	sessionID := uuid.NewString()
	actor := logging.EntityRef{ID: sessionID, Kind: logging.EntityKindSession}

	if h.approval != nil {
		if ok, reason := h.approval(sessionID); !ok {
			networklog.ApprovalRejected(context.Background(), h.pub, actor, reason)
			return proto.JoinResponseV1{}, fmt.Errorf("join %s: admission rejected: %s", sessionID, reason)
		}
	}

	tick := h.tick.Load()
	spawn, err := h.lifecycle.Spawn(state.KindPlayer, sessionID, tick)
	if err != nil {
		return proto.JoinResponseV1{}, fmt.Errorf("join %s: %w", sessionID, err)
	}

	now := h.deps.Clock.Now()
	h.mu.Lock()
	h.sessions[sessionID] = &sessionState{
		Session:       state.Session{ID: sessionID, State: state.ConnectionActive},
		entityID:      spawn.EntityID,
		joinedAt:      now,
		lastHeartbeat: now,
	}
	h.mu.Unlock()

	h.events.Attach(sessionID)
	lifecyclelog.SessionJoined(context.Background(), h.pub, tick, actor)

	return proto.JoinResponseV1{
		SessionID: sessionID,
		EntityID:  spawn.EntityID,
		Tick:      tick,
		Entities:  h.store.All(),
		LastSeq:   h.events.LastSeq(),
		Config: proto.ReplicationConfig{
			TickRate:  h.cfg.TickRate,
			MoveSpeed: h.cfg.MoveSpeed,
		},
	}, nil
}

// Subscribe attaches a connection to an admitted session, replacing any
// previous connection for the same session.
func (h *Hub) Subscribe(sessionID string, conn Conn) bool {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	sess.lastHeartbeat = h.deps.Clock.Now()
	existing := h.subscribers[sessionID]
	h.subscribers[sessionID] = &subscriber{conn: conn}
	h.mu.Unlock()

	if existing != nil {
		existing.conn.Close()
	}
	return true
}

// Disconnect removes a session: player entities despawn, agent entities
// transfer to the server owner, and the event outbox is dropped.
func (h *Hub) Disconnect(sessionID, reason string) {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if ok {
		sess.State = state.ConnectionDisconnecting
		delete(h.sessions, sessionID)
	}
	sub := h.subscribers[sessionID]
	delete(h.subscribers, sessionID)
	h.mu.Unlock()
	if !ok {
		if sub != nil {
			sub.conn.Close()
		}
		return
	}

	tick := h.tick.Load()
	despawned, transferred := h.lifecycle.ReleaseSession(sessionID, tick)
	h.events.Detach(sessionID)
	if sub != nil {
		sub.conn.Close()
	}
	sess.State = state.ConnectionRemoved

	lifecyclelog.SessionDisconnected(context.Background(), h.pub, tick,
		logging.EntityRef{ID: sessionID, Kind: logging.EntityKindSession},
		lifecyclelog.SessionDisconnectedPayload{
			Reason:      reason,
			Despawned:   len(despawned),
			Transferred: len(transferred),
		})
}

// SpawnAgent creates a server-owned entity driven by the given intent source.
func (h *Hub) SpawnAgent(source IntentSource) (string, error) {
	spawn, err := h.lifecycle.Spawn(state.KindNonPlayerAgent, state.ServerOwner, h.tick.Load())
	if err != nil {
		return "", err
	}
	if source != nil {
		h.mu.Lock()
		h.intents[spawn.EntityID] = source
		h.mu.Unlock()
	}
	return spawn.EntityID, nil
}

// UpdateHeartbeat refreshes connectivity metadata for a session.
func (h *Hub) UpdateHeartbeat(sessionID string, hb sim.HeartbeatCommand) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		return 0, false
	}
	sess.lastHeartbeat = hb.ReceivedAt
	if hb.RTT > 0 {
		sess.lastRTT = hb.RTT
	}
	return sess.lastRTT, true
}

// Deps implements sim.EngineCore.
func (h *Hub) Deps() sim.Deps {
	return h.deps
}

// Apply implements sim.EngineCore: it routes the tick's drained commands
// through reconciliation, lifecycle, and the event channel.
func (h *Hub) Apply(commands []sim.Command, tick uint64, dt float64) {
	for _, cmd := range commands {
		switch cmd.Type {
		case sim.CommandReport:
			if cmd.Report == nil {
				continue
			}
			correction, err := h.reconciler.Reconcile(cmd.SessionID, *cmd.Report, tick)
			if err != nil {
				// Stale, unauthorized, and unknown-entity reports are
				// discarded; the reconciler already logged them.
				continue
			}
			h.mu.Lock()
			h.corrections = append(h.corrections, proto.CorrectionBroadcast{
				EntityID:       correction.EntityID,
				Tick:           correction.Tick,
				Position:       correction.Position,
				Velocity:       correction.Velocity,
				Health:         correction.Health,
				Classification: string(correction.Classification),
			})
			h.mu.Unlock()
		case sim.CommandSpawn:
			if cmd.Spawn == nil {
				continue
			}
			h.applySpawn(cmd, tick)
		case sim.CommandDespawn:
			if cmd.Despawn == nil {
				continue
			}
			h.applyDespawn(cmd, tick)
		case sim.CommandDamage:
			if cmd.Damage == nil {
				continue
			}
			h.applyDamage(*cmd.Damage, tick)
		case sim.CommandHeartbeat:
			if cmd.Heartbeat == nil {
				continue
			}
			h.UpdateHeartbeat(cmd.SessionID, *cmd.Heartbeat)
		case sim.CommandEventAck:
			if cmd.EventAck == nil {
				continue
			}
			h.events.Ack(cmd.SessionID, cmd.EventAck.Seq)
		}
	}
}

func (h *Hub) applySpawn(cmd sim.Command, tick uint64) {
	owner := cmd.SessionID
	if cmd.Spawn.Kind == state.KindNonPlayerAgent && cmd.Spawn.Owner != "" {
		owner = cmd.Spawn.Owner
	}
	if _, err := h.lifecycle.Spawn(cmd.Spawn.Kind, owner, tick); err != nil {
		if h.deps.Logger != nil {
			h.deps.Logger.Printf("spawn rejected session=%s kind=%s: %v", cmd.SessionID, cmd.Spawn.Kind, err)
		}
	}
}

func (h *Hub) applyDespawn(cmd sim.Command, tick uint64) {
	owner, ok := h.registry.OwnerOf(cmd.Despawn.EntityID)
	if ok && owner != cmd.SessionID {
		// Only the owner may retire its entity. Unknown ids fall through:
		// despawn is idempotent.
		return
	}
	reason := cmd.Despawn.Reason
	if reason == "" {
		reason = despawnReasonRequest
	}
	h.lifecycle.Despawn(cmd.Despawn.EntityID, reason, tick)
}

// applyDamage adjudicates a damage command: health is always computed
// server-side from stored state, never taken from the sender.
func (h *Hub) applyDamage(dmg sim.DamageCommand, tick uint64) {
	snap, ok := h.store.Read(dmg.EntityID)
	if !ok || !snap.Alive || dmg.Amount <= 0 {
		return
	}
	health := snap.Health - dmg.Amount
	if health < 0 {
		health = 0
	}
	dead := health <= 0
	err := h.store.Write(store.RoleServer, dmg.EntityID, tick, func(f *store.Fields) {
		f.Health = health
		if dead {
			f.Alive = false
		}
	})
	if err != nil {
		return
	}
	h.events.Broadcast(events.TypeDamage, proto.DamageEventPayload{
		EntityID: dmg.EntityID,
		Amount:   dmg.Amount,
		SourceID: dmg.Source,
		Health:   health,
	})
	if dead {
		h.events.Broadcast(events.TypeDeath, proto.DeathEventPayload{
			EntityID: dmg.EntityID,
			SourceID: dmg.Source,
		})
		h.lifecycle.Despawn(dmg.EntityID, despawnReasonDeath, tick)
	}
}

// Step implements sim.EngineCore: timeout sweep, server-driven movement,
// then the flush broadcast. Corrections staged by Apply ride the same flush,
// so every session sees them within the tick they were produced.
func (h *Hub) Step(tick uint64, now time.Time, dt float64) {
	h.sweepTimeouts(tick, now)
	h.stepAgents(tick, dt)
	h.broadcastState(tick, now)
}

func (h *Hub) sweepTimeouts(tick uint64, now time.Time) {
	timeout := h.cfg.HeartbeatTimeout
	if timeout <= 0 {
		return
	}
	var stale []string
	var silent []int64
	h.mu.Lock()
	for id, sess := range h.sessions {
		if gap := now.Sub(sess.lastHeartbeat); gap > timeout {
			stale = append(stale, id)
			silent = append(silent, gap.Milliseconds())
		}
	}
	h.mu.Unlock()
	for i, id := range stale {
		networklog.HeartbeatTimeout(context.Background(), h.pub, tick,
			logging.EntityRef{ID: id, Kind: logging.EntityKindSession}, silent[i])
		h.Disconnect(id, "heartbeat_timeout")
	}
}

// stepAgents integrates server-driven entities from their intent sources.
func (h *Hub) stepAgents(tick uint64, dt float64) {
	if dt <= 0 {
		return
	}
	h.mu.Lock()
	sources := make(map[string]IntentSource, len(h.intents))
	for id, src := range h.intents {
		sources[id] = src
	}
	h.mu.Unlock()

	now := h.deps.Clock.Now()
	for id, src := range sources {
		snap, ok := h.store.Read(id)
		if !ok {
			h.mu.Lock()
			delete(h.intents, id)
			h.mu.Unlock()
			continue
		}
		if !snap.Alive {
			continue
		}
		dir := src.Intent(id, now).ClampLength(1)
		velocity := dir.Scale(h.cfg.MoveSpeed)
		position := snap.Position.Add(velocity.Scale(dt))
		_ = h.store.Write(store.RoleServer, id, tick, func(f *store.Fields) {
			f.Position = position
			f.Velocity = velocity
		})
	}
}

// broadcastState flushes dirty entities and delivers the per-session state
// message, prefixed by a keyframe when the session's event backlog
// overflowed.
func (h *Hub) broadcastState(tick uint64, now time.Time) {
	updates := h.store.Flush()

	h.mu.Lock()
	corrections := h.corrections
	h.corrections = nil
	subs := make(map[string]*subscriber, len(h.subscribers))
	for id, sub := range h.subscribers {
		subs[id] = sub
	}
	h.mu.Unlock()

	if len(updates) == 0 && len(corrections) == 0 && len(subs) == 0 {
		return
	}

	serverTime := now.UnixMilli()
	for id, sub := range subs {
		if signal, ok := h.events.ConsumeResync(id); ok {
			replicationlog.ResyncForced(context.Background(), h.pub, tick,
				logging.EntityRef{ID: id, Kind: logging.EntityKindSession}, signal.Dropped)
			frame, err := proto.EncodeKeyframeV1(proto.KeyframeV1{
				Tick:     tick,
				Entities: h.store.All(),
				LastSeq:  signal.LastSeq,
				Resync:   true,
			})
			if err == nil {
				h.send(id, sub, frame)
			}
		}

		data, err := proto.EncodeStateMessageV1(proto.StateMessageV1{
			Tick:        tick,
			ServerTime:  serverTime,
			Updates:     updates,
			Corrections: corrections,
			Events:      h.events.Pending(id),
			LastSeq:     h.events.LastSeq(),
		})
		if err != nil {
			if h.deps.Logger != nil {
				h.deps.Logger.Printf("failed to marshal state message: %v", err)
			}
			continue
		}
		h.send(id, sub, data)
	}
}

func (h *Hub) send(sessionID string, sub *subscriber, data []byte) {
	sub.mu.Lock()
	sub.conn.SetWriteDeadline(h.deps.Clock.Now().Add(writeWait))
	err := sub.conn.WriteMessage(websocket.TextMessage, data)
	sub.mu.Unlock()
	if err != nil {
		if h.deps.Logger != nil {
			h.deps.Logger.Printf("failed to send update to %s: %v", sessionID, err)
		}
		h.Disconnect(sessionID, "write_failure")
		return
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.Add(telemetry.MetricBroadcastBytes, uint64(len(data)))
	}
}

// SendToSession writes one payload to the session's subscriber, sharing the
// write lock with the broadcast path. Returns false when no subscriber is
// attached.
func (h *Hub) SendToSession(sessionID string, data []byte) bool {
	h.mu.Lock()
	sub := h.subscribers[sessionID]
	h.mu.Unlock()
	if sub == nil {
		return false
	}
	h.send(sessionID, sub, data)
	return true
}

func (h *Hub) afterStep(result sim.LoopStepResult) {
	if result.Budget > 0 && result.Duration > result.Budget {
		if h.deps.Logger != nil {
			h.deps.Logger.Printf("tick %d over budget: took %s of %s", result.Tick, result.Duration, result.Budget)
		}
	}
}

func (h *Hub) onCommandDrop(reason string, cmd sim.Command) {
	networklog.CommandDropped(context.Background(), h.pub, h.tick.Load(),
		logging.EntityRef{ID: cmd.SessionID, Kind: logging.EntityKindSession}, reason, 1)
}

// EntitySpawned implements lifecycle.Notifier: activation fans out on the
// reliable event channel as a SpawnAck.
func (h *Hub) EntitySpawned(result lifecycle.SpawnResult) {
	h.events.Broadcast(events.TypeSpawnAck, proto.SpawnAckPayload{
		EntityID: result.EntityID,
		Kind:     string(result.Kind),
		Owner:    result.Owner,
		Position: result.Position,
		Tick:     result.Tick,
	})
}

// EntityDespawned implements lifecycle.Notifier.
func (h *Hub) EntityDespawned(entityID, reason string) {
	h.events.Broadcast(events.TypeDespawnNotify, proto.DespawnNotifyPayload{
		EntityID: entityID,
		Reason:   reason,
	})
}

// DiagnosticsSession exposes per-session connectivity data.
type DiagnosticsSession struct {
	ID            string `json:"id"`
	EntityID      string `json:"entityId"`
	State         string `json:"state"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	RTTMillis     int64  `json:"rtt"`
}

// DiagnosticsSnapshot reports heartbeat data for the diagnostics endpoint.
func (h *Hub) DiagnosticsSnapshot() []DiagnosticsSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions := make([]DiagnosticsSession, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, DiagnosticsSession{
			ID:            sess.ID,
			EntityID:      sess.entityID,
			State:         string(sess.State),
			LastHeartbeat: sess.lastHeartbeat.UnixMilli(),
			RTTMillis:     sess.lastRTT.Milliseconds(),
		})
	}
	return sessions
}

var (
	_ sim.EngineCore     = (*Hub)(nil)
	_ lifecycle.Notifier = (*Hub)(nil)
)
