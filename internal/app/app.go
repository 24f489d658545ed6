// Package app assembles the server process: logging router, hub, simulation
// loop, and the HTTP/WebSocket surface.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	server "driftmark/server"
	"driftmark/server/internal/config"
	"driftmark/server/internal/net/proto"
	"driftmark/server/internal/sim"
	"driftmark/server/internal/telemetry"
	"driftmark/server/logging"
	logsinks "driftmark/server/logging/sinks"
)

// Run starts the server and blocks until ctx is cancelled or the listener
// fails.
func Run(ctx context.Context, cfg config.Config) error {
	router, err := newRouter(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		router.Close(closeCtx)
	}()

	if raw := os.Getenv("TICK_RATE"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			cfg.TickRate = value
		} else {
			log.Printf("invalid TICK_RATE=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("HEARTBEAT_TIMEOUT_MS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatTimeout = time.Duration(value) * time.Millisecond
		} else {
			log.Printf("invalid HEARTBEAT_TIMEOUT_MS=%q: %v", raw, err)
		}
	}

	deps := sim.Deps{
		Logger:  telemetry.WrapLogger(log.Default()),
		Metrics: telemetry.NewCounters(),
		Clock:   logging.SystemClock{},
	}
	hub := server.NewHub(cfg, deps, router, nil)

	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	srv := &http.Server{Addr: cfg.Addr, Handler: NewMux(hub, cfg)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("listening on %s (tick rate %d Hz)", cfg.Addr, cfg.TickRate)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newRouter(lc config.LoggingConfig) (*logging.Router, error) {
	base := logging.DefaultConfig()
	if len(lc.Sinks) > 0 {
		base.EnabledSinks = lc.Sinks
	}
	if lc.BufferSize > 0 {
		base.BufferSize = lc.BufferSize
	}
	base.MinimumSeverity = parseSeverity(lc.MinSeverity)
	base.JSON.FilePath = lc.JSONPath

	sinks := make(map[string]logging.Sink)
	for _, name := range base.EnabledSinks {
		switch name {
		case "console":
			sinks[name] = logsinks.NewConsoleSink(os.Stdout)
		case "json":
			sink, err := logsinks.NewJSONSink(base.JSON.FilePath)
			if err != nil {
				return nil, err
			}
			sinks[name] = sink
		case "memory":
			sinks[name] = logsinks.NewMemorySink()
		}
	}
	return logging.NewRouter(base, nil, nil, sinks)
}

func parseSeverity(value string) logging.Severity {
	switch value {
	case "debug":
		return logging.SeverityDebug
	case "warn":
		return logging.SeverityWarn
	case "error":
		return logging.SeverityError
	default:
		return logging.SeverityInfo
	}
}

// NewMux builds the HTTP surface for a hub.
func NewMux(hub *server.Hub, cfg config.Config) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		payload := struct {
			Status     string                      `json:"status"`
			ServerTime int64                       `json:"serverTime"`
			Tick       uint64                      `json:"tick"`
			TickRate   int                         `json:"tickRate"`
			Sessions   []server.DiagnosticsSession `json:"sessions"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Tick:       hub.CurrentTick(),
			TickRate:   cfg.TickRate,
			Sessions:   hub.DiagnosticsSnapshot(),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			http.Error(w, "failed to encode", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc("/join", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp, err := hub.Join()
		if err != nil {
			reject, encodeErr := proto.EncodeJoinReject(proto.JoinReject{Reason: err.Error()})
			if encodeErr != nil {
				http.Error(w, "join rejected", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(reject)
			return
		}
		data, err := proto.EncodeJoinResponseV1(resp)
		if err != nil {
			http.Error(w, "failed to encode", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade failed for %s: %v", sessionID, err)
			return
		}

		if !hub.Subscribe(sessionID, conn) {
			message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown session")
			conn.WriteMessage(websocket.CloseMessage, message)
			conn.Close()
			return
		}

		// Boot keyframe so a resubscribing client converges immediately.
		frame, err := proto.EncodeKeyframeV1(proto.KeyframeV1{
			Tick:     hub.CurrentTick(),
			Entities: hub.Store().All(),
		})
		if err == nil {
			hub.SendToSession(sessionID, frame)
		}

		readLoop(hub, sessionID, conn)
	})

	return mux
}

func readLoop(hub *server.Hub, sessionID string, conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			hub.Disconnect(sessionID, "read_error")
			return
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			log.Printf("discarding malformed message from %s: %v", sessionID, err)
			continue
		}

		if msg.Type == proto.TypeHeartbeat {
			now := time.Now()
			hb := proto.HeartbeatCommand(msg, now)
			rtt, ok := hub.UpdateHeartbeat(sessionID, *hb)
			if !ok {
				continue
			}
			ack, err := proto.EncodeHeartbeat(proto.Heartbeat{
				ServerTime: now.UnixMilli(),
				ClientTime: msg.SentAt,
				RTTMillis:  rtt.Milliseconds(),
			})
			if err == nil {
				hub.SendToSession(sessionID, ack)
			}
			continue
		}

		cmd, ok := proto.ClientCommand(msg)
		if !ok {
			continue
		}
		cmd.SessionID = sessionID
		hub.Enqueue(cmd)
	}
}
