package logging

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives routed events. Implementations must tolerate concurrent
// Close while Write is in flight.
type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

// Router fans events out to the configured sinks from a single dispatch
// goroutine. Publish never blocks the simulation thread: when the queue is
// full the event is counted as dropped and a throttled warning goes to the
// fallback logger.
type Router struct {
	cfg      Config
	queue    chan Event
	sinks    map[string]Sink
	clock    Clock
	fallback *log.Logger
	fields   map[string]any
	closed   atomic.Bool
	done     chan struct{}
	closeMu  sync.Mutex

	eventsTotal  atomic.Uint64
	droppedTotal atomic.Uint64
	lastDropWarn atomic.Int64
}

type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
}

// NewRouter starts the dispatch goroutine. The fallback logger receives
// router-internal failures; pass nil for stderr.
func NewRouter(cfg Config, clock Clock, fallback *log.Logger, sinks map[string]Sink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if fallback == nil {
		fallback = log.New(os.Stderr, "[logging] ", log.LstdFlags)
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 512
	}
	enabled := make(map[string]Sink, len(sinks))
	for name, sink := range sinks {
		if sink == nil {
			continue
		}
		enabled[name] = sink
	}
	r := &Router{
		cfg:      cfg,
		queue:    make(chan Event, bufferSize),
		sinks:    enabled,
		clock:    clock,
		fallback: fallback,
		fields:   cfg.CloneFields(),
		done:     make(chan struct{}),
	}
	go r.dispatch()
	return r, nil
}

// Publish implements Publisher.
func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	if event.Severity < r.cfg.MinimumSeverity {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.noteDrop(event)
	}
}

func (r *Router) dispatch() {
	defer close(r.done)
	for event := range r.queue {
		r.forward(event)
	}
}

func (r *Router) forward(event Event) {
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	if len(r.fields) > 0 {
		event = cloneEvent(event)
		if event.Extra == nil {
			event.Extra = make(map[string]any, len(r.fields))
		}
		for k, v := range r.fields {
			if _, exists := event.Extra[k]; !exists {
				event.Extra[k] = v
			}
		}
	}
	r.eventsTotal.Add(1)
	for name, sink := range r.sinks {
		if err := sink.Write(event); err != nil {
			r.fallback.Printf("sink %s failed writing %s: %v", name, event.Type, err)
		}
	}
}

func (r *Router) noteDrop(event Event) {
	r.droppedTotal.Add(1)
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := time.Now().UnixNano()
	last := r.lastDropWarn.Load()
	if last == 0 || now >= last {
		if r.lastDropWarn.CompareAndSwap(last, now+interval.Nanoseconds()) {
			r.fallback.Printf("queue full, dropping event type=%s tick=%d", event.Type, event.Tick)
		}
	}
}

// Close stops the dispatcher, drains the queue, and closes every sink.
func (r *Router) Close(ctx context.Context) error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.queue)
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, sink := range r.sinks {
		if err := sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sink returns the named sink, if enabled. Tests use this to reach the
// memory sink.
func (r *Router) Sink(name string) Sink {
	return r.sinks[name]
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		EventsTotal:  r.eventsTotal.Load(),
		DroppedTotal: r.droppedTotal.Load(),
	}
}
