package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/rickgao/gatesync/internal/gateway"
	"github.com/rickgao/gatesync/internal/model"
)

// Router forwards dispatch envelopes to subscribers keyed by event type.
type Router interface {
	// Start begins delivering queued events to handlers.
	Start(ctx context.Context) error

	// Stop delivers what is already queued and shuts down.
	Stop(ctx context.Context) error

	// Dispatch queues one dispatch envelope. It never blocks.
	Dispatch(server model.ServerID, env gateway.Envelope, receivedAt time.Time) bool

	// Subscribe registers a handler for an event type, or Wildcard for all.
	// The returned function removes it.
	Subscribe(eventType string, h Handler) (cancel func())

	// Stats returns current router statistics.
	Stats() RouterStats
}

// router is the internal implementation.
type router struct {
	cfg    RouterConfig
	logger *slog.Logger

	inbox    *GrowableBuffer[Event]
	handlers *xsync.MapOf[string, []subscription]
	nextID   uint64

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.RWMutex
	received      int64
	routed        int64
	unhandled     int64
	dropped       int64
	handlerPanics int64
}

// NewRouter creates a new event router.
func NewRouter(cfg RouterConfig, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &router{
		cfg:      cfg,
		logger:   logger,
		inbox:    NewGrowableBuffer[Event](cfg.InboxSize, cfg.InboxLimit),
		handlers: xsync.NewMapOf[string, []subscription](),
	}
}

// Start begins routing events.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go r.routeLoop()
	go func() {
		defer r.wg.Done()
		<-r.ctx.Done()
		r.inbox.Close()
	}()

	r.logger.Info("event router started",
		"inbox_size", r.cfg.InboxSize,
		"inbox_limit", r.cfg.InboxLimit,
	)
	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping event router")

	r.inbox.Close()
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event router stopped")
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out")
	}
	return nil
}

// Dispatch converts the envelope to an Event and queues it.
func (r *router) Dispatch(server model.ServerID, env gateway.Envelope, receivedAt time.Time) bool {
	ev := Event{
		Server:     server,
		Type:       env.T,
		Data:       env.D,
		ReceivedAt: receivedAt,
	}
	if seq, ok := env.Seq(); ok {
		ev.Seq = seq
	}

	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	if !r.inbox.Send(ev) {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("event inbox full, dropping event",
			"server", server,
			"event", env.T,
		)
		return false
	}
	return true
}

// Subscribe registers h for eventType.
func (r *router) Subscribe(eventType string, h Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	r.handlers.Compute(eventType, func(old []subscription, _ bool) ([]subscription, bool) {
		subs := make([]subscription, len(old), len(old)+1)
		copy(subs, old)
		return append(subs, subscription{id: id, handler: h}), false
	})

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(eventType, id) })
	}
}

func (r *router) unsubscribe(eventType string, id uint64) {
	r.handlers.Compute(eventType, func(old []subscription, loaded bool) ([]subscription, bool) {
		if !loaded {
			return nil, true
		}
		subs := make([]subscription, 0, len(old))
		for _, s := range old {
			if s.id != id {
				subs = append(subs, s)
			}
		}
		return subs, len(subs) == 0
	})
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	subs := 0
	r.handlers.Range(func(_ string, v []subscription) bool {
		subs += len(v)
		return true
	})

	r.mu.RLock()
	defer r.mu.RUnlock()

	return RouterStats{
		EventsReceived:  r.received,
		EventsRouted:    r.routed,
		EventsUnhandled: r.unhandled,
		EventsDropped:   r.dropped,
		HandlerPanics:   r.handlerPanics,
		Subscriptions:   subs,
		Inbox:           r.inbox.Stats(),
	}
}

// routeLoop is the single delivery goroutine; it preserves inbox order.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		ev, ok := r.inbox.Receive()
		if !ok {
			return
		}
		r.route(ev)
	}
}

// route delivers one event to its typed handlers, then to wildcard handlers.
func (r *router) route(ev Event) {
	typed, _ := r.handlers.Load(ev.Type)
	wild, _ := r.handlers.Load(Wildcard)

	if len(typed) == 0 && len(wild) == 0 {
		r.mu.Lock()
		r.unhandled++
		r.mu.Unlock()
		r.logger.Debug("no handler for event", "event", ev.Type, "server", ev.Server)
		return
	}

	for _, s := range typed {
		r.invoke(s.handler, ev)
	}
	if ev.Type != Wildcard {
		for _, s := range wild {
			r.invoke(s.handler, ev)
		}
	}

	r.mu.Lock()
	r.routed++
	r.mu.Unlock()
}

func (r *router) invoke(h Handler, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.mu.Lock()
			r.handlerPanics++
			r.mu.Unlock()
			r.logger.Error("event handler panicked",
				"event", ev.Type,
				"server", ev.Server,
				"panic", p,
			)
		}
	}()
	h(ev)
}
