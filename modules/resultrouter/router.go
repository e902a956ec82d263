package resultrouter

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrRouteExists is returned when Attach is called with a duplicate id.
	ErrRouteExists = errors.New("resultrouter: route id already exists")

	// ErrRouteNotFound is returned for an unknown route id.
	ErrRouteNotFound = errors.New("resultrouter: route id not found")

	// ErrRouterClosed is returned when operations are attempted on a closed router.
	ErrRouterClosed = errors.New("resultrouter: router is closed")

	// ErrInvalidRoute is returned when Attach gets a nil loop or handler.
	ErrInvalidRoute = errors.New("resultrouter: loop and handler are required")

	// ErrLoopRunning is returned by a second Loop.Run.
	ErrLoopRunning = errors.New("resultrouter: loop already running")
)

// Handler consumes one event. It always runs on the route's Loop.
type Handler func(Event)

// Stats contains global and per-route metrics.
type Stats struct {
	// TotalPublished is the number of Publish() calls with at least one event
	TotalPublished uint64

	// TotalSent is the sum of events queued on route loops
	TotalSent uint64

	// TotalDropped is the sum of events rejected by quit loops
	TotalDropped uint64

	// Routes contains per-route breakdown
	Routes map[string]RouteStats
}

// RouteStats tracks metrics for a single route.
type RouteStats struct {
	// Sent is the number of events queued on the route's loop
	Sent uint64

	// Handled is the number of events the handler has processed
	Handled uint64

	// Dropped is the number of events rejected because the loop had quit
	Dropped uint64

	// Panics is the number of events whose handler panicked
	Panics uint64
}

type route struct {
	id      string
	loop    *Loop
	handler Handler
	logger  *slog.Logger

	sent    atomic.Uint64
	handled atomic.Uint64
	dropped atomic.Uint64
	panics  atomic.Uint64
}

// Router delivers events to attached routes by posting them onto each
// route's Loop. Publishing never blocks on a handler.
//
// Ordering: events reach a route in publish order (one Loop, one FIFO).
// No ordering is guaranteed across routes. Delivery is at-most-once.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*route
	closed bool
	logger *slog.Logger

	totalPublished atomic.Uint64
}

// New creates a Router. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		routes: make(map[string]*route),
		logger: logger.With("component", "resultrouter"),
	}
}

// Attach registers handler to receive events on loop under id.
func (r *Router) Attach(id string, loop *Loop, handler Handler) error {
	if loop == nil || handler == nil {
		return ErrInvalidRoute
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRouterClosed
	}
	if _, exists := r.routes[id]; exists {
		return ErrRouteExists
	}

	r.routes[id] = &route{id: id, loop: loop, handler: handler, logger: r.logger}
	r.logger.Debug("route attached", "route", id, "loop", loop.Name())
	return nil
}

// Detach removes a route. Events already queued on its loop still run.
func (r *Router) Detach(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRouterClosed
	}
	if _, exists := r.routes[id]; !exists {
		return ErrRouteNotFound
	}
	delete(r.routes, id)
	return nil
}

// Publish fans events out to every route as one ordered batch per route.
// A closed router silently drops them.
func (r *Router) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}

	r.totalPublished.Add(1)
	batch := append([]Event(nil), events...)
	for _, rt := range r.routes {
		rt.deliver(batch)
	}
}

// Send delivers events to a single route.
// A route whose loop has quit drops them without error.
func (r *Router) Send(id string, events ...Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrRouterClosed
	}
	rt, exists := r.routes[id]
	if !exists {
		return ErrRouteNotFound
	}
	if len(events) > 0 {
		rt.deliver(append([]Event(nil), events...))
	}
	return nil
}

// Stats returns current router statistics snapshot.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalPublished: r.totalPublished.Load(),
		Routes:         make(map[string]RouteStats, len(r.routes)),
	}
	for id, rt := range r.routes {
		rs := RouteStats{
			Sent:    rt.sent.Load(),
			Handled: rt.handled.Load(),
			Dropped: rt.dropped.Load(),
			Panics:  rt.panics.Load(),
		}
		stats.Routes[id] = rs
		stats.TotalSent += rs.Sent
		stats.TotalDropped += rs.Dropped
	}
	return stats
}

// Close detaches every route. Loops are owned by the caller and keep running.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.routes = nil
	return nil
}

func (rt *route) deliver(batch []Event) {
	n := uint64(len(batch))
	ok := rt.loop.Post(func() {
		for _, e := range batch {
			rt.handle(e)
		}
	})
	if ok {
		rt.sent.Add(n)
	} else {
		rt.dropped.Add(n)
	}
}

// handle runs the handler for one event. A panic is contained to that event
// so the rest of the batch is still delivered.
func (rt *route) handle(e Event) {
	defer func() {
		if p := recover(); p != nil {
			rt.panics.Add(1)
			rt.logger.Error("route handler panicked",
				"route", rt.id,
				"kind", e.Kind(),
				"panic", p,
			)
		}
	}()
	rt.handler(e)
	rt.handled.Add(1)
}
