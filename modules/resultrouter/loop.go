package resultrouter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Loop is a named execution context: a single goroutine draining an
// unbounded FIFO of closures.
//
// Thread-safety model:
//   - Post(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Quit(): safe from any goroutine, idempotent
//
// Messages posted after Quit, or still pending when Quit is called, are
// dropped without error.
type Loop struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{} // buffered(1), coalesces wakeups; closed on Quit
	done   chan struct{}

	running  atomic.Bool
	posted   atomic.Uint64
	executed atomic.Uint64
	rejected atomic.Uint64
	panics   atomic.Uint64
}

// LoopStats is a snapshot of Loop counters.
type LoopStats struct {
	Name     string
	Pending  int
	Posted   uint64
	Executed uint64
	Rejected uint64
	Panics   uint64
}

// NewLoop creates a loop. A nil logger uses slog.Default().
func NewLoop(name string, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		name:   name,
		logger: logger.With("component", "loop", "loop", name),
		queue:  make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Post appends fn to the queue. Returns false if the loop has quit.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		l.rejected.Add(1)
		return false
	}

	l.queue = append(l.queue, fn)
	l.posted.Add(1)

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Run executes posted closures in order until Quit or ctx cancellation.
// Returns ErrLoopRunning if the loop is already running.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer close(l.done)

	l.logger.Debug("loop started")
	defer l.logger.Debug("loop stopped")

	for {
		fn, ok := l.next()
		if ok {
			l.execute(fn)
			continue
		}
		if l.isClosed() {
			return nil
		}

		select {
		case <-ctx.Done():
			l.Quit()
			return ctx.Err()
		case <-l.signal:
		}
	}
}

// Quit stops the loop. Pending closures are discarded.
func (l *Loop) Quit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	l.rejected.Add(uint64(len(l.queue)))
	for i := range l.queue {
		l.queue[i] = nil
	}
	l.queue = nil
	close(l.signal)
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Stats returns a snapshot of loop counters.
func (l *Loop) Stats() LoopStats {
	l.mu.Lock()
	pending := len(l.queue)
	l.mu.Unlock()

	return LoopStats{
		Name:     l.name,
		Pending:  pending,
		Posted:   l.posted.Load(),
		Executed: l.executed.Load(),
		Rejected: l.rejected.Load(),
		Panics:   l.panics.Load(),
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || len(l.queue) == 0 {
		return nil, false
	}

	fn := l.queue[0]
	l.queue[0] = nil // let the GC collect captured state
	if len(l.queue) == 1 {
		l.queue = l.queue[:0]
	} else {
		l.queue = l.queue[1:]
	}
	return fn, true
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// execute runs fn, containing a panic to this message.
func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("handler panicked", "panic", r)
		}
	}()
	fn()
	l.executed.Add(1)
}
