// Package core wires the scanning pipeline together: frame source, detection
// worker, result routes, item cache, fetcher and placement.
package core

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/scanlens/internal/emitter"
	"github.com/e7canasta/scanlens/internal/metrics"
	"github.com/e7canasta/scanlens/modules/detection"
	"github.com/e7canasta/scanlens/modules/framechannel"
	"github.com/e7canasta/scanlens/modules/itemcache"
	"github.com/e7canasta/scanlens/modules/placement"
	"github.com/e7canasta/scanlens/modules/resultrouter"
)

const (
	uiRoute           = "ui"
	coordinationRoute = "coordination"

	maxNotifications = 32
	reportInterval   = 10 * time.Second
)

var (
	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New("scanner is already running")

	// ErrNotRunning is returned by operations that need the UI loop.
	ErrNotRunning = errors.New("scanner is not running")
)

// Options contains pipeline settings.
type Options struct {
	InstanceID           string
	FrameChannelCapacity int
	MinBarcodeLength     int
	DetectTimeout        time.Duration
	CacheCapacity        int

	// FetchFailureCooldown suppresses refetching a barcode whose fetch failed
	// or returned no data. Zero disables it.
	FetchFailureCooldown time.Duration

	// NotificationCooldown suppresses identical notifications. Zero disables it.
	NotificationCooldown time.Duration

	// Coordination places items on a dedicated loop instead of the UI loop.
	Coordination bool

	// HealthAddr is the health/metrics listen address; empty disables it.
	HealthAddr string
}

// Components are the collaborators the scanner drives. Detector, Fetcher and
// Scene are required.
type Components struct {
	Detector detection.Detector
	Fetcher  Fetcher
	Scene    Scene
	Source   FrameSource      // optional
	Notifier Notifier         // optional
	Metrics  *metrics.Metrics // optional, created when nil
}

// Scanner is the composition root. Create with NewScanner (or New from a
// config), then Run and Shutdown.
type Scanner struct {
	opts   Options
	logger *slog.Logger

	frames   framechannel.Channel
	worker   *detection.Worker
	detector detection.Detector
	router   *resultrouter.Router
	uiLoop   *resultrouter.Loop
	coord    *resultrouter.Loop // nil without coordination
	cache    *itemcache.Cache
	machine  *placement.Machine
	scene    Scene
	fetcher  Fetcher
	source   FrameSource
	notifier Notifier
	metrics  *metrics.Metrics

	failed   *ttlcache.Cache[string, struct{}] // nil when the cooldown is disabled
	notified *ttlcache.Cache[string, struct{}] // nil when the cooldown is disabled

	// points holds the last screen point per barcode. UI loop only.
	points map[string]image.Point

	notesMu sync.Mutex
	notes   []emitter.Notification

	fetches sync.WaitGroup
	unsubs  []func()

	mu       sync.RWMutex
	running  bool
	started  time.Time
	runCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	health   *http.Server
	shutdown bool
}

// NewScanner builds the pipeline around comps.
func NewScanner(opts Options, comps Components, logger *slog.Logger) (*Scanner, error) {
	if comps.Detector == nil || comps.Fetcher == nil || comps.Scene == nil {
		return nil, fmt.Errorf("detector, fetcher and scene are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if comps.Metrics == nil {
		comps.Metrics = metrics.New()
	}

	cache, err := itemcache.New(opts.CacheCapacity, itemcache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create item cache: %w", err)
	}

	s := &Scanner{
		opts:     opts,
		logger:   logger.With("component", "scanner"),
		frames:   framechannel.New(opts.FrameChannelCapacity),
		detector: comps.Detector,
		router:   resultrouter.New(logger),
		uiLoop:   resultrouter.NewLoop(uiRoute, logger),
		cache:    cache,
		machine:  placement.NewMachine(comps.Scene, placement.WithLogger(logger)),
		scene:    comps.Scene,
		fetcher:  comps.Fetcher,
		source:   comps.Source,
		notifier: comps.Notifier,
		metrics:  comps.Metrics,
		points:   make(map[string]image.Point),
	}

	s.worker = detection.NewWorker(s.frames, comps.Detector, s.router, detection.Config{
		WorkerID:      opts.InstanceID,
		MinLength:     opts.MinBarcodeLength,
		DetectTimeout: opts.DetectTimeout,
	}, logger, detection.WithCycleHook(s.metrics.ObserveCycle))
	s.metrics.WatchFrameChannel(s.frames.Stats)

	if opts.FetchFailureCooldown > 0 {
		s.failed = ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](opts.FetchFailureCooldown),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		)
	}
	if opts.NotificationCooldown > 0 {
		s.notified = ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](opts.NotificationCooldown),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		)
	}

	if err := s.router.Attach(uiRoute, s.uiLoop, s.handleUI); err != nil {
		return nil, err
	}
	if opts.Coordination {
		s.coord = resultrouter.NewLoop(coordinationRoute, logger)
		if err := s.router.Attach(coordinationRoute, s.coord, s.handleCoordination); err != nil {
			return nil, err
		}
	}

	s.unsubs = append(s.unsubs,
		s.cache.Subscribe(s.onCacheEvent),
		s.machine.OnChange(func(placement.Change) {
			s.metrics.SetActiveOverlays(s.machine.Stats().Active)
		}),
	)

	if opts.HealthAddr != "" {
		s.health = s.newHealthServer(opts.HealthAddr)
	}
	return s, nil
}

// Run starts every component and blocks until ctx is cancelled, Shutdown
// is called, or a component fails.
func (s *Scanner) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.shutdown {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.started = time.Now()
	s.runCtx = ctx
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	defer close(s.done)
	defer cancel()

	s.logger.Info("scanner starting",
		"instance_id", s.opts.InstanceID,
		"coordination", s.coord != nil,
		"cache_capacity", s.cache.Capacity(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runLoop(gctx, s.uiLoop) })
	if s.coord != nil {
		g.Go(func() error { return runLoop(gctx, s.coord) })
	}
	if s.failed != nil {
		g.Go(func() error { sweep(gctx, s.failed); return nil })
	}
	if s.notified != nil {
		g.Go(func() error { sweep(gctx, s.notified); return nil })
	}

	if c, ok := s.notifier.(Connector); ok {
		// Keeps reconnecting in the background; the scanner runs degraded meanwhile.
		if err := c.Connect(gctx); err != nil {
			s.logger.Warn("notifier not connected, continuing", "error", err)
		}
	}

	if lc, ok := s.detector.(Lifecycle); ok {
		if err := lc.Start(gctx); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("failed to start detector: %w", err)
		}
	}
	if err := s.worker.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("failed to start detection worker: %w", err)
	}

	if s.source != nil {
		g.Go(func() error {
			err := s.source.Run(gctx, s.frames)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("frame source: %w", err)
			}
			return nil
		})
	}
	if s.health != nil {
		g.Go(func() error { return s.serveHealth(gctx) })
	}
	g.Go(func() error {
		s.report(gctx)
		return nil
	})

	s.logger.Info("scanner running")
	err := g.Wait()
	s.logger.Info("scanner run loop exiting")
	return err
}

// sweep runs the expiry loop of c until ctx is done.
func sweep[K comparable, V any](ctx context.Context, c *ttlcache.Cache[K, V]) {
	stop := context.AfterFunc(ctx, c.Stop)
	defer stop()
	c.Start()
}

func runLoop(ctx context.Context, l *resultrouter.Loop) error {
	err := l.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("loop %s: %w", l.Name(), err)
	}
	return nil
}

// Shutdown stops every component, whether Run is still running or has
// returned. Fetches still in flight are aborted.
func (s *Scanner) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel, done, started := s.cancel, s.done, s.started
	s.mu.Unlock()

	s.logger.Info("shutting down scanner")

	// 1. Stop the worker first (releases the frame it holds)
	if err := s.worker.Stop(); err != nil {
		s.logger.Error("failed to stop detection worker", "error", err)
	}

	// 2. Close the frame channel (releases buffered frames)
	if err := s.frames.Close(); err != nil {
		s.logger.Error("failed to close frame channel", "error", err)
	}

	// 3. Stop the detector process
	if lc, ok := s.detector.(Lifecycle); ok {
		if err := lc.Stop(); err != nil {
			s.logger.Error("failed to stop detector", "error", err)
		}
	}

	// 4. Cancel fetches and loops, then wait for Run
	if cancel != nil {
		cancel()
	}
	if err := waitGroup(ctx, &s.fetches); err != nil {
		s.logger.Warn("fetches still running at shutdown", "error", err)
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown timed out: %w", ctx.Err())
		}
	}

	// 5. Completions still queued on a quit loop never run
	if n := s.cache.AbortAllFetches(); n > 0 {
		s.logger.Info("aborted fetches without completion", "count", n)
	}

	// 6. Tear down routes and observers
	_ = s.router.Close()
	for _, unsub := range s.unsubs {
		unsub()
	}
	if c, ok := s.notifier.(Connector); ok {
		if err := c.Disconnect(); err != nil {
			s.logger.Error("failed to disconnect notifier", "error", err)
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("scanner shutdown complete",
		"uptime", time.Since(started),
		"cached_items", s.cache.Len(),
	)
	return nil
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames returns the frame channel, for producers other than the configured source.
func (s *Scanner) Frames() framechannel.Channel {
	return s.frames
}

// Router returns the result router, so extra UI routes can be attached.
func (s *Scanner) Router() *resultrouter.Router {
	return s.router
}

// Cache returns the item cache.
func (s *Scanner) Cache() *itemcache.Cache {
	return s.cache
}

// Placement returns the placement machine.
func (s *Scanner) Placement() *placement.Machine {
	return s.machine
}

// Items returns the cached items, most recent first.
func (s *Scanner) Items() []*itemcache.Item {
	return s.cache.Items()
}

// ActiveItems returns the cached items with a live overlay, in placement order.
func (s *Scanner) ActiveItems() []*itemcache.Item {
	active := s.machine.Active()
	items := make([]*itemcache.Item, 0, len(active))
	for _, b := range active {
		if item, ok := s.cache.Get(b); ok {
			items = append(items, item)
		}
	}
	return items
}

// Dismiss detaches the overlay of barcode on the UI loop. Returns false
// when the item was not placed.
func (s *Scanner) Dismiss(ctx context.Context, barcode string) (bool, error) {
	result := make(chan bool, 1)
	ok := s.uiLoop.Post(func() {
		detached := s.machine.Detach(barcode)
		if detached {
			s.router.Publish(resultrouter.Detached{Barcode: barcode})
		}
		result <- detached
	})
	if !ok {
		return false, ErrNotRunning
	}

	select {
	case detached := <-result:
		return detached, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Notifications returns the most recent user notifications, oldest first.
func (s *Scanner) Notifications() []emitter.Notification {
	s.notesMu.Lock()
	defer s.notesMu.Unlock()
	return append([]emitter.Notification(nil), s.notes...)
}

// Stats is a snapshot of every component.
type Stats struct {
	Running   bool
	Uptime    time.Duration
	Frames    framechannel.Stats
	Detection detection.Stats
	Router    resultrouter.Stats
	Cache     itemcache.Stats
	Placement placement.Stats
}

// Stats returns a snapshot of every component.
func (s *Scanner) Stats() Stats {
	s.mu.RLock()
	running, started := s.running, s.started
	s.mu.RUnlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(started)
	}
	return Stats{
		Running:   running,
		Uptime:    uptime,
		Frames:    s.frames.Stats(),
		Detection: s.worker.Stats(),
		Router:    s.router.Stats(),
		Cache:     s.cache.Stats(),
		Placement: s.machine.Stats(),
	}
}
