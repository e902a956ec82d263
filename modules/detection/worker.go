// Package detection runs the detection loop: take a frame, detect, validate,
// publish one ordered batch of typed events per frame.
package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/scanlens/modules/barcode"
	"github.com/e7canasta/scanlens/modules/framechannel"
	"github.com/e7canasta/scanlens/modules/resultrouter"
)

// ErrAlreadyStarted is returned by Start on a running worker.
var ErrAlreadyStarted = errors.New("detection: worker already started")

// Source supplies frames. framechannel.Channel satisfies it.
type Source interface {
	Take(ctx context.Context) (*framechannel.Frame, error)
}

// Publisher receives the events of one cycle as a single ordered batch.
// resultrouter.Router satisfies it.
type Publisher interface {
	Publish(events ...resultrouter.Event)
}

// Config contains worker settings.
type Config struct {
	// WorkerID names the worker in logs.
	WorkerID string

	// MinLength is the shortest accepted barcode value (barcode.DefaultMinLength when 0).
	MinLength int

	// DetectTimeout bounds a single detection call. Zero disables it.
	// A timeout is reported as a Failure.
	DetectTimeout time.Duration
}

// Cycle describes one completed detection pass.
type Cycle struct {
	Seq     uint64
	Latency time.Duration
	Valid   int
	Dropped int
	Err     error
}

// Stats is a snapshot of worker counters.
type Stats struct {
	Running        bool
	Cycles         uint64
	Successes      uint64 // valid codes published
	Empties        uint64
	Failures       uint64
	InvalidDropped uint64
	AvgLatency     time.Duration
	LastCycleAt    time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithCycleHook registers fn to observe every completed cycle.
// fn runs on the worker goroutine and must not block.
func WithCycleHook(fn func(Cycle)) Option {
	return func(w *Worker) {
		w.hook = fn
	}
}

// Worker owns exactly one goroutine while running.
type Worker struct {
	frames    Source
	detector  Detector
	out       Publisher
	cfg       Config
	validator barcode.Validator
	logger    *slog.Logger
	hook      func(Cycle)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	cycles         atomic.Uint64
	successes      atomic.Uint64
	empties        atomic.Uint64
	failures       atomic.Uint64
	invalidDropped atomic.Uint64
	totalLatencyNS atomic.Uint64
	lastCycleAt    atomic.Value // time.Time
}

// NewWorker creates a stopped worker. A nil logger uses slog.Default().
func NewWorker(frames Source, det Detector, out Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "detector"
	}

	w := &Worker{
		frames:    frames,
		detector:  det,
		out:       out,
		cfg:       cfg,
		validator: barcode.NewValidator(cfg.MinLength),
		logger:    logger.With("component", "detection", "worker_id", cfg.WorkerID),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the detection goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running.Load() {
		return ErrAlreadyStarted
	}
	if w.cancel != nil {
		w.cancel() // previous run exited on its own
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running.Store(true)

	go w.run(runCtx, w.done)

	w.logger.Info("detection worker started",
		"min_length", w.validator.MinLength,
		"detect_timeout", w.cfg.DetectTimeout,
	)
	return nil
}

// Stop cancels the loop and waits for it to exit. Idempotent.
func (w *Worker) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	w.logger.Info("detection worker stopped",
		"cycles", w.cycles.Load(),
		"failures", w.failures.Load(),
	)
	return nil
}

// Done is closed when the current run exits (nil before the first Start).
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer w.running.Store(false)

	for {
		frame, err := w.frames.Take(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				w.logger.Debug("detection loop cancelled")
			case errors.Is(err, framechannel.ErrClosed):
				w.logger.Info("frame source closed, detection loop exiting")
			default:
				w.logger.Error("frame take failed, detection loop exiting", "error", err)
			}
			return
		}

		w.process(ctx, frame)
	}
}

// process runs one detection pass. The frame is always released.
func (w *Worker) process(ctx context.Context, frame *framechannel.Frame) {
	defer frame.Release()

	detectCtx := ctx
	if w.cfg.DetectTimeout > 0 {
		var cancel context.CancelFunc
		detectCtx, cancel = context.WithTimeout(ctx, w.cfg.DetectTimeout)
		defer cancel()
	}

	start := time.Now()
	codes, err := w.detector.Detect(detectCtx, frame)
	latency := time.Since(start)

	// Stopping: the result belongs to nobody.
	if ctx.Err() != nil {
		return
	}

	w.cycles.Add(1)
	w.totalLatencyNS.Add(uint64(latency))
	w.lastCycleAt.Store(time.Now())

	cycle := Cycle{Seq: frame.Seq, Latency: latency}
	events := w.classify(frame, codes, err, &cycle)
	w.out.Publish(events...)

	if w.hook != nil {
		w.hook(cycle)
	}
}

// classify turns a detector result into the cycle's event batch:
// one Failure, or one Empty, or one Success per valid code.
func (w *Worker) classify(frame *framechannel.Frame, codes []barcode.Code, err error, cycle *Cycle) []resultrouter.Event {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("detection timed out after %s: %w", w.cfg.DetectTimeout, err)
		}
		w.failures.Add(1)
		cycle.Err = err
		w.logger.Warn("detection failed",
			"frame_seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		return []resultrouter.Event{resultrouter.Failure{
			Seq:     frame.Seq,
			TraceID: frame.TraceID,
			Message: err.Error(),
			Err:     err,
		}}
	}

	valid, dropped := w.validator.Filter(codes)
	cycle.Valid, cycle.Dropped = len(valid), dropped
	if dropped > 0 {
		w.invalidDropped.Add(uint64(dropped))
	}

	if len(valid) == 0 {
		w.empties.Add(1)
		return []resultrouter.Event{resultrouter.Empty{Seq: frame.Seq, TraceID: frame.TraceID}}
	}

	w.successes.Add(uint64(len(valid)))
	events := make([]resultrouter.Event, 0, len(valid))
	for _, code := range valid {
		events = append(events, resultrouter.Success{
			Seq:         frame.Seq,
			TraceID:     frame.TraceID,
			Code:        code,
			FrameWidth:  frame.Width,
			FrameHeight: frame.Height,
			Rotation:    frame.Rotation,
		})
	}
	return events
}

// Stats returns a snapshot of worker counters.
func (w *Worker) Stats() Stats {
	cycles := w.cycles.Load()

	var avg time.Duration
	if cycles > 0 {
		avg = time.Duration(w.totalLatencyNS.Load() / cycles)
	}

	var last time.Time
	if v := w.lastCycleAt.Load(); v != nil {
		last = v.(time.Time)
	}

	return Stats{
		Running:        w.running.Load(),
		Cycles:         cycles,
		Successes:      w.successes.Load(),
		Empties:        w.empties.Load(),
		Failures:       w.failures.Load(),
		InvalidDropped: w.invalidDropped.Load(),
		AvgLatency:     avg,
		LastCycleAt:    last,
	}
}
