// Package subprocess implements detection.Detector on top of an external
// decoder process.
//
// Protocol: each message on stdin/stdout is a 4-byte big-endian length
// followed by a msgpack map. One request is outstanding at a time; responses
// carry the request seq so that a late answer to an abandoned request is
// discarded. The decoder logs to stderr with "[LEVEL]" markers, which are
// mapped onto slog levels.
//
//	stdin  → {seq, trace_id, frame_data, width, height, rotation, timestamp}
//	stdout ← {seq, codes: [{value, symbology, box, corners}], error, timing}
package subprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/scanlens/modules/barcode"
	"github.com/e7canasta/scanlens/modules/framechannel"
)

const (
	defaultWriteTimeout = 2 * time.Second
	defaultStopTimeout  = 2 * time.Second
)

var (
	// ErrNoCommand is returned by New without a command.
	ErrNoCommand = errors.New("subprocess: command is required")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("subprocess: decoder already started")

	// ErrNotRunning is returned by Detect before Start or after Stop.
	ErrNotRunning = errors.New("subprocess: decoder not running")

	// ErrProcessExited is returned by Detect when the decoder dies mid-request.
	ErrProcessExited = errors.New("subprocess: decoder process exited")
)

// DecoderError is a failure reported by the decoder for one frame.
type DecoderError struct {
	Seq     uint64
	Message string
}

func (e *DecoderError) Error() string {
	return fmt.Sprintf("decoder error (seq %d): %s", e.Seq, e.Message)
}

// Config contains decoder process settings.
type Config struct {
	WorkerID string
	Command  string
	Args     []string
	Dir      string
	// Env replaces the process environment when non-nil.
	Env []string

	// WriteTimeout bounds writing one request (default 2s).
	WriteTimeout time.Duration
	// StopTimeout is the grace period after closing stdin before the process is killed (default 2s).
	StopTimeout time.Duration
}

// Stats is a snapshot of decoder counters.
type Stats struct {
	Running      bool
	PID          int
	Requests     uint64
	Responses    uint64
	Failures     uint64
	Stale        uint64
	AvgLatencyMS float64
	LastSeenAt   time.Time
}

// Detector talks to one decoder process.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	// reqMu serializes Detect: one request in flight.
	reqMu sync.Mutex

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	cancel    context.CancelFunc
	stopWatch func() bool
	exited    chan struct{}
	responses chan response
	readers   sync.WaitGroup
	active    atomic.Bool

	requests       atomic.Uint64
	answered       atomic.Uint64
	failures       atomic.Uint64
	stale          atomic.Uint64
	totalLatencyMS atomic.Uint64
	lastSeenAt     atomic.Value // time.Time
}

// New validates cfg and returns a stopped detector.
func New(cfg Config, logger *slog.Logger) (*Detector, error) {
	if cfg.Command == "" {
		return nil, ErrNoCommand
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "decoder"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Detector{
		cfg:    cfg,
		logger: logger.With("component", "decoder", "worker_id", cfg.WorkerID),
	}, nil
}

// Start spawns the decoder. Cancelling ctx stops it.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active.Load() {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(d.cfg.Command, d.cfg.Args...)
	cmd.Dir = d.cfg.Dir
	if d.cfg.Env != nil {
		cmd.Env = d.cfg.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start decoder process: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	d.cmd = cmd
	d.stdin = stdin
	d.cancel = cancel
	d.exited = make(chan struct{})
	d.responses = make(chan response, 1)
	d.lastSeenAt.Store(time.Now())
	d.active.Store(true)

	d.readers.Add(2)
	go d.readResults(readCtx, stdout, d.responses)
	go d.logStderr(stderr)
	go d.waitProcess(cmd, d.exited)

	d.stopWatch = context.AfterFunc(ctx, func() { _ = d.Stop() })

	d.logger.Info("decoder process spawned",
		"command", d.cfg.Command,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// Detect sends frame to the decoder and waits for its answer.
func (d *Detector) Detect(ctx context.Context, frame *framechannel.Frame) ([]barcode.Code, error) {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	d.mu.Lock()
	stdin, exited, responses := d.stdin, d.exited, d.responses
	d.mu.Unlock()

	if !d.active.Load() || stdin == nil {
		return nil, ErrNotRunning
	}

	d.requests.Add(1)
	// The write may outlive this call on timeout or cancellation.
	unhold, _ := frame.Hold()
	if err := d.send(ctx, stdin, newRequest(frame), unhold); err != nil {
		d.failures.Add(1)
		return nil, err
	}

	for {
		select {
		case resp := <-responses:
			if resp.Seq != frame.Seq {
				d.stale.Add(1)
				d.logger.Debug("discarding stale decoder response",
					"response_seq", resp.Seq,
					"frame_seq", frame.Seq,
				)
				continue
			}
			return d.handle(resp)

		case <-exited:
			d.failures.Add(1)
			return nil, ErrProcessExited

		case <-ctx.Done():
			d.failures.Add(1)
			return nil, ctx.Err()
		}
	}
}

func (d *Detector) handle(resp response) ([]barcode.Code, error) {
	d.answered.Add(1)
	d.lastSeenAt.Store(time.Now())
	if resp.Timing.TotalMS > 0 {
		d.totalLatencyMS.Add(uint64(resp.Timing.TotalMS))
	}

	if resp.Error != "" {
		d.failures.Add(1)
		return nil, &DecoderError{Seq: resp.Seq, Message: resp.Error}
	}

	codes := make([]barcode.Code, 0, len(resp.Codes))
	for _, wc := range resp.Codes {
		code, err := wc.toCode()
		if err != nil {
			d.logger.Warn("skipping malformed code", "frame_seq", resp.Seq, "error", err)
			continue
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// send writes one request with a timeout (the decoder may be hung).
// written is called once the write goroutine is done with req.
func (d *Detector) send(ctx context.Context, stdin io.Writer, req request, written func()) error {
	writeErr := make(chan error, 1)
	go func() {
		defer written()
		writeErr <- writeMessage(stdin, req)
	}()

	timer := time.NewTimer(d.cfg.WriteTimeout)
	defer timer.Stop()

	select {
	case err := <-writeErr:
		if err != nil {
			return fmt.Errorf("failed to write to decoder stdin: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("decoder stdin write timeout after %s (decoder may be hung)", d.cfg.WriteTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Detector) readResults(ctx context.Context, stdout io.Reader, out chan<- response) {
	defer d.readers.Done()

	for {
		var resp response
		if err := readMessage(stdout, &resp); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				d.logger.Debug("decoder stdout closed")
				return
			}
			d.logger.Error("failed to read decoder response", "error", err)
			return
		}

		select {
		case out <- resp:
		case <-ctx.Done():
			return
		}
	}
}

// logStderr maps decoder log levels onto slog levels.
func (d *Detector) logStderr(stderr io.Reader) {
	defer d.readers.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			d.logger.Error("decoder error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			d.logger.Warn("decoder warning", "log", line)
		default:
			d.logger.Debug("decoder log", "log", line)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		d.logger.Debug("decoder stderr closed", "error", err)
	}
}

// waitProcess reaps the process once both pipes are drained.
func (d *Detector) waitProcess(cmd *exec.Cmd, exited chan struct{}) {
	defer close(exited)

	d.readers.Wait()
	err := cmd.Wait()
	wasActive := d.active.Swap(false)

	switch {
	case err == nil:
		d.logger.Info("decoder process exited cleanly", "pid", cmd.Process.Pid)
	case !wasActive:
		d.logger.Debug("decoder process exited (shutdown)", "pid", cmd.Process.Pid, "error", err)
	default:
		d.logger.Error("decoder process exited unexpectedly", "pid", cmd.Process.Pid, "error", err)
	}
}

// Stop closes stdin, waits StopTimeout for a graceful exit, then kills.
// Idempotent.
func (d *Detector) Stop() error {
	d.mu.Lock()
	cmd, stdin, exited, cancel, stopWatch := d.cmd, d.stdin, d.exited, d.cancel, d.stopWatch
	d.stdin = nil
	d.cancel = nil
	d.stopWatch = nil
	d.mu.Unlock()

	if stdin == nil {
		return nil
	}
	d.active.Store(false)
	if stopWatch != nil {
		stopWatch()
	}

	d.logger.Info("stopping decoder")
	_ = stdin.Close()
	cancel() // pending responses are dropped; the reader only drains stdout now

	timer := time.NewTimer(d.cfg.StopTimeout)
	defer timer.Stop()

	var killErr error
	select {
	case <-exited:
	case <-timer.C:
		d.logger.Warn("decoder stop timeout, force killing process")
		if err := cmd.Process.Kill(); err != nil {
			killErr = fmt.Errorf("kill decoder: %w", err)
		}
		<-exited
	}

	d.logger.Info("decoder stopped",
		"requests", d.requests.Load(),
		"responses", d.answered.Load(),
	)
	return killErr
}

// Stats returns a snapshot of decoder counters.
func (d *Detector) Stats() Stats {
	answered := d.answered.Load()
	var avg float64
	if answered > 0 {
		avg = float64(d.totalLatencyMS.Load()) / float64(answered)
	}

	var last time.Time
	if v := d.lastSeenAt.Load(); v != nil {
		last = v.(time.Time)
	}

	pid := 0
	d.mu.Lock()
	if d.cmd != nil && d.cmd.Process != nil {
		pid = d.cmd.Process.Pid
	}
	d.mu.Unlock()

	return Stats{
		Running:      d.active.Load(),
		PID:          pid,
		Requests:     d.requests.Load(),
		Responses:    answered,
		Failures:     d.failures.Load(),
		Stale:        d.stale.Load(),
		AvgLatencyMS: avg,
		LastSeenAt:   last,
	}
}
