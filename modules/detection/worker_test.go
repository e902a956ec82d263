package detection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/scanlens/modules/barcode"
	"github.com/e7canasta/scanlens/modules/framechannel"
	"github.com/e7canasta/scanlens/modules/resultrouter"
)

// batchRecorder is a Publisher that keeps every batch.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]resultrouter.Event
	notify  chan struct{}
}

func newBatchRecorder() *batchRecorder {
	return &batchRecorder{notify: make(chan struct{}, 64)}
}

func (p *batchRecorder) Publish(events ...resultrouter.Event) {
	p.mu.Lock()
	p.batches = append(p.batches, events)
	p.mu.Unlock()
	p.notify <- struct{}{}
}

func (p *batchRecorder) next(t *testing.T) []resultrouter.Event {
	t.Helper()
	select {
	case <-p.notify:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for batch")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batches[len(p.batches)-1]
}

type scriptedDetector struct {
	codes []barcode.Code
	err   error
	calls atomic.Int32
}

func (d *scriptedDetector) Detect(context.Context, *framechannel.Frame) ([]barcode.Code, error) {
	d.calls.Add(1)
	return d.codes, d.err
}

func startWorker(t *testing.T, det Detector, cfg Config, opts ...Option) (framechannel.Channel, *batchRecorder, *Worker) {
	t.Helper()
	ch := framechannel.New(1)
	pub := newBatchRecorder()
	w := NewWorker(ch, det, pub, cfg, nil, opts...)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		w.Stop()
		ch.Close()
	})
	return ch, pub, w
}

func offer(ch framechannel.Channel, released *atomic.Int32) *framechannel.Frame {
	f := framechannel.NewFrame([]byte("img"), 1280, 720, 90, time.Now(), func() {
		if released != nil {
			released.Add(1)
		}
	})
	ch.Offer(f)
	return f
}

func TestSuccessBatch(t *testing.T) {
	det := &scriptedDetector{codes: []barcode.Code{
		{Value: "ITEM0001"},
		{Value: "x"},
		{Value: "ITEM0002"},
		{Value: "ITEM0001"},
	}}
	ch, pub, w := startWorker(t, det, Config{})

	var released atomic.Int32
	f := offer(ch, &released)

	batch := pub.next(t)
	require.Len(t, batch, 2)
	first, ok := batch[0].(resultrouter.Success)
	require.True(t, ok)
	assert.Equal(t, "ITEM0001", first.Code.Value)
	assert.Equal(t, f.Seq, first.Seq)
	assert.Equal(t, 1280, first.FrameWidth)
	assert.Equal(t, 90, first.Rotation)
	assert.Equal(t, "ITEM0002", batch[1].(resultrouter.Success).Code.Value)

	require.Eventually(t, func() bool { return released.Load() == 1 }, time.Second, time.Millisecond)

	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.Cycles)
	assert.Equal(t, uint64(2), stats.Successes)
	assert.Equal(t, uint64(2), stats.InvalidDropped)
	assert.True(t, stats.Running)
}

func TestEmptyOncePerFrame(t *testing.T) {
	det := &scriptedDetector{codes: []barcode.Code{{Value: ""}, {Value: "ab"}, {Value: "a-b-c-d"}}}
	ch, pub, w := startWorker(t, det, Config{})

	f := offer(ch, nil)
	batch := pub.next(t)
	assert.Equal(t, []resultrouter.Event{resultrouter.Empty{Seq: f.Seq, TraceID: f.TraceID}}, batch)
	assert.Equal(t, uint64(1), w.Stats().Empties)
}

func TestFailureContinuesLoop(t *testing.T) {
	det := &scriptedDetector{err: errors.New("camera session lost")}
	ch, pub, w := startWorker(t, det, Config{})

	offer(ch, nil)
	batch := pub.next(t)
	require.Len(t, batch, 1)
	failure, ok := batch[0].(resultrouter.Failure)
	require.True(t, ok)
	assert.Equal(t, "camera session lost", failure.Message)

	// Next frame is still processed.
	offer(ch, nil)
	pub.next(t)
	assert.Equal(t, uint64(2), w.Stats().Failures)
}

func TestDetectTimeoutIsFailure(t *testing.T) {
	det := DetectorFunc(func(ctx context.Context, _ *framechannel.Frame) ([]barcode.Code, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ch, pub, _ := startWorker(t, det, Config{DetectTimeout: 20 * time.Millisecond})

	offer(ch, nil)
	batch := pub.next(t)
	failure, ok := batch[0].(resultrouter.Failure)
	require.True(t, ok)
	assert.ErrorIs(t, failure.Err, context.DeadlineExceeded)
}

func TestStopReleasesHeldFrame(t *testing.T) {
	entered := make(chan struct{})
	det := DetectorFunc(func(ctx context.Context, _ *framechannel.Frame) ([]barcode.Code, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ch := framechannel.New(1)
	defer ch.Close()
	pub := newBatchRecorder()
	w := NewWorker(ch, det, pub, Config{}, nil)
	require.NoError(t, w.Start(context.Background()))

	var released atomic.Int32
	offer(ch, &released)
	<-entered

	require.NoError(t, w.Stop())
	assert.Equal(t, int32(1), released.Load())
	assert.False(t, w.Stats().Running)

	pub.mu.Lock()
	assert.Empty(t, pub.batches, "no events for a cancelled cycle")
	pub.mu.Unlock()

	require.NoError(t, w.Stop())
}

func TestStartTwice(t *testing.T) {
	_, _, w := startWorker(t, &scriptedDetector{}, Config{})
	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyStarted)
}

func TestStopObservedWhileWaiting(t *testing.T) {
	ch := framechannel.New(1)
	defer ch.Close()
	w := NewWorker(ch, &scriptedDetector{}, newBatchRecorder(), Config{}, nil)
	require.NoError(t, w.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() blocked with an idle worker")
	}
}

func TestExitsWhenSourceClosed(t *testing.T) {
	ch := framechannel.New(1)
	w := NewWorker(ch, &scriptedDetector{}, newBatchRecorder(), Config{}, nil)
	require.NoError(t, w.Start(context.Background()))

	ch.Close()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after source closed")
	}

	// A stopped worker can be started again.
	ch2 := framechannel.New(1)
	defer ch2.Close()
	w.frames = ch2
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
}

func TestCycleHook(t *testing.T) {
	cycles := make(chan Cycle, 1)
	det := &scriptedDetector{codes: []barcode.Code{{Value: "ITEM0001"}, {Value: "no"}}}
	ch, _, _ := startWorker(t, det, Config{}, WithCycleHook(func(c Cycle) { cycles <- c }))

	f := offer(ch, nil)
	select {
	case c := <-cycles:
		assert.Equal(t, f.Seq, c.Seq)
		assert.Equal(t, 1, c.Valid)
		assert.Equal(t, 1, c.Dropped)
		assert.NoError(t, c.Err)
	case <-time.After(time.Second):
		t.Fatal("hook not called")
	}
}

// asyncFake completes each request from its own goroutine after delay.
type asyncFake struct {
	delay       time.Duration
	outstanding atomic.Int32
	maxSeen     atomic.Int32
}

func (a *asyncFake) DetectAsync(_ *framechannel.Frame, done func([]barcode.Code, error)) {
	n := a.outstanding.Add(1)
	for {
		m := a.maxSeen.Load()
		if n <= m || a.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	go func() {
		time.Sleep(a.delay)
		a.outstanding.Add(-1)
		done([]barcode.Code{{Value: "ITEM0001"}}, nil)
		done(nil, errors.New("second completion is ignored"))
	}()
}

func TestFromAsyncSingleOutstanding(t *testing.T) {
	fake := &asyncFake{delay: 30 * time.Millisecond}
	det := FromAsync(fake)

	// Give up on the first request early.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	_, err := det.Detect(ctx, nil)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The next call waits for the first completion before issuing.
	codes, err := det.Detect(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ITEM0001", codes[0].Value)
	assert.Equal(t, int32(1), fake.maxSeen.Load())
}

// slowReader finishes reading the frame long after the worker timed out.
type slowReader struct {
	delay       time.Duration
	sawReleased atomic.Int32
	finished    chan struct{}
}

func (r *slowReader) DetectAsync(f *framechannel.Frame, done func([]barcode.Code, error)) {
	go func() {
		time.Sleep(r.delay)
		if f.Released() {
			r.sawReleased.Add(1)
		}
		done(nil, nil)
		close(r.finished)
	}()
}

func TestAbandonedAsyncRequestKeepsFrame(t *testing.T) {
	reader := &slowReader{delay: 50 * time.Millisecond, finished: make(chan struct{})}
	ch, pub, _ := startWorker(t, FromAsync(reader), Config{DetectTimeout: 5 * time.Millisecond})

	var released atomic.Int32
	offer(ch, &released)

	batch := pub.next(t)
	_, ok := batch[0].(resultrouter.Failure)
	require.True(t, ok, "timed out detection is a failure")
	assert.Equal(t, int32(0), released.Load(), "frame freed while the request still reads it")

	select {
	case <-reader.finished:
	case <-time.After(time.Second):
		t.Fatal("async request never completed")
	}
	assert.Equal(t, int32(0), reader.sawReleased.Load())
	require.Eventually(t, func() bool { return released.Load() == 1 }, time.Second, time.Millisecond)
}
