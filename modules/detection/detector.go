package detection

import (
	"context"
	"sync"

	"github.com/e7canasta/scanlens/modules/barcode"
	"github.com/e7canasta/scanlens/modules/framechannel"
)

// Detector is the optical barcode detection capability.
// Implementations may block; they must honor ctx.
type Detector interface {
	Detect(ctx context.Context, frame *framechannel.Frame) ([]barcode.Code, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, frame *framechannel.Frame) ([]barcode.Code, error)

// Detect implements Detector.
func (f DetectorFunc) Detect(ctx context.Context, frame *framechannel.Frame) ([]barcode.Code, error) {
	return f(ctx, frame)
}

// AsyncDetector is a callback-style detection capability. done is called
// exactly once, from any goroutine.
type AsyncDetector interface {
	DetectAsync(frame *framechannel.Frame, done func([]barcode.Code, error))
}

type asyncResult struct {
	codes []barcode.Code
	err   error
}

// asyncAdapter issues a new request only after the previous one completed,
// even when the caller gave up waiting on it.
type asyncAdapter struct {
	det AsyncDetector

	mu      sync.Mutex
	pending chan struct{} // closed when the outstanding request completes
}

// FromAsync adapts an AsyncDetector to Detector.
//
// If a previous Detect returned early (ctx done) while its request was still
// pending, the next Detect first waits for that request to complete. At most
// one request is ever outstanding. The frame is held until done fires, so an
// abandoned request never reads a released frame.
func FromAsync(det AsyncDetector) Detector {
	return &asyncAdapter{det: det}
}

func (a *asyncAdapter) Detect(ctx context.Context, frame *framechannel.Frame) ([]barcode.Code, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending != nil {
		select {
		case <-a.pending:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	pending := make(chan struct{})
	results := make(chan asyncResult, 1)
	var once sync.Once
	a.pending = pending
	unhold, _ := frame.Hold()

	a.det.DetectAsync(frame, func(codes []barcode.Code, err error) {
		once.Do(func() {
			unhold()
			results <- asyncResult{codes: codes, err: err}
			close(pending)
		})
	})

	select {
	case r := <-results:
		return r.codes, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
