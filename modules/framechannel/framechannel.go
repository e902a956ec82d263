// Package framechannel is the bounded hand-off between the camera producer
// and the detection worker.
//
// Philosophy: "Latest frame wins. Never block the camera."
//
// Design:
//   - Non-blocking Offer (drop-oldest when full)
//   - Blocking Take with context cancellation
//   - Take returns the newest buffered frame, older ones are released
//   - Explicit frame ownership with idempotent Release
package framechannel

import (
	"context"
	"time"

	"github.com/e7canasta/scanlens/modules/framechannel/internal"
)

// Frame is re-exported from internal package to avoid import cycles.
// See internal/frame.go for full documentation.
type Frame = internal.Frame

// Stats is re-exported from internal package.
// See internal/types.go for full documentation.
type Stats = internal.Stats

// ErrClosed is returned by Take after Close.
var ErrClosed = internal.ErrClosed

const (
	DefaultCapacity = internal.DefaultCapacity
	MaxCapacity     = internal.MaxCapacity
)

// Channel is the public interface for frame hand-off.
//
// Lifecycle: New() → Offer()/Take() → Close()
//
// Thread-safety: all methods safe for concurrent use. Any number of
// producers may Offer; a single consumer is expected to Take.
type Channel interface {
	// Offer hands a frame to the channel (non-blocking).
	//
	// Semantics:
	//   - Full buffer: the oldest buffered frame is released and counted as Dropped
	//   - After Close: the frame is released immediately and counted as Dropped
	//   - Assigns frame.Seq
	//
	// The caller gives up ownership of frame.
	Offer(frame *Frame)

	// Take blocks until a frame is available and returns the newest one.
	//
	// Returns:
	//   - ctx.Err() when ctx is cancelled while waiting
	//   - ErrClosed when the channel is closed and empty
	//
	// The caller owns the returned frame and MUST call Release on it.
	Take(ctx context.Context) (*Frame, error)

	// Close releases buffered frames and wakes a blocked Take.
	// Idempotent.
	Close() error

	// Len returns the number of buffered frames.
	Len() int

	// Stats returns an operational snapshot.
	Stats() Stats
}

// New creates a Channel holding at most capacity frames.
// capacity <= 0 uses DefaultCapacity; larger than MaxCapacity is clamped.
func New(capacity int) Channel {
	return internal.NewChannel(capacity)
}

// NewFrame builds a frame for Offer. release may be nil.
func NewFrame(data []byte, width, height, rotation int, ts time.Time, release func()) *Frame {
	return internal.NewFrame(data, width, height, rotation, ts, release)
}
