package internal

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Frame is a camera frame in flight between the producer and the detection worker.
//
// OWNERSHIP CONTRACT:
//   - Producer: builds the frame with NewFrame and hands it to Offer. After
//     Offer the producer MUST NOT touch the frame again.
//   - Channel: owns the frame while buffered. Frames evicted on Offer,
//     skipped on Take, or still buffered at Close are released by the channel.
//   - Consumer: owns the frame returned by Take and MUST call Release after
//     one detection pass.
//   - Detector: an implementation that keeps reading the frame after Detect
//     returns (abandoned async request, in-flight write) takes a Hold first.
//     The resource is freed once the owner has released and every hold is
//     dropped.
//
// Release is idempotent: the underlying resource is freed exactly once no
// matter how many owners call it.
type Frame struct {
	// Data holds the encoded image bytes (JPEG/PNG or raw, detector dependent).
	Data []byte

	// Width of the frame in pixels
	Width int

	// Height of the frame in pixels
	Height int

	// Rotation is the orientation tag in degrees (0, 90, 180, 270).
	// Passed through to the detector and to the UI untouched.
	Rotation int

	// Timestamp when the frame was acquired (source time).
	Timestamp time.Time

	// Seq is assigned by the channel on Offer. Monotonically increasing.
	Seq uint64

	// TraceID follows the frame through logs and events.
	TraceID string

	release func()

	mu       sync.Mutex
	holds    int
	dropped  bool // owner called Release
	released atomic.Bool
}

// NewFrame builds a frame. release is invoked at most once, when the last
// owner calls Release; it may be nil for frames without an external resource.
func NewFrame(data []byte, width, height, rotation int, ts time.Time, release func()) *Frame {
	return &Frame{
		Data:      data,
		Width:     width,
		Height:    height,
		Rotation:  rotation,
		Timestamp: ts,
		TraceID:   uuid.NewString(),
		release:   release,
	}
}

// Release gives up the owner's reference. The underlying resource is freed
// now, or when the last Hold is dropped.
// Returns true only for the call that actually freed it.
func (f *Frame) Release() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	if f.dropped {
		f.mu.Unlock()
		return false
	}
	f.dropped = true
	free := f.holds == 0
	f.mu.Unlock()

	if !free {
		return false
	}
	return f.free()
}

// Hold keeps the resource alive past the owner's Release until the returned
// function is called. The function is idempotent. ok is false when the owner
// already released the frame; unhold is then a no-op.
func (f *Frame) Hold() (unhold func(), ok bool) {
	if f == nil {
		return func() {}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropped {
		return func() {}, false
	}
	f.holds++

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.holds--
			free := f.dropped && f.holds == 0
			f.mu.Unlock()
			if free {
				f.free()
			}
		})
	}, true
}

func (f *Frame) free() bool {
	if !f.released.CompareAndSwap(false, true) {
		return false
	}
	if f.release != nil {
		f.release()
	}
	return true
}

// Released reports whether the underlying resource has been freed.
func (f *Frame) Released() bool {
	return f.released.Load()
}
