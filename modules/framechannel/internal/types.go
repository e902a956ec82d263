package internal

import (
	"errors"
	"time"
)

// ErrClosed is returned by Take once the channel has been closed.
var ErrClosed = errors.New("framechannel: channel closed")

const (
	// DefaultCapacity keeps only the latest frame.
	DefaultCapacity = 1

	// MaxCapacity bounds the buffer. Anything larger only adds staleness.
	MaxCapacity = 8
)

// Stats is a snapshot of channel operational state.
type Stats struct {
	// Capacity is the configured buffer size.
	Capacity int

	// Buffered is the number of frames waiting for Take.
	Buffered int

	// Offered counts accepted Offer calls (frames after Close are not counted).
	Offered uint64

	// Taken counts frames handed to the consumer.
	Taken uint64

	// Dropped counts frames evicted on Offer because the buffer was full,
	// plus frames offered after (or still buffered at) Close.
	// Expected and healthy when the detector is slower than the camera.
	Dropped uint64

	// Superseded counts buffered frames skipped by Take because a newer
	// frame was available. Always 0 with capacity 1.
	Superseded uint64

	// LastTakenAt is the time of the last successful Take.
	LastTakenAt time.Time

	// IsIdle indicates no Take for longer than idleThreshold.
	IsIdle bool
}
