// Package internal implements the bounded frame channel.
//
// This package is INTERNAL - clients MUST use the public API in the parent package.
package internal

import (
	"context"
	"sync"
	"time"
)

// channel is the concrete implementation of framechannel.Channel.
//
// Topology: 1..N producers (camera tick), 1 consumer (detection worker).
// No goroutines are owned by the channel.
//
// Thread-safety: all methods safe for concurrent use. Every mutation of buf
// happens under mu, so evict-then-insert is a single step even with several
// producers.
type channel struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []*Frame // oldest first, len(buf) <= capacity
	capacity int
	closed   bool

	seq         uint64
	offered     uint64
	taken       uint64
	dropped     uint64
	superseded  uint64
	lastTakenAt time.Time
}

// NewChannel creates a channel (called by the public New in the parent package).
// Capacity is clamped to [1, MaxCapacity].
func NewChannel(capacity int) *channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if capacity > MaxCapacity {
		capacity = MaxCapacity
	}

	c := &channel{
		buf:         make([]*Frame, 0, capacity),
		capacity:    capacity,
		lastTakenAt: time.Now(), // avoid IsIdle before the first Take
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Offer hands a frame to the channel (implements Channel.Offer).
//
// Algorithm:
//  1. Lock
//  2. Closed: count drop, release frame after unlock
//  3. Full: detach oldest frame (drop-oldest backpressure)
//  4. Append new frame, assign Seq, signal consumer
//  5. Unlock, then release the evicted frame outside the lock
//
// Never blocks on the consumer.
func (c *channel) Offer(frame *Frame) {
	if frame == nil {
		return
	}

	c.mu.Lock()

	if c.closed {
		c.dropped++
		c.mu.Unlock()
		frame.Release()
		return
	}

	var evicted *Frame
	if len(c.buf) == c.capacity {
		evicted = c.buf[0]
		copy(c.buf, c.buf[1:])
		c.buf[len(c.buf)-1] = nil
		c.buf = c.buf[:len(c.buf)-1]
		c.dropped++
	}

	c.seq++
	frame.Seq = c.seq
	c.buf = append(c.buf, frame)
	c.offered++

	c.cond.Signal()
	c.mu.Unlock()

	if evicted != nil {
		evicted.Release()
	}
}

// Take blocks until a frame is available (implements Channel.Take).
//
// Returns the newest buffered frame. Older buffered frames are released and
// counted as superseded, so the consumer never processes stale camera state.
//
// Unblocks with ctx.Err() on cancellation and ErrClosed after Close.
func (c *channel) Take(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Wake the waiter on cancellation. The callback takes the lock, so a
	// cancellation between the loop check and Wait cannot be lost.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	for len(c.buf) == 0 && !c.closed && ctx.Err() == nil {
		c.cond.Wait()
	}

	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if len(c.buf) == 0 {
		// Only reachable once closed.
		c.mu.Unlock()
		return nil, ErrClosed
	}

	n := len(c.buf)
	frame := c.buf[n-1]

	var stale []*Frame
	if n > 1 {
		stale = make([]*Frame, n-1)
		copy(stale, c.buf[:n-1])
		c.superseded += uint64(n - 1)
	}
	for i := range c.buf {
		c.buf[i] = nil
	}
	c.buf = c.buf[:0]

	c.taken++
	c.lastTakenAt = time.Now()
	c.mu.Unlock()

	for _, f := range stale {
		f.Release()
	}
	return frame, nil
}

// Close releases every buffered frame and wakes the consumer (implements Channel.Close).
// Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	pending := c.buf
	c.buf = nil
	c.dropped += uint64(len(pending))

	c.cond.Broadcast()
	c.mu.Unlock()

	for _, f := range pending {
		f.Release()
	}
	return nil
}

// Len returns the number of buffered frames.
func (c *channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
