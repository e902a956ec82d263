package internal

import "time"

// idleThreshold marks the consumer idle when it has not called Take for this long.
// A healthy detection worker takes frames continuously while the camera runs.
const idleThreshold = 30 * time.Second

// Stats returns a snapshot of channel state (implements Channel.Stats).
func (c *channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Capacity:    c.capacity,
		Buffered:    len(c.buf),
		Offered:     c.offered,
		Taken:       c.taken,
		Dropped:     c.dropped,
		Superseded:  c.superseded,
		LastTakenAt: c.lastTakenAt,
		IsIdle:      time.Since(c.lastTakenAt) > idleThreshold,
	}
}
