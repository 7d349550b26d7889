// Package ring provides a bounded channel with drop-oldest overflow
// semantics. Producers never block: when the buffer is full, the oldest
// buffered element is discarded so a stalled or absent consumer only ever
// loses the front of the stream, never the most recent items.
package ring

import (
	"sync"
	"sync/atomic"
)

// Channel wraps a buffered Go channel. Send never blocks and is safe to call
// concurrently with Close; sends after Close are dropped silently.
type Channel[T any] struct {
	mu      sync.RWMutex
	ch      chan T
	closed  bool
	sent    atomic.Int64
	dropped atomic.Int64
}

// New creates a Channel with the given capacity. Capacity must be positive.
func New[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		panic("ring: capacity must be > 0")
	}
	return &Channel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Consumers range over it until Close.
func (c *Channel[T]) C() <-chan T {
	return c.ch
}

// Send inserts v, discarding the oldest buffered element if the buffer is
// full. It reports whether anything was discarded. Sending on a closed
// Channel is a no-op.
func (c *Channel[T]) Send(v T) (dropped bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	for {
		select {
		case c.ch <- v:
			c.sent.Add(1)
			return dropped
		default:
		}
		select {
		case <-c.ch:
			c.dropped.Add(1)
			dropped = true
		default:
			// Consumer drained the buffer between the two selects;
			// loop and try the send again.
		}
	}
}

// TrySend inserts v only if buffer space is free.
func (c *Channel[T]) TrySend(v T) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- v:
		c.sent.Add(1)
		return true
	default:
		return false
	}
}

// Close closes the receive side. Idempotent; concurrent Sends become no-ops.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

// Len returns the number of buffered elements.
func (c *Channel[T]) Len() int { return len(c.ch) }

// Cap returns the buffer capacity.
func (c *Channel[T]) Cap() int { return cap(c.ch) }

// Sent returns the number of elements accepted by Send and TrySend.
func (c *Channel[T]) Sent() int64 { return c.sent.Load() }

// Dropped returns the number of elements discarded to make room.
func (c *Channel[T]) Dropped() int64 { return c.dropped.Load() }
