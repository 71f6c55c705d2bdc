// Package hubtest provides an in-memory connection for exercising hub components.
package hubtest

import (
	"sync"
	"testing"
	"time"

	"github.com/ashureev/careline-hub/internal/protocol"
)

// Conn records every event pushed to it. It satisfies registry.Conn.
type Conn struct {
	mu      sync.Mutex
	events  []protocol.Event
	closed  string
	full    bool
	changed chan struct{}
}

// NewConn returns an open, empty connection.
func NewConn() *Conn {
	return &Conn{changed: make(chan struct{}, 1)}
}

// Send records ev unless the connection is closed or marked full.
func (c *Conn) Send(ev protocol.Event) bool {
	c.mu.Lock()
	if c.closed != "" || c.full {
		c.mu.Unlock()
		return false
	}
	c.events = append(c.events, ev)
	c.mu.Unlock()

	select {
	case c.changed <- struct{}{}:
	default:
	}
	return true
}

// Close marks the connection closed.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == "" {
		c.closed = reason
	}
}

// Closed returns the close reason, empty while open.
func (c *Conn) Closed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetFull simulates a saturated outbound queue.
func (c *Conn) SetFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

// Events returns a copy of everything received so far.
func (c *Conn) Events() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns the received events of type typ, in order.
func (c *Conn) OfType(typ protocol.Type) []protocol.Event {
	var out []protocol.Event
	for _, ev := range c.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets received events.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// WaitFor blocks until an event of type typ arrives or fails the test after timeout.
func (c *Conn) WaitFor(t testing.TB, typ protocol.Type, timeout time.Duration) protocol.Event {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if evs := c.OfType(typ); len(evs) > 0 {
			return evs[0]
		}
		select {
		case <-c.changed:
		case <-deadline.C:
			t.Fatalf("timed out waiting for %s event", typ)
			return protocol.Event{}
		}
	}
}
