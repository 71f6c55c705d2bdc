package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/careline-hub/internal/protocol"
)

const writeTimeout = 10 * time.Second

// client is the transport half of a connection: a bounded outbound queue
// drained by one writer goroutine.
type client struct {
	ws     *websocket.Conn
	send   chan protocol.Event
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func newClient(ws *websocket.Conn, queueSize int, logger *slog.Logger) *client {
	return &client{
		ws:     ws,
		send:   make(chan protocol.Event, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send queues ev without blocking. It reports false when the queue is full
// or the client is closing.
func (c *client) Send(ev protocol.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		c.logger.Warn("Outbound queue full, dropping event", "type", ev.Type)
		return false
	}
}

// Close asks the writer to close the socket with reason. It never blocks.
func (c *client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *client) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writeLoop drains the queue and keeps the peer alive with pings. When it
// returns the socket is closed, which also ends the read loop.
func (c *client) writeLoop(ctx context.Context, pingInterval time.Duration) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev := <-c.send:
			if err := c.write(ctx, ev); err != nil {
				c.logger.Debug("WebSocket write error", "error", err, "type", ev.Type)
				c.ws.CloseNow()
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("WebSocket ping failed", "error", err)
				c.ws.CloseNow()
				return
			}
		case <-c.done:
			c.flush(ctx)
			if err := c.ws.Close(websocket.StatusNormalClosure, c.closeReason()); err != nil {
				c.logger.Debug("Failed to close websocket", "error", err)
			}
			return
		case <-ctx.Done():
			c.ws.CloseNow()
			return
		}
	}
}

// flush writes whatever is already queued so a close reason is not the only
// thing a superseded client sees.
func (c *client) flush(ctx context.Context) {
	for {
		select {
		case ev := <-c.send:
			if err := c.write(ctx, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(ctx context.Context, ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		c.logger.Error("Failed to encode event", "error", err, "type", ev.Type)
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}
