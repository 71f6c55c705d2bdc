// Package hub wires connections to the relay and call manager and owns the
// WebSocket transport.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/careline-hub/internal/domain"
	"github.com/ashureev/careline-hub/internal/registry"
	"github.com/ashureev/careline-hub/internal/telemetry"
)

// CallEnder ends the call bound to a connection.
type CallEnder interface {
	EndForConnection(ctx context.Context, userID, connID string) int
}

// TypingClearer drops typing state involving a user.
type TypingClearer interface {
	ClearUser(userID string) int
}

// Supervisor admits connections and is the single teardown path for them.
type Supervisor struct {
	reg     *registry.Registry
	calls   CallEnder
	typing  TypingClearer
	metrics *telemetry.Metrics
	logger  *slog.Logger

	admitted sync.Map // connID -> *registry.Connection
}

// NewSupervisor creates a supervisor. metrics may be nil.
func NewSupervisor(reg *registry.Registry, calls CallEnder, typing TypingClearer, metrics *telemetry.Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		reg:     reg,
		calls:   calls,
		typing:  typing,
		metrics: metrics,
		logger:  logger,
	}
}

// Connect registers conn for id. Any previous connection of the user is
// closed with reason "superseded"; its own handler tears it down.
func (s *Supervisor) Connect(ctx context.Context, id domain.Identity, conn registry.Conn) *registry.Connection {
	c := s.reg.Register(id, conn)
	s.admitted.Store(c.ID, c)
	s.metrics.ConnectionOpened(ctx, string(id.Role))
	return c
}

// Disconnect tears c down: it ends c's call, clears typing state involving
// the user and unregisters the connection, in that order. Only the first
// call for a connection does anything; it reports whether it ran.
func (s *Supervisor) Disconnect(ctx context.Context, c *registry.Connection) bool {
	if _, ok := s.admitted.LoadAndDelete(c.ID); !ok {
		return false
	}
	userID := c.UserID()
	c.MarkClosing()

	ended := s.calls.EndForConnection(ctx, userID, c.ID)

	// A superseded connection must not wipe state its replacement now owns.
	cleared := 0
	if cur, ok := s.reg.Lookup(userID); ok && cur.ID == c.ID {
		cleared = s.typing.ClearUser(userID)
	}

	s.reg.Unregister(c.ID)
	s.metrics.ConnectionClosed(ctx, string(c.Identity.Role))

	s.logger.Info("Connection torn down",
		"user_id", userID,
		"conn_id", c.ID,
		"calls_ended", ended,
		"typing_cleared", cleared,
	)
	return true
}

// Shutdown closes every live connection. Each handler then runs Disconnect.
func (s *Supervisor) Shutdown(reason string) {
	s.reg.CloseAll(reason)
}
