// Package registry tracks the single live connection of every connected user.
package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/careline-hub/internal/domain"
	"github.com/ashureev/careline-hub/internal/protocol"
	"github.com/ashureev/careline-hub/internal/shared"
	"github.com/google/uuid"
)

// CloseSuperseded is the close reason given to a connection replaced by a newer one.
const CloseSuperseded = "superseded"

// Conn is the transport side of a connection.
//
// Send must not block: it reports false when the outbound queue is full or the
// connection is closed. Close must return promptly and must not call back into
// the registry; the connection's own handler runs the teardown.
type Conn interface {
	Send(ev protocol.Event) bool
	Close(reason string)
}

// Connection is one admitted, authenticated session.
type Connection struct {
	ID          string
	Identity    domain.Identity
	ConnectedAt time.Time

	conn    Conn
	closing atomic.Bool
}

// UserID returns the owning user's ID.
func (c *Connection) UserID() string {
	return c.Identity.UserID
}

// MarkClosing flags the connection as being torn down. New call sessions
// are not bound to a closing connection.
func (c *Connection) MarkClosing() {
	c.closing.Store(true)
}

// Closing reports whether teardown has started.
func (c *Connection) Closing() bool {
	return c.closing.Load()
}

// Send pushes an event without blocking. False means the peer is unreachable.
func (c *Connection) Send(ev protocol.Event) bool {
	return c.conn.Send(ev)
}

// Registry maps user IDs to at most one live Connection.
// Mutations for a user are serialized by a per-key lock; lookups never lock.
type Registry struct {
	locks  *shared.KeyLocks
	active sync.Map // userID -> *Connection
	owners sync.Map // connID -> userID
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		locks:  shared.NewKeyLocks(0),
		logger: logger,
	}
}

// Register admits conn for id, evicting any connection the user already had.
func (r *Registry) Register(id domain.Identity, conn Conn) *Connection {
	c := &Connection{
		ID:          uuid.NewString(),
		Identity:    id,
		ConnectedAt: time.Now(),
		conn:        conn,
	}

	unlock := r.locks.Lock(id.UserID)
	defer unlock()

	if v, ok := r.active.Load(id.UserID); ok {
		old := v.(*Connection)
		r.owners.Delete(old.ID)
		old.conn.Close(CloseSuperseded)
		r.logger.Info("Connection superseded", "user_id", id.UserID, "old_conn_id", old.ID, "conn_id", c.ID)
	}

	r.active.Store(id.UserID, c)
	r.owners.Store(c.ID, id.UserID)
	r.logger.Info("Connection registered", "user_id", id.UserID, "conn_id", c.ID, "role", id.Role)
	return c
}

// Unregister removes the connection if it is still the user's current one.
// Stale or repeated calls are no-ops; it reports whether anything was removed.
func (r *Registry) Unregister(connID string) bool {
	v, ok := r.owners.LoadAndDelete(connID)
	if !ok {
		return false
	}
	userID := v.(string)

	unlock := r.locks.Lock(userID)
	defer unlock()

	cur, ok := r.active.Load(userID)
	if !ok || cur.(*Connection).ID != connID {
		return false
	}
	r.active.Delete(userID)
	r.logger.Info("Connection unregistered", "user_id", userID, "conn_id", connID)
	return true
}

// Lookup returns the user's live connection. Absence is a normal outcome.
func (r *Registry) Lookup(userID string) (*Connection, bool) {
	v, ok := r.active.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	n := 0
	r.active.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CloseAll closes every live connection, e.g. on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.active.Range(func(_, v any) bool {
		v.(*Connection).conn.Close(reason)
		return true
	})
}
