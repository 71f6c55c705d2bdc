// Package presence derives online status from the registry and tracks typing indicators.
package presence

import "github.com/ashureev/careline-hub/internal/registry"

// Lookup resolves a user's live connection.
type Lookup interface {
	Lookup(userID string) (*registry.Connection, bool)
}

// Tracker answers presence questions. Nothing is stored: a user is online
// exactly when the registry holds a connection for them.
type Tracker struct {
	reg Lookup
}

// NewTracker creates a tracker over reg.
func NewTracker(reg Lookup) *Tracker {
	return &Tracker{reg: reg}
}

// IsOnline reports whether userID has a live connection.
func (t *Tracker) IsOnline(userID string) bool {
	_, ok := t.reg.Lookup(userID)
	return ok
}

// Statuses reports online status for each of userIDs.
func (t *Tracker) Statuses(userIDs []string) map[string]bool {
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = t.IsOnline(id)
	}
	return out
}
