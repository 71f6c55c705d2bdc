// Package api provides HTTP handlers for the hub's REST surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/careline-hub/internal/domain"
)

// Presence answers online status questions.
type Presence interface {
	Statuses(userIDs []string) map[string]bool
}

// Calls exposes the caller's live call session.
type Calls interface {
	Current(userID string) (domain.CallView, bool)
}

// History reads the durable archive.
type History interface {
	Conversation(ctx context.Context, userA, userB string, limit int) ([]domain.Message, error)
	RecentCalls(ctx context.Context, userID string, limit int) ([]domain.CallRecord, error)
}

// Handler provides common handler utilities.
type Handler struct {
	presence Presence
	calls    Calls
	history  History
}

// NewHandler creates a new Handler. history may be nil when no archive is configured.
func NewHandler(presence Presence, calls Calls, history History) *Handler {
	return &Handler{
		presence: presence,
		calls:    calls,
		history:  history,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
