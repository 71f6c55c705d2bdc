package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/careline-hub/internal/domain"
	"github.com/ashureev/careline-hub/internal/identity"
)

const (
	maxPresenceIDs   = 200
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// RegisterRoutes registers the authenticated API routes. The caller mounts
// them behind identity.Middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/me", h.GetMe)
	r.Get("/presence", h.GetPresence)
	r.Get("/calls/current", h.GetCurrentCall)
	r.Get("/calls/history", h.GetCallHistory)
	r.Get("/messages", h.GetConversation)
}

// GetMe returns the verified identity of the caller.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      id.UserID,
		"role":         id.Role,
		"display_name": id.Name(),
	})
}

// GetPresence reports online status for ?user_ids=a,b,c.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("user_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		Error(w, http.StatusBadRequest, "user_ids is required")
		return
	}
	if len(ids) > maxPresenceIDs {
		Error(w, http.StatusBadRequest, "too many user_ids")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"statuses": h.presence.Statuses(ids)})
}

// GetCurrentCall returns the caller's live call, or 204 when there is none.
func (h *Handler) GetCurrentCall(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	view, ok := h.calls.Current(id.UserID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	JSON(w, http.StatusOK, view)
}

// GetCallHistory lists the caller's archived calls.
func (h *Handler) GetCallHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.history == nil {
		Error(w, http.StatusNotImplemented, "archive disabled")
		return
	}

	calls, err := h.history.RecentCalls(r.Context(), id.UserID, pageLimit(r))
	if err != nil {
		slog.Error("Failed to load call history", "user_id", id.UserID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load call history")
		return
	}

	type item struct {
		SessionID  string    `json:"session_id"`
		PeerID     string    `json:"peer_id"`
		Outgoing   bool      `json:"outgoing"`
		MediaKind  string    `json:"media_kind"`
		EndReason  string    `json:"end_reason"`
		DurationMS int64     `json:"duration_ms"`
		EndedAt    time.Time `json:"ended_at"`
	}
	out := make([]item, 0, len(calls))
	for _, c := range calls {
		peer := c.CalleeID
		if c.CalleeID == id.UserID {
			peer = c.CallerID
		}
		out = append(out, item{
			SessionID:  c.SessionID,
			PeerID:     peer,
			Outgoing:   c.CallerID == id.UserID,
			MediaKind:  string(c.MediaKind),
			EndReason:  string(c.EndReason),
			DurationMS: c.Duration().Milliseconds(),
			EndedAt:    c.EndedAt,
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"calls": out})
}

// GetConversation lists archived messages between the caller and ?with=.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	with := strings.TrimSpace(r.URL.Query().Get("with"))
	if with == "" {
		Error(w, http.StatusBadRequest, "with is required")
		return
	}
	if h.history == nil {
		Error(w, http.StatusNotImplemented, "archive disabled")
		return
	}

	messages, err := h.history.Conversation(r.Context(), id.UserID, with, pageLimit(r))
	if err != nil {
		slog.Error("Failed to load conversation", "user_id", id.UserID, "with", with, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func pageLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultPageLimit
	}
	if n > maxPageLimit {
		return maxPageLimit
	}
	return n
}
