//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/careline-hub/internal/domain"
	"github.com/ashureev/careline-hub/internal/identity"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type fakePresence map[string]bool

func (p fakePresence) Statuses(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = p[id]
	}
	return out
}

type fakeCalls map[string]domain.CallView

func (c fakeCalls) Current(userID string) (domain.CallView, bool) {
	v, ok := c[userID]
	return v, ok
}

type fakeHistory struct {
	calls []domain.CallRecord
	err   error
}

func (f *fakeHistory) Conversation(_ context.Context, _, _ string, _ int) ([]domain.Message, error) {
	return nil, f.err
}

func (f *fakeHistory) RecentCalls(_ context.Context, _ string, limit int) ([]domain.CallRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.calls) {
		return f.calls[:limit], nil
	}
	return f.calls, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeCounter int

func (c fakeCounter) Count() int { return int(c) }

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Middleware(identity.DevVerifier{}))
		h.RegisterRoutes(r)
	})
	return r
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestGetPresence(t *testing.T) {
	h := newRouter(NewHandler(fakePresence{"d1": true}, fakeCalls{}, nil))

	rec := get(t, h, "/api/presence?token=p1&role=patient&user_ids=d1,%20d2,,")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Statuses map[string]bool `json:"statuses"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Statuses) != 2 || !body.Statuses["d1"] || body.Statuses["d2"] {
		t.Fatalf("statuses = %v", body.Statuses)
	}

	if rec := get(t, h, "/api/presence?token=p1&role=patient"); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user_ids status = %d, want 400", rec.Code)
	}
	if rec := get(t, h, "/api/presence?user_ids=d1"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
}

func TestGetCurrentCall(t *testing.T) {
	calls := fakeCalls{"p1": {SessionID: "s1", State: domain.CallRinging, PeerID: "d1", IsRinging: true}}
	h := newRouter(NewHandler(fakePresence{}, calls, nil))

	rec := get(t, h, "/api/calls/current?token=p1&role=patient")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view domain.CallView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.SessionID != "s1" || !view.IsRinging {
		t.Fatalf("view = %+v", view)
	}

	if rec := get(t, h, "/api/calls/current?token=d9&role=doctor"); rec.Code != http.StatusNoContent {
		t.Fatalf("idle status = %d, want 204", rec.Code)
	}
}

func TestGetCallHistory(t *testing.T) {
	connected := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	history := &fakeHistory{calls: []domain.CallRecord{
		{SessionID: "s1", CallerID: "d1", CalleeID: "p1", ConnectedAt: &connected, EndedAt: connected.Add(time.Minute), EndReason: domain.EndHangup},
		{SessionID: "s2", CallerID: "p1", CalleeID: "d2", EndReason: domain.EndTimeout},
	}}
	h := newRouter(NewHandler(fakePresence{}, fakeCalls{}, history))

	rec := get(t, h, "/api/calls/history?token=p1&role=patient&limit=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Calls []struct {
			SessionID  string `json:"session_id"`
			PeerID     string `json:"peer_id"`
			Outgoing   bool   `json:"outgoing"`
			DurationMS int64  `json:"duration_ms"`
		} `json:"calls"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(body.Calls))
	}
	c := body.Calls[0]
	if c.PeerID != "d1" || c.Outgoing || c.DurationMS != 60000 {
		t.Fatalf("call = %+v", c)
	}

	history.err = errors.New("db down")
	if rec := get(t, h, "/api/calls/history?token=p1&role=patient"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("failing archive status = %d, want 500", rec.Code)
	}
}

func TestHistoryWithoutArchive(t *testing.T) {
	h := newRouter(NewHandler(fakePresence{}, fakeCalls{}, nil))

	if rec := get(t, h, "/api/calls/history?token=p1&role=patient"); rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
	if rec := get(t, h, "/api/messages?token=p1&role=patient"); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing with status = %d, want 400", rec.Code)
	}
}

func TestGetConversationEmpty(t *testing.T) {
	h := newRouter(NewHandler(fakePresence{}, fakeCalls{}, &fakeHistory{}))

	rec := get(t, h, "/api/messages?token=p1&role=patient&with=d1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string][]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["messages"] == nil || len(body["messages"]) != 0 {
		t.Fatalf("messages = %v, want empty list", body["messages"])
	}
}

func TestGetMe(t *testing.T) {
	h := newRouter(NewHandler(fakePresence{}, fakeCalls{}, nil))

	rec := get(t, h, "/api/me?token=d1&role=doctor&name=Dr.%20Lee")
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["user_id"] != "d1" || body["role"] != "doctor" || body["display_name"] != "Dr. Lee" {
		t.Fatalf("me = %v", body)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		archive    Pinger
		wantStatus int
		wantCheck  string
	}{
		{"healthy", fakePinger{}, http.StatusOK, "ok"},
		{"degraded", fakePinger{err: errors.New("down")}, http.StatusServiceUnavailable, "unreachable"},
		{"disabled", nil, http.StatusOK, "disabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHealthHandler(tt.archive, fakeCounter(3)).RegisterHealth(r)

			rec := get(t, r, "/health")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body struct {
				Checks      map[string]string `json:"checks"`
				Connections int               `json:"connections"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Checks["archive"] != tt.wantCheck || body.Connections != 3 {
				t.Fatalf("body = %+v", body)
			}
		})
	}
}
