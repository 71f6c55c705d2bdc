package domain

import (
	"testing"
	"time"
)

var allCallEvents = []CallEvent{
	CallEventRequest, CallEventAnswer, CallEventReject, CallEventTimeout,
	CallEventCandidate, CallEventHangup, CallEventDisconnect,
}

func TestNextCallState_Closure(t *testing.T) {
	t.Parallel()

	known := map[CallState]bool{CallIdle: true, CallRinging: true, CallConnected: true, CallEnded: true}
	for from := range known {
		for _, ev := range allCallEvents {
			to, ok := NextCallState(from, ev)
			if !ok {
				continue
			}
			if !known[to] {
				t.Fatalf("%s on %s reached undefined state %q", from, ev, to)
			}
		}
	}

	for _, ev := range allCallEvents {
		if to, ok := NextCallState(CallEnded, ev); ok {
			t.Fatalf("ended must be terminal, got %s on %s", to, ev)
		}
	}
}

func TestNextCallState_Edges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from CallState
		ev   CallEvent
		to   CallState
		ok   bool
	}{
		{CallIdle, CallEventRequest, CallRinging, true},
		{CallIdle, CallEventAnswer, "", false},
		{CallRinging, CallEventAnswer, CallConnected, true},
		{CallRinging, CallEventReject, CallEnded, true},
		{CallRinging, CallEventTimeout, CallEnded, true},
		{CallConnected, CallEventAnswer, "", false},
		{CallConnected, CallEventReject, "", false},
		{CallConnected, CallEventTimeout, "", false},
		{CallConnected, CallEventDisconnect, CallEnded, true},
	}
	for _, tc := range cases {
		to, ok := NextCallState(tc.from, tc.ev)
		if ok != tc.ok || to != tc.to {
			t.Errorf("NextCallState(%s, %s) = %q, %v; want %q, %v", tc.from, tc.ev, to, ok, tc.to, tc.ok)
		}
	}
}

func TestCallSession_ApplyRejectsUndefinedEdge(t *testing.T) {
	t.Parallel()

	s := &CallSession{State: CallConnected}
	if err := s.Apply(CallEventAnswer); err == nil {
		t.Fatal("expected error answering a connected call")
	}
	if s.State != CallConnected {
		t.Fatalf("state changed on failed transition: %s", s.State)
	}
}

func TestCallSession_View(t *testing.T) {
	t.Parallel()

	s := &CallSession{ID: "s1", CallerID: "doc", CalleeID: "pat", MediaKind: MediaVideo, State: CallRinging}
	v := s.View("pat")
	if v.PeerID != "doc" || v.Outgoing || !v.IsRinging || v.IsConnected || !v.IsVideo {
		t.Fatalf("unexpected callee view: %+v", v)
	}
	v = s.View("doc")
	if v.PeerID != "pat" || !v.Outgoing {
		t.Fatalf("unexpected caller view: %+v", v)
	}
}

func TestCallRecord_Duration(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	rec := CallRecord{ConnectedAt: &start, EndedAt: start.Add(90 * time.Second)}
	if rec.Duration() != 90*time.Second {
		t.Fatalf("unexpected duration %v", rec.Duration())
	}
	if (CallRecord{EndedAt: start}).Duration() != 0 {
		t.Fatal("unanswered call should have zero duration")
	}
}

func TestParseMediaKind(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]MediaKind{"": MediaVideo, "video": MediaVideo, "audio+video": MediaVideo, "AUDIO": MediaAudio} {
		got, err := ParseMediaKind(in)
		if err != nil || got != want {
			t.Errorf("ParseMediaKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMediaKind("hologram"); err == nil {
		t.Error("expected error for unknown media kind")
	}
}
