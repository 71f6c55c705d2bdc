package hub

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/careline-hub/internal/domain"
	"github.com/ashureev/careline-hub/internal/hubtest"
	"github.com/ashureev/careline-hub/internal/protocol"
)

func lastError(t *testing.T, conn *hubtest.Conn) protocol.ErrorPayload {
	t.Helper()
	errs := conn.OfType(protocol.TypeError)
	if len(errs) == 0 {
		t.Fatal("no error event")
	}
	return errs[len(errs)-1].Payload.(protocol.ErrorPayload)
}

func TestDispatch_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame string
		code  protocol.Code
	}{
		{"malformed", `{"type":`, protocol.CodeMalformed},
		{"no type", `{"payload":{}}`, protocol.CodeMalformed},
		{"unknown", `{"type":"dance"}`, protocol.CodeUnknownEvent},
		{"missing payload", `{"type":"send-message"}`, protocol.CodeInvalidPayload},
		{"missing target", `{"type":"send-message","payload":{"content":"hi"}}`, protocol.CodeInvalidPayload},
		{"system kind", `{"type":"send-message","payload":{"toUserId":"d1","content":"hi","kind":"system"}}`, protocol.CodeInvalidPayload},
		{"bad media kind", `{"type":"call-request","payload":{"toUserId":"d1","offer":{},"mediaKind":"smell"}}`, protocol.CodeInvalidPayload},
		{"answer unknown", `{"type":"call-answer","payload":{"sessionId":"nope","answer":{}}}`, protocol.CodeSessionNotFound},
		{"reject unknown", `{"type":"call-rejected","payload":{"sessionId":"nope"}}`, protocol.CodeSessionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newStack(t, nil)
			conn := hubtest.NewConn()
			c := s.sup.Connect(context.Background(), domain.Identity{UserID: "p1", Role: domain.RolePatient}, conn)

			s.disp.Dispatch(context.Background(), c, []byte(tt.frame))
			if got := lastError(t, conn); got.Code != tt.code {
				t.Fatalf("code = %s (%s), want %s", got.Code, got.Message, tt.code)
			}
			if conn.Closed() != "" {
				t.Fatal("protocol error closed the connection")
			}
		})
	}
}

func TestDispatch_SilentOutcomes(t *testing.T) {
	t.Parallel()

	s := newStack(t, nil)
	conn := hubtest.NewConn()
	c := s.sup.Connect(context.Background(), domain.Identity{UserID: "p1", Role: domain.RolePatient}, conn)

	for _, frame := range []string{
		`{"type":"call-ended","payload":{"sessionId":"gone"}}`,
		`{"type":"ice-candidate","payload":{"sessionId":"gone","candidate":{"c":1}}}`,
		`{"type":"typing","payload":{"toUserId":"d1","isTyping":true}}`,
	} {
		s.disp.Dispatch(context.Background(), c, []byte(frame))
	}
	if evs := conn.Events(); len(evs) != 0 {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestDispatch_PresenceQueryAndPing(t *testing.T) {
	t.Parallel()

	s := newStack(t, nil)
	conn := hubtest.NewConn()
	c := s.sup.Connect(context.Background(), domain.Identity{UserID: "p1", Role: domain.RolePatient}, conn)
	s.sup.Connect(context.Background(), domain.Identity{UserID: "d1", Role: domain.RoleDoctor}, hubtest.NewConn())

	s.disp.Dispatch(context.Background(), c, []byte(`{"type":"presence-query","payload":{"userIds":["d1","d2"]}}`))
	s.disp.Dispatch(context.Background(), c, []byte(`{"type":"ping"}`))

	p := conn.WaitFor(t, protocol.TypePresence, time.Second).Payload.(protocol.Presence)
	if !p.Statuses["d1"] || p.Statuses["d2"] {
		t.Fatalf("statuses = %v", p.Statuses)
	}
	conn.WaitFor(t, protocol.TypePong, time.Second)
}

func TestDispatch_CallFlow(t *testing.T) {
	t.Parallel()

	s := newStack(t, nil)
	ctx := context.Background()
	doctorConn, patientConn := hubtest.NewConn(), hubtest.NewConn()
	doctor := s.sup.Connect(ctx, domain.Identity{UserID: "d1", Role: domain.RoleDoctor}, doctorConn)
	patient := s.sup.Connect(ctx, domain.Identity{UserID: "p1", Role: domain.RolePatient}, patientConn)

	s.disp.Dispatch(ctx, doctor, []byte(`{"type":"call-request","payload":{"toUserId":"p1","offer":{"sdp":"o"},"mediaKind":"audio"}}`))
	ring := doctorConn.WaitFor(t, protocol.TypeCallRinging, time.Second).Payload.(protocol.CallRinging)

	// The caller cannot answer their own call.
	s.disp.Dispatch(ctx, doctor, []byte(`{"type":"call-answer","payload":{"sessionId":"`+ring.SessionID+`","answer":{}}}`))
	if got := lastError(t, doctorConn); got.Code != protocol.CodeNotCallee {
		t.Fatalf("code = %s, want not-callee", got.Code)
	}

	s.disp.Dispatch(ctx, patient, []byte(`{"type":"call-rejected","payload":{"sessionId":"`+ring.SessionID+`"}}`))
	doctorConn.WaitFor(t, protocol.TypeCallRejected, time.Second)
	if s.calls.Active() != 0 {
		t.Fatal("rejected call still active")
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	t.Parallel()

	s := newStack(t, NewRateLimiter(2, time.Minute))
	conn := hubtest.NewConn()
	c := s.sup.Connect(context.Background(), domain.Identity{UserID: "p1", Role: domain.RolePatient}, conn)

	for i := 0; i < 3; i++ {
		s.disp.Dispatch(context.Background(), c, []byte(`{"type":"presence-query","payload":{"userIds":["d1"]}}`))
	}
	if n := len(conn.OfType(protocol.TypePresence)); n != 2 {
		t.Fatalf("presence replies = %d, want 2", n)
	}
	if got := lastError(t, conn); got.Code != protocol.CodeRateLimited {
		t.Fatalf("code = %s, want rate-limited", got.Code)
	}

	// Pings are not counted.
	s.disp.Dispatch(context.Background(), c, []byte(`{"type":"ping"}`))
	if n := len(conn.OfType(protocol.TypePong)); n != 1 {
		t.Fatalf("pongs = %d, want 1", n)
	}
}

func TestDispatch_CallSignalingBypassesRateLimit(t *testing.T) {
	t.Parallel()

	s := newStack(t, NewRateLimiter(5, time.Minute))
	ctx := context.Background()
	doctorConn, patientConn := hubtest.NewConn(), hubtest.NewConn()
	doctor := s.sup.Connect(ctx, domain.Identity{UserID: "d1", Role: domain.RoleDoctor}, doctorConn)
	patient := s.sup.Connect(ctx, domain.Identity{UserID: "p1", Role: domain.RolePatient}, patientConn)

	s.disp.Dispatch(ctx, doctor, []byte(`{"type":"call-request","payload":{"toUserId":"p1","offer":{"sdp":"o"}}}`))
	id := doctorConn.WaitFor(t, protocol.TypeCallRinging, time.Second).Payload.(protocol.CallRinging).SessionID
	s.disp.Dispatch(ctx, patient, []byte(`{"type":"call-answer","payload":{"sessionId":"`+id+`","answer":{"sdp":"a"}}}`))
	doctorConn.WaitFor(t, protocol.TypeCallAnswer, time.Second)

	// Use up the chat budget first.
	for i := 0; i < 10; i++ {
		s.disp.Dispatch(ctx, doctor, []byte(`{"type":"typing","payload":{"toUserId":"p1","isTyping":true}}`))
	}
	if got := lastError(t, doctorConn); got.Code != protocol.CodeRateLimited {
		t.Fatalf("code = %s, want rate-limited", got.Code)
	}

	const candidates = 70
	for i := 0; i < candidates; i++ {
		s.disp.Dispatch(ctx, doctor, []byte(`{"type":"ice-candidate","payload":{"sessionId":"`+id+`","candidate":{"n":1}}}`))
	}
	s.disp.Dispatch(ctx, doctor, []byte(`{"type":"call-ended","payload":{"sessionId":"`+id+`"}}`))

	if n := len(patientConn.OfType(protocol.TypeICECandidate)); n != candidates {
		t.Fatalf("candidates relayed = %d, want %d", n, candidates)
	}
	patientConn.WaitFor(t, protocol.TypeCallEnded, time.Second)
	if n := s.calls.Active(); n != 0 {
		t.Fatalf("active sessions = %d, want 0", n)
	}
}

func TestRateLimiter_Evicts(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 10*time.Millisecond)
	if !rl.Allow("u") || rl.Allow("u") {
		t.Fatal("limit not enforced")
	}
	time.Sleep(20 * time.Millisecond)
	rl.evict()

	rl.mu.Lock()
	n := len(rl.requests)
	rl.mu.Unlock()
	if n != 0 {
		t.Fatalf("requests = %d keys, want 0", n)
	}
	if !rl.Allow("u") {
		t.Fatal("budget not restored after window")
	}
}
