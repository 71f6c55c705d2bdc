// Package call runs the signaling state machine for audio and video calls.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/careline-hub/internal/domain"
	"github.com/ashureev/careline-hub/internal/protocol"
	"github.com/ashureev/careline-hub/internal/registry"
	"github.com/ashureev/careline-hub/internal/shared"
	"github.com/ashureev/careline-hub/internal/telemetry"
)

// Archive receives a record of every finished session.
type Archive interface {
	Call(rec domain.CallRecord)
}

// Lookup resolves a user's live connection.
type Lookup interface {
	Lookup(userID string) (*registry.Connection, bool)
}

const defaultRingTimeout = 30 * time.Second

type session struct {
	domain.CallSession

	timer *time.Timer
	// Callee candidates that arrived before the answer reached the caller.
	pending []json.RawMessage
}

// Manager owns every live call session. A user takes part in at most one
// non-terminal session at a time.
//
// Session state is guarded by the striped locks of both participants, taken
// in stripe order. The maps are guarded by mu, which is never held while
// waiting on a key lock.
type Manager struct {
	reg         Lookup
	locks       *shared.KeyLocks
	ringTimeout time.Duration
	devMode     bool
	archive     Archive
	metrics     *telemetry.Metrics
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session // sessionID -> session
	byUser   map[string]string   // userID -> sessionID

	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRingTimeout sets how long a call may ring before it times out.
func WithRingTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ringTimeout = d
		}
	}
}

// WithArchive hands a CallRecord for every ended session to a.
func WithArchive(a Archive) Option {
	return func(m *Manager) { m.archive = a }
}

// WithMetrics records call counters.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithDevMode makes internal invariant violations panic.
func WithDevMode(dev bool) Option {
	return func(m *Manager) { m.devMode = dev }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager that routes signaling through reg.
func NewManager(reg Lookup, opts ...Option) *Manager {
	m := &Manager{
		reg:         reg,
		locks:       shared.NewKeyLocks(0),
		ringTimeout: defaultRingTimeout,
		logger:      slog.Default(),
		sessions:    make(map[string]*session),
		byUser:      make(map[string]string),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request starts a call from the caller's connection to toUserID. The caller
// receives call-ringing, call-busy or recipient-offline. The new session ID
// is returned, empty when no session was created.
func (m *Manager) Request(ctx context.Context, from *registry.Connection, toUserID string, offer json.RawMessage, mediaKind string) (string, error) {
	callerID := from.UserID()
	if toUserID == callerID {
		return "", protocol.NewError(protocol.CodeInvalidPayload, "cannot call yourself")
	}
	kind, err := domain.ParseMediaKind(mediaKind)
	if err != nil {
		return "", protocol.NewError(protocol.CodeInvalidPayload, err.Error())
	}

	unlock := m.locks.LockAll(callerID, toUserID)
	defer unlock()

	m.mu.Lock()
	_, callerBusy := m.byUser[callerID]
	_, calleeBusy := m.byUser[toUserID]
	m.mu.Unlock()

	if callerBusy || calleeBusy {
		m.metrics.CallBusy(ctx)
		m.logger.Info("Call request refused, busy",
			"caller_id", callerID, "callee_id", toUserID,
			"caller_busy", callerBusy, "callee_busy", calleeBusy)
		from.Send(protocol.Event{Type: protocol.TypeCallBusy, Payload: protocol.CallBusy{ToUserID: toUserID}})
		return "", nil
	}

	if from.Closing() {
		return "", nil
	}
	callee, ok := m.reg.Lookup(toUserID)
	if !ok || callee.Closing() {
		m.recipientOffline(ctx, from, toUserID)
		return "", nil
	}

	s := &session{CallSession: domain.CallSession{
		ID:           uuid.NewString(),
		CallerID:     callerID,
		CalleeID:     toUserID,
		CallerName:   from.Identity.Name(),
		CalleeName:   callee.Identity.Name(),
		CallerConnID: from.ID,
		CalleeConnID: callee.ID,
		MediaKind:    kind,
		State:        domain.CallIdle,
		Offer:        offer,
		CreatedAt:    m.now(),
	}}
	if err := s.Apply(domain.CallEventRequest); err != nil {
		m.invariant("request from idle rejected", "session_id", s.ID, "error", err)
		return "", protocol.NewError(protocol.CodeInternal, "could not start call")
	}

	// Publish before pushing so an immediate answer finds the session once
	// it gets the key locks.
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.byUser[callerID] = s.ID
	m.byUser[toUserID] = s.ID
	m.mu.Unlock()

	delivered := callee.Send(protocol.Event{
		Type: protocol.TypeCallRequest,
		Payload: protocol.IncomingCall{
			SessionID:  s.ID,
			FromUserID: callerID,
			CallerName: s.CallerName,
			CallerType: string(from.Identity.Role),
			Offer:      offer,
			MediaKind:  string(kind),
		},
	})
	if !delivered {
		m.forget(s)
		m.recipientOffline(ctx, from, toUserID)
		return "", nil
	}

	id := s.ID
	m.mu.Lock()
	s.timer = time.AfterFunc(m.ringTimeout, func() { m.timeout(id) })
	m.mu.Unlock()

	m.metrics.CallStarted(ctx, string(kind))
	m.logger.Info("Call ringing",
		"session_id", s.ID, "caller_id", callerID, "callee_id", toUserID, "media_kind", kind)

	from.Send(protocol.Event{
		Type:    protocol.TypeCallRinging,
		Payload: protocol.CallRinging{SessionID: s.ID, ToUserID: toUserID},
	})
	return s.ID, nil
}

// Answer connects a ringing call. Only the callee may answer.
func (m *Manager) Answer(ctx context.Context, from *registry.Connection, sessionID string, answer json.RawMessage) error {
	s, unlock, err := m.acquire(sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.requireCallee(s, from.UserID()); err != nil {
		return err
	}
	if err := s.Apply(domain.CallEventAnswer); err != nil {
		return protocol.NewError(protocol.CodeInvalidState, fmt.Sprintf("cannot answer a %s call", s.State))
	}

	s.stopTimer()
	now := m.now()
	s.ConnectedAt = &now
	s.Answer = answer

	m.logger.Info("Call connected", "session_id", s.ID, "caller_id", s.CallerID, "callee_id", s.CalleeID)

	caller, ok := m.reg.Lookup(s.CallerID)
	if !ok {
		m.metrics.Undeliverable(ctx, string(protocol.TypeCallAnswer))
		return nil
	}
	caller.Send(protocol.Event{
		Type: protocol.TypeCallAnswer,
		Payload: protocol.CallAnswered{
			SessionID:    s.ID,
			Answer:       answer,
			AnswererName: s.CalleeName,
		},
	})
	for _, c := range s.pending {
		caller.Send(candidateEvent(s.ID, s.CallerID, c))
	}
	s.pending = nil
	return nil
}

// Reject declines a ringing call. Only the callee may reject.
func (m *Manager) Reject(ctx context.Context, from *registry.Connection, sessionID string) error {
	s, unlock, err := m.acquire(sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.requireCallee(s, from.UserID()); err != nil {
		return err
	}
	if err := s.Apply(domain.CallEventReject); err != nil {
		return protocol.NewError(protocol.CodeInvalidState, fmt.Sprintf("cannot reject a %s call", s.State))
	}

	m.end(ctx, s, domain.EndRejected, from.UserID())
	m.push(ctx, s.CallerID, protocol.Event{
		Type:    protocol.TypeCallRejected,
		Payload: protocol.SessionRef{SessionID: s.ID},
	})
	return nil
}

// Hangup ends a ringing or connected call from either side. Ending a session
// that no longer exists is a no-op.
func (m *Manager) Hangup(ctx context.Context, from *registry.Connection, sessionID string) error {
	s, unlock, err := m.acquire(sessionID)
	if err != nil {
		return nil
	}
	defer unlock()

	userID := from.UserID()
	if !s.Involves(userID) {
		return protocol.NewError(protocol.CodeNotParticipant, "not a participant of this call")
	}
	if err := s.Apply(domain.CallEventHangup); err != nil {
		m.invariant("hangup on live session rejected", "session_id", s.ID, "state", s.State, "error", err)
		return nil
	}

	m.end(ctx, s, domain.EndHangup, userID)
	m.push(ctx, s.Peer(userID), protocol.Event{
		Type:    protocol.TypeCallEnded,
		Payload: protocol.CallEnded{SessionID: s.ID, EndedBy: userID, Reason: string(domain.EndHangup)},
	})
	return nil
}

// Candidate forwards an ICE candidate to the other participant. Candidates
// from the callee are held until the caller has the answer. Candidates for
// unknown or ended sessions are dropped.
func (m *Manager) Candidate(ctx context.Context, from *registry.Connection, sessionID string, candidate json.RawMessage) error {
	s, unlock, err := m.acquire(sessionID)
	if err != nil {
		return nil
	}
	defer unlock()

	userID := from.UserID()
	if !s.Involves(userID) {
		return protocol.NewError(protocol.CodeNotParticipant, "not a participant of this call")
	}
	if err := s.Apply(domain.CallEventCandidate); err != nil {
		m.invariant("candidate on live session rejected", "session_id", s.ID, "state", s.State, "error", err)
		return nil
	}

	if s.State == domain.CallRinging && userID == s.CalleeID {
		s.pending = append(s.pending, candidate)
		return nil
	}

	peer := s.Peer(userID)
	m.push(ctx, peer, candidateEvent(s.ID, peer, candidate))
	return nil
}

// EndForConnection ends the session, if any, that userID joined through
// connID. The other party is told the peer disconnected. It returns the
// number of sessions ended.
func (m *Manager) EndForConnection(ctx context.Context, userID, connID string) int {
	// The connection is already marked closing. A Request holding the user's
	// key saw it open and publishes its session before releasing the key.
	m.locks.Lock(userID)()

	m.mu.Lock()
	sessionID, ok := m.byUser[userID]
	m.mu.Unlock()
	if !ok {
		return 0
	}

	s, unlock, err := m.acquire(sessionID)
	if err != nil {
		return 0
	}
	defer unlock()

	if !s.BoundTo(userID, connID) {
		return 0
	}
	if err := s.Apply(domain.CallEventDisconnect); err != nil {
		m.invariant("disconnect on live session rejected", "session_id", s.ID, "state", s.State, "error", err)
		return 0
	}

	m.end(ctx, s, domain.EndPeerDisconnected, userID)
	m.push(ctx, s.Peer(userID), protocol.Event{
		Type: protocol.TypeCallEnded,
		Payload: protocol.CallEnded{
			SessionID: s.ID,
			EndedBy:   userID,
			Reason:    string(domain.EndPeerDisconnected),
		},
	})
	return 1
}

// Current returns the projection of userID's live session.
func (m *Manager) Current(userID string) (domain.CallView, bool) {
	m.mu.Lock()
	sessionID, ok := m.byUser[userID]
	m.mu.Unlock()
	if !ok {
		return domain.CallView{}, false
	}

	s, unlock, err := m.acquire(sessionID)
	if err != nil {
		return domain.CallView{}, false
	}
	defer unlock()
	return s.View(userID), true
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every ring timer. Sessions are left as they are.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
	}
}

func (m *Manager) timeout(sessionID string) {
	s, unlock, err := m.acquire(sessionID)
	if err != nil {
		return
	}
	defer unlock()

	if s.State != domain.CallRinging {
		return
	}
	if err := s.Apply(domain.CallEventTimeout); err != nil {
		m.invariant("timeout on ringing session rejected", "session_id", s.ID, "error", err)
		return
	}

	ctx := context.Background()
	m.end(ctx, s, domain.EndTimeout, "")
	m.push(ctx, s.CallerID, protocol.Event{
		Type:    protocol.TypeCallTimeout,
		Payload: protocol.SessionRef{SessionID: s.ID},
	})
	m.push(ctx, s.CalleeID, protocol.Event{
		Type:    protocol.TypeCallEnded,
		Payload: protocol.CallEnded{SessionID: s.ID, Reason: string(domain.EndTimeout)},
	})
}

// acquire takes both participants' key locks and returns the session if it
// is still live once they are held.
func (m *Manager) acquire(sessionID string) (*session, func(), error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, protocol.NewError(protocol.CodeSessionNotFound, "no such call session")
	}

	unlock := m.locks.LockAll(s.CallerID, s.CalleeID)

	m.mu.Lock()
	cur, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok || cur != s || s.State.IsTerminal() {
		unlock()
		return nil, nil, protocol.NewError(protocol.CodeSessionNotFound, "no such call session")
	}
	return s, unlock, nil
}

func (m *Manager) requireCallee(s *session, userID string) error {
	if userID == s.CalleeID {
		return nil
	}
	if s.Involves(userID) {
		return protocol.NewError(protocol.CodeNotCallee, "only the callee can do that")
	}
	return protocol.NewError(protocol.CodeNotParticipant, "not a participant of this call")
}

// end finalizes s. The caller holds both key locks and has already applied
// the terminal transition.
func (m *Manager) end(ctx context.Context, s *session, reason domain.EndReason, endedBy string) {
	if s.State != domain.CallEnded {
		m.invariant("end called on live state", "session_id", s.ID, "state", s.State)
	}
	s.stopTimer()
	now := m.now()
	s.EndedAt = &now
	s.EndReason = reason
	s.EndedBy = endedBy
	s.pending = nil

	m.forget(s)

	rec := s.Record()
	if m.archive != nil {
		m.archive.Call(rec)
	}
	m.metrics.CallEnded(ctx, string(reason))
	m.logger.Info("Call ended",
		"session_id", s.ID,
		"reason", reason,
		"ended_by", endedBy,
		"duration", rec.Duration(),
	)
}

func (m *Manager) forget(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.ID)
	for _, userID := range []string{s.CallerID, s.CalleeID} {
		if m.byUser[userID] != s.ID {
			m.invariant("user index out of sync", "session_id", s.ID, "user_id", userID, "indexed", m.byUser[userID])
			continue
		}
		delete(m.byUser, userID)
	}
}

func (m *Manager) push(ctx context.Context, userID string, ev protocol.Event) {
	conn, ok := m.reg.Lookup(userID)
	if !ok || !conn.Send(ev) {
		m.metrics.Undeliverable(ctx, string(ev.Type))
	}
}

func (m *Manager) recipientOffline(ctx context.Context, from *registry.Connection, toUserID string) {
	m.metrics.Undeliverable(ctx, string(protocol.TypeCallRequest))
	from.Send(protocol.Event{
		Type:    protocol.TypeRecipientOffline,
		Payload: protocol.RecipientOffline{ToUserID: toUserID},
	})
}

func (m *Manager) invariant(msg string, args ...any) {
	if m.devMode {
		panic(fmt.Sprintf("call manager invariant violated: %s %v", msg, args))
	}
	m.logger.Error("Call manager invariant violated: "+msg, args...)
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

func candidateEvent(sessionID, toUserID string, candidate json.RawMessage) protocol.Event {
	return protocol.Event{
		Type: protocol.TypeICECandidate,
		Payload: protocol.ICECandidate{
			SessionID: sessionID,
			ToUserID:  toUserID,
			Candidate: candidate,
		},
	}
}
