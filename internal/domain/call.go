package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CallState is a state of the call session machine.
type CallState string

const (
	// CallIdle means no session is recorded for the pair.
	CallIdle CallState = "idle"
	// CallRinging means the offer was relayed and no answer arrived yet.
	CallRinging CallState = "ringing"
	// CallConnected means the callee's answer was relayed.
	CallConnected CallState = "connected"
	// CallEnded is terminal.
	CallEnded CallState = "ended"
)

// IsTerminal reports whether the state has no outgoing transitions.
func (s CallState) IsTerminal() bool {
	return s == CallEnded
}

// CallEvent is an input to the call session machine.
type CallEvent string

const (
	CallEventRequest    CallEvent = "call-request"
	CallEventAnswer     CallEvent = "call-answer"
	CallEventReject     CallEvent = "call-rejected"
	CallEventTimeout    CallEvent = "timeout"
	CallEventCandidate  CallEvent = "ice-candidate"
	CallEventHangup     CallEvent = "call-ended"
	CallEventDisconnect CallEvent = "disconnect"
)

var callTransitions = map[CallState]map[CallEvent]CallState{
	CallIdle: {
		CallEventRequest: CallRinging,
	},
	CallRinging: {
		CallEventAnswer:     CallConnected,
		CallEventReject:     CallEnded,
		CallEventTimeout:    CallEnded,
		CallEventCandidate:  CallRinging,
		CallEventHangup:     CallEnded,
		CallEventDisconnect: CallEnded,
	},
	CallConnected: {
		CallEventCandidate:  CallConnected,
		CallEventHangup:     CallEnded,
		CallEventDisconnect: CallEnded,
	},
}

// NextCallState returns the state reached by applying ev in from.
// ok is false when the table has no such edge.
func NextCallState(from CallState, ev CallEvent) (CallState, bool) {
	to, ok := callTransitions[from][ev]
	return to, ok
}

// MediaKind labels what the caller asked for. The hub never interprets it.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// ParseMediaKind accepts "audio", "video" and "audio+video". Empty means video.
func ParseMediaKind(s string) (MediaKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "video", "audio+video":
		return MediaVideo, nil
	case "audio":
		return MediaAudio, nil
	default:
		return "", fmt.Errorf("unknown media kind %q", s)
	}
}

// EndReason says why a session reached CallEnded.
type EndReason string

const (
	EndHangup           EndReason = "hangup"
	EndRejected         EndReason = "rejected"
	EndTimeout          EndReason = "timeout"
	EndPeerDisconnected EndReason = "peer-disconnected"
)

// CallSession is the single source of truth for one call attempt.
type CallSession struct {
	ID           string
	CallerID     string
	CalleeID     string
	CallerName   string
	CalleeName   string
	CallerConnID string
	CalleeConnID string
	MediaKind    MediaKind
	State        CallState
	Offer        json.RawMessage
	Answer       json.RawMessage
	CreatedAt    time.Time
	ConnectedAt  *time.Time
	EndedAt      *time.Time
	EndReason    EndReason
	EndedBy      string
}

// Apply moves the session along the transition table.
func (s *CallSession) Apply(ev CallEvent) error {
	to, ok := NextCallState(s.State, ev)
	if !ok {
		return fmt.Errorf("no transition from %s on %s", s.State, ev)
	}
	s.State = to
	return nil
}

// Involves reports whether userID is caller or callee.
func (s *CallSession) Involves(userID string) bool {
	return s.CallerID == userID || s.CalleeID == userID
}

// Peer returns the other participant.
func (s *CallSession) Peer(userID string) string {
	if s.CallerID == userID {
		return s.CalleeID
	}
	return s.CallerID
}

// BoundTo reports whether the session participant userID joined through connID.
func (s *CallSession) BoundTo(userID, connID string) bool {
	switch userID {
	case s.CallerID:
		return s.CallerConnID == connID
	case s.CalleeID:
		return s.CalleeConnID == connID
	}
	return false
}

// CallView is the read-only projection UIs render instead of keeping their own flags.
type CallView struct {
	SessionID   string     `json:"session_id"`
	State       CallState  `json:"state"`
	PeerID      string     `json:"peer_id"`
	MediaKind   MediaKind  `json:"media_kind"`
	Outgoing    bool       `json:"outgoing"`
	IsRinging   bool       `json:"is_ringing"`
	IsConnected bool       `json:"is_connected"`
	IsVideo     bool       `json:"is_video"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// View projects the session for one of its participants.
func (s *CallSession) View(userID string) CallView {
	return CallView{
		SessionID:   s.ID,
		State:       s.State,
		PeerID:      s.Peer(userID),
		MediaKind:   s.MediaKind,
		Outgoing:    s.CallerID == userID,
		IsRinging:   s.State == CallRinging,
		IsConnected: s.State == CallConnected,
		IsVideo:     s.MediaKind == MediaVideo,
		ConnectedAt: s.ConnectedAt,
	}
}

// CallRecord is the archived summary of a finished session.
type CallRecord struct {
	SessionID   string     `json:"session_id"`
	CallerID    string     `json:"caller_id"`
	CalleeID    string     `json:"callee_id"`
	MediaKind   MediaKind  `json:"media_kind"`
	CreatedAt   time.Time  `json:"created_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time  `json:"ended_at"`
	EndReason   EndReason  `json:"end_reason"`
	EndedBy     string     `json:"ended_by,omitempty"`
}

// Duration returns how long the call was connected, zero if never answered.
func (r CallRecord) Duration() time.Duration {
	if r.ConnectedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.ConnectedAt)
}

// Record summarizes an ended session.
func (s *CallSession) Record() CallRecord {
	rec := CallRecord{
		SessionID:   s.ID,
		CallerID:    s.CallerID,
		CalleeID:    s.CalleeID,
		MediaKind:   s.MediaKind,
		CreatedAt:   s.CreatedAt,
		ConnectedAt: s.ConnectedAt,
		EndReason:   s.EndReason,
		EndedBy:     s.EndedBy,
	}
	if s.EndedAt != nil {
		rec.EndedAt = *s.EndedAt
	}
	return rec
}
