package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	errMissingTarget  = errors.New("toUserId is required")
	errMissingSession = errors.New("sessionId is required")
)

// SendMessage is sent by a client to deliver a chat or prescription message.
type SendMessage struct {
	ToUserID string `json:"toUserId"`
	Content  string `json:"content"`
	Kind     string `json:"kind,omitempty"`
}

// Validate implements payload validation.
func (p *SendMessage) Validate() error {
	if p.ToUserID == "" {
		return errMissingTarget
	}
	if p.Content == "" {
		return errors.New("content is required")
	}
	return nil
}

// MarkRead acknowledges a received message.
type MarkRead struct {
	FromUserID string `json:"fromUserId"`
	MessageID  string `json:"messageId"`
}

// Validate implements payload validation.
func (p *MarkRead) Validate() error {
	if p.FromUserID == "" || p.MessageID == "" {
		return errors.New("fromUserId and messageId are required")
	}
	return nil
}

// Typing is the client's typing signal.
type Typing struct {
	ToUserID string `json:"toUserId"`
	IsTyping bool   `json:"isTyping"`
}

// Validate implements payload validation.
func (p *Typing) Validate() error {
	if p.ToUserID == "" {
		return errMissingTarget
	}
	return nil
}

// CallRequest starts a call. Offer is relayed untouched.
type CallRequest struct {
	ToUserID  string          `json:"toUserId"`
	Offer     json.RawMessage `json:"offer"`
	MediaKind string          `json:"mediaKind,omitempty"`
}

// Validate implements payload validation.
func (p *CallRequest) Validate() error {
	if p.ToUserID == "" {
		return errMissingTarget
	}
	if len(p.Offer) == 0 {
		return errors.New("offer is required")
	}
	return nil
}

// CallAnswer accepts a ringing call. Answer is relayed untouched.
type CallAnswer struct {
	SessionID string          `json:"sessionId"`
	Answer    json.RawMessage `json:"answer"`
}

// Validate implements payload validation.
func (p *CallAnswer) Validate() error {
	if p.SessionID == "" {
		return errMissingSession
	}
	if len(p.Answer) == 0 {
		return errors.New("answer is required")
	}
	return nil
}

// SessionRef names a session; used by call-rejected and call-ended.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// Validate implements payload validation.
func (p *SessionRef) Validate() error {
	if p.SessionID == "" {
		return errMissingSession
	}
	return nil
}

// ICECandidate carries one opaque connectivity candidate.
type ICECandidate struct {
	SessionID string          `json:"sessionId"`
	ToUserID  string          `json:"toUserId,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

// Validate implements payload validation.
func (p *ICECandidate) Validate() error {
	if p.SessionID == "" {
		return errMissingSession
	}
	if len(p.Candidate) == 0 {
		return errors.New("candidate is required")
	}
	return nil
}

// PresenceQuery asks for the online status of a set of users.
type PresenceQuery struct {
	UserIDs []string `json:"userIds"`
}

// Validate implements payload validation.
func (p *PresenceQuery) Validate() error {
	if len(p.UserIDs) == 0 {
		return errors.New("userIds is required")
	}
	if len(p.UserIDs) > 200 {
		return errors.New("at most 200 userIds per query")
	}
	return nil
}

// NewMessage is pushed to the recipient of a message.
type NewMessage struct {
	ID         string    `json:"id"`
	FromUserID string    `json:"fromUserId"`
	SenderName string    `json:"senderName"`
	SenderType string    `json:"senderType"`
	Content    string    `json:"content"`
	Kind       string    `json:"kind"`
	SentAt     time.Time `json:"sentAt"`
}

// MessageDelivered acknowledges delivery to the sender.
type MessageDelivered struct {
	MessageID   string    `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// MessageRead tells the original sender the message was read.
type MessageRead struct {
	MessageID string    `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

// UserTyping relays a typing flag to the observer.
type UserTyping struct {
	FromUserID string `json:"fromUserId"`
	IsTyping   bool   `json:"isTyping"`
}

// RecipientOffline reports a routing failure to the initiator.
type RecipientOffline struct {
	ToUserID  string `json:"toUserId"`
	MessageID string `json:"messageId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// IncomingCall is the server-side call-request pushed to the callee.
type IncomingCall struct {
	SessionID  string          `json:"sessionId"`
	FromUserID string          `json:"fromUserId"`
	CallerName string          `json:"callerName"`
	CallerType string          `json:"callerType"`
	Offer      json.RawMessage `json:"offer"`
	MediaKind  string          `json:"mediaKind"`
}

// CallRinging confirms to the caller that a session was created.
type CallRinging struct {
	SessionID string `json:"sessionId"`
	ToUserID  string `json:"toUserId"`
}

// CallAnswered is the server-side call-answer pushed to the caller.
type CallAnswered struct {
	SessionID    string          `json:"sessionId"`
	Answer       json.RawMessage `json:"answer"`
	AnswererName string          `json:"answererName"`
}

// CallEnded is relayed to the remaining party.
type CallEnded struct {
	SessionID string `json:"sessionId"`
	EndedBy   string `json:"endedBy"`
	Reason    string `json:"reason"`
}

// CallBusy answers a request that would create a second live session.
type CallBusy struct {
	ToUserID string `json:"toUserId"`
}

// Presence answers a presence-query.
type Presence struct {
	Statuses map[string]bool `json:"statuses"`
}
