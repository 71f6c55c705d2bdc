// Package protocol defines the hub's JSON event envelope and payload shapes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type names an event on the wire.
type Type string

// Client-originated events.
const (
	TypeSendMessage   Type = "send-message"
	TypeMarkRead      Type = "mark-read"
	TypeTyping        Type = "typing"
	TypeCallRequest   Type = "call-request"
	TypeCallAnswer    Type = "call-answer"
	TypeCallRejected  Type = "call-rejected"
	TypeCallEnded     Type = "call-ended"
	TypeICECandidate  Type = "ice-candidate"
	TypePresenceQuery Type = "presence-query"
	TypePing          Type = "ping"
)

// Server-originated events.
const (
	TypeNewMessage       Type = "new-message"
	TypeMessageDelivered Type = "message-delivered"
	TypeMessageRead      Type = "message-read"
	TypeUserTyping       Type = "user-typing"
	TypeRecipientOffline Type = "recipient-offline"
	TypeCallBusy         Type = "call-busy"
	TypeCallRinging      Type = "call-ringing"
	TypeCallTimeout      Type = "call-timeout"
	TypePresence         Type = "presence"
	TypePong             Type = "pong"
	TypeError            Type = "error"
)

// Envelope is an inbound frame with its payload still encoded.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is an outbound frame. Payload is marshaled lazily by the transport.
type Event struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

// Encode marshals an outbound event.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return data, nil
}

// Decode parses an inbound frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, NewError(CodeMalformed, "frame is not a JSON envelope")
	}
	if env.Type == "" {
		return Envelope{}, NewError(CodeMalformed, "frame has no type")
	}
	return env, nil
}

type validator interface {
	Validate() error
}

// DecodePayload unmarshals and validates the payload of env into T.
func DecodePayload[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, NewError(CodeInvalidPayload, fmt.Sprintf("%s requires a payload", env.Type))
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, NewError(CodeInvalidPayload, fmt.Sprintf("%s payload: %v", env.Type, err))
	}
	if val, ok := any(&v).(validator); ok {
		if err := val.Validate(); err != nil {
			var perr *Error
			if errors.As(err, &perr) {
				return v, perr
			}
			return v, NewError(CodeInvalidPayload, fmt.Sprintf("%s payload: %v", env.Type, err))
		}
	}
	return v, nil
}
