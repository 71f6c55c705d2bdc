package domain

import (
	"fmt"
	"time"
)

// MessageKind classifies a relayed message.
type MessageKind string

const (
	// MessageText is a plain chat message.
	MessageText MessageKind = "text"
	// MessagePrescription carries an opaque prescription document.
	MessagePrescription MessageKind = "prescription"
	// MessageSystem is generated by the hub itself, never by clients.
	MessageSystem MessageKind = "system"
)

// ParseClientKind validates a kind supplied by a client. An empty kind means text.
func ParseClientKind(s string) (MessageKind, error) {
	switch MessageKind(s) {
	case "", MessageText:
		return MessageText, nil
	case MessagePrescription:
		return MessagePrescription, nil
	case MessageSystem:
		return "", fmt.Errorf("message kind %q is reserved", s)
	default:
		return "", fmt.Errorf("unknown message kind %q", s)
	}
}

// DeliveryState tracks how far a message got. States only move forward.
type DeliveryState int

const (
	// DeliverySent means the hub accepted the message.
	DeliverySent DeliveryState = iota
	// DeliveryDelivered means it was pushed to the recipient's connection.
	DeliveryDelivered
	// DeliveryRead means the recipient acknowledged reading it.
	DeliveryRead
)

func (s DeliveryState) String() string {
	switch s {
	case DeliverySent:
		return "sent"
	case DeliveryDelivered:
		return "delivered"
	case DeliveryRead:
		return "read"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(s))
	}
}

// Message is a chat, prescription or system message between two users.
type Message struct {
	ID         string        `json:"id"`
	FromUserID string        `json:"from_user_id"`
	ToUserID   string        `json:"to_user_id"`
	Kind       MessageKind   `json:"kind"`
	Content    string        `json:"content"`
	SentAt     time.Time     `json:"sent_at"`
	State      DeliveryState `json:"state"`
}

// Advance moves the message to next if that is forward progress.
// It reports whether the state changed.
func (m *Message) Advance(next DeliveryState) bool {
	if next <= m.State {
		return false
	}
	m.State = next
	return true
}

// MessageStateChange records a delivery state transition for the archive.
type MessageStateChange struct {
	MessageID string        `json:"message_id"`
	State     DeliveryState `json:"state"`
	At        time.Time     `json:"at"`
}
