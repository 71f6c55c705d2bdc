package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ashureev/careline-hub/internal/domain"
)

// Subject suffixes published under the configured prefix.
const (
	SubjectMessageCreated = "message.created"
	SubjectMessageState   = "message.state"
	SubjectCallEnded      = "call.ended"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes archive records as JSON for downstream consumers.
type NATSSink struct {
	pub    Publisher
	nc     *nats.Conn
	prefix string
}

// DialNATS connects to url and returns a sink publishing under prefix.
func DialNATS(url, prefix string, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("careline-hub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	s := NewNATSSink(nc, prefix)
	s.nc = nc
	return s, nil
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "careline"
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

// Subject returns the full subject for suffix.
func (s *NATSSink) Subject(suffix string) string {
	return s.prefix + "." + suffix
}

func (s *NATSSink) publish(suffix string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", suffix, err)
	}
	if err := s.pub.Publish(s.Subject(suffix), data); err != nil {
		return fmt.Errorf("publish %s: %w", suffix, err)
	}
	return nil
}

type messageRecord struct {
	ID         string    `json:"id"`
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	State      string    `json:"state"`
	SentAt     time.Time `json:"sentAt"`
}

type stateRecord struct {
	MessageID string    `json:"messageId"`
	State     string    `json:"state"`
	At        time.Time `json:"at"`
}

type callRecord struct {
	SessionID   string     `json:"sessionId"`
	CallerID    string     `json:"callerId"`
	CalleeID    string     `json:"calleeId"`
	MediaKind   string     `json:"mediaKind"`
	CreatedAt   time.Time  `json:"createdAt"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	EndedAt     time.Time  `json:"endedAt"`
	EndReason   string     `json:"endReason"`
	EndedBy     string     `json:"endedBy,omitempty"`
	DurationMS  int64      `json:"durationMs"`
}

// SaveMessage publishes message.created.
func (s *NATSSink) SaveMessage(_ context.Context, msg domain.Message) error {
	return s.publish(SubjectMessageCreated, messageRecord{
		ID:         msg.ID,
		FromUserID: msg.FromUserID,
		ToUserID:   msg.ToUserID,
		Kind:       string(msg.Kind),
		Content:    msg.Content,
		State:      msg.State.String(),
		SentAt:     msg.SentAt,
	})
}

// UpdateMessageState publishes message.state.
func (s *NATSSink) UpdateMessageState(_ context.Context, change domain.MessageStateChange) error {
	return s.publish(SubjectMessageState, stateRecord{
		MessageID: change.MessageID,
		State:     change.State.String(),
		At:        change.At,
	})
}

// SaveCall publishes call.ended.
func (s *NATSSink) SaveCall(_ context.Context, rec domain.CallRecord) error {
	return s.publish(SubjectCallEnded, callRecord{
		SessionID:   rec.SessionID,
		CallerID:    rec.CallerID,
		CalleeID:    rec.CalleeID,
		MediaKind:   string(rec.MediaKind),
		CreatedAt:   rec.CreatedAt,
		ConnectedAt: rec.ConnectedAt,
		EndedAt:     rec.EndedAt,
		EndReason:   string(rec.EndReason),
		EndedBy:     rec.EndedBy,
		DurationMS:  rec.Duration().Milliseconds(),
	})
}

// Close drains the underlying connection when the sink owns one.
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
