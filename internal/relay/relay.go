// Package relay routes chat messages, read receipts and typing signals
// between connected users.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/careline-hub/internal/domain"
	"github.com/ashureev/careline-hub/internal/presence"
	"github.com/ashureev/careline-hub/internal/protocol"
	"github.com/ashureev/careline-hub/internal/registry"
	"github.com/ashureev/careline-hub/internal/telemetry"
)

// Archive receives messages and state changes for durable storage.
type Archive interface {
	Message(msg domain.Message)
	MessageState(change domain.MessageStateChange)
}

// Lookup resolves a user's live connection.
type Lookup interface {
	Lookup(userID string) (*registry.Connection, bool)
}

const defaultWindow = 10 * time.Minute

type ledgerEntry struct {
	msg     domain.Message
	expires time.Time
}

// Relay forwards messages between connections. It remembers each message for
// a pending-delivery window so delivery state only moves forward and read
// receipts can be checked against the original parties.
type Relay struct {
	reg     Lookup
	typing  *presence.Typing
	archive Archive
	metrics *telemetry.Metrics
	logger  *slog.Logger
	window  time.Duration

	mu     sync.Mutex
	ledger map[string]*ledgerEntry

	now func() time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithArchive hands every message and state change to a.
func WithArchive(a Archive) Option {
	return func(r *Relay) { r.archive = a }
}

// WithMetrics records relay counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithWindow sets how long messages stay in the pending-delivery ledger.
func WithWindow(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a relay over reg. typing may be nil to disable expiry tracking.
func New(reg Lookup, typing *presence.Typing, opts ...Option) *Relay {
	r := &Relay{
		reg:    reg,
		typing: typing,
		logger: slog.Default(),
		window: defaultWindow,
		ledger: make(map[string]*ledgerEntry),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send relays content from the sender to toUserID. The sender always gets
// exactly one outcome: message-delivered or recipient-offline.
func (r *Relay) Send(ctx context.Context, from *registry.Connection, toUserID string, kind domain.MessageKind, content string) (domain.Message, error) {
	if toUserID == from.UserID() {
		return domain.Message{}, protocol.NewError(protocol.CodeInvalidPayload, "cannot message yourself")
	}

	now := r.now()
	msg := domain.Message{
		ID:         uuid.NewString(),
		FromUserID: from.UserID(),
		ToUserID:   toUserID,
		Kind:       kind,
		Content:    content,
		SentAt:     now,
		State:      domain.DeliverySent,
	}

	delivered := false
	if to, ok := r.reg.Lookup(toUserID); ok {
		delivered = to.Send(protocol.Event{
			Type: protocol.TypeNewMessage,
			Payload: protocol.NewMessage{
				ID:         msg.ID,
				FromUserID: msg.FromUserID,
				SenderName: from.Identity.Name(),
				SenderType: string(from.Identity.Role),
				Content:    msg.Content,
				Kind:       string(msg.Kind),
				SentAt:     msg.SentAt,
			},
		})
	}

	if delivered {
		msg.Advance(domain.DeliveryDelivered)
		from.Send(protocol.Event{
			Type:    protocol.TypeMessageDelivered,
			Payload: protocol.MessageDelivered{MessageID: msg.ID, DeliveredAt: now},
		})
	} else {
		r.metrics.Undeliverable(ctx, string(protocol.TypeNewMessage))
		from.Send(protocol.Event{
			Type:    protocol.TypeRecipientOffline,
			Payload: protocol.RecipientOffline{ToUserID: toUserID, MessageID: msg.ID},
		})
	}

	r.mu.Lock()
	r.ledger[msg.ID] = &ledgerEntry{msg: msg, expires: now.Add(r.window)}
	r.mu.Unlock()

	r.metrics.MessageRelayed(ctx, string(kind))
	if r.archive != nil {
		r.archive.Message(msg)
	}

	r.logger.Debug("Message relayed",
		"message_id", msg.ID,
		"from_user_id", msg.FromUserID,
		"to_user_id", toUserID,
		"delivered", delivered,
	)
	return msg, nil
}

// MarkRead records that reader has read messageID from fromUserID and tells
// the original sender. Repeated reads are silent.
func (r *Relay) MarkRead(ctx context.Context, reader *registry.Connection, fromUserID, messageID string) error {
	now := r.now()

	r.mu.Lock()
	entry, ok := r.ledger[messageID]
	if ok {
		if entry.msg.ToUserID != reader.UserID() || entry.msg.FromUserID != fromUserID {
			r.mu.Unlock()
			return protocol.NewError(protocol.CodeNotParticipant, "message was not sent to you by that user")
		}
		if !entry.msg.Advance(domain.DeliveryRead) {
			r.mu.Unlock()
			return nil
		}
	} else {
		// Outside the window the parties can no longer be checked. Remember
		// the receipt so a repeat stays silent.
		r.ledger[messageID] = &ledgerEntry{
			msg: domain.Message{
				ID:         messageID,
				FromUserID: fromUserID,
				ToUserID:   reader.UserID(),
				State:      domain.DeliveryRead,
			},
			expires: now.Add(r.window),
		}
	}
	r.mu.Unlock()

	if r.archive != nil {
		r.archive.MessageState(domain.MessageStateChange{MessageID: messageID, State: domain.DeliveryRead, At: now})
	}

	sender, ok := r.reg.Lookup(fromUserID)
	if !ok {
		return nil
	}
	if !sender.Send(protocol.Event{
		Type:    protocol.TypeMessageRead,
		Payload: protocol.MessageRead{MessageID: messageID, ReadBy: reader.UserID(), ReadAt: now},
	}) {
		r.metrics.Undeliverable(ctx, string(protocol.TypeMessageRead))
	}
	return nil
}

// SetTyping forwards a typing flag to toUserID if they are connected.
func (r *Relay) SetTyping(from *registry.Connection, toUserID string, isTyping bool) {
	to, ok := r.reg.Lookup(toUserID)
	if !ok || to.Closing() {
		return
	}
	if r.typing != nil && !r.typing.Set(from.UserID(), toUserID, isTyping) {
		return
	}
	to.Send(protocol.Event{
		Type:    protocol.TypeUserTyping,
		Payload: protocol.UserTyping{FromUserID: from.UserID(), IsTyping: isTyping},
	})
}

// State returns the delivery state of a message still in the ledger.
func (r *Relay) State(messageID string) (domain.DeliveryState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.ledger[messageID]
	if !ok {
		return 0, false
	}
	return entry.msg.State, true
}

// Sweep drops ledger entries that have outlived the window and returns how
// many were removed.
func (r *Relay) Sweep() int {
	now := r.now()
	removed := 0

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.ledger {
		if now.After(entry.expires) {
			delete(r.ledger, id)
			removed++
		}
	}
	return removed
}

// StartSweeper prunes the ledger every interval until ctx is done.
func (r *Relay) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.window / 2
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Message ledger sweeper started", "interval", interval, "window", r.window)

		for {
			select {
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					r.logger.Debug("Message ledger swept", "removed", n)
				}
			case <-ctx.Done():
				r.logger.Info("Message ledger sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
