package hub

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashureev/careline-hub/internal/call"
	"github.com/ashureev/careline-hub/internal/domain"
	"github.com/ashureev/careline-hub/internal/presence"
	"github.com/ashureev/careline-hub/internal/protocol"
	"github.com/ashureev/careline-hub/internal/registry"
	"github.com/ashureev/careline-hub/internal/relay"
)

// Dispatcher routes decoded client events to the component that owns them.
// One connection's events are dispatched sequentially by its read loop.
type Dispatcher struct {
	relay    *relay.Relay
	calls    *call.Manager
	presence *presence.Tracker
	limiter  *RateLimiter
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. limiter may be nil.
func NewDispatcher(r *relay.Relay, calls *call.Manager, p *presence.Tracker, limiter *RateLimiter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		relay:    r,
		calls:    calls,
		presence: p,
		limiter:  limiter,
		logger:   logger,
	}
}

// Dispatch handles one inbound frame from c. Protocol errors are reported
// back to c as error events; the connection stays open.
func (d *Dispatcher) Dispatch(ctx context.Context, c *registry.Connection, data []byte) {
	err := d.dispatch(ctx, c, data)
	if err == nil {
		return
	}

	var perr *protocol.Error
	if !errors.As(err, &perr) {
		d.logger.Error("Event handling failed", "user_id", c.UserID(), "conn_id", c.ID, "error", err)
		perr = protocol.NewError(protocol.CodeInternal, "internal error")
	} else {
		d.logger.Debug("Protocol error", "user_id", c.UserID(), "code", perr.Code, "message", perr.Message)
	}
	c.Send(perr.Event())
}

// throttled reports whether t draws from the per-user event budget. Call
// signaling and lifecycle events never do: dropping one would strand a session.
func throttled(t protocol.Type) bool {
	switch t {
	case protocol.TypeSendMessage, protocol.TypeTyping, protocol.TypePresenceQuery:
		return true
	}
	return false
}

func (d *Dispatcher) dispatch(ctx context.Context, c *registry.Connection, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	if d.limiter != nil && throttled(env.Type) && !d.limiter.Allow(c.UserID()) {
		return protocol.NewError(protocol.CodeRateLimited, "too many events, slow down")
	}

	switch env.Type {
	case protocol.TypeSendMessage:
		p, err := protocol.DecodePayload[protocol.SendMessage](env)
		if err != nil {
			return err
		}
		kind, err := domain.ParseClientKind(p.Kind)
		if err != nil {
			return protocol.NewError(protocol.CodeInvalidPayload, err.Error())
		}
		_, err = d.relay.Send(ctx, c, p.ToUserID, kind, p.Content)
		return err

	case protocol.TypeMarkRead:
		p, err := protocol.DecodePayload[protocol.MarkRead](env)
		if err != nil {
			return err
		}
		return d.relay.MarkRead(ctx, c, p.FromUserID, p.MessageID)

	case protocol.TypeTyping:
		p, err := protocol.DecodePayload[protocol.Typing](env)
		if err != nil {
			return err
		}
		d.relay.SetTyping(c, p.ToUserID, p.IsTyping)
		return nil

	case protocol.TypeCallRequest:
		p, err := protocol.DecodePayload[protocol.CallRequest](env)
		if err != nil {
			return err
		}
		_, err = d.calls.Request(ctx, c, p.ToUserID, p.Offer, p.MediaKind)
		return err

	case protocol.TypeCallAnswer:
		p, err := protocol.DecodePayload[protocol.CallAnswer](env)
		if err != nil {
			return err
		}
		return d.calls.Answer(ctx, c, p.SessionID, p.Answer)

	case protocol.TypeCallRejected:
		p, err := protocol.DecodePayload[protocol.SessionRef](env)
		if err != nil {
			return err
		}
		return d.calls.Reject(ctx, c, p.SessionID)

	case protocol.TypeCallEnded:
		p, err := protocol.DecodePayload[protocol.SessionRef](env)
		if err != nil {
			return err
		}
		return d.calls.Hangup(ctx, c, p.SessionID)

	case protocol.TypeICECandidate:
		p, err := protocol.DecodePayload[protocol.ICECandidate](env)
		if err != nil {
			return err
		}
		return d.calls.Candidate(ctx, c, p.SessionID, p.Candidate)

	case protocol.TypePresenceQuery:
		p, err := protocol.DecodePayload[protocol.PresenceQuery](env)
		if err != nil {
			return err
		}
		c.Send(protocol.Event{
			Type:    protocol.TypePresence,
			Payload: protocol.Presence{Statuses: d.presence.Statuses(p.UserIDs)},
		})
		return nil

	case protocol.TypePing:
		c.Send(protocol.Event{Type: protocol.TypePong})
		return nil

	default:
		return protocol.NewError(protocol.CodeUnknownEvent, "unknown event type "+string(env.Type))
	}
}
