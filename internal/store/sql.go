package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/careline-hub/internal/domain"
	"github.com/ashureev/careline-hub/internal/shared"
)

const (
	writeAttempts  = 5
	writeBaseDelay = 10 * time.Millisecond
)

// SQLStore implements Repository over database/sql. The dialect only
// changes placeholders and schema bootstrapping.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

var _ Repository = (*SQLStore)(nil)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		from_user_id TEXT NOT NULL,
		to_user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		state INTEGER NOT NULL,
		sent_at BIGINT NOT NULL,
		delivered_at BIGINT,
		read_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(from_user_id, to_user_id, sent_at)`,
	`CREATE TABLE IF NOT EXISTS call_sessions (
		session_id TEXT PRIMARY KEY,
		caller_id TEXT NOT NULL,
		callee_id TEXT NOT NULL,
		media_kind TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		connected_at BIGINT,
		ended_at BIGINT NOT NULL,
		end_reason TEXT NOT NULL,
		ended_by TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_caller ON call_sessions(caller_id, ended_at)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_callee ON call_sessions(callee_id, ended_at)`,
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	query = s.rebind(query)
	return shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveMessage inserts msg unless a row with its ID exists.
func (s *SQLStore) SaveMessage(ctx context.Context, msg domain.Message) error {
	query := `
	INSERT INTO messages (id, from_user_id, to_user_id, kind, content, state, sent_at, delivered_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`

	// A message pushed to an online recipient is delivered the moment it is sent.
	var deliveredAt any
	if msg.State >= domain.DeliveryDelivered {
		deliveredAt = millis(msg.SentAt)
	}

	err := s.exec(ctx, query,
		msg.ID, msg.FromUserID, msg.ToUserID, string(msg.Kind), msg.Content,
		int(msg.State), millis(msg.SentAt), deliveredAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// UpdateMessageState advances the stored state and stamps the matching column.
func (s *SQLStore) UpdateMessageState(ctx context.Context, change domain.MessageStateChange) error {
	var column string
	switch change.State {
	case domain.DeliveryDelivered:
		column = "delivered_at"
	case domain.DeliveryRead:
		column = "read_at"
	default:
		return fmt.Errorf("update message state: unsupported state %s", change.State)
	}

	query := `UPDATE messages SET state = ?, ` + column + ` = ? WHERE id = ? AND state < ?`
	err := s.exec(ctx, query, int(change.State), millis(change.At), change.MessageID, int(change.State))
	if err != nil {
		return fmt.Errorf("update message state: %w", err)
	}
	return nil
}

// SaveCall inserts the call record unless the session was already saved.
func (s *SQLStore) SaveCall(ctx context.Context, rec domain.CallRecord) error {
	query := `
	INSERT INTO call_sessions (session_id, caller_id, callee_id, media_kind,
		created_at, connected_at, ended_at, end_reason, ended_by)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO NOTHING`

	var endedBy any
	if rec.EndedBy != "" {
		endedBy = rec.EndedBy
	}

	err := s.exec(ctx, query,
		rec.SessionID, rec.CallerID, rec.CalleeID, string(rec.MediaKind),
		millis(rec.CreatedAt), nullMillis(rec.ConnectedAt), millis(rec.EndedAt),
		string(rec.EndReason), endedBy,
	)
	if err != nil {
		return fmt.Errorf("insert call session: %w", err)
	}
	return nil
}

// Conversation returns the newest messages between userA and userB.
func (s *SQLStore) Conversation(ctx context.Context, userA, userB string, limit int) ([]domain.Message, error) {
	query := s.rebind(`
		SELECT id, from_user_id, to_user_id, kind, content, state, sent_at
		FROM messages
		WHERE (from_user_id = ? AND to_user_id = ?) OR (from_user_id = ? AND to_user_id = ?)
		ORDER BY sent_at DESC
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, userA, userB, userB, userA, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var kind string
		var state int
		var sentAt int64
		if err := rows.Scan(&msg.ID, &msg.FromUserID, &msg.ToUserID, &kind, &msg.Content, &state, &sentAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Kind = domain.MessageKind(kind)
		msg.State = domain.DeliveryState(state)
		msg.SentAt = fromMillis(sentAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// RecentCalls returns the newest calls userID took part in.
func (s *SQLStore) RecentCalls(ctx context.Context, userID string, limit int) ([]domain.CallRecord, error) {
	query := s.rebind(`
		SELECT session_id, caller_id, callee_id, media_kind,
		       created_at, connected_at, ended_at, end_reason, ended_by
		FROM call_sessions
		WHERE caller_id = ? OR callee_id = ?
		ORDER BY ended_at DESC
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var calls []domain.CallRecord
	for rows.Next() {
		var rec domain.CallRecord
		var mediaKind, reason string
		var createdAt, endedAt int64
		var connectedAt sql.NullInt64
		var endedBy sql.NullString
		if err := rows.Scan(&rec.SessionID, &rec.CallerID, &rec.CalleeID, &mediaKind,
			&createdAt, &connectedAt, &endedAt, &reason, &endedBy); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		rec.MediaKind = domain.MediaKind(mediaKind)
		rec.EndReason = domain.EndReason(reason)
		rec.EndedBy = endedBy.String
		rec.CreatedAt = fromMillis(createdAt)
		rec.EndedAt = fromMillis(endedAt)
		if connectedAt.Valid {
			t := fromMillis(connectedAt.Int64)
			rec.ConnectedAt = &t
		}
		calls = append(calls, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}
	return calls, nil
}
