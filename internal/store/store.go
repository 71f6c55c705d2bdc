// Package store provides the durable archive for messages and call history.
package store

import (
	"context"
	"fmt"

	"github.com/ashureev/careline-hub/internal/domain"
)

// Repository persists relayed messages and finished calls. It satisfies
// archive.Sink so the recorder can write through it.
type Repository interface {
	// SaveMessage inserts a message; re-inserting the same ID is a no-op.
	SaveMessage(ctx context.Context, msg domain.Message) error

	// UpdateMessageState moves a message forward. Backward moves are ignored.
	UpdateMessageState(ctx context.Context, change domain.MessageStateChange) error

	// SaveCall records a finished call session.
	SaveCall(ctx context.Context, rec domain.CallRecord) error

	// Conversation returns up to limit messages exchanged between two users,
	// newest first.
	Conversation(ctx context.Context, userA, userB string, limit int) ([]domain.Message, error)

	// RecentCalls returns up to limit calls the user took part in, newest first.
	RecentCalls(ctx context.Context, userID string, limit int) ([]domain.CallRecord, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the repository for driver.
func Open(driver, dsn string) (Repository, error) {
	var (
		s   *SQLStore
		err error
	)
	switch driver {
	case DriverSQLite:
		s, err = NewSQLite(dsn)
	case DriverPostgres:
		s, err = NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
