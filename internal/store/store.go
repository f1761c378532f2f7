// Package store provides session persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/bqagent/internal/domain"
)

// Repository defines the interface for persisting conversation sessions.
type Repository interface {
	// ListSessions returns the sessions of a user without their events.
	ListSessions(ctx context.Context, appName, userID string) ([]*domain.Session, error)

	// GetSession retrieves a session with its events in append order.
	// Returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, key domain.SessionKey) (*domain.Session, error)

	// CreateSession inserts a new session with the given initial state.
	// Returns domain.ErrSessionExists if the triple is already taken.
	CreateSession(ctx context.Context, key domain.SessionKey, state map[string]any) (*domain.Session, error)

	// AppendEvent adds an event to the end of a session's history.
	// Returns domain.ErrSessionNotFound if the session does not exist.
	AppendEvent(ctx context.Context, key domain.SessionKey, event *domain.Event) error

	// DeleteSession removes a session and all its events.
	DeleteSession(ctx context.Context, key domain.SessionKey) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
