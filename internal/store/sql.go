package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/bqagent/internal/domain"
	"github.com/ashureev/bqagent/internal/shared"
)

// Dialect selects placeholder syntax for the shared SQL implementation.
type Dialect int

const (
	// DialectSQLite uses ? placeholders.
	DialectSQLite Dialect = iota
	// DialectPostgres uses $n placeholders.
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	default:
		return "sqlite"
	}
}

// SQLStore implements Repository over database/sql for SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps an open database. The schema must already be migrated.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
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

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// ListSessions returns the sessions of a user without their events.
func (s *SQLStore) ListSessions(ctx context.Context, appName, userID string) ([]*domain.Session, error) {
	query := s.rebind(`
		SELECT session_id, state, created_at, updated_at
		FROM sessions WHERE app_name = ? AND user_id = ?
		ORDER BY created_at`)

	rows, err := s.db.QueryContext(ctx, query, appName, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session := &domain.Session{AppName: appName, UserID: userID}
		var state string
		var createdAt, updatedAt int64
		if err := rows.Scan(&session.ID, &state, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if session.State, err = decodeState(state); err != nil {
			return nil, err
		}
		session.CreatedAt = time.UnixMicro(createdAt)
		session.UpdatedAt = time.UnixMicro(updatedAt)
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// GetSession retrieves a session with its events in append order.
func (s *SQLStore) GetSession(ctx context.Context, key domain.SessionKey) (*domain.Session, error) {
	query := s.rebind(`
		SELECT state, created_at, updated_at
		FROM sessions WHERE app_name = ? AND user_id = ? AND session_id = ?`)

	var state string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, key.AppName, key.UserID, key.SessionID).
		Scan(&state, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	session := &domain.Session{
		AppName:   key.AppName,
		UserID:    key.UserID,
		ID:        key.SessionID,
		CreatedAt: time.UnixMicro(createdAt),
		UpdatedAt: time.UnixMicro(updatedAt),
	}
	if session.State, err = decodeState(state); err != nil {
		return nil, err
	}

	events, err := s.listEvents(ctx, key)
	if err != nil {
		return nil, err
	}
	session.Events = events

	return session, nil
}

func (s *SQLStore) listEvents(ctx context.Context, key domain.SessionKey) ([]*domain.Event, error) {
	query := s.rebind(`
		SELECT event_id, invocation_id, author, content, partial, error_message, created_at
		FROM events WHERE app_name = ? AND user_id = ? AND session_id = ?
		ORDER BY seq`)

	rows, err := s.db.QueryContext(ctx, query, key.AppName, key.UserID, key.SessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	var events []*domain.Event
	for rows.Next() {
		var event domain.Event
		var content sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&event.ID, &event.InvocationID, &event.Author,
			&content, &event.Partial, &event.ErrorMessage, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if content.Valid && content.String != "" {
			var c domain.Content
			if err := json.Unmarshal([]byte(content.String), &c); err != nil {
				return nil, fmt.Errorf("decode event %s content: %w", event.ID, err)
			}
			event.Content = &c
		}
		event.Timestamp = time.UnixMicro(createdAt)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// CreateSession inserts a new session with the given initial state.
func (s *SQLStore) CreateSession(ctx context.Context, key domain.SessionKey, state map[string]any) (*domain.Session, error) {
	if state == nil {
		state = map[string]any{}
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}

	now := s.now()
	query := s.rebind(`
		INSERT INTO sessions (app_name, user_id, session_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		key.AppName, key.UserID, key.SessionID, string(stateJSON),
		now.UnixMicro(), now.UnixMicro(),
	)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return nil, domain.ErrSessionExists
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return &domain.Session{
		AppName:   key.AppName,
		UserID:    key.UserID,
		ID:        key.SessionID,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AppendEvent adds an event to the end of a session's history.
func (s *SQLStore) AppendEvent(ctx context.Context, key domain.SessionKey, event *domain.Event) error {
	var content any
	if event.Content != nil {
		b, err := json.Marshal(event.Content)
		if err != nil {
			return fmt.Errorf("encode event content: %w", err)
		}
		content = string(b)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append event: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to rollback append event", "error", rbErr)
		}
	}()

	result, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET updated_at = ?
		WHERE app_name = ? AND user_id = ? AND session_id = ?`),
		event.Timestamp.UnixMicro(), key.AppName, key.UserID, key.SessionID,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrSessionNotFound
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO events (
			event_id, app_name, user_id, session_id, invocation_id,
			author, content, partial, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		event.ID, key.AppName, key.UserID, key.SessionID, event.InvocationID,
		event.Author, content, event.Partial, event.ErrorMessage, event.Timestamp.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append event: %w", err)
	}
	return nil
}

// DeleteSession removes a session and all its events.
func (s *SQLStore) DeleteSession(ctx context.Context, key domain.SessionKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to rollback delete session", "error", rbErr)
		}
	}()

	args := []any{key.AppName, key.UserID, key.SessionID}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM events WHERE app_name = ? AND user_id = ? AND session_id = ?`), args...); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM sessions WHERE app_name = ? AND user_id = ? AND session_id = ?`), args...); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

func decodeState(raw string) (map[string]any, error) {
	state := map[string]any{}
	if raw == "" {
		return state, nil
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return state, nil
}
