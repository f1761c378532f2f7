// Package session bootstraps persisted conversations and serializes agent
// runs that target the same conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/bqagent/internal/domain"
	"github.com/ashureev/bqagent/internal/store"
)

// DefaultInitialState is the state a freshly created session starts with.
func DefaultInitialState() map[string]any {
	return map[string]any{"user_name": "Sky"}
}

// EnsureSession makes sure the session named by key exists, creating it with
// initialState when missing. Calling it repeatedly, or concurrently with
// another creator, leaves exactly one session.
func EnsureSession(ctx context.Context, repo store.Repository, key domain.SessionKey, initialState map[string]any) error {
	sessions, err := repo.ListSessions(ctx, key.AppName, key.UserID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		if s.ID == key.SessionID {
			return nil
		}
	}

	if _, err := repo.CreateSession(ctx, key, initialState); err != nil {
		if errors.Is(err, domain.ErrSessionExists) {
			slog.Debug("Session created concurrently", "session", key.String())
			return nil
		}
		return fmt.Errorf("create session %s: %w", key, err)
	}

	slog.Info("Session created", "app_name", key.AppName, "user_id", key.UserID, "session_id", key.SessionID)
	return nil
}

// Locker hands out one exclusive slot per session key. A key's slot lives
// only while some caller holds or waits for it.
type Locker struct {
	mu    sync.Mutex
	slots map[domain.SessionKey]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{slots: make(map[domain.SessionKey]*slot)}
}

// Lock blocks until the session is free or ctx is done. The returned func
// releases the slot and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key domain.SessionKey) (func(), error) {
	s := l.acquire(key)

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, s)
		return nil, fmt.Errorf("wait for session %s: %w", key, ctx.Err())
	}
}

func (l *Locker) acquire(key domain.SessionKey) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Locker) release(key domain.SessionKey, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

