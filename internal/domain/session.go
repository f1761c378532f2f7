// Package domain contains core domain types for the warehouse agent.
package domain

import (
	"time"
)

// Session is one persisted conversation, identified by the
// (AppName, UserID, ID) triple.
type Session struct {
	AppName   string         `json:"app_name"`
	UserID    string         `json:"user_id"`
	ID        string         `json:"id"`
	State     map[string]any `json:"state"`
	Events    []*Event       `json:"events,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Key returns the identity triple of the session.
func (s *Session) Key() SessionKey {
	return SessionKey{AppName: s.AppName, UserID: s.UserID, SessionID: s.ID}
}

// StateString returns the state value for key rendered as a string.
// The second result is false when the key is absent.
func (s *Session) StateString(key string) (string, bool) {
	if s.State == nil {
		return "", false
	}
	v, ok := s.State[key]
	if !ok || v == nil {
		return "", false
	}
	if str, ok := v.(string); ok {
		return str, true
	}
	return toString(v), true
}

// SessionKey addresses a single session.
type SessionKey struct {
	AppName   string
	UserID    string
	SessionID string
}

// String renders the key for logs and lock maps.
func (k SessionKey) String() string {
	return k.AppName + "/" + k.UserID + "/" + k.SessionID
}
