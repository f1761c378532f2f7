package domain

import "errors"

var (
	// ErrSessionNotFound is returned when a session triple has no row.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session that already exists.
	ErrSessionExists = errors.New("session already exists")
)
