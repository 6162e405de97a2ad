package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session is not known to the
	// backend.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when an operation targets a session
	// whose process has exited.
	ErrSessionClosed = errors.New("session closed")
)
