// Package model holds the session metadata shared between the client core
// and the backend HTTP surface.
package model

import (
	"time"
)

// SessionStatus represents the status of a backend session.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusExited  SessionStatus = "exited"
	SessionStatusFailed  SessionStatus = "failed"
)

// SessionInfo describes one server-side session as reported by the session
// list endpoint.
type SessionInfo struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Mode      string        `json:"mode"`
	Provider  string        `json:"provider,omitempty"`
	Status    SessionStatus `json:"status"`
	ExitCode  *int          `json:"exitCode,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Active reports whether the session can still accept a connection.
func (s *SessionInfo) Active() bool {
	return s.Status == SessionStatusRunning
}
