// Package session owns evaluation sessions: id generation, lifecycle and the
// registry that routes audio to each session's evaluation bundle.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a session.
type State int

const (
	// StateCreated - Session registered, no audio received yet.
	StateCreated State = iota
	// StateActive - At least one chunk was evaluated.
	StateActive
	// StateClosed - Session released. Terminal.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrSessionClosed is returned when an operation reaches a closed session.
var ErrSessionClosed = errors.New("session is closed")

// Lifecycle manages the state machine for a single session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	CREATED → ACTIVE → CLOSED
//	   │                 ↑
//	   └─────────────────┘
//
// Rules:
//   - CREATED: first Activate moves to ACTIVE
//   - ACTIVE: Activate is a no-op
//   - CLOSED: Activate fails, Close is a no-op
type Lifecycle struct {
	mu        sync.RWMutex
	sessionId string
	state     State
}

// NewLifecycle creates a new session lifecycle in CREATED state.
func NewLifecycle(sessionId string) *Lifecycle {
	return &Lifecycle{
		sessionId: sessionId,
		state:     StateCreated,
	}
}

// SessionId returns the session ID.
func (l *Lifecycle) SessionId() string {
	return l.sessionId
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsClosed returns true once the session is closed.
func (l *Lifecycle) IsClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateClosed
}

// Activate records that audio reached the session.
func (l *Lifecycle) Activate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateCreated:
		l.state = StateActive
		return nil
	case StateActive:
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}

// Close transitions the session to CLOSED.
// Returns true if this call closed it, false if it was already closed.
func (l *Lifecycle) Close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return false
	}
	l.state = StateClosed
	return true
}
