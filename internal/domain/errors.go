package domain

import "fmt"

// SessionNotFoundError is returned when a session ID does not exist.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// DuplicateAgentError is returned when an agent ID is already bound to an
// active session.
type DuplicateAgentError struct {
	AgentID string
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("agent %q already has an active session", e.AgentID)
}

// SessionExpiredError is returned when operating on an expired or revoked
// session.
type SessionExpiredError struct {
	SessionID string
	Status    SessionStatus
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session %s is %s", e.SessionID, e.Status)
}

// ValidationError rejects a malformed request. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// AuthError is returned when a session token is missing, malformed, or does
// not match the session bound to the presented agent ID.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// NotAuthenticatedError is returned when a connection attempts an operation
// that requires prior authentication.
type NotAuthenticatedError struct {
	ConnectionID string
}

func (e *NotAuthenticatedError) Error() string {
	return fmt.Sprintf("connection %s is not authenticated", e.ConnectionID)
}

// ConnectionNotFoundError is returned for operations on an unknown or already
// closed connection.
type ConnectionNotFoundError struct {
	ConnectionID string
}

func (e *ConnectionNotFoundError) Error() string {
	return fmt.Sprintf("connection not found: %s", e.ConnectionID)
}

// TaskConflictError is returned when a status transition is attempted from a
// state that does not allow it (e.g. completing a task that is not
// PROCESSING).
type TaskConflictError struct {
	TaskID string
	Status TaskStatus
}

func (e *TaskConflictError) Error() string {
	return fmt.Sprintf("task %s is %s and cannot transition", e.TaskID, e.Status)
}
