package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionTTL is the entitlement window granted on payment confirmation.
// ExpiresAt is always CreatedAt + SessionTTL and never changes except through
// an explicit extension.
const SessionTTL = 24 * time.Hour

// SessionStatus represents the states a session can be in.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionRevoked SessionStatus = "revoked"
)

// IsTerminal returns true if no further state transitions are possible.
// Expired and revoked sessions never revert to active.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionExpired || s == SessionRevoked
}

// Session is a payment-granted automation entitlement bound to one agent
// identity for SessionTTL.
type Session struct {
	ID           string            `json:"id"`
	AgentID      string            `json:"agent_id"`
	UserID       string            `json:"user_id"`
	Status       SessionStatus     `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewSession builds an active session expiring SessionTTL from now.
func NewSession(userID, agentID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		UserID:       userID,
		Status:       SessionActive,
		CreatedAt:    now,
		ExpiresAt:    now.Add(SessionTTL),
		LastActivity: now,
		Metadata:     map[string]string{},
	}
}

// TimeRemaining returns how long the session has left at the given instant,
// clamped at zero.
func (s *Session) TimeRemaining(now time.Time) time.Duration {
	if s.Status != SessionActive {
		return 0
	}
	d := s.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Overdue reports whether the session should be expired by the TTL monitor.
func (s *Session) Overdue(now time.Time) bool {
	return s.Status == SessionActive && !now.Before(s.ExpiresAt)
}
