// Package token issues and verifies the bearer tokens handed out when a
// session is created. A token binds a session ID to an agent ID and carries
// the session's expiry, so the gateway can authenticate WebSocket and REST
// callers without a database round trip.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
)

// Claims is the JWT payload for a session token.
type Claims struct {
	AgentID string `json:"aid"`
	jwt.RegisteredClaims
}

// Manager signs and verifies session tokens with a shared HMAC secret.
type Manager struct {
	secret []byte
	issuer string
}

// NewManager creates a token Manager. secret must be non-empty and shared by
// every gateway instance.
func NewManager(secret, issuer string) (*Manager, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret must not be empty")
	}
	return &Manager{secret: []byte(secret), issuer: issuer}, nil
}

// Issue creates a signed token for the session. The token expires exactly
// when the session does, so a verified token implies a session that was
// still live when the check ran.
func (m *Manager) Issue(sessionID, agentID string, expiresAt time.Time) (string, error) {
	claims := Claims{
		AgentID: agentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			Issuer:    m.issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the session and agent IDs
// it was issued for. Expired or tampered tokens return *domain.AuthError.
func (m *Manager) Verify(tokenStr string) (sessionID, agentID string, err error) {
	tok, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", &domain.AuthError{Reason: err.Error()}
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || claims.Subject == "" || claims.AgentID == "" {
		return "", "", &domain.AuthError{Reason: "token missing session or agent claim"}
	}
	return claims.Subject, claims.AgentID, nil
}
