package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
)

// SessionRepository abstracts all database access for sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	GetActiveByAgent(ctx context.Context, agentID string) (*domain.Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	SetMetadata(ctx context.Context, id string, metadata map[string]string) error
	// Transition moves an active session to a terminal status. Returns false
	// without error when the session exists but was not active (idempotent
	// terminal ops); an unknown id is *domain.SessionNotFoundError.
	Transition(ctx context.Context, id string, to domain.SessionStatus, at time.Time) (bool, error)
	Extend(ctx context.Context, id string, d time.Duration, at time.Time) (*domain.Session, error)
	// ExpireOverdue flips every active session past its expiry to expired and
	// returns the affected rows.
	ExpireOverdue(ctx context.Context, now time.Time) ([]*domain.Session, error)
}

type sessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository wraps a pgxpool with the SessionRepository interface.
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepository{pool: pool}
}

const sessionCols = `id, agent_id, user_id, status, created_at, expires_at, last_activity, metadata`

func (r *sessionRepository) Create(ctx context.Context, s *domain.Session) error {
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO sessions
			(id, agent_id, user_id, status, created_at, expires_at, last_activity, metadata)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		s.ID, s.AgentID, s.UserID, string(s.Status),
		s.CreatedAt, s.ExpiresAt, s.LastActivity, meta,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &domain.DuplicateAgentError{AgentID: s.AgentID}
		}
		return fmt.Errorf("create session %s: %w", s.ID, err)
	}
	return nil
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.SessionNotFoundError{SessionID: id}
		}
		return nil, err
	}
	return s, nil
}

func (r *sessionRepository) GetActiveByAgent(ctx context.Context, agentID string) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE agent_id = $1 AND status = 'active'`, agentID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.SessionNotFoundError{SessionID: agentID}
		}
		return nil, err
	}
	return s, nil
}

func (r *sessionRepository) Touch(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET last_activity = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.SessionNotFoundError{SessionID: id}
	}
	return nil
}

func (r *sessionRepository) SetMetadata(ctx context.Context, id string, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET metadata = $1 WHERE id = $2`, meta, id)
	if err != nil {
		return fmt.Errorf("set metadata for session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.SessionNotFoundError{SessionID: id}
	}
	return nil
}

func (r *sessionRepository) Transition(ctx context.Context, id string, to domain.SessionStatus, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET status = $1, last_activity = $2
		WHERE id = $3 AND status = 'active'
	`, string(to), at, id)
	if err != nil {
		return false, fmt.Errorf("transition session %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Zero rows is either an already-terminal session (idempotent no-op) or
	// no session at all; callers need to tell those apart.
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("transition session %s to %s: %w", id, to, err)
	}
	if !exists {
		return false, &domain.SessionNotFoundError{SessionID: id}
	}
	return false, nil
}

func (r *sessionRepository) Extend(ctx context.Context, id string, d time.Duration, at time.Time) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE sessions
		SET expires_at = expires_at + $1, last_activity = $2
		WHERE id = $3 AND status = 'active'
		RETURNING `+sessionCols, d, at, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.SessionNotFoundError{SessionID: id}
		}
		return nil, err
	}
	return s, nil
}

func (r *sessionRepository) ExpireOverdue(ctx context.Context, now time.Time) ([]*domain.Session, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE sessions
		SET status = 'expired', last_activity = $1
		WHERE status = 'active' AND expires_at <= $1
		RETURNING `+sessionCols, now)
	if err != nil {
		return nil, fmt.Errorf("expire overdue sessions: %w", err)
	}
	defer rows.Close()

	var expired []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, s)
	}
	return expired, rows.Err()
}

// scanSession reads a session row from any pgx row type.
func scanSession(row interface {
	Scan(...any) error
}) (*domain.Session, error) {
	var s domain.Session
	var statusStr string
	var meta []byte
	err := row.Scan(
		&s.ID, &s.AgentID, &s.UserID, &statusStr,
		&s.CreatedAt, &s.ExpiresAt, &s.LastActivity, &meta,
	)
	if err != nil {
		return nil, err
	}
	s.Status = domain.SessionStatus(statusStr)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &s, nil
}
