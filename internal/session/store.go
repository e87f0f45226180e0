// Package session implements the lifecycle of automation sessions: created on
// payment confirmation, live for a fixed window, then expired or revoked.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/postgres"
	"github.com/Hasbicom1/Tagent-sub007/internal/redis"
	"github.com/Hasbicom1/Tagent-sub007/internal/token"
	"github.com/Hasbicom1/Tagent-sub007/pkg/retry"
	"github.com/Hasbicom1/Tagent-sub007/pkg/telemetry"
)

// Store coordinates the durable session repository, the bounded Redis cache
// and token issuance. Postgres is the source of truth; the cache is a read
// fast path that writers invalidate on every mutation.
type Store struct {
	repo   postgres.SessionRepository
	cache  redis.Cache
	tokens *token.Manager
	events domain.EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// NewStore wires a session Store. now is injectable for tests; pass nil for
// wall-clock time.
func NewStore(repo postgres.SessionRepository, cache redis.Cache, tokens *token.Manager, events domain.EventPublisher, logger *slog.Logger, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{repo: repo, cache: cache, tokens: tokens, events: events, logger: logger, now: now}
}

var readRetry = retry.Config{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
}

// Create starts a new session for the agent after payment confirmation and
// returns it together with its signed access token. An agent may hold at most
// one active session; a second create returns *domain.DuplicateAgentError.
func (s *Store) Create(ctx context.Context, userID, agentID string, metadata map[string]string) (*domain.Session, string, error) {
	if agentID == "" {
		return nil, "", &domain.ValidationError{Field: "agentId", Reason: "must not be empty"}
	}
	if userID == "" {
		return nil, "", &domain.ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	sess := domain.NewSession(userID, agentID)
	if len(metadata) > 0 {
		sess.Metadata = metadata
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, "", err
	}

	tok, err := s.tokens.Issue(sess.ID, sess.AgentID, sess.ExpiresAt)
	if err != nil {
		return nil, "", err
	}

	if err := s.cache.SetSession(ctx, sess); err != nil {
		s.logger.Warn("session cache populate failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}

	telemetry.GatewaySessionsCreated.Inc()
	s.publishStatus(ctx, sess)
	return sess, tok, nil
}

// Get returns the session, expiring it lazily when its window has passed.
// Reads hit the cache first; a miss falls through to Postgres with bounded
// retries. An expired or revoked session returns *domain.SessionExpiredError.
func (s *Store) Get(ctx context.Context, id string) (*domain.Session, error) {
	now := s.now()

	sess, err := s.cache.GetSession(ctx, id)
	if err != nil {
		// Cache miss or Redis trouble: either way the durable store decides.
		var cfg = readRetry
		cfg.OnRetry = func(attempt int, err error) {
			s.logger.Warn("session read retry",
				slog.String("session_id", id),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		var missErr error
		err = retry.Do(ctx, cfg, func() error {
			got, rerr := s.repo.GetByID(ctx, id)
			if rerr != nil {
				var notFound *domain.SessionNotFoundError
				if errors.As(rerr, &notFound) {
					// A definitive miss is not retryable.
					missErr = rerr
					return nil
				}
				return rerr
			}
			sess, missErr = got, nil
			return nil
		})
		if err != nil {
			return nil, err
		}
		if missErr != nil {
			return nil, missErr
		}
	}

	if sess.Status.IsTerminal() {
		return nil, &domain.SessionExpiredError{SessionID: sess.ID, Status: sess.Status}
	}

	if sess.Overdue(now) {
		// TTL passed between monitor sweeps; expire it on the read path.
		if _, err := s.expire(ctx, sess, now); err != nil {
			return nil, err
		}
		return nil, &domain.SessionExpiredError{SessionID: sess.ID, Status: domain.SessionExpired}
	}

	if err := s.repo.Touch(ctx, id, now); err != nil {
		s.logger.Warn("session touch failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
	if err := s.cache.SetSession(ctx, sess); err != nil {
		s.logger.Warn("session cache populate failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
	return sess, nil
}

// UpdateMetadata replaces the session's metadata. The expiry is immutable
// through this path: only Extend may move it, so "expiresAt" is rejected as a
// metadata key.
func (s *Store) UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error {
	if _, ok := metadata["expiresAt"]; ok {
		return &domain.ValidationError{Field: "expiresAt", Reason: "session expiry can only change via extend"}
	}
	if err := s.repo.SetMetadata(ctx, id, metadata); err != nil {
		return err
	}
	return s.invalidate(ctx, id)
}

// Extend adds d to the session's remaining window and reissues the access
// token to match the new expiry. Only active sessions can be extended.
func (s *Store) Extend(ctx context.Context, id string, d time.Duration) (*domain.Session, string, error) {
	if d <= 0 {
		return nil, "", &domain.ValidationError{Field: "duration", Reason: "must be positive"}
	}
	sess, err := s.repo.Extend(ctx, id, d, s.now())
	if err != nil {
		return nil, "", err
	}
	tok, err := s.tokens.Issue(sess.ID, sess.AgentID, sess.ExpiresAt)
	if err != nil {
		return nil, "", err
	}
	if err := s.invalidate(ctx, id); err != nil {
		return nil, "", err
	}
	s.publishStatus(ctx, sess)
	return sess, tok, nil
}

// Revoke ends the session immediately. Revoking a session that is already
// terminal is a no-op; the returned bool reports whether this call did the
// transition. The session comes back in its post-revoke state so callers can
// enqueue follow-up work against it. An unknown id is
// *domain.SessionNotFoundError.
func (s *Store) Revoke(ctx context.Context, id string) (*domain.Session, bool, error) {
	now := s.now()
	changed, err := s.repo.Transition(ctx, id, domain.SessionRevoked, now)
	if err != nil {
		return nil, false, err
	}
	if err := s.invalidate(ctx, id); err != nil {
		return nil, false, err
	}
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, changed, err
	}
	if !changed {
		return sess, false, nil
	}
	telemetry.SessionsRevoked.Inc()
	s.publishStatus(ctx, sess)
	return sess, true, nil
}

// ExpireOverdue flips every active session past its TTL to expired, announces
// each one, and returns them for follow-up work (the monitor enqueues teardown
// tasks for each).
func (s *Store) ExpireOverdue(ctx context.Context) ([]*domain.Session, error) {
	now := s.now()
	expired, err := s.repo.ExpireOverdue(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, sess := range expired {
		telemetry.SessionsExpired.Inc()
		if err := s.invalidate(ctx, sess.ID); err != nil {
			return nil, err
		}
		s.publishStatus(ctx, sess)
	}
	return expired, nil
}

// expire lazily expires a single session found overdue on a read.
func (s *Store) expire(ctx context.Context, sess *domain.Session, now time.Time) (bool, error) {
	changed, err := s.repo.Transition(ctx, sess.ID, domain.SessionExpired, now)
	if err != nil {
		return false, err
	}
	if err := s.invalidate(ctx, sess.ID); err != nil {
		return false, err
	}
	if changed {
		telemetry.SessionsExpired.Inc()
		sess.Status = domain.SessionExpired
		s.publishStatus(ctx, sess)
	}
	return changed, nil
}

func (s *Store) invalidate(ctx context.Context, id string) error {
	if err := s.cache.InvalidateSession(ctx, id); err != nil {
		// A stale cache entry would outlive its TTL cap at worst, but the
		// mutation already happened; surface the error so callers can log it.
		return err
	}
	return nil
}

func (s *Store) publishStatus(ctx context.Context, sess *domain.Session) {
	now := s.now()
	s.events.Publish(ctx, &domain.SessionStatusEvent{
		SessionID:     sess.ID,
		AgentID:       sess.AgentID,
		IsActive:      sess.Status == domain.SessionActive,
		ExpiresAt:     sess.ExpiresAt,
		TimeRemaining: sess.TimeRemaining(now).Milliseconds(),
		Timestamp:     now,
	})
}
