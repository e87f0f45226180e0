package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
)

// Cache entries are bounded by TTL; Postgres stays the source of truth and
// writers invalidate explicitly.
const (
	sessionCacheTTL = 5 * time.Minute
	progressTTL     = time.Hour
)

func sessionKey(id string) string  { return "session:meta:" + id }
func progressKey(id string) string { return "task:progress:" + id }

// Progress is the transient execution progress reported by workers. It never
// touches the durable store.
type Progress struct {
	Progress               int    `json:"progress"`
	Stage                  string `json:"stage,omitempty"`
	EstimatedTimeRemaining int64  `json:"estimated_time_remaining,omitempty"`
}

// Cache is the bounded read-through cache in front of the durable store.
type Cache interface {
	SetSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	InvalidateSession(ctx context.Context, id string) error
	SetProgress(ctx context.Context, taskID string, p Progress) error
	GetProgress(ctx context.Context, taskID string) (*Progress, error)
}

type cache struct {
	client *redis.Client
}

// NewCache creates a Redis-backed Cache.
func NewCache(client *redis.Client) Cache {
	return &cache{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (c *cache) SetSession(ctx context.Context, s *domain.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := c.client.Set(ctx, sessionKey(s.ID), data, sessionCacheTTL).Err(); err != nil {
		return fmt.Errorf("redis set session %s: %w", s.ID, err)
	}
	return nil
}

func (c *cache) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	data, err := c.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.SessionNotFoundError{SessionID: id}
		}
		return nil, fmt.Errorf("redis get session %s: %w", id, err)
	}
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (c *cache) InvalidateSession(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("redis invalidate session %s: %w", id, err)
	}
	return nil
}

func (c *cache) SetProgress(ctx context.Context, taskID string, p Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := c.client.Set(ctx, progressKey(taskID), data, progressTTL).Err(); err != nil {
		return fmt.Errorf("redis set progress for %s: %w", taskID, err)
	}
	return nil
}

func (c *cache) GetProgress(ctx context.Context, taskID string) (*Progress, error) {
	data, err := c.client.Get(ctx, progressKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get progress for %s: %w", taskID, err)
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal progress: %w", err)
	}
	return &p, nil
}
