package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only when this instance still owns it.
// Releasing and renewing must both check ownership, otherwise a paused
// process could clobber the lease a peer took over in the meantime.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Leader is a best-effort leader lease on a single Redis key. Only one
// instance holds the key at a time; the TTL frees it if the holder dies.
// Redis here is coordination, not correctness: the sweeps the lease guards
// are idempotent, so a brief double-leader window is harmless.
type Leader struct {
	client *redis.Client
	key    string
	id     string
	ttl    time.Duration
}

// NewLeader creates a lease contender. id must be unique per process; ttl
// should be a few times the interval between TryAcquire calls.
func NewLeader(client *redis.Client, key, id string, ttl time.Duration) *Leader {
	return &Leader{client: client, key: key, id: id, ttl: ttl}
}

// TryAcquire takes the lease if free, or renews it if already ours. It
// returns true when this instance is the leader after the call.
func (l *Leader) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.id, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis renew lease %s: %w", l.key, err)
	}
	return renewed == 1, nil
}

// Release gives the lease up if this instance holds it.
func (l *Leader) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.id).Err(); err != nil {
		return fmt.Errorf("redis release lease %s: %w", l.key, err)
	}
	return nil
}
