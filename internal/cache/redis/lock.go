package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cascadepool/payoutbot/internal/domain"
)

const lockPrefix = "paybot:lock:"

// unlockScript deletes the lock key only while it still carries the
// caller's token. A holder whose TTL lapsed must not delete a lock that
// some other process has since taken.
var unlockScript = redis.NewScript(
	`if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`,
)

// LockManager implements domain.LockManager on Redis, using SET NX with a
// TTL and a token-checked unlock.
type LockManager struct {
	rdb *redis.Client
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{rdb: c.Underlying()}
}

// Acquire takes the named lock for at most ttl. It returns domain.ErrLockHeld
// when another party holds it, and otherwise an unlock function that is safe
// to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	redisKey := lockPrefix + key

	taken, err := lm.rdb.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !taken {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context is often already cancelled when the
			// deferred unlock runs, so release on a fresh one.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = unlockScript.Run(unlockCtx, lm.rdb, []string{redisKey}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
