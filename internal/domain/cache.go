package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking. The deployment contract requires
// exactly one run per currency at a time; the lock is what enforces it when
// the cron and an operator invocation overlap.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
