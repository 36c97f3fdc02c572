package dispatch

import (
	"context"
	"time"

	"github.com/lalithlochan/medreminder/internal/redis"
)

// LockName guards a scheduler invocation across processes.
const LockName = "scheduler:run"

// ErrLockHeld is returned by Run when another invocation is in progress.
var ErrLockHeld = redis.ErrLockHeld

type Lease interface {
	Release(ctx context.Context) error
}

type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// RedisLocker adapts a Redis lease locker.
func RedisLocker(l *redis.Locker) Locker {
	return redisLocker{l: l}
}

type redisLocker struct {
	l *redis.Locker
}

func (r redisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	lease, err := r.l.Acquire(ctx, name, ttl)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// NoopLocker always grants the lock. It is used when Redis is not configured
// and only one process triggers the scheduler.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string, time.Duration) (Lease, error) {
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Release(context.Context) error { return nil }
