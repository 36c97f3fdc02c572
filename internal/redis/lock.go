package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld is returned when another holder owns the lease.
var ErrLockHeld = errors.New("lock is held by another process")

// releaseScript deletes the key only if it still carries our token, so an
// expired lease never frees a lock taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out time-bounded leases on named keys.
type Locker struct {
	client *Client
	logger *zap.Logger
}

func NewLocker(client *Client, logger *zap.Logger) *Locker {
	return &Locker{client: client, logger: logger}
}

// Lease is a held lock. The zero value is not usable.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the lease for name, returning ErrLockHeld when it is taken.
// The lease expires after ttl even if never released.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := "lock:" + name
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	l.logger.Debug("lease acquired", zap.String("key", key), zap.Duration("ttl", ttl))
	return &Lease{locker: l, key: key, token: token}, nil
}

// Release gives the lease back. Releasing an expired or stolen lease is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.locker.client.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if n == 0 {
		l.locker.logger.Warn("lease expired before release", zap.String("key", l.key))
	}
	return nil
}
