package lock

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// Redis is a Locker shared by every process connected to the same Redis. The
// lease is the key TTL, so a crashed holder releases the lock on expiry.
type Redis struct {
	client *redislock.Client
	retry  time.Duration
}

var _ Locker = (*Redis)(nil)

// NewRedis builds a Locker on rdb. Obtain polls every retry interval until
// the caller's context is done.
func NewRedis(rdb redis.UniversalClient, retry time.Duration) *Redis {
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &Redis{client: redislock.New(rdb), retry: retry}
}

func (r *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l, err := r.client.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, errors.Wrap(ErrNotObtained, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "obtain %s", key)
	}
	return &redisLease{lock: l}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return ErrNotHeld
	}
	return err
}
