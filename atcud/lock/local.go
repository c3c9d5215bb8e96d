package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"

	"github.com/alapierre/go-atcud/atcud/mutex"
)

// Local is an in-process Locker backed by a keyed mutex. It serializes
// goroutines of one process only; multi-process deployments use Redis.
type Local struct {
	mu mutex.KeyedMutex[string]
}

var _ Locker = (*Local)(nil)

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := l.mu.LockContext(ctx, key); err != nil {
		return nil, errors.Wrapf(ErrNotObtained, "%s: %v", key, err)
	}
	lease := &localLease{owner: l, key: key}
	if ttl > 0 {
		lease.timer = time.AfterFunc(ttl, func() {
			if lease.unlock() {
				logger.WithField("key", key).Warn("lease expired before release")
			}
		})
	}
	return lease, nil
}

type localLease struct {
	owner    *Local
	key      string
	timer    *time.Timer
	released atomic.Bool
}

func (l *localLease) unlock() bool {
	if !l.released.CompareAndSwap(false, true) {
		return false
	}
	l.owner.mu.Unlock(l.key)
	return true
}

func (l *localLease) Release(context.Context) error {
	if l.timer != nil {
		l.timer.Stop()
	}
	if !l.unlock() {
		return ErrNotHeld
	}
	return nil
}
