// Package lock provides named locks with a bounded lifetime (lease). A holder
// that crashes or hangs loses the lock once its lease expires, so it cannot
// block a series forever.
package lock

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "atcud.lock")

var (
	// ErrNotObtained is returned when the lock could not be taken before the
	// caller's deadline.
	ErrNotObtained = errors.New("lock not obtained")
	// ErrNotHeld is returned by Release when the lease already expired.
	ErrNotHeld = errors.New("lock not held")
)

// Locker hands out leases on named locks. Obtain blocks until the lock is
// taken or ctx is done; ttl bounds how long the lease is held.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// SeriesKey is the lock name of a fiscal series counter.
func SeriesKey(seriesID string) string {
	return "atcud:series:" + seriesID
}
