// Package sequence allocates document numbers from fiscal series counters.
//
// An allocation holds the series lock for the read-increment-write of
// current_sequence. The write is a compare-and-swap against the value read
// under the lock, so a holder whose lease expired mid-allocation fails with
// series.ErrSequenceConflict instead of applying a stale value.
package sequence

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/go-atcud/atcud/lock"
	"github.com/alapierre/go-atcud/atcud/metrics"
	"github.com/alapierre/go-atcud/atcud/series"
)

var logger = logrus.WithField("component", "atcud.sequence")

const (
	DefaultLease = 30 * time.Second
	DefaultWait  = 10 * time.Second
)

type Allocator struct {
	store   series.Store
	locker  lock.Locker
	lease   time.Duration
	wait    time.Duration
	metrics *metrics.Metrics
}

type Option func(*Allocator)

// WithLease bounds how long a lock is held if the holder never releases it.
func WithLease(d time.Duration) Option {
	return func(a *Allocator) { a.lease = d }
}

// WithWait bounds how long Allocate waits for a busy series.
func WithWait(d time.Duration) Option {
	return func(a *Allocator) { a.wait = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

func NewAllocator(store series.Store, locker lock.Locker, opts ...Option) *Allocator {
	a := &Allocator{
		store:  store,
		locker: locker,
		lease:  DefaultLease,
		wait:   DefaultWait,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns the next number of the series and advances its counter.
// Numbers of one series are strictly increasing and never reused.
func (a *Allocator) Allocate(ctx context.Context, seriesID string) (uint64, error) {
	n, err := a.allocate(ctx, seriesID)
	a.metrics.ObserveAllocation(result(err))
	return n, err
}

func (a *Allocator) allocate(ctx context.Context, seriesID string) (uint64, error) {
	waitCtx, cancel := context.WithTimeout(ctx, a.wait)
	defer cancel()

	started := time.Now()
	lease, err := a.locker.Obtain(waitCtx, lock.SeriesKey(seriesID), a.lease)
	a.metrics.ObserveLockWait(time.Since(started))
	if err != nil {
		return 0, errors.Wrapf(err, "series %s", seriesID)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WithField("series_id", seriesID).WithError(err).Warn("release series lock")
		}
	}()

	current, status, err := a.store.ReadSequence(ctx, seriesID)
	if err != nil {
		return 0, errors.Wrapf(err, "series %s", seriesID)
	}
	if status == series.StatusFinalized {
		return 0, errors.Wrapf(series.ErrSeriesFinalized, "series %s", seriesID)
	}
	if current > series.MaxSequence {
		return 0, errors.Wrapf(series.ErrSequenceOverflow, "series %s at %d", seriesID, current)
	}
	if err := a.store.CompareAndSwapSequence(ctx, seriesID, current, current+1); err != nil {
		return 0, errors.Wrapf(err, "series %s", seriesID)
	}

	logger.WithFields(logrus.Fields{"series_id": seriesID, "sequence": current}).Debug("allocated")
	return current, nil
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, series.ErrSeriesNotFound):
		return "not_found"
	case errors.Is(err, series.ErrSequenceOverflow):
		return "overflow"
	case errors.Is(err, series.ErrSeriesFinalized):
		return "finalized"
	case errors.Is(err, lock.ErrNotObtained):
		return "lock_timeout"
	case errors.Is(err, series.ErrSequenceConflict):
		return "conflict"
	default:
		return "error"
	}
}
