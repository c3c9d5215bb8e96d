// Package file is a JSON-file series registry for the CLI and single-node
// deployments. Every operation re-reads the file under an advisory lock on a
// sidecar "<path>.lock" file, and every mutation rewrites it atomically, so
// processes sharing the file see each other's sequence numbers.
package file

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/go-atcud/atcud/series"
)

var logger = logrus.WithField("component", "atcud.store.file")

type Store struct {
	path string

	// mu serialises goroutines of this process; flock only excludes other
	// processes.
	mu   sync.Mutex
	lock *flock.Flock
}

var _ series.Store = (*Store)(nil)

// Open checks that path is a readable registry, or that it does not exist
// yet, in which case the registry starts empty.
func Open(path string) (*Store, error) {
	s := &Store{path: path, lock: flock.New(path + ".lock")}
	if err := s.view(func(map[string]*series.Series) error { return nil }); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Create(_ context.Context, sr *series.Series) error {
	return s.update(func(all map[string]*series.Series) error {
		if _, ok := all[sr.ID]; ok {
			return series.ErrSeriesExists
		}
		for _, existing := range all {
			if existing.LegalEntity == sr.LegalEntity && existing.Prefix == sr.Prefix {
				return series.ErrSeriesExists
			}
		}
		c := *sr
		all[sr.ID] = &c
		return nil
	})
}

func (s *Store) Get(_ context.Context, id string) (*series.Series, error) {
	var out *series.Series
	err := s.view(func(all map[string]*series.Series) error {
		sr, ok := all[id]
		if !ok {
			return series.ErrSeriesNotFound
		}
		out = sr
		return nil
	})
	return out, err
}

func (s *Store) GetByPrefix(_ context.Context, legalEntity, prefix string) (*series.Series, error) {
	var out *series.Series
	err := s.view(func(all map[string]*series.Series) error {
		for _, sr := range all {
			if sr.LegalEntity == legalEntity && sr.Prefix == prefix {
				out = sr
				return nil
			}
		}
		return series.ErrSeriesNotFound
	})
	return out, err
}

func (s *Store) List(_ context.Context, legalEntity string) ([]*series.Series, error) {
	var out []*series.Series
	err := s.view(func(all map[string]*series.Series) error {
		for _, sr := range all {
			if legalEntity == "" || sr.LegalEntity == legalEntity {
				out = append(out, sr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out, nil
}

func (s *Store) ReadSequence(_ context.Context, id string) (uint64, series.Status, error) {
	var (
		current uint64
		status  series.Status
	)
	err := s.view(func(all map[string]*series.Series) error {
		sr, ok := all[id]
		if !ok {
			return series.ErrSeriesNotFound
		}
		current, status = sr.CurrentSequence, sr.Status
		return nil
	})
	return current, status, err
}

// CompareAndSwapSequence compares against the file as it is on disk, not
// against what this process last saw.
func (s *Store) CompareAndSwapSequence(_ context.Context, id string, current, next uint64) error {
	return s.mutate(id, func(sr *series.Series) error {
		if sr.CurrentSequence != current {
			return series.ErrSequenceConflict
		}
		sr.CurrentSequence = next
		sr.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *Store) SetValidationCode(_ context.Context, id, code string, force bool) error {
	return s.mutate(id, func(sr *series.Series) error {
		return series.ApplyValidationCode(sr, code, force)
	})
}

func (s *Store) SetFallbackCode(_ context.Context, id, code string) error {
	return s.mutate(id, func(sr *series.Series) error {
		sr.FallbackCode = code
		sr.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *Store) RecordAttempt(_ context.Context, id string, at time.Time, lastErr string) error {
	return s.mutate(id, func(sr *series.Series) error {
		series.ApplyAttempt(sr, at, lastErr)
		return nil
	})
}

func (s *Store) Finalize(_ context.Context, id string) error {
	return s.mutate(id, func(sr *series.Series) error {
		sr.Status = series.StatusFinalized
		sr.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *Store) mutate(id string, fn func(*series.Series) error) error {
	return s.update(func(all map[string]*series.Series) error {
		sr, ok := all[id]
		if !ok {
			return series.ErrSeriesNotFound
		}
		return fn(sr)
	})
}

// view runs fn on a fresh load under a shared lock.
func (s *Store) view(fn func(map[string]*series.Series) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.RLock(); err != nil {
		return errors.Wrap(err, "lock registry")
	}
	defer s.unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	return fn(all)
}

// update runs fn on a fresh load under an exclusive lock and writes the result
// back. Nothing is written when fn fails.
func (s *Store) update(fn func(map[string]*series.Series) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return errors.Wrap(err, "lock registry")
	}
	defer s.unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(all); err != nil {
		return err
	}
	return s.flush(all)
}

func (s *Store) unlock() {
	if err := s.lock.Unlock(); err != nil {
		logger.WithError(err).WithField("path", s.path).Warn("cannot release registry lock")
	}
}

func (s *Store) load() (map[string]*series.Series, error) {
	all := make(map[string]*series.Series)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		logger.WithField("path", s.path).Trace("registry file not found, starting empty")
		return all, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read registry")
	}
	list, err := decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", s.path)
	}
	for _, sr := range list {
		all[sr.ID] = sr
	}
	return all, nil
}

func (s *Store) flush(m map[string]*series.Series) error {
	all := make([]*series.Series, 0, len(m))
	for _, sr := range m {
		all = append(all, sr)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".atcud-*.json")
	if err != nil {
		return errors.Wrap(err, "create temp registry")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(encode(all)); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write registry")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync registry")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close registry")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrap(err, "replace registry")
	}
	return nil
}
