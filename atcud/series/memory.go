package series

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[string]*Series
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: make(map[string]*Series)}
}

func (m *MemoryStore) Create(_ context.Context, s *Series) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.series[s.ID]; ok {
		return ErrSeriesExists
	}
	for _, existing := range m.series {
		if existing.LegalEntity == s.LegalEntity && existing.Prefix == s.Prefix {
			return ErrSeriesExists
		}
	}
	c := *s
	m.series[s.ID] = &c
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[id]
	if !ok {
		return nil, ErrSeriesNotFound
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) GetByPrefix(_ context.Context, legalEntity, prefix string) (*Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.series {
		if s.LegalEntity == legalEntity && s.Prefix == prefix {
			c := *s
			return &c, nil
		}
	}
	return nil, ErrSeriesNotFound
}

func (m *MemoryStore) List(_ context.Context, legalEntity string) ([]*Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Series
	for _, s := range m.series {
		if legalEntity == "" || s.LegalEntity == legalEntity {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out, nil
}

func (m *MemoryStore) ReadSequence(_ context.Context, id string) (uint64, Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[id]
	if !ok {
		return 0, "", ErrSeriesNotFound
	}
	return s.CurrentSequence, s.Status, nil
}

func (m *MemoryStore) CompareAndSwapSequence(_ context.Context, id string, current, next uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[id]
	if !ok {
		return ErrSeriesNotFound
	}
	if s.CurrentSequence != current {
		return ErrSequenceConflict
	}
	s.CurrentSequence = next
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetValidationCode(_ context.Context, id, code string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[id]
	if !ok {
		return ErrSeriesNotFound
	}
	return ApplyValidationCode(s, code, force)
}

func (m *MemoryStore) SetFallbackCode(_ context.Context, id, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[id]
	if !ok {
		return ErrSeriesNotFound
	}
	s.FallbackCode = code
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RecordAttempt(_ context.Context, id string, at time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[id]
	if !ok {
		return ErrSeriesNotFound
	}
	ApplyAttempt(s, at, lastErr)
	return nil
}

func (m *MemoryStore) Finalize(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[id]
	if !ok {
		return ErrSeriesNotFound
	}
	s.Status = StatusFinalized
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyValidationCode is the shared SetValidationCode rule for stores that
// mutate a Series value in place.
func ApplyValidationCode(s *Series, code string, force bool) error {
	if err := ValidateValidationCode(code); err != nil {
		return err
	}
	if s.ValidationCode != "" && s.ValidationCode != code && !force {
		return ErrValidationCodeConflict
	}
	s.ValidationCode = code
	s.IsCommunicated = true
	s.LastError = ""
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyAttempt is the shared RecordAttempt rule.
func ApplyAttempt(s *Series, at time.Time, lastErr string) {
	s.CommunicationAttempts++
	s.LastCommunicationAttempt = at.UTC()
	s.LastError = lastErr
	s.UpdatedAt = time.Now().UTC()
}
