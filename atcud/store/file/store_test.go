package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alapierre/go-atcud/atcud/lock"
	"github.com/alapierre/go-atcud/atcud/sequence"
	"github.com/alapierre/go-atcud/atcud/series"
)

func newSeries(t *testing.T, id, prefix string) *series.Series {
	t.Helper()
	sr, err := series.New(series.Params{
		ID:           id,
		LegalEntity:  "501442600",
		Prefix:       prefix,
		DocumentType: series.DocumentType(prefix[:2]),
		StartDate:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		FirstNumber:  7,
	})
	require.NoError(t, err)
	return sr
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newSeries(t, "s1", "FT2024AB")))
	require.NoError(t, s.CompareAndSwapSequence(ctx, "s1", 7, 8))
	at := time.Date(2024, 3, 1, 10, 0, 0, 123_000_000, time.UTC)
	require.NoError(t, s.RecordAttempt(ctx, "s1", at, "timeout"))
	require.NoError(t, s.SetValidationCode(ctx, "s1", "AAJFJMVNTN", false))

	reopened, err := Open(path)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), got.CurrentSequence)
	assert.Equal(t, "AAJFJMVNTN", got.ValidationCode)
	assert.True(t, got.IsCommunicated)
	assert.Equal(t, 1, got.CommunicationAttempts)
	assert.True(t, at.Equal(got.LastCommunicationAttempt))
	assert.Equal(t, series.Invoice, got.DocumentType)
	assert.Equal(t, series.TypeNormal, got.Type)
	assert.Equal(t, "2024-01-01", got.StartDate.Format(time.DateOnly))
	assert.Equal(t, series.StatusActive, got.Status)
}

func TestStore_Rules(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)

	require.NoError(t, s.Create(ctx, newSeries(t, "s1", "FT2024AB")))
	assert.ErrorIs(t, s.Create(ctx, newSeries(t, "s2", "FT2024AB")), series.ErrSeriesExists)
	assert.ErrorIs(t, s.CompareAndSwapSequence(ctx, "s1", 1, 2), series.ErrSequenceConflict)
	assert.ErrorIs(t, s.CompareAndSwapSequence(ctx, "nope", 7, 8), series.ErrSeriesNotFound)

	require.NoError(t, s.SetValidationCode(ctx, "s1", "AAJFJMVNTN", false))
	assert.ErrorIs(t, s.SetValidationCode(ctx, "s1", "BBJFJMVNTN", false), series.ErrValidationCodeConflict)

	require.NoError(t, s.Finalize(ctx, "s1"))
	_, status, err := s.ReadSequence(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, series.StatusFinalized, status)

	byPrefix, err := s.GetByPrefix(ctx, "501442600", "FT2024AB")
	require.NoError(t, err)
	assert.Equal(t, "s1", byPrefix.ID)

	list, err := s.List(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStore_RejectedMutationLeavesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	ctx := context.Background()
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newSeries(t, "s1", "FT2024AB")))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.ErrorIs(t, s.CompareAndSwapSequence(ctx, "s1", 1, 2), series.ErrSequenceConflict)
	assert.ErrorIs(t, s.Create(ctx, newSeries(t, "s2", "FT2024AB")), series.ErrSeriesExists)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStore_SharedFileAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	ctx := context.Background()

	first, err := Open(path)
	require.NoError(t, err)
	second, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Create(ctx, newSeries(t, "s1", "FT2024AB")))

	// Each store has its own in-process lock, as two CLI runs would.
	a1 := sequence.NewAllocator(first, lock.NewLocal())
	a2 := sequence.NewAllocator(second, lock.NewLocal())

	n1, err := a1.Allocate(ctx, "s1")
	require.NoError(t, err)
	n2, err := a2.Allocate(ctx, "s1")
	require.NoError(t, err)
	n3, err := a1.Allocate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []uint64{7, 8, 9}, []uint64{n1, n2, n3})

	require.NoError(t, second.Finalize(ctx, "s1"))
	_, err = a1.Allocate(ctx, "s1")
	assert.ErrorIs(t, err, series.ErrSeriesFinalized)
}

func TestStore_ConcurrentStoresNeverReuseNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	ctx := context.Background()

	stores := make([]*Store, 4)
	for i := range stores {
		s, err := Open(path)
		require.NoError(t, err)
		stores[i] = s
	}
	require.NoError(t, stores[0].Create(ctx, newSeries(t, "s1", "FT2024AB")))

	var (
		mu     sync.Mutex
		issued = map[uint64]int{}
		g      errgroup.Group
	)
	for _, s := range stores {
		alloc := sequence.NewAllocator(s, lock.NewLocal())
		for i := 0; i < 10; i++ {
			g.Go(func() error {
				n, err := alloc.Allocate(ctx, "s1")
				if errors.Is(err, series.ErrSequenceConflict) {
					return nil
				}
				if err != nil {
					return err
				}
				mu.Lock()
				issued[n]++
				mu.Unlock()
				return nil
			})
		}
	}
	require.NoError(t, g.Wait())

	require.NotEmpty(t, issued)
	for n, count := range issued {
		assert.Equal(t, 1, count, "number %d issued %d times", n, count)
	}
	cur, _, err := stores[1].ReadSequence(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7+len(issued)), cur)
}

func TestCodec_RoundTrip(t *testing.T) {
	s := newSeries(t, "s1", "FT2024AB")
	s.ValidationCode = "AAJFJMVNTN"
	s.IsCommunicated = true

	all, err := decode(encode([]*series.Series{s}))
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "s1", all[0].ID)
	assert.Equal(t, "AAJFJMVNTN", all[0].ValidationCode)
	assert.Equal(t, uint64(7), all[0].CurrentSequence)
	assert.True(t, s.CreatedAt.Equal(all[0].CreatedAt))
}

func TestOpen_RejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":9,"series":[]}`), 0o600))
	_, err := Open(path)
	assert.Error(t, err)
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	all, err := decode([]byte(`{"version":1,"extra":{"a":[1,2]},"series":[{"id":"s1","current_sequence":3,"note":"x"}]}`))
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, uint64(3), all[0].CurrentSequence)
}
