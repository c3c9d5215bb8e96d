package atcud

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alapierre/go-atcud/atcud/lock"
	"github.com/alapierre/go-atcud/atcud/metrics"
	"github.com/alapierre/go-atcud/atcud/sequence"
	"github.com/alapierre/go-atcud/atcud/series"
)

func newGeneratorFixture(t *testing.T, first uint64, code string) (*Generator, *series.MemoryStore, *series.Series) {
	t.Helper()
	store := series.NewMemoryStore()
	s, err := series.New(series.Params{
		LegalEntity:  "501442600",
		Prefix:       "FT2024AB",
		DocumentType: series.Invoice,
		FirstNumber:  first,
	})
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), s))
	if code != "" {
		require.NoError(t, store.SetValidationCode(context.Background(), s.ID, code, false))
	}
	g := NewGenerator(store, sequence.NewAllocator(store, lock.NewLocal()),
		WithGeneratorClock(clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))))
	return g, store, s
}

func TestGenerate_KnownCode(t *testing.T) {
	g, _, s := newGeneratorFixture(t, 7, "AAJFJMVNTN")

	res, err := g.Generate(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "AAJFJMVNTN-00000007", res.Code)
	assert.Equal(t, "AAJFJMVNTN", res.ValidationCode)
	assert.Equal(t, uint64(7), res.Sequence)
	assert.Equal(t, "FT2024AB", res.Prefix)
	assert.True(t, res.Compliant())
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), res.IssuedAt)
}

func TestGenerate_NeverReusesNumbers(t *testing.T) {
	g, _, s := newGeneratorFixture(t, 1, "AAJFJMVNTN")

	first, err := g.Generate(context.Background(), s.ID)
	require.NoError(t, err)
	second, err := g.Generate(context.Background(), s.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Sequence+1, second.Sequence)
	assert.NotEqual(t, first.Code, second.Code)
	for _, r := range []*Result{first, second} {
		assert.NoError(t, ValidateCode(r.Code))
	}
}

func TestGenerate_NotCommunicated(t *testing.T) {
	g, store, s := newGeneratorFixture(t, 5, "")

	_, err := g.Generate(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrSeriesNotCommunicated)

	got, err := store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.CurrentSequence)
}

func TestGenerate_Temporary(t *testing.T) {
	g, _, s := newGeneratorFixture(t, 5, "")
	m := metrics.New(prometheus.NewRegistry())
	g.metrics = m

	res, err := g.Generate(context.Background(), s.ID, AllowTemporary())
	require.NoError(t, err)
	assert.True(t, res.Temporary)
	assert.False(t, res.Compliant())
	assert.Equal(t, "TEMP-FT2024AB-00000005", res.Code)
	assert.Error(t, ValidateCode(res.Code))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Generated.WithLabelValues("temporary")))
}

func TestGenerate_FallbackCodeIsNeverUsed(t *testing.T) {
	g, store, s := newGeneratorFixture(t, 1, "")
	require.NoError(t, store.SetFallbackCode(context.Background(), s.ID, "FB12345678"))

	_, err := g.Generate(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrSeriesNotCommunicated)
}

func TestGenerate_FailuresDoNotMoveCounter(t *testing.T) {
	g, store, s := newGeneratorFixture(t, series.MaxSequence, "AAJFJMVNTN")
	ctx := context.Background()

	res, err := g.Generate(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "AAJFJMVNTN-99999999", res.Code)

	_, err = g.Generate(ctx, s.ID)
	assert.ErrorIs(t, err, series.ErrSequenceOverflow)

	require.NoError(t, store.Finalize(ctx, s.ID))
	_, err = g.Generate(ctx, s.ID)
	assert.ErrorIs(t, err, series.ErrSeriesFinalized)

	_, err = g.Generate(ctx, "missing")
	assert.ErrorIs(t, err, series.ErrSeriesNotFound)
}
