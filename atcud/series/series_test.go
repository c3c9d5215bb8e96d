package series

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrefix(t *testing.T) {
	p, err := ParsePrefix("FT2024AB")
	require.NoError(t, err)
	assert.Equal(t, Prefix{Code: "FT", Year: "2024", Entity: "AB"}, p)
	assert.Equal(t, "FT-2024-AB", p.WireForm())
	assert.Equal(t, "FT2024AB", p.String())

	p, err = ParsePrefix("GTRA2025X1Y2")
	require.NoError(t, err)
	assert.Equal(t, "GTRA-2025-X1Y2", p.WireForm())

	for _, bad := range []string{"", "F2024AB", "FT24AB", "FT2024A", "ft2024ab", "FT-2024-AB", "FT2024ABCDE"} {
		_, err := ParsePrefix(bad)
		assert.ErrorIs(t, err, ErrInvalidPrefix, bad)
		var fe *FormatError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, bad, fe.Value)
	}
}

func TestWireForm(t *testing.T) {
	w, err := WireForm("NC2025LX")
	require.NoError(t, err)
	assert.Equal(t, "NC-2025-LX", w)
}

func TestValidateValidationCode(t *testing.T) {
	for _, ok := range []string{"AAJFJMVNTN", "ABCD1234", "A12345678901"} {
		assert.NoError(t, ValidateValidationCode(ok), ok)
	}
	for _, bad := range []string{"", "ABC1234", "ABCDEFGHIJKLM", "12345678", "abcd1234", "ABCD-1234"} {
		assert.ErrorIs(t, ValidateValidationCode(bad), ErrInvalidValidationCode, bad)
	}
}

func TestClassOf(t *testing.T) {
	c, ok := ClassOf(Invoice)
	assert.True(t, ok)
	assert.Equal(t, ClassSales, c)

	c, ok = ClassOf(TransportNote)
	assert.True(t, ok)
	assert.Equal(t, ClassMovement, c)

	c, ok = ClassOf(Receipt)
	assert.True(t, ok)
	assert.Equal(t, ClassPayment, c)

	_, ok = ClassOf(JournalEntry)
	assert.False(t, ok)
	assert.True(t, JournalEntry.Valid())
}

func TestNew(t *testing.T) {
	start := time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC)
	s, err := New(Params{LegalEntity: "501442600", Prefix: "FT2025AB", DocumentType: Invoice, StartDate: start})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, uint64(1), s.CurrentSequence)
	assert.Equal(t, TypeNormal, s.Type)
	assert.Equal(t, StatusActive, s.Status)
	assert.False(t, s.IsCommunicated)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), s.StartDate)
	assert.Equal(t, uint64(0), s.LastIssued())

	_, err = New(Params{LegalEntity: "501442600", Prefix: "FT2025AB", DocumentType: CreditNote})
	assert.ErrorIs(t, err, ErrDocumentTypeMismatch)

	_, err = New(Params{LegalEntity: "501442600", Prefix: "FT25AB", DocumentType: Invoice})
	assert.ErrorIs(t, err, ErrInvalidPrefix)

	_, err = New(Params{Prefix: "FT2025AB", DocumentType: Invoice})
	assert.Error(t, err)

	_, err = New(Params{LegalEntity: "x", Prefix: "FT2025AB", DocumentType: Invoice, FirstNumber: MaxSequence + 1})
	assert.ErrorIs(t, err, ErrSequenceOverflow)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	s, err := New(Params{ID: "s1", LegalEntity: "501442600", Prefix: "FT2025AB", DocumentType: Invoice})
	require.NoError(t, err)
	require.NoError(t, st.Create(ctx, s))

	dup, err := New(Params{ID: "s2", LegalEntity: "501442600", Prefix: "FT2025AB", DocumentType: Invoice})
	require.NoError(t, err)
	assert.ErrorIs(t, st.Create(ctx, dup), ErrSeriesExists)

	_, err = st.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSeriesNotFound)

	got, err := st.GetByPrefix(ctx, "501442600", "FT2025AB")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)

	// returned values are copies
	got.CurrentSequence = 500
	n, status, err := st.ReadSequence(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	assert.Equal(t, StatusActive, status)

	require.NoError(t, st.CompareAndSwapSequence(ctx, "s1", 1, 2))
	assert.ErrorIs(t, st.CompareAndSwapSequence(ctx, "s1", 1, 2), ErrSequenceConflict)

	require.NoError(t, st.RecordAttempt(ctx, "s1", time.Now(), "timeout"))
	require.NoError(t, st.SetValidationCode(ctx, "s1", "AAJFJMVNTN", false))
	got, err = st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.IsCommunicated)
	assert.Equal(t, 1, got.CommunicationAttempts)
	assert.Empty(t, got.LastError)

	// same code is idempotent, differing code needs force
	require.NoError(t, st.SetValidationCode(ctx, "s1", "AAJFJMVNTN", false))
	assert.ErrorIs(t, st.SetValidationCode(ctx, "s1", "BBBBBBBB", false), ErrValidationCodeConflict)
	require.NoError(t, st.SetValidationCode(ctx, "s1", "BBBBBBBB", true))
	assert.ErrorIs(t, st.SetValidationCode(ctx, "s1", "bad", true), ErrInvalidValidationCode)

	require.NoError(t, st.Finalize(ctx, "s1"))
	_, status, err = st.ReadSequence(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, status)

	list, err := st.List(ctx, "501442600")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
