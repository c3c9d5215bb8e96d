package atcud

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/go-atcud/atcud/metrics"
	"github.com/alapierre/go-atcud/atcud/series"
)

// Allocator hands out the next number of a series.
type Allocator interface {
	Allocate(ctx context.Context, seriesID string) (uint64, error)
}

// Result is an issued ATCUD code with the values it was built from, kept for
// the audit trail of the document.
type Result struct {
	Code           string
	ValidationCode string
	Sequence       uint64
	SeriesID       string
	Prefix         string
	Temporary      bool
	IssuedAt       time.Time
}

// Compliant reports whether the code may be printed on a fiscal document.
func (r *Result) Compliant() bool {
	return r != nil && !r.Temporary
}

type Generator struct {
	store     series.Store
	allocator Allocator
	clock     clockwork.Clock
	metrics   *metrics.Metrics
}

type GeneratorOption func(*Generator)

func WithGeneratorClock(c clockwork.Clock) GeneratorOption {
	return func(g *Generator) { g.clock = c }
}

func WithGeneratorMetrics(m *metrics.Metrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

func NewGenerator(store series.Store, allocator Allocator, opts ...GeneratorOption) *Generator {
	g := &Generator{
		store:     store,
		allocator: allocator,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type generateOptions struct {
	allowTemporary bool
}

type GenerateOption func(*generateOptions)

// AllowTemporary lets Generate issue a TEMP code for a series that has no
// validation code yet, for draft documents only.
func AllowTemporary() GenerateOption {
	return func(o *generateOptions) { o.allowTemporary = true }
}

// Generate allocates the next number of the series and returns its ATCUD
// code. It fails with ErrSeriesNotCommunicated when the series has no
// validation code, unless AllowTemporary is given.
func (g *Generator) Generate(ctx context.Context, seriesID string, opts ...GenerateOption) (*Result, error) {
	var o generateOptions
	for _, opt := range opts {
		opt(&o)
	}

	s, err := g.store.Get(ctx, seriesID)
	if err != nil {
		return nil, errors.Wrapf(err, "series %s", seriesID)
	}
	if s.Status == series.StatusFinalized {
		return nil, errors.Wrapf(series.ErrSeriesFinalized, "series %s", seriesID)
	}

	temporary := s.ValidationCode == ""
	if temporary && !o.allowTemporary {
		return nil, errors.Wrapf(ErrSeriesNotCommunicated, "series %s (%s)", seriesID, s.Prefix)
	}
	if !temporary {
		// a malformed code must fail before the counter moves
		if err := series.ValidateValidationCode(s.ValidationCode); err != nil {
			return nil, err
		}
	}

	n, err := g.allocator.Allocate(ctx, seriesID)
	if err != nil {
		return nil, err
	}

	res := &Result{
		ValidationCode: s.ValidationCode,
		Sequence:       n,
		SeriesID:       s.ID,
		Prefix:         s.Prefix,
		Temporary:      temporary,
		IssuedAt:       g.clock.Now().UTC(),
	}
	if temporary {
		res.Code = temporaryCode(s.Prefix, n)
		g.metrics.ObserveGenerated("temporary")
		logger.WithFields(logrus.Fields{"series_id": s.ID, "prefix": s.Prefix, "sequence": n}).
			Warn("issued temporary ATCUD, series not communicated")
		return res, nil
	}

	code, err := FormatCode(s.ValidationCode, n)
	if err != nil {
		logger.WithFields(logrus.Fields{"series_id": s.ID, "sequence": n}).WithError(err).
			Error("formatted ATCUD failed validation")
		return nil, err
	}
	res.Code = code
	g.metrics.ObserveGenerated("fiscal")
	logger.WithFields(logrus.Fields{
		"series_id":       s.ID,
		"atcud":           code,
		"validation_code": s.ValidationCode,
		"sequence":        n,
	}).Info("issued ATCUD")
	return res, nil
}
