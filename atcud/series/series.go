// Package series holds the fiscal series registry: the series entity, its
// format rules and the storage port used by the allocator, the ATCUD
// generator and the authority client.
package series

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// MaxSequence is the legal ceiling of a series counter.
const MaxSequence uint64 = 99_999_999

var (
	ErrSeriesNotFound         = errors.New("series not found")
	ErrSeriesExists           = errors.New("series prefix already registered for legal entity")
	ErrSequenceOverflow       = errors.New("sequence ceiling reached, series must be finalized")
	ErrSequenceConflict       = errors.New("sequence changed concurrently")
	ErrValidationCodeConflict = errors.New("series already holds a different validation code")
	ErrSeriesFinalized        = errors.New("series is finalized")
	ErrDocumentTypeMismatch   = errors.New("prefix code does not match document type")
)

// Status of a series lifecycle.
type Status string

const (
	StatusActive    Status = "active"
	StatusFinalized Status = "finalized"
)

// Series is one numbering series of a legal entity.
type Series struct {
	ID           string
	LegalEntity  string
	Prefix       string
	DocumentType DocumentType
	Type         Type
	StartDate    time.Time

	// CurrentSequence is the next number to allocate. Only the sequence
	// allocator writes it, through Store.CompareAndSwapSequence.
	CurrentSequence uint64

	ValidationCode string
	// FallbackCode is a locally synthesized code issued when the authority
	// accepted a registration without a recognizable validation code. It is
	// kept for audit only and never used to build ATCUD codes.
	FallbackCode string

	IsCommunicated           bool
	CommunicationAttempts    int
	LastCommunicationAttempt time.Time
	LastError                string

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Params describe a new series.
type Params struct {
	ID           string
	LegalEntity  string
	Prefix       string
	DocumentType DocumentType
	Type         Type
	StartDate    time.Time
	// FirstNumber defaults to 1.
	FirstNumber uint64
}

// New validates p and builds an active, not yet communicated series.
func New(p Params) (*Series, error) {
	if p.LegalEntity == "" {
		return nil, &FormatError{Field: "legal_entity", Value: p.LegalEntity, Err: errors.New("required")}
	}
	prefix, err := ParsePrefix(p.Prefix)
	if err != nil {
		return nil, err
	}
	if !p.DocumentType.Valid() {
		return nil, &FormatError{Field: "document_type", Value: string(p.DocumentType), Err: ErrUnknownDocumentType}
	}
	if prefix.Code != string(p.DocumentType) {
		return nil, &FormatError{Field: "prefix", Value: p.Prefix, Err: ErrDocumentTypeMismatch}
	}
	if p.Type == "" {
		p.Type = TypeNormal
	}
	if !p.Type.Valid() {
		return nil, &FormatError{Field: "series_type", Value: string(p.Type), Err: errors.New("unknown series type")}
	}
	if p.FirstNumber == 0 {
		p.FirstNumber = 1
	}
	if p.FirstNumber > MaxSequence {
		return nil, ErrSequenceOverflow
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.StartDate.IsZero() {
		p.StartDate = time.Now().UTC()
	}

	now := time.Now().UTC()
	return &Series{
		ID:              p.ID,
		LegalEntity:     p.LegalEntity,
		Prefix:          p.Prefix,
		DocumentType:    p.DocumentType,
		Type:            p.Type,
		StartDate:       truncateDay(p.StartDate),
		CurrentSequence: p.FirstNumber,
		Status:          StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// ParsedPrefix returns the prefix split into its segments.
func (s *Series) ParsedPrefix() (Prefix, error) {
	return ParsePrefix(s.Prefix)
}

// Class returns the authority series class of the series document type.
func (s *Series) Class() (Class, bool) {
	return ClassOf(s.DocumentType)
}

// LastIssued is the last allocated number, 0 when nothing was allocated yet.
func (s *Series) LastIssued() uint64 {
	if s.CurrentSequence == 0 {
		return 0
	}
	return s.CurrentSequence - 1
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Store persists series. Implementations must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, s *Series) error
	Get(ctx context.Context, id string) (*Series, error)
	GetByPrefix(ctx context.Context, legalEntity, prefix string) (*Series, error)
	List(ctx context.Context, legalEntity string) ([]*Series, error)

	// ReadSequence returns current_sequence and the series status.
	ReadSequence(ctx context.Context, id string) (uint64, Status, error)
	// CompareAndSwapSequence writes next only when the stored value still
	// equals current, otherwise it fails with ErrSequenceConflict.
	CompareAndSwapSequence(ctx context.Context, id string, current, next uint64) error

	// SetValidationCode stores the authority code and marks the series as
	// communicated. A differing code already on file is only replaced when
	// force is set.
	SetValidationCode(ctx context.Context, id, code string, force bool) error
	SetFallbackCode(ctx context.Context, id, code string) error
	// RecordAttempt increments communication_attempts and stores the attempt
	// time and error message (empty on success).
	RecordAttempt(ctx context.Context, id string, at time.Time, lastErr string) error
	Finalize(ctx context.Context, id string) error
}
