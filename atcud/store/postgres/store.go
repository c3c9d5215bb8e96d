// Package postgres is a Postgres-backed series registry.
package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/go-atcud/atcud/series"
)

var logger = logrus.WithField("component", "atcud.store.postgres")

// Schema creates the series table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS atcud_series (
	id                         TEXT PRIMARY KEY,
	legal_entity               TEXT NOT NULL,
	prefix                     TEXT NOT NULL,
	document_type              TEXT NOT NULL,
	series_type                TEXT NOT NULL,
	start_date                 DATE NOT NULL,
	current_sequence           BIGINT NOT NULL CHECK (current_sequence >= 1),
	validation_code            TEXT NOT NULL DEFAULT '',
	fallback_code              TEXT NOT NULL DEFAULT '',
	is_communicated            BOOLEAN NOT NULL DEFAULT FALSE,
	communication_attempts     INTEGER NOT NULL DEFAULT 0,
	last_communication_attempt TIMESTAMPTZ,
	last_error                 TEXT NOT NULL DEFAULT '',
	status                     TEXT NOT NULL DEFAULT 'active',
	created_at                 TIMESTAMPTZ NOT NULL,
	updated_at                 TIMESTAMPTZ NOT NULL,
	UNIQUE (legal_entity, prefix)
)`

const columns = `id, legal_entity, prefix, document_type, series_type, start_date,
	current_sequence, validation_code, fallback_code, is_communicated,
	communication_attempts, last_communication_attempt, last_error, status,
	created_at, updated_at`

// querier is the part of *pgxpool.Pool the store uses.
type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements series.Store on a pgx pool.
type Store struct {
	pool querier
}

var (
	_ series.Store = (*Store)(nil)
	_ querier      = (*pgxpool.Pool)(nil)
)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for dsn and checks it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return pool, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return errors.Wrap(err, "create atcud_series")
	}
	logger.Debug("schema ready")
	return nil
}

func (s *Store) Create(ctx context.Context, sr *series.Series) error {
	const q = `
		INSERT INTO atcud_series (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := s.pool.Exec(ctx, q,
		sr.ID, sr.LegalEntity, sr.Prefix, string(sr.DocumentType), string(sr.Type), sr.StartDate,
		int64(sr.CurrentSequence), sr.ValidationCode, sr.FallbackCode, sr.IsCommunicated,
		sr.CommunicationAttempts, nullTime(sr.LastCommunicationAttempt), sr.LastError, string(sr.Status),
		sr.CreatedAt, sr.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return series.ErrSeriesExists
	}
	if err != nil {
		return errors.Wrap(err, "insert series")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*series.Series, error) {
	q := `SELECT ` + columns + ` FROM atcud_series WHERE id = $1`
	sr, err := scanSeries(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "get series")
	}
	return sr, nil
}

func (s *Store) GetByPrefix(ctx context.Context, legalEntity, prefix string) (*series.Series, error) {
	q := `SELECT ` + columns + ` FROM atcud_series WHERE legal_entity = $1 AND prefix = $2`
	sr, err := scanSeries(s.pool.QueryRow(ctx, q, legalEntity, prefix))
	if err != nil {
		return nil, notFound(err, "get series by prefix")
	}
	return sr, nil
}

func (s *Store) List(ctx context.Context, legalEntity string) ([]*series.Series, error) {
	q := `SELECT ` + columns + ` FROM atcud_series
		WHERE $1 = '' OR legal_entity = $1
		ORDER BY prefix`
	rows, err := s.pool.Query(ctx, q, legalEntity)
	if err != nil {
		return nil, errors.Wrap(err, "list series")
	}
	defer rows.Close()

	var out []*series.Series
	for rows.Next() {
		sr, err := scanSeries(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan series")
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate series")
	}
	return out, nil
}

func (s *Store) ReadSequence(ctx context.Context, id string) (uint64, series.Status, error) {
	const q = `SELECT current_sequence, status FROM atcud_series WHERE id = $1`
	var (
		current int64
		status  string
	)
	if err := s.pool.QueryRow(ctx, q, id).Scan(&current, &status); err != nil {
		return 0, "", notFound(err, "read sequence")
	}
	return uint64(current), series.Status(status), nil
}

func (s *Store) CompareAndSwapSequence(ctx context.Context, id string, current, next uint64) error {
	const q = `
		UPDATE atcud_series SET current_sequence = $3, updated_at = now()
		WHERE id = $1 AND current_sequence = $2`
	tag, err := s.pool.Exec(ctx, q, id, int64(current), int64(next))
	if err != nil {
		return errors.Wrap(err, "swap sequence")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOr(ctx, id, series.ErrSequenceConflict)
}

// SetValidationCode locks the row so the conflict check and the write see the
// same stored code.
func (s *Store) SetValidationCode(ctx context.Context, id, code string, force bool) error {
	return s.update(ctx, id, func(sr *series.Series) error {
		return series.ApplyValidationCode(sr, code, force)
	})
}

func (s *Store) SetFallbackCode(ctx context.Context, id, code string) error {
	const q = `UPDATE atcud_series SET fallback_code = $2, updated_at = now() WHERE id = $1`
	return s.exec(ctx, id, "set fallback code", q, id, code)
}

func (s *Store) RecordAttempt(ctx context.Context, id string, at time.Time, lastErr string) error {
	const q = `
		UPDATE atcud_series
		SET communication_attempts = communication_attempts + 1,
			last_communication_attempt = $2,
			last_error = $3,
			updated_at = now()
		WHERE id = $1`
	return s.exec(ctx, id, "record attempt", q, id, at.UTC(), lastErr)
}

func (s *Store) Finalize(ctx context.Context, id string) error {
	const q = `UPDATE atcud_series SET status = 'finalized', updated_at = now() WHERE id = $1`
	return s.exec(ctx, id, "finalize series", q, id)
}

func (s *Store) exec(ctx context.Context, id, what, q string, args ...any) error {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, what)
	}
	if tag.RowsAffected() == 0 {
		return series.ErrSeriesNotFound
	}
	return nil
}

// update applies fn to the row under SELECT ... FOR UPDATE and writes back the
// communication columns.
func (s *Store) update(ctx context.Context, id string, fn func(*series.Series) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + columns + ` FROM atcud_series WHERE id = $1 FOR UPDATE`
	sr, err := scanSeries(tx.QueryRow(ctx, q, id))
	if err != nil {
		return notFound(err, "lock series")
	}
	if err := fn(sr); err != nil {
		return err
	}

	const w = `
		UPDATE atcud_series
		SET validation_code = $2, is_communicated = $3, last_error = $4, updated_at = $5
		WHERE id = $1`
	if _, err := tx.Exec(ctx, w, id, sr.ValidationCode, sr.IsCommunicated, sr.LastError, sr.UpdatedAt); err != nil {
		return errors.Wrap(err, "update series")
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (s *Store) missingOr(ctx context.Context, id string, err error) error {
	var exists bool
	if qerr := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM atcud_series WHERE id = $1)`, id).Scan(&exists); qerr != nil {
		return errors.Wrap(qerr, "check series")
	}
	if !exists {
		return series.ErrSeriesNotFound
	}
	return err
}

// pgxScanner covers pgx.Row and pgx.Rows.
type pgxScanner interface {
	Scan(dest ...any) error
}

func scanSeries(row pgxScanner) (*series.Series, error) {
	var (
		sr                  series.Series
		docType, seriesType string
		status              string
		current             int64
		lastAttempt         *time.Time
	)
	err := row.Scan(
		&sr.ID, &sr.LegalEntity, &sr.Prefix, &docType, &seriesType, &sr.StartDate,
		&current, &sr.ValidationCode, &sr.FallbackCode, &sr.IsCommunicated,
		&sr.CommunicationAttempts, &lastAttempt, &sr.LastError, &status,
		&sr.CreatedAt, &sr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sr.DocumentType = series.DocumentType(docType)
	sr.Type = series.Type(seriesType)
	sr.Status = series.Status(status)
	sr.CurrentSequence = uint64(current)
	sr.StartDate = sr.StartDate.UTC()
	if lastAttempt != nil {
		sr.LastCommunicationAttempt = lastAttempt.UTC()
	}
	return &sr, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return series.ErrSeriesNotFound
	}
	return errors.Wrap(err, what)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "23505")
}
