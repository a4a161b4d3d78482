package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps the cache record in a timetable_cache table, one row
// per source URL. The upsert is a single statement, so a failed save leaves
// the previous row untouched.
type PostgresStore struct {
	db        *sql.DB
	sourceURL string
	logger    *zap.Logger
}

func NewPostgresStore(ctx context.Context, dsn, sourceURL string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, &StorageError{Op: "init", Err: err}
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &PostgresStore{db: db, sourceURL: sourceURL, logger: logger}
	if err := s.ping(ctx); err != nil {
		db.Close()
		return nil, &StorageError{Op: "init", Err: err}
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS timetable_cache (
    source_url         TEXT PRIMARY KEY,
    fingerprint_scheme TEXT NOT NULL,
    fingerprint_value  TEXT NOT NULL,
    fetched_at         TIMESTAMPTZ NOT NULL,
    record             JSONB NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return &StorageError{Op: "init", Err: err}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (*Record, error) {
	const q = `SELECT record FROM timetable_cache WHERE source_url = $1`

	var data []byte
	err := s.db.QueryRowContext(ctx, q, s.sourceURL).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}
	if rec.Version != recordVersion {
		return nil, &StorageError{Op: "load",
			Err: fmt.Errorf("unsupported record version %d", rec.Version)}
	}
	return &rec, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	const q = `
INSERT INTO timetable_cache (source_url, fingerprint_scheme, fingerprint_value, fetched_at, record)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (source_url) DO UPDATE SET
    fingerprint_scheme = EXCLUDED.fingerprint_scheme,
    fingerprint_value  = EXCLUDED.fingerprint_value,
    fetched_at         = EXCLUDED.fetched_at,
    record             = EXCLUDED.record`

	_, err = s.db.ExecContext(ctx, q,
		s.sourceURL, string(rec.Fingerprint.Scheme), rec.Fingerprint.Value, rec.FetchedAt, data)
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	s.logger.Debug("stored cache record",
		zap.String("source_url", s.sourceURL),
		zap.String("fingerprint", rec.Fingerprint.String()),
	)
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
