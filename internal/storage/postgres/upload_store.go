// Package postgres provides the Postgres-backed upload store used by the
// collector service.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/navtrack/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// UploadStoreConfig controls the Postgres connection pool used for uploads.
type UploadStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// UploadStore persists received uploads keyed by upload ID.
type UploadStore struct {
	pool  pool
	table string
}

// NewUploadStore connects to Postgres using cfg.
func NewUploadStore(ctx context.Context, cfg UploadStoreConfig) (*UploadStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("server.database_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewUploadStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewUploadStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewUploadStoreWithPool(p pool, table string) (*UploadStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "uploads"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &UploadStore{pool: p, table: table}, nil
}

// EnsureSchema creates the uploads table when it does not exist.
func (s *UploadStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	upload_id   TEXT PRIMARY KEY,
	test_id     TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	spec_file   TEXT NOT NULL,
	test_name   TEXT NOT NULL,
	navigations INTEGER NOT NULL,
	payload     JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create uploads table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *UploadStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveUpload inserts u. A conflicting upload ID leaves the first row in
// place and reports duplicate.
func (s *UploadStore) SaveUpload(ctx context.Context, u storage.Upload) (bool, error) {
	if u.UploadID == "" {
		return false, fmt.Errorf("upload id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	upload_id,
	test_id,
	session_id,
	spec_file,
	test_name,
	navigations,
	payload,
	received_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
) ON CONFLICT (upload_id) DO NOTHING`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		u.UploadID,
		u.TestID,
		u.SessionID,
		u.SpecFile,
		u.TestName,
		u.Navigations,
		[]byte(u.Payload),
		u.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert upload: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

// GetUpload loads a stored upload by ID.
func (s *UploadStore) GetUpload(ctx context.Context, uploadID string) (storage.Upload, error) {
	query := fmt.Sprintf(`
SELECT upload_id, test_id, session_id, spec_file, test_name, navigations, payload, received_at
FROM %s WHERE upload_id = $1`, s.table)

	var (
		u       storage.Upload
		payload []byte
	)
	err := s.pool.QueryRow(ctx, query, uploadID).Scan(
		&u.UploadID,
		&u.TestID,
		&u.SessionID,
		&u.SpecFile,
		&u.TestName,
		&u.Navigations,
		&payload,
		&u.ReceivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Upload{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Upload{}, fmt.Errorf("select upload: %w", err)
	}
	u.Payload = payload
	return u, nil
}
