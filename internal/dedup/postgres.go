package dedup

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/torrhive/harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStoreConfig controls the Postgres connection pool used for
// fingerprint rows.
type PostgresStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dedupPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// PostgresStore keeps fingerprint sightings in Postgres.
type PostgresStore struct {
	pool  dedupPool
	table string
}

// NewPostgresStore creates a Postgres-backed Store using the provided config.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dedup.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "seen_fingerprints"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool dedupPool, table string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "seen_fingerprints"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the fingerprint table when it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	fingerprint TEXT PRIMARY KEY,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure dedup schema: %w", err)
	}
	return nil
}

// Lookup implements Store.
func (s *PostgresStore) Lookup(ctx context.Context, fingerprints []string) (map[string]harvest.DedupEntry, error) {
	if len(fingerprints) == 0 {
		return map[string]harvest.DedupEntry{}, nil
	}
	query := fmt.Sprintf(
		`SELECT fingerprint, first_seen_at, last_seen_at FROM %s WHERE fingerprint = ANY($1)`, s.table)
	rows, err := s.pool.Query(ctx, query, fingerprints)
	if err != nil {
		return nil, fmt.Errorf("select fingerprints: %w", err)
	}
	defer rows.Close()

	found := make(map[string]harvest.DedupEntry, len(fingerprints))
	for rows.Next() {
		var entry harvest.DedupEntry
		if err := rows.Scan(&entry.Fingerprint, &entry.FirstSeenAt, &entry.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan fingerprint row: %w", err)
		}
		found[entry.Fingerprint] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read fingerprint rows: %w", err)
	}
	return found, nil
}

// Upsert implements Store. One statement per batch keeps the update
// atomic per fingerprint; last_seen_at never moves backwards.
func (s *PostgresStore) Upsert(ctx context.Context, fingerprints []string, seenAt time.Time) error {
	if len(fingerprints) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (fingerprint, first_seen_at, last_seen_at)
SELECT fp, $2, $2 FROM unnest($1::text[]) AS fp
ON CONFLICT (fingerprint)
DO UPDATE SET last_seen_at = GREATEST(%s.last_seen_at, EXCLUDED.last_seen_at)`, s.table, s.table)
	if _, err := s.pool.Exec(ctx, query, fingerprints, seenAt); err != nil {
		return fmt.Errorf("upsert fingerprints: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
