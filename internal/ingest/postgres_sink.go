package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/torrhive/harvester/internal/harvest"
)

// PostgresSinkConfig controls the Postgres connection pool used for
// torrent rows and the batch retry policy.
type PostgresSinkConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Backoff         harvest.Backoff
}

type sinkPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// PostgresSink upserts canonical records directly into Postgres. Records
// with an info hash conflict on it; magnet-only records conflict on the
// magnet link. Metadata columns are refreshed on every sighting. A batch
// that keeps hitting database errors is retried whole with the shared
// backoff policy, then archived for replay.
type PostgresSink struct {
	pool    sinkPool
	backoff harvest.Backoff
	archive harvest.BlobStore
	logger  *zap.Logger
}

// NewPostgresSink creates a Postgres-backed sink using the provided
// config. archive may be nil, in which case exhausted batches are only
// logged.
func NewPostgresSink(ctx context.Context, cfg PostgresSinkConfig, archive harvest.BlobStore, logger *zap.Logger) (*PostgresSink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sink.dsn is required")
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
	return newPostgresSink(pool, cfg.Backoff, archive, logger), nil
}

// NewPostgresSinkWithPool constructs a sink from an existing pool
// (primarily for testing).
func NewPostgresSinkWithPool(pool sinkPool, backoff harvest.Backoff, archive harvest.BlobStore, logger *zap.Logger) (*PostgresSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newPostgresSink(pool, backoff, archive, logger), nil
}

func newPostgresSink(pool sinkPool, backoff harvest.Backoff, archive harvest.BlobStore, logger *zap.Logger) *PostgresSink {
	if backoff.MaxAttempts <= 0 {
		backoff = harvest.DefaultBackoff()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSink{pool: pool, backoff: backoff, archive: archive, logger: logger}
}

// EnsureSchema creates the torrent tables when they do not exist yet.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS categories (
	id SERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS torrents (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	source_name TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	magnet_link TEXT,
	info_hash TEXT,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	seeders INT NOT NULL DEFAULT 0,
	leechers INT NOT NULL DEFAULT 0,
	category_id INT REFERENCES categories(id),
	poster_url TEXT NOT NULL DEFAULT '',
	files JSONB NOT NULL DEFAULT '[]',
	trackers JSONB NOT NULL DEFAULT '[]',
	first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS torrents_info_hash_key ON torrents (info_hash) WHERE info_hash <> '';
CREATE UNIQUE INDEX IF NOT EXISTS torrents_magnet_key ON torrents (magnet_link) WHERE info_hash = ''`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure sink schema: %w", err)
	}
	return nil
}

// SubmitBatch implements harvest.Sink. Invalid records are reported in
// the result and never fail the batch. Database errors retry the whole
// batch with backoff, which is safe because writes are idempotent; an
// exhausted batch is archived and reported as a transient failure.
func (s *PostgresSink) SubmitBatch(ctx context.Context, records []harvest.CanonicalRecord) (harvest.BatchResult, error) {
	if len(records) == 0 {
		return harvest.BatchResult{}, nil
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := s.submitOnce(ctx, records)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if s.backoff.Exhausted(attempt) {
			break
		}
		s.logger.Warn("batch write failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("records", len(records)),
			zap.Error(err))
		if err := harvest.Sleep(ctx, s.backoff.Delay(attempt)); err != nil {
			return harvest.BatchResult{}, &harvest.SinkError{Transient: true, Err: err}
		}
	}

	if body, err := json.Marshal(BatchEnvelope{Records: records}); err == nil {
		archiveFailedBatch(ctx, s.archive, s.logger, body)
	}
	return harvest.BatchResult{}, &harvest.SinkError{Transient: true, Err: fmt.Errorf("batch write exhausted retries: %w", lastErr)}
}

func (s *PostgresSink) submitOnce(ctx context.Context, records []harvest.CanonicalRecord) (harvest.BatchResult, error) {
	result := harvest.BatchResult{}
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			result.Rejected = append(result.Rejected, harvest.BatchRejection{Record: rec, Reason: err.Error()})
			continue
		}
		categoryID, err := s.categoryID(ctx, rec.CategoryName)
		if err != nil {
			return result, &harvest.SinkError{Transient: true, Err: err}
		}
		if err := s.upsert(ctx, rec, categoryID); err != nil {
			return result, &harvest.SinkError{Transient: true, Err: err}
		}
		result.Accepted++
	}
	if len(result.Rejected) > 0 {
		s.logger.Info("sink rejected records",
			zap.Int("accepted", result.Accepted),
			zap.Int("rejected", len(result.Rejected)))
	}
	return result, nil
}

func (s *PostgresSink) categoryID(ctx context.Context, name string) (int, error) {
	if name == "" {
		name = "Other"
	}
	var id int
	err := s.pool.QueryRow(ctx, `
INSERT INTO categories (name) VALUES ($1)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolve category %q: %w", name, err)
	}
	return id, nil
}

func (s *PostgresSink) upsert(ctx context.Context, rec harvest.CanonicalRecord, categoryID int) error {
	filesJSON, err := json.Marshal(rec.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	trackersJSON, err := json.Marshal(rec.Trackers)
	if err != nil {
		return fmt.Errorf("marshal trackers: %w", err)
	}

	conflict := `(info_hash) WHERE info_hash <> ''`
	if rec.InfoHash == "" {
		conflict = `(magnet_link) WHERE info_hash = ''`
	}
	query := fmt.Sprintf(`
INSERT INTO torrents (
	source_name, title, description, magnet_link, info_hash,
	size_bytes, seeders, leechers, category_id, poster_url,
	files, trackers, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
ON CONFLICT %s DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	size_bytes = EXCLUDED.size_bytes,
	seeders = EXCLUDED.seeders,
	leechers = EXCLUDED.leechers,
	category_id = EXCLUDED.category_id,
	poster_url = EXCLUDED.poster_url,
	files = EXCLUDED.files,
	trackers = EXCLUDED.trackers,
	updated_at = now()`, conflict)

	args := []any{
		rec.SourceName,
		rec.Title,
		rec.Description,
		rec.MagnetLink,
		rec.InfoHash,
		rec.SizeBytes,
		rec.Seeders,
		rec.Leechers,
		categoryID,
		rec.PosterURL,
		filesJSON,
		trackersJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert torrent: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostgresSink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
