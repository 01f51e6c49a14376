// Package ingest delivers canonical records to downstream storage.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torrhive/harvester/internal/harvest"
)

// BatchEnvelope is the request body accepted by the ingestion endpoint.
type BatchEnvelope struct {
	Records []harvest.CanonicalRecord `json:"records"`
}

// HTTPSinkConfig configures the HTTP ingestion client.
type HTTPSinkConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	Backoff  harvest.Backoff
}

// HTTPSink posts batches to a remote ingestion API. Batches are retried
// as a whole on transient failures; an exhausted batch is archived so it
// can be replayed by hand.
type HTTPSink struct {
	cfg     HTTPSinkConfig
	client  *http.Client
	archive harvest.BlobStore
	logger  *zap.Logger
}

// NewHTTPSink constructs the sink. archive may be nil, in which case
// exhausted batches are only logged.
func NewHTTPSink(cfg HTTPSinkConfig, archive harvest.BlobStore, logger *zap.Logger) (*HTTPSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("sink endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = harvest.DefaultBackoff()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSink{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		archive: archive,
		logger:  logger,
	}, nil
}

// SubmitBatch implements harvest.Sink.
func (s *HTTPSink) SubmitBatch(ctx context.Context, records []harvest.CanonicalRecord) (harvest.BatchResult, error) {
	if len(records) == 0 {
		return harvest.BatchResult{}, nil
	}
	body, err := json.Marshal(BatchEnvelope{Records: records})
	if err != nil {
		return harvest.BatchResult{}, &harvest.SinkError{Err: fmt.Errorf("encode batch: %w", err)}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := s.post(ctx, body)
		if err == nil {
			return result, nil
		}
		var sinkErr *harvest.SinkError
		if errors.As(err, &sinkErr) && !sinkErr.Transient {
			return harvest.BatchResult{}, err
		}
		lastErr = err
		if s.cfg.Backoff.Exhausted(attempt) {
			break
		}
		s.logger.Warn("batch submit failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("records", len(records)),
			zap.Error(err))
		if err := harvest.Sleep(ctx, s.cfg.Backoff.Delay(attempt)); err != nil {
			return harvest.BatchResult{}, &harvest.SinkError{Transient: true, Err: err}
		}
	}

	archiveFailedBatch(ctx, s.archive, s.logger, body)
	return harvest.BatchResult{}, &harvest.SinkError{Transient: true, Err: fmt.Errorf("batch submit exhausted retries: %w", lastErr)}
}

func (s *HTTPSink) post(ctx context.Context, body []byte) (harvest.BatchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return harvest.BatchResult{}, &harvest.SinkError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return harvest.BatchResult{}, &harvest.SinkError{Transient: harvest.TransientError(err), Err: fmt.Errorf("post batch: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return harvest.BatchResult{}, &harvest.SinkError{
			Transient: harvest.TransientStatus(resp.StatusCode),
			Err:       fmt.Errorf("ingestion endpoint returned %d", resp.StatusCode),
		}
	}

	var result harvest.BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return harvest.BatchResult{}, &harvest.SinkError{Transient: true, Err: fmt.Errorf("decode batch result: %w", err)}
	}
	return result, nil
}

// archiveFailedBatch writes an exhausted batch body to the blob store so
// it can be replayed by hand. Shared by every sink with an archive.
func archiveFailedBatch(ctx context.Context, store harvest.BlobStore, logger *zap.Logger, body []byte) {
	if store == nil {
		logger.Error("dropping exhausted batch, no archive configured", zap.Int("bytes", len(body)))
		return
	}
	path := fmt.Sprintf("failed-batches/%s/%s.json", time.Now().UTC().Format("2006-01-02"), uuid.NewString())
	uri, err := store.PutObject(ctx, path, "application/json", body)
	if err != nil {
		logger.Error("failed to archive exhausted batch", zap.Error(err))
		return
	}
	logger.Warn("archived exhausted batch for replay", zap.String("uri", uri))
}
