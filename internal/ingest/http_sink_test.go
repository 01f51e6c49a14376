package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torrhive/harvester/internal/archive/memory"
	"github.com/torrhive/harvester/internal/harvest"
)

func testRecords() []harvest.CanonicalRecord {
	return []harvest.CanonicalRecord{
		{
			SourceName: "apibay",
			Title:      "Some Release",
			InfoHash:   "abcdef0123456789abcdef0123456789abcdef01",
			MagnetLink: "magnet:?xt=urn:btih:abcdef0123456789abcdef0123456789abcdef01",
		},
	}
}

func fastBackoff(attempts int) harvest.Backoff {
	return harvest.Backoff{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestHTTPSinkSubmitsBatch(t *testing.T) {
	t.Parallel()

	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-API-Key"))

		var envelope BatchEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		require.Len(t, envelope.Records, 1)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(harvest.BatchResult{Accepted: 1}) //nolint:errcheck
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL, APIKey: "secret", Backoff: fastBackoff(3)}, nil, nil)
	require.NoError(t, err)

	result, err := sink.SubmitBatch(context.Background(), testRecords())
	require.NoError(t, err)
	require.Equal(t, 1, result.Accepted)
	require.Equal(t, "secret", gotKey.Load())
}

func TestHTTPSinkRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(harvest.BatchResult{Accepted: 1}) //nolint:errcheck
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL, Backoff: fastBackoff(3)}, nil, nil)
	require.NoError(t, err)

	result, err := sink.SubmitBatch(context.Background(), testRecords())
	require.NoError(t, err)
	require.Equal(t, 1, result.Accepted)
	require.Equal(t, int32(3), hits.Load())
}

func TestHTTPSinkDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL, Backoff: fastBackoff(3)}, nil, nil)
	require.NoError(t, err)

	_, err = sink.SubmitBatch(context.Background(), testRecords())
	require.Error(t, err)

	var sinkErr *harvest.SinkError
	require.True(t, errors.As(err, &sinkErr))
	require.False(t, sinkErr.Transient)
	require.Equal(t, int32(1), hits.Load())
}

func TestHTTPSinkArchivesExhaustedBatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	archive := memory.NewBlobStore()
	sink, err := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL, Backoff: fastBackoff(2)}, archive, nil)
	require.NoError(t, err)

	_, err = sink.SubmitBatch(context.Background(), testRecords())
	require.Error(t, err)

	var sinkErr *harvest.SinkError
	require.True(t, errors.As(err, &sinkErr))
	require.True(t, sinkErr.Transient)
	require.Equal(t, 1, archive.Len(), "exhausted batch must be archived for replay")
}

func TestHTTPSinkEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	sink, err := NewHTTPSink(HTTPSinkConfig{Endpoint: "http://127.0.0.1:1"}, nil, nil)
	require.NoError(t, err)

	result, err := sink.SubmitBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, result.Accepted)
}
