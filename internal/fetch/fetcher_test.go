package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/torrhive/harvester/internal/harvest"
)

func testFetcher(t *testing.T, backoff harvest.Backoff, gate *HostGate) *Fetcher {
	t.Helper()
	if gate == nil {
		gate = NewHostGate(0)
	}
	return New(Config{
		UserAgent:   "harvester-test/0.0",
		Timeout:     5 * time.Second,
		MaxInFlight: 2,
		Backoff:     backoff,
	}, gate, nil, harvest.SystemClock{}, zap.NewNop())
}

func fastBackoff() harvest.Backoff {
	return harvest.Backoff{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>listing</html>"))
	}))
	defer srv.Close()

	f := testFetcher(t, fastBackoff(), nil)
	page, err := f.Fetch(context.Background(), harvest.FetchTask{SourceName: "testsite", URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, "testsite", page.SourceName)
	require.Contains(t, string(page.Body), "listing")
	require.False(t, page.FetchedAt.IsZero())
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := testFetcher(t, fastBackoff(), nil)
	page, err := f.Fetch(context.Background(), harvest.FetchTask{SourceName: "testsite", URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.EqualValues(t, 3, hits.Load())
}

func TestFetchExhaustsRetriesOnPersistent5xx(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := testFetcher(t, fastBackoff(), nil)
	_, err := f.Fetch(context.Background(), harvest.FetchTask{SourceName: "testsite", URL: srv.URL})
	require.Error(t, err)

	var fe *harvest.FetchError
	require.True(t, errors.As(err, &fe))
	require.True(t, fe.Transient, "exhausted 5xx stays classified transient")
	require.Equal(t, 3, fe.Attempts)
	require.Equal(t, http.StatusBadGateway, fe.StatusCode)
	require.EqualValues(t, 3, hits.Load())
}

func TestFetchDoesNotRetryPermanent4xx(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := testFetcher(t, fastBackoff(), nil)
	_, err := f.Fetch(context.Background(), harvest.FetchTask{SourceName: "testsite", URL: srv.URL})
	require.Error(t, err)

	var fe *harvest.FetchError
	require.True(t, errors.As(err, &fe))
	require.False(t, fe.Transient)
	require.Equal(t, 1, fe.Attempts)
	require.EqualValues(t, 1, hits.Load())
}

func TestFetchRetries429(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := testFetcher(t, fastBackoff(), nil)
	page, err := f.Fetch(context.Background(), harvest.FetchTask{SourceName: "testsite", URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.EqualValues(t, 2, hits.Load())
}

func TestFetchRejectsUnusableContentType(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte{0x1f, 0x8b})
	}))
	defer srv.Close()

	f := testFetcher(t, fastBackoff(), nil)
	_, err := f.Fetch(context.Background(), harvest.FetchTask{SourceName: "testsite", URL: srv.URL})
	require.Error(t, err)

	var fe *harvest.FetchError
	require.True(t, errors.As(err, &fe))
	require.False(t, fe.Transient)
}

func TestFetchBrowserTaskWithoutRendererFailsPermanently(t *testing.T) {
	t.Parallel()

	f := testFetcher(t, fastBackoff(), nil)
	_, err := f.Fetch(context.Background(), harvest.FetchTask{
		SourceName:   "jsSite",
		URL:          "https://js.example/listing",
		NeedsBrowser: true,
	})
	require.Error(t, err)

	var fe *harvest.FetchError
	require.True(t, errors.As(err, &fe))
	require.False(t, fe.Transient)
	require.Equal(t, 1, fe.Attempts)
}

func TestFetchHonorsHostGateAcrossSequentialCalls(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	gate := NewHostGate(100 * time.Millisecond)
	f := testFetcher(t, fastBackoff(), gate)

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := f.Fetch(context.Background(), harvest.FetchTask{SourceName: "testsite", URL: srv.URL})
		require.NoError(t, err)
	}
	// Four inter-request gaps at 100ms minimum each.
	require.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestFetchBackoffDoesNotHoldTheFetchSlot(t *testing.T) {
	t.Parallel()

	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer flaky.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("ok"))
	}))
	defer healthy.Close()

	// One slot, long backoff: the retrying fetch must release it while it
	// sleeps or the healthy fetch stalls for the whole backoff window.
	f := New(Config{
		MaxInFlight: 1,
		Backoff:     harvest.Backoff{MaxAttempts: 3, BaseDelay: 300 * time.Millisecond, MaxDelay: 300 * time.Millisecond},
	}, NewHostGate(0), nil, harvest.SystemClock{}, zap.NewNop())

	go func() {
		_, _ = f.Fetch(context.Background(), harvest.FetchTask{SourceName: "flakysite", URL: flaky.URL})
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	page, err := f.Fetch(context.Background(), harvest.FetchTask{SourceName: "testsite", URL: healthy.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestFetchErrorDropsStaleStatusAfterNetworkFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	defer srv.Close()

	f := testFetcher(t, harvest.Backoff{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)
	_, err := f.Fetch(context.Background(), harvest.FetchTask{SourceName: "testsite", URL: srv.URL})
	require.Error(t, err)

	var fe *harvest.FetchError
	require.True(t, errors.As(err, &fe))
	require.Zero(t, fe.StatusCode, "a 500 from an earlier attempt must not label a network failure")
	require.EqualValues(t, 2, hits.Load())
}

func TestFetchContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := testFetcher(t, harvest.Backoff{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second}, nil)
	_, err := f.Fetch(ctx, harvest.FetchTask{SourceName: "testsite", URL: srv.URL})
	require.Error(t, err)
}
