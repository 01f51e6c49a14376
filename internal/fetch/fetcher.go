package fetch

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/torrhive/harvester/internal/harvest"
	"github.com/torrhive/harvester/internal/metrics"
)

// Renderer produces a DOM snapshot for sources whose listings require
// JavaScript. Implemented by ChromedpRenderer.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (harvest.RawPage, error)
}

// Config controls Fetcher behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxInFlight int
	Backoff     harvest.Backoff
}

// Fetcher issues HTTP GETs through a shared colly collector, honoring a
// per-host politeness gate, a global in-flight cap, and the shared
// backoff policy for transient failures.
type Fetcher struct {
	base     *colly.Collector
	gate     *HostGate
	renderer Renderer
	slots    chan struct{}
	backoff  harvest.Backoff
	clock    harvest.Clock
	logger   *zap.Logger
}

// New constructs a Fetcher. renderer may be nil; tasks flagged
// NeedsBrowser then fail permanently instead of silently degrading.
func New(cfg Config, gate *HostGate, renderer Renderer, clock harvest.Clock, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "torrhive-harvester/0.1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 2
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = harvest.DefaultBackoff()
	}
	if clock == nil {
		clock = harvest.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
	)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		MaxConnsPerHost:       cfg.MaxInFlight * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		base:     base,
		gate:     gate,
		renderer: renderer,
		slots:    make(chan struct{}, cfg.MaxInFlight),
		backoff:  cfg.Backoff,
		clock:    clock,
		logger:   logger,
	}
}

// Fetch retrieves the task's URL. Transient failures (network errors,
// timeouts, 5xx, 429) are retried with jittered exponential backoff;
// other 4xx and unusable content types fail immediately. The in-flight
// slot is held per attempt, never across a backoff wait, so a retrying
// fetch does not starve other sources.
func (f *Fetcher) Fetch(ctx context.Context, task harvest.FetchTask) (harvest.RawPage, error) {
	var lastErr error
	lastStatus := 0
	for attempt := 1; ; attempt++ {
		task.Attempt = attempt

		page, err := f.attempt(ctx, task)
		var terminal *harvest.FetchError
		if errors.As(err, &terminal) {
			return harvest.RawPage{}, terminal
		}
		metrics.ObservePageFetch(task.SourceName, page.StatusCode, page.Duration)
		if err == nil && page.StatusCode >= 200 && page.StatusCode < 300 {
			if ctErr := usableContentType(page.Headers); ctErr != nil {
				return harvest.RawPage{}, &harvest.FetchError{
					URL: task.URL, StatusCode: page.StatusCode, Transient: false, Attempts: attempt, Err: ctErr,
				}
			}
			page.SourceName = task.SourceName
			page.FetchedAt = f.clock.Now()
			return page, nil
		}

		transient := false
		switch {
		case err != nil:
			transient = harvest.TransientError(err)
			lastErr = err
			lastStatus = 0
		default:
			transient = harvest.TransientStatus(page.StatusCode)
			lastErr = errors.New(http.StatusText(page.StatusCode))
			lastStatus = page.StatusCode
		}

		if !transient || f.backoff.Exhausted(attempt) {
			return harvest.RawPage{}, &harvest.FetchError{
				URL: task.URL, StatusCode: lastStatus, Transient: transient, Attempts: attempt, Err: lastErr,
			}
		}

		delay := f.backoff.Delay(attempt)
		task.NextEligible = f.clock.Now().Add(delay)
		f.logger.Debug("retrying fetch",
			zap.String("source", task.SourceName),
			zap.String("url", task.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(lastErr),
		)
		if err := harvest.Sleep(ctx, delay); err != nil {
			return harvest.RawPage{}, &harvest.FetchError{URL: task.URL, Transient: false, Attempts: attempt, Err: err}
		}
	}
}

// attempt runs one fetch under an in-flight slot and the host gate. Slot
// and gate failures come back as terminal FetchErrors.
func (f *Fetcher) attempt(ctx context.Context, task harvest.FetchTask) (harvest.RawPage, error) {
	release, err := f.acquireSlot(ctx)
	if err != nil {
		return harvest.RawPage{}, &harvest.FetchError{URL: task.URL, Transient: false, Attempts: task.Attempt, Err: err}
	}
	defer release()

	if _, err := f.gate.Wait(ctx, task.URL); err != nil {
		return harvest.RawPage{}, &harvest.FetchError{URL: task.URL, Transient: false, Attempts: task.Attempt, Err: err}
	}
	return f.fetchOnce(ctx, task)
}

func (f *Fetcher) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case f.slots <- struct{}{}:
		return func() { <-f.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, task harvest.FetchTask) (harvest.RawPage, error) {
	if task.NeedsBrowser {
		if f.renderer == nil {
			return harvest.RawPage{}, &harvest.FetchError{
				URL: task.URL, Transient: false, Attempts: task.Attempt,
				Err: errors.New("source requires browser rendering but no renderer is configured"),
			}
		}
		start := time.Now()
		page, err := f.renderer.Render(ctx, task.URL)
		page.Duration = time.Since(start)
		return page, err
	}
	return f.collyFetch(ctx, task.URL)
}

type fetchResult struct {
	page harvest.RawPage
	err  error
}

func (f *Fetcher) collyFetch(ctx context.Context, rawURL string) (harvest.RawPage, error) {
	collector := f.base.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			for k, v := range *r.Headers {
				cp := make([]string, len(v))
				copy(cp, v)
				headers[k] = cp
			}
		}
		send(fetchResult{page: harvest.RawPage{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte{}, r.Body...),
			Duration:   time.Since(start),
		}})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			// Non-2xx responses arrive here; surface the status so the
			// retry loop can classify it.
			send(fetchResult{page: harvest.RawPage{
				URL:        rawURL,
				StatusCode: r.StatusCode,
				Duration:   time.Since(start),
			}})
			return
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(fetchResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return harvest.RawPage{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return harvest.RawPage{}, err
		}
		return res.page, res.err
	default:
		return harvest.RawPage{}, errors.New("colly fetch produced no result")
	}
}

// usableContentType rejects responses whose Content-Type header cannot
// be parsed or names a clearly non-textual payload.
func usableContentType(headers http.Header) error {
	ct := headers.Get("Content-Type")
	if ct == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return errors.New("malformed content type: " + ct)
	}
	switch {
	case mediaType == "application/json",
		mediaType == "application/xml",
		mediaType == "application/rss+xml",
		len(mediaType) >= 5 && mediaType[:5] == "text/":
		return nil
	}
	return errors.New("unsupported content type: " + mediaType)
}
