// Package fetch implements the rate-limited, retrying page fetcher.
package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/torrhive/harvester/internal/metrics"
)

// HostGate enforces a minimum inter-request delay per host. Concurrent
// callers hitting the same host are serialized by the underlying token
// bucket, so two requests are never issued closer together than the
// configured delay.
type HostGate struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	delays       map[string]time.Duration
	defaultDelay time.Duration
}

// NewHostGate builds a gate with the given default inter-request delay.
// A non-positive delay disables throttling for hosts without overrides.
func NewHostGate(defaultDelay time.Duration) *HostGate {
	return &HostGate{
		limiters:     make(map[string]*rate.Limiter),
		delays:       make(map[string]time.Duration),
		defaultDelay: defaultDelay,
	}
}

// SetHostDelay overrides the minimum delay for one host. It must be
// called before the first request to that host takes effect.
func (g *HostGate) SetHostDelay(host string, delay time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delays[strings.ToLower(host)] = delay
	delete(g.limiters, strings.ToLower(host))
}

// Wait blocks until the host's next request slot is available or the
// context ends. It returns the delay actually introduced.
func (g *HostGate) Wait(ctx context.Context, rawURL string) (time.Duration, error) {
	host := hostOf(rawURL)

	g.mu.Lock()
	limiter, ok := g.limiters[host]
	if !ok {
		delay := g.defaultDelay
		if override, hasOverride := g.delays[host]; hasOverride {
			delay = override
		}
		limit := rate.Inf
		if delay > 0 {
			limit = rate.Every(delay)
		}
		limiter = rate.NewLimiter(limit, 1)
		g.limiters[host] = limiter
	}
	g.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("host gate wait: %w", err)
	}
	waited := time.Since(start)
	if waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return waited, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
