// Package sources contains one site adapter per supported source. Each
// adapter owns its pagination convention and field extraction; the
// orchestrator never inspects source-specific structure.
package sources

import (
	"fmt"
	"sort"
	"strings"

	"github.com/torrhive/harvester/internal/harvest"
)

// Options tune a single adapter instance.
type Options struct {
	// BaseURL overrides the source's default endpoint (used in tests and
	// for mirrors).
	BaseURL string
	// NeedsBrowser routes this source's fetches through the headless
	// renderer.
	NeedsBrowser bool
}

// Registry maps source names to adapter instances.
type Registry struct {
	adapters map[string]harvest.Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...harvest.Adapter) *Registry {
	r := &Registry{adapters: make(map[string]harvest.Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[strings.ToLower(a.Name())] = a
	}
	return r
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (harvest.Adapter, error) {
	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	return a, nil
}

// Names lists registered sources in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultBaseURLs lists the builtin endpoints keyed by source name, for
// callers that need the hosts before any task exists (rate-limit
// overrides at startup).
func DefaultBaseURLs() map[string]string {
	return map[string]string{
		"apibay": apibayDefaultBaseURL,
		"nyaa":   nyaaDefaultBaseURL,
		"eztv":   eztvDefaultBaseURL,
	}
}

// Default returns the registry of built-in adapters.
func Default() *Registry {
	return NewRegistry(
		NewApibay(Options{}),
		NewNyaa(Options{}),
		NewEztv(Options{}),
	)
}
