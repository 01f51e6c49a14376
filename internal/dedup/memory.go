package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/torrhive/harvester/internal/harvest"
)

// MemoryStore is an in-process Store. Sightings do not survive a restart,
// so it is only suitable for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]harvest.DedupEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]harvest.DedupEntry)}
}

// Lookup implements Store.
func (m *MemoryStore) Lookup(_ context.Context, fingerprints []string) (map[string]harvest.DedupEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[string]harvest.DedupEntry, len(fingerprints))
	for _, fp := range fingerprints {
		if entry, ok := m.entries[fp]; ok {
			found[fp] = entry
		}
	}
	return found, nil
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, fingerprints []string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fp := range fingerprints {
		entry, ok := m.entries[fp]
		if !ok {
			entry = harvest.DedupEntry{Fingerprint: fp, FirstSeenAt: seenAt}
		}
		if seenAt.After(entry.LastSeenAt) {
			entry.LastSeenAt = seenAt
		}
		m.entries[fp] = entry
	}
	return nil
}

// Len reports how many fingerprints are tracked.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close implements Store.
func (m *MemoryStore) Close() {}
