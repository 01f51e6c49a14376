// Package dedup filters records whose fingerprint was already ingested.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torrhive/harvester/internal/harvest"
)

// Store persists fingerprint sightings. Implementations must make Upsert
// atomic per fingerprint so concurrent writers cannot lose a sighting.
type Store interface {
	Lookup(ctx context.Context, fingerprints []string) (map[string]harvest.DedupEntry, error)
	Upsert(ctx context.Context, fingerprints []string, seenAt time.Time) error
	Close()
}

// Index decides which records are new enough to ingest. A zero window
// means a fingerprint is a duplicate forever; a positive window lets a
// record be re-ingested once its last sighting is older than the window.
//
// FilterNew claims the fingerprints it returns, so concurrent batches
// from other sources see them as duplicates while the sink submission is
// in flight. A claim is resolved by MarkSeen (promoted to the store) or
// Release (abandoned after a failed batch); the index mutex serializes
// claims with store reads and writes so no two batches can both decide
// the same fingerprint is new.
type Index struct {
	store  Store
	window time.Duration
	clock  harvest.Clock
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewIndex creates an Index over the given store.
func NewIndex(store Store, window time.Duration, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		store:   store,
		window:  window,
		clock:   harvest.SystemClock{},
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// WithClock replaces the clock, for tests.
func (i *Index) WithClock(clock harvest.Clock) *Index {
	i.clock = clock
	return i
}

// FilterNew splits a batch into records to ingest and a duplicate count,
// claiming the fingerprints of the returned records. A fingerprint
// repeated within the batch, claimed by a concurrent batch, or known to
// the store counts as a duplicate. Store errors fail the whole call; the
// caller treats that as a transient pipeline error, not as data loss.
func (i *Index) FilterNew(ctx context.Context, records []harvest.CanonicalRecord) ([]harvest.CanonicalRecord, int, error) {
	if len(records) == 0 {
		return nil, 0, nil
	}

	fingerprints := make([]string, len(records))
	for idx, rec := range records {
		fingerprints[idx] = harvest.Fingerprint(rec)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	known, err := i.store.Lookup(ctx, fingerprints)
	if err != nil {
		return nil, 0, fmt.Errorf("dedup lookup: %w", err)
	}

	now := i.clock.Now()
	fresh := make([]harvest.CanonicalRecord, 0, len(records))
	duplicates := 0
	for idx, rec := range records {
		fp := fingerprints[idx]
		if _, claimed := i.pending[fp]; claimed {
			duplicates++
			continue
		}
		if entry, ok := known[fp]; ok && !i.expired(now, entry) {
			duplicates++
			continue
		}
		i.pending[fp] = struct{}{}
		fresh = append(fresh, rec)
	}

	if duplicates > 0 {
		i.logger.Debug("filtered duplicate records",
			zap.Int("batch", len(records)),
			zap.Int("duplicates", duplicates))
	}
	return fresh, duplicates, nil
}

// MarkSeen promotes claims to store sightings for the given records. It
// is called only after the sink accepted the batch, so a crash between
// submit and mark re-ingests rather than silently drops. On a store
// error the claims stay held and the caller is expected to Release them.
func (i *Index) MarkSeen(ctx context.Context, records []harvest.CanonicalRecord) error {
	if len(records) == 0 {
		return nil
	}
	fingerprints := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		fp := harvest.Fingerprint(rec)
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		fingerprints = append(fingerprints, fp)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.store.Upsert(ctx, fingerprints, i.clock.Now()); err != nil {
		return fmt.Errorf("dedup mark seen: %w", err)
	}
	for _, fp := range fingerprints {
		delete(i.pending, fp)
	}
	return nil
}

// Release abandons the claims FilterNew made for records that were not
// delivered, so a later batch may try them again.
func (i *Index) Release(records []harvest.CanonicalRecord) {
	if len(records) == 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, rec := range records {
		delete(i.pending, harvest.Fingerprint(rec))
	}
}

func (i *Index) expired(now time.Time, entry harvest.DedupEntry) bool {
	if i.window <= 0 {
		return false
	}
	return now.Sub(entry.LastSeenAt) >= i.window
}
