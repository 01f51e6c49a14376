package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torrhive/harvester/internal/harvest"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func record(title, hash string) harvest.CanonicalRecord {
	return harvest.CanonicalRecord{
		SourceName: "apibay",
		Title:      title,
		InfoHash:   hash,
		MagnetLink: "magnet:?xt=urn:btih:" + hash,
	}
}

func TestFilterNewFirstSightingPasses(t *testing.T) {
	t.Parallel()

	idx := NewIndex(NewMemoryStore(), 0, nil)
	recs := []harvest.CanonicalRecord{
		record("First Release", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		record("Second Release", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
	}

	fresh, dupes, err := idx.FilterNew(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	require.Zero(t, dupes)
}

func TestFilterNewAfterMarkSeen(t *testing.T) {
	t.Parallel()

	idx := NewIndex(NewMemoryStore(), 0, nil)
	recs := []harvest.CanonicalRecord{
		record("First Release", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
	}

	require.NoError(t, idx.MarkSeen(context.Background(), recs))

	fresh, dupes, err := idx.FilterNew(context.Background(), recs)
	require.NoError(t, err)
	require.Empty(t, fresh)
	require.Equal(t, 1, dupes)
}

func TestFilterNewIntraBatchDuplicates(t *testing.T) {
	t.Parallel()

	idx := NewIndex(NewMemoryStore(), 0, nil)
	same := record("Same Release", "cccccccccccccccccccccccccccccccccccccccc")
	fresh, dupes, err := idx.FilterNew(context.Background(), []harvest.CanonicalRecord{same, same, same})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Equal(t, 2, dupes)
}

func TestFilterNewMetadataChangesDoNotDefeatDedup(t *testing.T) {
	t.Parallel()

	idx := NewIndex(NewMemoryStore(), 0, nil)
	first := record("Popular Release", "dddddddddddddddddddddddddddddddddddddddd")
	first.Seeders = 10

	require.NoError(t, idx.MarkSeen(context.Background(), []harvest.CanonicalRecord{first}))

	again := first
	again.Seeders = 999
	again.Description = "updated"

	fresh, dupes, err := idx.FilterNew(context.Background(), []harvest.CanonicalRecord{again})
	require.NoError(t, err)
	require.Empty(t, fresh)
	require.Equal(t, 1, dupes)
}

func TestFilterNewReingestWindow(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	store := NewMemoryStore()
	idx := NewIndex(store, 24*time.Hour, nil).WithClock(clock)

	rec := record("Ages Well", "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	require.NoError(t, idx.MarkSeen(context.Background(), []harvest.CanonicalRecord{rec}))

	// Inside the window it is a duplicate.
	clock.now = clock.now.Add(time.Hour)
	fresh, dupes, err := idx.FilterNew(context.Background(), []harvest.CanonicalRecord{rec})
	require.NoError(t, err)
	require.Empty(t, fresh)
	require.Equal(t, 1, dupes)

	// Past the window the record becomes eligible again.
	clock.now = clock.now.Add(48 * time.Hour)
	fresh, dupes, err = idx.FilterNew(context.Background(), []harvest.CanonicalRecord{rec})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Zero(t, dupes)
}

func TestFilterNewClaimsSurviveUntilMarkedOrReleased(t *testing.T) {
	t.Parallel()

	idx := NewIndex(NewMemoryStore(), 0, nil)
	recs := []harvest.CanonicalRecord{
		record("Contended Release", "1212121212121212121212121212121212121212"),
	}

	// First batch claims the fingerprint before anything is marked seen.
	fresh, dupes, err := idx.FilterNew(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Zero(t, dupes)

	// A second batch arriving while the first is still in flight must see
	// the claim as a duplicate, even though the store has no sighting yet.
	fresh, dupes, err = idx.FilterNew(context.Background(), recs)
	require.NoError(t, err)
	require.Empty(t, fresh)
	require.Equal(t, 1, dupes)

	// Releasing the claim (failed batch) makes the record eligible again.
	idx.Release(recs)
	fresh, dupes, err = idx.FilterNew(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Zero(t, dupes)

	// Marking it seen resolves the claim; the store now owns the verdict.
	require.NoError(t, idx.MarkSeen(context.Background(), fresh))
	fresh, dupes, err = idx.FilterNew(context.Background(), recs)
	require.NoError(t, err)
	require.Empty(t, fresh)
	require.Equal(t, 1, dupes)
}

func TestMarkSeenDeduplicatesFingerprints(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	idx := NewIndex(store, 0, nil)
	same := record("Same Release", "ffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, idx.MarkSeen(context.Background(), []harvest.CanonicalRecord{same, same}))
	require.Equal(t, 1, store.Len())
}

func TestMemoryStoreLastSeenNeverMovesBackwards(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	later := time.Unix(1700000500, 0).UTC()
	earlier := time.Unix(1700000000, 0).UTC()

	require.NoError(t, store.Upsert(context.Background(), []string{"fp"}, later))
	require.NoError(t, store.Upsert(context.Background(), []string{"fp"}, earlier))

	found, err := store.Lookup(context.Background(), []string{"fp"})
	require.NoError(t, err)
	require.Equal(t, later, found["fp"].LastSeenAt)
	require.Equal(t, later, found["fp"].FirstSeenAt)
}
