package ingest

import (
	"context"
	"sync"

	"github.com/torrhive/harvester/internal/harvest"
)

// MemorySink keeps accepted records in memory, keyed the same way the
// Postgres sink conflicts (info hash, else magnet link). Used for local
// development and tests.
type MemorySink struct {
	mu      sync.Mutex
	records map[string]harvest.CanonicalRecord
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]harvest.CanonicalRecord)}
}

// SubmitBatch implements harvest.Sink.
func (m *MemorySink) SubmitBatch(_ context.Context, records []harvest.CanonicalRecord) (harvest.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := harvest.BatchResult{}
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			result.Rejected = append(result.Rejected, harvest.BatchRejection{Record: rec, Reason: err.Error()})
			continue
		}
		key := rec.InfoHash
		if key == "" {
			key = rec.MagnetLink
		}
		m.records[key] = rec
		result.Accepted++
	}
	return result, nil
}

// Len reports how many distinct records were accepted.
func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Records returns a snapshot of the stored records.
func (m *MemorySink) Records() []harvest.CanonicalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]harvest.CanonicalRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}
