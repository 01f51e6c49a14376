package harvest

import (
	"context"
	"time"
)

// Fetcher retrieves a page for a task, honoring politeness and retries.
type Fetcher interface {
	Fetch(ctx context.Context, task FetchTask) (RawPage, error)
}

// Adapter turns raw pages from one source into candidate records.
// ListTargets must be pure and deterministic for a given (query, maxPages);
// Parse must never panic and skips rows it cannot read, reporting the count.
type Adapter interface {
	Name() string
	ListTargets(query string, maxPages int) []FetchTask
	Parse(page RawPage) (candidates []CandidateRecord, skipped int)
}

// Sink submits batches of canonical records downstream with upsert
// semantics. A single record's rejection never fails the batch.
type Sink interface {
	SubmitBatch(ctx context.Context, records []CanonicalRecord) (BatchResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock is the Clock used outside tests.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
