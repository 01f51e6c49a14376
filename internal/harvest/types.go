// Package harvest defines core types shared across pipeline subsystems.
package harvest

import (
	"errors"
	"net/http"
	"time"
)

// RunStatus represents the lifecycle state of a crawl run.
type RunStatus string

// Run status values reported in run summaries.
const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// RunOptions captures per-run knobs requested by the operator.
type RunOptions struct {
	Sources  []string `json:"sources"`
	Query    string   `json:"query,omitempty"`
	MaxPages int      `json:"max_pages"`
}

// CandidateFile is an unvalidated file row extracted from a listing.
type CandidateFile struct {
	Name    string
	RawSize string
}

// CandidateRecord is the raw, unvalidated extraction from a source page.
// It is produced by a site adapter and consumed immediately by the
// normalizer; it is never persisted.
type CandidateRecord struct {
	SourceName   string
	Title        string
	Description  string
	RawSize      string
	MagnetOrURL  string
	InfoHash     string
	RawSeeders   string
	RawLeechers  string
	CategoryHint string
	PosterURL    string
	Files        []CandidateFile
	Trackers     []string
}

// FileEntry is a validated file row attached to a canonical record.
type FileEntry struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	IsVideo   bool   `json:"is_video"`
}

// CanonicalRecord is the validated, typed entity ready for dedup and
// ingestion. At least one of MagnetLink and InfoHash is always set.
type CanonicalRecord struct {
	SourceName   string      `json:"source_name"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	MagnetLink   string      `json:"magnet_link,omitempty"`
	InfoHash     string      `json:"info_hash,omitempty"`
	SizeBytes    int64       `json:"size_bytes"`
	Seeders      int         `json:"seeders"`
	Leechers     int         `json:"leechers"`
	CategoryName string      `json:"category_name"`
	PosterURL    string      `json:"poster_url,omitempty"`
	Files        []FileEntry `json:"files,omitempty"`
	Trackers     []string    `json:"trackers,omitempty"`
}

// Validate checks the invariants every ingestible record must hold.
func (r CanonicalRecord) Validate() error {
	if len(r.Title) < 3 {
		return errors.New("title must be at least 3 characters")
	}
	if r.MagnetLink == "" && r.InfoHash == "" {
		return errors.New("record needs a magnet link or an info hash")
	}
	if r.SizeBytes < 0 {
		return errors.New("size must not be negative")
	}
	if r.Seeders < 0 || r.Leechers < 0 {
		return errors.New("seeders and leechers must not be negative")
	}
	return nil
}

// FetchTask is the unit of fetch scheduling. The fetcher mutates Attempt
// and NextEligible on each retry; the task is discarded afterwards.
type FetchTask struct {
	SourceName   string
	URL          string
	Page         int
	NeedsBrowser bool
	Attempt      int
	NextEligible time.Time
}

// RawPage is the body plus metadata returned by a fetcher.
type RawPage struct {
	SourceName string
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	FetchedAt  time.Time
	Duration   time.Duration
	Rendered   bool
}

// SourceOutcome records how one source fared within a run.
type SourceOutcome struct {
	SourceName     string `json:"source_name"`
	Success        bool   `json:"success"`
	PagesFetched   int    `json:"pages_fetched"`
	CandidateCount int    `json:"candidate_count"`
	AcceptedCount  int    `json:"accepted_count"`
	RejectedCount  int    `json:"rejected_count"`
	DuplicateCount int    `json:"duplicate_count"`
	SkippedRows    int    `json:"skipped_rows"`
	Error          string `json:"error,omitempty"`
}

// RunSummary aggregates the result of one orchestrated crawl. It is
// mutated while the run is live and immutable once returned.
type RunSummary struct {
	RunID      string          `json:"run_id"`
	Status     RunStatus       `json:"status"`
	Sources    []SourceOutcome `json:"sources"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

// Candidates returns the total candidate count across sources.
func (s RunSummary) Candidates() int {
	total := 0
	for _, src := range s.Sources {
		total += src.CandidateCount
	}
	return total
}

// Accepted returns the total accepted count across sources.
func (s RunSummary) Accepted() int {
	total := 0
	for _, src := range s.Sources {
		total += src.AcceptedCount
	}
	return total
}

// Duplicates returns the total duplicate count across sources.
func (s RunSummary) Duplicates() int {
	total := 0
	for _, src := range s.Sources {
		total += src.DuplicateCount
	}
	return total
}

// DedupEntry tracks when a fingerprint was first and last observed.
type DedupEntry struct {
	Fingerprint string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// BatchRejection reports one record the sink refused.
type BatchRejection struct {
	Record CanonicalRecord `json:"record"`
	Reason string          `json:"reason"`
}

// BatchResult is returned by a sink for one submitted batch.
type BatchResult struct {
	Accepted int              `json:"accepted"`
	Rejected []BatchRejection `json:"rejected,omitempty"`
}
