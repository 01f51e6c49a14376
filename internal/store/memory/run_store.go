// Package memory provides an in-memory store for run summaries.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/torrhive/harvester/internal/harvest"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// SourceStats is the cumulative per-source tally across all runs.
type SourceStats struct {
	Runs           int `json:"runs"`
	PagesFetched   int `json:"pages_fetched"`
	CandidateCount int `json:"candidate_count"`
	AcceptedCount  int `json:"accepted_count"`
	RejectedCount  int `json:"rejected_count"`
	DuplicateCount int `json:"duplicate_count"`
	Failures       int `json:"failures"`
}

// RunStore keeps recent run summaries plus cumulative per-source stats.
// Summaries older than the retention limit are dropped oldest first.
type RunStore struct {
	mu     sync.RWMutex
	runs   map[string]harvest.RunSummary
	order  []string
	stats  map[string]SourceStats
	keep   int
	latest string
}

// NewRunStore constructs a RunStore retaining up to keep summaries.
func NewRunStore(keep int) *RunStore {
	if keep <= 0 {
		keep = 100
	}
	return &RunStore{
		runs:  make(map[string]harvest.RunSummary),
		stats: make(map[string]SourceStats),
		keep:  keep,
	}
}

// SaveRun records a finished run and folds it into the source stats.
func (s *RunStore) SaveRun(_ context.Context, summary harvest.RunSummary) error {
	if summary.RunID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[summary.RunID]; !exists {
		s.order = append(s.order, summary.RunID)
		for _, src := range summary.Sources {
			stats := s.stats[src.SourceName]
			stats.Runs++
			stats.PagesFetched += src.PagesFetched
			stats.CandidateCount += src.CandidateCount
			stats.AcceptedCount += src.AcceptedCount
			stats.RejectedCount += src.RejectedCount
			stats.DuplicateCount += src.DuplicateCount
			if !src.Success {
				stats.Failures++
			}
			s.stats[src.SourceName] = stats
		}
	}
	s.runs[summary.RunID] = summary
	s.latest = summary.RunID

	for len(s.order) > s.keep {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.runs, oldest)
	}
	return nil
}

// GetRun fetches a run summary by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (harvest.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.runs[runID]
	if !ok {
		return harvest.RunSummary{}, ErrRunNotFound
	}
	return summary, nil
}

// LatestRun returns the most recently saved summary.
func (s *RunStore) LatestRun(_ context.Context) (harvest.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == "" {
		return harvest.RunSummary{}, ErrRunNotFound
	}
	summary, ok := s.runs[s.latest]
	if !ok {
		return harvest.RunSummary{}, ErrRunNotFound
	}
	return summary, nil
}

// SourceStatsSnapshot returns a copy of the cumulative per-source stats.
func (s *RunStore) SourceStatsSnapshot(_ context.Context) map[string]SourceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SourceStats, len(s.stats))
	for name, stats := range s.stats {
		out[name] = stats
	}
	return out
}
