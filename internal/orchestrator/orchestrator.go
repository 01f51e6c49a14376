// Package orchestrator drives a crawl run end to end: fan out per
// source, fetch, parse, normalize, dedup, sink, summarize.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torrhive/harvester/internal/dedup"
	"github.com/torrhive/harvester/internal/harvest"
	"github.com/torrhive/harvester/internal/metrics"
	"github.com/torrhive/harvester/internal/normalize"
	"github.com/torrhive/harvester/internal/sources"
	memstore "github.com/torrhive/harvester/internal/store/memory"
)

// ErrRunInProgress is returned when a run is requested while one is live.
var ErrRunInProgress = errors.New("a run is already in progress")

// Config tunes run behavior.
type Config struct {
	// DefaultSources are crawled when a trigger names none.
	DefaultSources []string
	// DefaultMaxPages bounds pagination per source.
	DefaultMaxPages int
	// BatchSize caps records per sink submission.
	BatchSize int
	// SinkTimeout bounds each batch submission, separate from the fetch
	// timeout.
	SinkTimeout time.Duration
	// RunTopic, when set, receives a run-completed event per run.
	RunTopic string
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxPages <= 0 {
		c.DefaultMaxPages = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 60 * time.Second
	}
	return c
}

// Orchestrator coordinates one run at a time. All collaborators are
// injected; it owns no network or storage handles itself.
type Orchestrator struct {
	cfg       Config
	fetcher   harvest.Fetcher
	registry  *sources.Registry
	index     *dedup.Index
	sink      harvest.Sink
	runs      *memstore.RunStore
	publisher harvest.Publisher
	pages     harvest.BlobStore
	clock     harvest.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	lastID  string
}

// New constructs an Orchestrator. publisher and pages may be nil.
func New(
	cfg Config,
	fetcher harvest.Fetcher,
	registry *sources.Registry,
	index *dedup.Index,
	sink harvest.Sink,
	runs *memstore.RunStore,
	publisher harvest.Publisher,
	pages harvest.BlobStore,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		fetcher:   fetcher,
		registry:  registry,
		index:     index,
		sink:      sink,
		runs:      runs,
		publisher: publisher,
		pages:     pages,
		clock:     harvest.SystemClock{},
		logger:    logger,
	}
}

// WithClock replaces the clock, for tests.
func (o *Orchestrator) WithClock(clock harvest.Clock) *Orchestrator {
	o.clock = clock
	return o
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Cancel stops the current run, if any. In-flight fetches finish; no new
// tasks are dispatched.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running || o.cancel == nil {
		return false
	}
	o.cancel()
	return true
}

// Run executes one crawl and always returns a structured summary, never
// a panic. Only one run may be live at a time.
func (o *Orchestrator) Run(ctx context.Context, opts harvest.RunOptions) (harvest.RunSummary, error) {
	runCtx, cancel, err := o.begin(ctx)
	if err != nil {
		return harvest.RunSummary{}, err
	}
	defer o.finish()
	defer cancel()

	summary := harvest.RunSummary{
		RunID:     uuid.NewString(),
		Status:    harvest.RunStatusRunning,
		StartedAt: o.clock.Now(),
	}
	o.setLastID(summary.RunID)
	metrics.RunStarted()

	names := opts.Sources
	if len(names) == 0 {
		names = o.cfg.DefaultSources
	}
	if len(names) == 0 {
		names = o.registry.Names()
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = o.cfg.DefaultMaxPages
	}

	o.logger.Info("run started",
		zap.String("run_id", summary.RunID),
		zap.Strings("sources", names),
		zap.Int("max_pages", maxPages))

	outcomes := make([]harvest.SourceOutcome, len(names))
	sinkFailed := make([]bool, len(names))
	var fault error
	var faultOnce sync.Once
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(slot int, sourceName string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("source crawl panicked",
						zap.String("source", sourceName),
						zap.Any("panic", r))
					outcomes[slot] = harvest.SourceOutcome{
						SourceName: sourceName,
						Error:      fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			outcome, srcSinkFailed, srcFault := o.crawlSource(runCtx, summary.RunID, sourceName, opts.Query, maxPages)
			outcomes[slot] = outcome
			sinkFailed[slot] = srcSinkFailed
			if srcFault != nil {
				faultOnce.Do(func() { fault = srcFault })
			}
		}(i, name)
	}
	wg.Wait()

	summary.Sources = outcomes
	summary.FinishedAt = o.clock.Now()
	summary.DurationMs = summary.FinishedAt.Sub(summary.StartedAt).Milliseconds()
	summary.Status = o.conclude(runCtx, fault, sinkFailed)
	if fault != nil {
		summary.Error = fault.Error()
	}
	metrics.RunFinished(string(summary.Status))

	o.persist(ctx, summary)

	o.logger.Info("run finished",
		zap.String("run_id", summary.RunID),
		zap.String("status", string(summary.Status)),
		zap.Int("candidates", summary.Candidates()),
		zap.Int("accepted", summary.Accepted()),
		zap.Int("duplicates", summary.Duplicates()),
		zap.Int64("duration_ms", summary.DurationMs))
	return summary, nil
}

func (o *Orchestrator) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil, nil, ErrRunInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	return runCtx, cancel, nil
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.running = false
	o.cancel = nil
	o.mu.Unlock()
}

func (o *Orchestrator) setLastID(id string) {
	o.mu.Lock()
	o.lastID = id
	o.mu.Unlock()
}

// crawlSource runs the full pipeline for one source. The returned fault
// is non-nil only for orchestrator-level problems (dedup store down).
func (o *Orchestrator) crawlSource(ctx context.Context, runID, name, query string, maxPages int) (harvest.SourceOutcome, bool, error) {
	outcome := harvest.SourceOutcome{SourceName: name}
	logger := o.logger.With(zap.String("run_id", runID), zap.String("source", name))

	adapter, err := o.registry.Get(name)
	if err != nil {
		outcome.Error = err.Error()
		return outcome, false, nil
	}

	var accepted []harvest.CanonicalRecord
	for _, task := range adapter.ListTargets(query, maxPages) {
		if ctx.Err() != nil {
			break
		}
		page, err := o.fetcher.Fetch(ctx, task)
		if err != nil {
			outcome.Error = err.Error()
			logger.Warn("page fetch failed", zap.String("url", task.URL), zap.Error(err))
			break
		}
		outcome.PagesFetched++
		o.archivePage(ctx, runID, task, page)

		candidates, skipped := adapter.Parse(page)
		outcome.SkippedRows += skipped
		outcome.CandidateCount += len(candidates)
		metrics.AddCandidates(name, len(candidates))
		if len(candidates) == 0 {
			logger.Debug("page yielded no candidates", zap.String("url", task.URL), zap.Int("skipped", skipped))
		}

		for _, candidate := range candidates {
			record, err := normalize.Normalize(candidate)
			if err != nil {
				outcome.RejectedCount++
				metrics.IncRejected(name, err.Error())
				continue
			}
			accepted = append(accepted, record)
		}
	}

	fresh, duplicates, err := o.index.FilterNew(ctx, accepted)
	if err != nil {
		outcome.Error = err.Error()
		return outcome, false, fmt.Errorf("source %s: %w", name, err)
	}
	outcome.DuplicateCount = duplicates
	metrics.AddDuplicates(name, duplicates)

	sinkErr := o.submit(ctx, fresh, &outcome, logger)
	if sinkErr != nil {
		outcome.Error = sinkErr.Error()
	}
	outcome.Success = outcome.Error == ""
	metrics.AddAccepted(name, outcome.AcceptedCount)
	return outcome, sinkErr != nil, nil
}

// submit delivers records in capped batches, marking fingerprints seen
// only after the sink accepted them. Claims held on records that were
// not accepted are released so a later batch or run may retry them.
func (o *Orchestrator) submit(ctx context.Context, records []harvest.CanonicalRecord, outcome *harvest.SourceOutcome, logger *zap.Logger) error {
	for start := 0; start < len(records); start += o.cfg.BatchSize {
		end := start + o.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		batchCtx, cancel := context.WithTimeout(ctx, o.cfg.SinkTimeout)
		result, err := o.sink.SubmitBatch(batchCtx, batch)
		cancel()
		if err != nil {
			metrics.IncBatch("failed")
			logger.Error("batch submission failed",
				zap.Int("records", len(batch)),
				zap.Error(err))
			o.index.Release(records[start:])
			return err
		}
		metrics.IncBatch("ok")
		outcome.AcceptedCount += result.Accepted
		outcome.RejectedCount += len(result.Rejected)
		for _, rejection := range result.Rejected {
			logger.Info("sink rejected record",
				zap.String("title", rejection.Record.Title),
				zap.String("reason", rejection.Reason))
		}

		kept, dropped := splitAccepted(batch, result)
		o.index.Release(dropped)
		if err := o.index.MarkSeen(ctx, kept); err != nil {
			o.index.Release(records[start:])
			return err
		}
	}
	return nil
}

// splitAccepted partitions a submitted batch into the records the sink
// accepted (to be marked seen) and the ones it rejected (to be released).
func splitAccepted(batch []harvest.CanonicalRecord, result harvest.BatchResult) (kept, dropped []harvest.CanonicalRecord) {
	if len(result.Rejected) == 0 {
		return batch, nil
	}
	rejected := make(map[string]struct{}, len(result.Rejected))
	for _, r := range result.Rejected {
		rejected[harvest.Fingerprint(r.Record)] = struct{}{}
	}
	kept = make([]harvest.CanonicalRecord, 0, len(batch))
	for _, rec := range batch {
		if _, ok := rejected[harvest.Fingerprint(rec)]; ok {
			dropped = append(dropped, rec)
			continue
		}
		kept = append(kept, rec)
	}
	return kept, dropped
}

// archivePage stores the raw page body for replay and debugging.
func (o *Orchestrator) archivePage(ctx context.Context, runID string, task harvest.FetchTask, page harvest.RawPage) {
	if o.pages == nil {
		return
	}
	path := fmt.Sprintf("pages/%s/%s/page-%d", task.SourceName, runID, task.Page)
	contentType := page.Headers.Get("Content-Type")
	if _, err := o.pages.PutObject(ctx, path, contentType, page.Body); err != nil {
		o.logger.Warn("failed to archive raw page",
			zap.String("source", task.SourceName),
			zap.String("url", task.URL),
			zap.Error(err))
	}
}

// conclude maps the run outcome onto a status. A cancelled context wins;
// faults mark the run failed; per-source fetch failures alone do not.
// The sink being unreachable for every source that tried it also fails
// the run.
func (o *Orchestrator) conclude(ctx context.Context, fault error, sinkFailed []bool) harvest.RunStatus {
	if ctx.Err() != nil {
		return harvest.RunStatusCancelled
	}
	if fault != nil {
		return harvest.RunStatusFailed
	}
	failures := 0
	for _, failed := range sinkFailed {
		if failed {
			failures++
		}
	}
	if failures > 0 && failures == len(sinkFailed) {
		return harvest.RunStatusFailed
	}
	return harvest.RunStatusCompleted
}

// persist saves the summary and emits the run-completed event. Neither
// failure changes the summary returned to the caller.
func (o *Orchestrator) persist(ctx context.Context, summary harvest.RunSummary) {
	if o.runs != nil {
		if err := o.runs.SaveRun(ctx, summary); err != nil {
			o.logger.Warn("failed to save run summary", zap.Error(err))
		}
	}
	if o.publisher != nil && o.cfg.RunTopic != "" {
		if _, err := o.publisher.Publish(ctx, o.cfg.RunTopic, summary); err != nil {
			o.logger.Warn("failed to publish run event", zap.Error(err))
		}
	}
}
