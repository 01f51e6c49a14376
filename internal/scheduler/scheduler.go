// Package scheduler triggers crawl runs on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/torrhive/harvester/internal/harvest"
	"github.com/torrhive/harvester/internal/orchestrator"
)

// Runner is the orchestration entry point the scheduler drives.
type Runner interface {
	Run(ctx context.Context, opts harvest.RunOptions) (harvest.RunSummary, error)
}

// Scheduler fires a run every interval with default options. A tick that
// lands while a run is still live is skipped, not queued.
type Scheduler struct {
	interval time.Duration
	runner   Runner
	opts     harvest.RunOptions
	logger   *zap.Logger
}

// New constructs a Scheduler.
func New(interval time.Duration, runner Runner, opts harvest.RunOptions, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{interval: interval, runner: runner, opts: opts, logger: logger}
}

// Run blocks until ctx is cancelled, triggering runs on each tick.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("scheduler disabled, no interval configured")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	summary, err := s.runner.Run(ctx, s.opts)
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunInProgress) {
			s.logger.Info("skipping tick, run already in progress")
			return
		}
		s.logger.Error("scheduled run failed to start", zap.Error(err))
		return
	}
	s.logger.Info("scheduled run finished",
		zap.String("run_id", summary.RunID),
		zap.String("status", string(summary.Status)),
		zap.Int("accepted", summary.Accepted()))
}
