package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ethanolivertroy/vuln-ledger/internal/models"
	"github.com/ethanolivertroy/vuln-ledger/internal/telemetry"
)

// Runner rescans every project
type Runner interface {
	ScanAll(ctx context.Context, maxAge time.Duration) ([]*models.ScanReport, error)
}

// Scheduler runs periodic rescans on a cron schedule
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	maxAge  time.Duration
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a scheduler that calls runner.ScanAll with maxAge on schedule.
// The schedule is a standard five-field cron spec or a descriptor such as
// "@every 1h".
func New(schedule string, runner Runner, maxAge time.Duration, metrics *telemetry.Metrics, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:  runner,
		maxAge:  maxAge,
		metrics: metrics,
		logger:  logger.With("component", "scheduler"),
	}

	// Overlapping runs would only wait on each other's claims.
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running scheduled scans until ctx is cancelled or Stop is
// called
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "next_run", s.Next())
}

// Stop halts the schedule, cancels a running scan and waits for it to return
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-done.Done()
	s.logger.Info("scheduler stopped")
}

// Next returns the time of the next scheduled run
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	_ = s.RunOnce(ctx)
}

// RunOnce rescans every project immediately
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	reports, err := s.runner.ScanAll(ctx, s.maxAge)
	s.metrics.ObserveSchedulerRun(err)

	var rescanned, failed int
	for _, r := range reports {
		rescanned += r.Count(models.StatusRescanned)
		failed += r.Count(models.StatusScanFailed)
	}

	if err != nil {
		s.logger.Error("scheduled scan failed",
			"projects", len(reports),
			"duration", time.Since(start),
			"error", err,
		)
		return err
	}
	s.logger.Info("scheduled scan finished",
		"projects", len(reports),
		"rescanned", rescanned,
		"failed", failed,
		"duration", time.Since(start),
	)
	return nil
}
