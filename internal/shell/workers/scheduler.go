// Package workers contains background workers for fusion.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/fusion/internal/shell/optimizer"
)

// Runner performs one optimization run.
type Runner interface {
	Run(ctx context.Context) (*optimizer.RunResult, error)
}

// SchedulerConfig configures the run scheduler.
type SchedulerConfig struct {
	// Interval is the time between runs.
	// Default: 1 hour.
	Interval time.Duration

	// RunTimeout bounds a single run.
	// Default: 5 minutes.
	RunTimeout time.Duration

	// RunOnStart triggers a run as soon as the scheduler starts instead of
	// waiting one interval.
	RunOnStart bool
}

// DefaultSchedulerConfig returns the default configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:   time.Hour,
		RunTimeout: 5 * time.Minute,
	}
}

// Scheduler triggers optimization runs periodically. Failed runs are logged
// and retried on the next tick.
type Scheduler struct {
	runner Runner
	config SchedulerConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new run scheduler.
func NewScheduler(runner Runner, config SchedulerConfig, logger *slog.Logger) *Scheduler {
	d := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = d.Interval
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = d.RunTimeout
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		runner: runner,
		config: config,
		logger: logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler goroutine.
func (s *Scheduler) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("scheduler started",
		"interval", s.config.Interval,
		"run_on_start", s.config.RunOnStart,
	)
}

// Stop cancels any in-flight run and waits for the goroutine to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	if s.config.RunOnStart {
		s.runOnce()
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.RunTimeout)
	defer cancel()

	result, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled run failed", "error", err)
		return
	}

	s.logger.Info("scheduled run complete",
		"operator", result.Operator,
		"promoted", result.Promoted,
		"rolled_back", result.RolledBack,
		"duration", result.Duration,
	)
}
