// Package daemon runs the retention engine on a cron schedule.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bizflycloud/feather/pkg/retention"
)

// Runner performs one complete run.
type Runner interface {
	Run(ctx context.Context) (*retention.Report, error)
}

// Scheduler invokes a Runner on a cron spec. A tick that fires while the
// previous run is still going is skipped.
type Scheduler struct {
	spec   string
	runner Runner
	cron   *cron.Cron

	runMu sync.Mutex
	runs  sync.WaitGroup

	mu      sync.Mutex
	running bool
	last    *retention.Report
	lastErr error

	logger *zap.Logger
}

// Option configures Scheduler.
type Option func(s *Scheduler) error

// WithLogger sets the logger for Scheduler.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) error {
		s.logger = logger
		return nil
	}
}

// New creates a Scheduler for runner. spec is a standard five field cron
// expression or a descriptor such as "@hourly" or "@every 15m".
func New(spec string, runner Runner, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("nil runner")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	s := &Scheduler{spec: spec, runner: runner}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	cl := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s, nil
}

// Start schedules runs until Stop is called. Each run gets a context derived
// from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already started")
	}
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule runs: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("Scheduler started", zap.String("schedule", s.spec))
	return nil
}

// Stop stops the scheduler and waits for a running job to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.runs.Wait()
	s.logger.Info("Scheduler stopped")
}

// RunOnce performs a run now and records its report. It does nothing if a
// run is already in progress.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if !s.runMu.TryLock() {
		s.logger.Info("Run already in progress, skipping")
		return
	}
	defer s.runMu.Unlock()
	s.runs.Add(1)
	defer s.runs.Done()

	s.logger.Info("Starting scheduled run")
	report, err := s.runner.Run(ctx)

	s.mu.Lock()
	s.last, s.lastErr = report, err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Scheduled run failed", zap.Error(err))
		return
	}
	if report != nil {
		s.logger.Info("Scheduled run completed",
			zap.Int("created", len(report.Created)),
			zap.Int("deleted", len(report.Deleted)),
			zap.Int("failures", len(report.Failures)),
		)
	}
}

// Last returns the report of the last completed run, or nil.
func (s *Scheduler) Last() *retention.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// LastError returns the error of the last completed run.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled run time.
func (s *Scheduler) NextRun() *time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
