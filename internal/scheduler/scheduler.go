// Package scheduler runs periodic jobs from cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is invoked with the minute the tick belongs to.
type Job func(ctx context.Context, now time.Time) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// New builds a scheduler evaluating expressions in loc. Call Start to begin ticking.
func New(loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}

	// Standard 5-field parser (min, hour, dom, month, dow).
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	// Ticks may overlap: each run owns the minute it started in, and a
	// skipped minute would never be revisited.
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, logger: logger, ctx: ctx, cancel: cancel, now: time.Now}
}

// AddJob schedules job under name. It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, job Job) error {
	_, err := s.cron.AddFunc(expr, func() {
		now := s.now().Truncate(time.Minute)
		started := time.Now()
		if err := job(s.ctx, now); err != nil {
			s.logger.Error("job failed", "job", name, "tick", now, "error", err)
			return
		}
		s.logger.Debug("job finished", "job", name, "tick", now, "duration", time.Since(started))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, expr, err)
	}
	return nil
}

// Start begins ticking in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts new ticks and waits for running jobs until ctx ends, then
// cancels them.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("jobs still running at shutdown")
	}
	s.cancel()
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
