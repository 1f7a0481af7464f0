// Package scheduler runs report cycles on a cron schedule and polls for
// on-demand commands at a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// Job is a unit of scheduled work. Its context is canceled on Stop.
type Job func(ctx context.Context) error

// Scheduler wraps a gocron scheduler. Each job runs in singleton mode, so a
// slow cycle delays the next run instead of overlapping it.
type Scheduler struct {
	scheduler *gocron.Scheduler
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a Scheduler whose cron expressions are read in loc.
func New(loc *time.Location, logger *slog.Logger) *Scheduler {
	s := gocron.NewScheduler(loc)
	s.SingletonModeAll()
	return &Scheduler{scheduler: s, logger: logger}
}

// Start registers the cycle on cronExpr and, when pollEvery is positive, the
// command poll on a fixed interval, then starts the scheduler.
func (s *Scheduler) Start(ctx context.Context, cronExpr string, cycle Job, pollEvery time.Duration, poll Job) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.scheduler.Cron(cronExpr).Tag("cycle").Do(s.run, "cycle", cycle); err != nil {
		s.cancel()
		return fmt.Errorf("schedule cycle %q: %w", cronExpr, err)
	}
	if pollEvery > 0 && poll != nil {
		if _, err := s.scheduler.Every(pollEvery).Tag("poll").Do(s.run, "poll", poll); err != nil {
			s.cancel()
			return fmt.Errorf("schedule poll every %s: %w", pollEvery, err)
		}
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", "cycle_schedule", cronExpr, "poll_interval", pollEvery)
	return nil
}

// NextCycle returns the next scheduled cycle run.
func (s *Scheduler) NextCycle() (time.Time, error) {
	jobs, err := s.scheduler.FindJobsByTag("cycle")
	if err != nil {
		return time.Time{}, err
	}
	return jobs[0].NextRun(), nil
}

// Stop cancels running jobs and stops future runs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.scheduler.Stop()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(name string, job Job) {
	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := job(s.ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled job finished", "job", name, "duration", time.Since(start))
}
