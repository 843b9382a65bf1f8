package sched

import (
	"context"
	"log/slog"
	"time"
)

// Drainer is the work a schedule triggers: one engine sync pass plus one
// replay run. Both are single-flight and no-op while offline, so firing
// a drain is always safe.
type Drainer interface {
	Drain(ctx context.Context)
}

// DrainerFunc adapts a function to Drainer.
type DrainerFunc func(ctx context.Context)

func (f DrainerFunc) Drain(ctx context.Context) { f(ctx) }

// Runner executes a single schedule.
type Runner struct {
	schedule *Schedule
	drainer  Drainer
	logger   *slog.Logger
	ticker   *time.Ticker
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRunner creates a runner for one schedule.
func NewRunner(schedule *Schedule, drainer Drainer, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		schedule: schedule,
		drainer:  drainer,
		logger:   log.With("schedule", schedule.ID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins draining on schedule. Blocks until stopped.
func (r *Runner) Start(ctx context.Context) {
	defer close(r.doneCh)

	if !r.schedule.Enabled {
		r.logger.Debug("schedule disabled, not starting")
		return
	}

	nextRun, err := r.schedule.NextRun(time.Now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.schedule.State.NextRunAt = nextRun

	r.logger.Info("drain runner started", "next_run", nextRun.Format(time.RFC3339))

	// Interval schedules tick at their own period; cron schedules are
	// checked once a minute against the computed next run.
	var tickerDuration time.Duration
	switch r.schedule.Spec.Kind {
	case "interval":
		tickerDuration = time.Duration(r.schedule.Spec.IntervalMs) * time.Millisecond
	case "cron":
		tickerDuration = 1 * time.Minute
	}

	r.ticker = time.NewTicker(tickerDuration)
	defer r.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("drain runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("drain runner stopped")
			return
		case now := <-r.ticker.C:
			shouldRun := r.schedule.Spec.Kind == "interval" ||
				now.After(r.schedule.State.NextRunAt) || now.Equal(r.schedule.State.NextRunAt)
			if !shouldRun {
				continue
			}

			r.drain(ctx)

			nextRun, err := r.schedule.NextRun(time.Now())
			if err != nil {
				r.logger.Error("failed to calculate next run", "error", err)
			} else {
				r.schedule.State.NextRunAt = nextRun
				r.logger.Debug("next drain scheduled", "next_run", nextRun.Format(time.RFC3339))
			}
		}
	}
}

// Stop stops the runner and waits for it to exit.
func (r *Runner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// drain runs the schedule once.
func (r *Runner) drain(ctx context.Context) {
	start := time.Now()
	r.drainer.Drain(ctx)
	duration := time.Since(start)

	r.schedule.State.LastRunAt = time.Now()
	r.schedule.State.LastDuration = duration
	r.schedule.State.RunCount++

	r.logger.Debug("drain completed",
		"duration", duration,
		"run_count", r.schedule.State.RunCount)
}
