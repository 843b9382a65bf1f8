package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Scheduler manages all drain schedules.
type Scheduler struct {
	schedules map[string]*Schedule
	runners   map[string]*Runner
	drainer   Drainer
	logger    *slog.Logger
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a scheduler draining into the given target.
func New(drainer Drainer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedules: make(map[string]*Schedule),
		runners:   make(map[string]*Runner),
		drainer:   drainer,
		logger:    logger.With("component", "sched"),
	}
}

// Start launches runners for all enabled schedules.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("starting scheduler", "schedules", len(s.schedules))

	for id, schedule := range s.schedules {
		if !schedule.Enabled {
			s.logger.Debug("skipping disabled schedule", "schedule", id)
			continue
		}

		runner := NewRunner(schedule, s.drainer, s.logger)
		s.runners[id] = runner
		go runner.Start(s.ctx)
	}

	s.logger.Info("scheduler started", "active", len(s.runners))
	return nil
}

// Stop stops all runners.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("stopping scheduler")

	if s.cancel != nil {
		s.cancel()
	}

	for id, runner := range s.runners {
		runner.Stop()
		s.logger.Debug("stopped drain runner", "schedule", id)
	}

	s.runners = make(map[string]*Runner)
	s.logger.Info("scheduler stopped")
}

// Add registers a new schedule, starting it immediately when the
// scheduler is already running.
func (s *Scheduler) Add(schedule *Schedule) error {
	if err := schedule.Validate(); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[schedule.ID]; exists {
		return fmt.Errorf("schedule with ID %s already exists", schedule.ID)
	}

	s.schedules[schedule.ID] = schedule

	if s.ctx != nil && schedule.Enabled {
		runner := NewRunner(schedule, s.drainer, s.logger)
		s.runners[schedule.ID] = runner
		go runner.Start(s.ctx)
		s.logger.Info("schedule added and started", "schedule", schedule.ID)
	} else {
		s.logger.Info("schedule added", "schedule", schedule.ID, "enabled", schedule.Enabled)
	}

	return nil
}

// Remove deletes a schedule, stopping its runner if active.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[id]; !exists {
		return fmt.Errorf("schedule not found: %s", id)
	}

	if runner, exists := s.runners[id]; exists {
		runner.Stop()
		delete(s.runners, id)
	}

	delete(s.schedules, id)
	s.logger.Info("schedule removed", "schedule", id)

	return nil
}

// Get retrieves a schedule by ID.
func (s *Scheduler) Get(id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return nil, fmt.Errorf("schedule not found: %s", id)
	}

	return schedule.Clone(), nil
}

// List returns all schedules.
func (s *Scheduler) List() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		out = append(out, schedule.Clone())
	}

	return out
}

// RunNow triggers a drain immediately, bypassing the schedule.
func (s *Scheduler) RunNow(id string) error {
	s.mu.RLock()
	schedule, exists := s.schedules[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("schedule not found: %s", id)
	}

	runner := NewRunner(schedule, s.drainer, s.logger)
	runner.drain(context.Background())

	return nil
}

// Load registers schedules from configuration, skipping invalid ones.
func (s *Scheduler) Load(schedules []*Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, schedule := range schedules {
		if err := schedule.Validate(); err != nil {
			s.logger.Warn("invalid schedule in config, skipping",
				"schedule", schedule.ID,
				"error", err)
			continue
		}

		s.schedules[schedule.ID] = schedule
		s.logger.Debug("loaded schedule from config", "schedule", schedule.ID)
	}

	s.logger.Info("schedules loaded", "count", len(s.schedules))
	return nil
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totalRuns := int64(0)
	enabled := 0

	for _, schedule := range s.schedules {
		totalRuns += schedule.State.RunCount
		if schedule.Enabled {
			enabled++
		}
	}

	return map[string]interface{}{
		"total_schedules": len(s.schedules),
		"enabled":         enabled,
		"running_runners": len(s.runners),
		"total_runs":      totalRuns,
	}
}
