// Package sched runs background queue drains. Connectivity transitions
// and fresh enqueues already trigger sync passes; schedules add periodic
// sweeps so work queued while the device sits online-but-idle still
// moves.
package sched

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/medinvest/medsync/internal/config"
)

// Schedule is one recurring drain.
type Schedule struct {
	ID      string                `json:"id"`
	Spec    config.ScheduleConfig `json:"schedule"`
	Enabled bool                  `json:"enabled"`
	State   ScheduleState         `json:"state"`
}

// ScheduleState tracks execution state.
type ScheduleState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks if the schedule configuration is valid.
func (s *Schedule) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("schedule ID required")
	}

	switch s.Spec.Kind {
	case "interval":
		if s.Spec.IntervalMs <= 0 {
			return fmt.Errorf("intervalMs must be positive")
		}
	case "cron":
		if s.Spec.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(s.Spec.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		if s.Spec.Timezone != "" {
			if _, err := time.LoadLocation(s.Spec.Timezone); err != nil {
				return fmt.Errorf("invalid timezone: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval or cron)", s.Spec.Kind)
	}

	return nil
}

// NextRun calculates the next run time after from.
func (s *Schedule) NextRun(from time.Time) (time.Time, error) {
	switch s.Spec.Kind {
	case "interval":
		return from.Add(time.Duration(s.Spec.IntervalMs) * time.Millisecond), nil

	case "cron":
		schedule, err := cron.ParseStandard(s.Spec.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		if s.Spec.Timezone != "" {
			loc, err := time.LoadLocation(s.Spec.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone: %w", err)
			}
			from = from.In(loc)
		}
		return schedule.Next(from), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Spec.Kind)
	}
}

// Clone creates a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	data, _ := json.Marshal(s)
	var clone Schedule
	json.Unmarshal(data, &clone)
	return &clone
}

// FromConfig builds enabled schedules from config entries, assigning
// sequential ids.
func FromConfig(specs []config.ScheduleConfig) []*Schedule {
	out := make([]*Schedule, 0, len(specs))
	for i, spec := range specs {
		out = append(out, &Schedule{
			ID:      fmt.Sprintf("drain-%d", i+1),
			Spec:    spec,
			Enabled: true,
		})
	}
	return out
}
