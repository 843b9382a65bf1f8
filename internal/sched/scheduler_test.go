package sched

import (
	"context"
	"testing"
	"time"

	"github.com/medinvest/medsync/internal/config"
)

func TestSchedulerAddAndDuplicate(t *testing.T) {
	s := New(&countingDrainer{}, nil)

	if err := s.Add(intervalSchedule("drain-1", 1000)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(intervalSchedule("drain-1", 2000)); err == nil {
		t.Error("duplicate ID accepted")
	}
	if err := s.Add(&Schedule{ID: "bad", Spec: config.ScheduleConfig{Kind: "interval"}}); err == nil {
		t.Error("invalid schedule accepted")
	}
}

func TestSchedulerRemove(t *testing.T) {
	s := New(&countingDrainer{}, nil)
	s.Add(intervalSchedule("drain-1", 1000))

	if err := s.Remove("drain-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove("drain-1"); err == nil {
		t.Error("removing absent schedule succeeded")
	}
	if len(s.List()) != 0 {
		t.Errorf("schedules left: %d", len(s.List()))
	}
}

func TestSchedulerLoadSkipsInvalid(t *testing.T) {
	s := New(&countingDrainer{}, nil)

	schedules := []*Schedule{
		intervalSchedule("drain-1", 1000),
		{ID: "broken", Spec: config.ScheduleConfig{Kind: "cron", Expr: "nope"}},
		intervalSchedule("drain-2", 2000),
	}
	if err := s.Load(schedules); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := len(s.List()); got != 2 {
		t.Errorf("loaded %d schedules, want 2", got)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	drainer := &countingDrainer{}
	s := New(drainer, nil)
	s.Add(intervalSchedule("drain-1", 40))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	if got := drainer.runs(); got < 1 {
		t.Errorf("no drains ran: %d", got)
	}

	before := drainer.runs()
	time.Sleep(120 * time.Millisecond)
	if after := drainer.runs(); after != before {
		t.Errorf("drains continued after Stop: %d -> %d", before, after)
	}
}

func TestSchedulerAddWhileRunning(t *testing.T) {
	drainer := &countingDrainer{}
	s := New(drainer, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	s.Add(intervalSchedule("late", 40))
	time.Sleep(150 * time.Millisecond)

	if got := drainer.runs(); got < 1 {
		t.Errorf("schedule added while running never drained")
	}
}

func TestSchedulerRunNow(t *testing.T) {
	drainer := &countingDrainer{}
	s := New(drainer, nil)
	s.Add(intervalSchedule("drain-1", 60000))

	if err := s.RunNow("drain-1"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if got := drainer.runs(); got != 1 {
		t.Errorf("RunNow drained %d times", got)
	}

	if err := s.RunNow("absent"); err == nil {
		t.Error("RunNow on absent schedule succeeded")
	}
}

func TestSchedulerStats(t *testing.T) {
	s := New(&countingDrainer{}, nil)
	s.Add(intervalSchedule("drain-1", 1000))
	disabled := intervalSchedule("drain-2", 1000)
	disabled.Enabled = false
	s.Add(disabled)

	stats := s.Stats()
	if stats["total_schedules"] != 2 {
		t.Errorf("total_schedules = %v", stats["total_schedules"])
	}
	if stats["enabled"] != 1 {
		t.Errorf("enabled = %v", stats["enabled"])
	}
}
