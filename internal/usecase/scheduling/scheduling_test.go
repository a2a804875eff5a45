package scheduling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"astral-proxy/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionCacheSweep, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	if err := s.AddTask(ScheduledTask{
		Name: "test-task", Schedule: "50ms", Action: ActionCacheSweep,
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("action fired %d times, expected at least 1", c)
	}
}

func TestSchedulerUnknownAction(t *testing.T) {
	s := NewScheduler(newTestLogger())

	err := s.AddTask(ScheduledTask{
		Name: "unknown", Schedule: "100ms", Action: "does_not_exist",
	})
	if err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestSchedulerContextCancellation(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionCacheSweep, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	s.AddTask(ScheduledTask{
		Name: "ctx-task", Schedule: "50ms", Action: ActionCacheSweep,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Stop()

	countAfterCancel := count.Load()
	time.Sleep(100 * time.Millisecond)

	if count.Load() != countAfterCancel {
		t.Error("task continued after context cancellation")
	}
}

func TestSchedulerMultipleTasks(t *testing.T) {
	var sweepCount, checkCount atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionCacheSweep, func(ctx context.Context) error {
		sweepCount.Add(1)
		return nil
	})
	s.RegisterAction(ActionCredentialCheck, func(ctx context.Context) error {
		checkCount.Add(1)
		return nil
	})

	s.AddTask(ScheduledTask{Name: "sweep", Schedule: "50ms", Action: ActionCacheSweep})
	s.AddTask(ScheduledTask{Name: "check", Schedule: "50ms", Action: ActionCredentialCheck})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if sweepCount.Load() < 1 {
		t.Error("sweep action never fired")
	}
	if checkCount.Load() < 1 {
		t.Error("credential check never fired")
	}
}

func TestSchedulerActionError(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionCacheSweep, func(ctx context.Context) error {
		return fmt.Errorf("simulated error")
	})
	s.AddTask(ScheduledTask{Name: "failing", Schedule: "50ms", Action: ActionCacheSweep})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSchedulerDoubleStop(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.Start(context.Background())

	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(newTestLogger())
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop without start: %v", err)
	}
}

func TestParseScheduleCron(t *testing.T) {
	sched, err := parseSchedule("*/5 * * * *")
	if err != nil {
		t.Fatalf("parseSchedule cron: %v", err)
	}
	if sched == nil {
		t.Fatal("expected non-nil schedule")
	}
}

func TestParseScheduleCronDescriptor(t *testing.T) {
	sched, err := parseSchedule("@every 30m")
	if err != nil {
		t.Fatalf("parseSchedule @every: %v", err)
	}
	if sched == nil {
		t.Fatal("expected non-nil schedule")
	}
}

func TestParseScheduleDuration(t *testing.T) {
	sched, err := parseSchedule("30m")
	if err != nil {
		t.Fatalf("parseSchedule duration: %v", err)
	}
	if sched == nil {
		t.Fatal("expected non-nil schedule")
	}
}

func TestParseScheduleSmallDuration(t *testing.T) {
	sched, err := parseSchedule("100ms")
	if err != nil {
		t.Fatalf("parseSchedule 100ms: %v", err)
	}
	if sched == nil {
		t.Fatal("expected non-nil schedule")
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	_, err := parseSchedule("not-a-schedule")
	if err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestParseScheduleEmpty(t *testing.T) {
	_, err := parseSchedule("")
	if err == nil {
		t.Error("expected error for empty schedule")
	}
}

func TestParseScheduleNegative(t *testing.T) {
	_, err := parseSchedule("-5m")
	if err == nil {
		t.Error("expected error for negative duration")
	}
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionCacheSweep, func(ctx context.Context) error { return nil })

	err := s.AddTask(ScheduledTask{Name: "bad", Schedule: "not-valid", Action: ActionCacheSweep})
	if err == nil {
		t.Error("expected error for invalid schedule string")
	}
}

func TestSchedulerOneShot(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionCredentialCheck, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	if err := s.AddTask(ScheduledTask{
		Name: "once", Schedule: "30ms", Action: ActionCredentialCheck, OneShot: true,
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if s.NextRun("once") == nil {
		t.Fatal("NextRun should be known before the first run")
	}

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c != 1 {
		t.Errorf("one-shot task fired %d times, want 1", c)
	}
	if s.NextRun("once") != nil {
		t.Error("one-shot task should be removed after running")
	}
}

func TestSchedulerAddTasksFromConfig(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionCacheSweep, func(ctx context.Context) error { return nil })
	s.RegisterAction(ActionCredentialCheck, func(ctx context.Context) error { return nil })

	if err := s.AddTasks(config.Defaults().Scheduler.Tasks); err != nil {
		t.Fatalf("AddTasks defaults: %v", err)
	}

	err := s.AddTasks([]config.ScheduledTaskConfig{{Name: "cache-sweep", Schedule: "1m", Action: "cache_sweep"}})
	if err == nil {
		t.Error("expected error for duplicate task name")
	}
}

func TestParseScheduleZero(t *testing.T) {
	if _, err := parseSchedule("0s"); err == nil {
		t.Error("expected error for zero duration")
	}
}
