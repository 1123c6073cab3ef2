package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cytzrs/share/internal/store"
	"github.com/cytzrs/share/pkg/types"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	exec := NewExecutor(st, &fakeRunner{}, ExecutorConfig{
		Workers:    2,
		RetryDelay: time.Millisecond,
	}, nil, testLogger())
	return New(st, exec, testLogger()), st
}

func TestCreateTaskRejectsInvalidCron(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)

	err := s.CreateTask(context.Background(), &types.SystemTask{
		Name:           "bad",
		CronExpression: "every tuesday",
	})
	if err == nil {
		t.Fatal("invalid cron must not be saved")
	}

	tasks, _ := s.store.ListTasks(context.Background())
	if len(tasks) != 0 {
		t.Errorf("task persisted despite invalid cron: %+v", tasks)
	}
}

func TestCreateTaskRegistersEntry(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	task := &types.SystemTask{
		Name:           "morning",
		CronExpression: "35 9 * * 1-5",
		TradingDayOnly: true,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == "" {
		t.Error("task id should be assigned")
	}
	if !task.TargetsAll() {
		t.Error("default targets should be [all]")
	}

	s.cron.Start()
	defer s.Shutdown()
	if s.NextFire(task.ID).IsZero() {
		t.Error("active task should have a next fire time")
	}
}

func TestPauseResumeLifecycle(t *testing.T) {
	t.Parallel()
	s, st := newTestScheduler(t)
	ctx := context.Background()

	task := &types.SystemTask{Name: "cycle", CronExpression: "0 10 * * *"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	s.cron.Start()
	defer s.Shutdown()

	if err := s.PauseTask(ctx, task.ID); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != types.TaskPaused {
		t.Errorf("status = %s, want paused", got.Status)
	}
	if !s.NextFire(task.ID).IsZero() {
		t.Error("paused task should have no scheduled fire")
	}

	if err := s.ResumeTask(ctx, task.ID); err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	// Adding to a running cron takes effect on its next loop iteration.
	time.Sleep(50 * time.Millisecond)
	got, _ = st.GetTask(ctx, task.ID)
	if got.Status != types.TaskActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	// Pause/resume preserves every persistent field but the fire time.
	if got.CronExpression != task.CronExpression || got.Name != task.Name {
		t.Errorf("fields changed across pause/resume: %+v", got)
	}
	if s.NextFire(task.ID).IsZero() {
		t.Error("resumed task should be scheduled again")
	}
}

func TestDeleteTaskRemovesEntry(t *testing.T) {
	t.Parallel()
	s, st := newTestScheduler(t)
	ctx := context.Background()

	task := &types.SystemTask{Name: "gone", CronExpression: "0 10 * * *"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if !s.NextFire(task.ID).IsZero() {
		t.Error("deleted task still scheduled")
	}
	if _, err := st.GetTask(ctx, task.ID); err == nil {
		t.Error("deleted task still loads")
	}
}

func TestTriggerManualRun(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	task := &types.SystemTask{Name: "manual", CronExpression: "0 10 * * *"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	run, err := s.Trigger(ctx, task.ID)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if run.Status != types.RunSuccess {
		t.Errorf("run status = %s, want success", run.Status)
	}

	runs, err := s.ListRuns(ctx, task.ID, 1, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != types.RunSuccess {
		t.Errorf("runs = %+v", runs)
	}

	if _, err := s.Trigger(ctx, "missing-task"); err == nil {
		t.Error("triggering a missing task should fail")
	}
}

func TestStartupRecovery(t *testing.T) {
	t.Parallel()
	s, st := newTestScheduler(t)
	ctx := context.Background()

	active := &types.SystemTask{Name: "active", CronExpression: "0 10 * * *"}
	paused := &types.SystemTask{Name: "paused", CronExpression: "0 11 * * *"}
	if err := s.CreateTask(ctx, active); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.CreateTask(ctx, paused); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.PauseTask(ctx, paused.ID); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}

	// A fresh scheduler over the same store re-registers only active tasks.
	exec := NewExecutor(st, &fakeRunner{}, ExecutorConfig{}, nil, testLogger())
	s2 := New(st, exec, testLogger())
	if err := s2.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s2.Shutdown()

	if s2.NextFire(active.ID).IsZero() {
		t.Error("active task not recovered")
	}
	if !s2.NextFire(paused.ID).IsZero() {
		t.Error("paused task should not be recovered")
	}
}
