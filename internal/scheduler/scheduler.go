// Package scheduler owns the cron clock and the task lifecycle.
//
// One robfig/cron instance, pinned to the exchange timezone, carries one
// entry per active system task. Task CRUD keeps the store row and the cron
// entry in lock-step: creating or resuming a task registers it, pausing or
// deleting removes the entry (an in-flight run is never interrupted — only
// future fires are suppressed).
//
// Startup recovery re-registers every active task from the store. Missed
// fires during downtime are not replayed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cytzrs/share/internal/store"
	"github.com/cytzrs/share/pkg/types"
)

// Scheduler is the process-wide cron singleton. Start it once from the
// application lifecycle and Shutdown on exit.
type Scheduler struct {
	cron   *cron.Cron
	store  *store.Store
	exec   *Executor
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // task id -> cron entry
}

// New builds a scheduler around the shared store and executor.
func New(st *store.Store, exec *Executor, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(types.CST), cron.WithParser(cronParser)),
		store:   st,
		exec:    exec,
		logger:  logger.With("component", "scheduler"),
		entries: make(map[string]cron.EntryID),
	}
}

// Start performs startup recovery and starts the cron clock: every task
// with status=active is re-registered. Fires missed while the process was
// down are silently skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load active tasks: %w", err)
	}
	for _, t := range tasks {
		if err := s.register(t); err != nil {
			s.logger.Error("failed to register task", "task", t.ID, "name", t.Name, "error", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", len(tasks))
	return nil
}

// Shutdown stops the clock and waits for in-flight jobs to finish.
func (s *Scheduler) Shutdown() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// CreateTask validates, persists, and registers a new task. A task with an
// invalid cron expression cannot be saved.
func (s *Scheduler) CreateTask(ctx context.Context, t *types.SystemTask) error {
	if err := ValidateCron(t.CronExpression); err != nil {
		return err
	}
	if t.Name == "" {
		return fmt.Errorf("task name must not be empty")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.TaskType == "" {
		t.TaskType = types.TaskAgentDecision
	}
	if len(t.TargetAgentIDs) == 0 {
		t.TargetAgentIDs = types.AllAgents
	}
	if t.Status == "" {
		t.Status = types.TaskActive
	}

	if err := s.store.CreateTask(ctx, t); err != nil {
		return err
	}
	if t.Status == types.TaskActive {
		if err := s.register(*t); err != nil {
			return err
		}
	}
	s.logger.Info("task created", "task", t.ID, "name", t.Name, "cron", t.CronExpression)
	return nil
}

// UpdateTask rewrites a task and re-registers it when active.
func (s *Scheduler) UpdateTask(ctx context.Context, t *types.SystemTask) error {
	if err := ValidateCron(t.CronExpression); err != nil {
		return err
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return err
	}

	s.unregister(t.ID)
	if t.Status == types.TaskActive {
		if err := s.register(*t); err != nil {
			return err
		}
	}
	s.logger.Info("task updated", "task", t.ID, "name", t.Name)
	return nil
}

// PauseTask suppresses future fires. An in-flight run is unaffected.
func (s *Scheduler) PauseTask(ctx context.Context, taskID string) error {
	if err := s.store.SetTaskStatus(ctx, taskID, types.TaskPaused); err != nil {
		return err
	}
	s.unregister(taskID)
	s.logger.Info("task paused", "task", taskID)
	return nil
}

// ResumeTask reactivates a paused task; its next fire time is recomputed
// from the cron expression relative to now.
func (s *Scheduler) ResumeTask(ctx context.Context, taskID string) error {
	if err := s.store.SetTaskStatus(ctx, taskID, types.TaskActive); err != nil {
		return err
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.register(*t); err != nil {
		return err
	}
	s.logger.Info("task resumed", "task", taskID)
	return nil
}

// DeleteTask removes the task from the clock and the store. Its run history
// survives with the task reference nulled.
func (s *Scheduler) DeleteTask(ctx context.Context, taskID string) error {
	s.unregister(taskID)
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.logger.Info("task deleted", "task", taskID)
	return nil
}

// Trigger fires a task immediately. Manual fires bypass retries but not the
// trading-window gate.
func (s *Scheduler) Trigger(ctx context.Context, taskID string) (*types.TaskRunLog, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: task %s not found", taskID)
	}
	return s.exec.ExecuteTask(ctx, *t, true)
}

// ListRuns pages a task's run history.
func (s *Scheduler) ListRuns(ctx context.Context, taskID string, page, pageSize int) ([]types.TaskRunLog, error) {
	return s.store.ListRuns(ctx, taskID, page, pageSize)
}

// NextFire reports the next scheduled fire for a registered task, zero when
// the task is not registered.
func (s *Scheduler) NextFire(taskID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[taskID]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// register adds a cron entry firing ExecuteTask. The task row is reloaded
// at fire time so edits between fires take effect.
func (s *Scheduler) register(t types.SystemTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[t.ID]; ok {
		s.cron.Remove(old)
		delete(s.entries, t.ID)
	}

	taskID := t.ID
	entryID, err := s.cron.AddFunc(t.CronExpression, func() {
		ctx := context.Background()
		current, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			s.logger.Warn("task vanished before fire", "task", taskID)
			return
		}
		if current.Status != types.TaskActive {
			return
		}
		if _, err := s.exec.ExecuteTask(ctx, *current, false); err != nil {
			s.logger.Error("task run failed", "task", taskID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: register task %s: %w", t.ID, err)
	}
	s.entries[t.ID] = entryID
	return nil
}

func (s *Scheduler) unregister(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[taskID]; ok {
		s.cron.Remove(id)
		delete(s.entries, taskID)
	}
}
