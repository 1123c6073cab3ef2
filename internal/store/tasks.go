// tasks.go — system task rows. Deleting a task keeps its run history: the
// task_id column on task_run_logs is nulled instead of cascading.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cytzrs/share/pkg/types"
)

// CreateTask inserts a task row. The UNIQUE constraint on name surfaces
// duplicates as an error.
func (s *Store) CreateTask(ctx context.Context, t *types.SystemTask) error {
	now := time.Now().In(types.CST)
	t.CreatedAt, t.UpdatedAt = now, now
	agentIDs, _ := json.Marshal(t.TargetAgentIDs)
	config, _ := json.Marshal(t.Config)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_tasks
			(task_id, name, cron_expression, task_type, agent_ids, trading_day_only, status, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.CronExpression, string(t.TaskType), string(agentIDs),
		boolInt(t.TradingDayOnly), string(t.Status), string(config),
		fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("store: create task: %w", err)
	}
	return nil
}

// UpdateTask rewrites the mutable fields of a task.
func (s *Store) UpdateTask(ctx context.Context, t *types.SystemTask) error {
	agentIDs, _ := json.Marshal(t.TargetAgentIDs)
	config, _ := json.Marshal(t.Config)
	res, err := s.db.ExecContext(ctx, `
		UPDATE system_tasks
		SET name = ?, cron_expression = ?, task_type = ?, agent_ids = ?,
		    trading_day_only = ?, status = ?, config = ?, updated_at = ?
		WHERE task_id = ?`,
		t.Name, t.CronExpression, string(t.TaskType), string(agentIDs),
		boolInt(t.TradingDayOnly), string(t.Status), string(config),
		fmtTime(time.Now()), t.ID)
	if err != nil {
		return fmt.Errorf("store: update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskStatus flips a task between active and paused.
func (s *Store) SetTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE system_tasks SET status = ?, updated_at = ? WHERE task_id = ?`,
		string(status), fmtTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("store: set task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes the task row and detaches its run logs.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_run_logs SET task_id = NULL WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("store: detach run logs: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM system_tasks WHERE task_id = ?`, taskID)
		if err != nil {
			return fmt.Errorf("store: delete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*types.SystemTask, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE task_id = ?`, taskID)
	return scanTask(row)
}

// ListTasks returns every task, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]types.SystemTask, error) {
	return s.queryTasks(ctx, taskSelect+` ORDER BY created_at DESC`)
}

// ListActiveTasks returns tasks with status=active, used for startup
// recovery.
func (s *Store) ListActiveTasks(ctx context.Context) ([]types.SystemTask, error) {
	return s.queryTasks(ctx, taskSelect+` WHERE status = 'active' ORDER BY created_at`)
}

const taskSelect = `
	SELECT task_id, name, cron_expression, task_type, agent_ids,
	       trading_day_only, status, COALESCE(config,'{}'), created_at, updated_at
	FROM system_tasks`

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]types.SystemTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []types.SystemTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanTask(r rowScanner) (*types.SystemTask, error) {
	var t types.SystemTask
	var taskType, agentIDs, status, config, created, updated string
	var tradingDayOnly int
	if err := r.Scan(&t.ID, &t.Name, &t.CronExpression, &taskType, &agentIDs,
		&tradingDayOnly, &status, &config, &created, &updated); err != nil {
		return nil, err
	}
	t.TaskType = types.TaskType(taskType)
	t.TradingDayOnly = tradingDayOnly != 0
	t.Status = types.TaskStatus(status)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	_ = json.Unmarshal([]byte(agentIDs), &t.TargetAgentIDs)
	_ = json.Unmarshal([]byte(config), &t.Config)
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
