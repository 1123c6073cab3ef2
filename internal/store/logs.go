// logs.go — the three append-only log streams: LLM round-trips, decision
// cycles, and task runs.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cytzrs/share/pkg/types"
)

// AppendLLMLog inserts one LLM call record and fills in its id. Implements
// llm.LogSink. Concurrent appends serialize on the single connection.
func (s *Store) AppendLLMLog(ctx context.Context, l *types.LLMLog) error {
	if l.RequestTime.IsZero() {
		l.RequestTime = time.Now().In(types.CST)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_request_logs
			(provider_id, model_name, agent_id, request_body, response_body,
			 duration_ms, status, error_message, tokens_in, tokens_out, request_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ProviderID, l.ModelName, l.AgentID, l.RequestBody, l.ResponseBody,
		l.DurationMS, l.Status, l.ErrorMessage, l.TokensIn, l.TokensOut,
		fmtTime(l.RequestTime))
	if err != nil {
		return fmt.Errorf("store: append llm log: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// GetLLMLog loads one LLM log row by id.
func (s *Store) GetLLMLog(ctx context.Context, id int64) (*types.LLMLog, error) {
	var l types.LLMLog
	var reqTime string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider_id, model_name, COALESCE(agent_id,''), request_body,
		       COALESCE(response_body,''), duration_ms, status, COALESCE(error_message,''),
		       COALESCE(tokens_in,0), COALESCE(tokens_out,0), request_time
		FROM llm_request_logs WHERE id = ?`, id).
		Scan(&l.ID, &l.ProviderID, &l.ModelName, &l.AgentID, &l.RequestBody,
			&l.ResponseBody, &l.DurationMS, &l.Status, &l.ErrorMessage,
			&l.TokensIn, &l.TokensOut, &reqTime)
	if err != nil {
		return nil, err
	}
	l.RequestTime = parseTime(reqTime)
	return &l, nil
}

// InsertDecisionLog records the outcome of one decision cycle.
func (s *Store) InsertDecisionLog(ctx context.Context, d *types.DecisionLog) error {
	orderIDs, _ := json.Marshal(d.OrderIDs)
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().In(types.CST)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_logs
			(agent_id, prompt, response, parsed_json, order_ids, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.AgentID, d.Prompt, d.Response, d.ParsedJSON, string(orderIDs),
		d.Status, d.ErrorMessage, fmtTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert decision log: %w", err)
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

// ————————————————————————————— task runs —————————————————————————————

// StartRun opens a task run log in the running state and returns its id.
func (s *Store) StartRun(ctx context.Context, taskID string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, started_at, status)
		VALUES (?, ?, ?)`,
		taskID, fmtTime(startedAt), string(types.RunRunning))
	if err != nil {
		return 0, fmt.Errorf("store: start run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun closes a run with its final status, optional skip/error details,
// and the per-agent result list.
func (s *Store) FinishRun(ctx context.Context, runID int64, status types.RunStatus, skipReason, errMsg string, results []types.AgentRunResult) error {
	resultsJSON, _ := json.Marshal(results)
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_run_logs
		SET completed_at = ?, status = ?, skip_reason = ?, error_message = ?, agent_results = ?
		WHERE id = ?`,
		fmtTime(time.Now()), string(status), skipReason, errMsg, string(resultsJSON), runID)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	return nil
}

// ListRuns pages through a task's run history, newest first. page starts
// at 1.
func (s *Store) ListRuns(ctx context.Context, taskID string, page, pageSize int) ([]types.TaskRunLog, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(task_id,''), started_at, COALESCE(completed_at,''),
		       status, COALESCE(skip_reason,''), COALESCE(error_message,''),
		       COALESCE(agent_results,'[]')
		FROM task_run_logs WHERE task_id = ?
		ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		taskID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []types.TaskRunLog
	for rows.Next() {
		var r types.TaskRunLog
		var started, completed, status, results string
		if err := rows.Scan(&r.ID, &r.TaskID, &started, &completed, &status,
			&r.SkipReason, &r.ErrorMessage, &results); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.CompletedAt = parseTime(completed)
		r.Status = types.RunStatus(status)
		_ = json.Unmarshal([]byte(results), &r.AgentResults)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
