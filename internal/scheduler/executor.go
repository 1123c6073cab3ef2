// executor.go runs one task: gate on the trading window, expand the target
// agent set, fan the cycles out over a bounded worker pool, retry automatic
// failures, and record the run with per-agent results.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cytzrs/share/internal/agent"
	"github.com/cytzrs/share/internal/rules"
	"github.com/cytzrs/share/pkg/types"
)

// CycleRunner is the decision-cycle surface the executor drives.
type CycleRunner interface {
	RunCycle(ctx context.Context, agentID string, ov agent.Overrides) (*agent.CycleResult, error)
}

// RunStore is the slice of the store the executor needs.
type RunStore interface {
	StartRun(ctx context.Context, taskID string, startedAt time.Time) (int64, error)
	FinishRun(ctx context.Context, runID int64, status types.RunStatus, skipReason, errMsg string, results []types.AgentRunResult) error
	ListActiveAgents(ctx context.Context) ([]types.Agent, error)
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
}

// JobFunc handles a non-decision task type (quote sync, market refresh).
type JobFunc func(ctx context.Context, task types.SystemTask) error

// ExecutorConfig tunes the fan-out behaviour.
type ExecutorConfig struct {
	Workers       int           // concurrent agent cycles per run (default 5)
	MaxRetries    int           // automatic-run retries per agent (default 3)
	RetryDelay    time.Duration // pause between retries (default 60s)
	AgentDeadline time.Duration // per-cycle deadline (default 60s, the LLM timeout)
}

func (c *ExecutorConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 60 * time.Second
	}
	if c.AgentDeadline == 0 {
		c.AgentDeadline = 60 * time.Second
	}
}

// Executor fans one task run out over its target agents.
type Executor struct {
	store  RunStore
	runner CycleRunner
	cfg    ExecutorConfig
	jobs   map[types.TaskType]JobFunc
	logger *slog.Logger

	// inFlight is the per-agent coalescing guard: at most one cycle per
	// agent may run at a time, across all tasks. Overlapping fires for the
	// same agent are dropped and recorded as skipped.
	inFlight sync.Map // agent id -> struct{}

	nowFn func() time.Time
}

// NewExecutor wires an executor. jobs may be nil when only agent-decision
// tasks exist.
func NewExecutor(st RunStore, runner CycleRunner, cfg ExecutorConfig, jobs map[types.TaskType]JobFunc, logger *slog.Logger) *Executor {
	cfg.defaults()
	return &Executor{
		store:  st,
		runner: runner,
		cfg:    cfg,
		jobs:   jobs,
		logger: logger.With("component", "task_executor"),
		nowFn:  func() time.Time { return time.Now().In(types.CST) },
	}
}

// ExecuteTask runs one task once. manual marks user-initiated fires, which
// are never retried. The returned run log mirrors what was persisted.
func (e *Executor) ExecuteTask(ctx context.Context, task types.SystemTask, manual bool) (*types.TaskRunLog, error) {
	now := e.nowFn()
	log := e.logger.With("task", task.ID, "name", task.Name)

	runID, err := e.store.StartRun(ctx, task.ID, now)
	if err != nil {
		return nil, fmt.Errorf("executor: start run: %w", err)
	}
	run := &types.TaskRunLog{ID: runID, TaskID: task.ID, StartedAt: now, Status: types.RunRunning}

	// Trading-window gate: the whole run is skipped before any agent is
	// dispatched.
	if task.TradingDayOnly {
		if reason := gateReason(now); reason != "" {
			run.Status = types.RunSkipped
			run.SkipReason = reason
			log.Info("run skipped", "reason", reason)
			if err := e.store.FinishRun(ctx, runID, run.Status, reason, "", nil); err != nil {
				log.Error("failed to record skipped run", "error", err)
			}
			return run, nil
		}
	}

	if task.TaskType != types.TaskAgentDecision {
		return e.runJob(ctx, task, run, log)
	}

	targets, preResults := e.expandTargets(ctx, task, now)
	results := e.fanOut(ctx, targets, manual, log)
	results = append(preResults, results...)

	run.AgentResults = results
	run.Status = aggregateStatus(results)
	if run.Status == types.RunFailed {
		run.ErrorMessage = firstError(results)
	}
	run.CompletedAt = e.nowFn()

	if err := e.store.FinishRun(ctx, runID, run.Status, "", run.ErrorMessage, results); err != nil {
		log.Error("failed to record run", "error", err)
	}
	log.Info("run complete", "status", run.Status, "agents", len(results))
	return run, nil
}

// runJob executes a non-decision task through its registered handler.
func (e *Executor) runJob(ctx context.Context, task types.SystemTask, run *types.TaskRunLog, log *slog.Logger) (*types.TaskRunLog, error) {
	job, ok := e.jobs[task.TaskType]
	if !ok {
		run.Status = types.RunFailed
		run.ErrorMessage = fmt.Sprintf("no handler for task type %s", task.TaskType)
	} else if err := job(ctx, task); err != nil {
		run.Status = types.RunFailed
		run.ErrorMessage = err.Error()
	} else {
		run.Status = types.RunSuccess
	}
	run.CompletedAt = e.nowFn()
	if err := e.store.FinishRun(ctx, run.ID, run.Status, "", run.ErrorMessage, nil); err != nil {
		log.Error("failed to record run", "error", err)
	}
	return run, nil
}

// gateReason returns why now is outside the trading window, or "" when the
// window is open.
func gateReason(now time.Time) string {
	if !rules.IsTradingDay(now) {
		return "weekend"
	}
	if !rules.IsTradingTime(now) {
		return "outside trading hours"
	}
	return ""
}

// expandTargets resolves the task's agent list. ["all"] becomes the set of
// active agents; explicit targets that are missing or inactive come back as
// pre-skipped results.
func (e *Executor) expandTargets(ctx context.Context, task types.SystemTask, now time.Time) ([]string, []types.AgentRunResult) {
	if task.TargetsAll() {
		agents, err := e.store.ListActiveAgents(ctx)
		if err != nil {
			e.logger.Error("failed to list active agents", "error", err)
			return nil, nil
		}
		ids := make([]string, 0, len(agents))
		for _, a := range agents {
			ids = append(ids, a.ID)
		}
		return ids, nil
	}

	var targets []string
	var skipped []types.AgentRunResult
	for _, id := range task.TargetAgentIDs {
		a, err := e.store.GetAgent(ctx, id)
		switch {
		case err != nil:
			skipped = append(skipped, skipResult(id, now, "agent not found"))
		case a.Status != types.AgentActive:
			skipped = append(skipped, skipResult(id, now, fmt.Sprintf("agent is %s", a.Status)))
		default:
			targets = append(targets, id)
		}
	}
	return targets, skipped
}

// fanOut runs the agent cycles concurrently on the bounded worker pool.
func (e *Executor) fanOut(ctx context.Context, agentIDs []string, manual bool, log *slog.Logger) []types.AgentRunResult {
	sem := semaphore.NewWeighted(int64(e.cfg.Workers))
	results := make([]types.AgentRunResult, len(agentIDs))
	var wg sync.WaitGroup

	for i, agentID := range agentIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = skipResult(agentID, e.nowFn(), "run cancelled")
			continue
		}
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = e.runAgent(ctx, agentID, manual, log)
		}(i, agentID)
	}

	wg.Wait()
	return results
}

// runAgent executes one agent's cycle with the coalescing guard, the
// per-cycle deadline, and the automatic retry loop.
func (e *Executor) runAgent(ctx context.Context, agentID string, manual bool, log *slog.Logger) types.AgentRunResult {
	started := e.nowFn()

	if _, busy := e.inFlight.LoadOrStore(agentID, struct{}{}); busy {
		log.Warn("overlapping cycle dropped", "agent", agentID)
		return skipResult(agentID, started, "cycle already running")
	}
	defer e.inFlight.Delete(agentID)

	maxAttempts := 1
	if !manual {
		maxAttempts = 1 + e.cfg.MaxRetries
	}

	var lastErr error
	retries := 0
retry:
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			log.Info("retrying agent cycle", "agent", agentID, "attempt", attempt)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retry
			case <-time.After(e.cfg.RetryDelay):
			}
		}
		retries = attempt

		cycleCtx, cancel := context.WithTimeout(ctx, e.cfg.AgentDeadline)
		_, err := e.runner.RunCycle(cycleCtx, agentID, agent.Overrides{})
		cancel()
		if err == nil {
			completed := e.nowFn()
			return types.AgentRunResult{
				AgentID:     agentID,
				Status:      types.RunSuccess,
				StartedAt:   started,
				CompletedAt: completed,
				DurationMS:  completed.Sub(started).Milliseconds(),
				Retries:     attempt,
			}
		}
		lastErr = err
		log.Warn("agent cycle failed", "agent", agentID, "attempt", attempt, "error", err)
	}

	completed := e.nowFn()
	return types.AgentRunResult{
		AgentID:      agentID,
		Status:       types.RunFailed,
		StartedAt:    started,
		CompletedAt:  completed,
		DurationMS:   completed.Sub(started).Milliseconds(),
		Retries:      retries,
		ErrorMessage: lastErr.Error(),
	}
}

func skipResult(agentID string, at time.Time, reason string) types.AgentRunResult {
	return types.AgentRunResult{
		AgentID:      agentID,
		Status:       types.RunSkipped,
		StartedAt:    at,
		CompletedAt:  at,
		ErrorMessage: reason,
	}
}

// aggregateStatus folds per-agent outcomes into the run status: success iff
// every non-skipped agent succeeded; failed when any agent failed; a run of
// only skipped agents still counts as success.
func aggregateStatus(results []types.AgentRunResult) types.RunStatus {
	for _, r := range results {
		if r.Status == types.RunFailed {
			return types.RunFailed
		}
	}
	return types.RunSuccess
}

func firstError(results []types.AgentRunResult) string {
	for _, r := range results {
		if r.Status == types.RunFailed {
			return fmt.Sprintf("agent %s: %s", r.AgentID, r.ErrorMessage)
		}
	}
	return ""
}
