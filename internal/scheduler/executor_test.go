package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cytzrs/share/internal/agent"
	"github.com/cytzrs/share/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRunStore records runs in memory.
type fakeRunStore struct {
	mu     sync.Mutex
	nextID int64
	runs   map[int64]*types.TaskRunLog
	agents []types.Agent
}

func newFakeRunStore(agents ...types.Agent) *fakeRunStore {
	return &fakeRunStore{runs: make(map[int64]*types.TaskRunLog), agents: agents}
}

func (f *fakeRunStore) StartRun(_ context.Context, taskID string, startedAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.runs[f.nextID] = &types.TaskRunLog{ID: f.nextID, TaskID: taskID, StartedAt: startedAt, Status: types.RunRunning}
	return f.nextID, nil
}

func (f *fakeRunStore) FinishRun(_ context.Context, runID int64, status types.RunStatus, skipReason, errMsg string, results []types.AgentRunResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[runID]
	run.Status = status
	run.SkipReason = skipReason
	run.ErrorMessage = errMsg
	run.AgentResults = results
	run.CompletedAt = time.Now()
	return nil
}

func (f *fakeRunStore) ListActiveAgents(_ context.Context) ([]types.Agent, error) {
	var active []types.Agent
	for _, a := range f.agents {
		if a.Status == types.AgentActive {
			active = append(active, a)
		}
	}
	return active, nil
}

func (f *fakeRunStore) GetAgent(_ context.Context, id string) (*types.Agent, error) {
	for i := range f.agents {
		if f.agents[i].ID == id {
			return &f.agents[i], nil
		}
	}
	return nil, errors.New("not found")
}

// fakeRunner counts concurrency and can be told to fail.
type fakeRunner struct {
	delay   time.Duration
	fail    bool
	calls   atomic.Int64
	current atomic.Int64
	peak    atomic.Int64
}

func (f *fakeRunner) RunCycle(ctx context.Context, agentID string, _ agent.Overrides) (*agent.CycleResult, error) {
	f.calls.Add(1)
	cur := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		peak := f.peak.Load()
		if cur <= peak || f.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail {
		return nil, errors.New("cycle boom")
	}
	return &agent.CycleResult{AgentID: agentID, Success: true}, nil
}

func activeAgents(n int) []types.Agent {
	agents := make([]types.Agent, n)
	for i := range agents {
		agents[i] = types.Agent{ID: string(rune('a' + i)), Status: types.AgentActive}
	}
	return agents
}

func decisionTask(tradingDayOnly bool, targets ...string) types.SystemTask {
	if len(targets) == 0 {
		targets = types.AllAgents
	}
	return types.SystemTask{
		ID: "task-1", Name: "t", CronExpression: "* * * * *",
		TaskType: types.TaskAgentDecision, TargetAgentIDs: targets,
		TradingDayOnly: tradingDayOnly, Status: types.TaskActive,
	}
}

func newTestExecutor(st RunStore, runner CycleRunner, workers int) *Executor {
	return NewExecutor(st, runner, ExecutorConfig{
		Workers:       workers,
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		AgentDeadline: time.Second,
	}, nil, testLogger())
}

func TestExecuteTaskSkippedOnWeekend(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	st := newFakeRunStore(activeAgents(3)...)
	e := newTestExecutor(st, runner, 5)
	e.nowFn = func() time.Time {
		return time.Date(2024, 6, 1, 10, 0, 0, 0, types.CST) // Saturday 10:00
	}

	run, err := e.ExecuteTask(context.Background(), decisionTask(true), false)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if run.Status != types.RunSkipped {
		t.Errorf("status = %s, want skipped", run.Status)
	}
	if run.SkipReason != "weekend" {
		t.Errorf("skip reason = %q, want weekend", run.SkipReason)
	}
	if len(run.AgentResults) != 0 {
		t.Errorf("skipped run has %d agent entries", len(run.AgentResults))
	}
	if runner.calls.Load() != 0 {
		t.Errorf("skipped run invoked %d cycles", runner.calls.Load())
	}
}

func TestExecuteTaskSkipReasonOffHours(t *testing.T) {
	t.Parallel()
	st := newFakeRunStore(activeAgents(1)...)
	e := newTestExecutor(st, &fakeRunner{}, 5)
	e.nowFn = func() time.Time {
		return time.Date(2024, 6, 3, 12, 0, 0, 0, types.CST) // Monday lunch break
	}

	run, _ := e.ExecuteTask(context.Background(), decisionTask(true), false)
	if run.Status != types.RunSkipped || run.SkipReason != "outside trading hours" {
		t.Errorf("run = %+v", run)
	}
}

func TestExecuteTaskBoundedFanOut(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{delay: 50 * time.Millisecond}
	st := newFakeRunStore(activeAgents(10)...)
	e := newTestExecutor(st, runner, 5)

	run, err := e.ExecuteTask(context.Background(), decisionTask(false), false)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if run.Status != types.RunSuccess {
		t.Errorf("status = %s, want success", run.Status)
	}
	if len(run.AgentResults) != 10 {
		t.Errorf("agent results = %d, want 10", len(run.AgentResults))
	}
	if runner.calls.Load() != 10 {
		t.Errorf("cycles = %d, want 10", runner.calls.Load())
	}
	if peak := runner.peak.Load(); peak > 5 {
		t.Errorf("peak concurrency = %d, want <= 5", peak)
	}
}

func TestExecuteTaskExplicitTargetsSkipMissing(t *testing.T) {
	t.Parallel()
	agents := []types.Agent{
		{ID: "a1", Status: types.AgentActive},
		{ID: "a2", Status: types.AgentPaused},
	}
	st := newFakeRunStore(agents...)
	e := newTestExecutor(st, &fakeRunner{}, 5)

	run, err := e.ExecuteTask(context.Background(), decisionTask(false, "a1", "a2", "ghost"), false)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if len(run.AgentResults) != 3 {
		t.Fatalf("agent results = %+v", run.AgentResults)
	}

	byID := map[string]types.AgentRunResult{}
	for _, r := range run.AgentResults {
		byID[r.AgentID] = r
	}
	if byID["a1"].Status != types.RunSuccess {
		t.Errorf("a1 = %s, want success", byID["a1"].Status)
	}
	if byID["a2"].Status != types.RunSkipped || byID["ghost"].Status != types.RunSkipped {
		t.Errorf("inactive/missing should be skipped: %+v", byID)
	}
	// Skipped agents never fail the run.
	if run.Status != types.RunSuccess {
		t.Errorf("run status = %s, want success", run.Status)
	}
}

func TestExecuteTaskRetriesAutomaticOnly(t *testing.T) {
	t.Parallel()

	// Automatic runs retry up to max_retries.
	runner := &fakeRunner{fail: true}
	st := newFakeRunStore(activeAgents(1)...)
	e := newTestExecutor(st, runner, 5)

	run, _ := e.ExecuteTask(context.Background(), decisionTask(false), false)
	if run.Status != types.RunFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if got := runner.calls.Load(); got != 4 { // 1 attempt + 3 retries
		t.Errorf("attempts = %d, want 4", got)
	}
	if run.AgentResults[0].Retries != 3 {
		t.Errorf("recorded retries = %d, want 3", run.AgentResults[0].Retries)
	}
	if run.ErrorMessage == "" {
		t.Error("failed run should carry an error message")
	}

	// Manual runs are never retried.
	runner2 := &fakeRunner{fail: true}
	e2 := newTestExecutor(newFakeRunStore(activeAgents(1)...), runner2, 5)
	e2.ExecuteTask(context.Background(), decisionTask(false), true)
	if got := runner2.calls.Load(); got != 1 {
		t.Errorf("manual attempts = %d, want 1", got)
	}
}

func TestRunAgentCoalescing(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{delay: 100 * time.Millisecond}
	e := newTestExecutor(newFakeRunStore(), runner, 5)

	var wg sync.WaitGroup
	results := make([]types.AgentRunResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.runAgent(context.Background(), "a1", true, testLogger())
		}(i)
	}
	wg.Wait()

	statuses := map[types.RunStatus]int{}
	for _, r := range results {
		statuses[r.Status]++
	}
	if statuses[types.RunSuccess] != 1 || statuses[types.RunSkipped] != 1 {
		t.Errorf("overlapping cycles = %+v, want one success and one skipped", statuses)
	}
	if runner.calls.Load() != 1 {
		t.Errorf("cycles = %d, want 1 (second coalesced)", runner.calls.Load())
	}
}

func TestExecuteTaskDeadlineCancelsCycle(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{delay: 5 * time.Second}
	st := newFakeRunStore(activeAgents(1)...)
	e := NewExecutor(st, runner, ExecutorConfig{
		Workers:       1,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
		AgentDeadline: 30 * time.Millisecond,
	}, nil, testLogger())

	start := time.Now()
	run, _ := e.ExecuteTask(context.Background(), decisionTask(false), true)
	if run.Status != types.RunFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("deadline did not cancel the cycle: took %v", elapsed)
	}
}

func TestExecuteTaskUnknownJobType(t *testing.T) {
	t.Parallel()
	st := newFakeRunStore()
	e := newTestExecutor(st, &fakeRunner{}, 5)

	task := decisionTask(false)
	task.TaskType = types.TaskQuoteSync
	run, err := e.ExecuteTask(context.Background(), task, false)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if run.Status != types.RunFailed {
		t.Errorf("status = %s, want failed for missing handler", run.Status)
	}
}

func TestExecuteTaskJobHandler(t *testing.T) {
	t.Parallel()
	st := newFakeRunStore()
	called := false
	jobs := map[types.TaskType]JobFunc{
		types.TaskQuoteSync: func(ctx context.Context, task types.SystemTask) error {
			called = true
			return nil
		},
	}
	e := NewExecutor(st, &fakeRunner{}, ExecutorConfig{}, jobs, testLogger())

	task := decisionTask(false)
	task.TaskType = types.TaskQuoteSync
	run, err := e.ExecuteTask(context.Background(), task, false)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if !called {
		t.Error("job handler not invoked")
	}
	if run.Status != types.RunSuccess {
		t.Errorf("status = %s, want success", run.Status)
	}
}
