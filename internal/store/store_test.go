package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cytzrs/share/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedAgent(t *testing.T, st *Store, id string) *types.Agent {
	t.Helper()
	a := &types.Agent{
		ID:           id,
		Name:         "agent " + id,
		InitialCash:  d("20000.00"),
		ProviderID:   "prov-1",
		ModelName:    "gpt-test",
		ScheduleType: types.ScheduleDaily,
		Status:       types.AgentActive,
	}
	if err := st.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	return a
}

func TestCreateAgentSeedsPortfolio(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	seedAgent(t, st, "a1")

	got, err := st.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if !got.InitialCash.Equal(d("20000.00")) {
		t.Errorf("initial cash = %s", got.InitialCash)
	}

	pf, err := st.GetPortfolio(ctx, "a1")
	if err != nil {
		t.Fatalf("GetPortfolio: %v", err)
	}
	if !pf.Cash.Equal(d("20000.00")) || len(pf.Positions) != 0 {
		t.Errorf("seed portfolio = %+v", pf)
	}
}

func TestAgentSoftDelete(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	seedAgent(t, st, "a1")
	seedAgent(t, st, "a2")

	if err := st.UpdateAgentStatus(ctx, "a1", types.AgentDeleted); err != nil {
		t.Fatalf("UpdateAgentStatus: %v", err)
	}

	// Soft-deleted agents are still loadable, but not active.
	got, err := st.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent after delete: %v", err)
	}
	if got.Status != types.AgentDeleted {
		t.Errorf("status = %s, want deleted", got.Status)
	}

	active, err := st.ListActiveAgents(ctx)
	if err != nil {
		t.Fatalf("ListActiveAgents: %v", err)
	}
	if len(active) != 1 || active[0].ID != "a2" {
		t.Errorf("active agents = %+v", active)
	}
}

func TestApplyFillAtomicAndInvariants(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedAgent(t, st, "a1")

	now := time.Date(2024, 6, 3, 10, 0, 0, 0, types.CST)
	order := &types.Order{
		ID: "o1", AgentID: "a1", LLMLogID: 0, Side: types.Buy,
		StockCode: "600000", Quantity: 100, Price: d("10.000"),
		Status: types.OrderFilled, Reason: "test", CreatedAt: now,
	}
	tr := &types.Transaction{
		ID: "t1", OrderID: "o1", AgentID: "a1", StockCode: "600000",
		Side: types.Buy, Quantity: 100, Price: d("10.000"),
		Fees:       types.Fees{Commission: d("5.00"), TransferFee: d("0.02")},
		ExecutedAt: now,
	}
	pf := &types.Portfolio{
		AgentID: "a1",
		Cash:    d("18994.98"),
		Positions: []types.Position{
			{StockCode: "600000", Shares: 100, AvgCost: d("10.000"), BuyDate: now},
		},
	}

	if err := st.ApplyFill(ctx, order, tr, pf); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}

	// The portfolio round-trips exactly.
	got, err := st.GetPortfolio(ctx, "a1")
	if err != nil {
		t.Fatalf("GetPortfolio: %v", err)
	}
	if !got.Cash.Equal(d("18994.98")) {
		t.Errorf("cash = %s", got.Cash)
	}
	if len(got.Positions) != 1 || got.Positions[0].Shares != 100 {
		t.Fatalf("positions = %+v", got.Positions)
	}
	if !types.DateOf(got.Positions[0].BuyDate).Equal(types.DateOf(now)) {
		t.Errorf("buy date = %v", got.Positions[0].BuyDate)
	}

	// Filled order has exactly one transaction.
	n, err := st.CountTransactions(ctx, "o1")
	if err != nil {
		t.Fatalf("CountTransactions: %v", err)
	}
	if n != 1 {
		t.Errorf("transactions for o1 = %d, want 1", n)
	}

	orders, err := st.ListOrders(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].Status != types.OrderFilled {
		t.Errorf("orders = %+v", orders)
	}
}

func TestRejectedOrderHasNoTransaction(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedAgent(t, st, "a1")

	order := &types.Order{
		ID: "o1", AgentID: "a1", Side: types.Buy,
		StockCode: "600000", Quantity: 100000, Price: d("10.000"),
		Status: types.OrderRejected, RejectReason: "insufficient cash",
		CreatedAt: time.Now(),
	}
	if err := st.InsertOrder(ctx, order); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	n, err := st.CountTransactions(ctx, "o1")
	if err != nil {
		t.Fatalf("CountTransactions: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected order has %d transactions, want 0", n)
	}
}

func TestHoldOrderNullColumns(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedAgent(t, st, "a1")

	order := &types.Order{
		ID: "o-hold", AgentID: "a1", Side: types.Hold,
		Status: types.OrderFilled, Reason: "nothing to do",
		CreatedAt: time.Now(),
	}
	if err := st.InsertOrder(ctx, order); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	orders, err := st.ListOrders(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("orders = %d", len(orders))
	}
	got := orders[0]
	if got.Side != types.Hold || got.StockCode != "" || got.Quantity != 0 {
		t.Errorf("hold order round-trip = %+v", got)
	}
}

func TestLLMLogAppend(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	entry := &types.LLMLog{
		ProviderID:  "prov-1",
		ModelName:   "gpt-test",
		AgentID:     "a1",
		RequestBody: `{"model":"gpt-test"}`,
		DurationMS:  123,
		Status:      "success",
		TokensIn:    10,
		TokensOut:   5,
	}
	if err := st.AppendLLMLog(ctx, entry); err != nil {
		t.Fatalf("AppendLLMLog: %v", err)
	}
	if entry.ID == 0 {
		t.Fatal("log id not assigned")
	}

	got, err := st.GetLLMLog(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetLLMLog: %v", err)
	}
	if got.Status != "success" || got.TokensIn != 10 || got.TokensOut != 5 {
		t.Errorf("log round-trip = %+v", got)
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	task := &types.SystemTask{
		ID:             "task-1",
		Name:           "morning decisions",
		CronExpression: "35 9 * * 1-5",
		TaskType:       types.TaskAgentDecision,
		TargetAgentIDs: types.AllAgents,
		TradingDayOnly: true,
		Status:         types.TaskActive,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Duplicate names are rejected by the unique constraint.
	dup := *task
	dup.ID = "task-2"
	if err := st.CreateTask(ctx, &dup); err == nil {
		t.Error("duplicate task name should fail")
	}

	// Pause then resume preserves all persistent fields.
	if err := st.SetTaskStatus(ctx, "task-1", types.TaskPaused); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	if err := st.SetTaskStatus(ctx, "task-1", types.TaskActive); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	got, err := st.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.CronExpression != task.CronExpression || got.Name != task.Name ||
		!got.TradingDayOnly || !got.TargetsAll() {
		t.Errorf("task after pause/resume = %+v", got)
	}
}

func TestDeleteTaskKeepsRunLogs(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	task := &types.SystemTask{
		ID: "task-1", Name: "t", CronExpression: "* * * * *",
		TaskType: types.TaskAgentDecision, TargetAgentIDs: types.AllAgents,
		Status: types.TaskActive,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	runID, err := st.StartRun(ctx, "task-1", time.Now())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	results := []types.AgentRunResult{{AgentID: "a1", Status: types.RunSuccess}}
	if err := st.FinishRun(ctx, runID, types.RunSuccess, "", "", results); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	if err := st.DeleteTask(ctx, "task-1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := st.GetTask(ctx, "task-1"); err == nil {
		t.Error("deleted task should not load")
	}

	// The run row survives with a nulled task reference. ListRuns keys on
	// task_id, so read the orphan directly.
	var taskID any
	err = st.db.QueryRow(`SELECT task_id FROM task_run_logs WHERE id = ?`, runID).Scan(&taskID)
	if err != nil {
		t.Fatalf("run log vanished: %v", err)
	}
	if taskID != nil {
		t.Errorf("task_id = %v, want NULL", taskID)
	}
}

func TestRunLogRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2024, 6, 3, 9, 35, 0, 0, types.CST)
	runID, err := st.StartRun(ctx, "task-9", started)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	results := []types.AgentRunResult{
		{AgentID: "a1", Status: types.RunSuccess, DurationMS: 1200},
		{AgentID: "a2", Status: types.RunFailed, ErrorMessage: "llm timeout", Retries: 3},
	}
	if err := st.FinishRun(ctx, runID, types.RunFailed, "", "agent a2: llm timeout", results); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	runs, err := st.ListRuns(ctx, "task-9", 1, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d", len(runs))
	}
	run := runs[0]
	if run.Status != types.RunFailed {
		t.Errorf("status = %s", run.Status)
	}
	if run.CompletedAt.Before(run.StartedAt) {
		t.Error("completed_at must not precede started_at")
	}
	if len(run.AgentResults) != 2 || run.AgentResults[1].Retries != 3 {
		t.Errorf("agent results = %+v", run.AgentResults)
	}
}

func TestQuotesUpsertAndPrevClose(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	day1 := time.Date(2024, 6, 3, 0, 0, 0, 0, types.CST)
	day2 := day1.AddDate(0, 0, 1)
	quotes := []types.Quote{
		{StockCode: "600000", TradeDate: day1, Close: d("10.000"), PrevClose: d("9.900"), Volume: 100},
		{StockCode: "600000", TradeDate: day2, Close: d("10.200"), PrevClose: d("10.000"), Volume: 200},
	}
	if err := st.UpsertQuotes(ctx, quotes); err != nil {
		t.Fatalf("UpsertQuotes: %v", err)
	}

	// Re-upserting the same (code, date) replaces, not duplicates.
	quotes[1].Close = d("10.300")
	if err := st.UpsertQuotes(ctx, quotes[1:]); err != nil {
		t.Fatalf("UpsertQuotes again: %v", err)
	}

	latest, err := st.LatestQuote(ctx, "600000")
	if err != nil {
		t.Fatalf("LatestQuote: %v", err)
	}
	if !latest.Close.Equal(d("10.300")) || !types.DateOf(latest.TradeDate).Equal(day2) {
		t.Errorf("latest = %+v", latest)
	}

	history, err := st.QuoteHistory(ctx, "600000", day1, day2)
	if err != nil {
		t.Fatalf("QuoteHistory: %v", err)
	}
	if len(history) != 2 || !history[0].TradeDate.Before(history[1].TradeDate) {
		t.Errorf("history = %+v", history)
	}

	// Same-day lookup uses the bar's own prev_close.
	pc, err := st.PrevClose(ctx, "600000", day2)
	if err != nil {
		t.Fatalf("PrevClose: %v", err)
	}
	if !pc.Equal(d("10.000")) {
		t.Errorf("prev close same day = %s, want 10.000", pc)
	}

	// A later day falls back to the last close.
	pc, err = st.PrevClose(ctx, "600000", day2.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("PrevClose: %v", err)
	}
	if !pc.Equal(d("10.300")) {
		t.Errorf("prev close next day = %s, want 10.300", pc)
	}
}

func TestProviderAndTemplateRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	p := &types.Provider{
		ID: "prov-1", Name: "main", Protocol: types.ProtocolAnthropic,
		APIURL: "https://api.anthropic.com", APIKey: "sk-test", Enabled: true,
	}
	if err := st.UpsertProvider(ctx, p); err != nil {
		t.Fatalf("UpsertProvider: %v", err)
	}
	got, err := st.GetProvider(ctx, "prov-1")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if got.Protocol != types.ProtocolAnthropic || !got.Enabled {
		t.Errorf("provider = %+v", got)
	}

	tpl := &types.PromptTemplate{ID: "tpl-1", Name: "default", Content: "cash: {{cash}}"}
	if err := st.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}
	// Saving again bumps the version.
	tpl.Content = "cash now: {{cash}}"
	if err := st.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("SaveTemplate again: %v", err)
	}
	gotTpl, err := st.GetTemplate(ctx, "tpl-1")
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if gotTpl.Version != 2 || gotTpl.Content != "cash now: {{cash}}" {
		t.Errorf("template = %+v", gotTpl)
	}
}
