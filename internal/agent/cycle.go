// Package agent runs one decision cycle for one trading agent: load state,
// build the prompt, call the LLM, parse and validate the reply, and hand the
// surviving decisions to the order processor in list order.
//
// A cycle is strictly sequential — every order draws from the same cash
// pool, so decision N+1 must see the portfolio left by decision N. Fan-out
// across agents belongs to the scheduler, which also guarantees at most one
// in-flight cycle per agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cytzrs/share/internal/decision"
	"github.com/cytzrs/share/internal/llm"
	"github.com/cytzrs/share/internal/orders"
	"github.com/cytzrs/share/pkg/types"
)

// Repo is the slice of the store a cycle needs.
type Repo interface {
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	GetProvider(ctx context.Context, id string) (*types.Provider, error)
	GetPortfolio(ctx context.Context, agentID string) (*types.Portfolio, error)
	GetTemplate(ctx context.Context, id string) (*types.PromptTemplate, error)
	InsertOrder(ctx context.Context, o *types.Order) error
	ApplyFill(ctx context.Context, o *types.Order, tr *types.Transaction, pf *types.Portfolio) error
	InsertDecisionLog(ctx context.Context, d *types.DecisionLog) error
}

// ChatClient is the LLM surface the cycle consumes.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (*llm.ChatResponse, error)
}

// MarketData supplies price context. All methods are best-effort from the
// cycle's point of view.
type MarketData interface {
	LatestQuote(ctx context.Context, code string) (*types.Quote, error)
	QuoteHistory(ctx context.Context, code string, from, to time.Time) ([]types.Quote, error)
	HotStocks(ctx context.Context, n int) ([]string, error)
	RealtimeQuotes(ctx context.Context, codes []string) (map[string]types.Quote, error)
}

// ClientFactory builds (or reuses) an LLM client for a provider row.
type ClientFactory func(p types.Provider) ChatClient

// Overrides lets a caller pin parts of the context, mainly for manual
// triggers and tests.
type Overrides struct {
	SentimentScore *float64
	MarketSummary  string
	Prices         map[string]decimal.Decimal
	Now            time.Time // zero means wall clock
}

// OrderOutcome describes what happened to one decision.
type OrderOutcome struct {
	OrderID   string
	Side      types.Side
	StockCode string
	Status    types.OrderStatus
	Reason    string // reject reason when rejected
}

// CycleResult is the outcome record of one cycle.
type CycleResult struct {
	AgentID  string
	Success  bool
	Outcomes []OrderOutcome
}

// Runner executes decision cycles. Safe for concurrent use across agents;
// the scheduler must not run two cycles for the same agent concurrently.
type Runner struct {
	repo       Repo
	marketData MarketData // may be nil: cycles run with a bare context
	factory    ClientFactory
	parser     *decision.Parser
	processor  *orders.Processor
	logger     *slog.Logger

	clientsMu sync.Mutex
	clients   map[string]ChatClient // pooled by provider id
}

// NewRunner wires a cycle runner.
func NewRunner(repo Repo, md MarketData, factory ClientFactory, processor *orders.Processor, logger *slog.Logger) *Runner {
	return &Runner{
		repo:       repo,
		marketData: md,
		factory:    factory,
		parser:     decision.NewParser(logger),
		processor:  processor,
		logger:     logger.With("component", "agent_cycle"),
		clients:    make(map[string]ChatClient),
	}
}

// RunCycle executes one full decision cycle for agentID. The returned error
// is non-nil only for cycle-aborting failures; individual rejected orders
// still count as a successful cycle.
func (r *Runner) RunCycle(ctx context.Context, agentID string, ov Overrides) (*CycleResult, error) {
	now := ov.Now
	if now.IsZero() {
		now = time.Now().In(types.CST)
	}
	log := r.logger.With("agent", agentID)

	// 1. Agent must exist and be active.
	ag, err := r.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, &types.Violation{Code: types.CodeAgentNotFound, Message: fmt.Sprintf("agent %s not found", agentID)}
	}
	if ag.Status != types.AgentActive {
		return nil, &types.Violation{Code: types.CodeAgentInactive, Message: fmt.Sprintf("agent status is %s", ag.Status)}
	}

	// 2. Resolve the LLM provider.
	client, verr := r.resolveClient(ctx, ag)
	if verr != nil {
		return nil, verr
	}

	// 3. Portfolio snapshot.
	pf, err := r.repo.GetPortfolio(ctx, agentID)
	if err != nil {
		return nil, &types.Violation{Code: types.CodePortfolioNotFound, Message: fmt.Sprintf("portfolio for agent %s not found", agentID)}
	}

	// 4-5. Prompt context and rendering.
	promptCtx := r.buildContext(ctx, ag, pf, ov, now)
	prompt := r.renderPrompt(ctx, ag, promptCtx)

	// 6. LLM round-trip.
	resp, err := client.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, llm.ChatOptions{
		Model:   ag.ModelName,
		AgentID: ag.ID,
	})
	if err != nil {
		r.logDecision(ctx, ag.ID, prompt, "", nil, nil, "api_error", err.Error())
		var lerr *llm.Error
		if errors.As(err, &lerr) {
			return nil, fmt.Errorf("llm call failed: %w", lerr)
		}
		return nil, fmt.Errorf("llm call failed: %w", err)
	}

	// 7. Parse. An empty list means the reply was unparseable — distinct
	// from an explicit hold, which parses to one hold decision.
	decisions := r.parser.Parse(resp.Content)
	if len(decisions) == 0 {
		r.logDecision(ctx, ag.ID, prompt, resp.Content, nil, nil, "api_error", "unparseable LLM response")
		return nil, fmt.Errorf("unparseable LLM response")
	}

	// 8. Validate each decision against the current portfolio.
	valid := make([]types.TradingDecision, 0, len(decisions))
	var lastViolation *types.Violation
	for _, d := range decisions {
		prevClose := r.prevCloseFor(ctx, d.StockCode, ov, now)
		if v := decision.Validate(d, pf, prevClose); v != nil {
			log.Warn("dropping invalid decision", "code", d.StockCode, "error", v)
			lastViolation = v
			continue
		}
		valid = append(valid, d)
	}
	if len(valid) == 0 {
		msg := "all decisions invalid"
		if lastViolation != nil {
			msg = fmt.Sprintf("all decisions invalid: %s", lastViolation.Message)
		}
		r.logDecision(ctx, ag.ID, prompt, resp.Content, decisions, nil, "api_error", msg)
		return nil, errors.New(msg)
	}

	// 9. Dispatch surviving decisions in list order, one atomic persist per
	// order. Later decisions see the portfolio left by earlier ones.
	result := &CycleResult{AgentID: ag.ID, Success: true}
	traded := false
	for _, d := range valid {
		outcome, newPf, err := r.dispatch(ctx, ag, pf, d, resp.LogID, ov, now)
		if err != nil {
			return nil, err
		}
		result.Outcomes = append(result.Outcomes, *outcome)
		pf = newPf
		if outcome.Side != types.Hold {
			traded = true
		}
	}

	// 10. One outcome record per cycle.
	status := "success"
	if !traded {
		status = "no_trade"
	}
	orderIDs := make([]string, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		orderIDs = append(orderIDs, o.OrderID)
	}
	r.logDecision(ctx, ag.ID, prompt, resp.Content, valid, orderIDs, status, "")

	log.Info("cycle complete", "orders", len(result.Outcomes), "status", status)
	return result, nil
}

// resolveClient maps the agent's provider id to a pooled LLM client.
func (r *Runner) resolveClient(ctx context.Context, ag *types.Agent) (ChatClient, *types.Violation) {
	if ag.ProviderID == "" {
		return nil, &types.Violation{Code: types.CodeProviderNotConfigured, Message: "agent has no LLM provider configured"}
	}
	provider, err := r.repo.GetProvider(ctx, ag.ProviderID)
	if err != nil {
		return nil, &types.Violation{Code: types.CodeProviderNotFound, Message: fmt.Sprintf("provider %s not found", ag.ProviderID)}
	}
	if !provider.Enabled {
		return nil, &types.Violation{Code: types.CodeProviderDisabled, Message: fmt.Sprintf("provider %s is disabled", ag.ProviderID)}
	}

	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	if client, ok := r.clients[provider.ID]; ok {
		return client, nil
	}
	client := r.factory(*provider)
	r.clients[provider.ID] = client
	return client, nil
}

// buildContext collects the best-effort market blocks around the mandatory
// portfolio snapshot.
func (r *Runner) buildContext(ctx context.Context, ag *types.Agent, pf *types.Portfolio, ov Overrides, now time.Time) PromptContext {
	pctx := BuildContext(pf, ag.InitialCash, now)
	pctx.MarketSummary = ov.MarketSummary
	if ov.SentimentScore != nil {
		pctx.SentimentScore = fmt.Sprintf("%.3f", *ov.SentimentScore)
	}

	if r.marketData == nil {
		return pctx
	}

	if hot, err := r.marketData.HotStocks(ctx, 10); err == nil && len(hot) > 0 {
		if quotes, err := r.marketData.RealtimeQuotes(ctx, hot); err == nil {
			pctx.HotStockQuotes = formatQuotes(hot, quotes)
		}
	} else if err != nil {
		r.logger.Debug("hot stocks unavailable", "error", err)
	}

	if len(pf.Positions) > 0 {
		var sb strings.Builder
		from := now.AddDate(0, 0, -5)
		for _, pos := range pf.Positions {
			bars, err := r.marketData.QuoteHistory(ctx, pos.StockCode, from, now)
			if err != nil || len(bars) == 0 {
				continue
			}
			fmt.Fprintf(&sb, "%s:", pos.StockCode)
			for _, b := range bars {
				fmt.Fprintf(&sb, " %s=%s", types.DateOf(b.TradeDate).Format(time.DateOnly), b.Close.StringFixed(3))
			}
			sb.WriteString("\n")
		}
		pctx.PositionQuotes = sb.String()
	}

	return pctx
}

func formatQuotes(codes []string, quotes map[string]types.Quote) string {
	var sb strings.Builder
	for _, code := range codes {
		q, ok := quotes[code]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "- %s close=%s prev_close=%s volume=%d\n",
			code, q.Close.StringFixed(3), q.PrevClose.StringFixed(3), q.Volume)
	}
	return sb.String()
}

// renderPrompt uses the agent's template when it loads, the default prompt
// otherwise.
func (r *Runner) renderPrompt(ctx context.Context, ag *types.Agent, pctx PromptContext) string {
	if ag.TemplateID == "" {
		return DefaultPrompt(pctx)
	}
	tpl, err := r.repo.GetTemplate(ctx, ag.TemplateID)
	if err != nil || strings.TrimSpace(tpl.Content) == "" {
		r.logger.Warn("template unavailable, using default prompt", "template", ag.TemplateID, "error", err)
		return DefaultPrompt(pctx)
	}
	return Render(tpl.Content, pctx)
}

// prevCloseFor resolves the previous close for limit validation. Returns nil
// when no quote is available; validation then skips the band check.
func (r *Runner) prevCloseFor(ctx context.Context, code string, ov Overrides, now time.Time) *decimal.Decimal {
	if code == "" {
		return nil
	}
	if p, ok := ov.Prices[code]; ok {
		return &p
	}
	if r.marketData == nil {
		return nil
	}
	q, err := r.marketData.LatestQuote(ctx, code)
	if err != nil {
		return nil
	}
	// Today's bar carries its own prev_close; an older bar's close is the
	// best available reference.
	if types.DateOf(q.TradeDate).Equal(types.DateOf(now)) {
		return &q.PrevClose
	}
	return &q.Close
}

// dispatch turns one decision into a persisted order (and, on success, a
// transaction plus portfolio update).
func (r *Runner) dispatch(ctx context.Context, ag *types.Agent, pf *types.Portfolio, d types.TradingDecision, llmLogID int64, ov Overrides, now time.Time) (*OrderOutcome, *types.Portfolio, error) {
	// Hold and wait persist an order row with no trade attached.
	if d.Decision == types.DecideHold || d.Decision == types.DecideWait {
		o := &types.Order{
			ID:        uuid.NewString(),
			AgentID:   ag.ID,
			LLMLogID:  llmLogID,
			Side:      types.Hold,
			Status:    types.OrderFilled,
			Reason:    d.Reason,
			CreatedAt: now,
		}
		if err := r.repo.InsertOrder(ctx, o); err != nil {
			return nil, nil, fmt.Errorf("persist hold order: %w", err)
		}
		return &OrderOutcome{OrderID: o.ID, Side: types.Hold, Status: o.Status}, pf, nil
	}

	price, verr := r.resolvePrice(ctx, d, ov)
	order := types.Order{
		ID:        uuid.NewString(),
		AgentID:   ag.ID,
		LLMLogID:  llmLogID,
		Side:      types.Side(d.Decision),
		StockCode: d.StockCode,
		Quantity:  *d.Quantity,
		Status:    types.OrderPending,
		Reason:    d.Reason,
		CreatedAt: now,
	}
	if verr != nil {
		order.Status = types.OrderRejected
		order.RejectReason = verr.Message
		if err := r.repo.InsertOrder(ctx, &order); err != nil {
			return nil, nil, fmt.Errorf("persist rejected order: %w", err)
		}
		return &OrderOutcome{
			OrderID: order.ID, Side: order.Side, StockCode: order.StockCode,
			Status: types.OrderRejected, Reason: verr.Message,
		}, pf, nil
	}
	order.Price = price

	prevClose := r.prevCloseFor(ctx, d.StockCode, ov, now)
	if prevClose == nil {
		// Without a reference close the limit check cannot run; the order
		// processor requires one, so reject explicitly.
		order.Status = types.OrderRejected
		order.RejectReason = "no previous close available"
		if err := r.repo.InsertOrder(ctx, &order); err != nil {
			return nil, nil, fmt.Errorf("persist rejected order: %w", err)
		}
		return &OrderOutcome{
			OrderID: order.ID, Side: order.Side, StockCode: order.StockCode,
			Status: types.OrderRejected, Reason: order.RejectReason,
		}, pf, nil
	}

	res := r.processor.Process(order, *pf, *prevClose, now)
	if !res.Success {
		if err := r.repo.InsertOrder(ctx, &res.Order); err != nil {
			return nil, nil, fmt.Errorf("persist rejected order: %w", err)
		}
		return &OrderOutcome{
			OrderID: res.Order.ID, Side: res.Order.Side, StockCode: res.Order.StockCode,
			Status: types.OrderRejected, Reason: res.Message,
		}, pf, nil
	}

	if err := r.repo.ApplyFill(ctx, &res.Order, res.Transaction, &res.Portfolio); err != nil {
		return nil, nil, fmt.Errorf("persist fill: %w", err)
	}
	newPf := res.Portfolio
	return &OrderOutcome{
		OrderID: res.Order.ID, Side: res.Order.Side, StockCode: res.Order.StockCode,
		Status: types.OrderFilled,
	}, &newPf, nil
}

// resolvePrice picks the decision's own price or falls back to the latest
// market price.
func (r *Runner) resolvePrice(ctx context.Context, d types.TradingDecision, ov Overrides) (decimal.Decimal, *types.Violation) {
	if d.Price != nil {
		return *d.Price, nil
	}
	if p, ok := ov.Prices[d.StockCode]; ok {
		return p, nil
	}
	if r.marketData != nil {
		if q, err := r.marketData.LatestQuote(ctx, d.StockCode); err == nil && q.Close.IsPositive() {
			return q.Close, nil
		}
	}
	return decimal.Zero, &types.Violation{
		Code:    types.CodeInvalidPrice,
		Message: fmt.Sprintf("no price available for %s", d.StockCode),
	}
}

func (r *Runner) logDecision(ctx context.Context, agentID, prompt, response string, decisions []types.TradingDecision, orderIDs []string, status, errMsg string) {
	entry := &types.DecisionLog{
		AgentID:      agentID,
		Prompt:       prompt,
		Response:     response,
		OrderIDs:     orderIDs,
		Status:       status,
		ErrorMessage: errMsg,
	}
	if len(decisions) > 0 {
		parts := make([]string, 0, len(decisions))
		for _, d := range decisions {
			parts = append(parts, decision.Serialize(d))
		}
		entry.ParsedJSON = "[" + strings.Join(parts, ",") + "]"
	}
	if err := r.repo.InsertDecisionLog(ctx, entry); err != nil {
		r.logger.Error("failed to write decision log", "agent", agentID, "error", err)
	}
}
