// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the fleet — agents, portfolios,
// orders, transactions, trading decisions, scheduler tasks, and their enums.
// It has no dependencies on internal packages, so it can be imported by any
// layer. All money amounts are decimal.Decimal: cash and fees carry two
// fractional digits, prices three, ratios four.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// CST is the A-share exchange timezone (UTC+8). All wall-clock decisions
// (trading windows, T+1 dates, cron fires) are made in this zone.
var CST = time.FixedZone("CST", 8*60*60)

// DateOf truncates t to its calendar date in the exchange timezone.
func DateOf(t time.Time) time.Time {
	y, m, d := t.In(CST).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, CST)
}

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
	Hold Side = "hold" // no trade: the agent decided to sit out
)

// OrderStatus enumerates the order lifecycle.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderRejected  OrderStatus = "rejected"
	OrderCancelled OrderStatus = "cancelled"
)

// DecisionType is the action an LLM reply asks for.
type DecisionType string

const (
	DecideBuy  DecisionType = "buy"
	DecideSell DecisionType = "sell"
	DecideHold DecisionType = "hold"
	DecideWait DecisionType = "wait"
)

// AgentStatus is the lifecycle state of a trading agent. Agents are never
// hard-deleted; AgentDeleted is a soft flag.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentPaused  AgentStatus = "paused"
	AgentDeleted AgentStatus = "deleted"
)

// ScheduleType is the built-in decision cadence of an agent.
type ScheduleType string

const (
	ScheduleDaily      ScheduleType = "daily"
	ScheduleHourly     ScheduleType = "hourly"
	ScheduleEvery30Min ScheduleType = "every_30_min"
	ScheduleEvery15Min ScheduleType = "every_15_min"
	ScheduleManual     ScheduleType = "manual"
)

// Protocol selects the wire dialect of an LLM provider.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolGoogle    Protocol = "google"
)

// TaskType enumerates what a scheduled system task does.
type TaskType string

const (
	TaskAgentDecision TaskType = "agent_decision"
	TaskQuoteSync     TaskType = "quote_sync"
	TaskMarketRefresh TaskType = "market_refresh"
)

// TaskStatus is the scheduling state of a system task.
type TaskStatus string

const (
	TaskActive TaskStatus = "active"
	TaskPaused TaskStatus = "paused"
)

// RunStatus is the outcome of one task run (or one agent within a run).
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// ————————————————————————————————————————————————————————————————————————
// Validation results
// ————————————————————————————————————————————————————————————————————————

// Violation is a structured rule failure. The rules engine and portfolio
// manager return *Violation instead of plain errors: nil means the check
// passed. Code is machine-comparable, Message is for humans.
type Violation struct {
	Code    string
	Message string
}

func (v *Violation) Error() string { return v.Code + ": " + v.Message }

// Error codes surfaced by the rules engine, portfolio manager, order
// processor, decision parser, and cycle runner.
const (
	CodeEmptyStockCode     = "EMPTY_STOCK_CODE"
	CodeInvalidStockCode   = "INVALID_STOCK_CODE"
	CodeInvalidQuantityVal = "INVALID_QUANTITY_VALUE"
	CodeInvalidQuantity    = "INVALID_QUANTITY_UNIT"
	CodeInvalidPrice       = "INVALID_PRICE"
	CodeInvalidPrevClose   = "INVALID_PREV_CLOSE"
	CodePriceAboveLimit    = "PRICE_ABOVE_LIMIT"
	CodePriceBelowLimit    = "PRICE_BELOW_LIMIT"
	CodeTPlus1Violation    = "T_PLUS_1_VIOLATION"
	CodeMissingStockCode   = "MISSING_STOCK_CODE"
	CodeMissingQuantity    = "MISSING_QUANTITY"

	CodeInsufficientCash   = "INSUFFICIENT_CASH"
	CodeInsufficientShares = "INSUFFICIENT_SHARES"
	CodeNoPosition         = "NO_POSITION"

	CodeAgentNotFound     = "AGENT_NOT_FOUND"
	CodeAgentInactive     = "AGENT_INACTIVE"
	CodePortfolioNotFound = "PORTFOLIO_NOT_FOUND"
	CodeNotTradingTime    = "NOT_TRADING_TIME"

	CodeProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	CodeProviderNotFound      = "PROVIDER_NOT_FOUND"
	CodeProviderDisabled      = "PROVIDER_DISABLED"
)

// ————————————————————————————————————————————————————————————————————————
// Agents and portfolios
// ————————————————————————————————————————————————————————————————————————

// Agent is one autonomous trading agent. Its portfolio lives in a separate
// row with the same lifetime.
type Agent struct {
	ID           string
	Name         string
	InitialCash  decimal.Decimal
	ProviderID   string // selects the LLM endpoint row
	ModelName    string
	TemplateID   string // prompt template; empty means the built-in default
	ScheduleType ScheduleType
	Status       AgentStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Position is one aggregated holding. BuyDate is the most recent buy date
// among the aggregated lots; it drives the T+1 check.
type Position struct {
	StockCode string
	Shares    int64
	AvgCost   decimal.Decimal
	BuyDate   time.Time
}

// Portfolio is the cash plus positions of one agent. Invariants: cash >= 0,
// every position has shares >= 1, and at most one position per stock code.
type Portfolio struct {
	AgentID   string
	Cash      decimal.Decimal
	Positions []Position
}

// Position returns the holding for code, or nil if none exists.
func (p *Portfolio) Position(code string) *Position {
	for i := range p.Positions {
		if p.Positions[i].StockCode == code {
			return &p.Positions[i]
		}
	}
	return nil
}

// Clone deep-copies the portfolio so mutations can run against a scratch
// copy while the original stays untouched on rejection.
func (p *Portfolio) Clone() Portfolio {
	out := Portfolio{AgentID: p.AgentID, Cash: p.Cash}
	out.Positions = make([]Position, len(p.Positions))
	copy(out.Positions, p.Positions)
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Orders and transactions
// ————————————————————————————————————————————————————————————————————————

// Fees is the three-part fee breakdown of an A-share trade. Each component
// is rounded half-up to two decimals independently.
type Fees struct {
	Commission  decimal.Decimal
	StampTax    decimal.Decimal
	TransferFee decimal.Decimal
}

// Total returns the sum of all fee components.
func (f Fees) Total() decimal.Decimal {
	return f.Commission.Add(f.StampTax).Add(f.TransferFee)
}

// Order is a trade instruction derived from one LLM decision. For side=hold
// the stock code, quantity and price are empty.
type Order struct {
	ID           string
	AgentID      string
	LLMLogID     int64 // back-reference to the LLM round-trip, 0 if unknown
	Side         Side
	StockCode    string
	Quantity     int64
	Price        decimal.Decimal
	Status       OrderStatus
	RejectReason string
	Reason       string // free-text rationale from the LLM
	CreatedAt    time.Time
}

// Transaction is the receipt of a filled order. A transaction exists if and
// only if its order reached OrderFilled.
type Transaction struct {
	ID         string
	OrderID    string
	AgentID    string
	StockCode  string
	Side       Side
	Quantity   int64
	Price      decimal.Decimal
	Fees       Fees
	ExecutedAt time.Time
}

// TradingDecision is the transient, parsed form of one LLM instruction.
// Quantity and Price are pointers because "absent" and "zero" mean different
// things to validation.
type TradingDecision struct {
	Decision  DecisionType
	StockCode string
	Quantity  *int64
	Price     *decimal.Decimal
	Reason    string
}

// ————————————————————————————————————————————————————————————————————————
// LLM providers and logs
// ————————————————————————————————————————————————————————————————————————

// Provider is one configured LLM endpoint.
type Provider struct {
	ID       string
	Name     string
	Protocol Protocol
	APIURL   string
	APIKey   string
	Enabled  bool
}

// LLMLog records one LLM round-trip. Written at most once per call, never
// mutated.
type LLMLog struct {
	ID           int64
	ProviderID   string
	ModelName    string
	AgentID      string
	RequestBody  string
	ResponseBody string
	DurationMS   int64
	Status       string // "success" or "error"
	ErrorMessage string
	TokensIn     int64
	TokensOut    int64
	RequestTime  time.Time
}

// PromptTemplate is a stored prompt with {{variable}} placeholders.
type PromptTemplate struct {
	ID        string
	Name      string
	Content   string
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DecisionLog summarizes one decision cycle: prompt, raw reply, and outcome.
type DecisionLog struct {
	ID           int64
	AgentID      string
	Prompt       string
	Response     string
	ParsedJSON   string
	OrderIDs     []string
	Status       string // success, no_trade, api_error
	ErrorMessage string
	CreatedAt    time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Quote is one daily bar for one stock.
type Quote struct {
	StockCode string
	StockName string
	TradeDate time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	PrevClose decimal.Decimal
	Volume    int64
	Amount    decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Scheduler tasks
// ————————————————————————————————————————————————————————————————————————

// AllAgents is the sentinel target list meaning "every active agent".
var AllAgents = []string{"all"}

// SystemTask is one scheduled job. TargetAgentIDs is either the AllAgents
// sentinel or an explicit id list.
type SystemTask struct {
	ID             string
	Name           string
	CronExpression string
	TaskType       TaskType
	TargetAgentIDs []string
	TradingDayOnly bool
	Status         TaskStatus
	Config         map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TargetsAll reports whether the task fans out to all active agents.
func (t *SystemTask) TargetsAll() bool {
	return len(t.TargetAgentIDs) == 1 && t.TargetAgentIDs[0] == "all"
}

// AgentRunResult is the per-agent entry inside a TaskRunLog.
type AgentRunResult struct {
	AgentID      string    `json:"agent_id"`
	Status       RunStatus `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	DurationMS   int64     `json:"duration_ms"`
	Retries      int       `json:"retries,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// TaskRunLog records one execution of a system task. Rows outlive their
// task: the foreign key is nulled when the task is deleted.
type TaskRunLog struct {
	ID           int64
	TaskID       string // empty once the owning task is deleted
	StartedAt    time.Time
	CompletedAt  time.Time // zero while the run is in flight
	Status       RunStatus
	SkipReason   string
	ErrorMessage string
	AgentResults []AgentRunResult
}
