// prompt.go builds the prompt context for one decision cycle and renders it
// through a stored template or the built-in default.
//
// Templates use {{variable}} placeholders over a flat context map. Rendering
// is tolerant: placeholders with no value resolve to the empty string, so a
// template survives a cycle where a market-data fetch failed.
package agent

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cytzrs/share/pkg/types"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// PromptContext is everything a prompt template can reference. Fields left
// empty are omitted from the default prompt and render as "" in templates.
type PromptContext struct {
	Cash           decimal.Decimal
	MarketValue    decimal.Decimal
	TotalAssets    decimal.Decimal
	ReturnRate     decimal.Decimal
	Positions      string // rendered position table
	PositionQuotes string // recent bars for held codes
	MarketSummary  string
	HotStockQuotes string
	SentimentScore string // empty when no score was supplied

	CurrentTime    string
	CurrentDate    string
	CurrentWeekday string
	IsTradingDay   bool

	Tools string // optional marketplace-tools block
}

// BuildContext assembles the context for one agent at time now.
func BuildContext(pf *types.Portfolio, initialCash decimal.Decimal, now time.Time) PromptContext {
	now = now.In(types.CST)

	marketValue := decimal.Zero
	var positions strings.Builder
	for _, pos := range pf.Positions {
		marketValue = marketValue.Add(pos.AvgCost.Mul(decimal.NewFromInt(pos.Shares)))
		fmt.Fprintf(&positions, "- %s: %d shares, avg cost %s, bought %s\n",
			pos.StockCode, pos.Shares, pos.AvgCost.StringFixed(3),
			types.DateOf(pos.BuyDate).Format(time.DateOnly))
	}
	total := pf.Cash.Add(marketValue)

	rate := decimal.Zero
	if initialCash.IsPositive() {
		rate = total.Sub(initialCash).Div(initialCash).Round(4)
	}

	return PromptContext{
		Cash:           pf.Cash,
		MarketValue:    marketValue,
		TotalAssets:    total,
		ReturnRate:     rate,
		Positions:      positions.String(),
		CurrentTime:    now.Format("15:04:05"),
		CurrentDate:    now.Format(time.DateOnly),
		CurrentWeekday: now.Weekday().String(),
		IsTradingDay:   now.Weekday() != time.Saturday && now.Weekday() != time.Sunday,
	}
}

// flatten exposes the context as the template variable dictionary.
func (c PromptContext) flatten() map[string]string {
	return map[string]string{
		"cash":             c.Cash.StringFixed(2),
		"market_value":     c.MarketValue.StringFixed(2),
		"total_assets":     c.TotalAssets.StringFixed(2),
		"return_rate":      c.ReturnRate.String(),
		"positions":        c.Positions,
		"positions_quotes": c.PositionQuotes,
		"market_summary":   c.MarketSummary,
		"hot_stocks":       c.HotStockQuotes,
		"sentiment_score":  c.SentimentScore,
		"current_time":     c.CurrentTime,
		"current_date":     c.CurrentDate,
		"current_weekday":  c.CurrentWeekday,
		"is_trading_day":   fmt.Sprint(c.IsTradingDay),
		"tools":            c.Tools,
	}
}

// Render substitutes {{var}} placeholders in content from the context.
// Unknown variables resolve to "".
func Render(content string, ctx PromptContext) string {
	vars := ctx.flatten()
	return placeholderPattern.ReplaceAllStringFunc(content, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		return vars[name]
	})
}

// DefaultPrompt is the built-in prompt used when the agent has no template
// or its template fails to load. It carries the same core blocks a custom
// template would reference.
func DefaultPrompt(ctx PromptContext) string {
	var sb strings.Builder

	sb.WriteString("You are a professional A-share quantitative trading analyst. ")
	sb.WriteString("Review the data below and decide what to trade.\n\n")

	fmt.Fprintf(&sb, "## Portfolio\ncash: %s\nmarket value: %s\ntotal assets: %s\nreturn rate: %s\n",
		ctx.Cash.StringFixed(2), ctx.MarketValue.StringFixed(2),
		ctx.TotalAssets.StringFixed(2), ctx.ReturnRate.String())
	if ctx.Positions != "" {
		sb.WriteString("\n## Positions\n" + ctx.Positions)
	}
	if ctx.PositionQuotes != "" {
		sb.WriteString("\n## Recent quotes for held stocks\n" + ctx.PositionQuotes + "\n")
	}
	if ctx.MarketSummary != "" {
		sb.WriteString("\n## Market summary\n" + ctx.MarketSummary + "\n")
	}
	if ctx.HotStockQuotes != "" {
		sb.WriteString("\n## Hot stocks\n" + ctx.HotStockQuotes + "\n")
	}
	if ctx.SentimentScore != "" {
		sb.WriteString("\n## Market sentiment score\n" + ctx.SentimentScore + "\n")
	}
	if ctx.Tools != "" {
		sb.WriteString("\n## Available tools\n" + ctx.Tools + "\n")
	}

	fmt.Fprintf(&sb, "\n## Clock\n%s %s (%s), trading day: %v\n",
		ctx.CurrentDate, ctx.CurrentTime, ctx.CurrentWeekday, ctx.IsTradingDay)

	sb.WriteString(`
Rules: quantities must be multiples of 100; same-day buys cannot be sold (T+1);
prices must stay inside the daily limit band.

Reply with a JSON array of decisions, each shaped as:
{
  "decision": "buy" | "sell" | "hold" | "wait",
  "stock_code": "6-digit code for buy/sell",
  "quantity": 100,
  "price": 10.50,
  "reason": "why"
}
Return [] if there is nothing to do.`)

	return sb.String()
}
