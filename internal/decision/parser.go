// Package decision extracts trading decisions from free-form LLM replies.
//
// LLM output is messy: the JSON may be fenced, prefixed with prose, or be a
// bare object instead of an array. The extraction ladder tries, in order, a
// fenced code block, the widest [...] slice, the widest {...} slice, and the
// whole trimmed string, accepting the first candidate that parses. Elements
// that fail to parse are dropped individually so one malformed entry does
// not discard the rest of the reply.
package decision

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cytzrs/share/internal/portfolio"
	"github.com/cytzrs/share/internal/rules"
	"github.com/cytzrs/share/pkg/types"
)

var fencePattern = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// Parser turns raw LLM text into validated trading decisions.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a parser. logger may not be nil.
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{logger: logger.With("component", "decision_parser")}
}

// Parse extracts the decision list from an LLM reply. An empty JSON array is
// a deliberate "do nothing" and becomes a single hold decision; an empty
// return value means the reply was unparseable.
func (p *Parser) Parse(response string) []types.TradingDecision {
	if strings.TrimSpace(response) == "" {
		p.logger.Warn("empty LLM response")
		return nil
	}

	raw := ExtractJSON(response)
	if raw == "" {
		p.logger.Warn("no JSON found in LLM response", "head", head(response, 200))
		return nil
	}

	var items []json.RawMessage
	if strings.HasPrefix(strings.TrimSpace(raw), "{") {
		items = []json.RawMessage{json.RawMessage(raw)}
	} else if err := json.Unmarshal([]byte(raw), &items); err != nil {
		p.logger.Warn("JSON decode failed", "error", err)
		return nil
	}

	if len(items) == 0 {
		p.logger.Info("LLM returned an empty array, treating as hold")
		return []types.TradingDecision{{
			Decision: types.DecideHold,
			Reason:   "empty decision list from LLM",
		}}
	}

	decisions := make([]types.TradingDecision, 0, len(items))
	for i, item := range items {
		d, err := parseOne(item)
		if err != nil {
			p.logger.Warn("dropping decision", "index", i, "error", err)
			continue
		}
		decisions = append(decisions, d)
	}

	p.logger.Info("parsed LLM decisions", "total", len(items), "parsed", len(decisions))
	return decisions
}

// ExtractJSON pulls the first parseable JSON value out of text using the
// extraction ladder. Returns "" when nothing parses.
func ExtractJSON(text string) string {
	if text == "" {
		return ""
	}

	// 1. Fenced code blocks, labelled json or bare.
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimSpace(m[1])
		if (strings.HasPrefix(candidate, "{") || strings.HasPrefix(candidate, "[")) && json.Valid([]byte(candidate)) {
			return candidate
		}
	}

	// 2. Widest array slice.
	if s := widestSlice(text, '[', ']'); s != "" && json.Valid([]byte(s)) {
		return s
	}

	// 3. Widest object slice.
	if s := widestSlice(text, '{', '}'); s != "" && json.Valid([]byte(s)) {
		return s
	}

	// 4. The whole trimmed string.
	trimmed := strings.TrimSpace(text)
	if (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")) {
		if json.Valid([]byte(trimmed)) {
			return trimmed
		}
	}
	return ""
}

func widestSlice(text string, lo, hi byte) string {
	first := strings.IndexByte(text, lo)
	last := strings.LastIndexByte(text, hi)
	if first == -1 || last <= first {
		return ""
	}
	return text[first : last+1]
}

// rawDecision mirrors the JSON shape the prompt asks the LLM to emit.
// Quantity and price are json.Number-tolerant: models emit both 100 and
// "100".
type rawDecision struct {
	Decision  string `json:"decision"`
	StockCode string `json:"stock_code"`
	Quantity  any    `json:"quantity"`
	Price     any    `json:"price"`
	Reason    string `json:"reason"`
}

func parseOne(raw json.RawMessage) (types.TradingDecision, error) {
	var rd rawDecision
	if err := json.Unmarshal(raw, &rd); err != nil {
		return types.TradingDecision{}, fmt.Errorf("decode element: %w", err)
	}

	kind := types.DecisionType(strings.ToLower(strings.TrimSpace(rd.Decision)))
	switch kind {
	case types.DecideBuy, types.DecideSell, types.DecideHold, types.DecideWait:
	default:
		return types.TradingDecision{}, fmt.Errorf("unknown decision type %q", rd.Decision)
	}

	d := types.TradingDecision{
		Decision:  kind,
		StockCode: StripExchangeSuffix(strings.TrimSpace(rd.StockCode)),
		Reason:    rd.Reason,
	}

	if rd.Quantity != nil {
		qty, err := coerceInt(rd.Quantity)
		if err != nil {
			return types.TradingDecision{}, fmt.Errorf("invalid quantity %v", rd.Quantity)
		}
		d.Quantity = &qty
	}
	if rd.Price != nil {
		price, err := coerceDecimal(rd.Price)
		if err != nil {
			return types.TradingDecision{}, fmt.Errorf("invalid price %v", rd.Price)
		}
		d.Price = &price
	}
	return d, nil
}

// StripExchangeSuffix removes a trailing exchange qualifier (".SH", ".SZ",
// or any other dot suffix) from a stock code. Stripping twice is a no-op.
func StripExchangeSuffix(code string) string {
	if i := strings.IndexByte(code, '.'); i != -1 {
		return code[:i]
	}
	return code
}

func coerceInt(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("unsupported number type %T", v)
}

func coerceDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	case json.Number:
		return decimal.NewFromString(n.String())
	}
	return decimal.Decimal{}, fmt.Errorf("unsupported number type %T", v)
}

// Serialize renders a decision back to its canonical JSON form. A payload
// produced here re-parses to an equal decision.
func Serialize(d types.TradingDecision) string {
	m := map[string]any{
		"decision": string(d.Decision),
		"reason":   d.Reason,
	}
	if d.StockCode != "" {
		m["stock_code"] = d.StockCode
	}
	if d.Quantity != nil {
		m["quantity"] = *d.Quantity
	}
	if d.Price != nil {
		m["price"] = d.Price.String()
	}
	out, _ := json.Marshal(m)
	return string(out)
}

// Validate runs the business checks for a single decision. Hold and wait are
// always valid. Buy and sell need a valid code and a lot-aligned quantity;
// price, when present, must be positive and inside the limit band (when
// prevClose is known); buys must additionally be affordable when both a
// portfolio and a price are supplied.
func Validate(d types.TradingDecision, pf *types.Portfolio, prevClose *decimal.Decimal) *types.Violation {
	if d.Decision == types.DecideHold || d.Decision == types.DecideWait {
		return nil
	}

	if d.StockCode == "" {
		return &types.Violation{
			Code:    types.CodeMissingStockCode,
			Message: "buy/sell decisions must name a stock code",
		}
	}
	if v := rules.ValidateCode(d.StockCode); v != nil {
		return v
	}

	if d.Quantity == nil {
		return &types.Violation{
			Code:    types.CodeMissingQuantity,
			Message: "buy/sell decisions must carry a quantity",
		}
	}
	if v := rules.ValidateQuantity(*d.Quantity); v != nil {
		return v
	}

	if d.Price != nil {
		if d.Price.LessThanOrEqual(decimal.Zero) {
			return &types.Violation{
				Code:    types.CodeInvalidPrice,
				Message: "price must be greater than 0",
			}
		}
		if prevClose != nil {
			if v := rules.ValidatePriceLimit(d.StockCode, *d.Price, *prevClose); v != nil {
				return v
			}
		}
	}

	if d.Decision == types.DecideBuy && pf != nil && d.Price != nil {
		if v := portfolio.ValidateCashSufficient(pf.Cash, *d.Price, *d.Quantity, d.StockCode, decimal.Zero); v != nil {
			return v
		}
	}
	return nil
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
