// Package portfolio holds the pure functions over a portfolio snapshot:
// sufficiency checks for orders, valuation against a price map, and the
// derived performance metrics (return rate, max drawdown, annualized return).
//
// Prices are looked up by stock code; a position with no quoted price falls
// back to its average cost.
package portfolio

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cytzrs/share/internal/rules"
	"github.com/cytzrs/share/pkg/types"
)

// Prices maps stock code to the current market price.
type Prices map[string]decimal.Decimal

// priceOf resolves a position's valuation price, defaulting to avg cost.
func (p Prices) priceOf(pos types.Position) decimal.Decimal {
	if price, ok := p[pos.StockCode]; ok {
		return price
	}
	return pos.AvgCost
}

// ValidateCashSufficient checks that cash covers a buy's notional plus the
// buy-side fees (commission and, on Shanghai boards, the transfer fee).
func ValidateCashSufficient(cash, price decimal.Decimal, qty int64, code string, commissionRate decimal.Decimal) *types.Violation {
	if cash.IsNegative() {
		return &types.Violation{
			Code:    types.CodeInsufficientCash,
			Message: "cash balance is negative",
		}
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return &types.Violation{
			Code:    types.CodeInvalidPrice,
			Message: "price must be greater than 0",
		}
	}
	if qty <= 0 {
		return &types.Violation{
			Code:    types.CodeInvalidQuantityVal,
			Message: "quantity must be greater than 0",
		}
	}

	notional := price.Mul(decimal.NewFromInt(qty))
	fees := rules.CalcFees(notional, types.Buy, code, commissionRate)
	required := notional.Add(fees.Total())

	if cash.LessThan(required) {
		return &types.Violation{
			Code:    types.CodeInsufficientCash,
			Message: fmt.Sprintf("need %s, have %s", required.StringFixed(2), cash.StringFixed(2)),
		}
	}
	return nil
}

// ValidatePositionSufficient checks that a sell of qty shares is backed by a
// position, passes T+1, and does not exceed the sellable share count.
func ValidatePositionSufficient(pos *types.Position, qty int64, sellDate time.Time) *types.Violation {
	if qty <= 0 {
		return &types.Violation{
			Code:    types.CodeInvalidQuantityVal,
			Message: "sell quantity must be greater than 0",
		}
	}
	if pos == nil || pos.Shares <= 0 {
		return &types.Violation{
			Code:    types.CodeNoPosition,
			Message: "no position in this stock",
		}
	}

	sellable := SellableShares(*pos, sellDate)
	if sellable == 0 {
		return &types.Violation{
			Code: types.CodeTPlus1Violation,
			Message: fmt.Sprintf("shares bought on %s are locked until the next trading day",
				types.DateOf(pos.BuyDate).Format(time.DateOnly)),
		}
	}
	if sellable < qty {
		return &types.Violation{
			Code:    types.CodeInsufficientShares,
			Message: fmt.Sprintf("need %d shares, %d sellable", qty, sellable),
		}
	}
	return nil
}

// SellableShares returns how many shares of pos may be sold on sellDate
// under T+1: zero on the buy date itself, the full holding afterwards.
func SellableShares(pos types.Position, sellDate time.Time) int64 {
	if !types.DateOf(sellDate).After(types.DateOf(pos.BuyDate)) {
		return 0
	}
	return pos.Shares
}

// MarketValue is the summed valuation of all positions.
func MarketValue(p types.Portfolio, prices Prices) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(prices.priceOf(pos).Mul(decimal.NewFromInt(pos.Shares)))
	}
	return total
}

// TotalAssets is cash plus the market value of all positions.
func TotalAssets(p types.Portfolio, prices Prices) decimal.Decimal {
	return p.Cash.Add(MarketValue(p, prices))
}

// ReturnRate is (totalAssets - initialCash) / initialCash, rounded half-up
// to four decimals. Zero when initialCash is not positive.
func ReturnRate(totalAssets, initialCash decimal.Decimal) decimal.Decimal {
	if initialCash.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return totalAssets.Sub(initialCash).Div(initialCash).Round(4)
}

// MaxDrawdown is the largest peak-to-trough decline over an asset series,
// as a ratio rounded to four decimals. Zero for series shorter than 2.
func MaxDrawdown(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}

	maxDD := decimal.Zero
	peak := values[0]
	for _, v := range values {
		if v.GreaterThan(peak) {
			peak = v
		}
		if peak.IsPositive() {
			if dd := peak.Sub(v).Div(peak); dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD.Round(4)
}

// Metrics is the derived performance summary of one portfolio.
type Metrics struct {
	TotalAssets      decimal.Decimal
	MarketValue      decimal.Decimal
	Cash             decimal.Decimal
	TotalReturn      decimal.Decimal
	ReturnRate       decimal.Decimal
	AnnualizedReturn *decimal.Decimal // nil when daysHeld == 0 or returnRate <= -1
	MaxDrawdown      *decimal.Decimal // nil when no asset history was given
}

// CalcMetrics computes the full metric set. assetHistory may be nil;
// daysHeld of zero skips annualization.
func CalcMetrics(p types.Portfolio, initialCash decimal.Decimal, prices Prices, assetHistory []decimal.Decimal, daysHeld int) Metrics {
	mv := MarketValue(p, prices)
	total := p.Cash.Add(mv)
	rate := ReturnRate(total, initialCash)

	m := Metrics{
		TotalAssets: total,
		MarketValue: mv,
		Cash:        p.Cash,
		TotalReturn: total.Sub(initialCash),
		ReturnRate:  rate,
	}

	if daysHeld > 0 && initialCash.IsPositive() {
		if ann, ok := Annualize(rate, daysHeld); ok {
			m.AnnualizedReturn = &ann
		}
	}
	if len(assetHistory) > 0 {
		dd := MaxDrawdown(assetHistory)
		m.MaxDrawdown = &dd
	}
	return m
}

// Annualize converts a cumulative return rate over daysHeld days into an
// annualized rate: (1+r)^(365/days) - 1. Undefined (ok=false) when r <= -1.
// The exponentiation runs in float64; the ratio precision does not warrant
// decimal power series here.
func Annualize(rate decimal.Decimal, daysHeld int) (decimal.Decimal, bool) {
	r, _ := rate.Float64()
	if r <= -1 || daysHeld <= 0 {
		return decimal.Zero, false
	}
	ann := math.Pow(1+r, 365/float64(daysHeld)) - 1
	return decimal.NewFromFloat(ann).Round(4), true
}
