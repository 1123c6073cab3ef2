// Package orders composes the rules engine and the portfolio manager into
// the single order-processing operation: validate an order end-to-end,
// compute fees, and produce the filled transaction plus the updated
// portfolio — or a typed rejection with the portfolio untouched.
package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cytzrs/share/internal/portfolio"
	"github.com/cytzrs/share/internal/rules"
	"github.com/cytzrs/share/pkg/types"
)

// Result is the outcome of processing one order. On success the order is
// filled, Transaction is set, and Portfolio is the post-trade snapshot. On
// failure the order is rejected, Code/Message describe the first violation,
// and Portfolio echoes the input unchanged.
type Result struct {
	Success     bool
	Order       types.Order
	Transaction *types.Transaction
	Portfolio   types.Portfolio
	Code        string
	Message     string
}

// Processor validates and executes orders. CheckTradingTime is disabled for
// backtests and manual replays; CommissionRate of zero uses the default.
type Processor struct {
	CheckTradingTime bool
	CommissionRate   decimal.Decimal
}

// NewProcessor returns a live-mode processor with the default commission.
func NewProcessor() *Processor {
	return &Processor{CheckTradingTime: true}
}

// Process runs the full validation ladder and, if every check passes,
// executes the order against a copy of the portfolio. Validation order is
// fixed; the first failure is the sole reported error.
func (p *Processor) Process(order types.Order, pf types.Portfolio, prevClose decimal.Decimal, now time.Time) Result {
	if p.CheckTradingTime && !rules.IsTradingTime(now) {
		return p.reject(order, pf, &types.Violation{
			Code:    types.CodeNotTradingTime,
			Message: "outside continuous trading sessions",
		})
	}

	if v := rules.ValidateCode(order.StockCode); v != nil {
		return p.reject(order, pf, v)
	}
	if v := rules.ValidateQuantity(order.Quantity); v != nil {
		return p.reject(order, pf, v)
	}
	if v := rules.ValidatePriceLimit(order.StockCode, order.Price, prevClose); v != nil {
		return p.reject(order, pf, v)
	}

	switch order.Side {
	case types.Buy:
		if v := portfolio.ValidateCashSufficient(pf.Cash, order.Price, order.Quantity, order.StockCode, p.CommissionRate); v != nil {
			return p.reject(order, pf, v)
		}
	case types.Sell:
		pos := pf.Position(order.StockCode)
		if v := portfolio.ValidatePositionSufficient(pos, order.Quantity, now); v != nil {
			return p.reject(order, pf, v)
		}
		if v := rules.ValidateTPlus1(*pos, now); v != nil {
			return p.reject(order, pf, v)
		}
	default:
		return p.reject(order, pf, &types.Violation{
			Code:    types.CodeInvalidStockCode,
			Message: "order side must be buy or sell",
		})
	}

	notional := order.Price.Mul(decimal.NewFromInt(order.Quantity))
	fees := rules.CalcFees(notional, order.Side, order.StockCode, p.CommissionRate)

	tx := types.Transaction{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		AgentID:    order.AgentID,
		StockCode:  order.StockCode,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      order.Price,
		Fees:       fees,
		ExecutedAt: now,
	}

	updated := applyTrade(pf, order, fees, types.DateOf(now))
	order.Status = types.OrderFilled

	return Result{
		Success:     true,
		Order:       order,
		Transaction: &tx,
		Portfolio:   updated,
	}
}

func (p *Processor) reject(order types.Order, pf types.Portfolio, v *types.Violation) Result {
	order.Status = types.OrderRejected
	order.RejectReason = v.Message
	return Result{
		Success:   false,
		Order:     order,
		Portfolio: pf,
		Code:      v.Code,
		Message:   v.Message,
	}
}

// applyTrade mutates a copy of the portfolio. Buys reduce cash by notional
// plus fees and upsert the position with a share-weighted average cost and a
// refreshed buy date. Sells add notional minus fees and drop the position
// when it reaches zero shares.
func applyTrade(pf types.Portfolio, order types.Order, fees types.Fees, tradeDate time.Time) types.Portfolio {
	out := pf.Clone()
	notional := order.Price.Mul(decimal.NewFromInt(order.Quantity))

	if order.Side == types.Buy {
		out.Cash = out.Cash.Sub(notional).Sub(fees.Total())

		if pos := out.Position(order.StockCode); pos != nil {
			oldCost := pos.AvgCost.Mul(decimal.NewFromInt(pos.Shares))
			newShares := pos.Shares + order.Quantity
			pos.AvgCost = oldCost.Add(notional).Div(decimal.NewFromInt(newShares))
			pos.Shares = newShares
			pos.BuyDate = tradeDate
		} else {
			out.Positions = append(out.Positions, types.Position{
				StockCode: order.StockCode,
				Shares:    order.Quantity,
				AvgCost:   order.Price,
				BuyDate:   tradeDate,
			})
		}
		return out
	}

	out.Cash = out.Cash.Add(notional).Sub(fees.Total())
	for i := range out.Positions {
		if out.Positions[i].StockCode != order.StockCode {
			continue
		}
		out.Positions[i].Shares -= order.Quantity
		if out.Positions[i].Shares <= 0 {
			out.Positions = append(out.Positions[:i], out.Positions[i+1:]...)
		}
		break
	}
	return out
}
