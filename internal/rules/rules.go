// Package rules implements the A-share market microstructure rules.
//
// Everything here is a pure function over its inputs — no I/O, no clocks
// other than the timestamps passed in. The order processor and the decision
// parser both validate through this package so that an order can never be
// filled under looser rules than the decision that produced it.
//
//   - Board classification by 6-digit code prefix
//   - Daily price-limit bands (10% main boards, 20% STAR/ChiNext)
//   - Round-lot quantity checks (multiples of 100)
//   - T+1: shares bought on day d are locked until d+1
//   - Trading-hours and trading-day predicates (UTC+8)
package rules

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cytzrs/share/pkg/types"
)

// Board is the sub-market a stock code belongs to. Each board carries its
// own price-limit ratio.
type Board string

const (
	ShanghaiMain Board = "sh_main"
	ShenzhenMain Board = "sz_main"
	ShenzhenSME  Board = "sz_sme"
	Star         Board = "star"
	ChiNext      Board = "chinext"
	Unknown      Board = "unknown"
)

var (
	limit10 = decimal.NewFromFloat(0.10)
	limit20 = decimal.NewFromFloat(0.20)

	one = decimal.NewFromInt(1)
)

// Classify maps a 6-digit stock code to its board by prefix. Codes that are
// not 6 digits, not numeric, or carry an unrecognized prefix are Unknown.
func Classify(code string) Board {
	if len(code) != 6 {
		return Unknown
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return Unknown
		}
	}
	switch code[:3] {
	case "600", "601", "603", "605":
		return ShanghaiMain
	case "000", "001":
		return ShenzhenMain
	case "002":
		return ShenzhenSME
	case "688":
		return Star
	case "300", "301":
		return ChiNext
	}
	return Unknown
}

// ValidateCode checks that code is a recognizable A-share code.
func ValidateCode(code string) *types.Violation {
	if code == "" {
		return &types.Violation{
			Code:    types.CodeEmptyStockCode,
			Message: "stock code must not be empty",
		}
	}
	if Classify(code) == Unknown {
		return &types.Violation{
			Code:    types.CodeInvalidStockCode,
			Message: fmt.Sprintf("unrecognized stock code: %s", code),
		}
	}
	return nil
}

// LimitRate returns the daily price-limit ratio for a code: 20% for STAR and
// ChiNext, 10% for everything else.
func LimitRate(code string) decimal.Decimal {
	switch Classify(code) {
	case Star, ChiNext:
		return limit20
	default:
		return limit10
	}
}

// LimitBand computes the admissible [lower, upper] price band given the
// previous close, each bound rounded half-up to two decimals.
func LimitBand(code string, prevClose decimal.Decimal) (lower, upper decimal.Decimal) {
	rate := LimitRate(code)
	// decimal.Round rounds half away from zero, which is half-up for prices.
	lower = prevClose.Mul(one.Sub(rate)).Round(2)
	upper = prevClose.Mul(one.Add(rate)).Round(2)
	return lower, upper
}

// ValidatePriceLimit rejects prices strictly outside the daily limit band.
func ValidatePriceLimit(code string, price, prevClose decimal.Decimal) *types.Violation {
	if prevClose.LessThanOrEqual(decimal.Zero) {
		return &types.Violation{
			Code:    types.CodeInvalidPrevClose,
			Message: "previous close must be greater than 0",
		}
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return &types.Violation{
			Code:    types.CodeInvalidPrice,
			Message: "order price must be greater than 0",
		}
	}

	lower, upper := LimitBand(code, prevClose)
	if price.LessThan(lower) {
		return &types.Violation{
			Code:    types.CodePriceBelowLimit,
			Message: fmt.Sprintf("price %s below lower limit %s", price, lower),
		}
	}
	if price.GreaterThan(upper) {
		return &types.Violation{
			Code:    types.CodePriceAboveLimit,
			Message: fmt.Sprintf("price %s above upper limit %s", price, upper),
		}
	}
	return nil
}

// ValidateQuantity checks that qty is a positive multiple of the 100-share
// round lot.
func ValidateQuantity(qty int64) *types.Violation {
	if qty <= 0 {
		return &types.Violation{
			Code:    types.CodeInvalidQuantityVal,
			Message: "quantity must be greater than 0",
		}
	}
	if qty%100 != 0 {
		return &types.Violation{
			Code:    types.CodeInvalidQuantity,
			Message: fmt.Sprintf("quantity %d must be a multiple of 100", qty),
		}
	}
	return nil
}

// ValidateTPlus1 enforces the T+1 rule: a position bought on day d cannot be
// sold on d, regardless of intraday times. Dates are compared as calendar
// days in the exchange timezone.
func ValidateTPlus1(pos types.Position, sellDate time.Time) *types.Violation {
	buy := types.DateOf(pos.BuyDate)
	sell := types.DateOf(sellDate)
	if !sell.After(buy) {
		return &types.Violation{
			Code: types.CodeTPlus1Violation,
			Message: fmt.Sprintf("shares bought on %s cannot be sold on %s",
				buy.Format(time.DateOnly), sell.Format(time.DateOnly)),
		}
	}
	return nil
}

// IsTradingTime reports whether t falls inside a continuous trading session:
// a weekday within [09:30, 11:30] or [13:00, 15:00] exchange time.
func IsTradingTime(t time.Time) bool {
	t = t.In(types.CST)
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	hm := t.Hour()*100 + t.Minute()
	return (hm >= 930 && hm <= 1130) || (hm >= 1300 && hm <= 1500)
}

// IsTradingDay reports whether d is a weekday. Public holidays are not
// handled; a holiday calendar would slot in here.
func IsTradingDay(d time.Time) bool {
	wd := d.In(types.CST).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
