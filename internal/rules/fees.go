// fees.go computes the three fee components of an A-share trade.
//
// Commission applies to both sides with a 5.00 CNY floor. Stamp tax is
// sell-side only. The transfer fee applies only to Shanghai-market boards
// (main board and STAR). Each component is rounded half-up to two decimals
// before summing.
package rules

import (
	"github.com/shopspring/decimal"

	"github.com/cytzrs/share/pkg/types"
)

var (
	// DefaultCommissionRate is 3 basis points, the common retail rate.
	DefaultCommissionRate = decimal.NewFromFloat(0.0003)

	stampTaxRate    = decimal.NewFromFloat(0.001)
	transferFeeRate = decimal.NewFromFloat(0.00002)
	minCommission   = decimal.NewFromFloat(5.00)
)

// CalcFees returns the fee breakdown for a trade of the given notional
// amount. commissionRate of zero selects DefaultCommissionRate.
func CalcFees(amount decimal.Decimal, side types.Side, code string, commissionRate decimal.Decimal) types.Fees {
	if commissionRate.IsZero() {
		commissionRate = DefaultCommissionRate
	}

	commission := amount.Mul(commissionRate).Round(2)
	if commission.LessThan(minCommission) {
		commission = minCommission
	}

	stampTax := decimal.Zero
	if side == types.Sell {
		stampTax = amount.Mul(stampTaxRate).Round(2)
	}

	transferFee := decimal.Zero
	if board := Classify(code); board == ShanghaiMain || board == Star {
		transferFee = amount.Mul(transferFeeRate).Round(2)
	}

	return types.Fees{
		Commission:  commission,
		StampTax:    stampTax,
		TransferFee: transferFee,
	}
}
