package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDateOf(t *testing.T) {
	t.Parallel()

	// 23:30 UTC is already the next calendar day in the exchange zone.
	utc := time.Date(2024, 6, 3, 23, 30, 0, 0, time.UTC)
	got := DateOf(utc)
	want := time.Date(2024, 6, 4, 0, 0, 0, 0, CST)
	if !got.Equal(want) {
		t.Errorf("DateOf = %v, want %v", got, want)
	}
}

func TestFeesTotal(t *testing.T) {
	t.Parallel()
	f := Fees{
		Commission:  decimal.RequireFromString("5.00"),
		StampTax:    decimal.RequireFromString("1.82"),
		TransferFee: decimal.RequireFromString("0.02"),
	}
	if !f.Total().Equal(decimal.RequireFromString("6.84")) {
		t.Errorf("Total = %s, want 6.84", f.Total())
	}
}

func TestPortfolioPositionLookup(t *testing.T) {
	t.Parallel()
	pf := Portfolio{
		Positions: []Position{
			{StockCode: "600000", Shares: 100},
		},
	}

	if pf.Position("600000") == nil {
		t.Error("existing position not found")
	}
	if pf.Position("000001") != nil {
		t.Error("missing position should be nil")
	}

	// The returned pointer aliases the slice entry, so callers can mutate.
	pf.Position("600000").Shares = 200
	if pf.Positions[0].Shares != 200 {
		t.Error("Position should return an aliasing pointer")
	}
}

func TestPortfolioClone(t *testing.T) {
	t.Parallel()
	pf := Portfolio{
		Cash:      decimal.RequireFromString("100"),
		Positions: []Position{{StockCode: "600000", Shares: 100}},
	}

	clone := pf.Clone()
	clone.Positions[0].Shares = 999
	if pf.Positions[0].Shares != 100 {
		t.Error("Clone must not share position storage")
	}
}

func TestTargetsAll(t *testing.T) {
	t.Parallel()

	all := SystemTask{TargetAgentIDs: AllAgents}
	if !all.TargetsAll() {
		t.Error("[all] should target all agents")
	}
	explicit := SystemTask{TargetAgentIDs: []string{"a1", "a2"}}
	if explicit.TargetsAll() {
		t.Error("explicit list should not target all")
	}
	alsoExplicit := SystemTask{TargetAgentIDs: []string{"all", "a1"}}
	if alsoExplicit.TargetsAll() {
		t.Error("mixed list is explicit")
	}
}
