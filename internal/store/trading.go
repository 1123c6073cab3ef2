// trading.go — portfolios, orders, and transactions.
//
// One decision's outputs (order, transaction, portfolio update) commit as a
// single SQLite transaction: a crash mid-cycle leaves earlier decisions
// committed and the failing one fully rolled back.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cytzrs/share/pkg/types"
)

// GetPortfolio loads the cash and positions snapshot for one agent.
func (s *Store) GetPortfolio(ctx context.Context, agentID string) (*types.Portfolio, error) {
	var cash string
	err := s.db.QueryRowContext(ctx,
		`SELECT cash FROM portfolios WHERE agent_id = ?`, agentID).Scan(&cash)
	if err != nil {
		return nil, err
	}

	pf := &types.Portfolio{AgentID: agentID, Cash: parseDec(cash)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT stock_code, shares, avg_cost, buy_date
		FROM positions WHERE agent_id = ? ORDER BY stock_code`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: load positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pos types.Position
		var avgCost, buyDate string
		if err := rows.Scan(&pos.StockCode, &pos.Shares, &avgCost, &buyDate); err != nil {
			return nil, err
		}
		pos.AvgCost = parseDec(avgCost)
		pos.BuyDate = parseDate(buyDate)
		pf.Positions = append(pf.Positions, pos)
	}
	return pf, rows.Err()
}

// InsertOrder persists a single order row. Used for rejected orders and
// hold/wait outcomes, which carry no transaction or portfolio change.
func (s *Store) InsertOrder(ctx context.Context, o *types.Order) error {
	_, err := s.db.ExecContext(ctx, insertOrderSQL, orderArgs(o)...)
	if err != nil {
		return fmt.Errorf("store: insert order: %w", err)
	}
	return nil
}

// ApplyFill atomically persists a filled order, its transaction, and the
// post-trade portfolio snapshot. Either everything lands or nothing does.
func (s *Store) ApplyFill(ctx context.Context, o *types.Order, tr *types.Transaction, pf *types.Portfolio) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertOrderSQL, orderArgs(o)...); err != nil {
			return fmt.Errorf("store: insert order: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions
				(tx_id, order_id, agent_id, stock_code, side, quantity, price,
				 commission, stamp_tax, transfer_fee, executed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tr.ID, tr.OrderID, tr.AgentID, tr.StockCode, string(tr.Side), tr.Quantity,
			fmtDec(tr.Price), fmtDec(tr.Fees.Commission), fmtDec(tr.Fees.StampTax),
			fmtDec(tr.Fees.TransferFee), fmtTime(tr.ExecutedAt),
		); err != nil {
			return fmt.Errorf("store: insert transaction: %w", err)
		}

		return replacePortfolio(ctx, tx, pf)
	})
}

// SavePortfolio replaces one agent's snapshot outside a fill (seeding,
// admin corrections).
func (s *Store) SavePortfolio(ctx context.Context, pf *types.Portfolio) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return replacePortfolio(ctx, tx, pf)
	})
}

func replacePortfolio(ctx context.Context, tx *sql.Tx, pf *types.Portfolio) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO portfolios (agent_id, cash) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET cash = excluded.cash`,
		pf.AgentID, fmtDec(pf.Cash),
	); err != nil {
		return fmt.Errorf("store: upsert portfolio cash: %w", err)
	}

	// Positions with zero shares are removed, not stored: rewrite the set.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM positions WHERE agent_id = ?`, pf.AgentID); err != nil {
		return fmt.Errorf("store: clear positions: %w", err)
	}
	for _, pos := range pf.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO positions (agent_id, stock_code, shares, avg_cost, buy_date)
			VALUES (?, ?, ?, ?, ?)`,
			pf.AgentID, pos.StockCode, pos.Shares, fmtDec(pos.AvgCost), fmtDate(pos.BuyDate),
		); err != nil {
			return fmt.Errorf("store: insert position %s: %w", pos.StockCode, err)
		}
	}
	return nil
}

const insertOrderSQL = `
	INSERT INTO orders
		(order_id, agent_id, llm_log_id, side, stock_code, quantity, price,
		 status, reject_reason, reason, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func orderArgs(o *types.Order) []any {
	var llmLogID any
	if o.LLMLogID != 0 {
		llmLogID = o.LLMLogID
	}
	var code, qty, price any
	if o.Side != types.Hold {
		code, qty, price = o.StockCode, o.Quantity, fmtDec(o.Price)
	}
	return []any{
		o.ID, o.AgentID, llmLogID, string(o.Side), code, qty, price,
		string(o.Status), o.RejectReason, o.Reason, fmtTime(o.CreatedAt),
	}
}

// ListOrders returns the most recent orders of one agent, newest first.
func (s *Store) ListOrders(ctx context.Context, agentID string, limit int) ([]types.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, agent_id, COALESCE(llm_log_id, 0), side,
		       COALESCE(stock_code, ''), COALESCE(quantity, 0), COALESCE(price, '0'),
		       status, COALESCE(reject_reason, ''), COALESCE(reason, ''), created_at
		FROM orders WHERE agent_id = ?
		ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list orders: %w", err)
	}
	defer rows.Close()

	var orders []types.Order
	for rows.Next() {
		var o types.Order
		var side, price, status, created string
		if err := rows.Scan(&o.ID, &o.AgentID, &o.LLMLogID, &side, &o.StockCode,
			&o.Quantity, &price, &status, &o.RejectReason, &o.Reason, &created); err != nil {
			return nil, err
		}
		o.Side = types.Side(side)
		o.Price = parseDec(price)
		o.Status = types.OrderStatus(status)
		o.CreatedAt = parseTime(created)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CountTransactions returns how many transactions exist for an order.
func (s *Store) CountTransactions(ctx context.Context, orderID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE order_id = ?`, orderID).Scan(&n)
	return n, err
}
