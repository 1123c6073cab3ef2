// quotes.go — daily stock quote bars, one row per (stock_code, trade_date).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cytzrs/share/pkg/types"
)

// UpsertQuotes writes a batch of daily bars, replacing rows that already
// exist for the same code and date.
func (s *Store) UpsertQuotes(ctx context.Context, quotes []types.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO stock_quotes
				(stock_code, stock_name, trade_date, open, high, low, close, prev_close, volume, amount)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(stock_code, trade_date) DO UPDATE SET
				stock_name = excluded.stock_name,
				open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, prev_close = excluded.prev_close,
				volume = excluded.volume, amount = excluded.amount`)
		if err != nil {
			return fmt.Errorf("store: prepare quote upsert: %w", err)
		}
		defer stmt.Close()

		for _, q := range quotes {
			if _, err := stmt.ExecContext(ctx,
				q.StockCode, q.StockName, fmtDate(q.TradeDate),
				fmtDec(q.Open), fmtDec(q.High), fmtDec(q.Low), fmtDec(q.Close),
				fmtDec(q.PrevClose), q.Volume, fmtDec(q.Amount),
			); err != nil {
				return fmt.Errorf("store: upsert quote %s/%s: %w", q.StockCode, fmtDate(q.TradeDate), err)
			}
		}
		return nil
	})
}

// LatestQuote returns the most recent bar for a code.
func (s *Store) LatestQuote(ctx context.Context, code string) (*types.Quote, error) {
	row := s.db.QueryRowContext(ctx, quoteSelect+`
		WHERE stock_code = ? ORDER BY trade_date DESC LIMIT 1`, code)
	return scanQuote(row)
}

// QuoteHistory returns bars for a code between from and to inclusive,
// oldest first.
func (s *Store) QuoteHistory(ctx context.Context, code string, from, to time.Time) ([]types.Quote, error) {
	rows, err := s.db.QueryContext(ctx, quoteSelect+`
		WHERE stock_code = ? AND trade_date >= ? AND trade_date <= ?
		ORDER BY trade_date`, code, fmtDate(from), fmtDate(to))
	if err != nil {
		return nil, fmt.Errorf("store: quote history: %w", err)
	}
	defer rows.Close()

	var quotes []types.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, *q)
	}
	return quotes, rows.Err()
}

// PrevClose resolves the previous close used for limit validation from the
// most recent stored bar. When the bar is for today, its prev_close column
// applies; for an older bar its close is the best available reference.
func (s *Store) PrevClose(ctx context.Context, code string, today time.Time) (decimal.Decimal, error) {
	q, err := s.LatestQuote(ctx, code)
	if err != nil {
		return decimal.Zero, err
	}
	if types.DateOf(q.TradeDate).Equal(types.DateOf(today)) {
		return q.PrevClose, nil
	}
	return q.Close, nil
}

const quoteSelect = `
	SELECT stock_code, COALESCE(stock_name,''), trade_date,
	       COALESCE(open,'0'), COALESCE(high,'0'), COALESCE(low,'0'),
	       COALESCE(close,'0'), COALESCE(prev_close,'0'),
	       COALESCE(volume,0), COALESCE(amount,'0')
	FROM stock_quotes`

func scanQuote(r rowScanner) (*types.Quote, error) {
	var q types.Quote
	var date, open, high, low, cl, prev, amount string
	if err := r.Scan(&q.StockCode, &q.StockName, &date, &open, &high, &low,
		&cl, &prev, &q.Volume, &amount); err != nil {
		return nil, err
	}
	q.TradeDate = parseDate(date)
	q.Open = parseDec(open)
	q.High = parseDec(high)
	q.Low = parseDec(low)
	q.Close = parseDec(cl)
	q.PrevClose = parseDec(prev)
	q.Amount = parseDec(amount)
	return &q, nil
}
