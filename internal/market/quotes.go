// Package market supplies price context to the decision pipeline.
//
// The Service pulls daily bars and hot-stock rankings from a remote quote
// API over REST, persists them through the store's quote table, and answers
// reads through a small TTL cache. A separate WebSocket feed (feed.go)
// streams realtime ticks into the same cache.
//
// Failures here are recoverable by design: the decision cycle proceeds with
// whatever slice of the context could be fetched.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/cytzrs/share/pkg/types"
)

// QuoteRepo is the slice of the store the market service needs.
type QuoteRepo interface {
	UpsertQuotes(ctx context.Context, quotes []types.Quote) error
	LatestQuote(ctx context.Context, code string) (*types.Quote, error)
	QuoteHistory(ctx context.Context, code string, from, to time.Time) ([]types.Quote, error)
}

// Config points the service at the remote quote API.
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Service is the market-data provider consumed by the decision cycle.
type Service struct {
	http   *resty.Client
	repo   QuoteRepo
	cache  *quoteCache
	logger *slog.Logger
}

// NewService wires the REST client, the persistent quote table, and the TTL
// cache.
func NewService(cfg Config, repo QuoteRepo, logger *slog.Logger) *Service {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &Service{
		http:   httpClient,
		repo:   repo,
		cache:  newQuoteCache(ttl),
		logger: logger.With("component", "market"),
	}
}

// wireQuote is the remote API's bar shape. Prices arrive as strings to keep
// fixed-point exactness.
type wireQuote struct {
	StockCode string `json:"stock_code"`
	StockName string `json:"stock_name"`
	TradeDate string `json:"trade_date"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	PrevClose string `json:"prev_close"`
	Volume    int64  `json:"volume"`
	Amount    string `json:"amount"`
}

func (w wireQuote) toQuote() types.Quote {
	date, _ := time.ParseInLocation(time.DateOnly, w.TradeDate, types.CST)
	return types.Quote{
		StockCode: w.StockCode,
		StockName: w.StockName,
		TradeDate: date,
		Open:      dec(w.Open),
		High:      dec(w.High),
		Low:       dec(w.Low),
		Close:     dec(w.Close),
		PrevClose: dec(w.PrevClose),
		Volume:    w.Volume,
		Amount:    dec(w.Amount),
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// LatestQuote serves from the cache, then the store, then the remote API.
// A remote hit is written back to both.
func (s *Service) LatestQuote(ctx context.Context, code string) (*types.Quote, error) {
	if q, ok := s.cache.get(code); ok {
		return &q, nil
	}

	if q, err := s.repo.LatestQuote(ctx, code); err == nil {
		s.cache.put(*q)
		return q, nil
	}

	var result wireQuote
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("code", code).
		SetResult(&result).
		Get("/quotes/latest")
	if err != nil {
		return nil, fmt.Errorf("latest quote %s: %w", code, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("latest quote %s: not found", code)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("latest quote %s: status %d", code, resp.StatusCode())
	}

	q := result.toQuote()
	s.cache.put(q)
	if err := s.repo.UpsertQuotes(ctx, []types.Quote{q}); err != nil {
		s.logger.Warn("failed to persist quote", "code", code, "error", err)
	}
	return &q, nil
}

// QuoteHistory reads ordered bars from the store, falling back to the
// remote API when the local table has nothing for the window.
func (s *Service) QuoteHistory(ctx context.Context, code string, from, to time.Time) ([]types.Quote, error) {
	if quotes, err := s.repo.QuoteHistory(ctx, code, from, to); err == nil && len(quotes) > 0 {
		return quotes, nil
	}

	var result []wireQuote
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"code": code,
			"from": from.In(types.CST).Format(time.DateOnly),
			"to":   to.In(types.CST).Format(time.DateOnly),
		}).
		SetResult(&result).
		Get("/quotes/history")
	if err != nil {
		return nil, fmt.Errorf("quote history %s: %w", code, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("quote history %s: status %d", code, resp.StatusCode())
	}

	quotes := make([]types.Quote, 0, len(result))
	for _, w := range result {
		quotes = append(quotes, w.toQuote())
	}
	if err := s.repo.UpsertQuotes(ctx, quotes); err != nil {
		s.logger.Warn("failed to persist history", "code", code, "error", err)
	}
	return quotes, nil
}

// HotStocks returns the remote API's top-n ranking of active codes.
func (s *Service) HotStocks(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = 10
	}
	var result struct {
		Codes []string `json:"codes"`
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprint(n)).
		SetResult(&result).
		Get("/stocks/hot")
	if err != nil {
		return nil, fmt.Errorf("hot stocks: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("hot stocks: status %d", resp.StatusCode())
	}
	return result.Codes, nil
}

// RealtimeQuotes returns a best-effort snapshot for the requested codes.
// Codes missing from cache and remote are simply absent from the result.
func (s *Service) RealtimeQuotes(ctx context.Context, codes []string) (map[string]types.Quote, error) {
	out := make(map[string]types.Quote, len(codes))
	var missing []string
	for _, code := range codes {
		if q, ok := s.cache.get(code); ok {
			out[code] = q
		} else {
			missing = append(missing, code)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	for _, code := range missing {
		q, err := s.LatestQuote(ctx, code)
		if err != nil {
			s.logger.Debug("realtime quote unavailable", "code", code, "error", err)
			continue
		}
		out[code] = *q
	}
	return out, nil
}

// ApplyTick folds a realtime tick (from the WS feed) into the cache.
func (s *Service) ApplyTick(q types.Quote) {
	s.cache.put(q)
}

// SyncQuotes pulls the latest bars for the hot list from the remote API and
// persists them. Used by quote_sync scheduler tasks.
func (s *Service) SyncQuotes(ctx context.Context) error {
	codes, err := s.HotStocks(ctx, 50)
	if err != nil {
		return fmt.Errorf("sync quotes: %w", err)
	}

	var synced int
	for _, code := range codes {
		var result wireQuote
		resp, err := s.http.R().
			SetContext(ctx).
			SetQueryParam("code", code).
			SetResult(&result).
			Get("/quotes/latest")
		if err != nil || resp.StatusCode() != http.StatusOK {
			s.logger.Warn("quote sync miss", "code", code, "error", err)
			continue
		}
		q := result.toQuote()
		if err := s.repo.UpsertQuotes(ctx, []types.Quote{q}); err != nil {
			return fmt.Errorf("sync quotes: persist %s: %w", code, err)
		}
		s.cache.put(q)
		synced++
	}

	s.logger.Info("quote sync complete", "requested", len(codes), "synced", synced)
	return nil
}

// RefreshMarket re-warms the cache for the hot list. Codes missing from the
// cache go through LatestQuote, which reads the store and writes remote hits
// back to it. Used by market_refresh scheduler tasks.
func (s *Service) RefreshMarket(ctx context.Context) error {
	codes, err := s.HotStocks(ctx, 20)
	if err != nil {
		return fmt.Errorf("refresh market: %w", err)
	}
	quotes, err := s.RealtimeQuotes(ctx, codes)
	if err != nil {
		return fmt.Errorf("refresh market: %w", err)
	}
	s.logger.Info("market refresh complete", "codes", len(codes), "quotes", len(quotes))
	return nil
}

// ————————————————————————————— TTL cache —————————————————————————————

type cachedQuote struct {
	quote   types.Quote
	expires time.Time
}

// quoteCache is a simple expiring map keyed by stock code.
type quoteCache struct {
	mu   sync.RWMutex
	ttl  time.Duration
	data map[string]cachedQuote
}

func newQuoteCache(ttl time.Duration) *quoteCache {
	return &quoteCache{ttl: ttl, data: make(map[string]cachedQuote)}
}

func (c *quoteCache) get(code string) (types.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.data[code]
	if !ok || time.Now().After(entry.expires) {
		return types.Quote{}, false
	}
	return entry.quote, true
}

func (c *quoteCache) put(q types.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[q.StockCode] = cachedQuote{quote: q, expires: time.Now().Add(c.ttl)}
}
