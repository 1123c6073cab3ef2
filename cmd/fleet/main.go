// Share Fleet — a simulator for LLM-driven A-share trading agents.
//
// Architecture:
//
//	main.go                   — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	scheduler/scheduler.go    — cron clock: one entry per active system task, task CRUD
//	scheduler/executor.go     — task runs: trading-window gate, bounded fan-out, retries, run logs
//	agent/cycle.go            — one decision cycle: state → prompt → LLM → parse → validate → orders
//	llm/client.go             — multi-protocol LLM client (OpenAI / Anthropic / Google dialects)
//	decision/parser.go        — JSON extraction from free-form LLM replies + per-decision validation
//	orders/processor.go       — end-to-end order validation, fees, portfolio mutation
//	rules/                    — A-share microstructure: boards, price limits, lots, T+1, fees
//	portfolio/portfolio.go    — sufficiency checks, valuation, return/drawdown metrics
//	market/                   — quote API client, TTL cache, realtime WebSocket tick feed
//	store/                    — SQLite persistence for every table and log stream
//
// One decision cycle: the scheduler fires a task, the executor fans out over
// the target agents, each cycle renders a prompt from the agent's portfolio
// and market context, sends it to the configured LLM provider, parses the
// reply into trading decisions, validates them against A-share rules, and
// applies the survivors to the portfolio as atomic order+transaction writes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/cytzrs/share/internal/agent"
	"github.com/cytzrs/share/internal/config"
	"github.com/cytzrs/share/internal/llm"
	"github.com/cytzrs/share/internal/market"
	"github.com/cytzrs/share/internal/orders"
	"github.com/cytzrs/share/internal/scheduler"
	"github.com/cytzrs/share/internal/store"
	"github.com/cytzrs/share/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SHARE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error("failed to create data dir", "error", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Market data: REST pull client plus the realtime tick feed.
	marketSvc := market.NewService(market.Config{
		BaseURL:  cfg.Market.BaseURL,
		APIKey:   cfg.Market.APIKey,
		CacheTTL: cfg.Market.CacheTTL,
	}, st, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Market.WSURL != "" {
		feed := market.NewFeed(cfg.Market.WSURL, marketSvc, logger)
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("tick feed stopped", "error", err)
			}
		}()
		defer feed.Close()
	}

	commissionRate, err := decimal.NewFromString(cfg.Trading.CommissionRate)
	if err != nil {
		logger.Error("invalid commission rate", "error", err)
		os.Exit(1)
	}
	processor := &orders.Processor{
		CheckTradingTime: cfg.Trading.CheckTradingTime,
		CommissionRate:   commissionRate,
	}

	// LLM clients are pooled per provider row by the cycle runner.
	factory := func(p types.Provider) agent.ChatClient {
		return llm.NewClient(llm.Config{
			Protocol:          p.Protocol,
			BaseURL:           p.APIURL,
			APIKey:            p.APIKey,
			Timeout:           cfg.LLM.Timeout,
			ProviderID:        p.ID,
			RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		}, st, logger)
	}

	runner := agent.NewRunner(st, marketSvc, factory, processor, logger)

	jobs := map[types.TaskType]scheduler.JobFunc{
		types.TaskQuoteSync: func(ctx context.Context, _ types.SystemTask) error {
			return marketSvc.SyncQuotes(ctx)
		},
		types.TaskMarketRefresh: func(ctx context.Context, _ types.SystemTask) error {
			return marketSvc.RefreshMarket(ctx)
		},
	}

	exec := scheduler.NewExecutor(st, runner, scheduler.ExecutorConfig{
		Workers:       cfg.Scheduler.Workers,
		MaxRetries:    cfg.Scheduler.MaxRetries,
		RetryDelay:    cfg.Scheduler.RetryDelay,
		AgentDeadline: cfg.Scheduler.AgentDeadline,
	}, jobs, logger)

	sched := scheduler.New(st, exec, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	logger.Info("fleet started",
		"db", cfg.Database.Path,
		"workers", cfg.Scheduler.Workers,
		"llm_timeout", fmt.Sprint(cfg.LLM.Timeout),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	sched.Shutdown()
	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
