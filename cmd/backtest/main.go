// Command backtest drives the backtest(symbol, days, capital, tp, sl)
// command surface: it fetches a symbol's daily bar history from the
// equity broker, replays internal/backtest.Run over it, and writes a
// summary/trade-log/JSON report -- grounded on the teacher's flag-parse,
// load, run, report flow in this same file, adapted from its
// config-driven multi-symbol ONNX-model replay to a single-symbol
// strategy/regime/exit replay.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradingcore/internal/backtest"
	"tradingcore/internal/broker"
	"tradingcore/internal/brokers/equity"
	"tradingcore/internal/config"
)

func main() {
	var (
		symbol     = flag.String("symbol", "", "Symbol to backtest (required)")
		days       = flag.Int("days", 90, "Number of trailing daily bars to simulate")
		capital    = flag.Float64("capital", 10000, "Initial capital")
		takeProfit = flag.Float64("tp", 0.03, "Take-profit fraction, e.g. 0.03 for 3%")
		stopLoss   = flag.Float64("sl", 0.02, "Stop-loss fraction, e.g. 0.02 for 2%")
		outputPath = flag.String("output", "backtest-results", "Output directory for reports")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *symbol == "" {
		log.Fatal().Msg("-symbol is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	delegate := equity.New(cfg.EquityAPIKey, cfg.EquitySecret, cfg.EquityBaseURL, cfg.RESTTimeout)
	res := broker.NewResilience(broker.DefaultResilienceConfig())
	eq := equity.NewResilient(delegate, res)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RESTTimeout)
	defer cancel()

	bars, err := eq.GetBars(ctx, *symbol, *days)
	if err != nil {
		log.Fatal().Err(err).Str("symbol", *symbol).Msg("failed to fetch bar history")
	}
	if len(bars) == 0 {
		log.Fatal().Str("symbol", *symbol).Msg("no bar history returned")
	}

	result, err := backtest.Run(bars, backtest.Config{
		Symbol:         *symbol,
		Days:           *days,
		InitialCapital: *capital,
		TakeProfitPct:  *takeProfit,
		StopLossPct:    *stopLoss,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("backtest run failed")
	}

	reporter := backtest.NewReporter(&result, *outputPath)
	if err := reporter.GenerateReport(); err != nil {
		log.Error().Err(err).Msg("failed to generate reports")
	}

	fmt.Printf("Backtest complete: %s over %d bars, %d trades, %.2f%% total return, %.2f%% max drawdown, Sharpe %.2f\n",
		*symbol, len(bars), result.TotalTrades, result.TotalPnLPct*100, result.MaxDrawdownPct*100, result.SharpeRatio)
	fmt.Printf("Reports written to %s\n", *outputPath)
}
