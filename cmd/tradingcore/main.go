// Command tradingcore is the engine's entrypoint: it loads configuration,
// wires every cooperative subsystem (equity and crypto brokers behind
// resilience, the market feed, regime detector, strategy dispatcher,
// grid engine, emergency protocol, heartbeat monitor) into a
// supervisor.Supervisor, and runs until an OS signal asks it to stop.
// Grounded on cmd/bitrader/main.go's config-load-then-wire-then-run shape
// and its signal-driven, timeout-bounded shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"tradingcore/internal/book"
	"tradingcore/internal/broker"
	"tradingcore/internal/brokers/crypto"
	"tradingcore/internal/brokers/equity"
	"tradingcore/internal/config"
	"tradingcore/internal/cryptoloop"
	"tradingcore/internal/emergency"
	"tradingcore/internal/exit"
	"tradingcore/internal/grid"
	"tradingcore/internal/heartbeat"
	"tradingcore/internal/market"
	"tradingcore/internal/metrics"
	"tradingcore/internal/ml"
	"tradingcore/internal/regime"
	"tradingcore/internal/runner"
	"tradingcore/internal/security"
	"tradingcore/internal/storage"
	"tradingcore/internal/strategy"
	"tradingcore/internal/supervisor"
	"tradingcore/internal/telemetry"
)

// Exit codes per the external command surface: 0 normal shutdown, 2 a
// fatal configuration error, 3 an unrecoverable broker auth failure at
// startup.
const (
	exitOK             = 0
	exitConfigError    = 2
	exitBrokerAuthFail = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("configuration load failed")
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *storage.Store
	if cfg.DataPath != "" {
		store, err = storage.New(cfg.DataPath)
		if err != nil {
			log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		} else {
			defer store.Close()
		}
	}

	m := metrics.New()
	go serveMetrics(ctx, cfg.MetricsPort)

	audit := security.NewLogger()
	bus := telemetry.NewBus()
	heartbeats := heartbeat.NewTable()

	equityBroker, err := newEquityBroker(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("equity broker auth failed at startup")
		return exitBrokerAuthFail
	}
	cryptoBroker, err := newCryptoBroker(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("crypto broker auth failed at startup")
		return exitBrokerAuthFail
	}

	feed := newMarketFeed(cfg, equityBroker)
	go feed.Run(ctx)

	emergencyProtocol := emergency.NewProtocol(equityBroker)

	positions := book.NewPositionBook()
	cooldowns := book.NewCooldown()

	momentumTickers := make(map[string]bool)
	for _, p := range cfg.Profiles {
		for _, s := range p.BullishSymbols {
			momentumTickers[s] = true
		}
	}
	dispatch := strategy.NewDispatcher(momentumTickers)

	runners := make([]*runner.ProfileRunner, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		det := regime.NewDetector(p.VIXThreshold, p.VIXHysteresis)
		det.SetExtreme(cfg.Regime.HighVolThreshold)

		runners = append(runners, &runner.ProfileRunner{
			Profile:              p,
			Equity:               equityBroker,
			Positions:            positions,
			Cooldowns:            cooldowns,
			Market:               feed,
			Regime:               det,
			Dispatch:             dispatch,
			Heartbeat:            heartbeats,
			Telemetry:            bus,
			Store:                store,
			Audit:                audit,
			Metrics:              m,
			RSIExitMinProfit:     cfg.RSIExitMinProfit,
			MaxSpreadPct:         cfg.Filter.MaxSpreadPct,
			PortfolioStopLossPct: cfg.PortfolioStopLossPct / 100,
			CooldownStopLossMs:   cfg.CooldownStopLossMs,
			CooldownSellMs:       cfg.CooldownSellMs,
		})
	}

	cryptoLoop := newCryptoLoop(cfg, cryptoBroker, cooldowns, heartbeats, bus, store, audit, m)

	sup := &supervisor.Supervisor{
		Runners:   runners,
		Crypto:    cryptoLoop,
		Heartbeat: heartbeats,
		Emergency: emergencyProtocol,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	<-sigCh
	log.Info().Msg("shutdown signal received")
	cancel()
	<-done

	return exitOK
}

func serveMetrics(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server failed")
	}
}

// newEquityBroker builds the resilience-wrapped equity broker and
// confirms credentials are accepted before the engine starts trading --
// a GetAccount probe surfaces an auth failure here rather than on the
// first profile cycle.
func newEquityBroker(ctx context.Context, cfg config.Settings) (broker.BrokerEquity, error) {
	delegate := equity.New(cfg.EquityAPIKey, cfg.EquitySecret, cfg.EquityBaseURL, cfg.RESTTimeout)
	res := broker.NewResilience(broker.DefaultResilienceConfig())
	wrapped := equity.NewResilient(delegate, res)

	probeCtx, cancel := context.WithTimeout(ctx, cfg.RESTTimeout)
	defer cancel()
	if _, err := wrapped.GetAccount(probeCtx); err != nil {
		return nil, err
	}
	return wrapped, nil
}

func newCryptoBroker(ctx context.Context, cfg config.Settings) (broker.BrokerCrypto, error) {
	delegate := crypto.New(cfg.CryptoAPIKey, cfg.CryptoSecret, cfg.CryptoBaseURL, cfg.RESTTimeout)
	res := broker.NewResilience(broker.DefaultResilienceConfig())
	wrapped := crypto.NewResilient(delegate, res)

	probeCtx, cancel := context.WithTimeout(ctx, cfg.RESTTimeout)
	defer cancel()
	if _, err := wrapped.GetBalance(probeCtx); err != nil {
		return nil, err
	}
	return wrapped, nil
}

// newMarketFeed builds the shared equities market feed, tracking every
// symbol named across every profile's bullish/bearish lists and
// aliasing each profile's ID to its first bullish symbol so
// ProfileRunner.Cycle's Market.Trend(profileID) call resolves to a real
// tracked momentum reading.
func newMarketFeed(cfg config.Settings, equityBroker broker.BrokerEquity) *market.Feed {
	symbolSet := make(map[string]bool)
	aliases := make(map[string]string)
	for _, p := range cfg.Profiles {
		rep := ""
		for _, s := range p.BullishSymbols {
			symbolSet[s] = true
			if rep == "" {
				rep = s
			}
		}
		for _, s := range p.BearishSymbols {
			symbolSet[s] = true
			if rep == "" {
				rep = s
			}
		}
		if rep != "" {
			aliases[p.ID] = rep
		}
	}
	symbols := make([]string, 0, len(symbolSet))
	for s := range symbolSet {
		symbols = append(symbols, s)
	}

	f := market.NewFeed(equityBroker, cfg.VIXSymbol, symbols, cfg.MarketSampleInterval, 200, 10)
	f.Aliases = aliases
	return f
}

func newCryptoLoop(
	cfg config.Settings,
	cryptoBroker broker.BrokerCrypto,
	cooldowns *book.Cooldown,
	heartbeats *heartbeat.Table,
	bus *telemetry.Bus,
	store *storage.Store,
	audit security.AuditLogger,
	m *metrics.Metrics,
) *cryptoloop.CryptoLoop {
	scorer := ml.NewFallbackScorer()
	accel := ml.NewMomentumAccelDetector()

	partials := make([]exit.PartialExitLevel, 0, len(cfg.PartialExits))
	for _, lvl := range cfg.PartialExits {
		partials = append(partials, exit.PartialExitLevel{ThresholdPct: lvl.ThresholdPct, FractionPct: lvl.FractionPct})
	}

	return &cryptoloop.CryptoLoop{
		Symbols:     cfg.CryptoSymbols,
		Crypto:      cryptoBroker,
		Positions:   book.NewPositionBook(),
		Cooldowns:   cooldowns,
		Tracker:     grid.NewTracker(),
		Performance: book.NewPerformanceTracker(),
		Volatility:  book.NewVolatilityTracker(),
		Heartbeat:   heartbeats,
		Telemetry:   bus,
		Store:       store,
		Audit:       audit,
		Metrics:     m,

		Scorer:   scorer,
		Anomaly:  scorer,
		Health:   scorer,
		Momentum: accel,

		MinOrderUSD: cfg.Grid.MinOrderUSD,
		MaxOrderUSD: cfg.Grid.MaxOrderUSD,

		StopLossPct: 0.05,
		Trailing: exit.TrailingConfig{
			ActivationPct: cfg.Trailing.ActivationPct,
			TrailPct:      cfg.Trailing.TrailPct,
			CapPct:        cfg.Trailing.CapPct,
		},
		PartialExitLevels:    partials,
		RSIExitMinProfit:     cfg.RSIExitMinProfit,
		HealthScoreThreshold: 30,
		MaxSpreadPct:         cfg.Filter.MaxSpreadPct,
		CooldownStopLossMs:   cfg.CooldownStopLossMs,
		CooldownSellMs:       cfg.CooldownSellMs,

		MinInterval:     cfg.CryptoLoopMinInterval,
		MaxInterval:     cfg.CryptoLoopMaxInterval,
		DynamicMaxFloor: cfg.DynamicMaxPositionsFloor,
		DynamicMaxCeil:  cfg.DynamicMaxPositionsCeil,
		PerPositionUSD:  cfg.PerPositionUSD,
	}
}
