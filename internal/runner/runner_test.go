package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"tradingcore/internal/book"
	"tradingcore/internal/broker"
	"tradingcore/internal/common"
	"tradingcore/internal/config"
	"tradingcore/internal/exit"
	"tradingcore/internal/heartbeat"
	"tradingcore/internal/metrics"
	"tradingcore/internal/regime"
	"tradingcore/internal/security"
	"tradingcore/internal/storage"
	"tradingcore/internal/strategy"
	"tradingcore/internal/telemetry"
)

type fakeBroker struct {
	account         broker.Account
	positions       []broker.BrokerPosition
	placeOrderErr   error
	placeBracketErr error
	placedOrders    []broker.OrderIntent
	placedBrackets  []broker.OrderIntent
	cancelledFor    []string
}

func (f *fakeBroker) GetAccount(ctx context.Context) (broker.Account, error) { return f.account, nil }
func (f *fakeBroker) GetPositions(ctx context.Context) ([]broker.BrokerPosition, error) {
	return f.positions, nil
}
func (f *fakeBroker) GetOpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	return nil, nil
}
func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }
func (f *fakeBroker) CancelAllOrders(ctx context.Context, symbol string) error {
	f.cancelledFor = append(f.cancelledFor, symbol)
	return nil
}
func (f *fakeBroker) PlaceOrder(ctx context.Context, intent broker.OrderIntent) (broker.OrderResult, error) {
	f.placedOrders = append(f.placedOrders, intent)
	if f.placeOrderErr != nil {
		return broker.OrderResult{}, f.placeOrderErr
	}
	return broker.OrderResult{OrderID: "o1", Symbol: intent.Symbol, Qty: intent.Quantity}, nil
}
func (f *fakeBroker) PlaceBracket(ctx context.Context, intent broker.OrderIntent) (broker.OrderResult, error) {
	f.placedBrackets = append(f.placedBrackets, intent)
	if f.placeBracketErr != nil {
		return broker.OrderResult{}, f.placeBracketErr
	}
	return broker.OrderResult{OrderID: "b1", Symbol: intent.Symbol, Qty: intent.Quantity}, nil
}
func (f *fakeBroker) GetLatestBar(ctx context.Context, symbol string) (broker.Bar, error) {
	return broker.Bar{}, nil
}
func (f *fakeBroker) GetBars(ctx context.Context, symbol string, lookback int) ([]broker.Bar, error) {
	return nil, nil
}
func (f *fakeBroker) GetMarketHistory(ctx context.Context, symbol string, lookback int) ([]broker.Fill, error) {
	return nil, nil
}
func (f *fakeBroker) IsMarketOpen(ctx context.Context) (bool, error) { return true, nil }
func (f *fakeBroker) Delegate() broker.BrokerEquity                 { return f }

type fakeMarket struct {
	vix     float64
	trend   float64
	history []float64
	quotes  map[string]broker.Quote
}

func (m *fakeMarket) VIX() float64               { return m.vix }
func (m *fakeMarket) Trend(symbol string) float64 { return m.trend }
func (m *fakeMarket) PriceHistory(symbol string) []float64 { return m.history }
func (m *fakeMarket) Quote(symbol string) (broker.Quote, bool) {
	q, ok := m.quotes[symbol]
	return q, ok
}

func newTestRunner(isMain bool) (*ProfileRunner, *fakeBroker) {
	fb := &fakeBroker{account: broker.Account{Equity: 10000, LastEquity: 10000, BuyingPower: 10000}}
	r := &ProfileRunner{
		Profile: config.ProfileConfig{
			ID: "main", IsMain: isMain, CapitalFraction: 1,
			StopLossPct: 0.05, TakeProfitPct: 0.10, TrailingPct: 0.03,
			BullishSymbols: []string{"AAPL"}, MaxPositions: 3,
			MinHold: time.Minute,
		},
		Equity:    fb,
		Positions: book.NewPositionBook(),
		Cooldowns: book.NewCooldown(),
		Market:    &fakeMarket{vix: 15, trend: 0.6, quotes: map[string]broker.Quote{}},
		Regime:    regime.NewDetector(20, 2),
		Dispatch:  strategy.NewDispatcher(nil),
		Heartbeat: heartbeat.NewTable(),
		Now:       func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) },
	}
	return r, fb
}

func TestCycleAbortsOnPortfolioStopLoss(t *testing.T) {
	r, fb := newTestRunner(true)
	fb.account = broker.Account{Equity: 8000, LastEquity: 10000} // 20% drawdown

	err := r.Cycle(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, fb.placedOrders)
	assert.Empty(t, fb.placedBrackets)
}

func TestSyncPositionsSeedsStopAndTargetOnFirstSight(t *testing.T) {
	r, _ := newTestRunner(true)
	r.syncPositions([]broker.BrokerPosition{{Symbol: "MSFT", EntryPrice: 100, Quantity: 10, CurrentPrice: 102}})

	pos, ok := r.Positions.Get("MSFT")
	assert.True(t, ok)
	assert.InDelta(t, 95.0, pos.StopLoss, 0.001)
	assert.InDelta(t, 110.0, pos.TakeProfit, 0.001)
}

func TestExecuteExitIgnoresMinHoldForStopLoss(t *testing.T) {
	r, fb := newTestRunner(true)
	pos := book.Position{Symbol: "MSFT", EntryPrice: 100, Quantity: 10, EntryTime: r.now()} // just entered
	r.executeExit(context.Background(), pos, exit.Decision{Action: exit.FullExit, Reason: "stop loss", SetCooldown: true}, 90)
	assert.Len(t, fb.placedOrders, 1) // stop-loss is a full exit regardless of hold time
}

func TestExecuteExitPlacesSellAndRemovesPositionAfterMinHold(t *testing.T) {
	r, fb := newTestRunner(true)
	entryTime := r.now().Add(-2 * time.Hour)
	r.Positions.Put(book.Position{Symbol: "MSFT", EntryPrice: 100, Quantity: 10, EntryTime: entryTime})
	pos, _ := r.Positions.Get("MSFT")

	r.executeExit(context.Background(), pos, exit.Decision{Action: exit.FullExit, Reason: "stop loss", SetCooldown: true}, 90)

	assert.Len(t, fb.placedOrders, 1)
	assert.Equal(t, common.SideSell, fb.placedOrders[0].Side)
	_, stillOpen := r.Positions.Get("MSFT")
	assert.False(t, stillOpen)
	assert.True(t, r.Cooldowns.Active("MSFT"))
}

func TestRunExitEvaluatorOnlyMainExecutes(t *testing.T) {
	r, fb := newTestRunner(false) // not main
	entryTime := r.now().Add(-2 * time.Hour)
	r.Positions.Put(book.Position{Symbol: "MSFT", EntryPrice: 100, Quantity: 10, StopLoss: 0, EntryTime: entryTime})

	positions := []broker.BrokerPosition{{Symbol: "MSFT", EntryPrice: 100, Quantity: 10, CurrentPrice: 90}}
	r.runExitEvaluator(context.Background(), positions)

	assert.Empty(t, fb.placedOrders) // read-only: no exit order sent
	_, stillOpen := r.Positions.Get("MSFT")
	assert.True(t, stillOpen)
}

func TestCleanupExcessPositionsExitsWorstPnLFirst(t *testing.T) {
	r, fb := newTestRunner(true)
	r.Profile.MaxPositions = 1
	entryTime := r.now().Add(-2 * time.Hour)
	for _, sym := range []string{"A", "B"} {
		r.Positions.Put(book.Position{Symbol: sym, EntryPrice: 100, Quantity: 1, EntryTime: entryTime})
	}
	positions := []broker.BrokerPosition{
		{Symbol: "A", UnrealizedPnL: 50},
		{Symbol: "B", UnrealizedPnL: -20}, // worst, should be exited
	}
	r.cleanupExcessPositions(context.Background(), positions)

	assert.Len(t, fb.placedOrders, 1)
	assert.Equal(t, "B", fb.placedOrders[0].Symbol)
}

func TestTryEnterPlacesBracketOrderWhenFilterPasses(t *testing.T) {
	r, fb := newTestRunner(true)
	r.lastEquity = 10000
	quote := broker.Quote{Symbol: "AAPL", Bid: 99.9, Ask: 100.0, Last: 100.0}

	r.tryEnter(context.Background(), "AAPL", quote)

	assert.Len(t, fb.placedBrackets, 1)
	pos, ok := r.Positions.Get("AAPL")
	assert.True(t, ok)
	assert.Greater(t, pos.Quantity, 0.0)
}

func TestTryEnterPublishesTradeEventWhenTelemetryWired(t *testing.T) {
	r, _ := newTestRunner(true)
	r.lastEquity = 10000
	r.Telemetry = telemetry.NewBus()
	ch, unsub := r.Telemetry.Subscribe(4)
	defer unsub()
	quote := broker.Quote{Symbol: "AAPL", Bid: 99.9, Ask: 100.0, Last: 100.0}

	r.tryEnter(context.Background(), "AAPL", quote)

	ev := <-ch
	assert.Equal(t, telemetry.TagTradeEvent, ev.Tag)
	assert.Equal(t, "AAPL", ev.Fields["symbol"])
	assert.Equal(t, common.SideBuy, ev.Fields["side"])
}

func TestEntryAndExitRoundTripThroughStore(t *testing.T) {
	r, _ := newTestRunner(true)
	r.lastEquity = 10000
	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()
	r.Store = store

	quote := broker.Quote{Symbol: "AAPL", Bid: 99.9, Ask: 100.0, Last: 100.0}
	r.tryEnter(context.Background(), "AAPL", quote)

	pos, ok := r.Positions.Get("AAPL")
	assert.True(t, ok)
	pos.EntryTime = r.now().Add(-2 * time.Hour)
	r.Positions.Put(pos)
	r.executeExit(context.Background(), pos, exit.Decision{Action: exit.FullExit, Reason: "signal reversal"}, 110)

	stats, err := store.GetTradeStatistics()
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTrades)
	assert.Greater(t, stats.TotalPnL, 0.0)
}

type spyAuditLogger struct {
	events []security.AuditEvent
}

func (s *spyAuditLogger) LogTradingAction(event security.AuditEvent) {
	s.events = append(s.events, event)
}

func TestTryEnterAuditsAcceptedOrderWhenAuditWired(t *testing.T) {
	r, _ := newTestRunner(true)
	r.lastEquity = 10000
	spy := &spyAuditLogger{}
	r.Audit = spy
	quote := broker.Quote{Symbol: "AAPL", Bid: 99.9, Ask: 100.0, Last: 100.0}

	r.tryEnter(context.Background(), "AAPL", quote)

	assert.Len(t, spy.events, 1)
	assert.Equal(t, "order_placement", spy.events[0].EventType)
	assert.True(t, spy.events[0].Success)
	assert.Equal(t, "AAPL", spy.events[0].Symbol)
}

func TestTryEnterAuditsRejectedOrderOnInsufficientFunds(t *testing.T) {
	r, fb := newTestRunner(true)
	r.lastEquity = 10000
	fb.placeBracketErr = broker.New(broker.KindInsufficientFunds, "no buying power")
	spy := &spyAuditLogger{}
	r.Audit = spy
	quote := broker.Quote{Symbol: "AAPL", Bid: 99.9, Ask: 100.0, Last: 100.0}

	r.tryEnter(context.Background(), "AAPL", quote)

	assert.Len(t, spy.events, 1)
	assert.Equal(t, "order_placement_rejected", spy.events[0].EventType)
	assert.False(t, spy.events[0].Success)
	assert.NotEmpty(t, spy.events[0].Error)
}

func TestExecuteExitRecordsExitMetricByReason(t *testing.T) {
	r, _ := newTestRunner(true)
	r.lastEquity = 10000
	r.Metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
	pos := book.Position{Symbol: "MSFT", EntryPrice: 100, Quantity: 10, EntryTime: r.now().Add(-2 * time.Hour)}

	r.executeExit(context.Background(), pos, exit.Decision{Action: exit.FullExit, Reason: "stop_loss"}, 90)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.Metrics.ExitsTotal.WithLabelValues("stop_loss")))
}

func TestCycleRecordsRegimeTransitionOnce(t *testing.T) {
	r, _ := newTestRunner(true)
	r.Metrics = metrics.NewWithRegistry(prometheus.NewRegistry())

	assert.NoError(t, r.Cycle(context.Background()))
	assert.NoError(t, r.Cycle(context.Background())) // same regime inputs, no second transition

	reg, _ := r.Regime.Classify(r.Market.VIX(), r.Market.Trend(r.Profile.ID))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Metrics.RegimeTransitions.WithLabelValues(reg.String())))
}

func TestTryEnterFallsBackToMarketOrderWhenBracketRejected(t *testing.T) {
	r, fb := newTestRunner(true)
	r.lastEquity = 10000
	fb.placeBracketErr = errors.New("bracket orders unsupported for this symbol")
	quote := broker.Quote{Symbol: "AAPL", Bid: 99.9, Ask: 100.0, Last: 100.0}

	r.tryEnter(context.Background(), "AAPL", quote)

	assert.Len(t, fb.placedBrackets, 1) // attempted
	assert.Len(t, fb.placedOrders, 1)   // fell back
}

func TestTryEnterSkipsOnInsufficientFundsWithoutFallback(t *testing.T) {
	r, fb := newTestRunner(true)
	r.lastEquity = 10000
	fb.placeBracketErr = broker.New(broker.KindInsufficientFunds, "no buying power")
	quote := broker.Quote{Symbol: "AAPL", Bid: 99.9, Ask: 100.0, Last: 100.0}

	r.tryEnter(context.Background(), "AAPL", quote)

	assert.Len(t, fb.placedBrackets, 1)
	assert.Empty(t, fb.placedOrders) // never retried
}

func TestTryEnterSkippedWhenSpreadExceedsCap(t *testing.T) {
	r, fb := newTestRunner(true)
	r.lastEquity = 10000
	r.MaxSpreadPct = 0.001
	quote := broker.Quote{Symbol: "AAPL", Bid: 99.0, Ask: 100.0, Last: 100.0} // ~1% spread

	r.tryEnter(context.Background(), "AAPL", quote)
	assert.Empty(t, fb.placedBrackets)
}

func TestTargetSymbolsUnionsBullishBearishAndHeld(t *testing.T) {
	r, _ := newTestRunner(true)
	r.Profile.BearishSymbols = []string{"TSLA"}
	held := map[string]bool{"MSFT": true}

	targets := r.targetSymbols(held)
	assert.ElementsMatch(t, []string{"AAPL", "TSLA", "MSFT"}, targets)
}
