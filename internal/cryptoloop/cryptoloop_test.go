package cryptoloop

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"tradingcore/internal/book"
	"tradingcore/internal/broker"
	"tradingcore/internal/common"
	"tradingcore/internal/grid"
	"tradingcore/internal/metrics"
	"tradingcore/internal/security"
	"tradingcore/internal/storage"
	"tradingcore/internal/telemetry"
)

type fakeCrypto struct {
	balance         broker.Balance
	tickers         map[string]broker.Ticker
	fills           map[string][]broker.Fill
	placedMarket    []broker.OrderIntent
	placedLimit     []broker.OrderIntent
	cancelled       []string
	marketOrderErr  error
	canPlaceOrder   bool
	getTickerErr    map[string]error
}

func (f *fakeCrypto) GetTicker(ctx context.Context, symbol string) (broker.Ticker, error) {
	if err, ok := f.getTickerErr[symbol]; ok {
		return broker.Ticker{}, err
	}
	return f.tickers[symbol], nil
}
func (f *fakeCrypto) GetBalance(ctx context.Context) (broker.Balance, error) { return f.balance, nil }
func (f *fakeCrypto) GetTradesHistory(ctx context.Context, symbol string, lookback int) ([]broker.Fill, error) {
	return f.fills[symbol], nil
}
func (f *fakeCrypto) GetOpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	return nil, nil
}
func (f *fakeCrypto) CancelOrder(ctx context.Context, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}
func (f *fakeCrypto) CancelAllOrders(ctx context.Context, symbol string) error { return nil }
func (f *fakeCrypto) PlaceLimitOrder(ctx context.Context, intent broker.OrderIntent) (broker.OrderResult, error) {
	f.placedLimit = append(f.placedLimit, intent)
	return broker.OrderResult{OrderID: "limit-1", Symbol: intent.Symbol, Qty: intent.Quantity}, nil
}
func (f *fakeCrypto) PlaceMarketOrder(ctx context.Context, intent broker.OrderIntent) (broker.OrderResult, error) {
	f.placedMarket = append(f.placedMarket, intent)
	if f.marketOrderErr != nil {
		return broker.OrderResult{}, f.marketOrderErr
	}
	return broker.OrderResult{OrderID: "market-1", Symbol: intent.Symbol, Qty: intent.Quantity}, nil
}
func (f *fakeCrypto) CanPlaceOrder(ctx context.Context, intent broker.OrderIntent) (bool, error) {
	return f.canPlaceOrder, nil
}
func (f *fakeCrypto) Delegate() broker.BrokerCrypto { return f }

func newTestLoop() (*CryptoLoop, *fakeCrypto) {
	fc := &fakeCrypto{
		balance:       broker.Balance{Equity: 1000, FreeMargin: 800},
		tickers:       map[string]broker.Ticker{},
		fills:         map[string][]broker.Fill{},
		canPlaceOrder: true,
		getTickerErr:  map[string]error{},
	}
	l := &CryptoLoop{
		Symbols:         []string{"BTC/USD"},
		Crypto:          fc,
		Positions:       book.NewPositionBook(),
		Cooldowns:       book.NewCooldown(),
		Tracker:         grid.NewTracker(),
		Performance:     book.NewPerformanceTracker(),
		Volatility:      book.NewVolatilityTracker(),
		MinOrderUSD:     10,
		MaxOrderUSD:     500,
		StopLossPct:     0.05,
		DynamicMaxFloor: 1,
		DynamicMaxCeil:  5,
		PerPositionUSD:  50,
		Now:             func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	return l, fc
}

func TestDynamicMaxPositionsClampsBetweenFloorAndCeil(t *testing.T) {
	l, _ := newTestLoop()
	n := l.dynamicMaxPositions(broker.Balance{Equity: 10000})
	assert.Equal(t, 5, n) // floor(10000*0.8/50)=160, clamped to ceil 5

	n = l.dynamicMaxPositions(broker.Balance{Equity: 10})
	assert.Equal(t, 1, n) // floor(10*0.8/50)=0, clamped to floor 1
}

func TestSyncPositionReconstructsFromBuyFills(t *testing.T) {
	l, fc := newTestLoop()
	fc.fills["BTC/USD"] = []broker.Fill{
		{Symbol: "BTC/USD", Side: common.SideBuy, Price: 100, Qty: 1, Ts: l.now().Add(-2 * time.Hour)},
		{Symbol: "BTC/USD", Side: common.SideBuy, Price: 120, Qty: 1, Ts: l.now().Add(-1 * time.Hour)},
	}

	l.syncPosition(context.Background(), "BTC/USD")

	pos, ok := l.Positions.Get("BTC/USD")
	assert.True(t, ok)
	assert.InDelta(t, 2.0, pos.Quantity, 0.001)
	assert.InDelta(t, 110.0, pos.EntryPrice, 0.001) // weighted average of the two buys
	assert.False(t, pos.StopUnreliable) // priced from fills, not the last-price fallback
}

func TestSyncPositionSkipsWhenFullyExited(t *testing.T) {
	l, fc := newTestLoop()
	fc.fills["BTC/USD"] = []broker.Fill{
		{Symbol: "BTC/USD", Side: common.SideBuy, Price: 100, Qty: 1, Ts: l.now().Add(-2 * time.Hour)},
		{Symbol: "BTC/USD", Side: common.SideSell, Price: 110, Qty: 1, Ts: l.now().Add(-1 * time.Hour)},
	}

	l.syncPosition(context.Background(), "BTC/USD")

	_, ok := l.Positions.Get("BTC/USD")
	assert.False(t, ok)
}

func TestSyncPositionSkipsWhenAlreadyTracked(t *testing.T) {
	l, fc := newTestLoop()
	l.Positions.Put(book.Position{Symbol: "BTC/USD", EntryPrice: 99, Quantity: 1})
	fc.fills["BTC/USD"] = []broker.Fill{
		{Symbol: "BTC/USD", Side: common.SideBuy, Price: 500, Qty: 1, Ts: l.now()},
	}

	l.syncPosition(context.Background(), "BTC/USD")

	pos, _ := l.Positions.Get("BTC/USD")
	assert.Equal(t, 99.0, pos.EntryPrice) // untouched
}

func TestRunExitsPlacesMarketSellOnStopLoss(t *testing.T) {
	l, fc := newTestLoop()
	l.Positions.Put(book.Position{Symbol: "BTC/USD", EntryPrice: 100, Quantity: 1, StopLoss: 95, HighWater: 100})
	fc.tickers["BTC/USD"] = broker.Ticker{Symbol: "BTC/USD", Last: 90, Open: 100, High24: 105, Low24: 88}

	l.runExits(context.Background())

	assert.Len(t, fc.placedMarket, 1)
	assert.Equal(t, common.SideSell, fc.placedMarket[0].Side)
	_, stillOpen := l.Positions.Get("BTC/USD")
	assert.False(t, stillOpen)
	assert.True(t, l.Cooldowns.Active("BTC/USD"))
}

func TestRunExitsLeavesHealthyPositionAlone(t *testing.T) {
	l, fc := newTestLoop()
	l.Positions.Put(book.Position{Symbol: "BTC/USD", EntryPrice: 100, Quantity: 1, StopLoss: 90, HighWater: 101})
	fc.tickers["BTC/USD"] = broker.Ticker{Symbol: "BTC/USD", Last: 101, Open: 100, High24: 103, Low24: 99}

	l.runExits(context.Background())

	assert.Empty(t, fc.placedMarket)
	_, stillOpen := l.Positions.Get("BTC/USD")
	assert.True(t, stillOpen)
}

func TestEvaluateEntriesSkipsHeldAndCooldownSymbols(t *testing.T) {
	l, fc := newTestLoop()
	l.Symbols = []string{"BTC/USD", "ETH/USD"}
	l.Positions.Put(book.Position{Symbol: "BTC/USD", EntryPrice: 100, Quantity: 1})
	l.Cooldowns.Set("ETH/USD", time.Hour)
	fc.tickers["BTC/USD"] = broker.Ticker{Symbol: "BTC/USD", Last: 100, Open: 100, High24: 105, Low24: 95}
	fc.tickers["ETH/USD"] = broker.Ticker{Symbol: "ETH/USD", Last: 50, Open: 50, High24: 55, Low24: 45}

	l.evaluateEntries(context.Background(), grid.VolNormal)

	assert.Empty(t, fc.placedLimit) // both symbols filtered out before grid ever runs
}

func TestEvaluateEntriesPlacesLadderWhenCandidateScores(t *testing.T) {
	l, fc := newTestLoop()
	fc.tickers["BTC/USD"] = broker.Ticker{Symbol: "BTC/USD", Last: 100, Open: 103, High24: 106, Low24: 99}

	l.evaluateEntries(context.Background(), grid.VolNormal)

	assert.NotEmpty(t, fc.placedLimit)
	assert.Equal(t, common.SideBuy, fc.placedLimit[0].Side)
}

func TestEvaluateEntriesSkipsWhenCanPlaceOrderDenies(t *testing.T) {
	l, fc := newTestLoop()
	fc.canPlaceOrder = false
	fc.tickers["BTC/USD"] = broker.Ticker{Symbol: "BTC/USD", Last: 100, Open: 103, High24: 106, Low24: 99}

	l.evaluateEntries(context.Background(), grid.VolNormal)

	assert.Empty(t, fc.placedLimit)
}

func TestPortfolioVolBucketReflectsWorstTrackedSymbol(t *testing.T) {
	l, _ := newTestLoop()
	l.Symbols = []string{"BTC/USD", "ETH/USD"}
	l.Volatility.Update("BTC/USD", 102, 100, 101) // ~2% range -> normal
	l.Volatility.Update("ETH/USD", 110, 95, 100)  // 15% range -> high

	assert.Equal(t, grid.VolHigh, l.portfolioVolBucket())
}

func TestRunExitsPublishesTradeEventOnStopLoss(t *testing.T) {
	l, fc := newTestLoop()
	l.Telemetry = telemetry.NewBus()
	ch, unsub := l.Telemetry.Subscribe(4)
	defer unsub()
	l.Positions.Put(book.Position{Symbol: "BTC/USD", EntryPrice: 100, Quantity: 1, StopLoss: 95, HighWater: 100})
	fc.tickers["BTC/USD"] = broker.Ticker{Symbol: "BTC/USD", Last: 90, Open: 100, High24: 105, Low24: 88}

	l.runExits(context.Background())

	ev := <-ch
	assert.Equal(t, telemetry.TagTradeEvent, ev.Tag)
	assert.Equal(t, "BTC/USD", ev.Fields["symbol"])
}

func TestEvaluateEntriesPublishesOrderUpdateForEachLadderRung(t *testing.T) {
	l, fc := newTestLoop()
	l.Telemetry = telemetry.NewBus()
	ch, unsub := l.Telemetry.Subscribe(8)
	defer unsub()
	fc.tickers["BTC/USD"] = broker.Ticker{Symbol: "BTC/USD", Last: 100, Open: 103, High24: 106, Low24: 99}

	l.evaluateEntries(context.Background(), grid.VolNormal)

	ev := <-ch
	assert.Equal(t, telemetry.TagOrderUpdate, ev.Tag)
	assert.Equal(t, "BTC/USD", ev.Fields["symbol"])
}

type spyAuditLogger struct {
	events []security.AuditEvent
}

func (s *spyAuditLogger) LogTradingAction(event security.AuditEvent) {
	s.events = append(s.events, event)
}

func TestEvaluateEntriesAuditsAcceptedLadderOrders(t *testing.T) {
	l, fc := newTestLoop()
	spy := &spyAuditLogger{}
	l.Audit = spy
	fc.tickers["BTC/USD"] = broker.Ticker{Symbol: "BTC/USD", Last: 100, Open: 103, High24: 106, Low24: 99}

	l.evaluateEntries(context.Background(), grid.VolNormal)

	assert.NotEmpty(t, spy.events)
	assert.Equal(t, "order_placement", spy.events[0].EventType)
	assert.True(t, spy.events[0].Success)
	assert.Equal(t, "BTC/USD", spy.events[0].Symbol)
}

func TestEvaluateEntriesRecordsGridMetricsOnLadderPlacement(t *testing.T) {
	l, fc := newTestLoop()
	l.Metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
	fc.tickers["BTC/USD"] = broker.Ticker{Symbol: "BTC/USD", Last: 100, Open: 103, High24: 106, Low24: 99}

	l.evaluateEntries(context.Background(), grid.VolNormal)

	assert.GreaterOrEqual(t, testutil.ToFloat64(l.Metrics.GridRungsPlaced), float64(1))
}

func TestRunExitsRecordsExitMetricOnStopLoss(t *testing.T) {
	l, fc := newTestLoop()
	l.Metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
	l.Positions.Put(book.Position{Symbol: "BTC/USD", EntryPrice: 100, Quantity: 1, StopLoss: 95, HighWater: 100})
	fc.tickers["BTC/USD"] = broker.Ticker{Symbol: "BTC/USD", Last: 90, Open: 100, High24: 105, Low24: 88}

	l.runExits(context.Background())

	assert.Equal(t, float64(1), testutil.ToFloat64(l.Metrics.ExitsTotal.WithLabelValues("stop loss")))
}

func TestSyncPositionAndRunExitsRoundTripThroughStore(t *testing.T) {
	l, fc := newTestLoop()
	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()
	l.Store = store

	fc.fills["BTC/USD"] = []broker.Fill{
		{Symbol: "BTC/USD", Side: common.SideBuy, Price: 100, Qty: 1, Ts: l.now().Add(-2 * time.Hour)},
	}
	l.syncPosition(context.Background(), "BTC/USD")

	fc.tickers["BTC/USD"] = broker.Ticker{Symbol: "BTC/USD", Last: 90, Open: 100, High24: 105, Low24: 88}
	l.runExits(context.Background())

	stats, err := store.GetTradeStatistics()
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTrades)
	assert.Less(t, stats.TotalPnL, 0.0) // stop-loss exit at a loss
}

func TestTargetIntervalShrinksUnderHighVolatility(t *testing.T) {
	l, _ := newTestLoop()
	l.MinInterval = 100 * time.Millisecond
	l.MaxInterval = 1000 * time.Millisecond

	assert.Equal(t, l.MinInterval, l.targetInterval(grid.VolHigh))
	assert.Equal(t, l.MaxInterval, l.targetInterval(grid.VolNormal))
}
