// Package cryptoloop implements the CryptoLoop: the fast, sub-second
// cycle that runs the GridOrderEngine and the crypto leg of the
// ExitEvaluator against a single shared PositionBook, grounded on the
// teacher's WS-driven trade/depth handler loop in cmd/bitrader/main.go
// generalized from a single BTCUSDT symbol to an arbitrary crypto
// universe and from a tick-triggered strategy to a timed cycle.
package cryptoloop

import (
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"tradingcore/internal/book"
	"tradingcore/internal/broker"
	"tradingcore/internal/common"
	"tradingcore/internal/exit"
	"tradingcore/internal/filter"
	"tradingcore/internal/grid"
	"tradingcore/internal/heartbeat"
	"tradingcore/internal/indicators"
	"tradingcore/internal/metrics"
	"tradingcore/internal/ml"
	"tradingcore/internal/security"
	"tradingcore/internal/storage"
	"tradingcore/internal/telemetry"
)

// CryptoLoop owns the crypto PositionBook exclusively: unlike the equity
// ProfileRunner, which reconciles a book shared with a broker-side
// position list, the crypto broker contract exposes no per-symbol
// position endpoint -- GridOrderEngine fills are the only source of
// crypto holdings, so nothing outside this loop ever writes the book.
type CryptoLoop struct {
	Symbols     []string
	Crypto      broker.BrokerCrypto
	Positions   *book.PositionBook
	Cooldowns   *book.Cooldown
	Tracker     *grid.Tracker
	Performance *book.PerformanceTracker
	Volatility  *book.VolatilityTracker
	Heartbeat   *heartbeat.Table
	Telemetry   *telemetry.Bus
	Store       *storage.Store
	Audit       security.AuditLogger
	Metrics     *metrics.Metrics

	Scorer   ml.MLScorer
	Anomaly  ml.AnomalyDetector
	Health   ml.PositionHealth
	Momentum ml.MomentumAcceleration

	MinOrderUSD float64
	MaxOrderUSD float64

	StopLossPct          float64
	TrailingPct          float64
	Trailing             exit.TrailingConfig
	PartialExitLevels    []exit.PartialExitLevel
	RSIExitMinProfit     float64
	HealthScoreThreshold float64
	MaxHold              time.Duration
	MaxSpreadPct         float64
	CooldownStopLossMs   time.Duration
	CooldownSellMs       time.Duration

	MinInterval     time.Duration
	MaxInterval     time.Duration
	DynamicMaxFloor int
	DynamicMaxCeil  int
	PerPositionUSD  float64

	HistoryLookback int

	Now func() time.Time

	paused int32
}

func (l *CryptoLoop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// SetPaused freezes (true) or unfreezes (false) the loop: a paused
// cycle still beats the heartbeat but runs no exit, entry, or grid
// logic, mirroring ProfileRunner.SetPaused.
func (l *CryptoLoop) SetPaused(paused bool) {
	v := int32(0)
	if paused {
		v = 1
	}
	atomic.StoreInt32(&l.paused, v)
}

// IsPaused reports the current pause state set by SetPaused.
func (l *CryptoLoop) IsPaused() bool {
	return atomic.LoadInt32(&l.paused) == 1
}

func (l *CryptoLoop) lookback() int {
	if l.HistoryLookback <= 0 {
		return 50
	}
	return l.HistoryLookback
}

func (l *CryptoLoop) stopLossPct() float64 {
	if l.StopLossPct <= 0 {
		return 0.05
	}
	return l.StopLossPct
}

// Run drives Cycle until ctx is cancelled: sleeping the remainder of the
// target interval after a clean cycle, and backing off 5s after a cycle
// returns an error, per the spec's exception-backoff rule.
func (l *CryptoLoop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		start := l.now()
		volBucket := l.portfolioVolBucket()
		if err := l.Cycle(ctx); err != nil {
			log.Error().Err(err).Msg("crypto loop cycle failed")
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}
		remaining := l.targetInterval(volBucket) - l.now().Sub(start)
		if remaining <= 0 {
			continue
		}
		if !sleepCtx(ctx, remaining) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// targetInterval shrinks toward MinInterval when the portfolio is
// running hot (VolHigh) and relaxes toward MaxInterval otherwise, so the
// loop reacts faster exactly when grid orders need tighter tracking.
func (l *CryptoLoop) targetInterval(volBucket grid.VolBucket) time.Duration {
	min := l.MinInterval
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := l.MaxInterval
	if max <= 0 {
		max = 1000 * time.Millisecond
	}
	if volBucket == grid.VolHigh {
		return min
	}
	return max
}

// Cycle runs one full pass: dynamic-max recompute, position sync, exit
// checks, then -- only while fewer positions are held than the dynamic
// max -- new-entry evaluation, which runs the grid tick for the
// candidates that pass.
func (l *CryptoLoop) Cycle(ctx context.Context) error {
	if l.IsPaused() {
		if l.Heartbeat != nil {
			l.Heartbeat.Beat("cryptoloop", l.now())
		}
		return nil
	}

	balance, err := l.Crypto.GetBalance(ctx)
	if err != nil {
		return err
	}
	dynamicMax := l.dynamicMaxPositions(balance)

	for _, sym := range l.Symbols {
		l.syncPosition(ctx, sym)
	}

	l.runExits(ctx)

	volBucket := l.portfolioVolBucket()
	if l.Positions.Count() < dynamicMax {
		l.evaluateEntries(ctx, volBucket)
	}

	if l.Heartbeat != nil {
		l.Heartbeat.Beat("cryptoloop", l.now())
	}
	return nil
}

// dynamicMaxPositions clamps floor(equity*0.80/per_position_usd) between
// the configured floor and ceiling.
func (l *CryptoLoop) dynamicMaxPositions(balance broker.Balance) int {
	perPosition := l.PerPositionUSD
	if perPosition <= 0 {
		perPosition = 50
	}
	floor := l.DynamicMaxFloor
	if floor <= 0 {
		floor = 1
	}
	ceil := l.DynamicMaxCeil
	if ceil <= 0 {
		ceil = 10
	}
	n := int(math.Floor(balance.Equity * 0.80 / perPosition))
	if n < floor {
		n = floor
	}
	if n > ceil {
		n = ceil
	}
	return n
}

// syncPosition reconstructs a previously-untracked symbol's holding from
// its trade history: net quantity bought minus sold, entry priced at the
// weighted average of the buy fills, falling back to the ticker's open
// then its last price when no buy fills priced the position. Only the
// last-price fallback marks the result StopUnreliable.
func (l *CryptoLoop) syncPosition(ctx context.Context, symbol string) {
	if _, ok := l.Positions.Get(symbol); ok {
		return
	}
	fills, err := l.Crypto.GetTradesHistory(ctx, symbol, l.lookback())
	if err != nil || len(fills) == 0 {
		return
	}
	qty, entry, ok := reconstructPosition(fills)
	if !ok {
		return
	}
	usedLast := false
	if entry <= 0 {
		ticker, tErr := l.Crypto.GetTicker(ctx, symbol)
		switch {
		case tErr == nil && ticker.Open > 0:
			entry = ticker.Open
		case tErr == nil:
			entry = ticker.Last
			usedLast = true
		default:
			return
		}
	}
	if entry <= 0 {
		return
	}

	lastTs := fills[0].Ts
	for _, f := range fills {
		if f.Ts.After(lastTs) {
			lastTs = f.Ts
		}
	}

	l.Positions.Put(book.Position{
		Symbol:         symbol,
		EntryPrice:     entry,
		Quantity:       qty,
		StopLoss:       entry * (1 - l.stopLossPct()),
		HighWater:      entry,
		EntryTime:      lastTs,
		StopUnreliable: usedLast,
	})
	log.Info().Str("symbol", symbol).Float64("qty", qty).Float64("entry", entry).
		Msg("reconstructed crypto position from trade history")
	if l.Store != nil {
		err := l.Store.RecordTrade(symbol, "grid", "crypto", lastTs, entry, qty,
			entry*(1-l.stopLossPct()), 0)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("failed to record trade entry")
		}
	}
}

func reconstructPosition(fills []broker.Fill) (qty float64, entry float64, ok bool) {
	var buyQty, buyNotional, sellQty float64
	for _, f := range fills {
		switch f.Side {
		case common.SideBuy:
			buyQty += f.Qty
			buyNotional += f.Qty * f.Price
		case common.SideSell:
			sellQty += f.Qty
		}
	}
	net := buyQty - sellQty
	if net <= 0 {
		return 0, 0, false
	}
	if buyQty > 0 {
		entry = buyNotional / buyQty
	}
	return net, entry, true
}

// runExits applies the crypto leg of the ExitEvaluator to every tracked
// position. CryptoLoop is the book's sole writer, so there is no
// IsMain-style gate to check -- every position here is its own.
func (l *CryptoLoop) runExits(ctx context.Context) {
	for _, pos := range l.Positions.Snapshot() {
		ticker, err := l.Crypto.GetTicker(ctx, pos.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("skipping exit check: ticker unavailable")
			continue
		}
		if l.Volatility != nil {
			l.Volatility.Update(pos.Symbol, ticker.High24, ticker.Low24, ticker.Last)
		}
		l.Positions.UpdateHighWater(pos.Symbol, ticker.Last)
		current, ok := l.Positions.Get(pos.Symbol)
		if !ok {
			continue
		}

		exitCtx := l.exitContext(ctx, current, ticker)
		decision := exit.Evaluate(current, exitCtx)
		if decision.RaiseStopTo > 0 {
			l.Positions.RaiseStop(pos.Symbol, decision.RaiseStopTo)
		}
		if decision.Action == exit.NoAction {
			continue
		}
		l.executeExit(ctx, current, decision, ticker.Last)
	}
}

func (l *CryptoLoop) exitContext(ctx context.Context, pos book.Position, ticker broker.Ticker) exit.Context {
	history := l.priceHistory(ctx, pos.Symbol)
	ec := exit.Context{
		Now:               l.now(),
		CurrentPrice:      ticker.Last,
		IsCrypto:          true,
		StopLossPct:       l.stopLossPct(),
		TrailingPct:       l.TrailingPct,
		PartialExitLevels: l.PartialExitLevels,
		Trailing:          l.Trailing,
		RSIExitMinProfit:  l.RSIExitMinProfit,
		MaxHold:           l.MaxHold,
	}
	if rsi, ok := computeRSI(history); ok {
		ec.RSI = rsi
		ec.HasRSI = true
	}
	if l.Momentum != nil {
		spike, frac := l.Momentum.Detect(history)
		ec.MomentumAccelSpike = spike
		ec.MomentumAccelExitPct = frac
	}
	if l.Health != nil {
		if score, err := l.Health.HealthScore(ctx, pos, ticker.Last); err == nil {
			ec.HealthScore = score
			ec.HasHealthScore = true
			ec.HealthScoreThreshold = l.HealthScoreThreshold
		}
	}
	return ec
}

func (l *CryptoLoop) executeExit(ctx context.Context, pos book.Position, decision exit.Decision, currentPrice float64) {
	qty := pos.Quantity
	if decision.Action == exit.PartialExit {
		qty = pos.Quantity * decision.FractionToExit
	}
	_, err := l.Crypto.PlaceMarketOrder(ctx, broker.OrderIntent{
		Symbol:   pos.Symbol,
		Side:     common.SideSell,
		Quantity: qty,
		Type:     broker.OrderMarket,
		TIF:      broker.TIFIOC,
	})
	if err != nil {
		if broker.Classify(err) == broker.ErrInsufficientFunds {
			log.Warn().Str("symbol", pos.Symbol).Msg("exit rejected: insufficient funds, dropping stale position")
			l.Positions.Remove(pos.Symbol)
			return
		}
		log.Error().Err(err).Str("symbol", pos.Symbol).Str("reason", decision.Reason).Msg("crypto exit order failed")
		return
	}
	if decision.SetCooldown && l.Cooldowns != nil {
		l.Cooldowns.Set(pos.Symbol, l.cooldownFor(decision.Reason))
	}
	if decision.Action == exit.PartialExit {
		l.Positions.ReduceQuantity(pos.Symbol, qty)
		l.Positions.SetPartialExitLevel(pos.Symbol, pos.PartialExitLevel+1)
		if l.Telemetry != nil {
			l.Telemetry.Publish(telemetry.Event{
				Tag: telemetry.TagTradeEvent,
				Fields: map[string]interface{}{
					"symbol": pos.Symbol, "side": common.SideSell, "qty": qty,
					"price": currentPrice, "reason": decision.Reason,
				},
			})
		}
		if l.Metrics != nil {
			l.Metrics.RecordExit(decision.Reason)
		}
		return
	}
	if l.Performance != nil {
		l.Performance.Record(pos.Symbol, pos.PnLPct(currentPrice))
	}
	l.Positions.Remove(pos.Symbol)
	if l.Store != nil {
		pnl := pos.PnLPct(currentPrice) * pos.EntryPrice * pos.Quantity
		if err := l.Store.CloseTrade(pos.Symbol, l.now(), currentPrice, pnl); err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("failed to record trade close")
		}
	}
	if l.Telemetry != nil {
		l.Telemetry.Publish(telemetry.Event{
			Tag: telemetry.TagTradeEvent,
			Fields: map[string]interface{}{
				"symbol": pos.Symbol, "side": common.SideSell, "qty": qty,
				"price": currentPrice, "reason": decision.Reason,
			},
		})
	}
	if l.Metrics != nil {
		l.Metrics.RecordExit(decision.Reason)
	}
}

// cooldownFor picks the configured stop-loss or sell cooldown duration
// for a just-executed exit, falling back to the teacher's 15-minute
// default if the owning Settings left both unset.
func (l *CryptoLoop) cooldownFor(reason string) time.Duration {
	if reason == "stop loss" {
		if l.CooldownStopLossMs > 0 {
			return l.CooldownStopLossMs
		}
		return 15 * time.Minute
	}
	if l.CooldownSellMs > 0 {
		return l.CooldownSellMs
	}
	return 15 * time.Minute
}

// evaluateEntries runs the filter pipeline over every untracked,
// non-cooldown symbol and hands the symbols that pass to a single
// GridOrderEngine tick.
func (l *CryptoLoop) evaluateEntries(ctx context.Context, volBucket grid.VolBucket) {
	var candidates []grid.Candidate
	for _, sym := range l.Symbols {
		if _, held := l.Positions.Get(sym); held {
			continue
		}
		if l.Cooldowns != nil && l.Cooldowns.Active(sym) {
			continue
		}

		ticker, err := l.Crypto.GetTicker(ctx, sym)
		if err != nil {
			continue
		}
		history := l.priceHistory(ctx, sym)

		cand := filter.Candidate{
			Symbol:               sym,
			Now:                  l.now(),
			OpenPositions:        l.Positions.Count(),
			MaxPositions:         l.DynamicMaxCeil,
			MarketBreadthHealthy: true,
			RegimeConditionsMet:  true,
			SpreadPct:            spreadPct(ticker),
			MaxSpreadPct:         l.MaxSpreadPct,
		}
		if l.Scorer != nil {
			if score, err := l.Scorer.Score(ctx, sym, historyFeatures(history)); err == nil {
				cand.MLScoreEnabled = true
				cand.MLScore = score.Score
				cand.MLWinRateEnabled = true
				cand.MLWinProbability = score.WinProbability
			}
		}
		if l.Anomaly != nil {
			cand.Anomaly = filter.AnomalyAction(l.Anomaly.Detect(ctx, sym, historyFeatures(history)))
		}
		if l.Store != nil && (cand.MLScoreEnabled || cand.MLWinRateEnabled) {
			var vol float64
			if l.Volatility != nil {
				if stats, ok := l.Volatility.Get(sym); ok {
					vol = stats.DailyVol
				}
			}
			if err := l.Store.RecordMLScoreAudit(storage.MLScoreAudit{
				Symbol:         sym,
				Timestamp:      l.now(),
				Score:          cand.MLScore,
				WinProbability: cand.MLWinProbability,
				Anomaly:        anomalyActionString(cand.Anomaly),
				Price:          ticker.Last,
				VWAP:           ticker.VWAP24,
				Volatility:     vol,
				Bid:            ticker.Bid,
				Ask:            ticker.Ask,
			}); err != nil {
				log.Warn().Err(err).Str("symbol", sym).Msg("failed to record ml score audit")
			}
		}

		result := filter.Pipeline(cand)
		if result.Verdict != filter.Pass {
			if l.Metrics != nil {
				l.Metrics.RecordFilterRejection(result.Reason)
			}
			continue
		}
		if l.Metrics != nil {
			l.Metrics.FilterPasses.Inc()
		}

		rsiVal, rsiOk := computeRSI(history)
		var perf book.PerformanceStats
		if l.Performance != nil {
			perf = l.Performance.Get(sym)
		}

		candidates = append(candidates, grid.Candidate{
			Symbol:          sym,
			Price:           ticker.Last,
			RangePosition:   rangePosition(ticker),
			DayChangePct:    dayChangePct(ticker),
			RSIOversold:     rsiOk && rsiVal <= 30,
			RSIOverbought:   rsiOk && rsiVal >= 70,
			AssetMinUSD:     l.MinOrderUSD,
			VolBucket:       volBucket,
			PriorTradeCount: perf.TradeCount(),
			WinRate:         perf.WinRate(),
			AvgPnLPct:       perf.AvgPnLPct(),
		})
	}
	if len(candidates) == 0 {
		return
	}

	balance, err := l.Crypto.GetBalance(ctx)
	if err != nil {
		return
	}

	result := grid.Tick(l.Tracker, l.now(), balance.FreeMargin, l.MinOrderUSD, l.MaxOrderUSD, candidates, volBucket)
	for _, stale := range result.StaleCancelled {
		if err := l.Crypto.CancelOrder(ctx, stale.OrderID); err != nil {
			log.Warn().Err(err).Str("symbol", stale.Symbol).Msg("failed cancelling stale grid order")
		}
	}
	if result.Aborted {
		log.Debug().Str("reason", result.AbortReason).Msg("grid tick aborted")
		return
	}
	l.placeLadder(ctx, result)
}

func (l *CryptoLoop) placeLadder(ctx context.Context, result grid.TickResult) {
	symbol := result.Picked.Symbol
	for _, rung := range result.Ladder {
		if rung.LimitPrice <= 0 {
			continue
		}
		intent := broker.OrderIntent{
			Symbol:     symbol,
			Side:       common.SideBuy,
			Quantity:   rung.USDAmount / rung.LimitPrice,
			Type:       broker.OrderLimit,
			TIF:        broker.TIFGTC,
			LimitPrice: rung.LimitPrice,
		}
		if ok, err := l.Crypto.CanPlaceOrder(ctx, intent); err != nil || !ok {
			continue
		}
		orderResult, err := l.Crypto.PlaceLimitOrder(ctx, intent)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Int("level", rung.Level).Msg("grid ladder order failed")
			l.auditOrder("order_placement_rejected", intent, "", false, err)
			if l.Metrics != nil {
				l.Metrics.GridRungsFailed.Inc()
			}
			continue
		}
		l.auditOrder("order_placement", intent, orderResult.OrderID, true, nil)
		l.Tracker.Add(symbol, rung.Level, orderResult.OrderID, l.now())
		if l.Metrics != nil {
			l.Metrics.GridRungsPlaced.Inc()
			l.Metrics.GridActiveLevel.WithLabelValues(symbol).Set(float64(rung.Level))
		}
		if l.Telemetry != nil {
			l.Telemetry.Publish(telemetry.Event{
				Tag: telemetry.TagOrderUpdate,
				Fields: map[string]interface{}{
					"symbol": symbol, "side": common.SideBuy, "level": rung.Level,
					"qty": intent.Quantity, "price": rung.LimitPrice, "order_id": orderResult.OrderID,
				},
			})
		}
	}
}

// portfolioVolBucket reports the worst volatility bucket across every
// symbol the tracker has observed, or VolNormal with nothing observed
// yet.
func (l *CryptoLoop) portfolioVolBucket() grid.VolBucket {
	if l.Volatility == nil {
		return grid.VolNormal
	}
	worst := grid.VolNormal
	for _, sym := range l.Symbols {
		stats, ok := l.Volatility.Get(sym)
		if !ok {
			continue
		}
		if b := grid.VolBucket(stats.Bucket()); b > worst {
			worst = b
		}
	}
	return worst
}

func (l *CryptoLoop) priceHistory(ctx context.Context, symbol string) []float64 {
	fills, err := l.Crypto.GetTradesHistory(ctx, symbol, l.lookback())
	if err != nil || len(fills) == 0 {
		return nil
	}
	sorted := make([]broker.Fill, len(fills))
	copy(sorted, fills)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ts.Before(sorted[j].Ts) })
	out := make([]float64, len(sorted))
	for i, f := range sorted {
		out[i] = f.Price
	}
	return out
}

func anomalyActionString(a filter.AnomalyAction) string {
	switch a {
	case filter.AnomalyTightenStops:
		return "tighten_stops"
	case filter.AnomalyReduceSize:
		return "reduce_size"
	case filter.AnomalyHalt:
		return "halt"
	default:
		return "continue"
	}
}

func historyFeatures(history []float64) []float32 {
	if len(history) < 2 {
		return nil
	}
	out := make([]float32, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		prev := history[i-1]
		if prev == 0 {
			continue
		}
		out = append(out, float32((history[i]-prev)/prev))
	}
	return out
}

// computeRSI feeds a full history through a fresh Wilder RSI tracker;
// ok is false until at least one more sample than the 14-period window
// has been observed.
func computeRSI(history []float64) (float64, bool) {
	r := indicators.NewRSI(14)
	for _, v := range history {
		r.Update(v)
	}
	if !r.HasEnoughData() {
		return 0, false
	}
	return r.Value(), true
}

func spreadPct(t broker.Ticker) float64 {
	if t.Bid <= 0 {
		return 0
	}
	return (t.Ask - t.Bid) / t.Bid
}

func rangePosition(t broker.Ticker) float64 {
	span := t.High24 - t.Low24
	if span <= 0 {
		return 0.5
	}
	pos := (t.Last - t.Low24) / span
	if pos < 0 {
		return 0
	}
	if pos > 1 {
		return 1
	}
	return pos
}

func dayChangePct(t broker.Ticker) float64 {
	if t.Open <= 0 {
		return 0
	}
	return (t.Last - t.Open) / t.Open
}

// auditOrder records a grid ladder order decision to the optional audit
// sink. A nil Audit is a no-op, matching the Telemetry/Store posture.
func (l *CryptoLoop) auditOrder(eventType string, intent broker.OrderIntent, orderID string, success bool, err error) {
	if l.Audit == nil {
		return
	}
	ev := security.AuditEvent{
		EventType: eventType,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Quantity:  intent.Quantity,
		Price:     intent.LimitPrice,
		OrderType: string(intent.Type),
		OrderID:   orderID,
		Success:   success,
		Ts:        l.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	l.Audit.LogTradingAction(ev)
}
