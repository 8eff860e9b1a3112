// Package runner implements the ProfileRunner: the per-profile 10s cycle
// that refreshes the regime, runs the exit evaluator over every shared
// broker position, cleans up over-cap positions, evaluates the strategy
// dispatcher for each target/held symbol, and routes Buy/Sell signals
// through the filter/sizer/broker pipeline. Grounded on cmd/bitrader's
// goroutine-per-concern wiring, generalized from one symbol-stream loop
// to one cooperative task per trading profile.
package runner

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"tradingcore/internal/book"
	"tradingcore/internal/broker"
	"tradingcore/internal/common"
	"tradingcore/internal/config"
	"tradingcore/internal/exit"
	"tradingcore/internal/filter"
	"tradingcore/internal/heartbeat"
	"tradingcore/internal/metrics"
	"tradingcore/internal/regime"
	"tradingcore/internal/security"
	"tradingcore/internal/sizing"
	"tradingcore/internal/storage"
	"tradingcore/internal/strategy"
	"tradingcore/internal/telemetry"
)

// MarketData supplies the per-symbol readings a cycle needs, decoupling
// the runner from the concrete QuoteStream/PriceSource implementation.
type MarketData interface {
	VIX() float64
	Trend(symbol string) float64
	PriceHistory(symbol string) []float64
	Quote(symbol string) (broker.Quote, bool)
}

// CandidateFactory fills in the ML/sentiment/volume-profile/concentration
// fields of a filter.Candidate for symbol. A nil factory leaves those
// fields at their zero value, which filter.Pipeline already treats as
// neutral/pass for any subsystem that isn't wired up.
type CandidateFactory interface {
	Build(symbol string, base filter.Candidate) filter.Candidate
}

// ProfileRunner runs one trading profile's cycle. Only the profile with
// Profile.IsMain may send exit orders against the shared equity
// PositionBook; every other profile skips exit evaluation entirely, per the
// "MAIN is the sole exit-executor" protocol invariant -- broker equity
// positions are shared across profiles, so duplicate exits are
// prevented by this rule rather than a cross-profile lock.
type ProfileRunner struct {
	Profile   config.ProfileConfig
	Equity    broker.BrokerEquity
	Positions *book.PositionBook // shared across every equity ProfileRunner
	Cooldowns *book.Cooldown
	Market    MarketData
	Regime    *regime.Detector
	Dispatch  *strategy.Dispatcher
	Candidates CandidateFactory
	Heartbeat *heartbeat.Table
	Telemetry *telemetry.Bus
	Store     *storage.Store
	Audit     security.AuditLogger
	Metrics   *metrics.Metrics
	Now       func() time.Time

	RSIExitMinProfit     float64
	MaxSpreadPct         float64
	BreakEvenPct         float64
	PortfolioStopLossPct float64 // default 0.10 if unset
	CooldownStopLossMs   time.Duration
	CooldownSellMs       time.Duration

	lastEquity     float64
	lastRegime     regime.Regime
	haveLastRegime bool
	paused         int32
}

func (r *ProfileRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// SetPaused freezes (true) or unfreezes (false) this profile: a paused
// cycle still beats the heartbeat, so pausing never trips the
// emergency heartbeat monitor, but runs no exit or entry logic.
func (r *ProfileRunner) SetPaused(paused bool) {
	v := int32(0)
	if paused {
		v = 1
	}
	atomic.StoreInt32(&r.paused, v)
}

// IsPaused reports the current pause state set by SetPaused.
func (r *ProfileRunner) IsPaused() bool {
	return atomic.LoadInt32(&r.paused) == 1
}

// Cycle runs one 10s iteration of §4.11's ProfileRunner algorithm.
func (r *ProfileRunner) Cycle(ctx context.Context) error {
	if r.IsPaused() {
		if r.Heartbeat != nil {
			r.Heartbeat.Beat("profile."+r.Profile.ID, r.now())
		}
		return nil
	}

	vix := r.Market.VIX()
	trend := r.Market.Trend(r.Profile.ID)
	reg, summary := r.Regime.Classify(vix, trend)
	log.Debug().Str("profile", r.Profile.ID).Str("regime", summary).Msg("regime refreshed")
	if r.Metrics != nil && (!r.haveLastRegime || reg != r.lastRegime) {
		r.Metrics.RecordRegimeTransition(reg.String(), int(reg))
	}
	r.lastRegime, r.haveLastRegime = reg, true

	account, err := r.Equity.GetAccount(ctx)
	if err != nil {
		return err
	}
	if r.portfolioStopLossTripped(account) {
		log.Warn().Str("profile", r.Profile.ID).Msg("portfolio stop-loss tripped, aborting cycle")
		if r.Telemetry != nil {
			r.Telemetry.Activity(telemetry.LevelWarn, "portfolio stop-loss tripped, cycle aborted",
				map[string]interface{}{"profile": r.Profile.ID, "equity": account.Equity})
		}
		return nil
	}
	r.lastEquity = account.Equity

	positions, err := r.Equity.GetPositions(ctx)
	if err != nil {
		return err
	}
	r.syncPositions(positions)

	r.runExitEvaluator(ctx, positions)
	if r.Profile.IsMain {
		r.cleanupExcessPositions(ctx, positions)
	}

	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[p.Symbol] = true
	}

	targets := r.targetSymbols(held)
	for _, sym := range targets {
		r.evaluateSymbol(ctx, sym, reg)
	}

	if r.Heartbeat != nil {
		r.Heartbeat.Beat("profile."+r.Profile.ID, r.now())
	}
	return nil
}

func (r *ProfileRunner) portfolioStopLossTripped(account broker.Account) bool {
	if account.LastEquity <= 0 {
		return false
	}
	threshold := r.PortfolioStopLossPct
	if threshold <= 0 {
		threshold = 0.10
	}
	drawdown := (account.LastEquity - account.Equity) / account.LastEquity
	return drawdown >= threshold
}

// syncPositions ensures every broker-reported position has a tracked
// book.Position, seeded with this profile's configured TP/SL on first
// sight. It never overwrites an already-tracked position's stop/target.
func (r *ProfileRunner) syncPositions(positions []broker.BrokerPosition) {
	for _, bp := range positions {
		if _, ok := r.Positions.Get(bp.Symbol); ok {
			continue
		}
		r.Positions.Put(book.Position{
			Symbol:     bp.Symbol,
			EntryPrice: bp.EntryPrice,
			Quantity:   bp.Quantity,
			StopLoss:   bp.EntryPrice * (1 - r.Profile.StopLossPct),
			TakeProfit: bp.EntryPrice * (1 + r.Profile.TakeProfitPct),
			EntryTime:  r.now(),
			ProfileID:  r.Profile.ID,
			HighWater:  bp.CurrentPrice,
		})
	}
}

// runExitEvaluator runs §4.9's ExitEvaluator over every broker position,
// not just this profile's targets. Only IsMain runs it; for other
// profiles it returns at once, evaluating nothing and sending no exits.
func (r *ProfileRunner) runExitEvaluator(ctx context.Context, positions []broker.BrokerPosition) {
	// Only MAIN mutates the shared PositionBook; other profiles return
	// here and never write to it, matching the single-writer discipline
	// the book is built around.
	if !r.Profile.IsMain {
		return
	}
	for _, bp := range positions {
		pos, ok := r.Positions.Get(bp.Symbol)
		if !ok {
			continue
		}
		r.Positions.UpdateHighWater(bp.Symbol, bp.CurrentPrice)
		pos, _ = r.Positions.Get(bp.Symbol)

		decision := exit.Evaluate(pos, r.exitContext(bp.CurrentPrice))
		if decision.RaiseStopTo > 0 {
			r.Positions.RaiseStop(bp.Symbol, decision.RaiseStopTo)
		}
		if decision.Action == exit.NoAction {
			continue
		}
		r.executeExit(ctx, pos, decision, bp.CurrentPrice)
	}
}

func (r *ProfileRunner) exitContext(currentPrice float64) exit.Context {
	return exit.Context{
		Now:                  r.now(),
		CurrentPrice:         currentPrice,
		IsCrypto:             false,
		StopLossPct:          r.Profile.StopLossPct,
		TakeProfitPct:        r.Profile.TakeProfitPct,
		TrailingPct:          r.Profile.TrailingPct,
		BreakEvenActivatePct: r.BreakEvenPct,
		RSIExitMinProfit:     r.RSIExitMinProfit,
		MaxHold:              r.Profile.MaxHold,
	}
}

func (r *ProfileRunner) executeExit(ctx context.Context, pos book.Position, decision exit.Decision, currentPrice float64) {
	qty := pos.Quantity
	if decision.Action == exit.PartialExit {
		qty = pos.Quantity * decision.FractionToExit
	}
	if decision.CancelRestingOrders {
		_ = r.Equity.CancelAllOrders(ctx, pos.Symbol)
	}
	_, err := r.Equity.PlaceOrder(ctx, broker.OrderIntent{
		Symbol:   pos.Symbol,
		Side:     common.SideSell,
		Quantity: qty,
		Type:     broker.OrderMarket,
		TIF:      broker.TIFDay,
	})
	if err != nil {
		log.Error().Str("symbol", pos.Symbol).Err(err).Msg("exit order failed")
		return
	}
	if decision.SetCooldown && r.Cooldowns != nil {
		r.Cooldowns.Set(pos.Symbol, r.cooldownFor(decision.Reason))
	}
	if decision.Action == exit.PartialExit {
		r.Positions.ReduceQuantity(pos.Symbol, qty)
		r.Positions.SetPartialExitLevel(pos.Symbol, pos.PartialExitLevel+1)
	} else {
		r.Positions.Remove(pos.Symbol)
	}
	if r.Telemetry != nil {
		r.Telemetry.Publish(telemetry.Event{
			Tag: telemetry.TagTradeEvent,
			Fields: map[string]interface{}{
				"symbol": pos.Symbol, "side": common.SideSell, "qty": qty,
				"price": currentPrice, "reason": decision.Reason, "profile": r.Profile.ID,
			},
		})
	}
	if r.Store != nil && decision.Action == exit.FullExit {
		if err := r.Store.CloseTrade(pos.Symbol, r.now(), currentPrice, pos.PnLPct(currentPrice)*pos.EntryPrice*pos.Quantity); err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("failed to record trade close")
		}
	}
	if r.Metrics != nil {
		r.Metrics.RecordExit(decision.Reason)
	}
}

// cooldownFor picks the configured stop-loss or sell cooldown duration
// for a just-executed exit, falling back to the teacher's 15-minute
// default if the owning Settings left both unset.
func (r *ProfileRunner) cooldownFor(reason string) time.Duration {
	if reason == "stop loss" {
		if r.CooldownStopLossMs > 0 {
			return r.CooldownStopLossMs
		}
		return 15 * time.Minute
	}
	if r.CooldownSellMs > 0 {
		return r.CooldownSellMs
	}
	return 15 * time.Minute
}

// cleanupExcessPositions sorts open positions by unrealized P&L
// ascending and exits the worst until within Profile.MaxPositions.
func (r *ProfileRunner) cleanupExcessPositions(ctx context.Context, positions []broker.BrokerPosition) {
	if r.Profile.MaxPositions <= 0 || len(positions) <= r.Profile.MaxPositions {
		return
	}
	sorted := make([]broker.BrokerPosition, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UnrealizedPnL < sorted[j].UnrealizedPnL })

	excess := len(sorted) - r.Profile.MaxPositions
	for i := 0; i < excess; i++ {
		bp := sorted[i]
		pos, ok := r.Positions.Get(bp.Symbol)
		if !ok {
			continue
		}
		r.executeExit(ctx, pos, exit.Decision{Action: exit.FullExit, Reason: "over position cap"}, bp.CurrentPrice)
	}
}

func (r *ProfileRunner) targetSymbols(held map[string]bool) []string {
	set := make(map[string]bool, len(r.Profile.BullishSymbols)+len(r.Profile.BearishSymbols)+len(held))
	for _, s := range r.Profile.BullishSymbols {
		set[s] = true
	}
	for _, s := range r.Profile.BearishSymbols {
		set[s] = true
	}
	for s := range held {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out) // deterministic iteration order for tests and logs
	return out
}

func (r *ProfileRunner) evaluateSymbol(ctx context.Context, symbol string, reg regime.Regime) {
	if r.Cooldowns != nil && r.Cooldowns.Active(symbol) {
		return
	}
	quote, ok := r.Market.Quote(symbol)
	if !ok {
		return
	}
	history := r.Market.PriceHistory(symbol)
	pos, holding := r.Positions.Get(symbol)
	qty := 0.0
	if holding {
		qty = pos.Quantity
	}

	sig := r.Dispatch.Evaluate(symbol, reg, common.ClassOf(symbol), history, quote.Last, qty)
	switch sig.Action {
	case strategy.Buy:
		r.tryEnter(ctx, symbol, quote)
	case strategy.Sell:
		if holding && r.Profile.IsMain {
			held := r.now().Sub(pos.EntryTime)
			if held < r.Profile.MinHold {
				return
			}
			r.executeExit(ctx, pos, exit.Decision{Action: exit.FullExit, Reason: sig.Reason, SetCooldown: true}, quote.Last)
		}
	}
}

func (r *ProfileRunner) tryEnter(ctx context.Context, symbol string, quote broker.Quote) {
	base := filter.Candidate{
		Symbol:               symbol,
		Now:                  r.now(),
		CooldownActive:       r.Cooldowns != nil && r.Cooldowns.Active(symbol),
		OpenPositions:        r.Positions.Count(),
		MaxPositions:         r.Profile.MaxPositions,
		ProfileBullish:       containsString(r.Profile.BullishSymbols, symbol),
		ProfileBearish:       containsString(r.Profile.BearishSymbols, symbol),
		MarketBreadthHealthy: true,
		RegimeConditionsMet:  true,
		Equity:               r.lastEquity,
		SpreadPct:            quote.SpreadPct(),
		MaxSpreadPct:         r.MaxSpreadPct,
	}
	if r.Candidates != nil {
		base = r.Candidates.Build(symbol, base)
	}
	result := filter.Pipeline(base)
	if result.Verdict != filter.Pass {
		log.Debug().Str("symbol", symbol).Str("reason", result.Reason).Msg("entry filtered")
		if r.Metrics != nil {
			r.Metrics.RecordFilterRejection(result.Reason)
		}
		return
	}
	if r.Metrics != nil {
		r.Metrics.FilterPasses.Inc()
	}

	sizeResult := sizing.Size(sizing.Inputs{
		AssetClass:  common.AssetEquity,
		BuyingPower: r.lastEquity,
		Equity:      r.lastEquity,
		EntryPrice:  quote.Last,
	})
	if sizeResult.Skipped || sizeResult.Quantity <= 0 {
		return
	}

	intent := broker.OrderIntent{
		Symbol:   symbol,
		Side:     common.SideBuy,
		Quantity: sizeResult.Quantity,
		Type:     broker.OrderMarket,
		TIF:      broker.TIFDay,
		Bracket: &broker.Bracket{
			TakeProfitPrice: quote.Last * (1 + r.Profile.TakeProfitPct),
			StopLossPrice:   quote.Last * (1 - r.Profile.StopLossPct),
		},
	}
	result2, err := r.Equity.PlaceBracket(ctx, intent)
	if err != nil {
		if broker.Classify(err) == broker.ErrInsufficientFunds {
			log.Warn().Str("symbol", symbol).Msg("entry aborted: insufficient funds")
			r.auditOrder("order_placement_rejected", symbol, intent, false, err)
			return
		}
		// Bracket rejected for a reason other than funds: fall back to a
		// plain market order, but never retry a market order that itself
		// fails on insufficient funds.
		intent.Bracket = nil
		result2, err = r.Equity.PlaceOrder(ctx, intent)
		if err != nil {
			log.Error().Str("symbol", symbol).Err(err).Msg("entry order failed")
			r.auditOrder("order_placement_rejected", symbol, intent, false, err)
			return
		}
	}
	r.auditOrder("order_placement", symbol, intent, true, nil)
	r.Positions.Put(book.Position{
		Symbol:     symbol,
		EntryPrice: quote.Last,
		Quantity:   result2.Qty,
		StopLoss:   quote.Last * (1 - r.Profile.StopLossPct),
		TakeProfit: quote.Last * (1 + r.Profile.TakeProfitPct),
		EntryTime:  r.now(),
		ProfileID:  r.Profile.ID,
		HighWater:  quote.Last,
	})
	if r.Telemetry != nil {
		r.Telemetry.Publish(telemetry.Event{
			Tag: telemetry.TagTradeEvent,
			Fields: map[string]interface{}{
				"symbol": symbol, "side": common.SideBuy, "qty": result2.Qty,
				"price": quote.Last, "profile": r.Profile.ID,
			},
		})
	}
	if r.Store != nil {
		err := r.Store.RecordTrade(symbol, "dispatcher", r.Profile.ID, r.now(), quote.Last, result2.Qty,
			quote.Last*(1-r.Profile.StopLossPct), quote.Last*(1+r.Profile.TakeProfitPct))
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("failed to record trade entry")
		}
	}
}

// auditOrder records an entry order decision to the optional audit
// sink. A nil Audit is a no-op, matching the Telemetry/Store posture.
func (r *ProfileRunner) auditOrder(eventType, symbol string, intent broker.OrderIntent, success bool, err error) {
	if r.Audit == nil {
		return
	}
	ev := security.AuditEvent{
		EventType: eventType,
		Symbol:    symbol,
		Side:      intent.Side,
		Quantity:  intent.Quantity,
		OrderType: string(intent.Type),
		Success:   success,
		Ts:        r.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.Audit.LogTradingAction(ev)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
