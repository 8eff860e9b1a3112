// Package backtest implements the backtest(symbol, days, capital, tp,
// sl) command: a single-symbol historical simulation driven by the same
// regime detector, strategy dispatcher, and exit evaluator the live
// engine runs, grounded on the teacher's Engine/Results shape in this
// package (tick-by-tick walk accumulating a Results struct), generalized
// from the teacher's VWAP/tick-imbalance ML signal to daily bars and the
// new regime/strategy/exit stack the live trader was rebuilt on.
package backtest

import (
	"fmt"
	"math"
	"time"

	"tradingcore/internal/book"
	"tradingcore/internal/broker"
	"tradingcore/internal/common"
	"tradingcore/internal/exit"
	"tradingcore/internal/regime"
	"tradingcore/internal/sizing"
	"tradingcore/internal/strategy"
)

// Config is one backtest(...) call's parameters.
type Config struct {
	Symbol         string
	Days           int // number of trailing daily bars to simulate over
	InitialCapital float64
	TakeProfitPct  float64
	StopLossPct    float64

	// HistoryLookback bounds how many trailing closes a strategy sees;
	// defaults to 200 when zero, matching internal/market.Feed's default.
	HistoryLookback int
}

func (c Config) historyLookback() int {
	if c.HistoryLookback <= 0 {
		return 200
	}
	return c.HistoryLookback
}

// Trade is one completed round-trip.
type Trade struct {
	Symbol     string
	EntryTime  time.Time
	ExitTime   time.Time
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64
	PnLPct     float64
	Reason     string
}

// Result is the BacktestResult the command surface returns.
type Result struct {
	Symbol         string
	StartTime      time.Time
	EndTime        time.Time
	InitialCapital float64
	FinalCapital   float64
	Trades         []Trade
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	WinRate        float64
	TotalPnL       float64
	TotalPnLPct    float64
	MaxDrawdownPct float64
	SharpeRatio    float64
}

// Run simulates Config against bars (oldest first) using the trend
// bucket each bar implies -- no separate VIX series exists for a single
// historical symbol, so the regime detector classifies off a constant
// calm-market VIX reading of 0, degrading gracefully to a trend-only
// regime call the same way it would for any equity with no tracked
// volatility proxy.
func Run(bars []broker.Bar, cfg Config) (Result, error) {
	if len(bars) == 0 {
		return Result{}, fmt.Errorf("backtest: no bars supplied for %s", cfg.Symbol)
	}
	capital := cfg.InitialCapital
	if capital <= 0 {
		capital = 10000
	}

	det := regime.NewDetector(20, 2)
	dispatch := strategy.NewDispatcher(nil)

	result := Result{
		Symbol:         cfg.Symbol,
		StartTime:      bars[0].Ts,
		EndTime:        bars[len(bars)-1].Ts,
		InitialCapital: capital,
	}

	var history []float64
	var pos *book.Position
	equityCurve := make([]float64, 0, len(bars)+1)
	equityCurve = append(equityCurve, capital)

	closeOut := func(price float64, ts time.Time, reason string, fraction float64) {
		if pos == nil {
			return
		}
		qty := pos.Quantity * fraction
		pnl := (price - pos.EntryPrice) * qty
		capital += qty * price
		trade := Trade{
			Symbol:     cfg.Symbol,
			EntryTime:  pos.EntryTime,
			ExitTime:   ts,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  price,
			Quantity:   qty,
			PnL:        pnl,
			PnLPct:     pos.PnLPct(price),
			Reason:     reason,
		}
		result.Trades = append(result.Trades, trade)
		if fraction >= 1 {
			pos = nil
		} else {
			pos.Quantity -= qty
		}
	}

	for _, bar := range bars {
		trend := trendFrom(history)
		reg, _ := det.Classify(0, trend)

		if pos != nil {
			pos.HighWater = math.Max(pos.HighWater, bar.Close)
			ctx := exit.Context{
				Now:           bar.Ts,
				CurrentPrice:  bar.Close,
				IsCrypto:      false,
				StopLossPct:   cfg.StopLossPct,
				TakeProfitPct: cfg.TakeProfitPct,
			}
			decision := exit.Evaluate(*pos, ctx)
			if decision.RaiseStopTo > 0 {
				pos.StopLoss = decision.RaiseStopTo
			}
			switch decision.Action {
			case exit.FullExit:
				closeOut(bar.Close, bar.Ts, decision.Reason, 1)
			case exit.PartialExit:
				closeOut(bar.Close, bar.Ts, decision.Reason, decision.FractionToExit)
			}
		} else {
			sig := dispatch.Evaluate(cfg.Symbol, reg, common.AssetEquity, history, bar.Close, 0)
			if sig.Action == strategy.Buy {
				sizeResult := sizing.Size(sizing.Inputs{
					AssetClass:  common.AssetEquity,
					BuyingPower: capital,
					Equity:      capital,
					EntryPrice:  bar.Close,
				})
				if !sizeResult.Skipped && sizeResult.Quantity > 0 {
					capital -= sizeResult.Quantity * bar.Close
					pos = &book.Position{
						Symbol:     cfg.Symbol,
						EntryPrice: bar.Close,
						Quantity:   sizeResult.Quantity,
						StopLoss:   bar.Close * (1 - cfg.StopLossPct),
						TakeProfit: bar.Close * (1 + cfg.TakeProfitPct),
						EntryTime:  bar.Ts,
						HighWater:  bar.Close,
					}
				}
			}
		}

		history = append(history, bar.Close)
		if len(history) > cfg.historyLookback() {
			history = history[len(history)-cfg.historyLookback():]
		}

		markToMarket := capital
		if pos != nil {
			markToMarket += pos.Quantity * bar.Close
		}
		equityCurve = append(equityCurve, markToMarket)
	}

	if pos != nil {
		closeOut(bars[len(bars)-1].Close, bars[len(bars)-1].Ts, "end of data", 1)
	}

	result.FinalCapital = capital
	summarize(&result, equityCurve)
	return result, nil
}

// trendFrom mirrors internal/market.Feed's momentum window: the pct
// change over the trailing 10 closes, 0 until enough history has
// accumulated.
func trendFrom(history []float64) float64 {
	const k = 10
	if len(history) <= k {
		return 0
	}
	oldest := history[len(history)-1-k]
	latest := history[len(history)-1]
	if oldest == 0 {
		return 0
	}
	return (latest - oldest) / oldest
}

func summarize(r *Result, equityCurve []float64) {
	r.TotalTrades = len(r.Trades)
	var wins, losses int
	var totalPnL float64
	for _, t := range r.Trades {
		totalPnL += t.PnL
		if t.PnL > 0 {
			wins++
		} else if t.PnL < 0 {
			losses++
		}
	}
	r.WinningTrades = wins
	r.LosingTrades = losses
	if r.TotalTrades > 0 {
		r.WinRate = float64(wins) / float64(r.TotalTrades)
	}
	r.TotalPnL = totalPnL
	if r.InitialCapital > 0 {
		r.TotalPnLPct = totalPnL / r.InitialCapital
	}
	r.MaxDrawdownPct = maxDrawdown(equityCurve)
	r.SharpeRatio = sharpeRatio(equityCurve)
}

// maxDrawdown returns the largest peak-to-trough decline in the equity
// curve as a positive fraction.
func maxDrawdown(curve []float64) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := curve[0]
	worst := 0.0
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// sharpeRatio is the mean/stddev of the equity curve's per-bar returns,
// unannualized -- the teacher's Results.SharpeRatio field with no
// trading-calendar annualization assumption baked in, since daily bars
// could represent any instrument's own session length.
func sharpeRatio(curve []float64) float64 {
	if len(curve) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if curve[i-1] == 0 {
			continue
		}
		returns = append(returns, (curve[i]-curve[i-1])/curve[i-1])
	}
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return 0
	}
	return mean / stddev
}
