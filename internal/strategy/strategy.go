// Package strategy implements the regime- and signal-driven strategy
// layer: pure evaluators that turn price history into a trade Signal,
// plus a dispatcher that picks which evaluator runs per (regime, asset
// class), grounded on the teacher's Strategy interface in
// internal/exec/executor.go.
package strategy

import (
	"tradingcore/internal/common"
	"tradingcore/internal/indicators"
	"tradingcore/internal/regime"
)

type Action int

const (
	Hold Action = iota
	Buy
	Sell
)

func (a Action) String() string {
	switch a {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// Signal is the verdict a Strategy hands back to the dispatcher: never a
// broker call, just an opinion plus why.
type Signal struct {
	Action Action
	Reason string
}

// Strategy is a pure function of price history, current price, and
// current position size -- it never touches the broker, matching the
// teacher's Strategy interface generalized away from a single exchange
// client.
type Strategy interface {
	Name() string
	Evaluate(history []float64, price float64, qty float64) Signal
}

// MomentumStrategy buys on sustained consistent upward momentum and
// sells on the symmetric downward case, grounded on the teacher's
// OVIRXStrategy directional-bias-from-distance shape.
type MomentumStrategy struct {
	K               int
	MinPctPerBar    float64
}

func NewMomentumStrategy() *MomentumStrategy {
	return &MomentumStrategy{K: 10, MinPctPerBar: 0.002}
}

func (s *MomentumStrategy) Name() string { return "Momentum" }

func (s *MomentumStrategy) Evaluate(history []float64, price float64, qty float64) Signal {
	m := indicators.NewMomentum(s.K)
	for _, c := range history {
		m.Update(c)
	}
	m.Update(price)
	v := m.Value()
	falling := v < 0 // v < 0 implies at least k+1 closes were seen
	if falling {
		k := s.K
		if k <= 0 {
			k = 10
		}
		closes := append(append([]float64(nil), history...), price)
		closes = closes[len(closes)-k-1:]
		for i := 1; i < len(closes); i++ {
			if closes[i-1] <= 0 || (closes[i]-closes[i-1])/closes[i-1] > -s.MinPctPerBar {
				falling = false
			}
		}
	}
	switch {
	case v > 0 && m.Consistent(s.MinPctPerBar):
		return Signal{Action: Buy, Reason: "consistent upward momentum"}
	case falling:
		return Signal{Action: Sell, Reason: "consistent downward momentum"}
	default:
		return Signal{Action: Hold, Reason: "momentum inconclusive"}
	}
}

// MACDStrategy buys on a bullish MACD/signal crossover, sells on bearish.
type MACDStrategy struct{ Strict bool }

func NewMACDStrategy() *MACDStrategy { return &MACDStrategy{} }

func (s *MACDStrategy) Name() string { return "MACD" }

func (s *MACDStrategy) Evaluate(history []float64, price float64, qty float64) Signal {
	var m *indicators.MACD
	if s.Strict {
		m = indicators.NewMACDStrict()
	} else {
		m = indicators.NewMACD()
	}
	for _, c := range history {
		m.Update(c)
	}
	m.Update(price)
	macd, signal := m.Values()
	switch {
	case macd > signal:
		return Signal{Action: Buy, Reason: "MACD above signal"}
	case macd < signal && qty > 0:
		return Signal{Action: Sell, Reason: "MACD below signal"}
	default:
		return Signal{Action: Hold, Reason: "MACD/signal flat"}
	}
}

// RSIStrategy buys oversold dips and sells overbought positions,
// requiring a second confirmation (the last two closes rising) for the
// WEAK_BULL "with confirmation" variant from the dispatch table.
type RSIStrategy struct {
	Period             int
	RequireConfirmation bool
}

func NewRSIStrategy() *RSIStrategy { return &RSIStrategy{Period: 14} }

func (s *RSIStrategy) Name() string { return "RSI" }

func (s *RSIStrategy) Evaluate(history []float64, price float64, qty float64) Signal {
	period := s.Period
	if period <= 0 {
		period = 14
	}
	r := indicators.NewRSI(period)
	for _, c := range history {
		r.Update(c)
	}
	r.Update(price)
	if !r.HasEnoughData() {
		return Signal{Action: Hold, Reason: "insufficient RSI history"}
	}
	if r.Oversold() {
		if s.RequireConfirmation && !lastTwoRising(history, price) {
			return Signal{Action: Hold, Reason: "RSI oversold, awaiting confirmation"}
		}
		return Signal{Action: Buy, Reason: "RSI oversold"}
	}
	if r.Overbought() && qty > 0 {
		return Signal{Action: Sell, Reason: "RSI overbought"}
	}
	return Signal{Action: Hold, Reason: "RSI neutral"}
}

func lastTwoRising(history []float64, price float64) bool {
	if len(history) < 2 {
		return false
	}
	return price > history[len(history)-1] && history[len(history)-1] > history[len(history)-2]
}

// MeanReversionStrategy fades moves away from the recent average,
// grounded on the teacher's MeanReversionStrategy.
type MeanReversionStrategy struct {
	BandPct float64
}

func NewMeanReversionStrategy() *MeanReversionStrategy {
	return &MeanReversionStrategy{BandPct: 0.01}
}

func (s *MeanReversionStrategy) Name() string { return "MeanReversion" }

func (s *MeanReversionStrategy) Evaluate(history []float64, price float64, qty float64) Signal {
	if len(history) == 0 {
		return Signal{Action: Hold, Reason: "no history"}
	}
	var sum float64
	for _, c := range history {
		sum += c
	}
	mean := sum / float64(len(history))
	if mean == 0 {
		return Signal{Action: Hold, Reason: "degenerate mean"}
	}
	dist := (price - mean) / mean
	band := s.BandPct
	if band <= 0 {
		band = 0.01
	}
	switch {
	case dist <= -band:
		return Signal{Action: Buy, Reason: "price below mean band"}
	case dist >= band && qty > 0:
		return Signal{Action: Sell, Reason: "price above mean band"}
	default:
		return Signal{Action: Hold, Reason: "within mean band"}
	}
}

// TimeframeVerdict is the output of an optional multi-timeframe analyzer
// attached to the Dispatcher: its recommendation overrides the per-regime
// pick when confident, and forces Hold when low-confidence and disagreeing.
type TimeframeVerdict struct {
	Signal     Signal
	Confidence float64
	Agrees     bool
}

// MultiTimeframeAnalyzer is implemented by anything that can produce a
// cross-timeframe recommendation; nil-able, since it's an optional
// enrichment the feature flags can turn off.
type MultiTimeframeAnalyzer interface {
	Analyze(symbol string, history []float64, price float64) TimeframeVerdict
}

// Dispatcher maps (regime, asset class) to a Strategy per the dispatch
// table, with an optional multi-timeframe override layered on top.
type Dispatcher struct {
	MomentumTickers map[string]bool
	Timeframe       MultiTimeframeAnalyzer
	bearStrategy    func() Strategy
}

func NewDispatcher(momentumTickers map[string]bool) *Dispatcher {
	if momentumTickers == nil {
		momentumTickers = map[string]bool{}
	}
	return &Dispatcher{
		MomentumTickers: momentumTickers,
		bearStrategy:    func() Strategy { return NewRSIStrategy() },
	}
}

// Pick selects the strategy for a symbol/regime/asset-class combination
// per the dispatch table in §4.6.
func (d *Dispatcher) Pick(symbol string, r regime.Regime, class common.AssetClass) Strategy {
	isMomentumTicker := d.MomentumTickers[symbol]

	switch r {
	case regime.StrongBull:
		if isMomentumTicker {
			return NewMomentumStrategy()
		}
		return NewMACDStrategy()
	case regime.WeakBull:
		if isMomentumTicker {
			return NewMomentumStrategy()
		}
		rs := NewRSIStrategy()
		rs.RequireConfirmation = true
		return rs
	case regime.StrongBear, regime.WeakBear:
		return d.bearStrategy()
	case regime.Range:
		return NewMeanReversionStrategy()
	case regime.HighVol:
		mr := NewMeanReversionStrategy()
		mr.BandPct = 0.02 // wider band: defensive in high volatility
		return mr
	default:
		return NewMeanReversionStrategy()
	}
}

// Evaluate picks a strategy and runs it, then applies the optional
// multi-timeframe override: a confident (>0.7) recommendation replaces
// the per-regime pick outright, and a low-confidence disagreeing
// (<0.6, disagreeing) verdict forces Hold regardless of the base signal.
func (d *Dispatcher) Evaluate(symbol string, r regime.Regime, class common.AssetClass, history []float64, price, qty float64) Signal {
	base := d.Pick(symbol, r, class).Evaluate(history, price, qty)

	if d.Timeframe == nil {
		return base
	}
	verdict := d.Timeframe.Analyze(symbol, history, price)
	switch {
	case verdict.Confidence > 0.7:
		return verdict.Signal
	case verdict.Confidence < 0.6 && !verdict.Agrees:
		return Signal{Action: Hold, Reason: "multi-timeframe disagreement"}
	default:
		return base
	}
}
