// Package indicators holds one stateful tracker per (symbol, indicator):
// RSI, EMA, MACD, ATR, Momentum, and a VWAP/imbalance pair adapted from
// the teacher's features package. Every tracker is append-only and
// idempotent within one timestamp; old samples drop in O(1) the way the
// teacher's ring-buffer VWAP does.
package indicators

import "sync"

// RSI implements Wilder's smoothing over a configurable period (14 by
// the spec default). has_enough_data becomes true once `period` price
// changes have been observed, i.e. after period+1 updates (the first
// update only seeds the previous close).
type RSI struct {
	mu         sync.Mutex
	period     int
	avgGain    float64
	avgLoss    float64
	prevClose  float64
	count      int
	hasPrev    bool
	value      float64
}

func NewRSI(period int) *RSI {
	if period <= 0 {
		period = 14
	}
	return &RSI{period: period}
}

// Update feeds a new close price through Wilder smoothing.
func (r *RSI) Update(close float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasPrev {
		r.prevClose = close
		r.hasPrev = true
		return
	}

	change := close - r.prevClose
	r.prevClose = close

	var gain, loss float64
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if r.count < r.period {
		r.avgGain += gain
		r.avgLoss += loss
		r.count++
		if r.count == r.period {
			r.avgGain /= float64(r.period)
			r.avgLoss /= float64(r.period)
			r.value = rsiFromAverages(r.avgGain, r.avgLoss)
		}
		return
	}

	r.avgGain = (r.avgGain*float64(r.period-1) + gain) / float64(r.period)
	r.avgLoss = (r.avgLoss*float64(r.period-1) + loss) / float64(r.period)
	r.value = rsiFromAverages(r.avgGain, r.avgLoss)
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// HasEnoughData reports whether `period` price changes (period+1
// updates) have been observed.
func (r *RSI) HasEnoughData() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count >= r.period
}

func (r *RSI) Value() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

func (r *RSI) Overbought() bool { return r.Value() >= 70 }
func (r *RSI) Oversold() bool   { return r.Value() <= 30 }
