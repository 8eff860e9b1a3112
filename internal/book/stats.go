package book

import (
	"sync"
	"time"
)

// PerformanceStats is the per-symbol win/loss/P&L record used to weight
// future scores in the grid engine and position sizer.
type PerformanceStats struct {
	Wins          int
	Losses        int
	TotalPnLPct   float64
	LastTradeTime time.Time
}

// TradeCount returns the number of recorded trades for this symbol.
func (p PerformanceStats) TradeCount() int {
	return p.Wins + p.Losses
}

// WinRate returns wins/(wins+losses), or 0.5 with fewer than one trade.
func (p PerformanceStats) WinRate() float64 {
	n := p.TradeCount()
	if n == 0 {
		return 0.5
	}
	return float64(p.Wins) / float64(n)
}

// AvgPnLPct returns the mean P&L percentage per trade.
func (p PerformanceStats) AvgPnLPct() float64 {
	n := p.TradeCount()
	if n == 0 {
		return 0
	}
	return p.TotalPnLPct / float64(n)
}

// PerformanceTracker is the concurrent symbol->PerformanceStats map.
type PerformanceTracker struct {
	mu    sync.RWMutex
	stats map[string]*PerformanceStats
}

func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{stats: make(map[string]*PerformanceStats)}
}

// Record appends a closed trade's outcome for symbol.
func (t *PerformanceTracker) Record(symbol string, pnlPct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[symbol]
	if !ok {
		s = &PerformanceStats{}
		t.stats[symbol] = s
	}
	if pnlPct >= 0 {
		s.Wins++
	} else {
		s.Losses++
	}
	s.TotalPnLPct += pnlPct
	s.LastTradeTime = time.Now()
}

// Get returns a copy of the stats for symbol (zero value if untracked).
func (t *PerformanceTracker) Get(symbol string) PerformanceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[symbol]; ok {
		return *s
	}
	return PerformanceStats{}
}

// VolatilityStats is the per-symbol 24h range record from the data model.
type VolatilityStats struct {
	DailyVol float64 // (high24-low24)/price
	High     float64
	Low      float64
	Updated  time.Time
}

// Bucket classifies volatility into the HIGH/ELEVATED/NORMAL buckets used
// by the grid engine's size multiplier and the regime detector.
type VolBucket int

const (
	VolNormal VolBucket = iota
	VolElevated
	VolHigh
)

func (v VolatilityStats) Bucket() VolBucket {
	switch {
	case v.DailyVol > 0.05:
		return VolHigh
	case v.DailyVol >= 0.03:
		return VolElevated
	default:
		return VolNormal
	}
}

// VolatilityTracker is the concurrent symbol->VolatilityStats map,
// updated every ticker poll.
type VolatilityTracker struct {
	mu    sync.RWMutex
	stats map[string]VolatilityStats
}

func NewVolatilityTracker() *VolatilityTracker {
	return &VolatilityTracker{stats: make(map[string]VolatilityStats)}
}

func (t *VolatilityTracker) Update(symbol string, high, low, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dailyVol float64
	if price > 0 {
		dailyVol = (high - low) / price
	}
	t.stats[symbol] = VolatilityStats{DailyVol: dailyVol, High: high, Low: low, Updated: time.Now()}
}

func (t *VolatilityTracker) Get(symbol string) (VolatilityStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[symbol]
	return s, ok
}
