// Package grid implements the GridOrderEngine: a resting-limit-order
// ladder that harvests volatility on the best crypto candidate each
// tick, grounded on the teacher's OrderTracker (pending-order map with
// timestamped GC, retry-aware placement) in
// internal/exchange/bitunix/order_tracker.go.
package grid

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// LadderOffset is one rung of the three-level ladder: a negative offset
// from the current price and the fraction of the grid size allocated.
type LadderOffset struct {
	OffsetPct float64
	Weight    float64
}

// DefaultLadder is the spec's three-level -0.3%/-0.5%/-1.0% ladder with
// 0.3/0.4/0.3 weights.
func DefaultLadder() []LadderOffset {
	return []LadderOffset{
		{OffsetPct: -0.003, Weight: 0.3},
		{OffsetPct: -0.005, Weight: 0.4},
		{OffsetPct: -0.010, Weight: 0.3},
	}
}

// OversoldLadder shifts weight to the deepest level when the candidate
// is RSI-oversold.
func OversoldLadder() []LadderOffset {
	return []LadderOffset{
		{OffsetPct: -0.003, Weight: 0.2},
		{OffsetPct: -0.005, Weight: 0.3},
		{OffsetPct: -0.010, Weight: 0.5},
	}
}

// PendingOrder is one resting sub-order the engine is tracking for
// staleness, keyed by symbol+level the way the spec requires.
type PendingOrder struct {
	Symbol    string
	Level     int
	PlacedAt  time.Time
	OrderID   string
}

func pendingKey(symbol string, level int) string {
	return fmt.Sprintf("%s_L%d", symbol, level)
}

// Tracker holds the local map of pending grid sub-orders, grounded on
// OrderTracker's mutex-guarded map-of-TrackedOrder shape.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]PendingOrder
}

func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]PendingOrder)}
}

func (t *Tracker) Add(symbol string, level int, orderID string, placedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[pendingKey(symbol, level)] = PendingOrder{Symbol: symbol, Level: level, PlacedAt: placedAt, OrderID: orderID}
}

func (t *Tracker) Remove(symbol string, level int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, pendingKey(symbol, level))
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// GC returns every pending order older than maxAge, for the caller to
// cancel, and removes them from the tracker.
func (t *Tracker) GC(now time.Time, maxAge time.Duration) []PendingOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stale []PendingOrder
	for key, o := range t.pending {
		if now.Sub(o.PlacedAt) > maxAge {
			stale = append(stale, o)
			delete(t.pending, key)
		}
	}
	return stale
}

// Candidate is one crypto symbol's market snapshot evaluated for grid
// placement.
type Candidate struct {
	Symbol         string
	Price          float64
	RangePosition  float64 // 0 = at 24h low, 1 = at 24h high
	DayChangePct   float64
	RSIOversold    bool
	RSIOverbought  bool
	AssetMinUSD    float64
	VolBucket      VolBucket
	PriorTradeCount int
	WinRate         float64
	AvgPnLPct       float64
}

type VolBucket int

const (
	VolNormal VolBucket = iota
	VolElevated
	VolHigh
)

// Score computes the candidate's grid-placement score per §4.10 step 4.
func Score(c Candidate, gridSize float64) float64 {
	if c.AssetMinUSD > gridSize {
		return 0
	}
	if c.RSIOverbought {
		return 0
	}

	score := (1 - c.RangePosition) * 50

	if c.DayChangePct < 0 && c.DayChangePct > -0.03 {
		score += math.Abs(c.DayChangePct) * 500
	}

	if c.RSIOversold {
		score *= 1.5
	}

	if c.PriorTradeCount >= 3 {
		weight := 1 + (c.WinRate-0.5)*0.3 + clamp(c.AvgPnLPct/100, -0.1, 0.1)
		score *= weight
	}

	return score
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SizeMultiplier applies the volatility-bucket size discount per §4.10
// step 5.
func SizeMultiplier(bucket VolBucket) float64 {
	switch bucket {
	case VolHigh:
		return 0.5
	case VolElevated:
		return 0.75
	default:
		return 1.0
	}
}

// GridSize clamps the cash allocation to [min, max] per §4.10 step 2.
func GridSize(cash, min, max float64) float64 {
	size := cash * 0.80
	if size < min {
		size = min
	}
	if size > max {
		size = max
	}
	return size
}

// Pick selects the highest-scoring candidate above the score floor (5),
// or ok=false when none qualifies.
func Pick(candidates []Candidate, gridSize float64) (Candidate, float64, bool) {
	var best Candidate
	bestScore := 0.0
	found := false
	for _, c := range candidates {
		s := Score(c, gridSize)
		if s > 5 && (!found || s > bestScore) {
			best = c
			bestScore = s
			found = true
		}
	}
	return best, bestScore, found
}

// LadderOrder is one sub-order in the placed ladder.
type LadderOrder struct {
	Level       int
	LimitPrice  float64
	USDAmount   float64
}

// BuildLadder lays out the three-level ladder for a grid size and
// candidate, using the oversold-weighted ladder when the candidate is
// RSI-oversold, and drops any sub-order whose USD amount would fall
// below the broker minimum.
func BuildLadder(c Candidate, gridSize float64, brokerMinUSD float64) []LadderOrder {
	offsets := DefaultLadder()
	if c.RSIOversold {
		offsets = OversoldLadder()
	}
	out := make([]LadderOrder, 0, len(offsets))
	for i, o := range offsets {
		amount := gridSize * o.Weight
		if amount < brokerMinUSD {
			continue
		}
		out = append(out, LadderOrder{
			Level:      i,
			LimitPrice: c.Price * (1 + o.OffsetPct),
			USDAmount:  amount,
		})
	}
	return out
}
