package grid

import "time"

// StaleOrderAge is the default GC window (§4.10 step 1).
const StaleOrderAge = 15 * time.Minute

// MaxOpenOrders aborts a tick once this many grid orders are already
// resting (§4.10 step 3).
const MaxOpenOrders = 3

// TickResult summarizes what one GridOrderEngine tick decided to do.
type TickResult struct {
	StaleCancelled []PendingOrder
	Aborted        bool
	AbortReason    string
	GridSize       float64
	Picked         Candidate
	PickedScore    float64
	Ladder         []LadderOrder
}

// Tick runs one full cycle of the grid engine: GC, abort checks, scoring,
// and ladder construction. It never touches a broker; the caller places
// the resulting ladder and records it back into the Tracker.
func Tick(tracker *Tracker, now time.Time, cash, minOrderUSD, maxOrderUSD float64, candidates []Candidate, volBucket VolBucket) TickResult {
	stale := tracker.GC(now, StaleOrderAge)

	if tracker.Count() >= MaxOpenOrders {
		return TickResult{StaleCancelled: stale, Aborted: true, AbortReason: "max open grid orders reached"}
	}
	if cash < minOrderUSD {
		return TickResult{StaleCancelled: stale, Aborted: true, AbortReason: "available cash below grid minimum"}
	}

	gridSize := GridSize(cash, minOrderUSD, maxOrderUSD) * SizeMultiplier(volBucket)

	best, score, ok := Pick(candidates, gridSize)
	if !ok {
		return TickResult{StaleCancelled: stale, Aborted: true, AbortReason: "no candidate scored above the floor", GridSize: gridSize}
	}

	ladder := BuildLadder(best, gridSize, minOrderUSD)
	return TickResult{
		StaleCancelled: stale,
		GridSize:       gridSize,
		Picked:         best,
		PickedScore:    score,
		Ladder:         ladder,
	}
}
