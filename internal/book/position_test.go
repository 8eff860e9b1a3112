package book

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionBookPutGet(t *testing.T) {
	b := NewPositionBook()
	b.Put(Position{Symbol: "BTC/USD", EntryPrice: 100, Quantity: 1, ProfileID: "main"})

	p, ok := b.Get("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, 100.0, p.EntryPrice)
	assert.Equal(t, 1.0, p.Quantity)
}

func TestPositionBookReduceQuantityRemovesAtZero(t *testing.T) {
	b := NewPositionBook()
	b.Put(Position{Symbol: "ETH/USD", EntryPrice: 10, Quantity: 1})

	p, ok := b.ReduceQuantity("ETH/USD", 0.25)
	require.True(t, ok)
	assert.InDelta(t, 0.75, p.Quantity, 1e-9)

	_, ok = b.ReduceQuantity("ETH/USD", 0.75)
	assert.False(t, ok)

	_, ok = b.Get("ETH/USD")
	assert.False(t, ok, "position should be removed once quantity hits zero")
}

func TestPositionBookRaiseStopOnlyRatchetsUpward(t *testing.T) {
	b := NewPositionBook()
	b.Put(Position{Symbol: "AAPL", EntryPrice: 100, Quantity: 10, StopLoss: 95})

	b.RaiseStop("AAPL", 97)
	p, _ := b.Get("AAPL")
	assert.Equal(t, 97.0, p.StopLoss)

	b.RaiseStop("AAPL", 96) // lower than current -- must be ignored
	p, _ = b.Get("AAPL")
	assert.Equal(t, 97.0, p.StopLoss)
}

func TestPositionBookSnapshotIsACopy(t *testing.T) {
	b := NewPositionBook()
	b.Put(Position{Symbol: "SOL/USD", EntryPrice: 20, Quantity: 5})

	snap := b.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Quantity = 999

	p, _ := b.Get("SOL/USD")
	assert.Equal(t, 5.0, p.Quantity, "mutating a snapshot must not affect the book")
}

func TestPositionPnLPct(t *testing.T) {
	p := Position{EntryPrice: 100}
	assert.InDelta(t, 0.05, p.PnLPct(105), 1e-9)
	assert.Equal(t, 0.0, Position{}.PnLPct(50))
}

func TestCooldownActiveAndExpiry(t *testing.T) {
	c := NewCooldown()
	assert.False(t, c.Active("BTC/USD"))

	c.Set("BTC/USD", 20*time.Millisecond)
	assert.True(t, c.Active("BTC/USD"))

	time.Sleep(25 * time.Millisecond)
	assert.False(t, c.Active("BTC/USD"))
}

func TestCooldownSetKeepsLatestExpiry(t *testing.T) {
	c := NewCooldown()
	c.Set("ETH/USD", 50*time.Millisecond)
	first, _ := c.RetryAt("ETH/USD")

	c.Set("ETH/USD", time.Millisecond) // shorter -- must not shrink the window
	second, _ := c.RetryAt("ETH/USD")

	assert.True(t, !second.Before(first))
}

func TestPerformanceTrackerWinRate(t *testing.T) {
	pt := NewPerformanceTracker()
	assert.Equal(t, 0.5, pt.Get("BTC/USD").WinRate(), "untracked symbol defaults to neutral win rate")

	pt.Record("BTC/USD", 1.2)
	pt.Record("BTC/USD", -0.5)
	pt.Record("BTC/USD", 0.8)

	stats := pt.Get("BTC/USD")
	assert.Equal(t, 2, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 2.0/3.0, stats.WinRate(), 1e-9)
}

func TestVolatilityBucket(t *testing.T) {
	assert.Equal(t, VolHigh, VolatilityStats{DailyVol: 0.06}.Bucket())
	assert.Equal(t, VolElevated, VolatilityStats{DailyVol: 0.04}.Bucket())
	assert.Equal(t, VolNormal, VolatilityStats{DailyVol: 0.01}.Bucket())
}
