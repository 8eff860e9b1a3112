package ml

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tradingcore/internal/book"
)

func TestFallbackScorerScoreEmptyFeaturesIsNeutral(t *testing.T) {
	f := NewFallbackScorer()
	r, err := f.Score(context.Background(), "AAPL", nil)
	assert.NoError(t, err)
	assert.Equal(t, 0.5, r.Score)
}

func TestFallbackScorerScorePositiveFeaturesLeanBullish(t *testing.T) {
	f := NewFallbackScorer()
	r, err := f.Score(context.Background(), "AAPL", []float32{1, 1, 1})
	assert.NoError(t, err)
	assert.Greater(t, r.Score, 0.5)
	assert.Equal(t, r.Score, r.WinProbability)
}

func TestFallbackScorerDetectEscalatesWithMagnitude(t *testing.T) {
	f := NewFallbackScorer()
	assert.Equal(t, AnomalyContinue, f.Detect(context.Background(), "AAPL", []float32{1, 1}))
	assert.Equal(t, AnomalyTightenStops, f.Detect(context.Background(), "AAPL", []float32{2.5}))
	assert.Equal(t, AnomalyReduceSize, f.Detect(context.Background(), "AAPL", []float32{3.5}))
	assert.Equal(t, AnomalyHalt, f.Detect(context.Background(), "AAPL", []float32{6}))
}

func TestFallbackScorerSentimentAndVolumeProfileAreNeutral(t *testing.T) {
	f := NewFallbackScorer()
	sign, err := f.Sentiment(context.Background(), "AAPL")
	assert.NoError(t, err)
	assert.Equal(t, 0, sign)

	near, err := f.NearSupport(context.Background(), "AAPL", 100)
	assert.NoError(t, err)
	assert.True(t, near)
}

func TestFallbackScorerHealthScoreScalesWithPnL(t *testing.T) {
	f := NewFallbackScorer()
	pos := book.Position{EntryPrice: 100, Quantity: 1, EntryTime: time.Now()}

	flat, _ := f.HealthScore(context.Background(), pos, 100)
	assert.Equal(t, 50.0, flat)

	up, _ := f.HealthScore(context.Background(), pos, 110) // +10% pnl
	assert.Equal(t, 100.0, up) // clamped at 100

	down, _ := f.HealthScore(context.Background(), pos, 94) // -6% pnl
	assert.Equal(t, 0.0, down) // clamped at 0
}

func TestMomentumAccelDetectorFlagsSharpUpMove(t *testing.T) {
	d := NewMomentumAccelDetector()
	// three gentle ~0.1% moves then a sharp +1% move
	history := []float64{100, 100.1, 100.2, 100.3, 101.3}
	spike, fraction := d.Detect(history)
	assert.True(t, spike)
	assert.Equal(t, 0.25, fraction)
}

func TestMomentumAccelDetectorIgnoresGentleTrend(t *testing.T) {
	d := NewMomentumAccelDetector()
	history := []float64{100, 100.1, 100.2, 100.3, 100.4}
	spike, _ := d.Detect(history)
	assert.False(t, spike)
}

func TestMomentumAccelDetectorIgnoresDownMoves(t *testing.T) {
	d := NewMomentumAccelDetector()
	history := []float64{100, 100.1, 100.2, 100.3, 99.0}
	spike, _ := d.Detect(history)
	assert.False(t, spike)
}

func TestMomentumAccelDetectorNeedsEnoughHistory(t *testing.T) {
	d := NewMomentumAccelDetector()
	spike, _ := d.Detect([]float64{100, 101})
	assert.False(t, spike)
}
