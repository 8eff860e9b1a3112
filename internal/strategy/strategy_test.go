package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"tradingcore/internal/common"
	"tradingcore/internal/regime"
)

func TestMomentumStrategyBuysOnConsistentUptrend(t *testing.T) {
	s := NewMomentumStrategy()
	history := []float64{100, 100.3, 100.6, 100.9, 101.2, 101.5, 101.8, 102.1, 102.4, 102.7}
	sig := s.Evaluate(history, 103.0, 0)
	assert.Equal(t, Buy, sig.Action)
}

func TestMACDStrategySellsOnlyWhenHoldingPosition(t *testing.T) {
	s := NewMACDStrategy()
	history := make([]float64, 0, 60)
	p := 150.0
	for i := 0; i < 60; i++ {
		p -= 0.5
		history = append(history, p)
	}
	sig := s.Evaluate(history, p-0.5, 10)
	assert.Equal(t, Sell, sig.Action)

	sigFlat := s.Evaluate(history, p-0.5, 0)
	assert.NotEqual(t, Sell, sigFlat.Action)
}

func TestRSIStrategyOversoldBuy(t *testing.T) {
	s := NewRSIStrategy()
	history := []float64{}
	p := 100.0
	for i := 0; i < 20; i++ {
		p -= 1
		history = append(history, p)
	}
	sig := s.Evaluate(history, p-1, 0)
	assert.Equal(t, Buy, sig.Action)
}

func TestRSIStrategyRequiresConfirmationWhenConfigured(t *testing.T) {
	s := NewRSIStrategy()
	s.RequireConfirmation = true
	history := []float64{}
	p := 100.0
	for i := 0; i < 20; i++ {
		p -= 1
		history = append(history, p)
	}
	// next price still falling -> oversold but not confirmed
	sig := s.Evaluate(history, p-1, 0)
	assert.Equal(t, Hold, sig.Action)
}

func TestMeanReversionBuyBelowBandSellAboveWithPosition(t *testing.T) {
	s := NewMeanReversionStrategy()
	history := []float64{100, 100, 100, 100, 100}
	assert.Equal(t, Buy, s.Evaluate(history, 98, 0).Action)
	assert.Equal(t, Sell, s.Evaluate(history, 102, 5).Action)
	assert.Equal(t, Hold, s.Evaluate(history, 100.2, 0).Action)
}

func TestDispatcherPicksPerRegimeTable(t *testing.T) {
	d := NewDispatcher(map[string]bool{"MOMO": true})

	strat := d.Pick("MOMO", regime.StrongBull, common.AssetEquity)
	assert.Equal(t, "Momentum", strat.Name())

	strat2 := d.Pick("AAPL", regime.StrongBull, common.AssetEquity)
	assert.Equal(t, "MACD", strat2.Name())

	strat3 := d.Pick("AAPL", regime.Range, common.AssetEquity)
	assert.Equal(t, "MeanReversion", strat3.Name())

	strat4 := d.Pick("AAPL", regime.WeakBear, common.AssetEquity)
	assert.Equal(t, "RSI", strat4.Name())
}

type fakeTimeframe struct {
	verdict TimeframeVerdict
}

func (f fakeTimeframe) Analyze(symbol string, history []float64, price float64) TimeframeVerdict {
	return f.verdict
}

func TestDispatcherTimeframeOverrideOnHighConfidence(t *testing.T) {
	d := NewDispatcher(nil)
	d.Timeframe = fakeTimeframe{verdict: TimeframeVerdict{
		Signal:     Signal{Action: Sell, Reason: "override"},
		Confidence: 0.9,
	}}
	sig := d.Evaluate("AAPL", regime.StrongBull, common.AssetEquity, []float64{100, 101, 102}, 103, 0)
	assert.Equal(t, Sell, sig.Action)
}

func TestDispatcherTimeframeForcesHoldOnDisagreement(t *testing.T) {
	d := NewDispatcher(nil)
	d.Timeframe = fakeTimeframe{verdict: TimeframeVerdict{
		Confidence: 0.4,
		Agrees:     false,
	}}
	sig := d.Evaluate("AAPL", regime.StrongBull, common.AssetEquity, []float64{100, 101, 102}, 103, 0)
	assert.Equal(t, Hold, sig.Action)
}
