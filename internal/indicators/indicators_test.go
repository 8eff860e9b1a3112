package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRSIOverboughtOversold(t *testing.T) {
	r := NewRSI(5)
	closes := []float64{10, 11, 12, 13, 14, 15, 16}
	for _, c := range closes {
		r.Update(c)
	}
	assert.True(t, r.HasEnoughData())
	assert.True(t, r.Overbought())
	assert.False(t, r.Oversold())
}

func TestRSIFlatSeriesIsFifty(t *testing.T) {
	r := NewRSI(5)
	for i := 0; i < 7; i++ {
		r.Update(100)
	}
	assert.Equal(t, 50.0, r.Value())
}

func TestEMAPairBullishOnUptrend(t *testing.T) {
	p := NewEMAPair()
	for i := 0; i < 40; i++ {
		p.Update(float64(100 + i))
	}
	assert.True(t, p.Bullish())
}

func TestMACDProxyVsStrictBothBullishOnUptrend(t *testing.T) {
	proxy := NewMACD()
	strict := NewMACDStrict()
	for i := 0; i < 60; i++ {
		proxy.Update(float64(100 + i))
		strict.Update(float64(100 + i))
	}
	assert.True(t, proxy.Bullish())
	assert.True(t, strict.Bullish())
}

func TestATRPctZeroPriceIsZero(t *testing.T) {
	a := NewATR(3)
	a.Update(105, 95, 0)
	a.Update(106, 94, 0)
	a.Update(107, 93, 0)
	assert.Equal(t, 0.0, a.Pct(0))
	assert.Greater(t, a.Pct(100), 0.0)
}

func TestMomentumValueAndConsistency(t *testing.T) {
	m := NewMomentum(3)
	for _, c := range []float64{100, 101, 102, 103} {
		m.Update(c)
	}
	assert.InDelta(t, 0.03, m.Value(), 0.001)
	assert.True(t, m.Consistent(0.005))
	assert.False(t, m.Consistent(0.02))
}

func TestMomentumNotEnoughHistory(t *testing.T) {
	m := NewMomentum(5)
	m.Update(100)
	assert.Equal(t, 0.0, m.Value())
	assert.False(t, m.Consistent(0))
}

func TestVWAPWeightsByVolume(t *testing.T) {
	v := NewVWAP(time.Hour, 10)
	v.Add(10, 1)
	v.Add(20, 3)
	assert.InDelta(t, 17.5, v.Value(), 0.001)
}

func TestVWAPEmptyIsZero(t *testing.T) {
	v := NewVWAP(time.Hour, 10)
	assert.Equal(t, 0.0, v.Value())
}

func TestDepthImb(t *testing.T) {
	assert.InDelta(t, 0.2, DepthImb(60, 40), 0.001)
	assert.Equal(t, 0.0, DepthImb(0, 0))
}

func TestTickImbRatioAndWindow(t *testing.T) {
	ti := NewTickImb(3)
	ti.Add(1)
	ti.Add(1)
	ti.Add(-1)
	assert.InDelta(t, 1.0/3.0, ti.Ratio(), 0.001)
	ti.Add(-1)
	assert.InDelta(t, -1.0/3.0, ti.Ratio(), 0.001)
}
