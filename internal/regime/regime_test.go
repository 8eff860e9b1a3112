package regime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyBullVariants(t *testing.T) {
	d := NewDetector(20, 2)
	r, _ := d.Classify(15, 0.8)
	assert.Equal(t, StrongBull, r)

	d2 := NewDetector(20, 2)
	r2, _ := d2.Classify(15, 0.2)
	assert.Equal(t, WeakBull, r2)
}

func TestClassifyHighVolAboveExtreme(t *testing.T) {
	d := NewDetector(20, 2)
	r, _ := d.Classify(35, 0)
	assert.Equal(t, HighVol, r)
}

func TestHysteresisHoldsRegimeInsideBand(t *testing.T) {
	d := NewDetector(20, 2)
	series := []float64{18, 21, 19, 22, 18, 23}
	var last Regime
	for i, vix := range series {
		r, _ := d.Classify(vix, 0.8)
		if i == 0 {
			last = r
			continue
		}
		assert.Equal(t, last, r, "regime should not oscillate inside the hysteresis band")
	}
	assert.Equal(t, StrongBull, last)
}

func TestClassifyAboveThresholdDependsOnTrend(t *testing.T) {
	d := NewDetector(20, 2)
	r, _ := d.Classify(25, -0.5)
	assert.Equal(t, WeakBear, r)

	d2 := NewDetector(20, 2)
	r2, _ := d2.Classify(25, 0.5)
	assert.Equal(t, HighVol, r2)
}

func TestClassifyBelowThresholdBearByTrendSign(t *testing.T) {
	d := NewDetector(20, 2)
	r, _ := d.Classify(10, -0.8)
	assert.Equal(t, StrongBear, r)
}

func TestGridCompatibilityScoreRangeIsBest(t *testing.T) {
	assert.Equal(t, 1.0, GridCompatibilityScore(Range))
	assert.Less(t, GridCompatibilityScore(StrongBull), GridCompatibilityScore(Range))
}

func TestSetExtremeOverridesHighVolCutoff(t *testing.T) {
	d := NewDetector(20, 2)
	d.SetExtreme(24)
	r, _ := d.Classify(25, 0.5)
	assert.Equal(t, HighVol, r)
}

func TestSetExtremeIgnoresNonPositive(t *testing.T) {
	d := NewDetector(20, 2)
	d.SetExtreme(0)
	r, _ := d.Classify(25, 0.5)
	assert.Equal(t, HighVol, r) // still the default 30-cutoff path via threshold branch
}
