// Package sizing implements the PositionSizer: a pipeline of
// multiplicative adjustments on a base size, grounded on the teacher's
// Kelly-criterion Size/calculateKelly pair in internal/exec/executor.go.
package sizing

import (
	"math"

	"tradingcore/internal/common"
)

// Inputs bundles everything the sizing pipeline needs for one call.
// Zero-valued optional fields (WinRate, AvgWin, ...) fall back to the
// teacher's own conservative defaults so the pipeline still produces a
// sane size before any performance history has accumulated.
type Inputs struct {
	AssetClass common.AssetClass

	BuyingPower   float64
	Equity        float64
	RiskFraction  float64
	EntryPrice    float64
	BrokerMinUSD  float64

	WinRate float64 // historical win rate, 0 means "use default 0.55"
	AvgWin  float64 // 0 means "use default 1.5"
	AvgLoss float64 // 0 means "use default 1.0"

	VIX float64

	MLConfidence   float64 // 0 means "neutral, no ML adjustment" (treated as 1.0)
	RegimeVolScale float64 // 0 means "neutral" (treated as 1.0)

	MaxCorrelationWithPortfolio float64

	AnomalyReduceSize bool

	DailyTargetMet bool

	FractionalSharesAllowed bool
}

// Result is the sized order, or zero quantity with a reason when the
// broker minimum can't be met.
type Result struct {
	Quantity float64
	Skipped  bool
	Reason   string
}

// Size runs the multiplicative pipeline in §4.8 and rounds the result to
// the asset's allowed precision.
func Size(in Inputs) Result {
	winRate := in.WinRate
	if winRate == 0 {
		winRate = 0.55
	}
	avgWin := in.AvgWin
	if avgWin == 0 {
		avgWin = 1.5
	}
	avgLoss := in.AvgLoss
	if avgLoss == 0 {
		avgLoss = 1.0
	}

	kelly := kellyFraction(winRate, avgWin, avgLoss) * 0.5 // half-Kelly safety factor

	riskFraction := in.RiskFraction
	if riskFraction <= 0 {
		riskFraction = 1.0
	}

	buyingPower := math.Min(in.BuyingPower*0.95, in.Equity)
	if buyingPower <= 0 || in.EntryPrice <= 0 {
		return Result{Skipped: true, Reason: "no buying power or invalid price"}
	}

	base := buyingPower * riskFraction / in.EntryPrice

	size := base * kelly * expectedRMultiplier(avgWin, avgLoss)

	if in.VIX > 25 {
		size *= 0.7
	}

	mlConf := in.MLConfidence
	if mlConf == 0 {
		mlConf = 1.0
	}
	regimeScale := in.RegimeVolScale
	if regimeScale == 0 {
		regimeScale = 1.0
	}
	size *= mlConf * regimeScale

	if in.MaxCorrelationWithPortfolio > 0 {
		size *= 1 - in.MaxCorrelationWithPortfolio
	}

	if in.AnomalyReduceSize {
		size *= 0.5
	}

	if in.DailyTargetMet {
		size *= 0.5
	}

	if size <= 0 {
		return Result{Skipped: true, Reason: "sized quantity non-positive"}
	}

	notional := size * in.EntryPrice
	minUSD := in.BrokerMinUSD
	if notional < minUSD {
		return Result{Skipped: true, Reason: "below broker minimum order value"}
	}

	precision := 8
	if in.AssetClass == common.AssetEquity && !in.FractionalSharesAllowed {
		precision = 0
	}
	return Result{Quantity: roundToPrecision(size, precision)}
}

// kellyFraction implements f* = (p(b+1)-1)/b, clamped to [0,1], carried
// over unchanged from the teacher's calculateKelly.
func kellyFraction(winRate, avgWin, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 0
	}
	b := avgWin / avgLoss
	if b == 0 {
		return 0
	}
	k := (winRate*(b+1) - 1) / b
	if k < 0 {
		return 0
	}
	if k > 1 {
		return 1
	}
	return k
}

// expectedRMultiplier scales the Kelly fraction by the expected R
// (reward-to-risk) of the historical win/loss ratio, per the spec's
// "Kelly fraction x expected-R multiplier" step.
func expectedRMultiplier(avgWin, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 1
	}
	r := avgWin / avgLoss
	if r <= 0 {
		return 1
	}
	return r
}

func roundToPrecision(v float64, precision int) float64 {
	if precision == 0 {
		return math.Floor(v)
	}
	scale := math.Pow10(precision)
	return math.Floor(v*scale) / scale
}
