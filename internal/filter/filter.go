// Package filter implements the EntryFilterPipeline: an ordered chain of
// checks that gates every candidate entry, grounded on the teacher's
// CanTrade/CanTradeSymbol risk-gating chain in internal/exec/executor.go
// generalized into named, independently testable steps.
package filter

import (
	"fmt"
	"time"
)

type Verdict int

const (
	Pass Verdict = iota
	Skip
	Halt
)

// Result is what one filter step (or the whole pipeline) returns.
type Result struct {
	Verdict Verdict
	Reason  string
}

func pass() Result           { return Result{Verdict: Pass} }
func skip(reason string) Result { return Result{Verdict: Skip, Reason: reason} }
func halt(reason string) Result { return Result{Verdict: Halt, Reason: reason} }

// AnomalyAction is the anomaly detector's recommended action, consumed
// as step 8 of the pipeline.
type AnomalyAction int

const (
	AnomalyContinue AnomalyAction = iota
	AnomalyTightenStops
	AnomalyReduceSize
	AnomalyHalt
)

// Candidate bundles every input the fourteen filter steps need. Most
// fields left at their zero value read as "neutral/pass" for that step so
// callers that don't wire a given subsystem (ML, sentiment, ...) don't
// have to fake data just to exercise the rest of the chain. The two
// exceptions are MarketBreadthHealthy and RegimeConditionsMet: left
// false, each makes its step skip the candidate.
type Candidate struct {
	Symbol string
	Now    time.Time

	CooldownActive bool

	OpenPositions int
	MaxPositions  int

	SentimentSign     int // -1, 0, +1
	ProfileBullish    bool
	ProfileBearish    bool

	MarketBreadthHealthy bool

	MLScoreEnabled   bool
	MLScore          float64
	MLScoreThreshold float64

	VolumeProfileEnabled     bool
	VolumeProfileNearSupport bool
	StrictVolumeProfile      bool

	MLWinRateEnabled   bool
	MLWinProbability   float64
	MLWinRateThreshold float64

	Anomaly AnomalyAction

	RegimeConditionsMet bool

	CorrelationGroupAtCap bool

	Equity                 float64
	ConcentrationMinEquity float64
	SymbolConcentrationPct float64
	SymbolConcentrationCap float64
	GroupConcentrationPct  float64
	GroupConcentrationCap  float64

	SpreadPct    float64
	MaxSpreadPct float64

	LowLiquidityWindow bool // true when Now falls in the configured low-liquidity window

	VolumeSpike bool
	Oversold    bool
}

// Pipeline runs the fourteen ordered steps in §4.7; the first non-Pass
// result short-circuits the remaining steps.
func Pipeline(c Candidate) Result {
	steps := []func(Candidate) Result{
		stepCooldown,
		stepPositionCap,
		stepSentiment,
		stepMarketBreadth,
		stepMLScore,
		stepVolumeProfile,
		stepMLWinRate,
		stepAnomaly,
		stepRegimeTrend,
		stepCorrelation,
		stepConcentration,
		stepSpread,
		stepTimeOfDay,
		stepVolumeSpike,
	}
	for _, step := range steps {
		if r := step(c); r.Verdict != Pass {
			return r
		}
	}
	return pass()
}

func stepCooldown(c Candidate) Result {
	if c.CooldownActive {
		return skip("symbol is in post-exit cooldown")
	}
	return pass()
}

func stepPositionCap(c Candidate) Result {
	if c.MaxPositions > 0 && c.OpenPositions >= c.MaxPositions {
		return skip("at max open positions")
	}
	return pass()
}

func stepSentiment(c Candidate) Result {
	if c.SentimentSign == 0 {
		return pass()
	}
	if c.ProfileBullish && c.SentimentSign < 0 {
		return skip("sentiment contradicts bullish profile bias")
	}
	if c.ProfileBearish && c.SentimentSign > 0 {
		return skip("sentiment contradicts bearish profile bias")
	}
	return pass()
}

func stepMarketBreadth(c Candidate) Result {
	if !c.MarketBreadthHealthy {
		return skip("market breadth unhealthy")
	}
	return pass()
}

func stepMLScore(c Candidate) Result {
	if !c.MLScoreEnabled {
		return pass()
	}
	if c.MLScore < c.MLScoreThreshold {
		return skip(fmt.Sprintf("ML entry score %.3f below threshold %.3f", c.MLScore, c.MLScoreThreshold))
	}
	return pass()
}

func stepVolumeProfile(c Candidate) Result {
	if !c.VolumeProfileEnabled || c.VolumeProfileNearSupport {
		return pass()
	}
	if c.StrictVolumeProfile {
		return skip("not near a volume-profile support level")
	}
	return pass() // advisory only outside strict mode
}

func stepMLWinRate(c Candidate) Result {
	if !c.MLWinRateEnabled {
		return pass()
	}
	if c.MLWinProbability < c.MLWinRateThreshold {
		return skip(fmt.Sprintf("ML win probability %.3f below threshold %.3f", c.MLWinProbability, c.MLWinRateThreshold))
	}
	return pass()
}

func stepAnomaly(c Candidate) Result {
	switch c.Anomaly {
	case AnomalyHalt:
		return halt("anomaly detector requested halt")
	case AnomalyReduceSize, AnomalyTightenStops:
		// These recommendations do not block entry admission -- they pass
		// here. ReduceSize corresponds to sizing.Inputs.AnomalyReduceSize;
		// TightenStops is not acted on by the exit evaluator.
		return pass()
	default:
		return pass()
	}
}

func stepRegimeTrend(c Candidate) Result {
	if !c.RegimeConditionsMet {
		return skip("regime-appropriate trend conditions not met")
	}
	return pass()
}

func stepCorrelation(c Candidate) Result {
	if c.CorrelationGroupAtCap {
		return skip("correlation group already at cap")
	}
	return pass()
}

func stepConcentration(c Candidate) Result {
	if c.Equity < c.ConcentrationMinEquity {
		return pass() // concentration check skipped below the equity floor
	}
	symbolCap := c.SymbolConcentrationCap
	if symbolCap <= 0 {
		symbolCap = 0.40
	}
	groupCap := c.GroupConcentrationCap
	if groupCap <= 0 {
		groupCap = 0.60
	}
	if c.SymbolConcentrationPct > symbolCap {
		return skip(fmt.Sprintf("symbol concentration %.1f%% exceeds %.1f%% cap", c.SymbolConcentrationPct*100, symbolCap*100))
	}
	if c.GroupConcentrationPct > groupCap {
		return skip(fmt.Sprintf("group concentration %.1f%% exceeds %.1f%% cap", c.GroupConcentrationPct*100, groupCap*100))
	}
	return pass()
}

func stepSpread(c Candidate) Result {
	maxSpread := c.MaxSpreadPct
	if maxSpread <= 0 {
		maxSpread = 0.003
	}
	if c.SpreadPct > maxSpread {
		return skip(fmt.Sprintf("spread %.3f%% exceeds %.3f%% cap", c.SpreadPct*100, maxSpread*100))
	}
	return pass()
}

func stepTimeOfDay(c Candidate) Result {
	if c.LowLiquidityWindow {
		return skip("inside low-liquidity time window")
	}
	return pass()
}

func stepVolumeSpike(c Candidate) Result {
	if c.VolumeSpike && !c.Oversold {
		return skip("volume spike without oversold confirmation")
	}
	return pass()
}
