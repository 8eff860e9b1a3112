// Package ml provides the entry-scoring, anomaly-detection, position-health,
// and momentum-acceleration signals the crypto and equity entry/exit
// pipelines consult, with a heuristic FallbackScorer satisfying all of them
// when no trained model is wired in.
package ml

import (
	"context"
	"math"

	"tradingcore/internal/book"
)

// ScoreResult is what an MLScorer returns for one candidate: an entry
// score and an independent win-probability estimate, the two ML gates
// the EntryFilterPipeline's stepMLScore/stepMLWinRate consult.
type ScoreResult struct {
	Score          float64
	WinProbability float64
}

// MLScorer is the entry-scoring subsystem (§4.7 steps 5, 7). A caller
// with no trained model wires FallbackScorer instead.
type MLScorer interface {
	Score(ctx context.Context, symbol string, features []float32) (ScoreResult, error)
}

// Anomaly mirrors filter.AnomalyAction without importing the filter
// package, so internal/ml stays a dependency of the pipeline rather
// than the other way around; the runner translates one to the other.
type Anomaly int

const (
	AnomalyContinue Anomaly = iota
	AnomalyTightenStops
	AnomalyReduceSize
	AnomalyHalt
)

// AnomalyDetector flags abnormal market conditions (§4.7 step 8).
type AnomalyDetector interface {
	Detect(ctx context.Context, symbol string, features []float32) Anomaly
}

// SentimentProvider reports a directional sentiment sign for a symbol
// (§4.7 step 3): -1 bearish, 0 neutral, +1 bullish.
type SentimentProvider interface {
	Sentiment(ctx context.Context, symbol string) (int, error)
}

// VolumeProfile reports whether price sits near a volume-profile
// support level (§4.7 step 6).
type VolumeProfile interface {
	NearSupport(ctx context.Context, symbol string, price float64) (bool, error)
}

// PositionHealth scores an open position's continued-holding health on
// a 0-100 scale, consumed by the ExitEvaluator's health-score rule.
type PositionHealth interface {
	HealthScore(ctx context.Context, pos book.Position, currentPrice float64) (float64, error)
}

// MomentumAcceleration flags a sudden acceleration in a position's
// favor worth partially exiting into, and the fraction to take.
type MomentumAcceleration interface {
	Detect(history []float64) (spike bool, exitFraction float64)
}

// FallbackScorer implements every ML-adjacent interface with the
// heuristic math the teacher's FallbackPredictor uses (tanh-normalized
// features combined into a sigmoid score) rather than a trained model,
// for deployments where MLScoring is a disabled feature flag. Its
// methods never error: there is no model to fail to load.
type FallbackScorer struct {
	WinRateBaseline float64 // Predict()'s neutral win probability, default 0.5
}

func NewFallbackScorer() *FallbackScorer {
	return &FallbackScorer{WinRateBaseline: 0.5}
}

// Score implements MLScorer using the same weighted-tanh combination
// as the teacher's FallbackPredictor.calculateScore, generalized from
// its fixed three-feature layout (tick ratio, depth ratio, price
// distance) to any feature slice via an evenly-weighted average.
func (f *FallbackScorer) Score(ctx context.Context, symbol string, features []float32) (ScoreResult, error) {
	if len(features) == 0 {
		return ScoreResult{Score: 0.5, WinProbability: f.baseline()}, nil
	}
	var sum float64
	for _, v := range features {
		sum += math.Tanh(float64(v))
	}
	avg := sum / float64(len(features))
	prob := sigmoid(avg)
	return ScoreResult{Score: prob, WinProbability: prob}, nil
}

func (f *FallbackScorer) baseline() float64 {
	if f.WinRateBaseline <= 0 {
		return 0.5
	}
	return f.WinRateBaseline
}

// Detect implements AnomalyDetector: a feature vector whose largest
// absolute value is extreme reads as an anomaly, matching the fallback
// predictor's own "clamp near-zero scores to neutral" threshold logic
// applied at the opposite tail.
func (f *FallbackScorer) Detect(ctx context.Context, symbol string, features []float32) Anomaly {
	if len(features) == 0 {
		return AnomalyContinue
	}
	var maxAbs float64
	for _, v := range features {
		if a := math.Abs(float64(v)); a > maxAbs {
			maxAbs = a
		}
	}
	switch {
	case maxAbs > 5:
		return AnomalyHalt
	case maxAbs > 3:
		return AnomalyReduceSize
	case maxAbs > 2:
		return AnomalyTightenStops
	default:
		return AnomalyContinue
	}
}

// Sentiment implements SentimentProvider with a neutral fallback: no
// sentiment source means §4.7 step 3 never skips a candidate on
// sentiment grounds.
func (f *FallbackScorer) Sentiment(ctx context.Context, symbol string) (int, error) {
	return 0, nil
}

// NearSupport implements VolumeProfile with a neutral fallback: a
// disabled volume-profile subsystem should read as advisory-pass, not
// a manufactured "near support" claim.
func (f *FallbackScorer) NearSupport(ctx context.Context, symbol string, price float64) (bool, error) {
	return true, nil
}

// HealthScore implements PositionHealth from a position's own
// unrealized P&L, in the absence of a trained health model: pnl of 0%
// scores 50, scaling linearly and clamped to [0, 100].
func (f *FallbackScorer) HealthScore(ctx context.Context, pos book.Position, currentPrice float64) (float64, error) {
	pnl := pos.PnLPct(currentPrice)
	score := 50 + pnl*1000
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, nil
}

// MomentumAccelDetector flags a sudden acceleration by comparing the
// most recent bar-to-bar move against the average of the prior moves,
// grounded on the same "score against a threshold" shape as the
// teacher's FallbackPredictor.calculateScore.
type MomentumAccelDetector struct {
	// SpikeMultiple is how many times the average prior move the latest
	// move must exceed to count as a spike. Default 2.5.
	SpikeMultiple float64
	// ExitFraction is the fraction of the position to take off on a
	// detected spike. Default 0.25.
	ExitFraction float64
}

func NewMomentumAccelDetector() *MomentumAccelDetector {
	return &MomentumAccelDetector{SpikeMultiple: 2.5, ExitFraction: 0.25}
}

// Detect reports whether the final move in history is a sharp
// acceleration relative to the average of the prior moves. history
// must have at least 4 points (3 moves) to evaluate; shorter histories
// never spike.
func (d *MomentumAccelDetector) Detect(history []float64) (bool, float64) {
	if len(history) < 4 {
		return false, 0
	}
	moves := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		prev := history[i-1]
		if prev == 0 {
			continue
		}
		moves = append(moves, (history[i]-prev)/prev)
	}
	if len(moves) < 3 {
		return false, 0
	}
	last := moves[len(moves)-1]
	prior := moves[:len(moves)-1]
	var sum float64
	for _, m := range prior {
		sum += math.Abs(m)
	}
	avg := sum / float64(len(prior))
	if avg <= 0 {
		return false, 0
	}
	multiple := d.SpikeMultiple
	if multiple <= 0 {
		multiple = 2.5
	}
	if math.Abs(last) >= avg*multiple && last > 0 {
		fraction := d.ExitFraction
		if fraction <= 0 {
			fraction = 0.25
		}
		return true, fraction
	}
	return false, 0
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
