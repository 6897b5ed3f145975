// Package analyzer combines per-timeframe sub-signals into one weighted
// Signal per spec §4.3: longer timeframes dominate, and overall confidence
// reflects both per-signal confidence and vote weight.
package analyzer

import (
	"time"

	"papertrader/internal/domain"
)

// Combine folds a symbol's per-timeframe sub-signals into a single Signal
// using the weighted-score formula of spec §4.3:
//
//	combined_score = Σ(score_i * weight_i * confidence_i) / Σ weight_i
//
// Overall confidence is |combined_score| / 2, clamped to [0, 1].
func Combine(symbol domain.Symbol, subSignals []domain.TimeframeSignal, now time.Time) domain.Signal {
	if len(subSignals) == 0 {
		return domain.Signal{Symbol: symbol, Direction: domain.Hold, Confidence: 0, IssuedAt: now}
	}

	var weightedScore, weightSum float64
	for _, s := range subSignals {
		w := float64(s.Weight())
		weightedScore += s.Direction.Score() * w * s.Confidence
		weightSum += w
	}

	var combined float64
	if weightSum > 0 {
		combined = weightedScore / weightSum
	}

	confidence := combined
	if confidence < 0 {
		confidence = -confidence
	}
	confidence /= 2
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	return domain.Signal{
		Symbol:       symbol,
		Direction:    domain.ScoreToDirection(combined),
		Confidence:   confidence,
		IssuedAt:     now,
		PerTimeframe: subSignals,
	}
}
