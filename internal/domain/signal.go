package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the analyzer's recommendation for a symbol (spec §3).
type Direction string

const (
	StrongBuy  Direction = "strong_buy"
	Buy        Direction = "buy"
	Hold       Direction = "hold"
	Sell       Direction = "sell"
	StrongSell Direction = "strong_sell"
)

// Score maps a direction to the signed weight used in the combined score
// formula of spec §4.3.
func (d Direction) Score() float64 {
	switch d {
	case StrongBuy:
		return 2
	case Buy:
		return 1
	case Sell:
		return -1
	case StrongSell:
		return -2
	default:
		return 0
	}
}

// ScoreToDirection maps a combined weighted score back to a Direction per
// the thresholds in spec §4.3.
func ScoreToDirection(score float64) Direction {
	switch {
	case score >= 1.5:
		return StrongBuy
	case score >= 0.5:
		return Buy
	case score > -0.5:
		return Hold
	case score > -1.5:
		return Sell
	default:
		return StrongSell
	}
}

// TradeType is the candidate side a Direction maps to (spec §4.4 gate 6).
type TradeType string

const (
	Long  TradeType = "long"
	Short TradeType = "short"
)

// ActionableType maps Buy/StrongBuy to Long, Sell/StrongSell to Short. Hold
// is never actionable.
func ActionableType(d Direction) (TradeType, bool) {
	switch d {
	case Buy, StrongBuy:
		return Long, true
	case Sell, StrongSell:
		return Short, true
	default:
		return "", false
	}
}

// Signal is produced by the external analyzer once per signal_interval and
// consumed exactly once by the orchestrator (spec §3). It is never mutated
// after creation.
type Signal struct {
	Symbol              Symbol
	Direction           Direction
	Confidence          float64 // [0, 1]
	SuggestedStopLoss   *decimal.Decimal
	SuggestedTakeProfit *decimal.Decimal
	SuggestedEntry      *decimal.Decimal
	IssuedAt            time.Time

	// PerTimeframe carries the sub-signals that produced this combined
	// signal, retained for audit/explainability.
	PerTimeframe []TimeframeSignal
}

// TimeframeSignal is one per-timeframe vote feeding the weighted combination
// in spec §4.3.
type TimeframeSignal struct {
	Timeframe  Timeframe
	Direction  Direction
	Confidence float64
}

// Weight returns this sub-signal's vote weight, from its timeframe.
func (s TimeframeSignal) Weight() int {
	return s.Timeframe.Weight()
}
