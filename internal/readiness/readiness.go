// Package readiness implements the data-readiness validator of spec §4.2:
// it classifies a candle count against per-indicator thresholds and derives
// the confidence penalty, position-size multiplier and stop-loss-width
// multiplier that the risk pipeline applies downstream.
package readiness

// Category is the data-sufficiency tier for a given candle count.
type Category string

const (
	Insufficient Category = "insufficient"
	Minimum      Category = "minimum"
	Warmup       Category = "warmup"
	Optimal      Category = "optimal"
)

// Thresholds are the three candle-count breakpoints for one indicator.
type Thresholds struct {
	Minimum int
	Warmup  int
	Optimal int
}

// EMAThresholds and ATRThresholds follow {p+1, 3p, 10p} (spec §4.2).
func EMAThresholds(p int) Thresholds { return Thresholds{Minimum: p + 1, Warmup: 3 * p, Optimal: 10 * p} }
func ATRThresholds(p int) Thresholds { return Thresholds{Minimum: p + 1, Warmup: 3 * p, Optimal: 10 * p} }

// MACDThresholds(26,9) defaults to {35, 70, 175} per spec §4.2.
func MACDThresholds() Thresholds { return Thresholds{Minimum: 35, Warmup: 70, Optimal: 175} }

// CompositeThresholds covers the multi-timeframe composite AI analysis.
func CompositeThresholds() Thresholds { return Thresholds{Minimum: 50, Warmup: 100, Optimal: 200} }

// Classify maps a candle count to its Category under the given thresholds.
func Classify(c int, t Thresholds) Category {
	switch {
	case c < t.Minimum:
		return Insufficient
	case c < t.Warmup:
		return Minimum
	case c < t.Optimal:
		return Warmup
	default:
		return Optimal
	}
}

// Adjustment bundles the multipliers the risk pipeline applies for a
// Category (spec §4.2 table).
type Adjustment struct {
	ConfidenceMultiplier   float64
	PositionSizeMultiplier float64
	SLWidthMultiplier      float64
	MayTrade               bool
}

// AdjustmentFor returns the Adjustment for a Category.
func AdjustmentFor(cat Category) Adjustment {
	switch cat {
	case Minimum:
		return Adjustment{ConfidenceMultiplier: 0.6, PositionSizeMultiplier: 0.25, SLWidthMultiplier: 1.50, MayTrade: true}
	case Warmup:
		return Adjustment{ConfidenceMultiplier: 0.8, PositionSizeMultiplier: 0.50, SLWidthMultiplier: 1.25, MayTrade: true}
	case Optimal:
		return Adjustment{ConfidenceMultiplier: 1.0, PositionSizeMultiplier: 1.0, SLWidthMultiplier: 1.0, MayTrade: true}
	default: // Insufficient
		return Adjustment{ConfidenceMultiplier: 0, PositionSizeMultiplier: 0, SLWidthMultiplier: 0, MayTrade: false}
	}
}

// Worst returns the least-ready of two categories, used to fold per-timeframe
// readiness into the overall multi-timeframe readiness (spec §4.2: "the
// overall readiness is the minimum (worst) across consulted timeframes").
func Worst(a, b Category) Category {
	rank := map[Category]int{Insufficient: 0, Minimum: 1, Warmup: 2, Optimal: 3}
	if rank[a] <= rank[b] {
		return a
	}
	return b
}

// OverallReadiness folds a set of per-timeframe candle counts (each checked
// against the composite-analysis thresholds, the heaviest indicator the
// analyzer consults) into the single worst Category and its Adjustment.
func OverallReadiness(candleCounts []int) (Category, Adjustment) {
	thresholds := CompositeThresholds()
	if len(candleCounts) == 0 {
		return Insufficient, AdjustmentFor(Insufficient)
	}
	worst := Optimal
	for _, c := range candleCounts {
		worst = Worst(worst, Classify(c, thresholds))
	}
	return worst, AdjustmentFor(worst)
}
