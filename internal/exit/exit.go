// Package exit implements the dynamic exit controller of spec §4.7: a
// configuration-record preset interpreted by one evaluator, not a
// polymorphic hierarchy (spec §9 design note), grounded on the teacher's
// autopilot.DynamicSLTPConfig parameter-bundle pattern but re-targeted at
// this spec's six ordered exit checks.
package exit

import (
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
)

// Urgency tags an exit decision for logging/metrics only; it never changes
// the arithmetic (spec §4.7).
type Urgency string

const (
	Immediate Urgency = "immediate"
	High      Urgency = "high"
	Normal    Urgency = "normal"
	Low       Urgency = "low"
)

// Reason names which of the six checks fired.
type Reason string

const (
	ReasonStopLoss     Reason = "stop_loss"
	ReasonTakeProfit   Reason = "take_profit"
	ReasonTrailingStop Reason = "trailing_stop"
	ReasonReversal     Reason = "reversal"
	ReasonPartial      Reason = "partial_exit"
	ReasonTimeBased    Reason = "time_based"
	ReasonReanalysis   Reason = "reanalysis"
)

// Reanalyzer lets the evaluator request an out-of-cycle signal check for a
// trade's symbol (spec §4.7 step 6). ok is false when the orchestrator could
// not produce a signal this tick (e.g. a data/adapter failure), in which
// case the gate is skipped.
type Reanalyzer func(symbol domain.Symbol) (signal domain.Signal, ok bool)

// PartialLevel is one configured partial-exit rung (spec §4.7 step 4).
type PartialLevel struct {
	ThresholdPct float64
	Fraction     float64
}

// Preset bundles one trade's exit parameters, selected at open time and
// fixed for the trade's lifetime (spec §4.7 "Presets").
type Preset struct {
	Name                        string
	ActivationThresholdPct      float64
	TrailingDistancePct         float64
	ReversalWindowSize          int
	MinProfitForEarlyExitPct    float64
	PeakDropThresholdPct        float64
	RequiredConsecutiveReversal int
	PartialLevels               []PartialLevel
	MaxHoldingDuration          time.Duration
	MinProfitToHoldPct          float64
	ReanalysisInterval          time.Duration
	Disabled                    bool
}

// Conservative matches the spec §8 scenario 3/6 worked examples.
func Conservative() Preset {
	return Preset{
		Name:                        "conservative",
		ActivationThresholdPct:      1.5,
		TrailingDistancePct:         1.0,
		ReversalWindowSize:          5,
		MinProfitForEarlyExitPct:    0.8,
		PeakDropThresholdPct:        0.5,
		RequiredConsecutiveReversal: 5,
		PartialLevels:               []PartialLevel{{ThresholdPct: 2, Fraction: 0.5}, {ThresholdPct: 3, Fraction: 0.25}},
		MaxHoldingDuration:          4 * time.Hour,
		MinProfitToHoldPct:          0.5,
		ReanalysisInterval:          300 * time.Second,
	}
}

// Balanced trades faster exits for more activity.
func Balanced() Preset {
	return Preset{
		Name:                        "balanced",
		ActivationThresholdPct:      1.0,
		TrailingDistancePct:         1.2,
		ReversalWindowSize:          5,
		MinProfitForEarlyExitPct:    0.8,
		PeakDropThresholdPct:        0.5,
		RequiredConsecutiveReversal: 4,
		PartialLevels:               []PartialLevel{{ThresholdPct: 1.5, Fraction: 0.4}},
		MaxHoldingDuration:          3 * time.Hour,
		MinProfitToHoldPct:          0.3,
		ReanalysisInterval:          300 * time.Second,
	}
}

// Aggressive activates its trailing stop earliest, trails the widest, has
// the shortest maximum holding time and takes no partial exits.
func Aggressive() Preset {
	return Preset{
		Name:                        "aggressive",
		ActivationThresholdPct:      0.6,
		TrailingDistancePct:         1.5,
		ReversalWindowSize:          5,
		MinProfitForEarlyExitPct:    0.8,
		PeakDropThresholdPct:        0.5,
		RequiredConsecutiveReversal: 3,
		PartialLevels:               nil,
		MaxHoldingDuration:          2 * time.Hour,
		MinProfitToHoldPct:          0.2,
		ReanalysisInterval:          300 * time.Second,
	}
}

// Disabled turns off every exit check, hard stop-loss and take-profit
// included: Evaluate returns no Decision under this preset, so the
// monitoring task never closes such a trade.
func Disabled() Preset {
	return Preset{Name: "disabled", Disabled: true}
}

// Decision is what the evaluator hands back to the caller for a tick. A nil
// Decision means: no exit this tick.
type Decision struct {
	Reason       Reason
	Urgency      Urgency
	Fraction     float64 // 1.0 for full exits
	ExitPrice    decimal.Decimal
	BypassSlippage bool
}

// Evaluate runs the six checks, in priority order, against trade t at the
// current price. It may also mutate trailing/reversal/partial bookkeeping on
// t even when it returns no Decision, since those are monotone running state
// rather than trade economics. reanalyze may be nil, which disables step 6.
func Evaluate(preset Preset, t *domain.Trade, price decimal.Decimal, now time.Time, reanalyze Reanalyzer) *Decision {
	if preset.Disabled {
		return nil
	}

	// 1. Hard stop-loss / take-profit.
	if d := evaluateHardLevels(t, price); d != nil {
		return d
	}

	// 2. Trailing stop.
	if d := evaluateTrailingStop(preset, t, price); d != nil {
		return d
	}

	// 3. Reversal detection.
	if d := evaluateReversal(preset, t, price); d != nil {
		return d
	}

	// 4. Partial exits.
	if d := evaluatePartialExit(preset, t, price); d != nil {
		return d
	}

	// 5. Time-based exit.
	if d := evaluateTimeBased(preset, t, price, now); d != nil {
		return d
	}

	// 6. Re-analysis trigger.
	if d := evaluateReanalysis(preset, t, price, reanalyze, now); d != nil {
		return d
	}

	return nil
}

func profitPct(t *domain.Trade, price decimal.Decimal) float64 {
	sign := decimal.NewFromInt(t.Type.DirectionSign())
	diff := price.Sub(t.EntryPrice).Mul(sign)
	pct, _ := diff.Div(t.EntryPrice).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

func evaluateHardLevels(t *domain.Trade, price decimal.Decimal) *Decision {
	if t.Type == domain.Long {
		if t.StopLoss != nil && price.LessThanOrEqual(*t.StopLoss) {
			return &Decision{Reason: ReasonStopLoss, Urgency: Immediate, Fraction: 1.0, ExitPrice: *t.StopLoss, BypassSlippage: true}
		}
		if t.TakeProfit != nil && price.GreaterThanOrEqual(*t.TakeProfit) {
			return &Decision{Reason: ReasonTakeProfit, Urgency: Immediate, Fraction: 1.0, ExitPrice: *t.TakeProfit, BypassSlippage: true}
		}
		return nil
	}
	if t.StopLoss != nil && price.GreaterThanOrEqual(*t.StopLoss) {
		return &Decision{Reason: ReasonStopLoss, Urgency: Immediate, Fraction: 1.0, ExitPrice: *t.StopLoss, BypassSlippage: true}
	}
	if t.TakeProfit != nil && price.LessThanOrEqual(*t.TakeProfit) {
		return &Decision{Reason: ReasonTakeProfit, Urgency: Immediate, Fraction: 1.0, ExitPrice: *t.TakeProfit, BypassSlippage: true}
	}
	return nil
}

func evaluateTrailingStop(preset Preset, t *domain.Trade, price decimal.Decimal) *Decision {
	profit := profitPct(t, price)
	if !t.TrailingStopActive {
		if profit < preset.ActivationThresholdPct {
			return nil
		}
		t.TrailingStopActive = true
	}

	distance := decimal.NewFromFloat(preset.TrailingDistancePct / 100)
	var trail decimal.Decimal
	if t.Type == domain.Long {
		trail = t.HighestPriceSeen.Mul(decimal.NewFromInt(1).Sub(distance))
		if t.TrailingStopPrice == nil || trail.GreaterThan(*t.TrailingStopPrice) {
			t.TrailingStopPrice = &trail
		}
		if price.LessThanOrEqual(*t.TrailingStopPrice) {
			return &Decision{Reason: ReasonTrailingStop, Urgency: High, Fraction: 1.0, ExitPrice: *t.TrailingStopPrice, BypassSlippage: true}
		}
		return nil
	}

	trail = t.LowestPriceSeen.Mul(decimal.NewFromInt(1).Add(distance))
	if t.TrailingStopPrice == nil || trail.LessThan(*t.TrailingStopPrice) {
		t.TrailingStopPrice = &trail
	}
	if price.GreaterThanOrEqual(*t.TrailingStopPrice) {
		return &Decision{Reason: ReasonTrailingStop, Urgency: High, Fraction: 1.0, ExitPrice: *t.TrailingStopPrice, BypassSlippage: true}
	}
	return nil
}

func evaluateReversal(preset Preset, t *domain.Trade, price decimal.Decimal) *Decision {
	profit := profitPct(t, price)

	windowSize := preset.ReversalWindowSize
	if windowSize <= 0 {
		windowSize = 5
	}
	t.ReversalWindow = append(t.ReversalWindow, price)
	if len(t.ReversalWindow) > windowSize {
		t.ReversalWindow = t.ReversalWindow[len(t.ReversalWindow)-windowSize:]
	}

	if profit < preset.MinProfitForEarlyExitPct {
		t.ConsecutiveReversalDrop = 0
		return nil
	}

	mostFavorable := t.ReversalWindow[0]
	for _, p := range t.ReversalWindow {
		if t.Type == domain.Long && p.GreaterThan(mostFavorable) {
			mostFavorable = p
		}
		if t.Type == domain.Short && p.LessThan(mostFavorable) {
			mostFavorable = p
		}
	}

	sign := decimal.NewFromInt(t.Type.DirectionSign())
	adverseMove := mostFavorable.Sub(price).Mul(sign).Neg()
	adversePct, _ := adverseMove.Div(mostFavorable).Mul(decimal.NewFromInt(100)).Float64()
	if adversePct < 0 {
		adversePct = -adversePct
	}

	movedAgainst := false
	if t.Type == domain.Long {
		movedAgainst = price.LessThan(mostFavorable) && adversePct > preset.PeakDropThresholdPct
	} else {
		movedAgainst = price.GreaterThan(mostFavorable) && adversePct > preset.PeakDropThresholdPct
	}

	if movedAgainst {
		t.ConsecutiveReversalDrop++
	} else {
		t.ConsecutiveReversalDrop = 0
	}

	required := preset.RequiredConsecutiveReversal
	if required <= 0 {
		required = 3
	}
	if t.ConsecutiveReversalDrop >= required {
		return &Decision{Reason: ReasonReversal, Urgency: High, Fraction: 1.0, ExitPrice: price}
	}
	return nil
}

func evaluatePartialExit(preset Preset, t *domain.Trade, price decimal.Decimal) *Decision {
	profit := profitPct(t, price)
	for _, level := range preset.PartialLevels {
		if t.PartialExitLevelsHit[level.ThresholdPct] {
			continue
		}
		if profit >= level.ThresholdPct {
			t.PartialExitLevelsHit[level.ThresholdPct] = true
			return &Decision{Reason: ReasonPartial, Urgency: Normal, Fraction: level.Fraction, ExitPrice: price}
		}
	}
	return nil
}

func evaluateTimeBased(preset Preset, t *domain.Trade, price decimal.Decimal, now time.Time) *Decision {
	if preset.MaxHoldingDuration <= 0 {
		return nil
	}
	if now.Sub(t.OpenedAt) < preset.MaxHoldingDuration {
		return nil
	}
	if profitPct(t, price) >= preset.MinProfitToHoldPct {
		return nil
	}
	return &Decision{Reason: ReasonTimeBased, Urgency: Normal, Fraction: 1.0, ExitPrice: price}
}

// evaluateReanalysis re-checks the symbol's signal every ReanalysisInterval
// and exits on a contrary strong signal (spec §4.7 step 6). A nil reanalyze
// or a non-positive interval disables the gate outright, with no bookkeeping
// side effect, so trades opened under presets/configurations that never wire
// a Reanalyzer behave exactly as before this gate existed.
func evaluateReanalysis(preset Preset, t *domain.Trade, price decimal.Decimal, reanalyze Reanalyzer, now time.Time) *Decision {
	if reanalyze == nil || preset.ReanalysisInterval <= 0 {
		return nil
	}
	if !t.LastReanalysisAt.IsZero() && now.Sub(t.LastReanalysisAt) < preset.ReanalysisInterval {
		return nil
	}
	t.LastReanalysisAt = now

	signal, ok := reanalyze(t.Symbol)
	if !ok {
		return nil
	}

	contrary := (t.Type == domain.Long && signal.Direction == domain.StrongSell) ||
		(t.Type == domain.Short && signal.Direction == domain.StrongBuy)
	if !contrary {
		return nil
	}
	return &Decision{Reason: ReasonReanalysis, Urgency: Immediate, Fraction: 1.0, ExitPrice: price}
}

// PresetByName resolves a configured preset name to its parameter bundle.
func PresetByName(name string) Preset {
	switch name {
	case "conservative":
		return Conservative()
	case "aggressive":
		return Aggressive()
	case "disabled":
		return Disabled()
	default:
		return Balanced()
	}
}
