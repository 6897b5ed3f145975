// Package risk implements the 13-gate sizing and admission pipeline of spec
// §4.4: a Signal becomes a candidate fill request only after clearing every
// gate in order, each rejection carrying a structured rule name rather than
// being thrown as an exception (spec §9 "Exceptions as control flow").
package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"papertrader/config"
	"papertrader/internal/analyzer"
	"papertrader/internal/domain"
	"papertrader/internal/readiness"
	"papertrader/internal/reliability"
)

// Rule names the failure taxonomy of spec §4.4.
type Rule string

const (
	TradingDisabled       Rule = "TradingDisabled"
	CircuitBreakerTripped Rule = "CircuitBreakerTripped"
	InCooldown            Rule = "InCooldown"
	InsufficientData      Rule = "InsufficientData"
	LowConfidence         Rule = "LowConfidence"
	NotActionable         Rule = "NotActionable"
	MaxPositions          Rule = "MaxPositions"
	CorrelationExceeded   Rule = "CorrelationExceeded"
	InsufficientMargin    Rule = "InsufficientMargin"
	BelowMinimumQuantity  Rule = "BelowMinimumQuantity"
)

// Rejection is the structured, non-exceptional outcome of a failed gate.
type Rejection struct {
	Rule    Rule
	Detail  string
	Values  map[string]string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk: rejected by %s: %s", r.Rule, r.Detail)
}

func reject(rule Rule, detail string, values map[string]string) *Rejection {
	return &Rejection{Rule: rule, Detail: detail, Values: values}
}

// PortfolioView is the read-only slice of portfolio state the pipeline
// consults, kept narrow so risk has no write access (spec §9 single-writer).
type PortfolioView struct {
	Equity            decimal.Decimal
	DailyPnL          decimal.Decimal
	FreeMargin        decimal.Decimal
	CoolDownUntil     time.Time
	OpenTradeCount    int
	CorrelatedOpenDir func(dir domain.TradeType, symbol domain.Symbol) int // count of same-direction, correlated open trades
}

// CandleContext carries what gate 9 needs to derive a stop-loss.
type CandleContext struct {
	Candles      []domain.Candle // most recent first-to-last, same timeframe as entry
	CandleCounts []int           // one count per consulted timeframe, for gate 4
}

// FillRequest is gate 13's output: everything the execution simulator needs.
type FillRequest struct {
	Symbol     domain.Symbol
	Type       domain.TradeType
	Entry      decimal.Decimal
	Quantity   decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Confidence float64
}

// Params bundles the pipeline's tunables, sourced from config.
type Params struct {
	TradingEnabled         bool
	MinConfidence          float64
	MaxPositions           int
	RiskPercentagePerTrade float64
	DefaultQuantity        decimal.Decimal
	Leverage               int
	ExchangeMinimumQty     decimal.Decimal
	// Logger receives gate 10's stop-too-tight warning (spec §4.4 gate 10,
	// §8 "stop_loss_pct < 0.5% substitutes 2.0% and logs a warning"). A nil
	// Logger disables the warning rather than panicking on a zero-value
	// zerolog.Logger.
	Logger *zerolog.Logger
}

func correlationMultiplier(n int) (float64, bool) {
	switch {
	case n <= 0:
		return 1.0, true
	case n == 1:
		return 0.7, true
	case n == 2:
		return 0.5, true
	default:
		return 0, false
	}
}

// Evaluate runs the full 13-gate pipeline and returns a FillRequest or a
// typed Rejection. breaker and view must reflect the latest mark-to-market.
func Evaluate(
	params Params,
	breaker *reliability.Breaker,
	view PortfolioView,
	signal domain.Signal,
	cc CandleContext,
	now time.Time,
) (*FillRequest, *Rejection) {
	return evaluate(params, breaker, view, signal, cc, now, false)
}

// EvaluateManual runs execute_manual_trade's admission path (spec §6.3):
// gates (4) data-readiness, (5) confidence and (6) actionable-direction are
// bypassed since the caller supplies symbol/type directly, but gate (2) the
// circuit breaker is NOT bypassed (spec §9 open question (c), resolved as
// reject). tradeType comes from the manual request and confidence is fixed
// at 1.0; neither comes from an analyzer signal.
func EvaluateManual(
	params Params,
	breaker *reliability.Breaker,
	view PortfolioView,
	symbol domain.Symbol,
	tradeType domain.TradeType,
	cc CandleContext,
	now time.Time,
) (*FillRequest, *Rejection) {
	dir := domain.Buy
	if tradeType == domain.Short {
		dir = domain.Sell
	}
	signal := domain.Signal{Symbol: symbol, Direction: dir, Confidence: 1.0, IssuedAt: now}
	return evaluate(params, breaker, view, signal, cc, now, true)
}

func evaluate(
	params Params,
	breaker *reliability.Breaker,
	view PortfolioView,
	signal domain.Signal,
	cc CandleContext,
	now time.Time,
	manual bool,
) (*FillRequest, *Rejection) {
	// Gate 1: trading enabled.
	if !params.TradingEnabled {
		return nil, reject(TradingDisabled, "trading is disabled by configuration", nil)
	}

	// Gate 2: circuit breaker. Refresh against decision-time equity/daily PnL
	// before checking, since the portfolio's last mark may be stale relative
	// to this signal (spec §4.4 gate 2). Never bypassed, even for manual
	// trades.
	if err := breaker.Update(view.Equity, view.DailyPnL); err != nil {
		return nil, reject(CircuitBreakerTripped, err.Error(), nil)
	}
	if !breaker.CanTrade() {
		tripped, reason, _, _ := breaker.Snapshot()
		if tripped {
			return nil, reject(CircuitBreakerTripped, reason, nil)
		}
	}

	// Gate 3: cooldown.
	if now.Before(view.CoolDownUntil) {
		return nil, reject(InCooldown, fmt.Sprintf("cool_down_until=%s", view.CoolDownUntil), nil)
	}

	adj := readiness.AdjustmentFor(readiness.Optimal)
	if !manual {
		// Gate 4: data readiness across consulted timeframes.
		var overallCat readiness.Category
		overallCat, adj = readiness.OverallReadiness(cc.CandleCounts)
		if overallCat == readiness.Insufficient || !adj.MayTrade {
			return nil, reject(InsufficientData, fmt.Sprintf("overall readiness category=%s", overallCat), nil)
		}
	}

	// Gate 5: confidence threshold, after the readiness confidence penalty.
	adjustedConfidence := signal.Confidence * adj.ConfidenceMultiplier
	if !manual && adjustedConfidence < params.MinConfidence {
		return nil, reject(LowConfidence, fmt.Sprintf("adjusted_confidence=%.4f < min_confidence=%.4f", adjustedConfidence, params.MinConfidence), nil)
	}

	// Gate 6: actionable direction.
	tradeType, ok := domain.ActionableType(signal.Direction)
	if !manual && !ok {
		return nil, reject(NotActionable, fmt.Sprintf("direction=%s is not actionable", signal.Direction), nil)
	}

	// Gate 7: max positions.
	if view.OpenTradeCount >= params.MaxPositions {
		return nil, reject(MaxPositions, fmt.Sprintf("open=%d >= max=%d", view.OpenTradeCount, params.MaxPositions), nil)
	}

	// Gate 8: correlation limit.
	n := 0
	if view.CorrelatedOpenDir != nil {
		n = view.CorrelatedOpenDir(tradeType, signal.Symbol)
	}
	corrMult, admitted := correlationMultiplier(n)
	if !admitted {
		return nil, reject(CorrelationExceeded, fmt.Sprintf("%d same-direction correlated trades already open", n), nil)
	}

	entry := decimal.Zero
	if signal.SuggestedEntry != nil {
		entry = *signal.SuggestedEntry
	} else if len(cc.Candles) > 0 {
		entry = cc.Candles[len(cc.Candles)-1].Close
	}
	if entry.IsZero() {
		return nil, reject(InsufficientData, "no entry price available", nil)
	}

	// Gate 9: stop-loss derivation.
	var slDistance decimal.Decimal
	if signal.SuggestedStopLoss != nil {
		slDistance = entry.Sub(*signal.SuggestedStopLoss).Abs()
	} else if atr, ok := analyzer.ATR(cc.Candles, 14); ok {
		slDistance = atr.Mul(decimal.NewFromFloat(1.5))
	} else {
		slDistance = entry.Mul(decimal.NewFromFloat(0.035))
	}
	// Widen the stop under degraded readiness (spec §4.2's SL-width multiplier
	// column), so gate 10's floor and gates 11-12's downstream derivations all
	// see the widened distance.
	slDistance = slDistance.Mul(decimal.NewFromFloat(adj.SLWidthMultiplier))

	var stopLoss decimal.Decimal
	if tradeType == domain.Long {
		stopLoss = entry.Sub(slDistance)
	} else {
		stopLoss = entry.Add(slDistance)
	}

	// Gate 10: stop-loss floor.
	stopLossPct, _ := slDistance.Div(entry).Mul(decimal.NewFromInt(100)).Float64()
	if stopLossPct < 0.5 {
		if params.Logger != nil {
			params.Logger.Warn().
				Str("symbol", string(signal.Symbol)).
				Float64("stop_loss_pct", stopLossPct).
				Msg("stop_loss_pct below 0.5% floor; substituting 2.0%")
		}
		stopLossPct = 2.0
		slDistance = entry.Mul(decimal.NewFromFloat(0.02))
		if tradeType == domain.Long {
			stopLoss = entry.Sub(slDistance)
		} else {
			stopLoss = entry.Add(slDistance)
		}
	}

	// Gate 11: take-profit derivation (2:1 reward:risk by default).
	var takeProfit decimal.Decimal
	if signal.SuggestedTakeProfit != nil {
		takeProfit = *signal.SuggestedTakeProfit
	} else {
		tpDistance := slDistance.Mul(decimal.NewFromInt(2))
		if tradeType == domain.Long {
			takeProfit = entry.Add(tpDistance)
		} else {
			takeProfit = entry.Sub(tpDistance)
		}
	}

	// Gate 12: position sizing.
	riskAmount := view.Equity.Mul(decimal.NewFromFloat(params.RiskPercentagePerTrade / 100))
	positionValue := riskAmount.Div(decimal.NewFromFloat(stopLossPct / 100))
	positionValue = positionValue.Mul(decimal.NewFromFloat(adj.PositionSizeMultiplier)).Mul(decimal.NewFromFloat(corrMult))
	quantity := positionValue.Div(entry)

	capEquity := decimal.NewFromFloat(0.2).Mul(view.Equity).Div(entry)
	if quantity.GreaterThan(capEquity) {
		quantity = capEquity
	}
	capDefault := params.DefaultQuantity.Mul(decimal.NewFromInt(5))
	if quantity.GreaterThan(capDefault) {
		quantity = capDefault
	}
	leverage := params.Leverage
	if leverage < 1 {
		leverage = 1
	}
	capMargin := view.FreeMargin.Mul(decimal.NewFromFloat(0.95)).Mul(decimal.NewFromInt(int64(leverage))).Div(entry)
	marginLimited := false
	if quantity.GreaterThan(capMargin) {
		quantity = capMargin
		marginLimited = true
	}

	floor := params.DefaultQuantity.Mul(decimal.NewFromFloat(0.1))
	if quantity.LessThan(floor) {
		quantity = floor
	}

	if marginLimited && quantity.LessThanOrEqual(decimal.Zero) {
		return nil, reject(InsufficientMargin, fmt.Sprintf("free_margin=%s insufficient for entry=%s", view.FreeMargin, entry), nil)
	}
	if quantity.LessThan(params.ExchangeMinimumQty) {
		return nil, reject(BelowMinimumQuantity, fmt.Sprintf("quantity=%s < exchange_minimum=%s", quantity, params.ExchangeMinimumQty), nil)
	}

	// Gate 13: emit.
	return &FillRequest{
		Symbol:     signal.Symbol,
		Type:       tradeType,
		Entry:      entry,
		Quantity:   quantity,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Confidence: adjustedConfidence,
	}, nil
}

// ParamsFromConfig builds Params from the loaded configuration. logger may be
// nil, which silences gate 10's stop-too-tight warning.
func ParamsFromConfig(cfg config.TradingConfig, exchangeMinimumQty decimal.Decimal, logger *zerolog.Logger) Params {
	return Params{
		TradingEnabled:         cfg.Enabled,
		MinConfidence:          cfg.MinConfidence,
		MaxPositions:           cfg.MaxPositions,
		RiskPercentagePerTrade: cfg.RiskPercentagePerTrade,
		DefaultQuantity:        decimal.NewFromFloat(cfg.DefaultQuantity),
		Leverage:               cfg.Leverage,
		ExchangeMinimumQty:     exchangeMinimumQty,
		Logger:                 logger,
	}
}
