package analyzer

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
)

// TechnicalProducer is the reference signalsource.Producer implementation:
// for each timeframe it runs an EMA(12)/EMA(26) trend read adjusted by
// RSI(14) momentum, ported from the teacher's strategy.DetectTrend/
// CalculateRSI combination (internal/strategy/indicators.go), then folds the
// per-timeframe votes through Combine. It requires no network access beyond
// the candles it is handed, so it needs no ctx cancellation of its own.
type TechnicalProducer struct {
	FastPeriod int
	SlowPeriod int
	RSIPeriod  int
}

// NewTechnicalProducer builds a producer with the teacher's standard
// 12/26/14 periods.
func NewTechnicalProducer() *TechnicalProducer {
	return &TechnicalProducer{FastPeriod: 12, SlowPeriod: 26, RSIPeriod: 14}
}

// Analyze implements signalsource.Producer.
func (p *TechnicalProducer) Analyze(_ context.Context, symbol domain.Symbol, candlesByTimeframe map[domain.Timeframe][]domain.Candle) (domain.Signal, error) {
	now := latestTimestamp(candlesByTimeframe)
	subSignals := make([]domain.TimeframeSignal, 0, len(candlesByTimeframe))
	for tf, candles := range candlesByTimeframe {
		subSignals = append(subSignals, p.timeframeSignal(tf, candles))
	}
	signal := Combine(symbol, subSignals, now)
	return signal, nil
}

// timeframeSignal derives one timeframe's vote from EMA separation and RSI
// momentum. Too few candles for the slow EMA yields a neutral Hold vote at
// zero confidence rather than an error: the risk pipeline's data-readiness
// gate is the authority on whether a symbol may trade, not the analyzer.
func (p *TechnicalProducer) timeframeSignal(tf domain.Timeframe, candles []domain.Candle) domain.TimeframeSignal {
	fast, ok := EMA(candles, p.FastPeriod)
	if !ok {
		return domain.TimeframeSignal{Timeframe: tf, Direction: domain.Hold, Confidence: 0}
	}
	slow, ok := EMA(candles, p.SlowPeriod)
	if !ok {
		return domain.TimeframeSignal{Timeframe: tf, Direction: domain.Hold, Confidence: 0}
	}

	last := candles[len(candles)-1].Close
	if last.IsZero() {
		return domain.TimeframeSignal{Timeframe: tf, Direction: domain.Hold, Confidence: 0}
	}
	separationPct := fast.Sub(slow).Div(last).Mul(decimal.NewFromInt(100))
	sep, _ := separationPct.Float64()

	rsi := RSI(candles, p.RSIPeriod)
	rsiVal, _ := rsi.Float64()

	direction, strength := trendFromSeparationAndRSI(sep, rsiVal)
	return domain.TimeframeSignal{Timeframe: tf, Direction: direction, Confidence: strength}
}

// trendFromSeparationAndRSI maps EMA separation (percent of price) and RSI
// into a direction and a [0,1] confidence. A wider EMA gap means a stronger
// trend; RSI above 70 or below 30 reinforces momentum in the trend's
// direction and dampens a countertrend read.
func trendFromSeparationAndRSI(separationPct, rsi float64) (domain.Direction, float64) {
	magnitude := separationPct
	if magnitude < 0 {
		magnitude = -magnitude
	}
	// 1% EMA separation maps to full confidence; wider gaps clamp at 1.0.
	confidence := magnitude / 1.0
	if confidence > 1 {
		confidence = 1
	}

	bullish := separationPct > 0
	momentum := 0.0
	switch {
	case rsi >= 70:
		momentum = 1
	case rsi <= 30:
		momentum = -1
	}
	if bullish && momentum > 0 {
		confidence = confidence*0.7 + 0.3
	} else if !bullish && momentum < 0 {
		confidence = confidence*0.7 + 0.3
	} else if (bullish && momentum < 0) || (!bullish && momentum > 0) {
		confidence *= 0.5
	}
	if confidence > 1 {
		confidence = 1
	}

	var direction domain.Direction
	switch {
	case bullish && confidence >= 0.6:
		direction = domain.StrongBuy
	case bullish && confidence >= 0.2:
		direction = domain.Buy
	case !bullish && confidence >= 0.6:
		direction = domain.StrongSell
	case !bullish && confidence >= 0.2:
		direction = domain.Sell
	default:
		direction = domain.Hold
		confidence = 0
	}
	return direction, confidence
}

func latestTimestamp(byTF map[domain.Timeframe][]domain.Candle) time.Time {
	var latest time.Time
	for _, candles := range byTF {
		if len(candles) == 0 {
			continue
		}
		t := candles[len(candles)-1].CloseTime
		if t.After(latest) {
			latest = t
		}
	}
	if latest.IsZero() {
		return time.Now()
	}
	return latest
}
