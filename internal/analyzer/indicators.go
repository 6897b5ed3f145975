package analyzer

import (
	"papertrader/internal/domain"

	"github.com/shopspring/decimal"
)

// ATR computes the Average True Range over the trailing period candles,
// ported from the teacher's strategy.CalculateATR (float64 true-range max of
// three terms) to decimal arithmetic so it composes with the risk pipeline's
// exact stop-loss math. Returns (atr, ok); ok is false when fewer than
// period+1 candles are available, matching the teacher's zero-return guard.
func ATR(candles []domain.Candle, period int) (decimal.Decimal, bool) {
	if len(candles) < period+1 {
		return decimal.Zero, false
	}
	trSum := decimal.Zero
	start := len(candles) - period
	for i := start; i < len(candles); i++ {
		high, low, prevClose := candles[i].High, candles[i].Low, candles[i-1].Close
		tr := high.Sub(low)
		if d := high.Sub(prevClose).Abs(); d.GreaterThan(tr) {
			tr = d
		}
		if d := low.Sub(prevClose).Abs(); d.GreaterThan(tr) {
			tr = d
		}
		trSum = trSum.Add(tr)
	}
	return trSum.Div(decimal.NewFromInt(int64(period))), true
}

// SMA computes the simple moving average of the trailing period closes,
// ported from the teacher's strategy.CalculateSMA.
func SMA(candles []domain.Candle, period int) (decimal.Decimal, bool) {
	if len(candles) < period {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	start := len(candles) - period
	for i := start; i < len(candles); i++ {
		sum = sum.Add(candles[i].Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), true
}

// EMA computes the exponential moving average over period, seeded by the
// SMA of the first window, ported from the teacher's strategy.CalculateEMA.
func EMA(candles []domain.Candle, period int) (decimal.Decimal, bool) {
	if len(candles) < period {
		return decimal.Zero, false
	}
	seed, ok := SMA(candles[:period], period)
	if !ok {
		return decimal.Zero, false
	}
	multiplier := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))
	one := decimal.NewFromInt(1)
	ema := seed
	for i := period; i < len(candles); i++ {
		ema = candles[i].Close.Mul(multiplier).Add(ema.Mul(one.Sub(multiplier)))
	}
	return ema, true
}

// RSI computes the Relative Strength Index over period, ported from the
// teacher's strategy.CalculateRSI. Returns 50 (neutral) when too few
// candles are available, matching the teacher's guard.
func RSI(candles []domain.Candle, period int) decimal.Decimal {
	if len(candles) < period+1 {
		return decimal.NewFromInt(50)
	}
	gains, losses := decimal.Zero, decimal.Zero
	start := len(candles) - period
	for i := start; i < len(candles); i++ {
		change := candles[i].Close.Sub(candles[i-1].Close)
		if change.IsPositive() {
			gains = gains.Add(change)
		} else {
			losses = losses.Add(change.Neg())
		}
	}
	periodD := decimal.NewFromInt(int64(period))
	avgGain := gains.Div(periodD)
	avgLoss := losses.Div(periodD)
	if avgLoss.IsZero() {
		return decimal.NewFromInt(100)
	}
	rs := avgGain.Div(avgLoss)
	hundred := decimal.NewFromInt(100)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
}
