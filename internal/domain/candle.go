// Package domain holds the core data model of the trading engine: candles,
// price ticks, signals and trades. Financial
// fields use shopspring/decimal so that the invariants in spec §8 hold
// exactly rather than up to binary-float rounding; ratios and confidence
// scores stay float64.
package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is an opaque, case-sensitive exchange identifier (e.g. "BTCUSDT").
type Symbol string

// Timeframe is one of the candle intervals the system understands.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// Weight implements the weighting table of spec §4.3: longer
// timeframes dominate the combined signal score. Unknown timeframes default
// to weight 1.
func (t Timeframe) Weight() int {
	switch t {
	case TF1m:
		return 1
	case TF5m:
		return 2
	case TF15m:
		return 3
	case TF1h:
		return 4
	case TF4h:
		return 5
	case TF1d:
		return 6
	default:
		return 1
	}
}

// Candle is an OHLCV record over a fixed time bucket (spec §3).
type Candle struct {
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
	OpenTime    time.Time
	CloseTime   time.Time
}

// Validate enforces the candle invariants: strictly positive, finite prices
// of at least 0.01, finite non-negative volumes, and low <= open,close <= high.
func (c Candle) Validate() error {
	for name, v := range map[string]decimal.Decimal{"open": c.Open, "high": c.High, "low": c.Low, "close": c.Close} {
		if v.LessThan(decimal.NewFromFloat(0.01)) {
			return fmt.Errorf("domain: candle %s price %s below floor 0.01", name, v)
		}
	}
	if c.Volume.IsNegative() || c.QuoteVolume.IsNegative() {
		return fmt.Errorf("domain: candle volumes must be non-negative")
	}
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) || c.Low.GreaterThan(c.High) {
		return fmt.Errorf("domain: candle invariant violated: low must be <= open, close, high")
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) {
		return fmt.Errorf("domain: candle invariant violated: high must be >= open, close")
	}
	return nil
}

// PriceTick is a single observed price for a symbol (spec §3).
type PriceTick struct {
	Symbol     Symbol
	Price      decimal.Decimal
	ReceivedAt time.Time
}

// ParsePrice validates a raw decimal string price per the boundary
// behaviors of spec §8: rejects zero, negative, NaN, +/-Infinity, below
// 0.01, and non-numeric strings.
func ParsePrice(raw string) (decimal.Decimal, error) {
	f, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("domain: price %q is not numeric: %w", raw, err)
	}
	return ValidatePrice(f)
}

// ValidatePrice applies the same floor/positivity checks to an
// already-parsed decimal, used for prices arriving as float64 from a
// streaming source.
func ValidatePrice(f decimal.Decimal) (decimal.Decimal, error) {
	asFloat, _ := f.Float64()
	if math.IsNaN(asFloat) || math.IsInf(asFloat, 0) {
		return decimal.Zero, fmt.Errorf("domain: price is NaN or infinite")
	}
	if !f.IsPositive() {
		return decimal.Zero, fmt.Errorf("domain: price must be strictly positive, got %s", f)
	}
	if f.LessThan(decimal.NewFromFloat(0.01)) {
		return decimal.Zero, fmt.Errorf("domain: price %s is below the 0.01 floor", f)
	}
	return f, nil
}

// CandleBuffer is a fixed-capacity ring of the most recent candles for a
// (symbol, timeframe) pair (spec §3). It is exclusively owned by the
// market-data component; consumers receive immutable snapshots via Snapshot.
type CandleBuffer struct {
	Symbol    Symbol
	Timeframe Timeframe
	capacity  int
	candles   []Candle // oldest first, bounded to capacity
}

// DefaultCandleBufferCapacity holds more than the heaviest indicator's
// optimal window (composite AI analysis, 200 candles, spec §4.2).
const DefaultCandleBufferCapacity = 300

// NewCandleBuffer creates an empty ring with the given capacity.
func NewCandleBuffer(symbol Symbol, tf Timeframe, capacity int) *CandleBuffer {
	if capacity <= 0 {
		capacity = DefaultCandleBufferCapacity
	}
	return &CandleBuffer{Symbol: symbol, Timeframe: tf, capacity: capacity}
}

// Append adds a newly closed candle, evicting the oldest once capacity is
// exceeded.
func (b *CandleBuffer) Append(c Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}
	b.candles = append(b.candles, c)
	if len(b.candles) > b.capacity {
		b.candles = b.candles[len(b.candles)-b.capacity:]
	}
	return nil
}

// Snapshot returns an immutable copy of the buffered candles, oldest first.
func (b *CandleBuffer) Snapshot() []Candle {
	out := make([]Candle, len(b.candles))
	copy(out, b.candles)
	return out
}

// Len returns the number of candles currently buffered.
func (b *CandleBuffer) Len() int {
	return len(b.candles)
}
