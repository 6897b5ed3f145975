package marketdata

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
)

// MockAdapter drives reproducible simulated prices from a seeded PRNG,
// grounded on the teacher's binance.MockClient random-walk pattern but
// re-keyed to decimal.Decimal and this spec's Adapter interface.
type MockAdapter struct {
	mu     sync.RWMutex
	rand   *rand.Rand
	prices map[domain.Symbol]decimal.Decimal
}

// NewMockAdapter seeds every symbol at its starting price.
func NewMockAdapter(seed int64, starting map[domain.Symbol]decimal.Decimal) *MockAdapter {
	prices := make(map[domain.Symbol]decimal.Decimal, len(starting))
	for k, v := range starting {
		prices[k] = v
	}
	return &MockAdapter{rand: rand.New(rand.NewSource(seed)), prices: prices}
}

// Step advances every tracked symbol's price by a small random walk.
func (m *MockAdapter) Step(maxMovePct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sym, p := range m.prices {
		move := (m.rand.Float64()*2 - 1) * maxMovePct / 100
		next := p.Mul(decimal.NewFromFloat(1 + move))
		if next.IsPositive() {
			m.prices[sym] = next
		}
	}
}

// SetPrice force-sets a symbol's price, used by tests driving exact paths.
func (m *MockAdapter) SetPrice(symbol domain.Symbol, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

func (m *MockAdapter) GetLatestPrice(ctx context.Context, symbol domain.Symbol) (PriceQuote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[symbol]
	if !ok {
		return PriceQuote{}, fmt.Errorf("marketdata: unknown symbol %s", symbol)
	}
	return PriceQuote{Price: p, ServerTime: time.Now()}, nil
}

// GetKlines synthesizes limit candles ending at the current price, oldest
// first, sized by tf's nominal duration.
func (m *MockAdapter) GetKlines(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	m.mu.RLock()
	last, ok := m.prices[symbol]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("marketdata: unknown symbol %s", symbol)
	}

	dur := timeframeDuration(tf)
	now := time.Now()
	out := make([]domain.Candle, limit)
	price := last
	for i := limit - 1; i >= 0; i-- {
		move := (m.rand.Float64()*2 - 1) * 0.005
		open := price.Mul(decimal.NewFromFloat(1 - move))
		high := decimal.Max(open, price).Mul(decimal.NewFromFloat(1.001))
		low := decimal.Min(open, price).Mul(decimal.NewFromFloat(0.999))
		closeTime := now.Add(-time.Duration(i) * dur)
		out[limit-1-i] = domain.Candle{
			Open:        open,
			High:        high,
			Low:         low,
			Close:       price,
			Volume:      decimal.NewFromFloat(1000),
			QuoteVolume: price.Mul(decimal.NewFromFloat(1000)),
			OpenTime:    closeTime.Add(-dur),
			CloseTime:   closeTime,
		}
		price = open
	}
	return out, nil
}

func (m *MockAdapter) FundingRate(ctx context.Context, symbol domain.Symbol) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func timeframeDuration(tf domain.Timeframe) time.Duration {
	switch tf {
	case domain.TF1m:
		return time.Minute
	case domain.TF3m:
		return 3 * time.Minute
	case domain.TF5m:
		return 5 * time.Minute
	case domain.TF15m:
		return 15 * time.Minute
	case domain.TF30m:
		return 30 * time.Minute
	case domain.TF1h:
		return time.Hour
	case domain.TF4h:
		return 4 * time.Hour
	case domain.TF1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}
