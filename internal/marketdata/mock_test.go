package marketdata

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrader/internal/domain"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestGetLatestPrice_ReturnsSeededPrice(t *testing.T) {
	m := NewMockAdapter(1, map[domain.Symbol]decimal.Decimal{"BTCUSDT": d(100)})
	quote, err := m.GetLatestPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, quote.Price.Equal(d(100)))
}

func TestGetLatestPrice_UnknownSymbolErrors(t *testing.T) {
	m := NewMockAdapter(1, map[domain.Symbol]decimal.Decimal{"BTCUSDT": d(100)})
	_, err := m.GetLatestPrice(context.Background(), "ETHUSDT")
	assert.Error(t, err)
}

func TestSetPrice_OverridesStoredPrice(t *testing.T) {
	m := NewMockAdapter(1, map[domain.Symbol]decimal.Decimal{"BTCUSDT": d(100)})
	m.SetPrice("BTCUSDT", d(250))
	quote, err := m.GetLatestPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, quote.Price.Equal(d(250)))
}

func TestStep_KeepsPriceWithinConfiguredMove(t *testing.T) {
	m := NewMockAdapter(7, map[domain.Symbol]decimal.Decimal{"BTCUSDT": d(100)})
	m.Step(1.0) // max 1% move
	quote, err := m.GetLatestPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	lo, _ := d(99).Float64()
	hi, _ := d(101).Float64()
	got, _ := quote.Price.Float64()
	assert.GreaterOrEqual(t, got, lo)
	assert.LessOrEqual(t, got, hi)
}

func TestStep_NeverDrivesPriceNonPositive(t *testing.T) {
	m := NewMockAdapter(3, map[domain.Symbol]decimal.Decimal{"BTCUSDT": d(0.0001)})
	for i := 0; i < 50; i++ {
		m.Step(50)
	}
	quote, _ := m.GetLatestPrice(context.Background(), "BTCUSDT")
	assert.True(t, quote.Price.IsPositive())
}

func TestGetKlines_ReturnsRequestedCountOldestFirst(t *testing.T) {
	m := NewMockAdapter(1, map[domain.Symbol]decimal.Decimal{"BTCUSDT": d(100)})
	candles, err := m.GetKlines(context.Background(), "BTCUSDT", domain.TF1h, 20)
	require.NoError(t, err)
	require.Len(t, candles, 20)
	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i].CloseTime.After(candles[i-1].CloseTime))
	}
}

func TestGetKlines_HighLowBoundOpenAndClose(t *testing.T) {
	m := NewMockAdapter(1, map[domain.Symbol]decimal.Decimal{"BTCUSDT": d(100)})
	candles, err := m.GetKlines(context.Background(), "BTCUSDT", domain.TF5m, 10)
	require.NoError(t, err)
	for _, c := range candles {
		assert.True(t, c.High.GreaterThanOrEqual(c.Open))
		assert.True(t, c.High.GreaterThanOrEqual(c.Close))
		assert.True(t, c.Low.LessThanOrEqual(c.Open))
		assert.True(t, c.Low.LessThanOrEqual(c.Close))
	}
}

func TestGetKlines_UnknownSymbolErrors(t *testing.T) {
	m := NewMockAdapter(1, map[domain.Symbol]decimal.Decimal{"BTCUSDT": d(100)})
	_, err := m.GetKlines(context.Background(), "ETHUSDT", domain.TF1h, 5)
	assert.Error(t, err)
}

func TestFundingRate_ReturnsZero(t *testing.T) {
	m := NewMockAdapter(1, map[domain.Symbol]decimal.Decimal{"BTCUSDT": d(100)})
	rate, err := m.FundingRate(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, rate.IsZero())
}
