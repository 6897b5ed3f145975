package reliability

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestBreaker_TripsOnDailyLoss(t *testing.T) {
	b := NewBreaker(BreakerConfig{Enabled: true, MaxDailyLossPct: 5, MaxDrawdownFromPeakPct: 50})
	require.NoError(t, b.Update(d(10000), d(0)))

	err := b.Update(d(9400), d(-600)) // 6% daily loss > 5% threshold
	require.Error(t, err)
	var tripErr *TripError
	require.ErrorAs(t, err, &tripErr)
	assert.False(t, b.CanTrade())
}

func TestBreaker_TripsOnDrawdownFromPeak(t *testing.T) {
	b := NewBreaker(BreakerConfig{Enabled: true, MaxDailyLossPct: 50, MaxDrawdownFromPeakPct: 10})
	require.NoError(t, b.Update(d(10000), d(0)))
	require.NoError(t, b.Update(d(10500), d(500))) // new peak

	err := b.Update(d(9300), d(-1200)) // drawdown from peak 10500 -> ~11.4%
	require.Error(t, err)
	assert.False(t, b.CanTrade())
}

func TestBreaker_StaysTrippedUntilReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{Enabled: true, MaxDailyLossPct: 5, MaxDrawdownFromPeakPct: 50})
	require.NoError(t, b.Update(d(10000), d(0)))
	require.Error(t, b.Update(d(9000), d(-1000)))

	// Even a recovering equity update still reports tripped.
	err := b.Update(d(9999), d(-1))
	require.Error(t, err)
	assert.False(t, b.CanTrade())

	b.Reset()
	assert.True(t, b.CanTrade())
	require.NoError(t, b.Update(d(9999), d(0)))
}

func TestBreaker_DisabledNeverTrips(t *testing.T) {
	b := NewBreaker(BreakerConfig{Enabled: false, MaxDailyLossPct: 1, MaxDrawdownFromPeakPct: 1})
	require.NoError(t, b.Update(d(10000), d(0)))
	require.NoError(t, b.Update(d(1), d(-9999)))
	assert.True(t, b.CanTrade())
}

func TestBreaker_RolloverDailyClearsAccumOncePerDateKey(t *testing.T) {
	b := NewBreaker(BreakerConfig{Enabled: true, MaxDailyLossPct: 50, MaxDrawdownFromPeakPct: 50})
	require.NoError(t, b.Update(d(10000), d(-200)))
	_, _, _, accum := b.Snapshot()
	assert.True(t, accum.Equal(d(-200)))

	b.RolloverDaily("2026-07-29")
	_, _, _, accum = b.Snapshot()
	assert.True(t, accum.IsZero())

	// Same date key again is a no-op even if accum was since updated directly.
	b.RolloverDaily("2026-07-29")
	_, _, _, accum = b.Snapshot()
	assert.True(t, accum.IsZero())
}

func TestBreaker_DailyLossPctDividesByPeakEquityNotCurrentEquity(t *testing.T) {
	// Peak is 20000. A $1000 daily loss against that peak is 5%, under a 6%
	// threshold. Dividing by current equity (10000) instead would read 10%
	// and wrongly trip.
	b := NewBreaker(BreakerConfig{Enabled: true, MaxDailyLossPct: 6, MaxDrawdownFromPeakPct: 90})
	require.NoError(t, b.Update(d(20000), d(0)))
	err := b.Update(d(10000), d(-1000))
	require.NoError(t, err)
	assert.True(t, b.CanTrade())
}

func TestBreaker_UpdateConfigSwapsThresholds(t *testing.T) {
	b := NewBreaker(BreakerConfig{Enabled: true, MaxDailyLossPct: 50, MaxDrawdownFromPeakPct: 50})
	require.NoError(t, b.Update(d(10000), d(0)))
	require.NoError(t, b.Update(d(9700), d(-300))) // 3% loss, under 50% threshold

	b.UpdateConfig(BreakerConfig{Enabled: true, MaxDailyLossPct: 2, MaxDrawdownFromPeakPct: 50})
	err := b.Update(d(9600), d(-400)) // 400/peak(10000) = 4% loss now exceeds the new 2% threshold
	require.Error(t, err)
}
