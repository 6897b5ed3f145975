package execution

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrader/config"
	"papertrader/internal/domain"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func noFrictionConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		FeeRateBps:           10, // 0.1%
		FundingIntervalHours: 8,
	}
}

func TestFill_NoFrictionReturnsRequestedPriceAndFullQuantity(t *testing.T) {
	s := New(noFrictionConfig(), 1)
	req := FillRequest{
		Symbol: "BTCUSDT", Type: domain.Long, RequestedEntry: d(100), Quantity: d(2),
		Leverage: 5, FreeMargin: d(10000),
	}
	report, err := s.Fill(req, d(100), time.Now())
	require.NoError(t, err)
	assert.True(t, report.FillPrice.Equal(d(100)))
	assert.True(t, report.FilledQuantity.Equal(d(2)))
	assert.False(t, report.WasPartialFill)
	assert.Equal(t, int64(0), report.FillLatencyMs)
	assert.Equal(t, 0.0, report.SlippageBps)
	assert.True(t, report.FeesPaid.Equal(d(0.2))) // 200 notional * 0.001
	assert.True(t, report.RequiredMargin.Equal(d(40)))
}

func TestFill_SlippageWidensEntryAgainstTheTrader(t *testing.T) {
	cfg := noFrictionConfig()
	cfg.SimulateSlippage = true
	cfg.MaxSlippageBps = 50
	s := New(cfg, 1)

	longReport, err := s.Fill(FillRequest{Type: domain.Long, RequestedEntry: d(100), Quantity: d(1), Leverage: 1, FreeMargin: d(10000)}, d(100), time.Now())
	require.NoError(t, err)
	assert.True(t, longReport.FillPrice.GreaterThan(d(100)))

	shortReport, err := s.Fill(FillRequest{Type: domain.Short, RequestedEntry: d(100), Quantity: d(1), Leverage: 1, FreeMargin: d(10000)}, d(100), time.Now())
	require.NoError(t, err)
	assert.True(t, shortReport.FillPrice.LessThan(d(100)))
}

func TestFill_SlippageCappedAtMaxSlippageBps(t *testing.T) {
	cfg := noFrictionConfig()
	cfg.SimulateSlippage = true
	cfg.SimulateMarketImpact = true
	cfg.MaxSlippageBps = 10
	cfg.ImpactCoefficient = 1000 // would blow past the cap without clamping
	s := New(cfg, 1)

	report, err := s.Fill(FillRequest{
		Type: domain.Long, RequestedEntry: d(100), Quantity: d(1000), Leverage: 1,
		RecentQuoteVolume: d(1000), FreeMargin: d(1000000),
	}, d(100), time.Now())
	require.NoError(t, err)
	assert.LessOrEqual(t, report.SlippageBps, cfg.MaxSlippageBps)
}

func TestFill_InsufficientMarginReturnsTypedError(t *testing.T) {
	s := New(noFrictionConfig(), 1)
	req := FillRequest{Type: domain.Long, RequestedEntry: d(100), Quantity: d(100), Leverage: 1, FreeMargin: d(10)}
	_, err := s.Fill(req, d(100), time.Now())
	require.Error(t, err)
	var marginErr *ErrInsufficientMargin
	assert.True(t, errors.As(err, &marginErr))
}

func TestFill_PartialFillDisabledByDefault(t *testing.T) {
	s := New(noFrictionConfig(), 1)
	req := FillRequest{Type: domain.Long, RequestedEntry: d(100), Quantity: d(5), Leverage: 1, FreeMargin: d(10000)}
	report, err := s.Fill(req, d(100), time.Now())
	require.NoError(t, err)
	assert.False(t, report.WasPartialFill)
	assert.True(t, report.FilledQuantity.Equal(d(5)))
}

func TestFill_PartialFillBelowMinNotionalNeverPartial(t *testing.T) {
	cfg := noFrictionConfig()
	cfg.SimulatePartialFills = true
	cfg.PartialProbability = 1.0
	cfg.PartialMinNotional = 1000000
	s := New(cfg, 1)

	req := FillRequest{Type: domain.Long, RequestedEntry: d(100), Quantity: d(1), Leverage: 1, FreeMargin: d(10000)}
	report, err := s.Fill(req, d(100), time.Now())
	require.NoError(t, err)
	assert.False(t, report.WasPartialFill)
}

func TestFill_LatencyClampedToConfiguredBounds(t *testing.T) {
	cfg := noFrictionConfig()
	cfg.LatencyBaseMs = 1000
	cfg.LatencySigmaMs = 1000
	cfg.LatencyMinMs = 10
	cfg.LatencyMaxMs = 100
	s := New(cfg, 1)

	for i := 0; i < 20; i++ {
		report, err := s.Fill(FillRequest{Type: domain.Long, RequestedEntry: d(100), Quantity: d(1), Leverage: 1, FreeMargin: d(10000)}, d(100), time.Now())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, report.FillLatencyMs, int64(10))
		assert.LessOrEqual(t, report.FillLatencyMs, int64(100))
	}
}

func TestFill_SameSeedReproducesSameTrace(t *testing.T) {
	cfg := noFrictionConfig()
	cfg.SimulateSlippage = true
	cfg.SimulatePartialFills = true
	cfg.MaxSlippageBps = 50
	cfg.PartialProbability = 0.5
	cfg.PartialMinNotional = 0
	cfg.LatencyBaseMs = 50
	cfg.LatencySigmaMs = 20
	cfg.LatencyMaxMs = 500

	req := FillRequest{Type: domain.Long, RequestedEntry: d(100), Quantity: d(3), Leverage: 2, FreeMargin: d(100000)}
	now := time.Now()

	a, err := New(cfg, 42).Fill(req, d(100), now)
	require.NoError(t, err)
	b, err := New(cfg, 42).Fill(req, d(100), now)
	require.NoError(t, err)

	assert.True(t, a.FillPrice.Equal(b.FillPrice))
	assert.True(t, a.FilledQuantity.Equal(b.FilledQuantity))
	assert.Equal(t, a.FillLatencyMs, b.FillLatencyMs)
	assert.Equal(t, a.WasPartialFill, b.WasPartialFill)
}

func TestApplyFunding_ZeroIntervalIsNoOp(t *testing.T) {
	s := New(noFrictionConfig(), 1)
	lastTick := time.Now()
	delta, newTick := s.ApplyFunding(d(1000), 0.0001, 1, lastTick, lastTick.Add(time.Hour), 0)
	assert.True(t, delta.IsZero())
	assert.Equal(t, lastTick, newTick)
}

func TestApplyFunding_LessThanOneIntervalProratesPartially(t *testing.T) {
	s := New(noFrictionConfig(), 1)
	lastTick := time.Now()
	now := lastTick.Add(4 * time.Hour) // half of an 8h interval
	delta, newTick := s.ApplyFunding(d(10000), 0.0001, 1, lastTick, now, 8)
	assert.True(t, delta.Equal(d(0.5)))
	assert.Equal(t, now, newTick)
}

func TestApplyFunding_NegativeDirectionSignFlipsCreditDebit(t *testing.T) {
	s := New(noFrictionConfig(), 1)
	lastTick := time.Now()
	now := lastTick.Add(8 * time.Hour)
	longDelta, _ := s.ApplyFunding(d(10000), 0.0001, 1, lastTick, now, 8)
	shortDelta, _ := s.ApplyFunding(d(10000), 0.0001, -1, lastTick, now, 8)
	assert.True(t, longDelta.Equal(shortDelta.Neg()))
}
