package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"papertrader/internal/domain"
)

func TestCombine_EmptySubSignalsYieldsHold(t *testing.T) {
	now := time.Now()
	signal := Combine("BTCUSDT", nil, now)
	assert.Equal(t, domain.Hold, signal.Direction)
	assert.Equal(t, 0.0, signal.Confidence)
	assert.Equal(t, now, signal.IssuedAt)
}

func TestCombine_UnanimousStrongBuyStaysStrongBuy(t *testing.T) {
	subs := []domain.TimeframeSignal{
		{Timeframe: domain.TF1h, Direction: domain.StrongBuy, Confidence: 1},
		{Timeframe: domain.TF4h, Direction: domain.StrongBuy, Confidence: 1},
		{Timeframe: domain.TF1d, Direction: domain.StrongBuy, Confidence: 1},
	}
	signal := Combine("BTCUSDT", subs, time.Now())
	assert.Equal(t, domain.StrongBuy, signal.Direction)
	assert.InDelta(t, 1.0, signal.Confidence, 1e-9)
}

func TestCombine_LongerTimeframesDominate(t *testing.T) {
	// 1d (weight 6) votes StrongSell; 1m (weight 1) votes StrongBuy. The
	// heavier vote should pull the combined direction toward sell even
	// though it is outvoted 1-to-1 on raw sub-signal count.
	subs := []domain.TimeframeSignal{
		{Timeframe: domain.TF1m, Direction: domain.StrongBuy, Confidence: 1},
		{Timeframe: domain.TF1d, Direction: domain.StrongSell, Confidence: 1},
	}
	signal := Combine("BTCUSDT", subs, time.Now())
	assert.Contains(t, []domain.Direction{domain.Sell, domain.StrongSell}, signal.Direction)
}

func TestCombine_MixedSignalsCanHold(t *testing.T) {
	subs := []domain.TimeframeSignal{
		{Timeframe: domain.TF1h, Direction: domain.Buy, Confidence: 0.5},
		{Timeframe: domain.TF1h, Direction: domain.Sell, Confidence: 0.5},
	}
	signal := Combine("BTCUSDT", subs, time.Now())
	assert.Equal(t, domain.Hold, signal.Direction)
}

func TestCombine_RetainsPerTimeframeSubSignals(t *testing.T) {
	subs := []domain.TimeframeSignal{
		{Timeframe: domain.TF1h, Direction: domain.Buy, Confidence: 0.8},
	}
	signal := Combine("ETHUSDT", subs, time.Now())
	assert.Equal(t, subs, signal.PerTimeframe)
}
