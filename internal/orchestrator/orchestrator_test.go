package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrader/config"
	"papertrader/internal/domain"
	"papertrader/internal/marketdata"
	"papertrader/internal/portfolio"
	"papertrader/internal/reliability"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var assertErr = errors.New("stub: induced failure")

func discardLogger() zerolog.Logger { return zerolog.Nop() }

func casTrue(flag *int32) bool { return atomic.CompareAndSwapInt32(flag, 0, 1) }

// stubAdapter is a minimal marketdata.Adapter test double: a fixed price and
// a fixed, already-valid candle set for every symbol/timeframe asked of it.
type stubAdapter struct {
	mu          sync.Mutex
	price       decimal.Decimal
	candles     []domain.Candle
	priceErr    error
	klineErr    error
	fundingRate decimal.Decimal
	fundingErr  error
	fundingCalls int32
}

func (s *stubAdapter) GetLatestPrice(ctx context.Context, symbol domain.Symbol) (marketdata.PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priceErr != nil {
		return marketdata.PriceQuote{}, s.priceErr
	}
	return marketdata.PriceQuote{Price: s.price, ServerTime: time.Now()}, nil
}

func (s *stubAdapter) GetKlines(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.klineErr != nil {
		return nil, s.klineErr
	}
	return s.candles, nil
}

func (s *stubAdapter) FundingRate(ctx context.Context, symbol domain.Symbol) (decimal.Decimal, error) {
	atomic.AddInt32(&s.fundingCalls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fundingErr != nil {
		return decimal.Zero, s.fundingErr
	}
	return s.fundingRate, nil
}

func (s *stubAdapter) setPrice(p decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = p
}

// stubProducer is a signalsource.Producer test double returning a fixed
// signal regardless of the candles it is handed.
type stubProducer struct {
	signal domain.Signal
	err    error
}

func (p *stubProducer) Analyze(ctx context.Context, symbol domain.Symbol, candlesByTF map[domain.Timeframe][]domain.Candle) (domain.Signal, error) {
	if p.err != nil {
		return domain.Signal{}, p.err
	}
	sig := p.signal
	sig.Symbol = symbol
	return sig, nil
}

func readyCandles() []domain.Candle {
	out := make([]domain.Candle, 200)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := d(100)
	for i := range out {
		out[i] = domain.Candle{
			Open: price, High: price.Add(d(0.5)), Low: price.Sub(d(0.5)), Close: price,
			OpenTime:  base.Add(time.Duration(i) * time.Hour),
			CloseTime: base.Add(time.Duration(i+1) * time.Hour),
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Trading: config.TradingConfig{
			Enabled:                true,
			MaxPositions:           5,
			RiskPercentagePerTrade: 2.0,
			Leverage:               5,
			MinConfidence:          0.5,
			SignalIntervalMinutes:  60,
			DefaultQuantity:        1,
		},
		Risk: config.RiskConfig{
			MaxDailyLossPct:         50,
			MaxDrawdownFromPeakPct:  50,
			CoolDownLossThreshold:   5,
			CoolDownDurationMinutes: 60,
		},
		Exit: config.ExitConfig{Preset: config.ExitPresetBalanced},
		Execution: config.ExecutionConfig{
			FeeRateBps:           10,
			FundingIntervalHours: 8,
		},
		Reliability: config.ReliabilityConfig{
			RateLimitPerMinute: 1200,
			RateLimitBurst:     1200,
			RetryMaxAttempts:   1,
			RetryBaseDelayMs:   1,
			RetryMaxDelayMs:    1,
			RetryJitterFrac:    0,
		},
		Symbols: config.SymbolsConfig{
			Symbols:    []string{"BTCUSDT"},
			Timeframes: []string{"1h"},
			KlineLimit: 200,
		},
	}
}

func newTestCore(t *testing.T, adapter *stubAdapter, producer *stubProducer) *Core {
	t.Helper()
	cfg := testConfig()
	breaker := reliability.NewBreaker(reliability.BreakerConfig{Enabled: true, MaxDailyLossPct: 50, MaxDrawdownFromPeakPct: 50})
	require.NoError(t, breaker.Update(d(10000), decimal.Zero))
	pf := portfolio.New(d(10000), cfg.Risk.CoolDownLossThreshold, time.Duration(cfg.Risk.CoolDownDurationMinutes)*time.Minute, breaker)
	return New(cfg, discardLogger(), adapter, producer, pf, breaker, 1)
}

func buySignal(confidence float64) domain.Signal {
	return domain.Signal{Direction: domain.Buy, Confidence: confidence, IssuedAt: time.Now()}
}

func TestEvaluateSymbol_OpensTradeOnActionableSignal(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)

	c.evaluateSymbol(context.Background(), "BTCUSDT")

	assert.Equal(t, 1, c.portfolio.Snapshot().OpenTradeCount)
}

func TestEvaluateSymbol_SkipsSymbolWhenKlineFetchFails(t *testing.T) {
	adapter := &stubAdapter{price: d(100), klineErr: assertErr}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)

	c.evaluateSymbol(context.Background(), "BTCUSDT")

	assert.Equal(t, 0, c.portfolio.Snapshot().OpenTradeCount)
}

func TestEvaluateSymbol_SkipsSymbolWhenSignalAnalysisFails(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{err: assertErr}
	c := newTestCore(t, adapter, producer)

	c.evaluateSymbol(context.Background(), "BTCUSDT")

	assert.Equal(t, 0, c.portfolio.Snapshot().OpenTradeCount)
}

func TestEvaluateSymbol_RejectedSignalOpensNothing(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{signal: buySignal(0.1)} // below MinConfidence
	c := newTestCore(t, adapter, producer)

	c.evaluateSymbol(context.Background(), "BTCUSDT")

	assert.Equal(t, 0, c.portfolio.Snapshot().OpenTradeCount)
}

func TestMonitorCycle_MarksToMarketAndEvaluatesExit(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)

	c.evaluateSymbol(context.Background(), "BTCUSDT")
	require.Equal(t, 1, c.portfolio.Snapshot().OpenTradeCount)

	adapter.setPrice(d(1)) // crash the price far past any stop loss
	c.monitorCycle(context.Background())

	assert.Equal(t, 0, c.portfolio.Snapshot().OpenTradeCount)
}

func TestMonitorCycle_InFlightTickCoalescesConcurrentRuns(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)
	c.evaluateSymbol(context.Background(), "BTCUSDT")
	require.Equal(t, 1, c.portfolio.Snapshot().OpenTradeCount)

	flag := c.inFlightFlag("BTCUSDT")
	require.True(t, casTrue(flag))
	// With the flag already held, monitorCycle must skip the symbol entirely
	// rather than block waiting for it.
	done := make(chan struct{})
	go func() {
		c.monitorCycle(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitorCycle did not return promptly while symbol was in-flight")
	}
}

func TestOnExit_FansOutToEveryRegisteredListener(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)
	c.evaluateSymbol(context.Background(), "BTCUSDT")
	require.Equal(t, 1, c.portfolio.Snapshot().OpenTradeCount)

	var mu sync.Mutex
	var seenA, seenB []ExitEvent
	c.OnExit(func(e ExitEvent) { mu.Lock(); seenA = append(seenA, e); mu.Unlock() })
	c.OnExit(func(e ExitEvent) { mu.Lock(); seenB = append(seenB, e); mu.Unlock() })

	adapter.setPrice(d(1))
	c.monitorCycle(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seenA, 1)
	assert.Len(t, seenB, 1)
}

func TestExecuteManualTrade_ReturnsOpenedTradeOnSuccess(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)

	trade, rej := c.ExecuteManualTrade(context.Background(), "BTCUSDT", domain.Long, d(1))
	require.Nil(t, rej)
	require.NotNil(t, trade)
	assert.Equal(t, domain.Symbol("BTCUSDT"), trade.Symbol)
	assert.Equal(t, 1, c.portfolio.Snapshot().OpenTradeCount)
}

func TestExecuteManualTrade_CircuitBreakerStillBlocks(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)
	require.Error(t, c.breaker.Update(d(1000), d(-9000)))

	trade, rej := c.ExecuteManualTrade(context.Background(), "BTCUSDT", domain.Long, d(1))
	assert.Nil(t, trade)
	require.NotNil(t, rej)
}

func TestTriggerAnalysis_EmptySymbolRunsFullCycle(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)

	c.TriggerAnalysis(context.Background(), "")

	assert.Equal(t, 1, c.portfolio.Snapshot().OpenTradeCount)
}

func TestUpdateRiskSettings_RejectsInvalidCandidate(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)

	badTrading := c.TradingConfig()
	badTrading.MaxPositions = 0
	err := c.UpdateRiskSettings(badTrading, config.RiskConfig{MaxDailyLossPct: 5, MaxDrawdownFromPeakPct: 10, CoolDownLossThreshold: 5, CoolDownDurationMinutes: 60})
	assert.Error(t, err)
	assert.Equal(t, 5, c.TradingConfig().MaxPositions) // unchanged
}

func TestUpdateRiskSettings_AppliesValidCandidateAndPushesBreaker(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)

	newTrading := c.TradingConfig()
	newTrading.MaxPositions = 9
	err := c.UpdateRiskSettings(newTrading, config.RiskConfig{MaxDailyLossPct: 1, MaxDrawdownFromPeakPct: 1, CoolDownLossThreshold: 5, CoolDownDurationMinutes: 60})
	require.NoError(t, err)
	assert.Equal(t, 9, c.TradingConfig().MaxPositions)

	// The new, much tighter drawdown threshold should trip the breaker
	// almost immediately on the next update.
	err = c.breaker.Update(d(10000), decimal.Zero)
	require.NoError(t, err)
	err = c.breaker.Update(d(9000), d(-1000))
	assert.Error(t, err)
}

func TestMonitorSymbol_AppliesFundingAccrualForOpenTrades(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles(), fundingRate: d(0.0001)}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)
	c.cfg.Execution.FundingIntervalHours = 1e-9 // forces a nonzero accrual even over a microsecond tick

	c.evaluateSymbol(context.Background(), "BTCUSDT")
	require.Equal(t, 1, c.portfolio.Snapshot().OpenTradeCount)

	ids := c.portfolio.OpenTradeIDsForSymbol("BTCUSDT")
	require.Len(t, ids, 1)
	before, _ := c.portfolio.Get(ids[0])

	c.monitorSymbol(context.Background(), "BTCUSDT")

	after, ok := c.portfolio.Get(ids[0])
	require.True(t, ok)
	assert.True(t, after.FundingPaid.GreaterThan(before.FundingPaid), "expected funding to accrue, got before=%s after=%s", before.FundingPaid, after.FundingPaid)
	assert.True(t, atomic.LoadInt32(&adapter.fundingCalls) >= 1)
}

func TestMonitorSymbol_SkipsFundingAccrualWhenRateFetchFails(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles(), fundingErr: assertErr}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)

	c.evaluateSymbol(context.Background(), "BTCUSDT")
	require.Equal(t, 1, c.portfolio.Snapshot().OpenTradeCount)

	ids := c.portfolio.OpenTradeIDsForSymbol("BTCUSDT")
	require.Len(t, ids, 1)
	before, _ := c.portfolio.Get(ids[0])

	c.monitorSymbol(context.Background(), "BTCUSDT")

	after, ok := c.portfolio.Get(ids[0])
	require.True(t, ok)
	assert.True(t, after.FundingPaid.Equal(before.FundingPaid))
}

func TestReanalyzeSymbol_ReturnsSignalFromProducer(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{signal: domain.Signal{Direction: domain.StrongSell}}
	c := newTestCore(t, adapter, producer)

	signal, ok := c.reanalyzeSymbol(context.Background(), "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, domain.StrongSell, signal.Direction)
	assert.Equal(t, domain.Symbol("BTCUSDT"), signal.Symbol)
}

func TestReanalyzeSymbol_FalseOnKlineFetchFailure(t *testing.T) {
	adapter := &stubAdapter{price: d(100), klineErr: assertErr}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)

	_, ok := c.reanalyzeSymbol(context.Background(), "BTCUSDT")
	assert.False(t, ok)
}

func TestReanalyzeSymbol_FalseOnSignalAnalysisFailure(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{err: assertErr}
	c := newTestCore(t, adapter, producer)

	_, ok := c.reanalyzeSymbol(context.Background(), "BTCUSDT")
	assert.False(t, ok)
}

// TestMonitorSymbol_PersistsExitBookkeepingAcrossTicks guards against
// evaluateExit mutating a Get() snapshot instead of the trade Portfolio
// actually owns: a regression there would re-fire the same partial-exit
// level on every tick instead of once (spec §8 partial-exit idempotence
// law, scenario 6).
func TestMonitorSymbol_PersistsExitBookkeepingAcrossTicks(t *testing.T) {
	adapter := &stubAdapter{price: d(100), candles: readyCandles()}
	producer := &stubProducer{signal: buySignal(0.9)}
	c := newTestCore(t, adapter, producer)

	c.evaluateSymbol(context.Background(), "BTCUSDT")
	require.Equal(t, 1, c.portfolio.Snapshot().OpenTradeCount)
	ids := c.portfolio.OpenTradeIDsForSymbol("BTCUSDT")
	require.Len(t, ids, 1)

	adapter.mu.Lock()
	adapter.price = d(102) // ~2% above entry, crosses the Balanced preset's +1.5% partial level
	adapter.mu.Unlock()
	c.monitorSymbol(context.Background(), "BTCUSDT")

	trade, ok := c.portfolio.Get(ids[0])
	require.True(t, ok)
	require.Equal(t, domain.StatusPartiallyClosed, trade.Status)
	firstRemaining := trade.QuantityRemaining

	// A further tick at the same profit level must not re-trigger the
	// level that already fired.
	c.monitorSymbol(context.Background(), "BTCUSDT")

	trade, ok = c.portfolio.Get(ids[0])
	require.True(t, ok)
	assert.True(t, trade.QuantityRemaining.Equal(firstRemaining),
		"partial level fired twice: remaining went from %s to %s", firstRemaining, trade.QuantityRemaining)
}
