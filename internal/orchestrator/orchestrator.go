// Package orchestrator runs the signal and monitoring tasks of spec §4.8 as
// two cooperative ticker-driven loops, grounded on the teacher's
// autopilot.GinieAutopilot ticker/goroutine pattern (ginie_autopilot.go) but
// rebuilt around this spec's single-writer portfolio and per-symbol tick
// coalescing instead of the teacher's per-position polling.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"papertrader/config"
	"papertrader/internal/cache"
	"papertrader/internal/domain"
	"papertrader/internal/execution"
	"papertrader/internal/exit"
	"papertrader/internal/marketdata"
	"papertrader/internal/portfolio"
	"papertrader/internal/reliability"
	"papertrader/internal/risk"
	"papertrader/internal/signalsource"
)

// Core wires the reliability primitives, the portfolio, the risk pipeline,
// the execution simulator and the exit controller into the two
// orchestration tasks. It is created on start() and destroyed on stop()
// (spec §9: no module-level singletons).
type Core struct {
	cfg     *config.Config
	cfgMu   sync.RWMutex // guards cfg.Trading and cfg.Risk, hot-swapped by update_risk_settings
	log     zerolog.Logger
	adapter marketdata.Adapter
	signals signalsource.Producer

	portfolio *portfolio.Portfolio
	breaker   *reliability.Breaker
	limiter   *reliability.RateLimiter
	retrier   *reliability.RetryPolicy
	sim       *execution.Simulator
	preset    exit.Preset
	klineCache *cache.Service

	symbolTickInFlight map[domain.Symbol]*int32
	mu                 sync.Mutex

	onExit []func(ExitEvent)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an unstarted Core.
func New(cfg *config.Config, log zerolog.Logger, adapter marketdata.Adapter, signals signalsource.Producer, pf *portfolio.Portfolio, breaker *reliability.Breaker, seed int64) *Core {
	return &Core{
		cfg:                cfg,
		log:                log,
		adapter:            adapter,
		signals:            signals,
		portfolio:          pf,
		breaker:            breaker,
		limiter:            reliability.NewRateLimiter(reliability.TokenBucketConfig{Capacity: cfg.Reliability.RateLimitPerMinute, RefillRatePerMin: float64(cfg.Reliability.RateLimitPerMinute), Burst: cfg.Reliability.RateLimitBurst}),
		retrier:            reliability.NewRetryPolicy(reliability.RetryConfig{MaxAttempts: cfg.Reliability.RetryMaxAttempts, BaseDelay: time.Duration(cfg.Reliability.RetryBaseDelayMs) * time.Millisecond, MaxDelay: time.Duration(cfg.Reliability.RetryMaxDelayMs) * time.Millisecond, JitterFraction: cfg.Reliability.RetryJitterFrac}, nil),
		sim:                execution.New(cfg.Execution, seed),
		preset:             exit.PresetByName(string(cfg.Exit.Preset)),
		symbolTickInFlight: make(map[domain.Symbol]*int32),
	}
}

// Start launches the signal and monitoring tasks as background goroutines.
func (c *Core) Start(ctx context.Context, monitorInterval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go c.runSignalTask(ctx)
	go c.runMonitoringTask(ctx, monitorInterval)
}

// Stop cancels both tasks and waits for them to exit.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Core) runSignalTask(ctx context.Context) {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.Trading.SignalIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.signalCycle(ctx)
		}
	}
}

func (c *Core) signalCycle(ctx context.Context) {
	for _, s := range c.cfg.Symbols.Symbols {
		symbol := domain.Symbol(s)
		if err := c.limiter.Acquire(ctx); err != nil {
			return
		}
		c.evaluateSymbol(ctx, symbol)
	}
}

// correlatedOpenDirCounter builds a risk.PortfolioView.CorrelatedOpenDir
// closure that consults config.SymbolsConfig.Correlation (spec §4.4 gate 8),
// rather than treating every open trade in the given direction as correlated
// regardless of symbol.
func (c *Core) correlatedOpenDirCounter() func(dir domain.TradeType, sym domain.Symbol) int {
	return func(dir domain.TradeType, sym domain.Symbol) int {
		correlated := c.cfg.Symbols.CorrelatedSymbols(string(sym))
		n := 0
		for _, t := range c.portfolio.OpenTradesForDirection(dir) {
			if correlated[string(t.Symbol)] {
				n++
			}
		}
		return n
	}
}

func (c *Core) evaluateSymbol(ctx context.Context, symbol domain.Symbol) {
	candlesByTF := make(map[domain.Timeframe][]domain.Candle)
	counts := make([]int, 0, len(c.cfg.Symbols.Timeframes))

	for _, tfName := range c.cfg.Symbols.Timeframes {
		tf := domain.Timeframe(tfName)

		if c.klineCache != nil {
			if cached, ok := c.klineCache.GetKlines(ctx, symbol, tf); ok {
				candlesByTF[tf] = cached
				counts = append(counts, len(cached))
				continue
			}
		}

		var candles []domain.Candle
		err := c.retrier.Execute(ctx, func(ctx context.Context) error {
			cs, err := c.adapter.GetKlines(ctx, symbol, tf, c.cfg.Symbols.KlineLimit)
			if err != nil {
				return reliability.Retryable(err)
			}
			candles = cs
			return nil
		})
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", string(symbol)).Str("timeframe", tfName).Msg("kline fetch failed; skipping symbol this cycle")
			return
		}
		if c.klineCache != nil {
			c.klineCache.SetKlines(ctx, symbol, tf, candles, 30*time.Second)
		}
		candlesByTF[tf] = candles
		counts = append(counts, len(candles))
	}

	signal, err := c.signals.Analyze(ctx, symbol, candlesByTF)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", string(symbol)).Msg("signal analysis failed; skipping symbol this cycle")
		return
	}

	params := risk.ParamsFromConfig(c.TradingConfig(), decimal.NewFromFloat(0.001), &c.log)
	snap := c.portfolio.Snapshot()
	view := risk.PortfolioView{
		Equity:            snap.Equity,
		DailyPnL:          snap.DailyPnL,
		FreeMargin:        c.portfolio.FreeMargin(),
		CoolDownUntil:     snap.CoolDownUntil,
		OpenTradeCount:    snap.OpenTradeCount,
		CorrelatedOpenDir: c.correlatedOpenDirCounter(),
	}

	primaryTF := domain.Timeframe(c.cfg.Symbols.Timeframes[len(c.cfg.Symbols.Timeframes)-1])
	req, rej := risk.Evaluate(params, c.breaker, view, signal, risk.CandleContext{Candles: candlesByTF[primaryTF], CandleCounts: counts}, time.Now())
	if rej != nil {
		c.log.Debug().Str("symbol", string(symbol)).Str("rule", string(rej.Rule)).Msg("signal rejected")
		return
	}

	c.openTrade(ctx, req)
}

func (c *Core) openTrade(ctx context.Context, req *risk.FillRequest) (*domain.Trade, error) {
	quote, err := c.adapter.GetLatestPrice(ctx, req.Symbol)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", string(req.Symbol)).Msg("price fetch failed; aborting open")
		return nil, err
	}

	tradingCfg := c.TradingConfig()
	fillReq := execution.FillRequest{
		Symbol:           req.Symbol,
		Type:             req.Type,
		RequestedEntry:   req.Entry,
		Quantity:         req.Quantity,
		Leverage:         tradingCfg.Leverage,
		SignalReceivedAt: time.Now(),
		FreeMargin:       c.portfolio.FreeMargin(),
	}
	report, err := c.sim.Fill(fillReq, quote.Price, time.Now())
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", string(req.Symbol)).Msg("fill rejected")
		return nil, err
	}

	trade := domain.NewTrade(req.Symbol, req.Type, report.FillPrice, report.FilledQuantity, tradingCfg.Leverage)
	trade.StopLoss = &req.StopLoss
	trade.TakeProfit = &req.TakeProfit
	trade.FillLatencyMs = report.FillLatencyMs
	trade.SlippageBps = report.SlippageBps
	trade.WasPartialFill = report.WasPartialFill
	trade.RiskAtEntry = tradingCfg.RiskPercentagePerTrade
	trade.ExitPreset = c.preset.Name

	if err := c.portfolio.Open(trade, report.FeesPaid, report.RequiredMargin, time.Now()); err != nil {
		c.log.Error().Err(err).Str("symbol", string(req.Symbol)).Msg("portfolio open failed")
		return nil, err
	}
	return trade, nil
}

func (c *Core) runMonitoringTask(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.monitorCycle(ctx)
		}
	}
}

func (c *Core) monitorCycle(ctx context.Context) {
	symbols := c.portfolio.OpenSymbols()
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		flag := c.inFlightFlag(symbol)
		if !atomic.CompareAndSwapInt32(flag, 0, 1) {
			continue // prior tick still running; coalesce by dropping this one
		}
		wg.Add(1)
		go func(sym domain.Symbol) {
			defer wg.Done()
			defer atomic.StoreInt32(flag, 0)
			c.monitorSymbol(ctx, sym)
		}(symbol)
	}
	wg.Wait()
}

func (c *Core) inFlightFlag(symbol domain.Symbol) *int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.symbolTickInFlight[symbol]
	if !ok {
		var v int32
		f = &v
		c.symbolTickInFlight[symbol] = f
	}
	return f
}

func (c *Core) monitorSymbol(ctx context.Context, symbol domain.Symbol) {
	quote, err := c.adapter.GetLatestPrice(ctx, symbol)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", string(symbol)).Msg("price fetch failed; skipping mark-to-market")
		return
	}
	if _, err := domain.ValidatePrice(quote.Price); err != nil {
		c.log.Warn().Err(err).Str("symbol", string(symbol)).Msg("invalid price; skipping symbol this cycle")
		return
	}

	if err := c.portfolio.MarkToMarket(symbol, quote.Price, time.Now()); err != nil {
		c.log.Warn().Err(err).Str("symbol", string(symbol)).Msg("circuit breaker tripped during monitoring")
	}

	c.applyFunding(ctx, symbol, quote.Price)

	for _, id := range c.portfolio.OpenTradeIDsForSymbol(symbol) {
		c.evaluateExit(ctx, symbol, id, quote.Price)
	}
}

// applyFunding accrues funding cost on every open trade for symbol (spec
// §4.5 "Funding cost"), fetching one funding rate per symbol per monitoring
// tick rather than per trade.
func (c *Core) applyFunding(ctx context.Context, symbol domain.Symbol, price decimal.Decimal) {
	rate, err := c.adapter.FundingRate(ctx, symbol)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", string(symbol)).Msg("funding rate fetch failed; skipping funding accrual")
		return
	}
	rateF, _ := rate.Float64()
	intervalHours := c.cfg.Execution.FundingIntervalHours
	now := time.Now()

	c.portfolio.ApplyFunding(symbol, func(t *domain.Trade) (decimal.Decimal, time.Time) {
		notional := price.Mul(t.QuantityRemaining)
		return c.sim.ApplyFunding(notional, rateF, t.Type.DirectionSign(), t.LastFundingTick, now, intervalHours)
	})
}

// reanalyzeSymbol implements exit.Reanalyzer (spec §4.7 step 6): like
// evaluateSymbol it fetches klines for every configured timeframe and runs
// the signal producer, but without the kline cache or the retry policy, and
// it hands back the raw signal instead of running it through the risk pipeline, since the
// exit controller only needs to know whether the fresh read is a contrary
// strong signal for the open trade.
func (c *Core) reanalyzeSymbol(ctx context.Context, symbol domain.Symbol) (domain.Signal, bool) {
	candlesByTF := make(map[domain.Timeframe][]domain.Candle)
	for _, tfName := range c.cfg.Symbols.Timeframes {
		tf := domain.Timeframe(tfName)
		candles, err := c.adapter.GetKlines(ctx, symbol, tf, c.cfg.Symbols.KlineLimit)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", string(symbol)).Msg("reanalysis kline fetch failed")
			return domain.Signal{}, false
		}
		candlesByTF[tf] = candles
	}

	signal, err := c.signals.Analyze(ctx, symbol, candlesByTF)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", string(symbol)).Msg("reanalysis signal failed")
		return domain.Signal{}, false
	}
	return signal, true
}

func (c *Core) evaluateExit(ctx context.Context, symbol domain.Symbol, id uuid.UUID, price decimal.Decimal) {
	var decision *exit.Decision
	var qtyRemaining decimal.Decimal
	ok := c.portfolio.WithOpenTrade(id, func(t *domain.Trade) {
		decision = exit.Evaluate(c.preset, t, price, time.Now(), func(sym domain.Symbol) (domain.Signal, bool) {
			return c.reanalyzeSymbol(ctx, sym)
		})
		qtyRemaining = t.QuantityRemaining
	})
	if !ok || decision == nil {
		return
	}

	exitPrice := decision.ExitPrice
	qtyClosed := decimal.NewFromFloat(decision.Fraction).Mul(qtyRemaining)
	fees := exitPrice.Mul(qtyClosed).Mul(decimal.NewFromFloat(c.cfg.Execution.FeeRateBps / 10000))
	if _, err := c.portfolio.Close(id, decision.Fraction, exitPrice, fees, time.Now()); err != nil {
		c.log.Error().Err(err).Str("symbol", string(symbol)).Msg("exit close failed")
		return
	}
	c.log.Info().Str("symbol", string(symbol)).Str("reason", string(decision.Reason)).Str("urgency", string(decision.Urgency)).Msg("trade exit")

	event := ExitEvent{
		TradeID: id,
		Symbol:  symbol,
		Reason:  string(decision.Reason),
		Urgency: string(decision.Urgency),
		Price:   exitPrice,
	}
	for _, fn := range c.onExit {
		fn(event)
	}
}

// ExitEvent generalizes the teacher's events.BroadcastCircuitBreaker pattern
// (internal/autopilot/position_state_integration.go) to every exit decision,
// pushed to control-surface websocket subscribers (spec §12 supplement).
type ExitEvent struct {
	TradeID uuid.UUID       `json:"trade_id"`
	Symbol  domain.Symbol   `json:"symbol"`
	Reason  string          `json:"reason"`
	Urgency string          `json:"urgency"`
	Price   decimal.Decimal `json:"price"`
}

// OnExit registers a callback invoked after every applied exit decision.
// Multiple listeners may be registered; each sees every event.
func (c *Core) OnExit(fn func(ExitEvent)) { c.onExit = append(c.onExit, fn) }

// SetKlineCache attaches an optional distributed cache in front of the
// market-data adapter's kline fetches. Safe to call before Start; nil
// disables caching (the default).
func (c *Core) SetKlineCache(svc *cache.Service) { c.klineCache = svc }

// ExecuteManualTrade implements the control surface's execute_manual_trade
// (spec §6.3): bypasses gates (4)(5)(6) but still runs (1)(2)(3)(7)-(13).
func (c *Core) ExecuteManualTrade(ctx context.Context, symbol domain.Symbol, tradeType domain.TradeType, quantity decimal.Decimal) (*domain.Trade, *risk.Rejection) {
	params := risk.ParamsFromConfig(c.TradingConfig(), decimal.NewFromFloat(0.001), &c.log)
	params.DefaultQuantity = quantity

	snap := c.portfolio.Snapshot()
	view := risk.PortfolioView{
		Equity:            snap.Equity,
		DailyPnL:          snap.DailyPnL,
		FreeMargin:        c.portfolio.FreeMargin(),
		CoolDownUntil:     snap.CoolDownUntil,
		OpenTradeCount:    snap.OpenTradeCount,
		CorrelatedOpenDir: c.correlatedOpenDirCounter(),
	}

	tf := domain.Timeframe(c.cfg.Symbols.Timeframes[len(c.cfg.Symbols.Timeframes)-1])
	candles, err := c.adapter.GetKlines(ctx, symbol, tf, c.cfg.Symbols.KlineLimit)
	if err != nil {
		return nil, &risk.Rejection{Rule: risk.InsufficientData, Detail: err.Error()}
	}

	req, rej := risk.EvaluateManual(params, c.breaker, view, symbol, tradeType, risk.CandleContext{Candles: candles}, time.Now())
	if rej != nil {
		return nil, rej
	}

	trade, err := c.openTrade(ctx, req)
	if err != nil {
		return nil, &risk.Rejection{Rule: risk.InsufficientMargin, Detail: err.Error()}
	}
	return trade, nil
}

// TriggerAnalysis implements the control surface's trigger_analysis (spec
// §6.3): force an out-of-cycle signal evaluation for one symbol, or every
// configured symbol when symbol is empty.
func (c *Core) TriggerAnalysis(ctx context.Context, symbol domain.Symbol) {
	if symbol != "" {
		c.evaluateSymbol(ctx, symbol)
		return
	}
	c.signalCycle(ctx)
}

// Portfolio exposes the underlying portfolio for the control surface's
// get_portfolio_snapshot, reset_portfolio, and close_trade operations.
func (c *Core) Portfolio() *portfolio.Portfolio { return c.portfolio }

// Breaker exposes the circuit breaker for control-surface telemetry.
func (c *Core) Breaker() *reliability.Breaker { return c.breaker }

// LatestPrice exposes the market-data adapter for control-surface
// operations (close_trade) that need a fresh price outside a monitoring tick.
func (c *Core) LatestPrice(ctx context.Context, symbol domain.Symbol) (decimal.Decimal, error) {
	quote, err := c.adapter.GetLatestPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return quote.Price, nil
}

// TradingConfig returns the current hot-swappable trading configuration.
func (c *Core) TradingConfig() config.TradingConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.Trading
}

// UpdateRiskSettings implements the control surface's update_risk_settings
// (spec §6.3): validates the candidate configuration before applying it as
// an atomic swap, and pushes the breaker thresholds through immediately.
func (c *Core) UpdateRiskSettings(trading config.TradingConfig, riskCfg config.RiskConfig) error {
	candidate := *c.cfg
	candidate.Trading = trading
	candidate.Risk = riskCfg
	if err := candidate.Validate(); err != nil {
		return err
	}

	c.cfgMu.Lock()
	c.cfg.Trading = trading
	c.cfg.Risk = riskCfg
	c.cfgMu.Unlock()

	c.breaker.UpdateConfig(reliability.BreakerConfig{
		Enabled:                true,
		MaxDailyLossPct:        riskCfg.MaxDailyLossPct,
		MaxDrawdownFromPeakPct: riskCfg.MaxDrawdownFromPeakPct,
	})
	return nil
}
