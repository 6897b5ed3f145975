// Package execution simulates fills against a fresh market price: latency,
// slippage, partial fills, fees and funding, all driven from one seeded PRNG
// stream so traces are reproducible under a fixed seed (spec §4.5, §9).
package execution

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/config"
	"papertrader/internal/domain"
)

// Simulator applies the friction model of spec §4.5 to a FillRequest.
type Simulator struct {
	mu   sync.Mutex
	rand *rand.Rand
	cfg  config.ExecutionConfig
}

// New builds a Simulator with the given friction config and PRNG seed. Using
// the same seed across two runs reproduces the same latency/slippage/partial
// fill trace.
func New(cfg config.ExecutionConfig, seed int64) *Simulator {
	return &Simulator{rand: rand.New(rand.NewSource(seed)), cfg: cfg}
}

// FillRequest is what the risk pipeline hands to the simulator.
type FillRequest struct {
	Symbol           domain.Symbol
	Type             domain.TradeType
	RequestedEntry   decimal.Decimal
	Quantity         decimal.Decimal
	Leverage         int
	SignalReceivedAt time.Time
	RecentQuoteVolume decimal.Decimal // for impact_bps; zero disables the impact term
	FreeMargin       decimal.Decimal
}

// FillReport is the simulator's output (spec §4.5).
type FillReport struct {
	FillPrice       decimal.Decimal
	FilledQuantity  decimal.Decimal
	WasPartialFill  bool
	FillLatencyMs   int64
	SlippageBps     float64
	FeesPaid        decimal.Decimal
	RequiredMargin  decimal.Decimal
}

// ErrInsufficientMargin is returned when the fill would drive free margin
// negative (spec §4.5 step 5).
type ErrInsufficientMargin struct {
	FreeMargin     decimal.Decimal
	RequiredMargin decimal.Decimal
}

func (e *ErrInsufficientMargin) Error() string {
	return fmt.Sprintf("execution: fill would require margin %s against free margin %s", e.RequiredMargin, e.FreeMargin)
}

// Fill runs the five-step friction model against price p, the freshest
// observed market price for req.Symbol.
func (s *Simulator) Fill(req FillRequest, p decimal.Decimal, now time.Time) (*FillReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latencyMs := s.sampleLatency()

	slippageBps := s.sampleSlippageBps(req, p)
	fillPrice := applySlippage(p, req.Type, slippageBps)

	filledQty, wasPartial := s.samplePartialFill(req)

	filledNotional := fillPrice.Mul(filledQty)
	feeRate := decimal.NewFromFloat(s.cfg.FeeRateBps).Div(decimal.NewFromInt(10000))
	fees := filledNotional.Mul(feeRate)

	leverage := req.Leverage
	if leverage < 1 {
		leverage = 1
	}
	requiredMargin := filledNotional.Div(decimal.NewFromInt(int64(leverage)))

	if req.FreeMargin.Sub(requiredMargin).IsNegative() {
		return nil, &ErrInsufficientMargin{FreeMargin: req.FreeMargin, RequiredMargin: requiredMargin}
	}

	return &FillReport{
		FillPrice:      fillPrice,
		FilledQuantity: filledQty,
		WasPartialFill: wasPartial,
		FillLatencyMs:  latencyMs,
		SlippageBps:    slippageBps,
		FeesPaid:       fees,
		RequiredMargin: requiredMargin,
	}, nil
}

// sampleLatency implements step 1. Caller holds mu.
func (s *Simulator) sampleLatency() int64 {
	if s.cfg.LatencyBaseMs == 0 && s.cfg.LatencySigmaMs == 0 {
		return 0
	}
	sample := s.cfg.LatencyBaseMs + s.rand.NormFloat64()*s.cfg.LatencySigmaMs
	if sample < s.cfg.LatencyMinMs {
		sample = s.cfg.LatencyMinMs
	}
	if sample > s.cfg.LatencyMaxMs {
		sample = s.cfg.LatencyMaxMs
	}
	return int64(sample)
}

// sampleSlippageBps implements step 2. Caller holds mu.
func (s *Simulator) sampleSlippageBps(req FillRequest, p decimal.Decimal) float64 {
	if !s.cfg.SimulateSlippage {
		return 0
	}
	spreadBps := s.cfg.MaxSlippageBps * 0.2 // half-spread baseline, bounded by the configured ceiling
	halfSpread := spreadBps / 2

	impactBps := 0.0
	if s.cfg.SimulateMarketImpact && req.RecentQuoteVolume.IsPositive() {
		notional := req.Quantity.Mul(p)
		ratio, _ := notional.Div(req.RecentQuoteVolume).Float64()
		impactBps = s.cfg.ImpactCoefficient * ratio * 10000
	}

	total := halfSpread + impactBps
	if total < 0 {
		total = 0
	}
	if total > s.cfg.MaxSlippageBps {
		total = s.cfg.MaxSlippageBps
	}
	return total
}

// applySlippage widens the fill away from the requester in the adverse
// direction: worse (higher) entry for longs, worse (lower) entry for shorts.
func applySlippage(p decimal.Decimal, t domain.TradeType, slippageBps float64) decimal.Decimal {
	factor := decimal.NewFromFloat(slippageBps / 10000)
	if t == domain.Long {
		return p.Mul(decimal.NewFromInt(1).Add(factor))
	}
	return p.Mul(decimal.NewFromInt(1).Sub(factor))
}

// samplePartialFill implements step 3. Caller holds mu.
func (s *Simulator) samplePartialFill(req FillRequest) (decimal.Decimal, bool) {
	if !s.cfg.SimulatePartialFills {
		return req.Quantity, false
	}
	notional, _ := req.Quantity.Mul(req.RequestedEntry).Float64()
	if notional <= s.cfg.PartialMinNotional {
		return req.Quantity, false
	}
	if s.rand.Float64() >= s.cfg.PartialProbability {
		return req.Quantity, false
	}
	ratio := 0.5 + s.rand.Float64()*(0.95-0.5)
	return req.Quantity.Mul(decimal.NewFromFloat(ratio)), true
}

// ApplyFunding charges/credits funding for an open trade (spec §4.5
// "Funding cost"), pro-rated by the time elapsed since LastFundingTick: the
// delta to add to Trade.FundingPaid is notional x rate x (elapsed/interval)
// x direction, so a call made part-way through an interval charges that
// fraction of one period, and the returned tick is now. It returns zero and
// lastTick unchanged when the interval is non-positive or no time has
// elapsed. A gap left by a process restart is charged the same way on the
// next observed tick (spec §9 open question b).
func (s *Simulator) ApplyFunding(notional decimal.Decimal, fundingRatePerInterval float64, directionSign int64, lastTick, now time.Time, intervalHours float64) (delta decimal.Decimal, newTick time.Time) {
	if intervalHours <= 0 {
		return decimal.Zero, lastTick
	}
	interval := time.Duration(intervalHours * float64(time.Hour))
	elapsed := now.Sub(lastTick)
	if elapsed <= 0 {
		return decimal.Zero, lastTick
	}
	periods := elapsed.Seconds() / interval.Seconds()
	rate := decimal.NewFromFloat(fundingRatePerInterval * periods * float64(directionSign))
	delta = notional.Mul(rate)
	return delta, now
}
