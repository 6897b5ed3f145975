// Package portfolio owns every Trade value and the account-level balances
// derived from them (spec §3, §4.6). It is the single writer in the system:
// callers take the write lock to open, close or mark-to-market a trade and
// the read lock to look up or snapshot, following the RWMutex-guarded single-owner
// pattern the teacher uses for its live position maps.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
	"papertrader/internal/reliability"
)

// Portfolio is the account: cash, margin, the open/closed trade set, and the
// cooldown/consecutive-loss state that feeds the risk pipeline.
type Portfolio struct {
	mu sync.RWMutex

	cashBalance decimal.Decimal
	usedMargin  decimal.Decimal
	equity      decimal.Decimal

	trades      map[uuid.UUID]*domain.Trade
	openBySym   map[domain.Symbol][]uuid.UUID

	consecutiveLosses int
	coolDownUntil     time.Time
	dailyPnL          decimal.Decimal
	lastRolloverDate  string

	coolDownLossThreshold int
	coolDownDuration      time.Duration

	breaker *reliability.Breaker

	initialSnapshot Snapshot
}

// Snapshot is an immutable point-in-time view used for telemetry, the
// control-surface API, and reset_portfolio's restore target.
type Snapshot struct {
	CashBalance       decimal.Decimal
	UsedMargin        decimal.Decimal
	Equity            decimal.Decimal
	ConsecutiveLosses int
	CoolDownUntil     time.Time
	DailyPnL          decimal.Decimal
	OpenTradeCount    int
}

// New creates a portfolio seeded with startingCash and no open trades.
func New(startingCash decimal.Decimal, coolDownLossThreshold int, coolDownDuration time.Duration, breaker *reliability.Breaker) *Portfolio {
	p := &Portfolio{
		cashBalance:           startingCash,
		equity:                startingCash,
		trades:                make(map[uuid.UUID]*domain.Trade),
		openBySym:             make(map[domain.Symbol][]uuid.UUID),
		coolDownLossThreshold: coolDownLossThreshold,
		coolDownDuration:      coolDownDuration,
		breaker:               breaker,
	}
	p.initialSnapshot = p.snapshotLocked()
	return p
}

// Equity returns the current mark-to-market equity.
func (p *Portfolio) Equity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equity
}

// FreeMargin is equity minus used margin (spec GLOSSARY).
func (p *Portfolio) FreeMargin() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equity.Sub(p.usedMargin)
}

// CoolDownUntil reports the current cooldown expiry (zero value if none).
func (p *Portfolio) CoolDownUntil() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.coolDownUntil
}

// InCoolDown reports whether now falls inside the active cooldown window.
func (p *Portfolio) InCoolDown(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return now.Before(p.coolDownUntil)
}

// OpenTradesForDirection returns the open/partially-closed trades whose Type
// matches dir, used by the risk pipeline's correlation gate (spec §4.4 gate 8).
func (p *Portfolio) OpenTradesForDirection(dir domain.TradeType) []*domain.Trade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*domain.Trade
	for _, t := range p.trades {
		if t.IsOpenOrPartial() && t.Type == dir {
			out = append(out, t)
		}
	}
	return out
}

// OpenTradeCount returns the number of open/partially-closed trades.
func (p *Portfolio) OpenTradeCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, t := range p.trades {
		if t.IsOpenOrPartial() {
			n++
		}
	}
	return n
}

// Get looks up a trade by ID under the read lock (arena-ownership pattern:
// everyone outside this package holds an ID, never a *Trade, across calls).
func (p *Portfolio) Get(id uuid.UUID) (domain.Trade, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.trades[id]
	if !ok {
		return domain.Trade{}, false
	}
	return *t, true
}

// WithOpenTrade runs fn against the live, still-open trade for id under the
// portfolio write lock, so exit-controller bookkeeping (trailing-stop
// ratchet, reversal window, partial-exit-hit set, reanalysis timer) mutates
// the trade Portfolio actually owns rather than a Get snapshot, and so the
// whole mark-to-market -> exit-decision step stays the single atomic
// critical section spec §5's ordering guarantee requires. Returns false if
// id is unknown or no longer open/partial, in which case fn does not run.
func (p *Portfolio) WithOpenTrade(id uuid.UUID, fn func(t *domain.Trade)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.trades[id]
	if !ok || !t.IsOpenOrPartial() {
		return false
	}
	fn(t)
	return true
}

// OpenTradeIDsForSymbol returns the IDs of open/partially-closed trades for
// symbol, for the monitoring task to evaluate exits against (spec §9 arena
// ownership: callers hold IDs, never *Trade, across their own suspension
// points).
func (p *Portfolio) OpenTradeIDsForSymbol(symbol domain.Symbol) []uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []uuid.UUID
	for _, id := range p.openBySym[symbol] {
		if t, ok := p.trades[id]; ok && t.IsOpenOrPartial() {
			out = append(out, id)
		}
	}
	return out
}

// OpenSymbols returns the set of symbols with at least one open trade.
func (p *Portfolio) OpenSymbols() []domain.Symbol {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := make(map[domain.Symbol]bool)
	var out []domain.Symbol
	for _, t := range p.trades {
		if t.IsOpenOrPartial() && !seen[t.Symbol] {
			seen[t.Symbol] = true
			out = append(out, t.Symbol)
		}
	}
	return out
}

// Open inserts a new trade: debits cash by feesPaid, reserves margin, and
// indexes the trade by symbol, all under the write lock (spec §4.6 Opening).
func (p *Portfolio) Open(t *domain.Trade, feesPaid decimal.Decimal, requiredMargin decimal.Decimal, now time.Time) error {
	if err := t.ValidateStopsAndTargets(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	t.Open(now)
	t.FeesPaid = t.FeesPaid.Add(feesPaid)
	p.cashBalance = p.cashBalance.Sub(feesPaid)
	p.usedMargin = p.usedMargin.Add(requiredMargin)
	p.trades[t.ID] = t
	p.openBySym[t.Symbol] = append(p.openBySym[t.Symbol], t.ID)
	p.recomputeEquityLocked()
	return nil
}

// MarkToMarket updates every open/partial trade of symbol against price,
// recomputes portfolio equity, and feeds the breaker (spec §4.6
// Mark-to-market). It holds the write lock because trade fields mutate.
func (p *Portfolio) MarkToMarket(symbol domain.Symbol, price decimal.Decimal, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.openBySym[symbol] {
		t, ok := p.trades[id]
		if !ok || !t.IsOpenOrPartial() {
			continue
		}
		p.markOneLocked(t, price)
	}
	p.recomputeEquityLocked()

	if p.breaker != nil {
		if err := p.breaker.Update(p.equity, p.dailyPnL); err != nil {
			return err
		}
	}
	return nil
}

func (p *Portfolio) markOneLocked(t *domain.Trade, price decimal.Decimal) {
	sign := decimal.NewFromInt(t.Type.DirectionSign())
	diff := price.Sub(t.EntryPrice).Mul(sign)
	t.UnrealizedPnL = diff.Mul(t.QuantityRemaining).Sub(t.FundingPaid)

	if price.GreaterThan(t.HighestPriceSeen) {
		t.HighestPriceSeen = price
	}
	if t.LowestPriceSeen.IsZero() || price.LessThan(t.LowestPriceSeen) {
		t.LowestPriceSeen = price
	}

	entryF, _ := t.EntryPrice.Float64()
	if entryF != 0 {
		favorable := price.Sub(t.EntryPrice).Mul(sign)
		pct, _ := favorable.Div(t.EntryPrice).Mul(decimal.NewFromInt(100)).Float64()
		if pct > t.MFEPercent {
			t.MFEPercent = pct
		}
		if -pct > t.MAEPercent {
			t.MAEPercent = -pct
		}
	}
}

// ApplyFunding charges/credits funding cost on every open trade for symbol
// (spec §4.5 "Funding cost"), under the same write lock as Open/Close/
// MarkToMarket so the accrual is never lost to a concurrent mark. calc
// computes each trade's funding delta and its updated LastFundingTick; the
// delta is subtracted from the trade's UnrealizedPnL directly rather than
// requiring a fresh mark-to-market pass, since UnrealizedPnL is defined as
// (price move) - FundingPaid and FundingPaid just grew by delta.
func (p *Portfolio) ApplyFunding(symbol domain.Symbol, calc func(t *domain.Trade) (delta decimal.Decimal, newTick time.Time)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.openBySym[symbol] {
		t, ok := p.trades[id]
		if !ok || !t.IsOpenOrPartial() {
			continue
		}
		delta, newTick := calc(t)
		if delta.IsZero() {
			continue
		}
		t.FundingPaid = t.FundingPaid.Add(delta)
		t.LastFundingTick = newTick
		t.UnrealizedPnL = t.UnrealizedPnL.Sub(delta)
	}
	p.recomputeEquityLocked()
}

// recomputeEquityLocked sets equity = cash_balance + sum(unrealized_pnl of
// open trades). Caller must hold mu.
func (p *Portfolio) recomputeEquityLocked() {
	sum := decimal.Zero
	for _, t := range p.trades {
		if t.IsOpenOrPartial() {
			sum = sum.Add(t.UnrealizedPnL)
		}
	}
	p.equity = p.cashBalance.Add(sum)
}

func (p *Portfolio) snapshotLocked() Snapshot {
	openCount := 0
	for _, t := range p.trades {
		if t.IsOpenOrPartial() {
			openCount++
		}
	}
	return Snapshot{
		CashBalance:       p.cashBalance,
		UsedMargin:        p.usedMargin,
		Equity:            p.equity,
		ConsecutiveLosses: p.consecutiveLosses,
		CoolDownUntil:     p.coolDownUntil,
		DailyPnL:          p.dailyPnL,
		OpenTradeCount:    openCount,
	}
}

// Snapshot returns the portfolio's current observable state.
func (p *Portfolio) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

// Close closes fraction f (0,1] of trade id at exitPrice, charging exitFees,
// updating cash/margin/cooldown and feeding the breaker (spec §4.6 Closing).
func (p *Portfolio) Close(id uuid.UUID, f float64, exitPrice, exitFees decimal.Decimal, now time.Time) (realizedDelta decimal.Decimal, err error) {
	if f <= 0 || f > 1 {
		return decimal.Zero, fmt.Errorf("portfolio: close fraction must be in (0,1], got %v", f)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.trades[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("portfolio: trade %s not found", id)
	}
	if !t.IsOpenOrPartial() {
		return decimal.Zero, fmt.Errorf("portfolio: trade %s is not open", id)
	}

	fDec := decimal.NewFromFloat(f)
	q := fDec.Mul(t.QuantityRemaining)

	sign := decimal.NewFromInt(t.Type.DirectionSign())
	realizedDelta = exitPrice.Sub(t.EntryPrice).Mul(sign).Mul(q).Sub(exitFees)

	marginReleased := q.Mul(t.EntryPrice).Div(decimal.NewFromInt(int64(maxInt(t.Leverage, 1))))

	t.RealizedPnL = t.RealizedPnL.Add(realizedDelta)
	t.FeesPaid = t.FeesPaid.Add(exitFees)
	t.QuantityRemaining = t.QuantityRemaining.Sub(q)

	p.cashBalance = p.cashBalance.Add(realizedDelta).Add(marginReleased)
	p.usedMargin = p.usedMargin.Sub(marginReleased)
	p.dailyPnL = p.dailyPnL.Add(realizedDelta)

	if t.QuantityRemaining.IsZero() || t.QuantityRemaining.LessThanOrEqual(decimal.Zero) {
		t.Status = domain.StatusClosed
		closedAt := now
		t.ClosedAt = &closedAt
		p.applyCoolDownLocked(t.RealizedPnL, now)
	} else {
		t.Status = domain.StatusPartiallyClosed
	}

	p.recomputeEquityLocked()
	if p.breaker != nil {
		_ = p.breaker.Update(p.equity, p.dailyPnL)
	}
	return realizedDelta, nil
}

func (p *Portfolio) applyCoolDownLocked(totalRealizedPnL decimal.Decimal, now time.Time) {
	if totalRealizedPnL.IsNegative() {
		p.consecutiveLosses++
		if p.consecutiveLosses >= p.coolDownLossThreshold {
			p.coolDownUntil = now.Add(p.coolDownDuration)
		}
	} else if totalRealizedPnL.IsPositive() {
		p.consecutiveLosses = 0
	}
}

// RolloverDaily resets daily_pnl to zero at UTC midnight, identified by
// dateKey (spec §4.6 Daily roll-over).
func (p *Portfolio) RolloverDaily(dateKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastRolloverDate == dateKey {
		return
	}
	p.lastRolloverDate = dateKey
	p.dailyPnL = decimal.Zero
	if p.breaker != nil {
		p.breaker.RolloverDaily(dateKey)
	}
}

// Reset restores the portfolio to its initial snapshot (spec §8 round-trip
// law: reset_portfolio() after any sequence restores the initial snapshot).
func (p *Portfolio) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cashBalance = p.initialSnapshot.CashBalance
	p.usedMargin = p.initialSnapshot.UsedMargin
	p.equity = p.initialSnapshot.Equity
	p.consecutiveLosses = p.initialSnapshot.ConsecutiveLosses
	p.coolDownUntil = p.initialSnapshot.CoolDownUntil
	p.dailyPnL = p.initialSnapshot.DailyPnL
	p.trades = make(map[uuid.UUID]*domain.Trade)
	p.openBySym = make(map[domain.Symbol][]uuid.UUID)
	if p.breaker != nil {
		p.breaker.Reset()
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
