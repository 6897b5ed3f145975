package reliability

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// BreakerConfig configures the equity circuit breaker (spec §4.1.3).
type BreakerConfig struct {
	Enabled                 bool
	MaxDailyLossPct         float64
	MaxDrawdownFromPeakPct  float64
}

// TripError is returned by Update when the breaker transitions to tripped,
// and by Check while it remains tripped.
type TripError struct {
	Reason        string
	DailyLossPct  float64
	DrawdownPct   float64
}

func (e *TripError) Error() string {
	return fmt.Sprintf("reliability: circuit breaker tripped: %s (daily_loss=%.2f%% drawdown=%.2f%%)", e.Reason, e.DailyLossPct, e.DrawdownPct)
}

// Breaker tracks account equity against two limits and latches once either
// is breached, grounded on the teacher's internal/circuit/breaker.go
// trip/reset pattern but re-keyed from trade-PnL% to account equity and
// daily PnL per spec §4.1.3.
type Breaker struct {
	mu sync.Mutex

	cfg BreakerConfig

	tripped        bool
	tripReason     string
	dailyLossAccum decimal.Decimal
	peakEquity     decimal.Decimal
	lastDailyReset string // date key, e.g. "2026-07-29", so callers drive rollover
}

// NewBreaker constructs an armed, untripped breaker with no peak recorded
// yet; the first Update call seeds the peak.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg}
}

// Update feeds the latest account equity and today's cumulative realized+
// unrealized PnL. It recomputes drawdown-from-peak and daily-loss percentages
// and latches tripped=true the first time either limit is breached. Once
// tripped, it stays tripped regardless of subsequent Update calls until
// Reset is invoked — per the spec §4.1.3 invariant.
func (b *Breaker) Update(equity, dailyPnL decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.Enabled {
		return nil
	}

	if b.peakEquity.IsZero() || equity.GreaterThan(b.peakEquity) {
		b.peakEquity = equity
	}
	b.dailyLossAccum = dailyPnL

	if b.tripped {
		return &TripError{Reason: b.tripReason, DailyLossPct: b.dailyLossPct(), DrawdownPct: b.drawdownPct(equity)}
	}

	drawdownPct := b.drawdownPct(equity)
	dailyLossPct := b.dailyLossPct()

	switch {
	case dailyLossPct >= b.cfg.MaxDailyLossPct:
		b.tripped = true
		b.tripReason = "max_daily_loss_pct exceeded"
	case drawdownPct >= b.cfg.MaxDrawdownFromPeakPct:
		b.tripped = true
		b.tripReason = "max_drawdown_from_peak_pct exceeded"
	}

	if b.tripped {
		return &TripError{Reason: b.tripReason, DailyLossPct: dailyLossPct, DrawdownPct: drawdownPct}
	}
	return nil
}

// drawdownPct and dailyLossPct assume the caller holds mu.
func (b *Breaker) drawdownPct(equity decimal.Decimal) float64 {
	if b.peakEquity.IsZero() {
		return 0
	}
	dd := b.peakEquity.Sub(equity).Div(b.peakEquity).Mul(decimal.NewFromInt(100))
	f, _ := dd.Float64()
	if f < 0 {
		return 0
	}
	return f
}

// dailyLossPct divides by peak equity, not current equity, per spec §4.1.3
// step 4's formula: daily_loss_pct = daily_loss_accum / peak_equity × 100.
func (b *Breaker) dailyLossPct() float64 {
	if !b.dailyLossAccum.IsNegative() || b.peakEquity.IsZero() {
		return 0
	}
	loss := b.dailyLossAccum.Neg().Div(b.peakEquity).Mul(decimal.NewFromInt(100))
	f, _ := loss.Float64()
	return f
}

// CanTrade reports whether new trades may open, i.e. the breaker is not
// tripped. Grounded on the teacher's uniform circuit.CanTrade() gate used
// ahead of every order path.
func (b *Breaker) CanTrade() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.tripped
}

// Reset clears tripped and the daily loss accumulator (spec §4.1.3). The
// peak equity is preserved across resets; it changes only when a later
// Update sees a higher equity.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = false
	b.tripReason = ""
	b.dailyLossAccum = decimal.Zero
}

// RolloverDaily clears the daily loss accumulator for a new trading day,
// identified by dateKey (caller-supplied, e.g. "2026-07-29"), without
// touching the tripped latch or peak equity.
func (b *Breaker) RolloverDaily(dateKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastDailyReset == dateKey {
		return
	}
	b.lastDailyReset = dateKey
	b.dailyLossAccum = decimal.Zero
}

// UpdateConfig atomically swaps the breaker's thresholds, used by
// update_risk_settings (spec §6.3). It never touches tripped/peak state.
func (b *Breaker) UpdateConfig(cfg BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

// Snapshot reports the breaker's current observable state for telemetry and
// the control-surface API.
func (b *Breaker) Snapshot() (tripped bool, reason string, peakEquity, dailyLossAccum decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped, b.tripReason, b.peakEquity, b.dailyLossAccum
}
