package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeStatus is the lifecycle stage of a Trade (spec §3). Transitions are
// one-directional: Pending -> Open -> (PartiallyClosed ->)* Closed. No reopen.
type TradeStatus string

const (
	StatusPending         TradeStatus = "pending"
	StatusOpen            TradeStatus = "open"
	StatusPartiallyClosed TradeStatus = "partially_closed"
	StatusClosed          TradeStatus = "closed"
)

// Trade is the central entity of the portfolio: the lifecycle of a single
// simulated position, including PnL, MFE/MAE and trailing-stop state
// (spec §3). The Portfolio exclusively owns Trade values; everything else
// holds an ID and looks the trade up under the portfolio lock.
type Trade struct {
	ID       uuid.UUID
	Symbol   Symbol
	Type     TradeType
	Status   TradeStatus
	OpenedAt time.Time
	ClosedAt *time.Time

	// Economics
	EntryPrice        decimal.Decimal
	QuantityInitial   decimal.Decimal
	QuantityRemaining decimal.Decimal
	Leverage          int
	StopLoss          *decimal.Decimal
	TakeProfit        *decimal.Decimal
	RealizedPnL       decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	FeesPaid          decimal.Decimal
	FundingPaid       decimal.Decimal
	LastFundingTick   time.Time

	// Execution provenance
	SignalReceivedAt time.Time
	FillLatencyMs    int64
	SlippageBps      float64
	WasPartialFill   bool

	// Dynamic-exit state
	HighestPriceSeen        decimal.Decimal
	LowestPriceSeen         decimal.Decimal
	TrailingStopActive      bool
	TrailingStopPrice       *decimal.Decimal
	ConsecutiveReversalDrop int
	PartialExitLevelsHit    map[float64]bool
	ReversalWindow          []decimal.Decimal // rolling recent prices; the reversal check takes its most-favorable price from this window
	LastReanalysisAt        time.Time

	// Risk attribution
	MFEPercent     float64 // max favorable excursion, %
	MAEPercent     float64 // max adverse excursion, %
	RiskAtEntry    float64 // account equity fraction risked at entry
	ExitPreset     string
}

// NewTrade constructs a Pending trade shell; the portfolio promotes it to
// Open when the fill is applied.
func NewTrade(symbol Symbol, typ TradeType, entryPrice, quantity decimal.Decimal, leverage int) *Trade {
	return &Trade{
		ID:                   uuid.New(),
		Symbol:               symbol,
		Type:                 typ,
		Status:               StatusPending,
		EntryPrice:           entryPrice,
		QuantityInitial:      quantity,
		QuantityRemaining:    quantity,
		Leverage:             leverage,
		HighestPriceSeen:     entryPrice,
		LowestPriceSeen:      entryPrice,
		PartialExitLevelsHit: make(map[float64]bool),
	}
}

// ValidateStopsAndTargets enforces the ordering invariants of spec §3:
// Long requires stop_loss < entry_price < take_profit when both are set;
// Short requires take_profit < entry_price < stop_loss.
func (t *Trade) ValidateStopsAndTargets() error {
	if t.StopLoss == nil || t.TakeProfit == nil {
		return nil
	}
	sl, tp := *t.StopLoss, *t.TakeProfit
	switch t.Type {
	case Long:
		if !(sl.LessThan(t.EntryPrice) && t.EntryPrice.LessThan(tp)) {
			return fmt.Errorf("domain: long trade requires stop_loss < entry < take_profit, got sl=%s entry=%s tp=%s", sl, t.EntryPrice, tp)
		}
	case Short:
		if !(tp.LessThan(t.EntryPrice) && t.EntryPrice.LessThan(sl)) {
			return fmt.Errorf("domain: short trade requires take_profit < entry < stop_loss, got tp=%s entry=%s sl=%s", tp, t.EntryPrice, sl)
		}
	}
	return nil
}

// Open transitions Pending -> Open at trade insertion time.
func (t *Trade) Open(at time.Time) {
	t.Status = StatusOpen
	t.OpenedAt = at
	t.LastFundingTick = at
	t.LastReanalysisAt = at
}

// IsOpenOrPartial reports whether the trade still carries remaining
// quantity that can be marked-to-market or exited.
func (t *Trade) IsOpenOrPartial() bool {
	return t.Status == StatusOpen || t.Status == StatusPartiallyClosed
}

// DirectionSign is +1 for Long, -1 for Short, used in PnL formulas.
func (t TradeType) DirectionSign() int64 {
	if t == Short {
		return -1
	}
	return 1
}
