// Package marketdata defines the adapter contract the orchestrator consumes
// (spec §6.1); calls must be idempotent from the adapter's side. In the
// orchestrator, kline fetches for signal evaluation go through its retry
// policy and the scheduled signal cycle takes one rate-limiter token per
// symbol; price, funding-rate, re-analysis and manual-trade calls reach the
// adapter directly, with neither.
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
)

// PriceQuote is the parsed result of get_latest_price.
type PriceQuote struct {
	Price      decimal.Decimal
	ServerTime time.Time
}

// Adapter is implemented by whatever exchange/simulation backend supplies
// prices and candles. The core tolerates any candle ordering from the
// adapter but always normalizes to oldest-first before use.
type Adapter interface {
	GetLatestPrice(ctx context.Context, symbol domain.Symbol) (PriceQuote, error)
	GetKlines(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe, limit int) ([]domain.Candle, error)
	FundingRate(ctx context.Context, symbol domain.Symbol) (decimal.Decimal, error)
}
