// Package signalsource defines the analyzer/signal-producer contract the
// orchestrator consumes (spec §6.2). The producer is opaque to the core: it
// receives validated candle snapshots keyed by timeframe and returns a
// domain.Signal taken exactly as given.
package signalsource

import (
	"context"

	"papertrader/internal/domain"
)

// Producer analyzes a symbol's per-timeframe candle snapshots and returns a
// combined Signal (spec §4.3's contract).
type Producer interface {
	Analyze(ctx context.Context, symbol domain.Symbol, candlesByTimeframe map[domain.Timeframe][]domain.Candle) (domain.Signal, error)
}
