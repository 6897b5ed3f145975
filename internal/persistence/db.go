// Package persistence mirrors closed trades to PostgreSQL for durable
// history, grounded on the teacher's database.DB connection-pool setup and
// migration runner (internal/database/db.go) but reduced to the one table
// this engine's closed-trade history needs.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"papertrader/config"
	"papertrader/internal/domain"
)

// DB wraps the trade-history connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Connect opens a pool against cfg, applying the teacher's pool sizing
// defaults, and verifies connectivity with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse dsn: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("persistence: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("persistence: ping: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Migrate creates the closed_trades table if absent.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS closed_trades (
			id                 UUID PRIMARY KEY,
			symbol             TEXT NOT NULL,
			trade_type         TEXT NOT NULL,
			entry_price        NUMERIC(24,8) NOT NULL,
			quantity_initial   NUMERIC(24,8) NOT NULL,
			leverage           INT NOT NULL,
			realized_pnl       NUMERIC(24,8) NOT NULL,
			fees_paid          NUMERIC(24,8) NOT NULL,
			funding_paid       NUMERIC(24,8) NOT NULL,
			opened_at          TIMESTAMPTZ NOT NULL,
			closed_at          TIMESTAMPTZ,
			exit_preset        TEXT NOT NULL,
			mfe_percent        DOUBLE PRECISION NOT NULL,
			mae_percent        DOUBLE PRECISION NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("persistence: migrate: %w", err)
	}
	return nil
}

// RecordClosed upserts a trade's row in the durable store. cmd/paperengine
// calls it from an OnExit listener, only for trades an exit has fully
// closed, as a best-effort sink: the in-memory close has already happened
// and a write failure is only logged.
func (db *DB) RecordClosed(ctx context.Context, t domain.Trade) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO closed_trades
			(id, symbol, trade_type, entry_price, quantity_initial, leverage,
			 realized_pnl, fees_paid, funding_paid, opened_at, closed_at,
			 exit_preset, mfe_percent, mae_percent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			realized_pnl = EXCLUDED.realized_pnl,
			fees_paid = EXCLUDED.fees_paid,
			funding_paid = EXCLUDED.funding_paid,
			closed_at = EXCLUDED.closed_at,
			mfe_percent = EXCLUDED.mfe_percent,
			mae_percent = EXCLUDED.mae_percent
	`,
		t.ID, string(t.Symbol), string(t.Type), t.EntryPrice, t.QuantityInitial, t.Leverage,
		t.RealizedPnL, t.FeesPaid, t.FundingPaid, t.OpenedAt, t.ClosedAt,
		t.ExitPreset, t.MFEPercent, t.MAEPercent,
	)
	return err
}

// RecentClosed returns the most recently closed trades, bounded by limit,
// for get_portfolio_snapshot's "recent closed trades (bounded)" field.
func (db *DB) RecentClosed(ctx context.Context, limit int) ([]ClosedTradeRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, symbol, trade_type, entry_price, realized_pnl, closed_at
		FROM closed_trades
		ORDER BY closed_at DESC NULLS LAST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClosedTradeRecord
	for rows.Next() {
		var r ClosedTradeRecord
		if err := rows.Scan(&r.ID, &r.Symbol, &r.TradeType, &r.EntryPrice, &r.RealizedPnL, &r.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClosedTradeRecord is the summary row returned by RecentClosed.
type ClosedTradeRecord struct {
	ID          string
	Symbol      string
	TradeType   string
	EntryPrice  decimal.Decimal
	RealizedPnL decimal.Decimal
	ClosedAt    *time.Time
}
