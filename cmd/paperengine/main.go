// Command paperengine wires configuration, telemetry and every subsystem
// into a running paper-trading core plus its control-surface HTTP server,
// following the teacher's main.go startup/shutdown sequence (config.Load →
// logging → subsystem construction → server goroutine → signal wait →
// graceful shutdown) trimmed to this engine's much smaller dependency set.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/config"
	"papertrader/internal/analyzer"
	"papertrader/internal/api"
	"papertrader/internal/cache"
	"papertrader/internal/domain"
	"papertrader/internal/marketdata"
	"papertrader/internal/orchestrator"
	"papertrader/internal/persistence"
	"papertrader/internal/portfolio"
	"papertrader/internal/reliability"
	"papertrader/internal/secrets"
	"papertrader/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("paperengine: failed to load configuration: %v", err)
	}

	logger := telemetry.New(cfg.Logging)
	logger.Info().Msg("configuration loaded")

	ctx := context.Background()

	if cfg.Vault.Enabled {
		vaultClient, err := secrets.NewClient(cfg.Vault)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build vault client")
		}
		if _, err := vaultClient.Get(ctx); err != nil {
			logger.Warn().Err(err).Msg("exchange credentials unavailable at startup; continuing in simulated-only mode")
		}
	}

	var store *persistence.DB
	if cfg.Database.Enabled {
		store, err = persistence.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to trade-history database")
		}
		if err := store.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate trade-history schema")
		}
		defer store.Close()
		logger.Info().Msg("trade-history persistence ready")
	}

	breaker := reliability.NewBreaker(reliability.BreakerConfig{
		Enabled:                 true,
		MaxDailyLossPct:         cfg.Risk.MaxDailyLossPct,
		MaxDrawdownFromPeakPct:  cfg.Risk.MaxDrawdownFromPeakPct,
	})

	startingCash := decimal.NewFromInt(10000)
	pf := portfolio.New(
		startingCash,
		cfg.Risk.CoolDownLossThreshold,
		time.Duration(cfg.Risk.CoolDownDurationMinutes)*time.Minute,
		breaker,
	)

	startingPrices := make(map[domain.Symbol]decimal.Decimal, len(cfg.Symbols.Symbols))
	for _, s := range cfg.Symbols.Symbols {
		startingPrices[domain.Symbol(s)] = decimal.NewFromInt(100)
	}
	adapter := marketdata.NewMockAdapter(time.Now().UnixNano(), startingPrices)
	producer := analyzer.NewTechnicalProducer()

	core := orchestrator.New(cfg, logger, adapter, producer, pf, breaker, time.Now().UnixNano())

	if cfg.Redis.Enabled {
		klineCache, err := cache.New(cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("kline cache unavailable; continuing without it")
		} else {
			core.SetKlineCache(klineCache)
			defer klineCache.Close()
			logger.Info().Msg("kline cache attached")
		}
	}

	if store != nil {
		core.OnExit(func(e orchestrator.ExitEvent) {
			t, ok := core.Portfolio().Get(e.TradeID)
			if !ok || t.Status != domain.StatusClosed {
				return
			}
			if err := store.RecordClosed(context.Background(), t); err != nil {
				logger.Error().Err(err).Str("trade_id", e.TradeID.String()).Msg("failed to mirror closed trade")
			}
		})
	}

	core.Start(ctx, 2*time.Second)
	logger.Info().Msg("orchestrator core started")

	server := api.NewServer(cfg.Server, cfg.Auth, core, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("control-surface server failed")
		}
	}()
	logger.Info().Str("addr", cfg.Server.Addr).Msg("control-surface server listening")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutdown signal received")
	core.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during server shutdown")
	}
	logger.Info().Msg("shutdown complete")
}
