// Package cache provides Redis-backed caching for kline snapshots, grounded
// on the teacher's cache.CacheService (internal/cache/cache_service.go):
// same graceful-degradation posture (a failed Redis round-trip downgrades
// the service to "unhealthy" rather than propagating the error to callers),
// trimmed from the teacher's settings/session key space down to the one
// thing this engine needs to cache, candle snapshots, so repeated signal
// cycles in a small time window don't refetch identical klines from the
// market-data adapter.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"papertrader/config"
	"papertrader/internal/domain"
)

// Service wraps a Redis client with the teacher's circuit-breaker-style
// health tracking: after maxFailures consecutive errors it marks itself
// unhealthy and skips Redis calls until recoveryBackoff elapses.
type Service struct {
	client *redis.Client
	cfg    config.RedisConfig

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastFailure  time.Time

	maxFailures     int
	recoveryBackoff time.Duration
}

// New builds a Service and verifies connectivity with a short-timeout ping,
// starting in degraded mode (rather than failing construction) if Redis is
// unreachable, matching the teacher's NewCacheService behavior.
func New(cfg config.RedisConfig) (*Service, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("cache: redis not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Service{
		client:          client,
		cfg:             cfg,
		maxFailures:     3,
		recoveryBackoff: 5 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.lastFailure = time.Now()
		return s, nil
	}
	s.healthy = true
	return s, nil
}

// IsHealthy reports whether the last Redis round-trip succeeded, honoring
// the recovery backoff before allowing another attempt.
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.healthy {
		return true
	}
	return time.Since(s.lastFailure) > s.recoveryBackoff
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	s.healthy = true
	s.failureCount = 0
	s.mu.Unlock()
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	s.failureCount++
	s.lastFailure = time.Now()
	if s.failureCount >= s.maxFailures {
		s.healthy = false
	}
	s.mu.Unlock()
}

func klineKey(symbol domain.Symbol, tf domain.Timeframe) string {
	return fmt.Sprintf("klines:%s:%s", symbol, tf)
}

// GetKlines returns a cached candle snapshot, (nil, false) on a cache miss
// or when the service is degraded.
func (s *Service) GetKlines(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) ([]domain.Candle, bool) {
	if !s.IsHealthy() {
		return nil, false
	}
	raw, err := s.client.Get(ctx, klineKey(symbol, tf)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.recordFailure()
		}
		return nil, false
	}
	s.recordSuccess()

	var candles []domain.Candle
	if err := json.Unmarshal(raw, &candles); err != nil {
		return nil, false
	}
	return candles, true
}

// SetKlines caches a candle snapshot for ttl. Failures are swallowed: a
// cache-write error should never block a trading cycle.
func (s *Service) SetKlines(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe, candles []domain.Candle, ttl time.Duration) {
	if !s.IsHealthy() {
		return
	}
	data, err := json.Marshal(candles)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, klineKey(symbol, tf), data, ttl).Err(); err != nil {
		s.recordFailure()
		return
	}
	s.recordSuccess()
}

// Close releases the underlying Redis connection pool.
func (s *Service) Close() error {
	return s.client.Close()
}
