// Package config loads and validates the paper trading core's configuration
// from environment variables, grouped the way the trading engine's own
// subsystems consume it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the root configuration object, validated once at the boundary
// (see Validate) and partially hot-swappable via update_risk_settings.
type Config struct {
	Trading     TradingConfig
	Risk        RiskConfig
	Exit        ExitConfig
	Execution   ExecutionConfig
	Reliability ReliabilityConfig
	Symbols     SymbolsConfig
	Logging     LoggingConfig
	Server      ServerConfig
	Auth        AuthConfig
	Redis       RedisConfig
	Database    DatabaseConfig
	Vault       VaultConfig
}

// TradingConfig groups the gates and cadence that govern whether and how
// often the core opens new trades (spec §6.4 "Trading").
type TradingConfig struct {
	Enabled                bool
	MaxPositions           int
	RiskPercentagePerTrade float64
	Leverage               int
	MinConfidence          float64
	SignalIntervalMinutes  int
	DefaultQuantity        float64
}

// RiskConfig groups circuit-breaker and cooldown thresholds (spec §6.4 "Risk").
type RiskConfig struct {
	MaxDailyLossPct         float64
	MaxDrawdownFromPeakPct  float64
	CoolDownLossThreshold   int
	CoolDownDurationMinutes int
}

// ExitPreset names the four bundled exit parameter sets (spec §4.7).
type ExitPreset string

const (
	ExitPresetConservative ExitPreset = "conservative"
	ExitPresetBalanced     ExitPreset = "balanced"
	ExitPresetAggressive   ExitPreset = "aggressive"
	ExitPresetDisabled     ExitPreset = "disabled"
)

// ExitConfig selects the active exit preset.
type ExitConfig struct {
	Preset ExitPreset
}

// ExecutionConfig groups the execution simulator's friction model toggles
// and parameters (spec §6.4 "Execution").
type ExecutionConfig struct {
	SimulateSlippage     bool
	SimulateMarketImpact bool
	SimulatePartialFills bool
	FeeRateBps           float64
	MaxSlippageBps       float64
	LatencyBaseMs        float64
	LatencySigmaMs       float64
	LatencyMinMs         float64
	LatencyMaxMs         float64
	PartialProbability   float64
	PartialMinNotional   float64
	ImpactCoefficient    float64
	FundingIntervalHours float64
}

// ReliabilityConfig groups the rate limiter and retry policy defaults
// (spec §6.4 "Reliability").
type ReliabilityConfig struct {
	RateLimitPerMinute int
	RateLimitBurst     int
	RetryMaxAttempts   int
	RetryBaseDelayMs   int
	RetryMaxDelayMs    int
	RetryJitterFrac    float64
}

// SymbolsConfig groups the configured universe and candle depth (spec §6.4
// "Symbols & timeframes").
type SymbolsConfig struct {
	Symbols     []string
	Timeframes  []string
	KlineLimit  int
	Correlation map[string][]string // optional explicit correlation groups
}

// CorrelatedSymbols returns the set of symbols risk gate 8's correlation
// limit (spec §4.4) treats as correlated with symbol, symbol included. A
// symbol with no explicit entry in Correlation defaults to "all configured
// symbols mutually correlated" (spec §9 open question a); an explicit entry
// overrides that default for just that symbol.
func (s SymbolsConfig) CorrelatedSymbols(symbol string) map[string]bool {
	out := make(map[string]bool)
	if group, ok := s.Correlation[symbol]; ok {
		out[symbol] = true
		for _, sym := range group {
			out[sym] = true
		}
		return out
	}
	for _, sym := range s.Symbols {
		out[sym] = true
	}
	return out
}

// LoggingConfig configures the zerolog-backed telemetry logger.
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	JSONFormat bool
	Component  string
}

// ServerConfig configures the gin-based control-surface HTTP server.
type ServerConfig struct {
	Addr string
}

// AuthConfig configures JWT verification for control-surface operations.
type AuthConfig struct {
	JWTSecret string
	Disabled  bool // true in local/dev harnesses
}

// RedisConfig configures the optional distributed cache/rate-limiter backing.
type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

// DatabaseConfig configures the pgx-backed durable trade history mirror.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// VaultConfig configures exchange credential retrieval from HashiCorp Vault.
type VaultConfig struct {
	Enabled bool
	Address string
	Token   string
	KVPath  string
}

// Load builds a Config from environment variables, applying the defaults
// named throughout spec §6.4.
func Load() (*Config, error) {
	cfg := &Config{
		Trading: TradingConfig{
			Enabled:                getEnvBool("TRADING_ENABLED", false),
			MaxPositions:           getEnvInt("TRADING_MAX_POSITIONS", 3),
			RiskPercentagePerTrade: getEnvFloat("TRADING_RISK_PERCENTAGE", 2.0),
			Leverage:               getEnvInt("TRADING_LEVERAGE", 1),
			MinConfidence:          getEnvFloat("TRADING_MIN_CONFIDENCE", 0.7),
			SignalIntervalMinutes:  getEnvInt("TRADING_SIGNAL_INTERVAL_MINUTES", 60),
			DefaultQuantity:        getEnvFloat("TRADING_DEFAULT_QUANTITY", 0.01),
		},
		Risk: RiskConfig{
			MaxDailyLossPct:         getEnvFloat("RISK_MAX_DAILY_LOSS_PCT", 5.0),
			MaxDrawdownFromPeakPct:  getEnvFloat("RISK_MAX_DRAWDOWN_PCT", 15.0),
			CoolDownLossThreshold:   getEnvInt("RISK_COOLDOWN_LOSS_THRESHOLD", 5),
			CoolDownDurationMinutes: getEnvInt("RISK_COOLDOWN_DURATION_MINUTES", 60),
		},
		Exit: ExitConfig{
			Preset: ExitPreset(getEnvString("EXIT_PRESET", string(ExitPresetBalanced))),
		},
		Execution: ExecutionConfig{
			SimulateSlippage:     getEnvBool("EXEC_SIMULATE_SLIPPAGE", true),
			SimulateMarketImpact: getEnvBool("EXEC_SIMULATE_MARKET_IMPACT", true),
			SimulatePartialFills: getEnvBool("EXEC_SIMULATE_PARTIAL_FILLS", true),
			FeeRateBps:           getEnvFloat("EXEC_FEE_RATE_BPS", 7.5),
			MaxSlippageBps:       getEnvFloat("EXEC_MAX_SLIPPAGE_BPS", 50),
			LatencyBaseMs:        getEnvFloat("EXEC_LATENCY_BASE_MS", 50),
			LatencySigmaMs:       getEnvFloat("EXEC_LATENCY_SIGMA_MS", 20),
			LatencyMinMs:         getEnvFloat("EXEC_LATENCY_MIN_MS", 10),
			LatencyMaxMs:         getEnvFloat("EXEC_LATENCY_MAX_MS", 500),
			PartialProbability:   getEnvFloat("EXEC_PARTIAL_PROBABILITY", 0.05),
			PartialMinNotional:   getEnvFloat("EXEC_PARTIAL_MIN_NOTIONAL", 5000),
			ImpactCoefficient:    getEnvFloat("EXEC_IMPACT_COEFFICIENT", 0.1),
			FundingIntervalHours: getEnvFloat("EXEC_FUNDING_INTERVAL_HOURS", 8),
		},
		Reliability: ReliabilityConfig{
			RateLimitPerMinute: getEnvInt("RELIABILITY_RATE_LIMIT_PER_MINUTE", 1200),
			RateLimitBurst:     getEnvInt("RELIABILITY_RATE_LIMIT_BURST", 100),
			RetryMaxAttempts:   getEnvInt("RELIABILITY_RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelayMs:   getEnvInt("RELIABILITY_RETRY_BASE_DELAY_MS", 1000),
			RetryMaxDelayMs:    getEnvInt("RELIABILITY_RETRY_MAX_DELAY_MS", 30000),
			RetryJitterFrac:    getEnvFloat("RELIABILITY_RETRY_JITTER_FRACTION", 0.2),
		},
		Symbols: SymbolsConfig{
			Symbols:    getEnvList("SYMBOLS", []string{"BTCUSDT", "ETHUSDT"}),
			Timeframes: getEnvList("TIMEFRAMES", []string{"5m", "15m", "1h"}),
			KlineLimit: getEnvInt("SYMBOLS_KLINE_LIMIT", 300),
		},
		Logging: LoggingConfig{
			Level:      getEnvString("LOG_LEVEL", "info"),
			JSONFormat: getEnvBool("LOG_JSON", true),
			Component:  getEnvString("LOG_COMPONENT", "paperengine"),
		},
		Server: ServerConfig{
			Addr: getEnvString("SERVER_ADDR", ":8080"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnvString("AUTH_JWT_SECRET", ""),
			Disabled:  getEnvBool("AUTH_DISABLED", false),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Address:  getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DATABASE_ENABLED", false),
			Host:     getEnvString("DATABASE_HOST", "localhost"),
			Port:     getEnvInt("DATABASE_PORT", 5432),
			User:     getEnvString("DATABASE_USER", "paperengine"),
			Password: getEnvString("DATABASE_PASSWORD", ""),
			Database: getEnvString("DATABASE_NAME", "paperengine"),
			SSLMode:  getEnvString("DATABASE_SSLMODE", "disable"),
		},
		Vault: VaultConfig{
			Enabled: getEnvBool("VAULT_ENABLED", false),
			Address: getEnvString("VAULT_ADDRESS", "http://127.0.0.1:8200"),
			Token:   getEnvString("VAULT_TOKEN", ""),
			KVPath:  getEnvString("VAULT_KV_PATH", "secret/data/paperengine/exchange"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants named in spec §6.4. It is called once at
// load time and again from update_risk_settings, on a copy of the whole
// configuration carrying the candidate trading and risk settings.
func (c *Config) Validate() error {
	if c.Trading.MaxPositions < 1 {
		return fmt.Errorf("config: trading.max_positions must be >= 1")
	}
	if c.Trading.RiskPercentagePerTrade <= 0 || c.Trading.RiskPercentagePerTrade > 10 {
		return fmt.Errorf("config: trading.risk_percentage must be in (0, 10]")
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 125 {
		return fmt.Errorf("config: trading.leverage must be in [1, 125]")
	}
	if c.Trading.MinConfidence < 0 || c.Trading.MinConfidence > 1 {
		return fmt.Errorf("config: trading.min_confidence must be in [0, 1]")
	}
	if c.Trading.SignalIntervalMinutes < 1 {
		return fmt.Errorf("config: trading.signal_interval_minutes must be >= 1")
	}
	if c.Trading.DefaultQuantity <= 0 {
		return fmt.Errorf("config: trading.default_quantity must be > 0")
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct > 100 {
		return fmt.Errorf("config: risk.max_daily_loss_pct must be in (0, 100]")
	}
	if c.Risk.MaxDrawdownFromPeakPct <= 0 || c.Risk.MaxDrawdownFromPeakPct > 100 {
		return fmt.Errorf("config: risk.max_drawdown_pct must be in (0, 100]")
	}
	if c.Risk.CoolDownLossThreshold < 1 {
		return fmt.Errorf("config: risk.cool_down_loss_threshold must be >= 1")
	}
	switch c.Exit.Preset {
	case ExitPresetConservative, ExitPresetBalanced, ExitPresetAggressive, ExitPresetDisabled:
	default:
		return fmt.Errorf("config: exit.preset %q is not one of conservative/balanced/aggressive/disabled", c.Exit.Preset)
	}
	if c.Execution.FeeRateBps < 0 || c.Execution.MaxSlippageBps < 0 {
		return fmt.Errorf("config: execution fee/slippage rates must be >= 0")
	}
	if c.Symbols.KlineLimit < 200 {
		return fmt.Errorf("config: symbols.kline_limit must be >= 200")
	}
	if len(c.Symbols.Symbols) == 0 {
		return fmt.Errorf("config: symbols list must not be empty")
	}
	for _, tf := range c.Symbols.Timeframes {
		if !validTimeframe(tf) {
			return fmt.Errorf("config: unsupported timeframe %q", tf)
		}
	}
	return nil
}

func validTimeframe(tf string) bool {
	switch tf {
	case "1m", "3m", "5m", "15m", "30m", "1h", "4h", "1d":
		return true
	default:
		return false
	}
}

func getEnvString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
