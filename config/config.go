// Package config loads process configuration from the environment using a
// getEnv/getEnvBool/getEnvInt/getEnvDecimal/getEnvDuration helper pattern,
// each falling back to a default when the variable is unset or malformed;
// getEnvBool reads any set value other than "true", "1" or "yes" as false.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RiskConfig holds the Risk Gate's env-tunable limits.
type RiskConfig struct {
	MaxPositionPct       decimal.Decimal
	MaxDailyLossPct      decimal.Decimal
	MaxDailyLossAbs      decimal.Decimal
	MaxDrawdownPct       decimal.Decimal
	MaxConsecutiveLosses int
	PositionCooldown     time.Duration
	MaxOrderNotional     decimal.Decimal
	MinOrderQty          decimal.Decimal
	MaxSymbolExposurePct decimal.Decimal
	ClosingSizeReduction decimal.Decimal
	GreeksMaxStaleness   time.Duration

	MaxPerOrder  decimal.Decimal // position_limits: hard cap on order quantity
	MaxValue     decimal.Decimal // position_limits: hard cap on order notional
	MaxPositions int             // portfolio_limits: hard cap on distinct open symbols

	Blocklist []string // symbol_allowed: takes precedence over Allowlist
	Allowlist []string // symbol_allowed: empty means "allow all non-blocked"
}

// DegradationConfig holds the SystemMode FSM's hysteresis tuning.
type DegradationConfig struct {
	FailThresholdCount    int
	FailThresholdSeconds  time.Duration
	RecoveryStableSeconds time.Duration
	MinSafeModeSeconds    time.Duration
	ForceOverrideTTL      time.Duration
	UnknownOnTTLExpiry    bool
}

// OutboxConfig holds the outbox worker pool and cleaner tuning.
type OutboxConfig struct {
	WorkerCount     int
	PollInterval    time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	CleanupAfter    time.Duration
	CleanupInterval time.Duration
}

// ReconcileConfig holds the reconciliation engine tuning.
type ReconcileConfig struct {
	Interval          time.Duration
	StuckOrderAge     time.Duration
	MaxNotFoundBefore int // reconcile_not_found_count threshold; reconcile.Engine does not read it
	LockKey           int64
}

// WALConfig holds the degraded-DB write-ahead buffer caps.
type WALConfig struct {
	MaxEntries int
	MaxBytes   int64
	MaxAge     time.Duration
}

// Config is the fully assembled process configuration.
type Config struct {
	Debug     bool
	AccountID string

	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	HTTPAddr string

	BrokerWSAddr string // simulated broker's local fill-delivery listen address

	IdempotencyTTL time.Duration

	Risk        RiskConfig
	Degradation DegradationConfig
	Outbox      OutboxConfig
	Reconcile   ReconcileConfig
	WAL         WALConfig
}

// Load assembles Config from the environment. Call godotenv.Load() in main
// before Load so a local .env file populates os.Getenv.
func Load() (*Config, error) {
	cfg := &Config{
		Debug:     getEnvBool("DEBUG", false),
		AccountID: getEnv("ACCOUNT_ID", "default"),

		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/ordercore?sslmode=disable"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:     getEnvInt("REDIS_DB", 0),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		BrokerWSAddr: getEnv("BROKER_WS_ADDR", "localhost:9090"),

		IdempotencyTTL: getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),

		Risk: RiskConfig{
			MaxPositionPct:       getEnvDecimal("RISK_MAX_POSITION_PCT", decimal.NewFromFloat(0.25)),
			MaxDailyLossPct:      getEnvDecimal("RISK_MAX_DAILY_LOSS_PCT", decimal.NewFromFloat(0.03)),
			MaxDailyLossAbs:      getEnvDecimal("RISK_MAX_DAILY_LOSS_ABS", decimal.NewFromFloat(5000)),
			MaxConsecutiveLosses: getEnvInt("RISK_MAX_CONSECUTIVE_LOSSES", 5),
			PositionCooldown:     getEnvDuration("RISK_POSITION_COOLDOWN", 30*time.Second),
			MaxOrderNotional:     getEnvDecimal("RISK_MAX_ORDER_NOTIONAL", decimal.NewFromFloat(25000)),
			MinOrderQty:          getEnvDecimal("RISK_MIN_ORDER_QTY", decimal.NewFromFloat(0.0001)),
			MaxSymbolExposurePct: getEnvDecimal("RISK_MAX_SYMBOL_EXPOSURE_PCT", decimal.NewFromFloat(0.4)),
			ClosingSizeReduction: getEnvDecimal("RISK_CLOSING_SIZE_REDUCTION", decimal.NewFromFloat(0.7)),
			GreeksMaxStaleness:   getEnvDuration("RISK_GREEKS_MAX_STALENESS", 60*time.Second),
			MaxDrawdownPct:       getEnvDecimal("RISK_MAX_DRAWDOWN_PCT", decimal.NewFromFloat(0.2)),

			MaxPerOrder:  getEnvDecimal("RISK_MAX_PER_ORDER", decimal.NewFromFloat(10000)),
			MaxValue:     getEnvDecimal("RISK_MAX_VALUE", decimal.NewFromFloat(50000)),
			MaxPositions: getEnvInt("RISK_MAX_POSITIONS", 20),

			Blocklist: getEnvStringList("RISK_SYMBOL_BLOCKLIST", nil),
			Allowlist: getEnvStringList("RISK_SYMBOL_ALLOWLIST", nil),
		},

		Degradation: DegradationConfig{
			FailThresholdCount:    getEnvInt("DEGRADATION_FAIL_THRESHOLD_COUNT", 3),
			FailThresholdSeconds: getEnvDuration("DEGRADATION_FAIL_THRESHOLD_SECONDS", 10*time.Second),
			RecoveryStableSeconds: getEnvDuration("DEGRADATION_RECOVERY_STABLE_SECONDS", 30*time.Second),
			MinSafeModeSeconds:    getEnvDuration("DEGRADATION_MIN_SAFE_MODE_SECONDS", 60*time.Second),
			ForceOverrideTTL:      getEnvDuration("DEGRADATION_FORCE_OVERRIDE_TTL", 15*time.Minute),
			UnknownOnTTLExpiry:    getEnvBool("DEGRADATION_UNKNOWN_ON_TTL_EXPIRY", true),
		},

		Outbox: OutboxConfig{
			WorkerCount:     getEnvInt("OUTBOX_WORKER_COUNT", 4),
			PollInterval:    getEnvDuration("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
			MaxRetries:      getEnvInt("OUTBOX_MAX_RETRIES", 5),
			RetryBackoff:    getEnvDuration("OUTBOX_RETRY_BACKOFF", 2*time.Second),
			CleanupAfter:    getEnvDuration("OUTBOX_CLEANUP_AFTER", 72*time.Hour),
			CleanupInterval: getEnvDuration("OUTBOX_CLEANUP_INTERVAL", 1*time.Hour),
		},

		Reconcile: ReconcileConfig{
			Interval:          getEnvDuration("RECONCILE_INTERVAL", 15*time.Second),
			StuckOrderAge:     getEnvDuration("RECONCILE_STUCK_ORDER_AGE", 5*time.Minute),
			MaxNotFoundBefore: getEnvInt("RECONCILE_MAX_NOT_FOUND_BEFORE", 3),
			LockKey:           int64(getEnvInt("RECONCILE_LOCK_KEY", 918273645)),
		},

		WAL: WALConfig{
			MaxEntries: getEnvInt("WAL_MAX_ENTRIES", 5000),
			MaxBytes:   int64(getEnvInt("WAL_MAX_BYTES", 32*1024*1024)),
			MaxAge:     getEnvDuration("WAL_MAX_AGE", 10*time.Minute),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringList parses a comma-separated env var into a trimmed,
// non-empty string slice. An unset var returns defaultValue.
func getEnvStringList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
