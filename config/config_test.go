package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost:5432/ordercore?sslmode=disable", cfg.DatabaseURL)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.True(t, cfg.Risk.MaxPositionPct.Equal(decimal.NewFromFloat(0.25)))
	require.Equal(t, 5, cfg.Risk.MaxConsecutiveLosses)
	require.Equal(t, 3, cfg.Degradation.FailThresholdCount)
	require.Equal(t, 4, cfg.Outbox.WorkerCount)
	require.Equal(t, int64(918273645), cfg.Reconcile.LockKey)
	require.Equal(t, 5000, cfg.WAL.MaxEntries)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://custom/db")
	t.Setenv("RISK_MAX_DAILY_LOSS_ABS", "1234.5")
	t.Setenv("OUTBOX_WORKER_COUNT", "9")
	t.Setenv("DEBUG", "true")
	t.Setenv("RECONCILE_INTERVAL", "3s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "postgres://custom/db", cfg.DatabaseURL)
	require.True(t, cfg.Risk.MaxDailyLossAbs.Equal(decimal.NewFromFloat(1234.5)))
	require.Equal(t, 9, cfg.Outbox.WorkerCount)
	require.True(t, cfg.Debug)
	require.Equal(t, 3*time.Second, cfg.Reconcile.Interval)
}

func TestGetEnvDecimalFallsBackOnBadValue(t *testing.T) {
	t.Setenv("X_DECIMAL", "not-a-number")
	got := getEnvDecimal("X_DECIMAL", decimal.NewFromInt(7))
	require.True(t, got.Equal(decimal.NewFromInt(7)))
}

func TestGetEnvDurationFallsBackOnBadValue(t *testing.T) {
	t.Setenv("X_DURATION", "not-a-duration")
	got := getEnvDuration("X_DURATION", 5*time.Second)
	require.Equal(t, 5*time.Second, got)
}

// clearEnv unsets every env var Load reads, so tests don't pick up whatever
// happens to be in the process environment.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"DEBUG", "ACCOUNT_ID", "DATABASE_URL", "REDIS_ADDR", "REDIS_DB", "HTTP_ADDR",
		"BROKER_WS_ADDR", "IDEMPOTENCY_TTL",
		"RISK_MAX_POSITION_PCT", "RISK_MAX_DAILY_LOSS_PCT", "RISK_MAX_DAILY_LOSS_ABS",
		"RISK_MAX_CONSECUTIVE_LOSSES", "RISK_POSITION_COOLDOWN", "RISK_MAX_ORDER_NOTIONAL",
		"RISK_MIN_ORDER_QTY", "RISK_MAX_SYMBOL_EXPOSURE_PCT", "RISK_CLOSING_SIZE_REDUCTION",
		"RISK_GREEKS_MAX_STALENESS", "RISK_MAX_DRAWDOWN_PCT", "RISK_MAX_PER_ORDER",
		"RISK_MAX_VALUE", "RISK_MAX_POSITIONS", "RISK_SYMBOL_BLOCKLIST", "RISK_SYMBOL_ALLOWLIST",
		"DEGRADATION_FAIL_THRESHOLD_COUNT", "DEGRADATION_FAIL_THRESHOLD_SECONDS",
		"DEGRADATION_RECOVERY_STABLE_SECONDS", "DEGRADATION_MIN_SAFE_MODE_SECONDS",
		"DEGRADATION_FORCE_OVERRIDE_TTL", "DEGRADATION_UNKNOWN_ON_TTL_EXPIRY",
		"OUTBOX_WORKER_COUNT", "OUTBOX_POLL_INTERVAL", "OUTBOX_MAX_RETRIES",
		"OUTBOX_RETRY_BACKOFF", "OUTBOX_CLEANUP_AFTER", "OUTBOX_CLEANUP_INTERVAL",
		"RECONCILE_INTERVAL", "RECONCILE_STUCK_ORDER_AGE", "RECONCILE_MAX_NOT_FOUND_BEFORE",
		"RECONCILE_LOCK_KEY",
		"WAL_MAX_ENTRIES", "WAL_MAX_BYTES", "WAL_MAX_AGE",
	}
	for _, k := range keys {
		require.NoError(t, os.Unsetenv(k))
	}
}
