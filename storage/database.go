package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - order/position/close-request persistence layer
// ═══════════════════════════════════════════════════════════════════════════════

// DB wraps *sql.DB with the schema and row-level helpers the core depends on.
// Uses raw database/sql + lib/pq directly rather than an ORM.
type DB struct {
	conn *sql.DB
}

// Open connects to Postgres, pings, and runs the idempotent schema migration.
func Open(connStr string) (*DB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{conn: conn}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Msg("💾 database connected")
	return d, nil
}

// Conn exposes the underlying *sql.DB for packages that need raw access
// (advisory locks, row-level transactions).
func (d *DB) Conn() *sql.DB { return d.conn }

// NewFromConn wraps an already-open *sql.DB without running the schema
// migration, used to inject a sqlmock connection in tests of packages that
// only need Conn()'s raw access (reconcile, server).
func NewFromConn(conn *sql.DB) *DB { return &DB{conn: conn} }

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		broker_order_id TEXT UNIQUE,
		account_id TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		kind TEXT NOT NULL,
		limit_price NUMERIC(24,8) NOT NULL DEFAULT 0,
		quantity NUMERIC(24,8) NOT NULL,
		filled_qty NUMERIC(24,8) NOT NULL DEFAULT 0,
		avg_fill_price NUMERIC(24,8) NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		close_request_id BIGINT,
		broker_update_seq BIGINT,
		reconcile_not_found_count INT NOT NULL DEFAULT 0,
		reject_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_account_symbol ON orders(account_id, symbol);

	CREATE TABLE IF NOT EXISTS positions (
		account_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		asset_type TEXT NOT NULL DEFAULT 'equity',
		strategy_id TEXT NOT NULL DEFAULT '',
		quantity NUMERIC(24,8) NOT NULL DEFAULT 0,
		avg_cost NUMERIC(24,8) NOT NULL DEFAULT 0,
		current_price NUMERIC(24,8) NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'open',
		active_close_request_id BIGINT,
		closed_at TIMESTAMPTZ,
		PRIMARY KEY (account_id, symbol)
	);
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

	CREATE TABLE IF NOT EXISTS close_requests (
		id BIGSERIAL PRIMARY KEY,
		position_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		target_qty NUMERIC(24,8) NOT NULL,
		filled_qty NUMERIC(24,8) NOT NULL DEFAULT 0,
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 5,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		submitted_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		UNIQUE (position_id, idempotency_key)
	);
	CREATE INDEX IF NOT EXISTS idx_close_requests_status ON close_requests(status);

	CREATE TABLE IF NOT EXISTS outbox_events (
		id BIGSERIAL PRIMARY KEY,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox_events(status, created_at);

	CREATE TABLE IF NOT EXISTS alerts (
		id BIGSERIAL PRIMARY KEY,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		summary TEXT NOT NULL,
		details JSONB,
		account_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL DEFAULT '',
		strategy_id TEXT NOT NULL DEFAULT '',
		suppressed_count INT NOT NULL DEFAULT 0,
		event_timestamp TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (dedupe_key)
	);

	CREATE TABLE IF NOT EXISTS alert_deliveries (
		id BIGSERIAL PRIMARY KEY,
		alert_id BIGINT NOT NULL REFERENCES alerts(id),
		channel TEXT NOT NULL,
		destination_key TEXT NOT NULL,
		attempt_number INT NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		response_code INT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		sent_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		sequence_id BIGSERIAL PRIMARY KEY,
		checksum TEXT NOT NULL,
		prev_checksum TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		actor_type TEXT NOT NULL DEFAULT '',
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT 'info',
		old_value JSONB,
		new_value JSONB,
		value_mode TEXT NOT NULL DEFAULT 'diff',
		value_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		response_data JSONB,
		expires_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at);

	CREATE TABLE IF NOT EXISTS wal_entries (
		id BIGSERIAL PRIMARY KEY,
		idempotent_key TEXT NOT NULL UNIQUE,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		old_state JSONB,
		new_state JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		replayed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS fill_ledger (
		fill_id TEXT PRIMARY KEY,
		broker_order_id TEXT NOT NULL,
		qty NUMERIC(24,8) NOT NULL,
		price NUMERIC(24,8) NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS system_state (
		id SMALLINT PRIMARY KEY DEFAULT 1,
		trading_state TEXT NOT NULL DEFAULT 'RUNNING',
		system_mode TEXT NOT NULL DEFAULT 'normal',
		mode_entered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		force_override TEXT NOT NULL DEFAULT '',
		force_override_expires_at TIMESTAMPTZ,
		CHECK (id = 1)
	);
	INSERT INTO system_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING;
	`

	_, err := d.conn.Exec(schema)
	return err
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}
