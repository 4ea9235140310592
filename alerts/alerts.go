// Package alerts implements the alert factory/repository and delivery hub:
// generalized from a single notification channel into a pluggable
// multi-channel delivery set with deduplication.
package alerts

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/web3guy0/ordercore/types"
)

// Request is the caller-facing shape for raising an alert; the Factory
// fills in fingerprint/dedup bookkeeping.
type Request struct {
	Type       string
	Severity   types.AlertSeverity
	Summary    string
	Details    interface{}
	AccountID  string
	Symbol     string
	StrategyID string
	DedupeKey  string // identical DedupeKey within the window suppresses a repeat
}

// Factory raises alerts, deduplicating by DedupeKey within a rolling window
// and persisting every alert (suppressed or not) to the alerts table.
type Factory struct {
	db     *sql.DB
	window time.Duration
	hub    *Hub
}

// NewFactory constructs a Factory. window is the suppression period during
// which a repeated DedupeKey increments suppressed_count instead of
// inserting a new row.
func NewFactory(db *sql.DB, window time.Duration, hub *Hub) *Factory {
	return &Factory{db: db, window: window, hub: hub}
}

// Raise records (or suppresses) an alert and, if newly raised, hands it to
// the Delivery Hub for dispatch.
func (f *Factory) Raise(ctx context.Context, r Request) {
	if r.DedupeKey == "" {
		r.DedupeKey = r.Type
	}
	fingerprint := fingerprintOf(r)

	details, err := json.Marshal(r.Details)
	if err != nil {
		details = []byte("null")
	}
	if len(details) > 8*1024 {
		details = []byte(`{"truncated":true}`)
	}

	now := time.Now()
	var existingID int64
	err = f.db.QueryRowContext(ctx, `
		SELECT id FROM alerts WHERE dedupe_key = $1 AND event_timestamp > $2
	`, r.DedupeKey, now.Add(-f.window)).Scan(&existingID)
	if err == nil {
		_, uerr := f.db.ExecContext(ctx, `
			UPDATE alerts SET suppressed_count = suppressed_count + 1 WHERE id = $1
		`, existingID)
		if uerr != nil {
			log.Error().Err(uerr).Msg("failed to bump suppressed_count")
		}
		return
	}
	if err != sql.ErrNoRows {
		log.Error().Err(err).Msg("alert dedupe lookup failed")
	}

	var id int64
	err = f.db.QueryRowContext(ctx, `
		INSERT INTO alerts (type, severity, fingerprint, dedupe_key, summary, details,
			account_id, symbol, strategy_id, event_timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (dedupe_key) DO UPDATE SET suppressed_count = alerts.suppressed_count + 1
		RETURNING id
	`, r.Type, string(r.Severity), fingerprint, r.DedupeKey, r.Summary, details,
		r.AccountID, r.Symbol, r.StrategyID, now).Scan(&id)
	if err != nil {
		log.Error().Err(err).Msg("failed to persist alert")
		return
	}

	alert := types.Alert{
		ID: id, Type: r.Type, Severity: r.Severity, Fingerprint: fingerprint,
		DedupeKey: r.DedupeKey, Summary: r.Summary, Details: details,
		AccountID: r.AccountID, Symbol: r.Symbol, StrategyID: r.StrategyID,
		EventTimestamp: now, CreatedAt: now,
	}

	log.Warn().Str("type", r.Type).Str("severity", string(r.Severity)).Str("summary", r.Summary).Msg("🚨 alert raised")

	if f.hub != nil {
		f.hub.Deliver(ctx, alert)
	}
}

func fingerprintOf(r Request) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", r.Type, r.AccountID, r.Symbol, r.StrategyID)))
	return hex.EncodeToString(sum[:])
}
