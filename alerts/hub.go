package alerts

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/web3guy0/ordercore/types"
)

// Channel is a delivery destination for alerts (Slack, PagerDuty, log-only,
// etc). Send should itself be resilient to transient failure; the Hub
// records the outcome regardless.
type Channel interface {
	Name() string
	Send(ctx context.Context, a types.Alert) error
}

// Hub fans an alert out to every registered channel and records one
// alert_deliveries row per attempt.
type Hub struct {
	db       *sql.DB
	channels []Channel
}

// NewHub constructs a Hub with the given channels.
func NewHub(db *sql.DB, channels ...Channel) *Hub {
	return &Hub{db: db, channels: channels}
}

// Deliver sends a to every channel concurrently-free (sequential, since
// delivery volume is low and ordering in logs is easier to read serially).
func (h *Hub) Deliver(ctx context.Context, a types.Alert) {
	for _, ch := range h.channels {
		err := ch.Send(ctx, a)
		status := "sent"
		code := 0
		errMsg := ""
		if err != nil {
			status = "failed"
			errMsg = err.Error()
			log.Error().Err(err).Str("channel", ch.Name()).Int64("alert_id", a.ID).Msg("alert delivery failed")
		}
		now := time.Now()
		_, dberr := h.db.ExecContext(ctx, `
			INSERT INTO alert_deliveries (alert_id, channel, destination_key, attempt_number, status, response_code, error_message, sent_at)
			VALUES ($1,$2,$3,1,$4,$5,$6,$7)
		`, a.ID, ch.Name(), ch.Name(), status, code, errMsg, now)
		if dberr != nil {
			log.Error().Err(dberr).Msg("failed to record alert delivery")
		}
	}
}

// LogChannel is a trivial Channel that writes to the structured logger —
// always available, used as the baseline channel in cmd/ordercore/main.go.
type LogChannel struct{}

// Name identifies the channel.
func (LogChannel) Name() string { return "log" }

// Send logs the alert at warn level.
func (LogChannel) Send(ctx context.Context, a types.Alert) error {
	log.Warn().Str("type", a.Type).Str("severity", string(a.Severity)).Str("summary", a.Summary).Msg("📣 alert delivery (log channel)")
	return nil
}
