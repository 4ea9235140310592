// Package outbox implements the transactional outbox write path and the
// async worker pool that drains it, using plain SQL (no ORM) with a
// SUBMIT_CLOSE_ORDER event type and FOR UPDATE SKIP LOCKED claiming.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/web3guy0/ordercore/config"
	"github.com/web3guy0/ordercore/types"
)

// Write appends an event row in the same transaction as tx's other writes,
// so a close-request's creation and its outbox row commit atomically.
func Write(ctx context.Context, tx *sql.Tx, eventType types.OutboxEventType, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_events (event_type, payload) VALUES ($1, $2)
	`, string(eventType), body)
	return err
}

// CloseOrderSubmitter is the narrow broker-facing dependency the worker
// pool needs — submitting the order implied by a SUBMIT_CLOSE_ORDER event.
type CloseOrderSubmitter interface {
	SubmitCloseOrder(ctx context.Context, p types.SubmitCloseOrderPayload) error
}

// Pool drains pending outbox rows with a fixed worker count, each worker
// claiming rows with FOR UPDATE SKIP LOCKED so workers never contend on the
// same row. The claim commits status 'processing' before the broker call and
// polls select only 'pending' rows, so a row whose worker dies before
// marking it completed or failed stays in 'processing' and is not re-polled.
type Pool struct {
	db       *sql.DB
	cfg      config.OutboxConfig
	submit   CloseOrderSubmitter
	breaker  *gobreaker.CircuitBreaker
	stopCh   chan struct{}
}

// NewPool constructs a worker pool. gobreaker wraps broker RPC calls made
// during claim processing — an RPC-failure circuit, distinct from and
// composing with risk.Gate's trading-loss circuit breaker.
func NewPool(db *sql.DB, cfg config.OutboxConfig, submit CloseOrderSubmitter) *Pool {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-broker-submit",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Pool{db: db, cfg: cfg, submit: submit, breaker: breaker, stopCh: make(chan struct{})}
}

// Run starts cfg.WorkerCount goroutines polling every cfg.PollInterval until
// ctx is cancelled or Stop is called.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		go p.worker(ctx, i)
	}
}

// Stop signals all workers to exit after their current poll.
func (p *Pool) Stop() { close(p.stopCh) }

func (p *Pool) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.claimAndProcessOne(ctx); err != nil && err != errNoWork {
				log.Error().Err(err).Int("worker", id).Msg("outbox worker error")
			}
		}
	}
}

var errNoWork = fmt.Errorf("no pending outbox rows")

// claimAndProcessOne claims a single pending row ordered by created_at,
// processes it, and marks it completed or failed, all within one
// transaction boundary for the claim itself (processing happens after
// commit so a slow broker RPC does not hold the row lock).
func (p *Pool) claimAndProcessOne(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var ev types.OutboxEvent
	var payload []byte
	err = tx.QueryRowContext(ctx, `
		SELECT id, event_type, payload, retry_count, created_at
		FROM outbox_events
		WHERE status = 'pending'
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`).Scan(&ev.ID, &ev.EventType, &payload, &ev.RetryCount, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return errNoWork
	}
	if err != nil {
		return fmt.Errorf("claim outbox row: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE outbox_events SET status = 'processing' WHERE id = $1`, ev.ID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit claim: %w", err)
	}

	procErr := p.process(ctx, ev.EventType, payload)
	if procErr != nil {
		return p.markFailed(ctx, ev.ID, ev.RetryCount, procErr)
	}
	return p.markCompleted(ctx, ev.ID)
}

func (p *Pool) process(ctx context.Context, eventType types.OutboxEventType, payload []byte) error {
	switch eventType {
	case types.EventSubmitCloseOrder:
		var pl types.SubmitCloseOrderPayload
		if err := json.Unmarshal(payload, &pl); err != nil {
			return fmt.Errorf("unmarshal close order payload: %w", err)
		}
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, p.submit.SubmitCloseOrder(ctx, pl)
		})
		return err
	default:
		return fmt.Errorf("unknown outbox event type %q", eventType)
	}
}

func (p *Pool) markCompleted(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'completed', processed_at = NOW() WHERE id = $1
	`, id)
	return err
}

func (p *Pool) markFailed(ctx context.Context, id int64, retryCount int, cause error) error {
	next := retryCount + 1
	status := "pending"
	if next >= p.cfg.MaxRetries {
		status = "failed"
		log.Error().Int64("outbox_id", id).Err(cause).Msg("🔴 outbox event exhausted retries")
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET status = $2, retry_count = $3 WHERE id = $1
	`, id, status, next)
	return err
}

// Cleaner periodically deletes terminal rows older than cfg.CleanupAfter.
// Intended to be driven by robfig/cron alongside the reconciliation tick.
func Cleaner(db *sql.DB, cfg config.OutboxConfig) func() {
	return func() {
		res, err := db.Exec(`
			DELETE FROM outbox_events
			WHERE status IN ('completed', 'failed') AND created_at < NOW() - ($1 || ' seconds')::interval
		`, fmt.Sprintf("%d", int64(cfg.CleanupAfter.Seconds())))
		if err != nil {
			log.Error().Err(err).Msg("outbox cleanup failed")
			return
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			log.Info().Int64("rows", n).Msg("🧹 outbox cleanup")
		}
	}
}
