// Package reconcile implements the periodic local-vs-broker diffing engine,
// generalized from a startup-only recovery step into a recurring tick that
// runs under a Postgres advisory lock so only one replica reconciles at a
// time.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/web3guy0/ordercore/alerts"
	"github.com/web3guy0/ordercore/config"
	"github.com/web3guy0/ordercore/storage"
	"github.com/web3guy0/ordercore/types"
)

// BrokerView is the narrow broker-facing dependency: a snapshot of what the
// broker believes is open, keyed by broker_order_id.
type BrokerView interface {
	OpenOrders(ctx context.Context) (map[string]types.Order, error)
}

// Engine runs one reconciliation pass at a time, comparing the local orders
// table against BrokerView's snapshot.
type Engine struct {
	db      *storage.DB
	broker  BrokerView
	alerts  *alerts.Factory
	cfg     config.ReconcileConfig
}

// New constructs an Engine.
func New(db *storage.DB, broker BrokerView, alertFactory *alerts.Factory, cfg config.ReconcileConfig) *Engine {
	return &Engine{db: db, broker: broker, alerts: alertFactory, cfg: cfg}
}

// Result summarizes one reconciliation pass.
type Result struct {
	Checked        int
	MissingLocal   []string // broker_order_id present at broker, absent locally
	MissingBroker  []string // broker_order_id present locally, absent at broker
	StuckOrders    []string // non-terminal locally, older than StuckOrderAge
	Ran            bool     // false when the advisory lock was already held elsewhere
}

// Tick attempts the advisory lock and, on success, runs one reconciliation
// pass. Designed to be invoked by a robfig/cron schedule; returns
// Result{Ran: false} without error when another replica already holds the
// lock, which is the expected common case in a multi-replica deployment.
func (e *Engine) Tick(ctx context.Context) (Result, error) {
	conn, err := e.db.Conn().Conn(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, e.cfg.LockKey).Scan(&locked); err != nil {
		return Result{}, fmt.Errorf("try advisory lock: %w", err)
	}
	if !locked {
		return Result{Ran: false}, nil
	}
	defer conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, e.cfg.LockKey)

	res, err := e.reconcile(ctx, conn)
	res.Ran = true
	return res, err
}

func (e *Engine) reconcile(ctx context.Context, conn *sql.Conn) (Result, error) {
	var result Result

	localOrders, err := e.loadNonTerminalOrders(ctx, conn)
	if err != nil {
		return result, fmt.Errorf("load local orders: %w", err)
	}
	result.Checked = len(localOrders)

	brokerOrders, err := e.broker.OpenOrders(ctx)
	if err != nil {
		return result, fmt.Errorf("fetch broker open orders: %w", err)
	}

	localByBrokerID := make(map[string]types.Order, len(localOrders))
	for _, o := range localOrders {
		if o.BrokerOrderID != "" {
			localByBrokerID[o.BrokerOrderID] = o
		}
	}

	for brokerID := range brokerOrders {
		if _, ok := localByBrokerID[brokerID]; !ok {
			result.MissingLocal = append(result.MissingLocal, brokerID)
		}
	}

	now := time.Now()
	for _, o := range localOrders {
		if o.BrokerOrderID == "" {
			continue
		}
		if _, ok := brokerOrders[o.BrokerOrderID]; !ok {
			result.MissingBroker = append(result.MissingBroker, o.BrokerOrderID)
			if err := e.bumpNotFound(ctx, conn, o.OrderID); err != nil {
				log.Error().Err(err).Str("order_id", o.OrderID).Msg("failed to bump reconcile_not_found_count")
			}
		}
		if !o.Status.IsTerminal() && now.Sub(o.CreatedAt) > e.cfg.StuckOrderAge {
			result.StuckOrders = append(result.StuckOrders, o.OrderID)
		}
	}

	if e.alerts != nil {
		if len(result.MissingLocal) > 0 {
			e.alerts.Raise(ctx, alerts.Request{
				Type: "reconcile.missing_local", Severity: types.SevHigh,
				Summary:   fmt.Sprintf("%d broker order(s) have no local record", len(result.MissingLocal)),
				DedupeKey: "reconcile.missing_local",
			})
		}
		if len(result.StuckOrders) > 0 {
			e.alerts.Raise(ctx, alerts.Request{
				Type: "reconcile.stuck_orders", Severity: types.SevHigh,
				Summary:   fmt.Sprintf("%d order(s) stuck in a non-terminal state", len(result.StuckOrders)),
				DedupeKey: "reconcile.stuck_orders",
			})
		}
	}

	return result, nil
}

func (e *Engine) loadNonTerminalOrders(ctx context.Context, conn *sql.Conn) ([]types.Order, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT order_id, broker_order_id, account_id, symbol, side, status, created_at, reconcile_not_found_count
		FROM orders
		WHERE status NOT IN ('FILLED','CANCELLED','REJECTED','EXPIRED')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		var o types.Order
		var brokerID sql.NullString
		if err := rows.Scan(&o.OrderID, &brokerID, &o.AccountID, &o.Symbol, &o.Side, &o.Status, &o.CreatedAt, &o.ReconcileNotFound); err != nil {
			return nil, err
		}
		o.BrokerOrderID = brokerID.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func (e *Engine) bumpNotFound(ctx context.Context, conn *sql.Conn, orderID string) error {
	_, err := conn.ExecContext(ctx, `
		UPDATE orders SET reconcile_not_found_count = reconcile_not_found_count + 1 WHERE order_id = $1
	`, orderID)
	return err
}
