// Package lifecycle implements the Order Lifecycle Manager: signal
// processing through the Risk Gate, order submission, and fill ingestion,
// with VWAP position averaging generalized to a symbol/side/qty model.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/web3guy0/ordercore/audit"
	"github.com/web3guy0/ordercore/idempotency"
	"github.com/web3guy0/ordercore/risk"
	"github.com/web3guy0/ordercore/types"
)

// Broker is the narrow interface the manager needs from a broker adapter —
// submission and cancellation. Fill delivery arrives asynchronously via IngestFill,
// potentially from a goroutine started by a different broker client
// (the foreign-thread delivery model, see broker.Simulated).
type Broker interface {
	SubmitOrder(ctx context.Context, o types.Order) (brokerOrderID string, err error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// Manager owns the in-memory order/position indices and is the single
// writer for both — all mutation happens on the caller's goroutine (the
// scheduler thread); IngestFill is the one entrypoint allowed to be called
// from a foreign thread, and it only enqueues, never mutates directly.
type Manager struct {
	mu sync.Mutex

	db     *sql.DB
	gate   *risk.Gate
	broker Broker
	idemp  *idempotency.Store
	audit  *audit.Chain

	orders    map[string]*types.Order    // order_id -> order
	positions map[string]*types.Position // account_id|symbol -> position

	fillCh chan fillEnvelope
	quit   chan struct{}
}

type fillEnvelope struct {
	fill types.Fill
}

// New constructs a Manager. Call Run in its own goroutine to start the
// single-threaded fill-ingestion loop.
func New(db *sql.DB, gate *risk.Gate, broker Broker, idemp *idempotency.Store, chain *audit.Chain) *Manager {
	return &Manager{
		db:        db,
		gate:      gate,
		broker:    broker,
		idemp:     idemp,
		audit:     chain,
		orders:    make(map[string]*types.Order),
		positions: make(map[string]*types.Position),
		fillCh:    make(chan fillEnvelope, 1024),
		quit:      make(chan struct{}),
	}
}

// Run drains the fill channel on the calling goroutine until Stop is called.
// This is the single point where position/order indices are mutated,
// eliminating the need for a mutex around fill application itself.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case env := <-m.fillCh:
			if err := m.applyFill(ctx, env.fill); err != nil {
				log.Error().Err(err).Str("fill_id", env.fill.FillID).Msg("failed to apply fill")
			}
		case <-m.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the Run loop.
func (m *Manager) Stop() { close(m.quit) }

// SetBroker wires the broker dependency after construction, used when the
// broker itself needs a reference to the manager as its fill sink (an
// unavoidable cyclic wiring resolved by deferred assignment rather than an
// import cycle).
func (m *Manager) SetBroker(b Broker) {
	m.mu.Lock()
	m.broker = b
	m.mu.Unlock()
}

// IngestFill hands a fill off to the scheduler thread. Safe to call from any
// goroutine, including one driven by a broker SDK callback on a thread the
// scheduler does not own.
func (m *Manager) IngestFill(f types.Fill) {
	m.fillCh <- fillEnvelope{fill: f}
}

// ProcessSignal runs a strategy signal through the Risk Gate and, if
// approved, submits the resulting order. Returns the persisted Order.
//
// The (strategy_id, symbol, client_id) triple is the signal's idempotency
// key: a cached order for that key is replayed as-is, without re-running the
// gate or re-submitting to the broker.
func (m *Manager) ProcessSignal(ctx context.Context, sig types.Signal, snap types.PortfolioSnapshot) (*types.Order, error) {
	key := fmt.Sprintf("signal:%s:%s:%s", sig.StrategyID, sig.Symbol, sig.ClientID)

	if m.idemp != nil {
		var cached types.Order
		found, err := m.idemp.GetJSON(ctx, key, &cached)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if found {
			log.Debug().Str("key", key).Msg("replaying cached order for signal")
			return &cached, nil
		}
		if _, err := m.idemp.Reserve(ctx, key, "order", ""); err != nil {
			return nil, fmt.Errorf("idempotency reserve: %w", err)
		}
	}

	decision := m.gate.Evaluate(sig, snap)
	if !decision.Approved {
		log.Warn().Str("symbol", sig.Symbol).Str("reason", decision.RejectReason).Msg("🚫 signal rejected by risk gate")
		return nil, fmt.Errorf("risk gate rejected: %s", decision.RejectReason)
	}

	order := &types.Order{
		OrderID:    uuid.NewString(),
		AccountID:  sig.AccountID,
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Kind:       sig.Kind,
		LimitPrice: sig.LimitPrice,
		Quantity:   decision.AdjustedQty,
		Status:     types.OrderPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	if err := m.persistOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}

	brokerID, err := m.broker.SubmitOrder(ctx, *order)
	if err != nil {
		order.Status = types.OrderRejected
		order.RejectReason = err.Error()
		_ = m.persistOrder(ctx, order)
		m.completeIdempotency(ctx, key, order)
		return order, fmt.Errorf("submit order: %w", err)
	}

	order.BrokerOrderID = brokerID
	order.Status = types.OrderSubmitted
	order.UpdatedAt = time.Now()
	if err := m.persistOrder(ctx, order); err != nil {
		return order, fmt.Errorf("persist submitted order: %w", err)
	}

	m.mu.Lock()
	m.orders[order.OrderID] = order
	m.mu.Unlock()

	if m.audit != nil {
		_, _ = m.audit.Append(ctx, audit.Entry{
			EventType: "order.submitted", ActorType: "strategy", ActorID: sig.StrategyID,
			ResourceType: "order", ResourceID: order.OrderID, NewValue: order,
		})
	}

	m.completeIdempotency(ctx, key, order)
	return order, nil
}

// completeIdempotency caches the outcome of ProcessSignal against key so a
// replayed signal returns this same order without re-running the gate.
func (m *Manager) completeIdempotency(ctx context.Context, key string, order *types.Order) {
	if m.idemp == nil {
		return
	}
	body, err := json.Marshal(order)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to marshal order for idempotency cache")
		return
	}
	if err := m.idemp.Complete(ctx, key, body); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to complete idempotency record")
	}
}

// applyFill is idempotent by fill_id and updates filled_qty/avg_fill_price
// with a VWAP update. Runs only on the scheduler thread (called from Run).
func (m *Manager) applyFill(ctx context.Context, f types.Fill) error {
	seen, err := idempotency.SeenFill(ctx, m.db, f.FillID, f.BrokerOrderID, f.Qty.String(), f.Price.String())
	if err != nil {
		return fmt.Errorf("fill dedup check: %w", err)
	}
	if seen {
		log.Debug().Str("fill_id", f.FillID).Msg("duplicate fill dropped")
		return nil
	}

	m.mu.Lock()
	var order *types.Order
	for _, o := range m.orders {
		if o.BrokerOrderID == f.BrokerOrderID {
			order = o
			break
		}
	}
	m.mu.Unlock()
	if order == nil {
		return fmt.Errorf("fill for unknown broker order %s", f.BrokerOrderID)
	}

	m.mu.Lock()
	totalCost := order.AvgFillPrice.Mul(order.FilledQty).Add(f.Price.Mul(f.Qty))
	newFilled := order.FilledQty.Add(f.Qty)
	if !newFilled.IsZero() {
		order.AvgFillPrice = totalCost.Div(newFilled)
	}
	order.FilledQty = newFilled
	if order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		order.Status = types.OrderFilled
	} else {
		order.Status = types.OrderPartialFill
	}
	order.UpdatedAt = time.Now()
	m.mu.Unlock()

	if err := m.persistOrder(ctx, order); err != nil {
		return fmt.Errorf("persist fill update: %w", err)
	}

	return m.updatePosition(ctx, order, f)
}

// updatePosition folds a fill into the position's weighted-average cost.
// BUY fills widen the average cost basis; SELL fills reduce size (and, at
// the MVP's long-only scope, never flip short).
func (m *Manager) updatePosition(ctx context.Context, order *types.Order, f types.Fill) error {
	m.mu.Lock()
	key := order.AccountID + "|" + order.Symbol
	pos, ok := m.positions[key]
	if !ok {
		pos = &types.Position{
			AccountID: order.AccountID, Symbol: order.Symbol,
			Status: types.PositionOpen,
		}
		m.positions[key] = pos
	}

	if order.Side == types.SideBuy {
		totalCost := pos.AvgCost.Mul(pos.Quantity).Add(f.Price.Mul(f.Qty))
		newQty := pos.Quantity.Add(f.Qty)
		if !newQty.IsZero() {
			pos.AvgCost = totalCost.Div(newQty)
		}
		pos.Quantity = newQty
	} else {
		pos.Quantity = pos.Quantity.Sub(f.Qty)
		if pos.Quantity.LessThanOrEqual(decimal.Zero) {
			pos.Quantity = decimal.Zero
			pos.Status = types.PositionClosed
			now := time.Now()
			pos.ClosedAt = &now
			realized := f.Price.Sub(pos.AvgCost).Mul(f.Qty)
			m.mu.Unlock()
			m.gate.RecordExit(order.Symbol, realized)
			m.mu.Lock()
		}
	}
	snapshot := *pos
	m.mu.Unlock()

	return m.persistPosition(ctx, &snapshot)
}

func (m *Manager) persistOrder(ctx context.Context, o *types.Order) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, broker_order_id, account_id, strategy_id, symbol, side, kind,
			limit_price, quantity, filled_qty, avg_fill_price, status, reject_reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (order_id) DO UPDATE SET
			broker_order_id = $2, filled_qty = $10, avg_fill_price = $11, status = $12,
			reject_reason = $13, updated_at = $15
	`, o.OrderID, nullStr(o.BrokerOrderID), o.AccountID, o.StrategyID, o.Symbol, string(o.Side), string(o.Kind),
		o.LimitPrice, o.Quantity, o.FilledQty, o.AvgFillPrice, string(o.Status), o.RejectReason, o.CreatedAt, o.UpdatedAt)
	return err
}

func (m *Manager) persistPosition(ctx context.Context, p *types.Position) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO positions (account_id, symbol, quantity, avg_cost, status, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (account_id, symbol) DO UPDATE SET
			quantity = $3, avg_cost = $4, status = $5, closed_at = $6
	`, p.AccountID, p.Symbol, p.Quantity, p.AvgCost, string(p.Status), p.ClosedAt)
	return err
}

// GetOrder returns the in-memory order, if loaded.
func (m *Manager) GetOrder(orderID string) (*types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	return o, ok
}

// GetPosition returns the in-memory position for account+symbol, if any.
func (m *Manager) GetPosition(accountID, symbol string) (*types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[accountID+"|"+symbol]
	return p, ok
}

// LoadFromDB repopulates in-memory indices at startup from persisted
// non-terminal orders and open positions.
func (m *Manager) LoadFromDB(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT order_id, broker_order_id, account_id, strategy_id, symbol, side, kind,
		       limit_price, quantity, filled_qty, avg_fill_price, status, created_at, updated_at
		FROM orders WHERE status NOT IN ('FILLED','CANCELLED','REJECTED','EXPIRED')
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	for rows.Next() {
		o := &types.Order{}
		var brokerID sql.NullString
		if err := rows.Scan(&o.OrderID, &brokerID, &o.AccountID, &o.StrategyID, &o.Symbol, &o.Side, &o.Kind,
			&o.LimitPrice, &o.Quantity, &o.FilledQty, &o.AvgFillPrice, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return err
		}
		o.BrokerOrderID = brokerID.String
		m.orders[o.OrderID] = o
	}
	return rows.Err()
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
