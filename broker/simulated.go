// Package broker provides the broker adapter interface and a simulated
// implementation used to exercise the Risk Gate, Order Lifecycle Manager
// and Reconciler end to end without a live venue connection.
//
// The simulated broker delivers fills over a local WebSocket connection:
// a server goroutine accepts one client and pushes fill ticks to it on its
// own read/write goroutines, modeling the way a real broker SDK's
// callback arrives on a thread the scheduler does not own, using the same
// gorilla/websocket client/reconnect shape a real market-data feed would.
package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/web3guy0/ordercore/marketdata"
	"github.com/web3guy0/ordercore/types"
)

const (
	normalSpreadCrossPct = 0.05
	wideSpreadThreshold  = 0.20
	wideSpreadCrossPct   = 0.10
	minPrice             = "0.01"
)

// FillSink receives fills delivered off the scheduler thread. lifecycle.Manager
// implements this via IngestFill.
type FillSink interface {
	IngestFill(f types.Fill)
}

// Simulated is an in-process broker: it accepts orders, assigns broker
// order IDs, and after a short simulated delay pushes a fill back over a
// local WebSocket connection exactly as a real adapter's async callback
// would.
type Simulated struct {
	mu         sync.Mutex
	seq        int64
	openOrders map[string]types.Order

	upgrader websocket.Upgrader
	sink     FillSink
	addr     string

	srv    *http.Server
	connMu sync.Mutex
	conn   *websocket.Conn

	db   *sql.DB
	feed marketdata.Feed
}

// NewSimulated constructs a Simulated broker listening on addr for the fill
// delivery WebSocket. Call Start before submitting orders.
func NewSimulated(addr string, sink FillSink) *Simulated {
	return &Simulated{
		openOrders: make(map[string]types.Order),
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		sink:       sink,
		addr:       addr,
	}
}

// SetCloseOrderDeps wires the database and market data feed SubmitCloseOrder
// needs for its idempotent re-read and aggressive-limit-price policy. A nil
// feed makes close orders fail closed rather than guess a price.
func (s *Simulated) SetCloseOrderDeps(db *sql.DB, feed marketdata.Feed) {
	s.mu.Lock()
	s.db = db
	s.feed = feed
	s.mu.Unlock()
}

// Start launches the local fill-delivery WebSocket server in the background.
func (s *Simulated) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/fills", s.handleFillSocket)
	s.srv = &http.Server{Addr: s.addr, Handler: mux}

	ln, err := newListener(s.addr)
	if err != nil {
		return fmt.Errorf("listen for fill socket: %w", err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("simulated broker fill socket stopped")
		}
	}()

	go s.dialClient()
	return nil
}

// Stop shuts the fill-delivery server down.
func (s *Simulated) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Simulated) handleFillSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("fill socket upgrade failed")
		return
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	// Read pump: required by gorilla/websocket to process control frames
	// and detect client disconnects, even though the server only writes.
	go func() {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// dialClient connects a client to our own server, modeling the broker SDK's
// foreign-thread callback goroutine that receives and decodes fill ticks.
func (s *Simulated) dialClient() {
	var conn *websocket.Conn
	var err error
	for i := 0; i < 10; i++ {
		conn, _, err = websocket.DefaultDialer.Dial("ws://"+s.addr+"/fills", nil)
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		log.Error().Err(err).Msg("simulated broker client failed to connect")
		return
	}
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var fill types.Fill
		if err := json.Unmarshal(msg, &fill); err != nil {
			log.Error().Err(err).Msg("fill decode failed")
			continue
		}
		// Delivered from this goroutine, foreign to the scheduler thread.
		s.sink.IngestFill(fill)
	}
}

// SubmitOrder assigns a broker order ID, tracks it as open, and schedules a
// simulated fill to be pushed over the WebSocket shortly after.
func (s *Simulated) SubmitOrder(ctx context.Context, o types.Order) (string, error) {
	s.mu.Lock()
	s.seq++
	brokerID := fmt.Sprintf("SIM-%d", s.seq)
	o.BrokerOrderID = brokerID
	s.openOrders[brokerID] = o
	s.mu.Unlock()

	price := o.LimitPrice
	if price.IsZero() {
		price = decimal.NewFromFloat(100)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		fill := types.Fill{
			FillID:        fmt.Sprintf("%s-F1", brokerID),
			BrokerOrderID: brokerID,
			Qty:           o.Quantity,
			Price:         price,
			Timestamp:     time.Now(),
		}
		s.pushFill(fill)
		s.mu.Lock()
		delete(s.openOrders, brokerID)
		s.mu.Unlock()
	}()

	return brokerID, nil
}

func (s *Simulated) pushFill(f types.Fill) {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		// No client connected yet; deliver in-process so tests that don't
		// spin up the socket still see the fill.
		s.sink.IngestFill(f)
		return
	}
	body, _ := json.Marshal(f)
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		log.Error().Err(err).Msg("fill push failed, delivering in-process")
		s.sink.IngestFill(f)
	}
}

// CancelOrder removes a tracked open order.
func (s *Simulated) CancelOrder(ctx context.Context, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.openOrders, brokerOrderID)
	return nil
}

// OpenOrders returns the broker's view of currently open orders, for the
// Reconciler's local/broker diff.
func (s *Simulated) OpenOrders(ctx context.Context) (map[string]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.Order, len(s.openOrders))
	for k, v := range s.openOrders {
		out[k] = v
	}
	return out, nil
}

// SubmitCloseOrder submits a reduce-only, aggressively-priced limit order for
// a close request, used by the outbox worker pool. It re-reads the
// CloseRequest first so a redelivered outbox row is a no-op once the request
// is no longer pending, computes a limit price that crosses the spread
// enough to fill promptly, and marks the CloseRequest/Position as failed on
// a broker rejection. When no price can be computed (no feed, no quote) it
// returns an error and leaves the request pending, so the outbox retries.
func (s *Simulated) SubmitCloseOrder(ctx context.Context, p types.SubmitCloseOrderPayload) error {
	s.mu.Lock()
	db, feed := s.db, s.feed
	s.mu.Unlock()

	if db != nil {
		pending, err := closeRequestPending(ctx, db, p.CloseRequestID)
		if err != nil {
			return fmt.Errorf("check close request status: %w", err)
		}
		if !pending {
			log.Info().Int64("close_request_id", p.CloseRequestID).Msg("close request no longer pending, skipping")
			return nil
		}
	}

	price, err := aggressiveClosePrice(feed, p.Symbol, types.OrderSide(p.Side))
	if err != nil {
		return fmt.Errorf("price close order: %w", err)
	}

	_, err = s.SubmitOrder(ctx, types.Order{
		Symbol:     p.Symbol,
		Side:       types.OrderSide(p.Side),
		Kind:       types.KindLimit,
		LimitPrice: price,
	})
	if err != nil {
		if db != nil {
			markCloseRejected(ctx, db, p, err.Error())
		}
		return err
	}

	if db != nil {
		if _, err := db.ExecContext(ctx, `
			UPDATE close_requests SET status = 'submitted', submitted_at = NOW() WHERE id = $1
		`, p.CloseRequestID); err != nil {
			log.Error().Err(err).Int64("close_request_id", p.CloseRequestID).Msg("failed to mark close request submitted")
		}
	}
	return nil
}

func closeRequestPending(ctx context.Context, db *sql.DB, closeRequestID int64) (bool, error) {
	var status string
	err := db.QueryRowContext(ctx, `SELECT status FROM close_requests WHERE id = $1`, closeRequestID).Scan(&status)
	if err != nil {
		return false, err
	}
	return status == string(types.CloseRequestPending), nil
}

// markCloseRejected transitions the CloseRequest to failed and clears the
// position's active close request on a broker rejection; best-effort, since
// the worker pool's own retry/backoff handles a failed update here.
func markCloseRejected(ctx context.Context, db *sql.DB, p types.SubmitCloseOrderPayload, reason string) {
	if _, err := db.ExecContext(ctx, `
		UPDATE close_requests SET status = 'failed' WHERE id = $1
	`, p.CloseRequestID); err != nil {
		log.Error().Err(err).Int64("close_request_id", p.CloseRequestID).Msg("failed to mark close request failed")
	}
	if _, err := db.ExecContext(ctx, `
		UPDATE positions SET status = 'close_failed', active_close_request_id = NULL
		WHERE account_id || '|' || symbol = $1
	`, p.PositionID); err != nil {
		log.Error().Err(err).Str("position_id", p.PositionID).Msg("failed to mark position close_failed")
	}
	log.Warn().Str("position_id", p.PositionID).Str("reason", reason).Msg("close order rejected")
}

// aggressiveClosePrice crosses the spread enough to fill promptly: on a
// normal spread a sell is priced 5% below bid and a buy 5% above ask; on a
// wide (>20%) spread a sell is priced 10% below last and a buy 10% above
// last; the result has a 0.01 floor. The simulated feed carries only a single last-trade price, so
// bid/ask are synthesized as a tight 0.2% spread around it — always "normal"
// under this feed, since Simulated has no notion of a wide quote.
func aggressiveClosePrice(feed marketdata.Feed, symbol string, side types.OrderSide) (decimal.Decimal, error) {
	if feed == nil {
		return decimal.Zero, fmt.Errorf("no market data feed configured for %s", symbol)
	}
	quote, ok := feed.Latest(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("no usable quote for %s: retry", symbol)
	}

	last := quote.Price
	bid := last.Mul(decimal.NewFromFloat(0.999))
	ask := last.Mul(decimal.NewFromFloat(1.001))
	spreadPct, _ := ask.Sub(bid).Div(last).Float64()

	var price decimal.Decimal
	wide := spreadPct > wideSpreadThreshold
	switch {
	case side == types.SideSell && wide:
		price = last.Mul(decimal.NewFromFloat(1 - wideSpreadCrossPct))
	case side == types.SideSell:
		price = bid.Mul(decimal.NewFromFloat(1 - normalSpreadCrossPct))
	case wide:
		price = last.Mul(decimal.NewFromFloat(1 + wideSpreadCrossPct))
	default:
		price = ask.Mul(decimal.NewFromFloat(1 + normalSpreadCrossPct))
	}

	floor, _ := decimal.NewFromString(minPrice)
	if price.LessThan(floor) {
		price = floor
	}
	return price, nil
}
