package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/web3guy0/ordercore/marketdata"
	"github.com/web3guy0/ordercore/types"
)

type fakeSink struct {
	mu    sync.Mutex
	fills []types.Fill
}

func (s *fakeSink) IngestFill(f types.Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, f)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fills)
}

// Without Start, pushFill finds no connected client and delivers the fill
// in-process — exercised here without standing up the WebSocket server.
func TestSubmitOrderDeliversFillInProcessWithoutSocket(t *testing.T) {
	sink := &fakeSink{}
	b := NewSimulated("127.0.0.1:0", sink)

	brokerID, err := b.SubmitOrder(context.Background(), types.Order{
		Symbol: "BTC-USD", Side: types.SideBuy, Quantity: decimal.NewFromInt(2), LimitPrice: decimal.NewFromInt(150),
	})
	require.NoError(t, err)
	require.Contains(t, brokerID, "SIM-")

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)
	require.True(t, sink.fills[0].Price.Equal(decimal.NewFromInt(150)))
	require.Equal(t, brokerID, sink.fills[0].BrokerOrderID)
}

func TestSubmitOrderDefaultsPriceWhenNoLimitPrice(t *testing.T) {
	sink := &fakeSink{}
	b := NewSimulated("127.0.0.1:0", sink)

	_, err := b.SubmitOrder(context.Background(), types.Order{Symbol: "ETH-USD", Side: types.SideBuy, Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)
	require.True(t, sink.fills[0].Price.Equal(decimal.NewFromInt(100)))
}

func TestOpenOrdersReflectsUnfilledSubmissionsOnly(t *testing.T) {
	sink := &fakeSink{}
	b := NewSimulated("127.0.0.1:0", sink)

	brokerID, err := b.SubmitOrder(context.Background(), types.Order{Symbol: "BTC-USD", Side: types.SideBuy, Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)

	open, err := b.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Contains(t, open, brokerID)

	require.Eventually(t, func() bool {
		open, _ := b.OpenOrders(context.Background())
		_, stillOpen := open[brokerID]
		return !stillOpen
	}, time.Second, 10*time.Millisecond)
}

func TestCancelOrderRemovesFromOpenOrders(t *testing.T) {
	sink := &fakeSink{}
	b := NewSimulated("127.0.0.1:0", sink)
	b.mu.Lock()
	b.openOrders["SIM-1"] = types.Order{BrokerOrderID: "SIM-1"}
	b.mu.Unlock()

	require.NoError(t, b.CancelOrder(context.Background(), "SIM-1"))
	open, err := b.OpenOrders(context.Background())
	require.NoError(t, err)
	require.NotContains(t, open, "SIM-1")
}

func TestSubmitCloseOrderFailsClosedWithoutFeed(t *testing.T) {
	sink := &fakeSink{}
	b := NewSimulated("127.0.0.1:0", sink)

	err := b.SubmitCloseOrder(context.Background(), types.SubmitCloseOrderPayload{
		CloseRequestID: 1, PositionID: "pos-1", Symbol: "BTC-USD", Side: "SELL",
	})
	require.Error(t, err)
	require.Empty(t, sink.fills)
}

func TestSubmitCloseOrderSubmitsAggressiveLimitOrder(t *testing.T) {
	sink := &fakeSink{}
	b := NewSimulated("127.0.0.1:0", sink)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	feed := marketdata.NewSimulated()
	feed.SetPrice("BTC-USD", decimal.NewFromInt(100))
	b.SetCloseOrderDeps(db, feed)

	mock.ExpectQuery(`SELECT status FROM close_requests WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(types.CloseRequestPending)))
	mock.ExpectExec(`UPDATE close_requests SET status = 'submitted'`).
		WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))

	err = b.SubmitCloseOrder(context.Background(), types.SubmitCloseOrderPayload{
		CloseRequestID: 7, PositionID: "pos-1", Symbol: "BTC-USD", Side: string(types.SideSell),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)

	// bid = 100*0.999 = 99.9; aggressive sell is priced 5% below bid: 99.9*0.95 = 94.905.
	require.True(t, sink.fills[0].Price.LessThan(decimal.NewFromInt(100)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitCloseOrderSkipsWhenRequestNoLongerPending(t *testing.T) {
	sink := &fakeSink{}
	b := NewSimulated("127.0.0.1:0", sink)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	feed := marketdata.NewSimulated()
	feed.SetPrice("BTC-USD", decimal.NewFromInt(100))
	b.SetCloseOrderDeps(db, feed)

	mock.ExpectQuery(`SELECT status FROM close_requests WHERE id = \$1`).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(types.CloseRequestSubmitted)))

	err = b.SubmitCloseOrder(context.Background(), types.SubmitCloseOrderPayload{
		CloseRequestID: 8, PositionID: "pos-1", Symbol: "BTC-USD", Side: string(types.SideSell),
	})
	require.NoError(t, err)
	require.Empty(t, sink.fills)
	require.NoError(t, mock.ExpectationsWereMet())
}
