package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/web3guy0/ordercore/config"
	"github.com/web3guy0/ordercore/idempotency"
	"github.com/web3guy0/ordercore/risk"
	"github.com/web3guy0/ordercore/types"
)

type fakeBroker struct {
	submitted []types.Order
	nextID    int
	failNext  bool
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, o types.Order) (string, error) {
	if f.failNext {
		return "", errSubmitFailed
	}
	f.nextID++
	f.submitted = append(f.submitted, o)
	return "BROKER-1", nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, brokerOrderID string) error { return nil }

var errSubmitFailed = &submitError{}

type submitError struct{}

func (e *submitError) Error() string { return "broker unavailable" }

func testGate() *risk.Gate {
	cfg := config.RiskConfig{
		MaxPositionPct: decimal.NewFromFloat(1), MaxDailyLossAbs: decimal.NewFromInt(100000),
		MaxDailyLossPct: decimal.NewFromFloat(1), MaxConsecutiveLosses: 100,
		MinOrderQty: decimal.NewFromFloat(0.0001), ClosingSizeReduction: decimal.NewFromFloat(1),
	}
	return risk.NewGate(cfg,
		func() types.TradingFSMState { return types.TradingRunning },
		func() types.SystemModeState { return types.ModeNormal },
		nil,
	)
}

func expectIdempotencyMiss(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT key, resource_type, resource_id, response_data, expires_at`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO idempotency_keys`).WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestProcessSignalApprovedSubmitsAndPersists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectIdempotencyMiss(mock)
	mock.ExpectExec(`INSERT INTO orders`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO orders`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE idempotency_keys SET response_data`).WillReturnResult(sqlmock.NewResult(0, 1))

	broker := &fakeBroker{}
	idemp := idempotency.New(db, time.Hour)
	m := New(db, testGate(), broker, idemp, nil)

	sig := types.Signal{
		StrategyID: "strat-1", AccountID: "acct-1", Symbol: "BTC-USD",
		Side: types.SideBuy, Kind: types.KindLimit,
		Quantity: decimal.NewFromInt(1), LimitPrice: decimal.NewFromInt(100),
	}
	order, err := m.ProcessSignal(context.Background(), sig, types.PortfolioSnapshot{Equity: decimal.NewFromInt(10000)})
	require.NoError(t, err)
	require.Equal(t, types.OrderSubmitted, order.Status)
	require.Equal(t, "BROKER-1", order.BrokerOrderID)

	got, ok := m.GetOrder(order.OrderID)
	require.True(t, ok)
	require.Equal(t, order.OrderID, got.OrderID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessSignalReplaysCachedOrderWithoutResubmitting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cached := types.Order{OrderID: "ord-cached", Status: types.OrderSubmitted, BrokerOrderID: "BROKER-9"}
	body, err := json.Marshal(cached)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT key, resource_type, resource_id, response_data, expires_at`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "resource_type", "resource_id", "response_data", "expires_at"}).
			AddRow("signal:strat-1:BTC-USD:", "order", "", body, time.Now().Add(time.Hour)))

	broker := &fakeBroker{}
	idemp := idempotency.New(db, time.Hour)
	m := New(db, testGate(), broker, idemp, nil)

	sig := types.Signal{
		StrategyID: "strat-1", AccountID: "acct-1", Symbol: "BTC-USD",
		Side: types.SideBuy, Kind: types.KindLimit,
		Quantity: decimal.NewFromInt(1), LimitPrice: decimal.NewFromInt(100),
	}
	order, err := m.ProcessSignal(context.Background(), sig, types.PortfolioSnapshot{Equity: decimal.NewFromInt(10000)})
	require.NoError(t, err)
	require.Equal(t, "ord-cached", order.OrderID)
	require.Empty(t, broker.submitted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessSignalRejectedByGateNeverReachesBroker(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectIdempotencyMiss(mock)

	broker := &fakeBroker{}
	idemp := idempotency.New(db, time.Hour)
	gate := testGate()
	gate.RecordExit("BTC-USD", decimal.NewFromInt(-1))
	gate.RecordExit("BTC-USD", decimal.NewFromInt(-1)) // disables the symbol after 2 losses

	m := New(db, gate, broker, idemp, nil)
	sig := types.Signal{
		StrategyID: "strat-1", AccountID: "acct-1", Symbol: "BTC-USD",
		Side: types.SideBuy, Kind: types.KindLimit,
		Quantity: decimal.NewFromInt(1), LimitPrice: decimal.NewFromInt(100),
	}
	_, err = m.ProcessSignal(context.Background(), sig, types.PortfolioSnapshot{Equity: decimal.NewFromInt(10000)})
	require.Error(t, err)
	require.Empty(t, broker.submitted)
}

func TestApplyFillUpdatesVWAPAndPosition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	broker := &fakeBroker{}
	idemp := idempotency.New(db, time.Hour)
	m := New(db, testGate(), broker, idemp, nil)

	order := &types.Order{
		OrderID: "ord-1", BrokerOrderID: "BROKER-1", AccountID: "acct-1", Symbol: "BTC-USD",
		Side: types.SideBuy, Quantity: decimal.NewFromInt(10), Status: types.OrderSubmitted,
	}
	m.orders["ord-1"] = order

	mock.ExpectExec(`INSERT INTO fill_ledger`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO orders`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO positions`).WillReturnResult(sqlmock.NewResult(0, 1))

	err = m.applyFill(context.Background(), types.Fill{
		FillID: "fill-1", BrokerOrderID: "BROKER-1",
		Qty: decimal.NewFromInt(4), Price: decimal.NewFromInt(100), Timestamp: time.Now(),
	})
	require.NoError(t, err)

	require.True(t, order.AvgFillPrice.Equal(decimal.NewFromInt(100)))
	require.True(t, order.FilledQty.Equal(decimal.NewFromInt(4)))
	require.Equal(t, types.OrderPartialFill, order.Status)

	pos, ok := m.GetPosition("acct-1", "BTC-USD")
	require.True(t, ok)
	require.True(t, pos.Quantity.Equal(decimal.NewFromInt(4)))
	require.True(t, pos.AvgCost.Equal(decimal.NewFromInt(100)))
}

func TestApplyFillDropsDuplicateFillID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	broker := &fakeBroker{}
	idemp := idempotency.New(db, time.Hour)
	m := New(db, testGate(), broker, idemp, nil)

	order := &types.Order{
		OrderID: "ord-1", BrokerOrderID: "BROKER-1", AccountID: "acct-1", Symbol: "BTC-USD",
		Side: types.SideBuy, Quantity: decimal.NewFromInt(10), Status: types.OrderSubmitted,
	}
	m.orders["ord-1"] = order

	mock.ExpectExec(`INSERT INTO fill_ledger`).WillReturnResult(sqlmock.NewResult(0, 0)) // already exists

	err = m.applyFill(context.Background(), types.Fill{
		FillID: "fill-1", BrokerOrderID: "BROKER-1",
		Qty: decimal.NewFromInt(4), Price: decimal.NewFromInt(100), Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, order.FilledQty.IsZero()) // fill never applied, it was already seen
}

func TestClosingPositionRecordsRealizedPnLAndClosesStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	broker := &fakeBroker{}
	idemp := idempotency.New(db, time.Hour)
	gate := testGate()
	m := New(db, gate, broker, idemp, nil)

	// seed an open long position directly
	m.positions["acct-1|BTC-USD"] = &types.Position{
		AccountID: "acct-1", Symbol: "BTC-USD",
		Quantity: decimal.NewFromInt(5), AvgCost: decimal.NewFromInt(100), Status: types.PositionOpen,
	}
	order := &types.Order{
		OrderID: "ord-2", BrokerOrderID: "BROKER-2", AccountID: "acct-1", Symbol: "BTC-USD",
		Side: types.SideSell, Quantity: decimal.NewFromInt(5), Status: types.OrderSubmitted,
	}
	m.orders["ord-2"] = order

	mock.ExpectExec(`INSERT INTO fill_ledger`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO orders`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO positions`).WillReturnResult(sqlmock.NewResult(0, 1))

	err = m.applyFill(context.Background(), types.Fill{
		FillID: "fill-2", BrokerOrderID: "BROKER-2",
		Qty: decimal.NewFromInt(5), Price: decimal.NewFromInt(120), Timestamp: time.Now(),
	})
	require.NoError(t, err)

	pos, ok := m.GetPosition("acct-1", "BTC-USD")
	require.True(t, ok)
	require.True(t, pos.Quantity.IsZero())
	require.Equal(t, types.PositionClosed, pos.Status)
	require.NotNil(t, pos.ClosedAt)

	// realized PnL = (120-100)*5 = 100, a win: consecutive loss streak stays at 0
	require.Equal(t, 0, gate.GetStats().ConsecutiveLosses)
}

func TestIngestFillIsSafeFromForeignGoroutine(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	broker := &fakeBroker{}
	idemp := idempotency.New(db, time.Hour)
	m := New(db, testGate(), broker, idemp, nil)
	order := &types.Order{
		OrderID: "ord-1", BrokerOrderID: "BROKER-1", AccountID: "acct-1", Symbol: "BTC-USD",
		Side: types.SideBuy, Quantity: decimal.NewFromInt(10), Status: types.OrderSubmitted,
	}
	m.orders["ord-1"] = order

	mock.ExpectExec(`INSERT INTO fill_ledger`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO orders`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO positions`).WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	done := make(chan struct{})
	go func() {
		m.IngestFill(types.Fill{FillID: "fill-x", BrokerOrderID: "BROKER-1", Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(50)})
		close(done)
	}()
	<-done

	require.Eventually(t, func() bool {
		return order.FilledQty.Equal(decimal.NewFromInt(1))
	}, time.Second, 10*time.Millisecond)
	m.Stop()
}
