package reconcile

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"github.com/web3guy0/ordercore/config"
	"github.com/web3guy0/ordercore/storage"
	"github.com/web3guy0/ordercore/types"
)

type fakeBrokerView struct {
	open map[string]types.Order
	err  error
}

func (f *fakeBrokerView) OpenOrders(ctx context.Context) (map[string]types.Order, error) {
	return f.open, f.err
}

func newTestDB(t *testing.T) (*storage.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return storage.NewFromConn(sqlDB), mock
}

func testCfg() config.ReconcileConfig {
	return config.ReconcileConfig{LockKey: 918273645, StuckOrderAge: time.Hour}
}

func TestTickSkipsWhenAdvisoryLockAlreadyHeld(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	e := New(db, &fakeBrokerView{}, nil, testCfg())
	res, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, res.Ran)
}

func TestTickDetectsMissingLocalOrder(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(`SELECT order_id, broker_order_id, account_id, symbol, side, status, created_at, reconcile_not_found_count`).
		WillReturnRows(sqlmock.NewRows([]string{
			"order_id", "broker_order_id", "account_id", "symbol", "side", "status", "created_at", "reconcile_not_found_count",
		}))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).WillReturnResult(sqlmock.NewResult(0, 0))

	broker := &fakeBrokerView{open: map[string]types.Order{
		"BROKER-99": {OrderID: "unknown", BrokerOrderID: "BROKER-99"},
	}}
	e := New(db, broker, nil, testCfg())
	res, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, res.Ran)
	require.Equal(t, []string{"BROKER-99"}, res.MissingLocal)
}

func TestTickDetectsMissingBrokerOrderAndBumpsCount(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(`SELECT order_id, broker_order_id, account_id, symbol, side, status, created_at, reconcile_not_found_count`).
		WillReturnRows(sqlmock.NewRows([]string{
			"order_id", "broker_order_id", "account_id", "symbol", "side", "status", "created_at", "reconcile_not_found_count",
		}).AddRow("ord-1", "BROKER-1", "acct-1", "BTC-USD", "BUY", types.OrderSubmitted, time.Now(), 0))
	mock.ExpectExec(`UPDATE orders SET reconcile_not_found_count = reconcile_not_found_count \+ 1`).
		WithArgs("ord-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).WillReturnResult(sqlmock.NewResult(0, 0))

	e := New(db, &fakeBrokerView{open: map[string]types.Order{}}, nil, testCfg())
	res, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"BROKER-1"}, res.MissingBroker)
}

func TestTickFlagsStuckNonTerminalOrders(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(`SELECT order_id, broker_order_id, account_id, symbol, side, status, created_at, reconcile_not_found_count`).
		WillReturnRows(sqlmock.NewRows([]string{
			"order_id", "broker_order_id", "account_id", "symbol", "side", "status", "created_at", "reconcile_not_found_count",
		}).AddRow("ord-1", "BROKER-1", "acct-1", "BTC-USD", "BUY", types.OrderSubmitted, time.Now().Add(-2*time.Hour), 0))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).WillReturnResult(sqlmock.NewResult(0, 0))

	broker := &fakeBrokerView{open: map[string]types.Order{"BROKER-1": {OrderID: "ord-1", BrokerOrderID: "BROKER-1"}}}
	e := New(db, broker, nil, testCfg())
	res, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"ord-1"}, res.StuckOrders)
}
