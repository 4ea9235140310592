package main

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog/log"
	"github.com/web3guy0/ordercore/server"
	"github.com/web3guy0/ordercore/tradingstate"
	"github.com/web3guy0/ordercore/types"
)

// canceller is the narrow broker dependency the kill switch needs.
type canceller interface {
	OpenOrders(ctx context.Context) (map[string]types.Order, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// killSwitch implements server.KillSwitch: halt trading, cancel every
// broker-open order, and list every open position in the report's
// PositionsFlagged. It creates no close requests or outbox rows, so open
// positions are reported but not flattened.
type killSwitch struct {
	fsm    *tradingstate.FSM
	broker canceller
	db     *sql.DB
}

func newKillSwitch(fsm *tradingstate.FSM, broker canceller, db *sql.DB) *killSwitch {
	return &killSwitch{fsm: fsm, broker: broker, db: db}
}

func (k *killSwitch) Execute(ctx context.Context) server.KillSwitchReport {
	report := server.KillSwitchReport{}

	if err := k.fsm.Transition(ctx, types.TradingHalted, "kill switch"); err == nil {
		report.Halted = true
	}

	open, err := k.broker.OpenOrders(ctx)
	if err != nil {
		log.Error().Err(err).Msg("kill switch: failed to fetch open orders")
	}
	for brokerID := range open {
		if err := k.broker.CancelOrder(ctx, brokerID); err != nil {
			report.CancelErrors = append(report.CancelErrors, brokerID+": "+err.Error())
			continue
		}
		report.OrdersCancelled = append(report.OrdersCancelled, brokerID)
	}

	rows, err := k.db.QueryContext(ctx, `
		SELECT account_id || '|' || symbol FROM positions WHERE status = 'open' AND quantity != 0
	`)
	if err != nil {
		log.Error().Err(err).Msg("kill switch: failed to list open positions")
		return report
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		report.PositionsFlagged = append(report.PositionsFlagged, id)
	}

	return report
}
