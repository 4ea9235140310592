// Package tradingstate implements the operator-facing trading state machine:
// RUNNING / PAUSED / HALTED. Orthogonal to degradation.SystemMode — this FSM
// reflects operator intent (kill switch, manual pause), the other reflects
// observed system health.
package tradingstate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/web3guy0/ordercore/types"
)

// transitions enumerates the legal edges. HALTED is absorbing except via
// explicit operator resume, which re-enters RUNNING directly (bypassing
// PAUSED) since a halt implies the operator already intervened once.
var transitions = map[types.TradingFSMState]map[types.TradingFSMState]bool{
	types.TradingRunning: {types.TradingPaused: true, types.TradingHalted: true},
	types.TradingPaused:  {types.TradingRunning: true, types.TradingHalted: true},
	types.TradingHalted:  {types.TradingRunning: true},
}

// FSM is the trading-state machine, persisted in system_state.trading_state.
type FSM struct {
	db *sql.DB
	mu sync.Mutex
}

// New constructs an FSM backed by db.
func New(db *sql.DB) *FSM {
	return &FSM{db: db}
}

// Current loads the persisted state.
func (f *FSM) Current(ctx context.Context) (types.TradingFSMState, error) {
	var s string
	err := f.db.QueryRowContext(ctx, `SELECT trading_state FROM system_state WHERE id = 1`).Scan(&s)
	if err != nil {
		return "", err
	}
	return types.TradingFSMState(s), nil
}

// Transition moves to next if the edge is legal, returning an error
// otherwise. Every transition is logged at warn level since it always
// reflects either operator action or a serious risk event.
func (f *FSM) Transition(ctx context.Context, next types.TradingFSMState, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.Current(ctx)
	if err != nil {
		return fmt.Errorf("load current trading state: %w", err)
	}
	if current == next {
		return nil
	}
	if !transitions[current][next] {
		return fmt.Errorf("illegal trading state transition %s -> %s", current, next)
	}

	_, err = f.db.ExecContext(ctx, `UPDATE system_state SET trading_state = $1 WHERE id = 1`, string(next))
	if err != nil {
		return fmt.Errorf("persist trading state: %w", err)
	}

	log.Warn().Str("from", string(current)).Str("to", string(next)).Str("reason", reason).Msg("⚠️  trading state transition")
	return nil
}

// CanSubmit reports whether a signal may be submitted in state: new signals
// only in RUNNING, close/reduce-only intents in RUNNING and PAUSED (never
// HALTED). risk.Gate calls it only for non-close signals, so its kill_switch
// check does not block a close signal on trading state.
func CanSubmit(state types.TradingFSMState, isClose bool) bool {
	switch state {
	case types.TradingRunning:
		return true
	case types.TradingPaused:
		return isClose
	default:
		return false
	}
}
