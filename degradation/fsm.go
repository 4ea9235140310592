// Package degradation implements the SystemMode FSM: normal / degraded /
// safe_mode / safe_mode_disconnected / halt / recovering. Driven by observed
// component health rather than operator intent, with hysteresis so a single
// flaky health check doesn't flap the whole system between modes.
package degradation

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/web3guy0/ordercore/audit"
	"github.com/web3guy0/ordercore/config"
	"github.com/web3guy0/ordercore/pubsub"
	"github.com/web3guy0/ordercore/types"
)

// ComponentHealth is a single health probe's most recent result.
type ComponentHealth struct {
	Name      string
	Healthy   bool
	Err       error
	CheckedAt time.Time
}

// FSM tracks recent health history per component and derives SystemMode
// from it, applying the configured hysteresis before any transition.
type FSM struct {
	db  *sql.DB
	cfg config.DegradationConfig

	mu              sync.Mutex
	failSince       map[string]time.Time
	consecutiveFail map[string]int
	modeEnteredAt   time.Time
	forceOverride   types.SystemModeState
	forceExpiresAt  time.Time

	audit *audit.Chain
	bus   *pubsub.Bus
}

// SetAudit wires the audit chain used to record mode transitions. Optional;
// transitions still persist to mode_transitions without it.
func (f *FSM) SetAudit(chain *audit.Chain) {
	f.mu.Lock()
	f.audit = chain
	f.mu.Unlock()
}

// SetBus wires the pubsub bus mode transitions are published on. Optional.
func (f *FSM) SetBus(bus *pubsub.Bus) {
	f.mu.Lock()
	f.bus = bus
	f.mu.Unlock()
}

// New constructs an FSM backed by db with the given hysteresis tuning.
func New(db *sql.DB, cfg config.DegradationConfig) *FSM {
	return &FSM{
		db:              db,
		cfg:             cfg,
		failSince:       make(map[string]time.Time),
		consecutiveFail: make(map[string]int),
		modeEnteredAt:   time.Now(),
	}
}

// Current loads the persisted mode.
func (f *FSM) Current(ctx context.Context) (types.SystemModeState, error) {
	var s string
	err := f.db.QueryRowContext(ctx, `SELECT system_mode FROM system_state WHERE id = 1`).Scan(&s)
	if err != nil {
		return "", err
	}
	return types.SystemModeState(s), nil
}

// ForceOverride pins the mode until the TTL expires, for operator-driven
// incident response. On expiry the FSM reverts to health-derived mode, or
// to ModeSafeMode if UnknownOnTTLExpiry forbids silently returning to
// normal without a fresh health read.
func (f *FSM) ForceOverride(ctx context.Context, mode types.SystemModeState) error {
	f.mu.Lock()
	f.forceOverride = mode
	f.forceExpiresAt = time.Now().Add(f.cfg.ForceOverrideTTL)
	f.mu.Unlock()
	return f.setMode(ctx, mode, "operator force-override")
}

// ClearOverride cancels a standing force-override immediately.
func (f *FSM) ClearOverride(ctx context.Context) {
	f.mu.Lock()
	f.forceOverride = ""
	f.mu.Unlock()
}

// Evaluate folds one component's health reading into the hysteresis state
// and applies any resulting mode transition. Call this on every health probe
// result, not just on change, so recovery timers advance correctly.
func (f *FSM) Evaluate(ctx context.Context, h ComponentHealth) error {
	f.mu.Lock()
	if f.forceOverride != "" {
		if time.Now().Before(f.forceExpiresAt) {
			f.mu.Unlock()
			return nil
		}
		f.forceOverride = ""
		if f.cfg.UnknownOnTTLExpiry {
			f.mu.Unlock()
			return f.setMode(ctx, types.ModeSafeMode, "force-override expired, health unknown")
		}
	}

	if h.Healthy {
		delete(f.failSince, h.Name)
		delete(f.consecutiveFail, h.Name)
		f.mu.Unlock()
		return f.maybeRecover(ctx)
	}

	if _, ok := f.failSince[h.Name]; !ok {
		f.failSince[h.Name] = h.CheckedAt
	}
	f.consecutiveFail[h.Name]++
	count := f.consecutiveFail[h.Name]
	since := f.failSince[h.Name]
	f.mu.Unlock()

	elapsed := time.Since(since)
	if count >= f.cfg.FailThresholdCount || elapsed >= f.cfg.FailThresholdSeconds {
		target := types.ModeDegraded
		if h.Name == "database" {
			target = types.ModeSafeMode
		}
		if h.Name == "broker" {
			target = types.ModeSafeModeDisconnected
		}
		return f.setMode(ctx, target, fmt.Sprintf("component %s unhealthy: %v", h.Name, h.Err))
	}
	return nil
}

// maybeRecover transitions to ModeRecovering once no tracked component is
// failing and at least MinSafeModeSeconds has elapsed since entering the
// current mode (never bounce straight out). The RecoveryStableSeconds wait
// is applied afterwards by ConfirmRecovered.
func (f *FSM) maybeRecover(ctx context.Context) error {
	f.mu.Lock()
	anyFailing := len(f.failSince) > 0
	sinceEntered := time.Since(f.modeEnteredAt)
	f.mu.Unlock()

	if anyFailing {
		return nil
	}
	current, err := f.Current(ctx)
	if err != nil || current == types.ModeNormal {
		return err
	}
	if sinceEntered < f.cfg.MinSafeModeSeconds {
		return nil
	}
	return f.setMode(ctx, types.ModeRecovering, "all components healthy, entering recovery")
}

// ConfirmRecovered completes a ModeRecovering -> ModeNormal transition once
// the caller (the main health loop) has observed RecoveryStableSeconds of
// uninterrupted health since entering recovery.
func (f *FSM) ConfirmRecovered(ctx context.Context) error {
	f.mu.Lock()
	sinceEntered := time.Since(f.modeEnteredAt)
	f.mu.Unlock()
	if sinceEntered < f.cfg.RecoveryStableSeconds {
		return nil
	}
	return f.setMode(ctx, types.ModeNormal, "recovery window elapsed cleanly")
}

// ForceHalt moves straight to ModeHalt, bypassing hysteresis; halt is the
// one mode that always wins over hysteresis.
func (f *FSM) ForceHalt(ctx context.Context, reason string) error {
	return f.setMode(ctx, types.ModeHalt, reason)
}

// setMode persists the transition, records a mode_transitions row, and (when
// wired) appends an audit event and publishes a notification — all three are
// required per transition, so the persist step runs inside a transaction
// with the mode_transitions insert.
func (f *FSM) setMode(ctx context.Context, mode types.SystemModeState, reason string) error {
	current, err := f.Current(ctx)
	if err != nil {
		return err
	}
	if current == mode {
		return nil
	}

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mode transition: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE system_state SET system_mode = $1, mode_entered_at = NOW() WHERE id = 1
	`, string(mode)); err != nil {
		return fmt.Errorf("persist system mode: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mode_transitions (from_mode, to_mode, reason, transitioned_at) VALUES ($1, $2, $3, NOW())
	`, string(current), string(mode), reason); err != nil {
		return fmt.Errorf("record mode transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mode transition: %w", err)
	}

	f.mu.Lock()
	f.modeEnteredAt = time.Now()
	chain := f.audit
	bus := f.bus
	f.mu.Unlock()

	if chain != nil {
		if _, err := chain.Append(ctx, audit.Entry{
			EventType: "system_mode.transition", ActorType: "system", ActorID: "degradation_fsm",
			ResourceType: "system_mode", ResourceID: "1",
			OldValue: string(current), NewValue: string(mode), Source: reason,
		}); err != nil {
			log.Error().Err(err).Msg("failed to append mode transition to audit chain")
		}
	}
	if bus != nil {
		if err := bus.Publish(ctx, pubsub.ChannelModeTransitions, map[string]string{
			"from": string(current), "to": string(mode), "reason": reason,
		}); err != nil {
			log.Error().Err(err).Msg("failed to publish mode transition")
		}
	}

	log.Warn().Str("from", string(current)).Str("to", string(mode)).Str("reason", reason).Msg("🔻 system mode transition")
	return nil
}

// ActionType is one of the six operation categories the degradation mode
// gates independently.
type ActionType string

const (
	ActionOpen       ActionType = "open"
	ActionSend       ActionType = "send"
	ActionAmend      ActionType = "amend"
	ActionCancel     ActionType = "cancel"
	ActionReduceOnly ActionType = "reduce_only"
	ActionQuery      ActionType = "query"
)

// PermissionLevel is the resolved grant for one ActionType in the current mode.
type PermissionLevel string

const (
	PermAllowed    PermissionLevel = "allowed"
	PermRestricted PermissionLevel = "restricted" // blocked outright
	PermWarning    PermissionLevel = "warning"    // allowed, flagged for operator attention
	PermLocalOnly  PermissionLevel = "local_only" // allowed, served from cache rather than a live broker round-trip
)

// Permission is one ActionType's resolved level.
type Permission struct {
	Level     PermissionLevel
	LocalOnly bool
}

var allActions = []ActionType{ActionOpen, ActionSend, ActionAmend, ActionCancel, ActionReduceOnly, ActionQuery}

// permissionMatrix is the mode x ActionType policy table. Example worked in
// practice: in safe_mode_disconnected, open is restricted while reduce_only
// is allowed with local_only=true, since reduce-only decisions can be served
// from the last-known cache without a live broker connection.
var permissionMatrix = map[types.SystemModeState]map[ActionType]Permission{
	types.ModeNormal: {
		ActionOpen: {Level: PermAllowed}, ActionSend: {Level: PermAllowed}, ActionAmend: {Level: PermAllowed},
		ActionCancel: {Level: PermAllowed}, ActionReduceOnly: {Level: PermAllowed}, ActionQuery: {Level: PermAllowed},
	},
	types.ModeRecovering: {
		ActionOpen: {Level: PermWarning}, ActionSend: {Level: PermWarning}, ActionAmend: {Level: PermAllowed},
		ActionCancel: {Level: PermAllowed}, ActionReduceOnly: {Level: PermAllowed}, ActionQuery: {Level: PermAllowed},
	},
	types.ModeDegraded: {
		ActionOpen: {Level: PermRestricted}, ActionSend: {Level: PermWarning}, ActionAmend: {Level: PermWarning},
		ActionCancel: {Level: PermAllowed}, ActionReduceOnly: {Level: PermAllowed}, ActionQuery: {Level: PermAllowed},
	},
	types.ModeSafeMode: {
		ActionOpen: {Level: PermRestricted}, ActionSend: {Level: PermRestricted}, ActionAmend: {Level: PermRestricted},
		ActionCancel: {Level: PermRestricted}, ActionReduceOnly: {Level: PermAllowed}, ActionQuery: {Level: PermAllowed},
	},
	types.ModeSafeModeDisconnected: {
		ActionOpen: {Level: PermRestricted}, ActionSend: {Level: PermRestricted}, ActionAmend: {Level: PermRestricted},
		ActionCancel:     {Level: PermLocalOnly, LocalOnly: true},
		ActionReduceOnly: {Level: PermLocalOnly, LocalOnly: true},
		ActionQuery:      {Level: PermLocalOnly, LocalOnly: true},
	},
	types.ModeHalt: {
		ActionOpen: {Level: PermRestricted}, ActionSend: {Level: PermRestricted}, ActionAmend: {Level: PermRestricted},
		ActionCancel: {Level: PermRestricted}, ActionReduceOnly: {Level: PermRestricted}, ActionQuery: {Level: PermAllowed},
	},
}

// PermissionsFor returns the full ActionType -> Permission matrix for mode.
func PermissionsFor(mode types.SystemModeState) map[ActionType]Permission {
	if p, ok := permissionMatrix[mode]; ok {
		return p
	}
	restricted := make(map[ActionType]Permission, len(allActions))
	for _, a := range allActions {
		restricted[a] = Permission{Level: PermRestricted}
	}
	return restricted
}

// Allows reports whether action may proceed at all in mode — allowed,
// warning and local_only all permit execution; only restricted blocks.
func Allows(mode types.SystemModeState, action ActionType) bool {
	return PermissionsFor(mode)[action].Level != PermRestricted
}
