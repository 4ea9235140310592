// Package risk implements the synchronous pre-trade check chain: same
// hard-block-then-size-adjust shape as a position-sizing gate, generalized
// to portfolio/exposure/Greeks checks.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/web3guy0/ordercore/config"
	"github.com/web3guy0/ordercore/degradation"
	"github.com/web3guy0/ordercore/tradingstate"
	"github.com/web3guy0/ordercore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - Central approval system
// ═══════════════════════════════════════════════════════════════════════════════
//
// Lifecycle asks → Gate approves/rejects → Lifecycle submits
//
// Checks run in a fixed order: kill_switch, strategy_paused, symbol_allowed,
// position_limits, portfolio_limits, loss_limits, greeks_limits. On the
// first failure the remaining checks still run, so ChecksFailed always
// reflects every broken rule, not just the first one hit — the failures are
// independent and the full list aids operator diagnosis. Only after the
// full chain passes does a post-approval sizing adjustment (recovery-mode
// size reduction) get applied to AdjustedQty.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Decision is the outcome of running the check chain against a signal.
type Decision struct {
	Approved           bool
	RejectReason       string // first check that failed, for short log lines
	ChecksPassed       []string
	ChecksFailed       []string
	AdjustedQty        decimal.Decimal // may be smaller than the requested qty
	RiskScore          int             // 0-100, informational
	GreeksCheckResult  *GreeksCheckResult
}

// GreeksCheckResult records the Greeks Gate's verdict for audit attachment.
type GreeksCheckResult struct {
	Approved bool
	Reason   string // "DATA_UNAVAILABLE", "DATA_STALE", "HARD_BREACH", or ""
}

// GreeksProvider supplies an options/derivatives risk snapshot for a symbol.
// The Greeks Gate fails closed when the provider returns stale or missing
// data — no pricing math is implemented here, per the Non-goals.
type GreeksProvider interface {
	Snapshot(symbol string) (GreeksSnapshot, bool)
}

// GreeksSnapshot is a simulated point-in-time risk reading.
type GreeksSnapshot struct {
	Symbol   string
	Delta    decimal.Decimal
	Vega     decimal.Decimal
	AsOf     time.Time
	MaxDelta decimal.Decimal
	MaxVega  decimal.Decimal
}

// Gate is the Risk Gate: stateful, env-configured, mutex-guarded.
type Gate struct {
	mu sync.Mutex

	cfg config.RiskConfig

	dailyLoss         decimal.Decimal
	peakEquity        decimal.Decimal
	consecutiveLosses int
	disabledSymbols   map[string]bool
	pausedStrategies  map[string]bool
	lastCloseTime     map[string]time.Time // symbol -> last cooldown-starting close
	dayResetAt        time.Time
	killSwitchTripped bool
	killSwitchReason  string

	tradingState func() types.TradingFSMState
	systemMode   func() types.SystemModeState
	greeks       GreeksProvider

	onCircuitTrip func(reason string)
}

// NewGate constructs a Gate. tradingState and systemMode are callbacks into
// the two FSMs so the gate consults live state without importing those
// packages' storage directly, an adapter inverted into a closure.
func NewGate(cfg config.RiskConfig, tradingState func() types.TradingFSMState, systemMode func() types.SystemModeState, greeks GreeksProvider) *Gate {
	return &Gate{
		cfg:              cfg,
		disabledSymbols:  make(map[string]bool),
		pausedStrategies: make(map[string]bool),
		lastCloseTime:    make(map[string]time.Time),
		dayResetAt:       time.Now(),
		tradingState:     tradingState,
		systemMode:       systemMode,
		greeks:           greeks,
	}
}

// OnCircuitTrip registers a callback fired when the daily-loss circuit trips.
func (g *Gate) OnCircuitTrip(fn func(reason string)) {
	g.mu.Lock()
	g.onCircuitTrip = fn
	g.mu.Unlock()
}

// PauseStrategy marks a strategy as paused; new signals from it fail the
// strategy_paused check until ResumeStrategy is called.
func (g *Gate) PauseStrategy(strategyID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pausedStrategies[strategyID] = true
}

// ResumeStrategy clears a strategy's paused flag.
func (g *Gate) ResumeStrategy(strategyID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pausedStrategies, strategyID)
}

// IsStrategyPaused reports whether strategyID is currently paused.
func (g *Gate) IsStrategyPaused(strategyID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pausedStrategies[strategyID]
}

// checkRun accumulates one named check's verdict into the running decision.
type checkRun struct {
	passed       []string
	failed       []string
	firstReason  string
}

func (r *checkRun) run(name string, ok bool, reason string) {
	if ok {
		r.passed = append(r.passed, name)
		return
	}
	r.failed = append(r.failed, name)
	if r.firstReason == "" {
		r.firstReason = reason
	}
}

// Evaluate runs the full ordered check chain against a signal and the
// current portfolio snapshot.
func (g *Gate) Evaluate(sig types.Signal, snap types.PortfolioSnapshot) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.checkDayReset()
	if snap.Equity.GreaterThan(g.peakEquity) {
		g.peakEquity = snap.Equity
	}
	peak := g.peakEquity
	if snap.PeakEquity.GreaterThan(peak) {
		peak = snap.PeakEquity
	}

	run := &checkRun{}

	// 1. kill_switch: a tripped kill switch, or trading state != RUNNING for
	// non-close orders, blocks everything.
	killSwitchOK := !g.killSwitchTripped
	if killSwitchOK && !sig.IsClose {
		if !tradingstate.CanSubmit(g.tradingState(), false) {
			killSwitchOK = false
		} else if !degradation.Allows(g.systemMode(), degradation.ActionOpen) {
			killSwitchOK = false
		}
	}
	killSwitchReason := g.killSwitchReason
	if killSwitchReason == "" && !sig.IsClose {
		killSwitchReason = fmt.Sprintf("trading state %s / system mode %s blocks new orders", g.tradingState(), g.systemMode())
	}
	run.run("kill_switch", killSwitchOK, killSwitchReason)

	// 2. strategy_paused
	paused := g.pausedStrategies[sig.StrategyID]
	run.run("strategy_paused", !paused, fmt.Sprintf("strategy %s is paused", sig.StrategyID))

	// 3. symbol_allowed: blocklist takes precedence over allowlist; an empty
	// allowlist means "allow all non-blocked".
	symbolOK, symbolReason := g.checkSymbolAllowed(sig.Symbol)
	run.run("symbol_allowed", symbolOK, symbolReason)

	// 4. position_limits: sell orders pass trivially.
	positionOK, positionReason := g.checkPositionLimits(sig, snap)
	run.run("position_limits", positionOK, positionReason)

	// 5. portfolio_limits: new-symbol cap, projected exposure, buying power.
	portfolioOK, portfolioReason := g.checkPortfolioLimits(sig, snap)
	run.run("portfolio_limits", portfolioOK, portfolioReason)

	// 6. loss_limits: daily loss and drawdown; breach flips the kill switch.
	lossOK, lossReason := g.checkLossLimits(snap, peak)
	run.run("loss_limits", lossOK, lossReason)

	// 7. greeks_limits: delegate to the Greeks Gate if installed.
	greeksOK, greeksResult := g.checkGreeksLimits(sig)
	greeksReason := ""
	if greeksResult != nil {
		greeksReason = greeksResult.Reason
	}
	run.run("greeks_limits", greeksOK, greeksReason)

	if len(run.failed) > 0 {
		return Decision{
			Approved: false, RejectReason: run.firstReason,
			ChecksPassed: run.passed, ChecksFailed: run.failed,
			GreeksCheckResult: greeksResult,
		}
	}

	qty := sig.Quantity
	if mode := g.systemMode(); mode == types.ModeRecovering {
		qty = qty.Mul(g.cfg.ClosingSizeReduction)
	}

	score := g.riskScore(sig, snap)
	return Decision{
		Approved: true, AdjustedQty: qty, RiskScore: score,
		ChecksPassed: run.passed, ChecksFailed: run.failed,
		GreeksCheckResult: greeksResult,
	}
}

func (g *Gate) checkSymbolAllowed(symbol string) (bool, string) {
	if g.disabledSymbols[symbol] {
		return false, fmt.Sprintf("symbol %s disabled after repeated losses", symbol)
	}
	for _, blocked := range g.cfg.Blocklist {
		if blocked == symbol {
			return false, fmt.Sprintf("symbol %s is blocklisted", symbol)
		}
	}
	if last, ok := g.lastCloseTime[symbol]; ok && time.Since(last) < g.cfg.PositionCooldown {
		return false, fmt.Sprintf("symbol %s in cooldown after recent close", symbol)
	}
	if len(g.cfg.Allowlist) == 0 {
		return true, ""
	}
	for _, allowed := range g.cfg.Allowlist {
		if allowed == symbol {
			return true, ""
		}
	}
	return false, fmt.Sprintf("symbol %s not in allowlist", symbol)
}

func (g *Gate) checkPositionLimits(sig types.Signal, snap types.PortfolioSnapshot) (bool, string) {
	if sig.Side == types.SideSell {
		return true, ""
	}
	if sig.Quantity.LessThan(g.cfg.MinOrderQty) {
		return false, "quantity below minimum order size"
	}
	if g.cfg.MaxPerOrder.GreaterThan(decimal.Zero) && sig.Quantity.GreaterThan(g.cfg.MaxPerOrder) {
		return false, fmt.Sprintf("quantity %s exceeds max per order %s", sig.Quantity, g.cfg.MaxPerOrder)
	}
	notional := sig.Quantity.Mul(sig.LimitPrice)
	if g.cfg.MaxValue.GreaterThan(decimal.Zero) && notional.GreaterThan(g.cfg.MaxValue) {
		return false, fmt.Sprintf("order value %s exceeds max value %s", notional, g.cfg.MaxValue)
	}
	if !snap.Equity.IsZero() && g.cfg.MaxPositionPct.GreaterThan(decimal.Zero) {
		pct := notional.Div(snap.Equity)
		if pct.GreaterThan(g.cfg.MaxPositionPct) {
			return false, fmt.Sprintf("order is %s of equity, exceeds max position pct %s", pct, g.cfg.MaxPositionPct)
		}
	}
	return true, ""
}

func (g *Gate) checkPortfolioLimits(sig types.Signal, snap types.PortfolioSnapshot) (bool, string) {
	if sig.Side == types.SideSell {
		return true, ""
	}
	_, alreadyOpen := snap.OpenPositions[sig.Symbol]
	if !alreadyOpen && g.cfg.MaxPositions > 0 && len(snap.OpenPositions) >= g.cfg.MaxPositions {
		return false, fmt.Sprintf("already at max open positions (%d)", g.cfg.MaxPositions)
	}

	notional := sig.Quantity.Mul(sig.LimitPrice)
	if !snap.BuyingPower.IsZero() && notional.GreaterThan(snap.BuyingPower) {
		return false, fmt.Sprintf("order value %s exceeds buying power %s", notional, snap.BuyingPower)
	}

	if !snap.Equity.IsZero() && g.cfg.MaxSymbolExposurePct.GreaterThan(decimal.Zero) {
		existing := snap.ExposureBySymbol[sig.Symbol]
		projected := existing.Add(notional)
		pct := projected.Div(snap.Equity)
		if pct.GreaterThan(g.cfg.MaxSymbolExposurePct) {
			return false, fmt.Sprintf("projected exposure %s of equity exceeds max symbol exposure pct %s", pct, g.cfg.MaxSymbolExposurePct)
		}
	}
	return true, ""
}

func (g *Gate) checkLossLimits(snap types.PortfolioSnapshot, peak decimal.Decimal) (bool, string) {
	if g.dailyLoss.Neg().GreaterThanOrEqual(g.cfg.MaxDailyLossAbs) {
		return g.tripLossLimit(fmt.Sprintf("Daily loss limit hit (absolute): %s", g.dailyLoss))
	}
	if !snap.Equity.IsZero() && g.cfg.MaxDailyLossPct.GreaterThan(decimal.Zero) {
		lossPct := g.dailyLoss.Neg().Div(snap.Equity)
		if lossPct.GreaterThanOrEqual(g.cfg.MaxDailyLossPct) {
			return g.tripLossLimit(fmt.Sprintf("Daily loss limit hit (pct): %s", lossPct))
		}
	}
	if peak.GreaterThan(decimal.Zero) && g.cfg.MaxDrawdownPct.GreaterThan(decimal.Zero) {
		drawdown := peak.Sub(snap.Equity).Div(peak)
		if drawdown.GreaterThan(g.cfg.MaxDrawdownPct) {
			return g.tripLossLimit(fmt.Sprintf("max drawdown %s exceeds limit %s", drawdown, g.cfg.MaxDrawdownPct))
		}
	}
	if g.consecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		return g.tripLossLimit(fmt.Sprintf("circuit breaker tripped: %d consecutive losses", g.consecutiveLosses))
	}
	return true, ""
}

// tripLossLimit flips the kill switch and fires the registered circuit-trip
// callback; called with g.mu already held.
func (g *Gate) tripLossLimit(reason string) (bool, string) {
	g.killSwitchTripped = true
	g.killSwitchReason = reason
	if g.onCircuitTrip != nil {
		g.onCircuitTrip(reason)
	}
	return false, reason
}

func (g *Gate) checkGreeksLimits(sig types.Signal) (bool, *GreeksCheckResult) {
	if g.greeks == nil {
		return true, nil
	}
	snapshot, ok := g.greeks.Snapshot(sig.Symbol)
	if !ok {
		return false, &GreeksCheckResult{Approved: false, Reason: "DATA_UNAVAILABLE"}
	}
	if time.Since(snapshot.AsOf) > g.cfg.GreeksMaxStaleness {
		return false, &GreeksCheckResult{Approved: false, Reason: "DATA_STALE"}
	}
	if snapshot.MaxDelta.GreaterThan(decimal.Zero) && snapshot.Delta.Abs().GreaterThan(snapshot.MaxDelta) {
		return false, &GreeksCheckResult{Approved: false, Reason: "HARD_BREACH: delta"}
	}
	if snapshot.MaxVega.GreaterThan(decimal.Zero) && snapshot.Vega.Abs().GreaterThan(snapshot.MaxVega) {
		return false, &GreeksCheckResult{Approved: false, Reason: "HARD_BREACH: vega"}
	}
	return true, &GreeksCheckResult{Approved: true}
}

func (g *Gate) checkDayReset() {
	now := time.Now()
	if now.YearDay() != g.dayResetAt.YearDay() || now.Year() != g.dayResetAt.Year() {
		g.dailyLoss = decimal.Zero
		g.consecutiveLosses = 0
		g.disabledSymbols = make(map[string]bool)
		g.dayResetAt = now
		log.Info().Msg("🔄 risk gate daily reset")
	}
}

func (g *Gate) riskScore(sig types.Signal, snap types.PortfolioSnapshot) int {
	score := 0
	if g.consecutiveLosses > 0 {
		score += g.consecutiveLosses * 10
	}
	if !snap.Equity.IsZero() {
		exposurePct, _ := sig.Quantity.Mul(sig.LimitPrice).Div(snap.Equity).Float64()
		score += int(exposurePct * 100)
	}
	if score > 100 {
		score = 100
	}
	return score
}

// RecordExit updates loss-streak and daily PnL bookkeeping after a position
// closes. realizedPnL is signed: negative is a loss.
func (g *Gate) RecordExit(symbol string, realizedPnL decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dailyLoss = g.dailyLoss.Add(realizedPnL)
	g.lastCloseTime[symbol] = time.Now()

	if realizedPnL.IsNegative() {
		g.consecutiveLosses++
		if g.consecutiveLosses >= 2 {
			g.disabledSymbols[symbol] = true
		}
		if g.consecutiveLosses >= g.cfg.MaxConsecutiveLosses && g.onCircuitTrip != nil {
			g.killSwitchTripped = true
			g.killSwitchReason = fmt.Sprintf("circuit breaker tripped: %d consecutive losses", g.consecutiveLosses)
			g.onCircuitTrip(g.killSwitchReason)
		}
	} else {
		g.consecutiveLosses = 0
	}
}

// IsSymbolDisabled reports whether symbol is currently blocked from new entries.
func (g *Gate) IsSymbolDisabled(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabledSymbols[symbol]
}

// IsKilled reports whether the daily-loss/drawdown kill switch has tripped.
func (g *Gate) IsKilled() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killSwitchTripped, g.killSwitchReason
}

// Stats is a snapshot of the gate's internal bookkeeping, for the
// /risk/status endpoint.
type Stats struct {
	DailyLoss         decimal.Decimal
	ConsecutiveLosses int
	DisabledSymbols   []string
	KillSwitchTripped bool
	KillSwitchReason  string
}

// GetStats returns the current bookkeeping snapshot.
func (g *Gate) GetStats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	symbols := make([]string, 0, len(g.disabledSymbols))
	for s := range g.disabledSymbols {
		symbols = append(symbols, s)
	}
	return Stats{
		DailyLoss: g.dailyLoss, ConsecutiveLosses: g.consecutiveLosses, DisabledSymbols: symbols,
		KillSwitchTripped: g.killSwitchTripped, KillSwitchReason: g.killSwitchReason,
	}
}

// ForceReset clears the circuit breaker and kill switch, for operator
// recovery action.
func (g *Gate) ForceReset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveLosses = 0
	g.disabledSymbols = make(map[string]bool)
	g.killSwitchTripped = false
	g.killSwitchReason = ""
}
