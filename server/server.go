// Package server exposes the HTTP surface: risk/degradation status and
// control, health probes, an on-demand reconciliation pass (no history of
// past passes is kept), and position close.
// Grounded on aristath-sentinel/jordigilh-kubernaut's go-chi/chi/v5 +
// go-chi/cors usage.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/web3guy0/ordercore/degradation"
	"github.com/web3guy0/ordercore/idempotency"
	"github.com/web3guy0/ordercore/metrics"
	"github.com/web3guy0/ordercore/outbox"
	"github.com/web3guy0/ordercore/reconcile"
	"github.com/web3guy0/ordercore/risk"
	"github.com/web3guy0/ordercore/tradingstate"
	"github.com/web3guy0/ordercore/types"
)

// HealthChecker probes one subsystem's health on demand, for
// /health/component/{name}.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// KillSwitch is the narrow dependency the compound kill-switch endpoint
// needs: halt trading, cancel broker-open orders, and report open positions.
type KillSwitch interface {
	Execute(ctx context.Context) KillSwitchReport
}

// KillSwitchReport is the structured per-action outcome of a kill-switch run.
type KillSwitchReport struct {
	Halted            bool     `json:"halted"`
	OrdersCancelled   []string `json:"orders_cancelled"`
	CancelErrors      []string `json:"cancel_errors"`
	PositionsFlagged  []string `json:"positions_flagged_for_close"`
}

var validate = validator.New()

// Server bundles the chi router and its dependencies.
type Server struct {
	router     chi.Router
	db         *sql.DB
	riskGate   *risk.Gate
	tradingFSM *tradingstate.FSM
	modeFSM    *degradation.FSM
	reconciler *reconcile.Engine
	killSwitch KillSwitch
	health     map[string]HealthChecker
	reg        *metrics.Registry
	idemp      *idempotency.Store
}

// New constructs a Server and mounts every route.
func New(db *sql.DB, riskGate *risk.Gate, tradingFSM *tradingstate.FSM, modeFSM *degradation.FSM,
	reconciler *reconcile.Engine, killSwitch KillSwitch, health map[string]HealthChecker, reg *metrics.Registry,
	idemp *idempotency.Store) *Server {

	s := &Server{
		db: db, riskGate: riskGate, tradingFSM: tradingFSM, modeFSM: modeFSM,
		reconciler: reconciler, killSwitch: killSwitch, health: health, reg: reg, idemp: idemp,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)
	r.Get("/health/component/{name}", s.handleHealthComponent)

	r.Get("/risk/status", s.handleRiskStatus)
	r.Post("/risk/reset", s.handleRiskReset)
	r.Post("/risk/kill-switch", s.handleKillSwitch)

	r.Get("/degradation/status", s.handleDegradationStatus)
	r.Post("/degradation/override", s.handleDegradationOverride)

	r.Get("/reconciliation/recent", s.handleReconciliationRecent)

	r.Post("/positions/{id}/close", s.handlePositionClose)

	r.Handle("/metrics", promhttp.Handler())

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	results := make(map[string]string, len(s.health))
	overall := http.StatusOK
	for name, checker := range s.health {
		if err := checker.Check(ctx); err != nil {
			results[name] = err.Error()
			overall = http.StatusServiceUnavailable
		} else {
			results[name] = "ok"
		}
	}
	writeJSON(w, overall, results)
}

func (s *Server) handleHealthComponent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	checker, ok := s.health[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown component"})
		return
	}
	if err := checker.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"component": name, "status": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"component": name, "status": "ok"})
}

func (s *Server) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.riskGate.GetStats())
}

func (s *Server) handleRiskReset(w http.ResponseWriter, r *http.Request) {
	s.riskGate.ForceReset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if err := s.tradingFSM.Transition(r.Context(), types.TradingHalted, "kill switch invoked via API"); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	report := s.killSwitch.Execute(r.Context())
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDegradationStatus(w http.ResponseWriter, r *http.Request) {
	mode, err := s.modeFSM.Current(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":        mode,
		"permissions": degradation.PermissionsFor(mode),
	})
}

type overrideRequest struct {
	Mode string `json:"mode" validate:"required,oneof=normal degraded safe_mode safe_mode_disconnected halt recovering"`
}

func (s *Server) handleDegradationOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.modeFSM.ForceOverride(r.Context(), types.SystemModeState(req.Mode)); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "overridden", "mode": req.Mode})
}

func (s *Server) handleReconciliationRecent(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	result, err := s.reconciler.Tick(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type closeResponse struct {
	OrderID string `json:"order_id"`
}

// handlePositionClose is the core invariant: the close_requests row, the
// position's transition to closing, and the outbox row commit together or
// not at all. The idempotency key travels in the Idempotency-Key header (see
// the CORS allow-list above); a replayed key returns the same order_id
// without inserting a new OutboxEvent row.
func (s *Server) handlePositionClose(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "id")
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Idempotency-Key header is required"})
		return
	}

	if s.idemp != nil {
		var cached closeResponse
		found, err := s.idemp.GetJSON(r.Context(), idempotencyKey, &cached)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if found {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	orderID := uuid.NewString()

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	defer tx.Rollback()

	var closeReqID int64
	var symbol, side string
	err = tx.QueryRowContext(r.Context(), `
		INSERT INTO close_requests (position_id, idempotency_key, order_id, symbol, side, target_qty)
		SELECT $1, $2, $3, symbol, CASE WHEN quantity > 0 THEN 'sell' ELSE 'buy' END, ABS(quantity)
		FROM positions WHERE account_id || '|' || symbol = $1
		ON CONFLICT (position_id, idempotency_key) DO UPDATE SET retry_count = close_requests.retry_count
		RETURNING id, symbol, side
	`, positionID, idempotencyKey, orderID).Scan(&closeReqID, &symbol, &side)
	if err != nil {
		log.Error().Err(err).Msg("close request creation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if _, err := tx.ExecContext(r.Context(), `
		UPDATE positions SET status = 'closing', active_close_request_id = $2
		WHERE account_id || '|' || symbol = $1
	`, positionID, closeReqID); err != nil {
		log.Error().Err(err).Msg("position closing transition failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	payload := types.SubmitCloseOrderPayload{
		CloseRequestID: closeReqID, PositionID: positionID, Symbol: symbol, Side: side, OrderID: orderID,
	}
	if err := outbox.Write(r.Context(), tx, types.EventSubmitCloseOrder, payload); err != nil {
		log.Error().Err(err).Msg("outbox write failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if err := tx.Commit(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	resp := closeResponse{OrderID: orderID}
	if s.idemp != nil {
		if _, err := s.idemp.Reserve(r.Context(), idempotencyKey, "close_request", fmt.Sprintf("%d", closeReqID)); err != nil {
			log.Error().Err(err).Msg("idempotency reserve failed")
		}
		if body, err := json.Marshal(resp); err == nil {
			if err := s.idemp.Complete(r.Context(), idempotencyKey, body); err != nil {
				log.Error().Err(err).Msg("idempotency complete failed")
			}
		}
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
