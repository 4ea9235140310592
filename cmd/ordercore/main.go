package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/ordercore/alerts"
	"github.com/web3guy0/ordercore/audit"
	"github.com/web3guy0/ordercore/broker"
	"github.com/web3guy0/ordercore/config"
	"github.com/web3guy0/ordercore/degradation"
	"github.com/web3guy0/ordercore/idempotency"
	"github.com/web3guy0/ordercore/lifecycle"
	"github.com/web3guy0/ordercore/marketdata"
	"github.com/web3guy0/ordercore/metrics"
	"github.com/web3guy0/ordercore/outbox"
	"github.com/web3guy0/ordercore/pubsub"
	"github.com/web3guy0/ordercore/reconcile"
	"github.com/web3guy0/ordercore/risk"
	"github.com/web3guy0/ordercore/server"
	"github.com/web3guy0/ordercore/storage"
	"github.com/web3guy0/ordercore/tradingstate"
	"github.com/web3guy0/ordercore/types"
)

const VERSION = "v1.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	} else {
		log.Info().Msg("✅ .env file loaded successfully")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("         ORDERCORE %s - ORDER LIFECYCLE & SAFETY PLANE", VERSION)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 1: STORAGE
	// ═══════════════════════════════════════════════════════════════════════════════

	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer db.Close()
	log.Info().Msg("✅ storage layer initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 2: SAFETY PLANE (idempotency, audit, alerts, FSMs)
	// ═══════════════════════════════════════════════════════════════════════════════

	idemp := idempotency.New(db.Conn(), cfg.IdempotencyTTL)
	auditChain := audit.New(db.Conn())
	alertHub := alerts.NewHub(db.Conn(), alerts.LogChannel{})
	alertFactory := alerts.NewFactory(db.Conn(), 5*time.Minute, alertHub)
	tradingFSM := tradingstate.New(db.Conn())
	modeFSM := degradation.New(db.Conn(), cfg.Degradation)
	modeFSM.SetAudit(auditChain)
	log.Info().Msg("✅ safety plane initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 3: RISK GATE
	// ═══════════════════════════════════════════════════════════════════════════════

	riskGate := risk.NewGate(cfg.Risk,
		func() types.TradingFSMState {
			s, err := tradingFSM.Current(ctx)
			if err != nil {
				return types.TradingHalted
			}
			return s
		},
		func() types.SystemModeState {
			m, err := modeFSM.Current(ctx)
			if err != nil {
				return types.ModeHalt
			}
			return m
		},
		nil, // no Greeks provider wired by default; fails closed if one is set
	)
	riskGate.OnCircuitTrip(func(reason string) {
		log.Error().Str("reason", reason).Msg("🚨 circuit breaker tripped")
		alertFactory.Raise(ctx, alerts.Request{
			Type: "risk.circuit_breaker", Severity: types.SevCritical,
			Summary: reason, DedupeKey: "risk.circuit_breaker",
		})
	})
	log.Info().Msg("✅ risk gate initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 4: LIFECYCLE + BROKER (simulated)
	// ═══════════════════════════════════════════════════════════════════════════════

	manager := lifecycle.New(db.Conn(), riskGate, nil, idemp, auditChain)
	simBroker := broker.NewSimulated(cfg.BrokerWSAddr, manager)
	manager.SetBroker(simBroker)
	if err := simBroker.Start(); err != nil {
		log.Fatal().Err(err).Msg("simulated broker failed to start")
	}
	go manager.Run(ctx)

	if err := manager.LoadFromDB(ctx); err != nil {
		log.Error().Err(err).Msg("failed to recover open orders")
	} else {
		log.Info().Msg("✅ order lifecycle manager initialized")
	}

	feed := marketdata.NewSimulated()
	go feed.Run(ctx)
	simBroker.SetCloseOrderDeps(db.Conn(), feed)

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 5: OUTBOX + RECONCILER
	// ═══════════════════════════════════════════════════════════════════════════════

	outboxPool := outbox.NewPool(db.Conn(), cfg.Outbox, simBroker)
	outboxPool.Run(ctx)
	log.Info().Msg("✅ outbox worker pool started")

	reconciler := reconcile.New(db, simBroker, alertFactory, cfg.Reconcile)
	log.Info().Msg("✅ reconciliation engine initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 6: PUBSUB + METRICS
	// ═══════════════════════════════════════════════════════════════════════════════

	bus := pubsub.New(cfg.RedisAddr, cfg.RedisDB)
	defer bus.Close()
	modeFSM.SetBus(bus)

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(reg)

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 7: SCHEDULED JOBS
	// ═══════════════════════════════════════════════════════════════════════════════

	scheduler := cron.New()
	_, _ = scheduler.AddFunc("@every 15s", func() {
		if _, err := reconciler.Tick(ctx); err != nil {
			log.Error().Err(err).Msg("reconciliation tick failed")
		}
	})
	_, _ = scheduler.AddFunc("@every 1h", outbox.Cleaner(db.Conn(), cfg.Outbox))
	_, _ = scheduler.AddFunc("@every 10m", func() {
		if _, err := idemp.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("idempotency sweep failed")
		}
	})
	scheduler.Start()
	defer scheduler.Stop()
	log.Info().Msg("✅ scheduled jobs started")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 8: HTTP SERVER
	// ═══════════════════════════════════════════════════════════════════════════════

	killSwitch := newKillSwitch(tradingFSM, simBroker, db.Conn())
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.New(db.Conn(), riskGate, tradingFSM, modeFSM, reconciler, killSwitch, nil, metricsRegistry, idemp),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Str("addr", cfg.HTTPAddr).Msg("✅ http server started")

	// ═══════════════════════════════════════════════════════════════════════════════
	// STATUS BANNER
	// ═══════════════════════════════════════════════════════════════════════════════

	log.Info().Msg("")
	log.Info().Msg("╔═══════════════════════════════════════════════════════════════╗")
	log.Info().Msgf("║        ORDERCORE %s - ORDER LIFECYCLE & SAFETY PLANE        ║", VERSION)
	log.Info().Msg("╠═══════════════════════════════════════════════════════════════╣")
	log.Info().Msgf("║  Account:     %-45s ║", cfg.AccountID)
	log.Info().Msgf("║  HTTP:        %-45s ║", cfg.HTTPAddr)
	log.Info().Msg("║                                                               ║")
	log.Info().Msg("║  ┌─────────────────────────────────────────────────────────┐  ║")
	log.Info().Msg("║  │  ARCHITECTURE                                           │  ║")
	log.Info().Msg("║  │  ✓ Risk Gate          (ordered pre-trade checks)        │  ║")
	log.Info().Msg("║  │  ✓ Lifecycle Manager  (signal -> order -> fill)         │  ║")
	log.Info().Msg("║  │  ✓ Outbox             (transactional write, workers)    │  ║")
	log.Info().Msg("║  │  ✓ Reconciler         (local vs broker diffing)         │  ║")
	log.Info().Msg("║  │  ✓ Degradation FSM    (health-driven system mode)       │  ║")
	log.Info().Msg("║  │  ✓ Audit chain        (hash-linked, append-only)        │  ║")
	log.Info().Msg("║  └─────────────────────────────────────────────────────────┘  ║")
	log.Info().Msg("╚═══════════════════════════════════════════════════════════════╝")
	log.Info().Msg("")
	log.Info().Msg("🚀 running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("🛑 shutdown signal received...")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("                    GRACEFUL SHUTDOWN")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	log.Info().Msg("stopping http server...")
	_ = httpServer.Shutdown(shutdownCtx)

	log.Info().Msg("stopping lifecycle manager and outbox workers...")
	manager.Stop()
	outboxPool.Stop()

	log.Info().Msg("stopping simulated broker...")
	_ = simBroker.Stop(shutdownCtx)

	cancel()

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("                       SHUTDOWN COMPLETE")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("👋 goodbye!")
}
