// Package main is the entry point for the tallybook background worker.
// Runs the reservation expiry sweep, the reconciliation drift scan and
// the accounting outbox relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tallybook/internal/core/policy"
	"tallybook/internal/domain/balance"
	"tallybook/internal/domain/inventory"
	"tallybook/internal/infrastructure/storage/postgres"
	"tallybook/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting tallybook worker")

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(mustEnv("DATABASE_URL")))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	txManager := postgres.NewTxManager(pool)

	inventoryRepo := postgres.NewInventoryRepo(txManager)
	balanceRepo := postgres.NewBalanceRepo(txManager)
	periodRepo := postgres.NewPeriodRepo(txManager)

	archiveStore, err := postgres.NewArchiveStore(txManager)
	if err != nil {
		log.Fatalw("failed to initialize report archive", "error", err)
	}

	stockService := inventory.NewService(inventoryRepo, txManager)
	balanceService := balance.NewService(balanceRepo, txManager, policy.NewPeriodPolicy(periodRepo)).
		WithArchiver(archiveStore)

	relay := postgres.NewOutboxRelay(pool, getEnvInt("OUTBOX_BATCH_SIZE", 100), &loggingHandler{log: log})

	worker := &Worker{
		log:            log.WithComponent("worker"),
		stock:          stockService,
		balances:       balanceService,
		relay:          relay,
		expiryInterval: getEnvDuration("RESERVATION_SWEEP_INTERVAL", time.Minute),
		reconInterval:  getEnvDuration("RECONCILE_INTERVAL", time.Hour),
		relayInterval:  getEnvDuration("OUTBOX_RELAY_INTERVAL", 10*time.Second),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

// Worker runs the periodic maintenance loops.
type Worker struct {
	log      *logger.Logger
	stock    *inventory.Service
	balances *balance.Service
	relay    *postgres.OutboxRelay

	expiryInterval time.Duration
	reconInterval  time.Duration
	relayInterval  time.Duration
}

// Run blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	expiry := time.NewTicker(w.expiryInterval)
	defer expiry.Stop()
	recon := time.NewTicker(w.reconInterval)
	defer recon.Stop()
	relay := time.NewTicker(w.relayInterval)
	defer relay.Stop()

	w.log.Infow("worker loops started",
		"reservation_sweep", w.expiryInterval,
		"reconcile", w.reconInterval,
		"outbox_relay", w.relayInterval,
	)

	for {
		select {
		case <-ctx.Done():
			return

		case <-expiry.C:
			w.sweepReservations(ctx)

		case <-recon.C:
			w.scanDrift(ctx)

		case <-relay.C:
			w.drainOutbox(ctx)
		}
	}
}

// sweepReservations releases expired stock holds. Idempotent: a sweep
// that finds nothing is a no-op.
func (w *Worker) sweepReservations(ctx context.Context) {
	released, err := w.stock.ExpireReservations(ctx)
	if err != nil {
		w.log.Errorw("reservation sweep failed", "error", err)
		return
	}
	if released > 0 {
		w.log.Infow("expired reservations released", "count", released)
	}
}

// scanDrift runs a report-only reconciliation over all accounts.
// Corrections stay manual; this loop only surfaces drift.
func (w *Worker) scanDrift(ctx context.Context) {
	report, err := w.balances.ReconcileAll(ctx, false)
	if err != nil {
		w.log.Errorw("reconciliation scan failed", "error", err)
		return
	}
	if report.Clean() {
		w.log.Infow("reconciliation scan clean", "accounts_checked", report.AccountsChecked)
		return
	}
	w.log.Warnw("reconciliation drift detected",
		"accounts_checked", report.AccountsChecked,
		"discrepancies", len(report.Discrepancies),
	)
}

func (w *Worker) drainOutbox(ctx context.Context) {
	delivered, err := w.relay.ProcessBatch(ctx)
	if err != nil {
		w.log.Errorw("outbox relay failed", "error", err)
		return
	}
	if delivered > 0 {
		w.log.Infow("outbox messages delivered", "count", delivered)
	}
}

// loggingHandler is the default outbox consumer: it logs the event and
// acknowledges it. Real deployments swap in a broker publisher.
type loggingHandler struct {
	log *logger.Logger
}

func (h *loggingHandler) Handle(ctx context.Context, msg *postgres.OutboxMessage) error {
	h.log.WithContext(ctx).Infow("accounting event",
		"message_id", msg.ID,
		"account_id", msg.AccountID,
		"event_type", msg.EventType,
	)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
