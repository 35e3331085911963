// Package main is the entry point for the tallybook API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tallybook/internal/core/auth"
	"tallybook/internal/core/policy"
	"tallybook/internal/domain/balance"
	"tallybook/internal/domain/inventory"
	"tallybook/internal/domain/period"
	v1 "tallybook/internal/infrastructure/http/v1"
	"tallybook/internal/infrastructure/http/v1/middleware"
	"tallybook/internal/infrastructure/storage/postgres"
	"tallybook/pkg/logger"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	log.Info("starting tallybook server")

	// --- Database ---
	poolCfg := postgres.DefaultPoolConfig(mustEnv("DATABASE_URL"))
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()
	log.Info("database connection established")

	txManager := postgres.NewTxManager(pool)

	// --- Repositories ---
	inventoryRepo := postgres.NewInventoryRepo(txManager)
	balanceRepo := postgres.NewBalanceRepo(txManager)
	periodRepo := postgres.NewPeriodRepo(txManager)

	archiveStore, err := postgres.NewArchiveStore(txManager)
	if err != nil {
		log.Fatalw("failed to initialize report archive", "error", err)
	}

	// --- Services ---
	postingPolicy := policy.NewPeriodPolicy(periodRepo)

	stockService := inventory.NewService(inventoryRepo, txManager)

	balanceService := balance.NewService(balanceRepo, txManager, postingPolicy).
		WithArchiver(archiveStore).
		WithEntrySink(postgres.NewOutboxSink(txManager))

	periodService := period.NewService(periodRepo, txManager, balanceService, balanceService)

	// --- JWT ---
	var jwtValidator middleware.JWTValidator
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		jwtValidator = auth.NewJWTService(auth.DefaultJWTConfig(secret))
	} else {
		log.Warn("JWT_SECRET not set, authentication disabled")
	}

	// --- Router ---
	router := v1.NewRouter(v1.RouterConfig{
		Pool:           pool,
		Logger:         log,
		JWTValidator:   jwtValidator,
		StockService:   stockService,
		BalanceService: balanceService,
		PeriodService:  periodService,
	})

	// --- HTTP Server ---
	port := getEnv("APP_PORT", "8080")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
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
