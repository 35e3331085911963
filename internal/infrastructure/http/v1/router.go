// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"tallybook/internal/domain/balance"
	"tallybook/internal/domain/inventory"
	"tallybook/internal/domain/period"
	"tallybook/internal/infrastructure/http/v1/handlers"
	"tallybook/internal/infrastructure/http/v1/middleware"
	"tallybook/internal/infrastructure/storage/postgres"
	"tallybook/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	Pool   *postgres.Pool
	Logger *logger.Logger

	// JWTValidator for token validation. Nil disables auth (dev mode).
	JWTValidator middleware.JWTValidator

	StockService   *inventory.Service
	BalanceService *balance.Service
	PeriodService  *period.Service
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	// Health endpoints (no auth required)
	healthHandler := handlers.NewHealthHandler(cfg.Pool)
	health := router.Group("/health")
	{
		health.GET("", healthHandler.Live)
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	baseHandler := handlers.NewBaseHandler()

	// API v1
	api := router.Group("/api/v1")
	if cfg.JWTValidator != nil {
		api.Use(middleware.Auth(cfg.JWTValidator))
	}
	{
		stockHandler := handlers.NewStockHandler(baseHandler, cfg.StockService)
		stockHandler.RegisterRoutes(api.Group("/stock"))

		balanceHandler := handlers.NewBalanceHandler(baseHandler, cfg.BalanceService)
		balanceHandler.RegisterRoutes(api.Group("/accounts"), api.Group("/transactions"))

		// Period lifecycle mutates the books; restrict to accounting roles.
		periodHandler := handlers.NewPeriodHandler(baseHandler, cfg.PeriodService)
		periods := api.Group("/periods")
		if cfg.JWTValidator != nil {
			periods.Use(middleware.RequireRole("accountant", "finance-admin"))
		}
		periodHandler.RegisterRoutes(periods)
	}

	return router
}
