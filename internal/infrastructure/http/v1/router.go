// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"stockgate/internal/domain/queue"
	"stockgate/internal/domain/reservation"
	"stockgate/internal/domain/validation"
	"stockgate/internal/infrastructure/http/v1/handlers"
	"stockgate/internal/infrastructure/http/v1/middleware"
	"stockgate/internal/infrastructure/storage/postgres"
	"stockgate/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	// Pool is the database connection pool, used by health checks.
	Pool *postgres.Pool

	// Logger for request logging.
	Logger *logger.Logger

	// JWTValidator authenticates interactive users. Nil disables JWT auth.
	JWTValidator middleware.JWTValidator

	// APIKeys authenticates source systems. Nil disables API key auth.
	// With both validators nil the API runs unauthenticated.
	APIKeys middleware.APIKeyVerifier

	Reservations *reservation.Service
	Queue        *queue.Service
	Validator    *validation.Service
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
	router.GET("/healthz", healthHandler.Live)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	// API v1
	api := router.Group("/api/v1")
	if cfg.JWTValidator != nil || cfg.APIKeys != nil {
		api.Use(middleware.Auth(cfg.JWTValidator, cfg.APIKeys))
	}

	baseHandler := handlers.NewBaseHandler()

	reservationHandler := handlers.NewReservationHandler(baseHandler, cfg.Reservations)
	reservationHandler.RegisterRoutes(api.Group("/reservations"))

	stockHandler := handlers.NewStockHandler(baseHandler, cfg.Validator)
	stockHandler.RegisterRoutes(api.Group("/stock"))

	queueHandler := handlers.NewQueueHandler(baseHandler, cfg.Queue)
	queueHandler.RegisterRoutes(api.Group("/queue"))

	return router
}
