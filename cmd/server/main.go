// Package main is the entry point for the stockgate API server.
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
	"github.com/redis/go-redis/v9"

	"stockgate/internal/auth"
	"stockgate/internal/domain/allocation"
	"stockgate/internal/domain/locking"
	"stockgate/internal/domain/queue"
	"stockgate/internal/domain/reservation"
	"stockgate/internal/domain/validation"
	"stockgate/internal/infrastructure/cache"
	"stockgate/internal/infrastructure/erpclient"
	"stockgate/internal/infrastructure/events"
	v1 "stockgate/internal/infrastructure/http/v1"
	"stockgate/internal/infrastructure/http/v1/middleware"
	"stockgate/internal/infrastructure/storage/postgres"
	"stockgate/internal/infrastructure/storage/postgres/lock_repo"
	"stockgate/internal/infrastructure/storage/postgres/queue_repo"
	"stockgate/internal/infrastructure/storage/postgres/reservation_repo"
	"stockgate/pkg/logger"
	"stockgate/pkg/numerator"
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

	ctx := context.Background()
	log.Info("starting stockgate server")

	// --- Database ---
	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(mustEnv("DATABASE_URL")))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()
	log.Info("database connection established")

	txManager := postgres.NewTxManager(pool)

	auditService, err := postgres.NewAuditService(txManager)
	if err != nil {
		log.Fatalw("failed to initialize audit service", "error", err)
	}

	publisher := events.NewDomainPublisher(postgres.NewOutboxPublisher(txManager))

	// --- ERP client and stock readers ---
	erpClient := erpclient.New(erpclient.Config{
		BaseURL: mustEnv("ERP_BASE_URL"),
		APIKey:  getEnv("ERP_API_KEY", ""),
		Timeout: getEnvDuration("ERP_TIMEOUT", 10*time.Second),
	})

	live := validation.ERPReader(erpClient)
	cached := live
	if redisURL := getEnv("REDIS_URL", ""); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalw("failed to parse REDIS_URL", "error", err)
		}
		redisClient := redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalw("failed to ping redis", "error", err)
		}
		defer redisClient.Close()

		cached = cache.New(redisClient, live, getEnvDuration("STOCK_CACHE_TTL", cache.DefaultTTL))
		log.Info("stock snapshot cache enabled")
	}

	// --- Repositories and services ---
	reservationRepo := reservation_repo.NewReservationRepo(txManager)
	queueRepo := queue_repo.NewQueueRepo(txManager)
	lockRepo := lock_repo.NewLockRepo(txManager)

	validator := validation.NewService(cached, live, reservationRepo,
		getEnvDuration("SETTLEMENT_WINDOW", validation.DefaultSettlementWindow))
	locks := locking.NewService(lockRepo, getEnvDuration("LOCK_TTL", locking.DefaultTTL))

	numbers := &reservationNumbers{
		service: numerator.New(pool.Unwrap()),
		config:  numerator.DefaultConfig(getEnv("RESERVATION_NUMBER_PREFIX", "RSV")),
	}

	reservationService := reservation.NewService(
		reservationRepo,
		validator,
		locks,
		erpClient,
		txManager,
		numbers,
		publisher,
		auditService,
		allocation.Strategy(getEnv("ALLOCATION_STRATEGY", string(allocation.StrategyFEFO))),
	)

	queueService := queue.NewService(queueRepo, reservationService, txManager, publisher,
		getEnvInt("QUEUE_MAX_ATTEMPTS", queue.DefaultMaxAttempts))

	// --- Authentication ---
	var jwtValidator middleware.JWTValidator
	if secret := getEnv("JWT_SECRET", ""); secret != "" {
		jwtValidator = auth.NewJWTService(auth.DefaultJWTConfig(secret))
	}

	var apiKeys middleware.APIKeyVerifier
	if spec := getEnv("API_KEYS", ""); spec != "" {
		keys, err := auth.ParseKeySpec(spec)
		if err != nil {
			log.Fatalw("failed to parse API_KEYS", "error", err)
		}
		apiKeys = auth.NewAPIKeyVerifier(keys)
	}
	if jwtValidator == nil && apiKeys == nil {
		log.Warn("authentication disabled: neither JWT_SECRET nor API_KEYS configured")
	}

	// --- Router ---
	router := v1.NewRouter(v1.RouterConfig{
		Pool:         pool,
		Logger:       log,
		JWTValidator: jwtValidator,
		APIKeys:      apiKeys,
		Reservations: reservationService,
		Queue:        queueService,
		Validator:    validator,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

// reservationNumbers adapts the numerator to the reservation number generator.
type reservationNumbers struct {
	service *numerator.Service
	config  numerator.Config
}

func (n *reservationNumbers) NextNumber(ctx context.Context, at time.Time) (string, error) {
	return n.service.GetNextNumber(ctx, n.config, nil, at)
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
