// Package main is the entry point for the stockgate background worker:
// posting queue delivery, reservation expiry, lock reaping, outbox relay.
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

	"stockgate/internal/domain/allocation"
	"stockgate/internal/domain/locking"
	"stockgate/internal/domain/queue"
	"stockgate/internal/domain/reservation"
	"stockgate/internal/domain/validation"
	"stockgate/internal/infrastructure/erpclient"
	"stockgate/internal/infrastructure/events"
	"stockgate/internal/infrastructure/storage/postgres"
	"stockgate/internal/infrastructure/storage/postgres/lock_repo"
	"stockgate/internal/infrastructure/storage/postgres/queue_repo"
	"stockgate/internal/infrastructure/storage/postgres/reservation_repo"
	"stockgate/pkg/logger"
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
	ctx = logger.WithLogger(ctx, log)

	log.Info("starting stockgate worker")

	// --- Database ---
	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(mustEnv("DATABASE_URL")))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	txManager := postgres.NewTxManager(pool)

	auditService, err := postgres.NewAuditService(txManager)
	if err != nil {
		log.Fatalw("failed to initialize audit service", "error", err)
	}

	publisher := events.NewDomainPublisher(postgres.NewOutboxPublisher(txManager))

	// --- ERP client ---
	erpClient := erpclient.New(erpclient.Config{
		BaseURL: mustEnv("ERP_BASE_URL"),
		APIKey:  getEnv("ERP_API_KEY", ""),
		Timeout: getEnvDuration("ERP_TIMEOUT", 10*time.Second),
	})
	live := validation.ERPReader(erpClient)

	// --- Repositories and services ---
	reservationRepo := reservation_repo.NewReservationRepo(txManager)
	queueRepo := queue_repo.NewQueueRepo(txManager)
	lockRepo := lock_repo.NewLockRepo(txManager)

	validator := validation.NewService(live, live, reservationRepo,
		getEnvDuration("SETTLEMENT_WINDOW", validation.DefaultSettlementWindow))
	locks := locking.NewService(lockRepo, getEnvDuration("LOCK_TTL", locking.DefaultTTL))

	reservationService := reservation.NewService(
		reservationRepo,
		validator,
		locks,
		erpClient,
		txManager,
		nil, // numbers are only assigned at creation, which the worker never does
		publisher,
		auditService,
		allocation.StrategyFEFO,
	)

	queueService := queue.NewService(queueRepo, reservationService, txManager, publisher,
		getEnvInt("QUEUE_MAX_ATTEMPTS", queue.DefaultMaxAttempts))

	backoff := queue.Backoff{
		Base: getEnvDuration("RETRY_BACKOFF_BASE", queue.DefaultBackoff.Base),
		Cap:  getEnvDuration("RETRY_BACKOFF_CAP", queue.DefaultBackoff.Cap),
	}
	postingWorker := queue.NewWorker(
		queueRepo,
		erpClient,
		reservationService,
		txManager,
		publisher,
		backoff,
		getEnv("WORKER_ID", ""),
		getEnvDuration("POLL_INTERVAL", queue.DefaultPollInterval),
	)

	// --- Outbox relay (optional, needs a broker) ---
	var relay *postgres.OutboxRelay
	if rabbitURL := getEnv("RABBITMQ_URL", ""); rabbitURL != "" {
		rabbit, err := events.NewRabbitPublisher(events.RabbitConfig{
			URL:      rabbitURL,
			Exchange: getEnv("RABBITMQ_EXCHANGE", events.DefaultExchange),
		})
		if err != nil {
			log.Fatalw("failed to connect to rabbitmq", "error", err)
		}
		defer rabbit.Close()

		relay = postgres.NewOutboxRelay(pool.Unwrap(), getEnvInt("OUTBOX_BATCH_SIZE", 100),
			events.NewOutboxBridge(rabbit))
		log.Info("outbox relay enabled")
	} else {
		log.Warn("RABBITMQ_URL not set, outbox relay disabled")
	}

	var wg sync.WaitGroup

	// Posting queue delivery loop.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = postingWorker.Run(ctx)
	}()

	// Periodic housekeeping.
	wg.Add(1)
	go func() {
		defer wg.Done()
		runHousekeeping(ctx, housekeepingDeps{
			reservations: reservationService,
			queue:        queueService,
			locks:        locks,
			relay:        relay,
			pool:         pool,
			retention:    getEnvDuration("QUEUE_RETENTION", 7*24*time.Hour),
		})
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

type housekeepingDeps struct {
	reservations *reservation.Service
	queue        *queue.Service
	locks        *locking.Service
	relay        *postgres.OutboxRelay
	pool         *postgres.Pool
	retention    time.Duration
}

// runHousekeeping drives the periodic jobs: expiry sweeps, lock reaping,
// outbox relay, queue retention and pool stats.
func runHousekeeping(ctx context.Context, deps housekeepingDeps) {
	sweepTicker := time.NewTicker(time.Minute)
	defer sweepTicker.Stop()

	relayTicker := time.NewTicker(time.Second)
	defer relayTicker.Stop()

	hourlyTicker := time.NewTicker(time.Hour)
	defer hourlyTicker.Stop()

	statsTicker := time.NewTicker(5 * time.Minute)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-sweepTicker.C:
			if _, err := deps.reservations.ExpireSweep(ctx); err != nil {
				logger.Error(ctx, "expire sweep failed", "error", err)
			}
			if _, err := deps.locks.ReapExpired(ctx); err != nil {
				logger.Error(ctx, "lock reap failed", "error", err)
			}

		case <-relayTicker.C:
			if deps.relay == nil {
				continue
			}
			if _, err := deps.relay.ProcessBatch(ctx); err != nil {
				logger.Error(ctx, "outbox relay failed", "error", err)
			}

		case <-hourlyTicker.C:
			if purged, err := deps.queue.PurgeCompleted(ctx, deps.retention); err != nil {
				logger.Error(ctx, "queue purge failed", "error", err)
			} else if purged > 0 {
				logger.Info(ctx, "purged delivered queue items", "count", purged)
			}
			if deps.relay != nil {
				if moved, err := deps.relay.MoveToDLQ(ctx); err != nil {
					logger.Error(ctx, "outbox dlq move failed", "error", err)
				} else if moved > 0 {
					logger.Warn(ctx, "moved poisoned outbox messages to dlq", "count", moved)
				}
			}

		case <-statsTicker.C:
			postgres.LogPoolStats(ctx, deps.pool.Unwrap())
		}
	}
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
