/**
 * @description
 * This is the main entry point for the disbursement-service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, the payment backend client, message brokers,
 * repositories, the engine (factory, batch processor, coordinator), the cron
 * scheduler, and the HTTP server. It wires everything together and starts the
 * service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for the idempotency guard.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/paymentclient: Client for the payment backend API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/disbursement-service/internal/api"
	"github.com/ledgerline/disbursement-service/internal/app"
	"github.com/ledgerline/disbursement-service/internal/config"
	"github.com/ledgerline/disbursement-service/internal/store"
	"github.com/ledgerline/disbursement-service/pkg/paymentclient"
	dsrabbit "github.com/ledgerline/disbursement-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.AuthJWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"operator jwt secret must be configured\" env=AUTH_JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting disbursement-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// A mass disbursement run writes one row per recipient; keep the pool sized
	// for sustained batch traffic.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish lifecycle events. Falling back
	// to the no-op publisher keeps the engine usable when the broker is down.
	var producer dsrabbit.Publisher
	rabbitProducer, err := dsrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &dsrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the payment backend API.
	paymentBackend := paymentclient.NewClient(cfg.PaymentAPIBaseURL, cfg.PaymentAPIKey)

	// Optional Redis connection for the distributed idempotency guard.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; distributed idempotency guard disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; distributed idempotency guard disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; distributed idempotency guard disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the engine: factory, batch processor, coordinator, reconciler.
	factory := app.NewTransactionFactory(repository, paymentBackend)
	factory.ConfigurePayoutPolicy(
		time.Duration(cfg.PayoutTimeoutSeconds)*time.Second,
		cfg.PayoutRetryAttempts,
		time.Duration(cfg.PayoutRetryBackoffMs)*time.Millisecond,
		time.Duration(cfg.IdempotencyTTLMinutes)*time.Minute,
	)

	reconciler := app.NewReconciler(repository, paymentBackend)
	reconciler.SetPolicy(cfg.ReconcileBatchLimit, time.Duration(cfg.ReconcileMinAgeMinutes)*time.Minute)

	if redisClient != nil {
		guard := app.NewRedisIdempotencyGuard(redisClient)
		factory.SetIdempotencyGuard(guard)
		reconciler.SetIdempotencyGuard(guard)
	}

	processor := app.NewBatchProcessor(repository, factory, cfg.MaxBatchSize)
	processor.SetConcurrency(cfg.BatchConcurrency)

	coordinator := app.NewCoordinator(repository, processor)
	coordinator.SetPublisher(producer)
	coordinator.SetAbortOnBatchFailure(cfg.AbortOnBatchFailure)
	if cfg.MaxRunDurationMinutes > 0 {
		coordinator.SetMaxRunDuration(time.Duration(cfg.MaxRunDurationMinutes) * time.Minute)
	}

	// Wire up the payout status consumer for asynchronous backend settlements.
	statusConsumer := app.NewPayoutStatusConsumer(repository)
	rabbitConsumer, err := dsrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; payout status events disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		statusRoutingKeys := []string{"payout.status.confirmed", "payout.status.failed"}
		if err := rabbitConsumer.Consume(dsrabbit.DisbursementExchange, cfg.PayoutStatusQueue, statusRoutingKeys, statusConsumer.HandleMessage); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"payout status consumer start failed\" err=%v", err)
		}
	}

	// Start the cron scheduler for reconciliation and recurring disbursements.
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	jobs := app.NewJobs(coordinator, reconciler, slogger, cfg)
	scheduler := app.NewScheduler(jobs, slogger, cfg)
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// Initialize the API handlers.
	disbursementHandlers := api.NewDisbursementHandlers(coordinator, reconciler, repository)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.DisbursementRoutes(disbursementHandlers, cfg.AuthJWTSecret, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
