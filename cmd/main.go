/**
 * @description
 * This is the main entry point for the ledger-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, payment-rail drivers, message brokers, repositories, the core
 * application service, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/provider, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
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

	"github.com/corepay/ledger-service/internal/api"
	"github.com/corepay/ledger-service/internal/app"
	"github.com/corepay/ledger-service/internal/config"
	"github.com/corepay/ledger-service/internal/provider"
	"github.com/corepay/ledger-service/internal/store"
	"github.com/corepay/ledger-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s env=%s", cfg.ServerPort, cfg.Environment)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
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

	// Redis backs the idempotency guard; mutating endpoints cannot run safely
	// without it.
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"redis url parse failed\" err=%v", err)
	}
	redisClient := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("level=fatal component=bootstrap msg=\"redis ping failed\" err=%v", err)
	}
	cancelPing()
	defer redisClient.Close()
	log.Println("level=info component=bootstrap msg=\"redis connected\"")

	// Initialize the RabbitMQ producer for audit events.
	var producer app.Publisher
	rabbitProducer, err := rabbitmq.NewProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.FallbackProducer{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the payment-rail drivers.
	registry := provider.NewRegistry(
		provider.NewBankDriver("bank", cfg.BankAPIBaseURL, cfg.BankAPIKey, cfg.BankWebhookSecret),
		provider.NewCardDriver("card", cfg.CardAPIBaseURL, cfg.CardAPIKey, cfg.CardWebhookSecret),
	)

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	auditDispatcher := app.NewAuditDispatcher(producer, cfg.AuditWorkers, cfg.AuditBufferSize)
	defer auditDispatcher.Close()

	ledgerService := app.NewService(repository, registry, auditDispatcher, cfg.SettlementRail)

	idempotencyStore := app.NewRedisIdempotencyStore(redisClient, cfg.Environment)

	// Initialize the API handlers.
	ledgerHandlers := api.NewLedgerHandlers(
		ledgerService,
		registry,
		idempotencyStore,
		time.Duration(cfg.IdempotencyTTLMinutes)*time.Minute,
		time.Duration(cfg.TimestampSkewSeconds)*time.Second,
	)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.LedgerRoutes(ledgerHandlers, cfg.JWKSURL, cfg.InternalAPIKey, time.Duration(cfg.RequestTimeoutSeconds)*time.Second))

	// Wire up the platform event consumer for compliance and profile updates.
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	platformBindings := map[string]func([]byte) bool{
		"compliance.updated": ledgerService.HandleComplianceUpdated,
		"user.updated":       ledgerService.HandleUserUpdated,
	}
	if err := rabbitConsumer.ConsumeWithBindings("platform.events", cfg.PlatformEventQueue, platformBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"platform consumer start failed\" err=%v", err)
	}

	// Start the periodic settlement scheduler.
	scheduler, err := app.NewScheduler(ledgerService, cfg.SettlementCronSpec)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler init failed\" err=%v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Start the HTTP server.
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
