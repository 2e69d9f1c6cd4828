/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the Paystack client, Redis, the RabbitMQ producer, repositories, the core application
 * service, the status poll manager, the outbox dispatcher, the reconciliation sweeper,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for webhook deduplication.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/paystackclient: Client for the Paystack API.
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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/coverly/settlement-service/internal/api"
	"github.com/coverly/settlement-service/internal/app"
	"github.com/coverly/settlement-service/internal/config"
	"github.com/coverly/settlement-service/internal/store"
	"github.com/coverly/settlement-service/pkg/paystackclient"
	rmrabbit "github.com/coverly/settlement-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.PaystackSecretKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"paystack secret key must be configured\" env=PAYSTACK_SECRET_KEY")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
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

	// Initialize the RabbitMQ producer for notification events. Broker
	// downtime must not block settlements; the outbox keeps retrying.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the Paystack API client.
	paystack := paystackclient.NewClient(cfg.PaystackAPIBaseURL, cfg.PaystackSecretKey)

	// Webhook deduplication prefers Redis so replays are caught across
	// instances; without Redis, an in-process cache still covers redeliveries
	// to a single instance.
	var deduper app.EventDeduper
	eventTTL := time.Duration(cfg.WebhookEventTTLHours) * time.Hour
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook dedupe is per-instance only\" env=REDIS_URL")
		deduper = app.NewMemoryEventDeduper(eventTTL)
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook dedupe is per-instance only\" err=%v", parseErr)
			deduper = app.NewMemoryEventDeduper(eventTTL)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook dedupe is per-instance only\" err=%v", pingErr)
				redisClient.Close()
				deduper = app.NewMemoryEventDeduper(eventTTL)
			} else {
				defer redisClient.Close()
				deduper = app.NewRedisEventDeduper(redisClient, cfg.RedisWebhookEventPrefix, eventTTL)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service and its poll manager.
	settlementService := app.NewService(repository, paystack)
	schedule := app.PollSchedule{
		FastInterval:   time.Duration(cfg.PollFastIntervalSeconds) * time.Second,
		MediumInterval: time.Duration(cfg.PollMediumIntervalSecs) * time.Second,
		SlowInterval:   time.Duration(cfg.PollSlowIntervalSeconds) * time.Second,
		MaxPolls:       cfg.PollMaxAttempts,
		RequestTimeout: 15 * time.Second,
	}
	pollManager := app.NewPollManager(settlementService, schedule)
	settlementService.SetPollManager(pollManager)

	// The outbox dispatcher drains queued notification events into RabbitMQ.
	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	dispatcher := app.NewOutboxDispatcher(repository, producer)
	dispatcher.Configure(cfg.OutboxBatchSize, time.Duration(cfg.OutboxPollIntervalMillis)*time.Millisecond)
	go dispatcher.Run(dispatcherCtx)

	// The sweeper re-adopts in-flight settlements whose pollers were lost to a
	// restart.
	sweeper := app.NewSweeper(repository, pollManager, cfg.SweepSchedule, time.Duration(cfg.SweepOrphanAgeSeconds)*time.Second)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"sweeper start failed\" err=%v", err)
	}

	// Initialize the API handlers and router.
	settlementHandlers := api.NewSettlementHandlers(settlementService)
	webhookHandler := api.NewWebhookHandler(settlementService, deduper, cfg.PaystackWebhookSecret)
	router := api.SettlementRoutes(settlementHandlers, webhookHandler, cfg.JWTSecret, cfg.AllowedOriginList())

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

	sweeper.Stop()
	stopDispatcher()
	pollManager.StopAll()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
