/**
 * @description
 * This is the main entry point for the transfer orchestrator. It initializes configuration,
 * the transfer store, the aggregator adapter, the message broker, the callback ingress, the
 * reconciliation scheduler and the HTTP server, wires them together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: callback redelivery guard.
 * - github.com/joho/godotenv: local .env loading.
 * - internal/api, internal/app, internal/config, internal/ingress, internal/scheduler, internal/store.
 * - pkg/aggregator, pkg/rabbitmq.
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
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/transfer-orchestrator/internal/api"
	"github.com/transfa/transfer-orchestrator/internal/app"
	"github.com/transfa/transfer-orchestrator/internal/config"
	"github.com/transfa/transfer-orchestrator/internal/domain"
	"github.com/transfa/transfer-orchestrator/internal/fees"
	"github.com/transfa/transfer-orchestrator/internal/ingress"
	"github.com/transfa/transfer-orchestrator/internal/scheduler"
	"github.com/transfa/transfer-orchestrator/internal/store"
	"github.com/transfa/transfer-orchestrator/pkg/aggregator"
	"github.com/transfa/transfer-orchestrator/pkg/rabbitmq"
)

func main() {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("level=warn component=bootstrap msg=\".env load failed\" err=%v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting transfer-orchestrator\" port=%s store=%s provider=%s", cfg.ServerPort, cfg.StoreDriver, cfg.AggregatorProvider)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repository store.Repository
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		memory := store.NewMemoryRepository()
		seedMemoryOperators(memory, cfg.OperatorCodes)
		repository = memory
		log.Println("level=warn component=bootstrap msg=\"using in-memory transfer store; state is lost on restart\"")
	default:
		dbpool := connectPostgres(cfg.DatabaseURL)
		defer dbpool.Close()
		repository = store.NewPostgresRepository(dbpool)
	}

	adapter, err := aggregator.New(cfg.Aggregator())
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"aggregator init failed\" err=%v", err)
	}

	// Publishing is best effort; the service runs without a broker.
	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		} else {
			defer producer.Close()
			publisher = producer
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	}

	transferService := app.NewService(
		repository,
		adapter,
		fees.NewCalculator(repository, cfg.DefaultFeePercent),
		publisher,
		app.Options{
			Currency:       cfg.Currency,
			DefaultCountry: cfg.DefaultCountry,
			EventsExchange: cfg.EventsExchange,
			StuckAfter:     cfg.ReconcileStuckAfter(),
			SweepBatchSize: cfg.ReconcileBatchSize,
		},
	)

	guard, closeGuard := deliveryGuard(cfg)
	defer closeGuard()
	callbackIngress := ingress.New(transferService, guard, cfg.CallbackSignatureSecret)
	if strings.TrimSpace(cfg.CallbackSignatureSecret) == "" {
		log.Println("level=warn component=bootstrap msg=\"callback signature secret not set; callbacks are not authenticated\" env=CALLBACK_SIGNATURE_SECRET")
	}

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; callback replay disabled\" err=%v", err)
		} else {
			defer consumer.Close()
			if err := consumer.ConsumeWithPatterns(cfg.EventsExchange, cfg.CallbackReplayQueue, ingress.ReplayBindings, callbackIngress.ReplayHandler(ctx)); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"callback replay consumer start failed\" err=%v", err)
			}
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cronScheduler := scheduler.NewScheduler(scheduler.NewJobs(transferService, logger, 0), logger, cfg.ReconcileSchedule)
	if err := cronScheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	if strings.TrimSpace(cfg.InternalAPIKey) == "" && strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"no client authentication configured; transfer routes are open\" env=INTERNAL_API_KEY,AUTH_JWKS_URL")
	}
	handlers := api.NewTransferHandlers(transferService, callbackIngress)
	router := api.TransferRoutes(handlers, api.AuthConfig{
		InternalAPIKey: cfg.InternalAPIKey,
		JWKSURL:        cfg.AuthJWKSURL,
		Audience:       cfg.AuthAudience,
		Issuer:         cfg.AuthIssuer,
	}, cfg.CORSAllowedOrigins)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	<-ctx.Done()
	log.Println("level=info component=http msg=\"shutdown started\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-cronScheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func connectPostgres(databaseURL string) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to stay compatible with transaction poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database ping failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return dbpool
}

// deliveryGuard prefers Redis so redeliveries are recognised across replicas.
func deliveryGuard(cfg config.Config) (ingress.DeliveryGuard, func()) {
	memory := ingress.NewMemoryDeliveryGuard(cfg.CallbackDedupeTTL())
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-process callback guard\" env=REDIS_URL")
		return memory, func() {}
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process callback guard\" err=%v", err)
		return memory, func() {}
	}

	redisClient := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-process callback guard\" err=%v", err)
		redisClient.Close()
		return memory, func() {}
	}

	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return ingress.NewRedisDeliveryGuard(redisClient, cfg.CallbackDedupePrefix, cfg.CallbackDedupeTTL()), func() { redisClient.Close() }
}

// seedMemoryOperators registers one operator per configured "CC:code" entry. Ids are derived
// from the key so they survive restarts.
func seedMemoryOperators(repo *store.MemoryRepository, operatorCodes map[string]string) {
	keys := make([]string, 0, len(operatorCodes))
	for key := range operatorCodes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		country, code, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		op := domain.Operator{
			ID:        uuid.NewSHA1(uuid.NameSpaceURL, []byte("operator:"+key)),
			Name:      code,
			ShortCode: code,
			Country:   country,
			Active:    true,
		}
		repo.SeedOperator(op)
		log.Printf("level=info component=bootstrap msg=\"seeded operator\" id=%s country=%s short_code=%s aggregator_code=%s", op.ID, op.Country, op.ShortCode, operatorCodes[key])
	}
}
