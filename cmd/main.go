/**
 * @description
 * This is the main entry point for the sale-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * schema migrations, message brokers, the discount attempt guard, repositories, the core application
 * service, the maintenance scheduler, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/golang-migrate/migrate/v4: schema migrations at boot.
 * - github.com/redis/go-redis/v9: lockout after failed discount code lookups.
 * - internal/api, internal/app, internal/config, internal/scheduler, internal/store.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cafepos/sale-service/internal/api"
	"github.com/cafepos/sale-service/internal/app"
	"github.com/cafepos/sale-service/internal/config"
	"github.com/cafepos/sale-service/internal/domain"
	"github.com/cafepos/sale-service/internal/loyalty"
	"github.com/cafepos/sale-service/internal/scheduler"
	"github.com/cafepos/sale-service/internal/store"
	rmrabbit "github.com/cafepos/sale-service/pkg/rabbitmq"
	"github.com/go-chi/chi/v5"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWKSURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwks url must be configured\" env=JWKS_URL")
	}

	log.Printf("level=info component=bootstrap msg=\"starting sale-service\" port=%s tax_rate=%s", cfg.ServerPort, cfg.TaxRate)

	if cfg.RunMigrations {
		if err := runMigrations(cfg.MigrationsPath, cfg.DatabaseURL); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"migrations applied\"")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// A till fleet is small; the pool only needs headroom for bursts at opening time.
	poolConfig.MaxConns = 30
	poolConfig.MinConns = 5
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

	// Sale events are best effort; the service boots without a broker.
	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	redisClient := connectRedis(cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}

	repository := store.NewPostgresRepository(dbpool)

	saleService := app.NewService(
		repository,
		cfg.PricingEngine(),
		loyalty.NewLedger(cfg.LoyaltyPolicy()),
		producer,
		app.Options{
			EventsExchange:                  cfg.EventsExchange,
			DiscountFailedAttemptsPerMinute: cfg.DiscountValidateRateLimitPerMinute,
			LoyaltyPointsExpiryInactiveDays: cfg.LoyaltyPointsExpiryDays,
		},
	)
	if redisClient != nil {
		saleService.SetDiscountAttemptGuard(app.NewRedisDiscountAttemptGuard(redisClient, cfg.RedisRateLimitPrefix, time.Minute))
	}

	// Refund requests from upstream payment systems.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; refund requests disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		refundConsumer := app.NewRefundRequestConsumer(saleService)
		bindings := map[string]rmrabbit.Handler{
			domain.EventSaleRefundRequested: refundConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.RefundRequestQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"refund consumer start failed\" err=%v", err)
		}
	}

	jobLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "scheduler")
	jobs := scheduler.NewJobs(repository, saleService, jobLogger)
	cronScheduler := scheduler.NewScheduler(jobs, jobLogger, scheduler.Schedules{
		PromotionSweep: cfg.PromotionSweepSchedule,
		CampaignStatus: cfg.CampaignStatusSchedule,
		LoyaltyExpiry:  cfg.LoyaltyExpirySchedule,
	})
	cronScheduler.Register()
	cronScheduler.Start()

	handlers := api.NewSaleHandlers(saleService)
	auth := api.OperatorAuthMiddleware(api.AuthConfig{
		JWKSURL:  cfg.JWKSURL,
		Audience: cfg.JWTAudience,
		Issuer:   cfg.JWTIssuer,
	})

	router := chi.NewRouter()
	router.Mount("/", api.SaleRoutes(handlers, auth, cfg.CORSOrigins()))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
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

	select {
	case <-cronScheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"jobs still running at shutdown\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// connectRedis returns nil when the discount lockout is disabled or redis is unreachable; the
// guard fails open in that case.
func connectRedis(cfg config.Config) *redis.Client {
	if cfg.DiscountValidateRateLimitPerMinute <= 0 {
		return nil
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; discount validation rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; discount validation rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; discount validation rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

// runMigrations applies pending migrations through the pgx/v5 driver, which registers the
// pgx5:// scheme.
func runMigrations(sourceURL, databaseURL string) error {
	m, err := migrate.New(sourceURL, migrationDatabaseURL(databaseURL))
	if err != nil {
		return fmt.Errorf("could not create migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

func migrationDatabaseURL(databaseURL string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, scheme) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, scheme)
		}
	}
	return databaseURL
}
