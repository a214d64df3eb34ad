/**
 * @description
 * This is the main entry point for the request-service. It loads configuration,
 * connects to PostgreSQL, Redis and RabbitMQ, builds the approval-chain ledger
 * and the application service, and serves the /requests API until it receives
 * a shutdown signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: request cache and create rate limiting.
 * - github.com/rs/zerolog: structured logging.
 * - internal/api, internal/app, internal/config, internal/store, internal/workflow.
 * - pkg/rabbitmq: outbox publishing and domain-effect consumption.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/michaelodikeme/coop-nest-sub006/internal/api"
	"github.com/michaelodikeme/coop-nest-sub006/internal/app"
	"github.com/michaelodikeme/coop-nest-sub006/internal/config"
	"github.com/michaelodikeme/coop-nest-sub006/internal/store"
	"github.com/michaelodikeme/coop-nest-sub006/internal/workflow"
	"github.com/michaelodikeme/coop-nest-sub006/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	// A local .env is optional; real deployments inject the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	bootLog := logger.With().Str("component", "bootstrap").Logger()

	if err := cfg.Validate(); err != nil {
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	bootLog.Info().Str("port", cfg.ServerPort).Str("env", cfg.AppEnv).Msg("starting request-service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("database url parse failed")
	}
	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MinConns = cfg.DBMinConns
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to stay compatible with poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("database connection failed")
	}
	defer dbpool.Close()
	bootLog.Info().Msg("database connected")

	ledger, err := workflow.LoadLedger(cfg.ApprovalChainsFile)
	if err != nil {
		bootLog.Fatal().Err(err).Str("file", cfg.ApprovalChainsFile).Msg("approval chains load failed")
	}
	bootLog.Info().Int("request_types", len(ledger.Types())).Msg("approval chains loaded")

	repository := store.NewPostgresRepository(dbpool, cfg.EventsExchange)
	service := app.NewService(repository, workflow.NewEngine(ledger), logger)

	redisClient := connectRedis(ctx, cfg, bootLog)
	if redisClient != nil {
		defer redisClient.Close()
		service.SetCache(app.NewRedisRequestCache(redisClient, cfg.RedisKeyPrefix, cfg.CacheTTL(), logger))
		service.SetCreateRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix), cfg.CreateRateLimitPerMinute)
	}

	dispatcher := app.NewOutboxDispatcher(repository, func() (rabbitmq.Publisher, error) {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			bootLog.Warn().Err(err).Msg("rabbitmq producer unavailable; using fallback")
			return &rabbitmq.EventProducerFallback{Log: logger}, nil
		}
		return producer, nil
	}, cfg.OutboxPollInterval(), logger)
	go dispatcher.Run(ctx)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		bootLog.Warn().Err(err).Msg("rabbitmq consumer unavailable; domain-effect completion disabled")
	} else {
		defer consumer.Close()
		effects := app.NewDomainEffectConsumer(service, logger)
		if err := consumer.ConsumeWithBindings(ctx, cfg.EventsExchange, cfg.DomainEffectsQueue, effects.Bindings()); err != nil {
			bootLog.Fatal().Err(err).Msg("domain-effect consumer start failed")
		}
		bootLog.Info().Str("queue", cfg.DomainEffectsQueue).Msg("domain-effect consumer started")
	}

	scheduler := app.NewScheduler(app.NewJobs(repository, logger, cfg), logger, cfg)
	scheduler.Start()

	handlers := api.NewHandlers(service, logger)
	router := api.NewRouter(handlers, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins(),
		Auth: api.AuthMiddleware(api.TokenConfig{
			Secret:   cfg.JWTSecret,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		}, service, logger),
		Logger: logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("component", "http").Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Str("component", "http").Msg("server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Str("component", "http").Msg("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Str("component", "http").Msg("shutdown failed")
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Str("component", "scheduler").Msg("running jobs did not finish before shutdown")
	}

	logger.Info().Str("component", "http").Msg("shutdown complete")
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Development() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
			Level(level).With().Timestamp().Str("service", "request-service").Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "request-service").Logger()
}

// connectRedis returns nil when Redis is not configured or unreachable; the
// service then runs without a cache and without create rate limiting.
func connectRedis(ctx context.Context, cfg config.Config, log zerolog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		log.Warn().Msg("redis url missing; cache and rate limiting disabled")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis url parse failed; cache and rate limiting disabled")
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed; cache and rate limiting disabled")
		client.Close()
		return nil
	}
	log.Info().Msg("redis connected")
	return client
}
