package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-sync/internal/adapter"
	"github.com/hackgods/appointment-sync/internal/appointment"
	"github.com/hackgods/appointment-sync/internal/breaker"
	"github.com/hackgods/appointment-sync/internal/config"
	"github.com/hackgods/appointment-sync/internal/db"
	"github.com/hackgods/appointment-sync/internal/messaging"
	"github.com/hackgods/appointment-sync/internal/observability"
	redisclient "github.com/hackgods/appointment-sync/internal/redis"
	"github.com/hackgods/appointment-sync/internal/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := observability.NewLogger("sync-worker", "unknown", "info")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := observability.NewLogger("sync-worker", cfg.Env, cfg.LogLevel)
	logger.Info().
		Dur("interval", cfg.Sync.Interval).
		Int("batch_size", cfg.Sync.BatchSize).
		Msg("sync-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.PostgresMaxConn})
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.ClientOptions{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	adapterType, err := adapter.ParseType(cfg.Adapter.Type)
	if err != nil {
		logger.Fatal().Err(err).Msg("adapter config error")
	}
	adp, err := adapter.New(adapterType, adapter.Options{
		BaseURL: cfg.Adapter.BaseURL,
		APIKey:  cfg.Adapter.APIKey,
		Timeout: cfg.Adapter.Timeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("adapter init error")
	}

	cb := breaker.New(adp.Name(), breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
	}, logger)
	retrier := retry.NewExecutor(retry.Options{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		BaseDelay:       cfg.Retry.BaseDelay,
		MaxDelay:        cfg.Retry.MaxDelay,
		ExponentialBase: cfg.Retry.ExponentialBase,
	}, logger)

	// Updated events go out over the broker; a missing broker only loses events.
	conn := messaging.NewConnection(cfg.RabbitMQ.URL, cfg.RabbitMQ.ReconnectInterval, logger)
	topology := messaging.TopologyConfig{
		Exchange:        cfg.RabbitMQ.Exchange,
		QueueMaxLength:  cfg.RabbitMQ.QueueMaxLength,
		QueueMessageTTL: cfg.RabbitMQ.QueueMessageTTL,
	}
	_ = conn.OnConnect(rootCtx, func(ctx context.Context, c *amqp.Connection) error {
		ch, err := c.Channel()
		if err != nil {
			return err
		}
		defer func() { _ = ch.Close() }()
		return messaging.DeclareTopology(ch, topology)
	})
	go conn.Run(rootCtx)
	defer func() { _ = conn.Close() }()

	events := messaging.NewEvents(messaging.NewAMQPPublisher(conn, cfg.RabbitMQ.Exchange), logger)

	repo := appointment.NewPgRepository(pgPool)
	locker := redisclient.NewRedisAppointmentLocker(rdb, cfg.LockTTL)
	svc := appointment.NewService(repo, adp, cb, retrier, locker, events, logger)

	// Run once at startup
	runOnce(rootCtx, svc, cfg.Sync.BatchSize, logger)

	ticker := time.NewTicker(cfg.Sync.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping sync worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, cfg.Sync.BatchSize, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, batchSize int, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	synced, failed, err := svc.SyncPending(runCtx, batchSize)
	if err != nil {
		logger.Error().Err(err).Int("synced", synced).Int("failed", failed).Msg("sync run error")
		return
	}
	logger.Info().
		Int("synced", synced).
		Int("failed", failed).
		Dur("took", time.Since(start)).
		Msg("sync run complete")
}
