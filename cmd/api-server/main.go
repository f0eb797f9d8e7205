package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-sync/internal/adapter"
	"github.com/hackgods/appointment-sync/internal/api"
	"github.com/hackgods/appointment-sync/internal/appointment"
	"github.com/hackgods/appointment-sync/internal/breaker"
	"github.com/hackgods/appointment-sync/internal/config"
	"github.com/hackgods/appointment-sync/internal/db"
	"github.com/hackgods/appointment-sync/internal/health"
	"github.com/hackgods/appointment-sync/internal/messaging"
	"github.com/hackgods/appointment-sync/internal/observability"
	redisclient "github.com/hackgods/appointment-sync/internal/redis"
	"github.com/hackgods/appointment-sync/internal/retry"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := observability.NewLogger("api-server", "unknown", "info")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := observability.NewLogger("api-server", cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("http_port", cfg.HTTPPort).
		Str("adapter", cfg.Adapter.Type).
		Str("version", version).
		Msg("api-server starting up")

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("api-server stopped with error")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Schema
	if err := db.Migrate(cfg.PostgresDSN); err != nil {
		return err
	}
	logger.Info().Msg("database migrations applied")

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.PostgresMaxConn})
	cancelPg()
	if err != nil {
		return err
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.ClientOptions{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	// External scheduling system, guarded by breaker and retry
	adapterType, err := adapter.ParseType(cfg.Adapter.Type)
	if err != nil {
		return err
	}
	adp, err := adapter.New(adapterType, adapter.Options{
		BaseURL: cfg.Adapter.BaseURL,
		APIKey:  cfg.Adapter.APIKey,
		Timeout: cfg.Adapter.Timeout,
	})
	if err != nil {
		return err
	}

	cb := breaker.New(adp.Name(), breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
	}, logger)

	retryOpts := retry.Options{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		BaseDelay:       cfg.Retry.BaseDelay,
		MaxDelay:        cfg.Retry.MaxDelay,
		ExponentialBase: cfg.Retry.ExponentialBase,
	}
	retrier := retry.NewExecutor(retryOpts, logger)

	// Broker
	conn := messaging.NewConnection(cfg.RabbitMQ.URL, cfg.RabbitMQ.ReconnectInterval, logger)
	topology := messaging.TopologyConfig{
		Exchange:        cfg.RabbitMQ.Exchange,
		QueueMaxLength:  cfg.RabbitMQ.QueueMaxLength,
		QueueMessageTTL: cfg.RabbitMQ.QueueMessageTTL,
	}
	if err := conn.OnConnect(rootCtx, func(ctx context.Context, c *amqp.Connection) error {
		ch, err := c.Channel()
		if err != nil {
			return err
		}
		defer func() { _ = ch.Close() }()
		return messaging.DeclareTopology(ch, topology)
	}); err != nil {
		return err
	}
	go conn.Run(rootCtx)
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing rabbitmq")
		}
	}()

	publisher := messaging.NewAMQPPublisher(conn, cfg.RabbitMQ.Exchange)
	events := messaging.NewEvents(publisher, logger)

	repo := appointment.NewPgRepository(pgPool)
	locker := redisclient.NewRedisAppointmentLocker(rdb, cfg.LockTTL)
	svc := appointment.NewService(repo, adp, cb, retrier, locker, events, logger)

	gateway := messaging.NewGateway(
		svc,
		events,
		publisher,
		redisclient.NewRedisIdempotencyStore(rdb, cfg.IdempotencyTTL),
		messaging.GatewayConfig{
			MaxAttempts:      cfg.RabbitMQ.MaxAttempts,
			Prefetch:         cfg.RabbitMQ.Prefetch,
			ConnectPolls:     cfg.RabbitMQ.ConnectPolls,
			ConnectPollEvery: cfg.RabbitMQ.ConnectPollEvery,
		},
		logger,
	)
	if err := gateway.Start(rootCtx, conn); err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Service:      svc,
		Cancellation: events,
		Health:       health.NewChecker(adp, cb, retryOpts, 5*time.Second),
		Dependencies: []api.Dependency{
			{Name: "postgres", Critical: true, Check: db.PingCheck(pgPool)},
			{Name: "redis", Check: redisclient.PingCheck(rdb)},
			{Name: "rabbitmq", Check: func(ctx context.Context) error {
				if !conn.IsConnected() {
					return messaging.ErrNotConnected
				}
				return nil
			}},
		},
		Logger:  logger,
		Env:     cfg.Env,
		Version: version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	logger.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
