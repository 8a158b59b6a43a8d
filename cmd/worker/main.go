package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Harsh-BH/tradeguard/internal/broker"
	"github.com/Harsh-BH/tradeguard/internal/config"
	amqpdelivery "github.com/Harsh-BH/tradeguard/internal/delivery/amqp"
	"github.com/Harsh-BH/tradeguard/internal/delivery/redisstream"
	"github.com/Harsh-BH/tradeguard/internal/lock"
	"github.com/Harsh-BH/tradeguard/internal/pool"
	"github.com/Harsh-BH/tradeguard/internal/queue"
	"github.com/Harsh-BH/tradeguard/internal/repository"
	"github.com/Harsh-BH/tradeguard/internal/repository/memory"
	"github.com/Harsh-BH/tradeguard/internal/repository/postgres"
	redisrepo "github.com/Harsh-BH/tradeguard/internal/repository/redis"
	"github.com/Harsh-BH/tradeguard/internal/schedule"
	"github.com/Harsh-BH/tradeguard/internal/usecase"
)

func main() {
	// Bootstrap logger until the configured level is known
	logger, _ := zap.NewProduction()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if logger, err = config.NewLogger(cfg.LogLevel); err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("Starting tradeguard trade worker", zap.String("instance_id", cfg.InstanceID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL
	dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer dbPool.Close()
	if err := dbPool.Ping(ctx); err != nil {
		logger.Fatal("Failed to ping PostgreSQL", zap.Error(err))
	}
	logger.Info("Connected to PostgreSQL")

	// Connect to Redis
	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Invalid Redis URL", zap.Error(err))
	}
	redisClient := goredis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	logger.Info("Connected to Redis")

	// The worker shares the lock namespace with the scheduler
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("Invalid schedule timezone", zap.Error(err))
	}
	registry, err := schedule.NewRegistry(schedule.Definitions(cfg.Schedule.Crons, cfg.Lock.ScheduleTTL), loc)
	if err != nil {
		logger.Fatal("Invalid schedule definitions", zap.Error(err))
	}

	var lockStore repository.LockStore = redisrepo.NewRedisLockStore(redisClient)
	if cfg.Lock.Backend == config.BackendMemory {
		logger.Warn("Using in-process lock store, locks are not shared between instances")
		lockStore = memory.NewLockStore()
	}
	locks := lock.NewManager(lockStore, nil, registry.Namespace(), cfg.InstanceID, logger)

	// Initialize the queue. Batches that cannot get the trade lock in time are published
	// back to the same queue.
	var (
		q       queue.Queue
		requeue queue.Publisher
	)
	switch cfg.Queue.Backend {
	case config.BackendAMQP:
		topology := amqpdelivery.Topology{
			Queue:         cfg.Queue.Name,
			DeliveryLimit: cfg.Queue.DeliveryLimit,
		}
		amqpQueue := amqpdelivery.NewQueue(cfg.RabbitMQ.URL, topology, cfg.Queue.MaxMessages, cfg.Queue.VisibilityTimeout, logger)
		defer amqpQueue.Close()
		publisher, err := amqpdelivery.NewPublisher(cfg.RabbitMQ.URL, topology, logger)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer publisher.Close()
		q, requeue = amqpQueue, publisher
	default:
		streamQueue := redisstream.NewQueue(redisClient, cfg.Queue.Name, cfg.Queue.ConsumerGroup, cfg.InstanceID,
			cfg.Queue.VisibilityTimeout, logger).WithDeliveryLimit(cfg.Queue.DeliveryLimit)
		q, requeue = streamQueue, streamQueue
	}

	// Initialize use case
	handler := usecase.NewTradeBatchHandler(
		locks,
		q,
		requeue,
		broker.NewClient(cfg.Broker.URL, cfg.Broker.Timeout, logger),
		redisrepo.NewRedisExecutionLedger(redisClient, cfg.Trades.IdempotencyTTL),
		postgres.NewPostgresExecutionRepository(dbPool),
		usecase.TradeLockPolicy{
			TTL:        cfg.Lock.TradeTTL,
			Wait:       cfg.Lock.TradeWait,
			Compatible: registry.TradeExecutionCompatible(),
		},
		logger,
	)

	consumer := queue.NewConsumer(q, handler, pool.NewWorkerPool(cfg.Worker.PoolSize, logger), queue.Options{
		MaxMessages:    cfg.Queue.MaxMessages,
		WaitTime:       cfg.Queue.WaitTime,
		RestartBackoff: backoff.NewConstantBackOff(cfg.Queue.RestartDelay),
		PollErrorDelay: cfg.Queue.PollErrorDelay,
	}, logger)

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Metrics server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("Worker stopped")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
