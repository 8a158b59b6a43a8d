package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Harsh-BH/tradeguard/internal/config"
	amqpdelivery "github.com/Harsh-BH/tradeguard/internal/delivery/amqp"
	handler "github.com/Harsh-BH/tradeguard/internal/delivery/http"
	"github.com/Harsh-BH/tradeguard/internal/delivery/redisstream"
	"github.com/Harsh-BH/tradeguard/internal/lock"
	"github.com/Harsh-BH/tradeguard/internal/migrations"
	"github.com/Harsh-BH/tradeguard/internal/queue"
	"github.com/Harsh-BH/tradeguard/internal/repository"
	"github.com/Harsh-BH/tradeguard/internal/repository/memory"
	"github.com/Harsh-BH/tradeguard/internal/repository/postgres"
	redisrepo "github.com/Harsh-BH/tradeguard/internal/repository/redis"
	"github.com/Harsh-BH/tradeguard/internal/schedule"
	"github.com/Harsh-BH/tradeguard/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

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

	logger.Info("Starting tradeguard API server", zap.String("instance_id", cfg.InstanceID))

	gin.SetMode(cfg.Server.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Apply migrations before the pool sees the schema
	if cfg.Database.Migrate {
		if err := migrations.Apply(ctx, cfg.Database.URL, logger); err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

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

	healthChecks := map[string]handler.HealthCheck{
		"postgres": dbPool.Ping,
	}

	// Connect to Redis
	var rdb *goredis.Client
	if cfg.Lock.Backend == config.BackendRedis || cfg.Queue.Backend == config.BackendRedis {
		redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("Failed to parse Redis URL", zap.Error(err))
		}
		rdb = goredis.NewClient(redisOpts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to ping Redis", zap.Error(err))
		}
		healthChecks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("Connected to Redis")
	}

	// Initialize the trade batch publisher
	var publisher queue.Publisher
	switch cfg.Queue.Backend {
	case config.BackendAMQP:
		pub, err := amqpdelivery.NewPublisher(cfg.RabbitMQ.URL, amqpdelivery.Topology{
			Queue:         cfg.Queue.Name,
			DeliveryLimit: cfg.Queue.DeliveryLimit,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize RabbitMQ publisher", zap.Error(err))
		}
		defer pub.Close()
		publisher = pub
		logger.Info("Connected to RabbitMQ")
	default:
		publisher = redisstream.NewQueue(rdb, cfg.Queue.Name, cfg.Queue.ConsumerGroup, cfg.InstanceID,
			cfg.Queue.VisibilityTimeout, logger)
	}

	// Initialize registry and lock manager
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("Invalid schedule timezone", zap.Error(err))
	}
	registry, err := schedule.NewRegistry(schedule.Definitions(cfg.Schedule.Crons, cfg.Lock.ScheduleTTL), loc)
	if err != nil {
		logger.Fatal("Invalid schedule definitions", zap.Error(err))
	}

	runRepo := postgres.NewPostgresRunRepository(dbPool)
	locks := lock.NewManager(newLockStore(cfg, rdb, logger), runRepo, registry.Namespace(), cfg.InstanceID, logger)

	// Initialize use cases
	dispatcher := usecase.NewTradeDispatcher(postgres.NewPostgresTradeRequestRepository(dbPool), publisher,
		cfg.Trades.ClaimLimit, logger)
	scheduleUC := usecase.NewScheduleUsecase(registry, locks, runRepo, dispatcher.DispatchPendingTrades, logger)

	var scheduler *schedule.Scheduler
	if cfg.Schedule.Enabled {
		scheduler = schedule.NewScheduler(registry, scheduleUC, logger)
		if err := scheduler.Start(ctx); err != nil {
			logger.Fatal("Failed to start scheduler", zap.Error(err))
		}
	}

	router := handler.NewRouter(scheduleUC, handler.NewHealthHandler(healthChecks, logger), logger, cfg.Server.RateLimit)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if scheduler != nil {
			scheduler.Stop()
		}
		err := srv.Shutdown(shutdownCtx)
		if ucErr := scheduleUC.Shutdown(shutdownCtx); ucErr != nil {
			logger.Warn("Scheduled runs did not finish in time", zap.Error(ucErr))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("API server stopped with error", zap.Error(err))
		return
	}
	logger.Info("API server stopped")
}

func newLockStore(cfg *config.Config, rdb *goredis.Client, logger *zap.Logger) repository.LockStore {
	if cfg.Lock.Backend == config.BackendMemory {
		logger.Warn("Using in-process lock store, locks are not shared between instances")
		return memory.NewLockStore()
	}
	return redisrepo.NewRedisLockStore(rdb)
}
