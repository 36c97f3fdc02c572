package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/api"
	"github.com/lalithlochan/medreminder/internal/circuitbreaker"
	"github.com/lalithlochan/medreminder/internal/config"
	"github.com/lalithlochan/medreminder/internal/db"
	"github.com/lalithlochan/medreminder/internal/dispatch"
	"github.com/lalithlochan/medreminder/internal/ledger"
	"github.com/lalithlochan/medreminder/internal/metrics"
	"github.com/lalithlochan/medreminder/internal/observ"
	"github.com/lalithlochan/medreminder/internal/push"
	"github.com/lalithlochan/medreminder/internal/redis"
	"github.com/lalithlochan/medreminder/internal/sns"
	"github.com/lalithlochan/medreminder/internal/sqs"
)

func main() {
	enqueue := flag.Bool("enqueue", false, "send one scheduler trigger to SCHEDULER_QUEUE_URL and exit")
	flag.Parse()

	if err := run(*enqueue); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(enqueueOnly bool) error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "medreminder")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if enqueueOnly {
		return enqueueTrigger(ctx, cfg, logger)
	}

	logger.Info("starting medreminder",
		zap.String("env", cfg.Env),
		zap.String("run_mode", cfg.RunMode),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.SchedulerWorkers + 10),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis is optional: without it the scheduler runs unlocked and the API
	// skips idempotency and rate limiting.
	var (
		redisClient *redis.Client
		idempotency *redis.IdempotencyService
		rateLimiter *redis.RateLimiter
		locker      dispatch.Locker = dispatch.NoopLocker{}
	)
	if cfg.RedisHost != "" {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without lock, idempotency or rate limits",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			idempotency = redis.NewIdempotencyService(redisClient, logger)
			rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.RateLimitPerMinute,
				Window: time.Minute,
			})
			locker = dispatch.RedisLocker(redis.NewLocker(redisClient, logger))
		}
	}

	transport, publicKey, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}

	observers := dispatch.Observers{dispatch.MetricsObserver{}}
	if cfg.DispatchEventsTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, sns.Config{
			Region:   cfg.AWSRegion,
			TopicARN: cfg.DispatchEventsTopicARN,
			Endpoint: cfg.AWSEndpointURL,
		}, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, dispatch events disabled", zap.Error(err))
		} else {
			observers = append(observers, publisher)
		}
	}

	defaultLoc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return fmt.Errorf("load default timezone: %w", err)
	}

	advancer := dispatch.NewAdvancer(repo, defaultLoc, logger)
	dispatcher := dispatch.NewDispatcher(repo, repo, transport, advancer, observers, dispatch.Config{
		SendTimeout:     cfg.PushTimeout,
		DefaultLocation: defaultLoc,
	}, logger)
	scheduler := dispatch.NewScheduler(repo, dispatcher, advancer, locker, dispatch.SchedulerConfig{
		Interval:    cfg.SchedulerInterval,
		BatchSize:   cfg.SchedulerBatchSize,
		Concurrency: cfg.SchedulerWorkers,
		LockTTL:     cfg.SchedulerLockTTL,
	}, logger)

	if cfg.RunMode == config.RunModeOnce {
		return runOnce(ctx, scheduler, logger)
	}

	handler := api.NewHandler(logger, api.Dependencies{
		Scheduler:      scheduler,
		Ledger:         ledger.NewService(ledger.RepositoryStore{Repository: repo}, logger),
		Subscriptions:  repo,
		Idempotency:    idempotency,
		CronSecret:     cfg.CronSecret,
		VAPIDPublicKey: publicKey,
		Breakers:       transport.Registry().Stats,
	})

	health := func(r *http.Request) error {
		if err := database.Health(r.Context()); err != nil {
			return err
		}
		if redisClient != nil {
			return redisClient.Ping(r.Context())
		}
		return nil
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, rateLimiter, health, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	switch cfg.RunMode {
	case config.RunModeSQS:
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SchedulerQueueURL,
			Endpoint: cfg.AWSEndpointURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs consumer: %w", err)
		}
		go consumer.Run(ctx, triggerHandler(scheduler, logger))
		logger.Info("sqs trigger consumer started", zap.String("queue_url", cfg.SchedulerQueueURL))
	default:
		go scheduler.Start(ctx)
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// newTransport picks real web push when VAPID keys are configured and
// wraps it in per-host circuit breakers.
func newTransport(cfg *config.Config, logger *zap.Logger) (*circuitbreaker.ProtectedTransport, string, error) {
	var (
		inner     push.Transport
		publicKey string
	)
	if cfg.PushEnabled() {
		wp, err := push.NewWebPushTransport(push.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubscriber,
			TTL:             cfg.PushTTL,
			Timeout:         cfg.PushTimeout,
		}, logger)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create web push transport: %w", err)
		}
		inner, publicKey = wp, wp.PublicKey()
	} else {
		logger.Warn("VAPID keys not configured, push messages will only be logged")
		inner = push.NewLogTransport(logger)
	}

	template := circuitbreaker.DefaultConfig("")
	template.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetCircuitBreakerState(name, int(to))
	}
	registry := circuitbreaker.NewRegistry(template, logger)

	return circuitbreaker.NewProtectedTransport(inner, registry, logger), publicKey, nil
}

func runOnce(ctx context.Context, scheduler *dispatch.Scheduler, logger *zap.Logger) error {
	summary, err := scheduler.Run(ctx, time.Now())
	if errors.Is(err, dispatch.ErrLockHeld) {
		logger.Info("another scheduler invocation is running, nothing to do")
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler run: %w", err)
	}

	logger.Info("scheduler run complete",
		zap.Int("count", summary.Count),
		zap.Int("due", summary.Due),
		zap.Int("repaired", summary.Repaired),
		zap.Int("expired", summary.Expired),
	)
	return nil
}

// triggerHandler runs one invocation per received batch. A held lock means
// another invocation is already covering the batch, so it is not retried.
func triggerHandler(scheduler *dispatch.Scheduler, logger *zap.Logger) sqs.Handler {
	return func(ctx context.Context, triggers []sqs.Trigger) error {
		_, err := scheduler.Run(ctx, time.Now())
		if errors.Is(err, dispatch.ErrLockHeld) {
			logger.Debug("scheduler busy, dropping triggers", zap.Int("count", len(triggers)))
			return nil
		}
		return err
	}
}

func enqueueTrigger(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.SchedulerQueueURL == "" {
		return errors.New("-enqueue requires SCHEDULER_QUEUE_URL")
	}

	producer, err := sqs.NewProducer(ctx, sqs.Config{
		Region:   cfg.AWSRegion,
		QueueURL: cfg.SchedulerQueueURL,
		Endpoint: cfg.AWSEndpointURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create sqs producer: %w", err)
	}

	id, err := producer.Enqueue(ctx, "cli")
	if err != nil {
		return fmt.Errorf("enqueue trigger: %w", err)
	}

	logger.Info("scheduler trigger enqueued", zap.String("message_id", id))
	return nil
}
