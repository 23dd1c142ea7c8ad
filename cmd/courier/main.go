package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"courier/internal/app/referrals"
	"courier/internal/config"
	"courier/internal/consumer"
	"courier/internal/deadletter"
	"courier/internal/domain"
	referrals_http "courier/internal/handler/http/referrals"
	"courier/internal/infrastructure/database"
	kafka_infra "courier/internal/infrastructure/kafka"
	rabbitmq_infra "courier/internal/infrastructure/rabbitmq"
	redis_infra "courier/internal/infrastructure/redis"
	"courier/internal/logger"
	"courier/internal/outbox"
	"courier/internal/repository/inbox_repo"
	inbox_postgres "courier/internal/repository/inbox_repo/postgres"
	"courier/internal/repository/memory"
	"courier/internal/repository/outbox_repo"
	outbox_postgres "courier/internal/repository/outbox_repo/postgres"
	"courier/internal/repository/referrals_repo"
	referrals_postgres "courier/internal/repository/referrals_repo/postgres"
	"courier/internal/transport"
	"courier/internal/transport/inmem"
	"courier/internal/util"
)

const consumerName = "deliver-referral"

type storage struct {
	txManager domain.TxManager
	reader    domain.Querier
	outbox    outbox_repo.OutboxRepository
	inbox     inbox_repo.InboxRepository
	referrals referrals_repo.ReferralRepository
	close     func()
}

// messaging is the selected transport plus the background loop, if any,
// that releases its delayed sends.
type messaging struct {
	transport   transport.Transport
	releaseLoop func(ctx context.Context) error
	close       func()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := logger.New(cfg.LogLevel, cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	appLogger.Info("Courier service starting...",
		zap.String("storage", cfg.StorageDriver),
		zap.String("transport", cfg.TransportDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Fatal("Courier service failed", zap.Error(err))
	}
	appLogger.Info("Application gracefully shut down.")
}

func run(ctx context.Context, cfg *config.Config, appLogger *zap.Logger) error {
	store, err := openStorage(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer store.close()

	msg, err := openMessaging(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer msg.close()

	dispatcher := outbox.NewDispatcher(store.outbox, msg.transport, outbox.DispatcherConfig{
		PollInterval:            cfg.OutboxPollInterval,
		PollTimeout:             cfg.OutboxPollTimeout,
		BatchSize:               cfg.OutboxBatchSize,
		Lease:                   cfg.OutboxLockLease,
		Workers:                 cfg.OutboxWorkers,
		SendRetries:             cfg.OutboxSendRetries,
		BreakerFailureThreshold: uint32(cfg.BreakerFailureThreshold),
		BreakerOpenTimeout:      cfg.BreakerOpenTimeout,
	}, appLogger)
	janitor := outbox.NewJanitor(store.outbox, store.inbox, cfg.OutboxRetention, cfg.JanitorInterval, appLogger)

	referralService := referrals.NewReferralService(
		store.txManager,
		store.reader,
		store.referrals,
		outbox.NewWriter(store.outbox, "referrals-api"),
		dispatcher,
		cfg.KafkaReferralsTopic,
		appLogger.With(zap.String("component", "ReferralService")),
	)

	registry := consumer.NewRegistry()
	faults := referrals.NewFaultInjector(cfg.FaultFailAttempts, cfg.FaultFailEvery)
	if err := referrals.RegisterHandlers(registry, store.referrals, faults, appLogger.With(zap.String("component", "DeliverReferralHandler"))); err != nil {
		return err
	}
	if err := registry.Validate(referrals.HandledTypes()...); err != nil {
		return fmt.Errorf("handler registry is incomplete: %w", err)
	}

	executor, err := consumer.NewExecutor(
		consumer.ExecutorConfig{
			ConsumerName:   consumerName,
			ConsumerID:     util.ConsumerID(consumerName),
			Endpoint:       cfg.KafkaReferralsTopic,
			PublishAddress: cfg.KafkaEventsTopic,
			Policy:         cfg.RedeliveryPolicy(),
			HandlerTimeout: cfg.HandlerTimeout,
			LockLease:      cfg.InboxLockLease,
			StorageRetries: cfg.StorageRetries,
		},
		registry,
		store.inbox,
		store.txManager,
		outbox.NewWriter(store.outbox, cfg.KafkaReferralsTopic),
		msg.transport,
		deadletter.NewSink(msg.transport, cfg.KafkaDeadLetterTopic, appLogger),
		appLogger,
		consumer.WithNotifier(dispatcher),
	)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	concurrency := cfg.ConsumerConcurrency
	if cfg.TransportDriver == config.TransportKafka && concurrency > 1 {
		// Offsets are committed per record; concurrent settles would commit out of order.
		appLogger.Warn("Kafka endpoints run with concurrency 1", zap.Int("configured", concurrency))
		concurrency = 1
	}
	endpoint := consumer.NewEndpoint(cfg.KafkaReferralsTopic, msg.transport, executor, concurrency, appLogger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))
	referrals_http.RegisterRoutes(router, referralService, appLogger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down application...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
		} else {
			appLogger.Info("HTTP server gracefully shut down.")
		}
		return nil
	})
	g.Go(func() error { return dispatcher.Start(gctx) })
	g.Go(func() error { return janitor.Start(gctx) })
	g.Go(func() error { return endpoint.Run(gctx) })
	if msg.releaseLoop != nil {
		g.Go(func() error { return msg.releaseLoop(gctx) })
	}
	return g.Wait()
}

func openStorage(ctx context.Context, cfg *config.Config, appLogger *zap.Logger) (*storage, error) {
	if cfg.StorageDriver == config.StorageMemory {
		appLogger.Warn("Using in-memory storage; state is lost on exit")
		store := memory.NewStore(memory.WithDuplicateWindow(cfg.DuplicateDetectionWindow))
		return &storage{
			txManager: store,
			reader:    store,
			outbox:    memory.NewOutboxRepository(store),
			inbox:     memory.NewInboxRepository(store),
			referrals: memory.NewReferralRepository(store),
			close:     func() {},
		}, nil
	}

	appLogger.Info("Waiting for database to be available...")
	db, err := database.ConnectWithRetry(ctx, database.DBConfig{
		Host:     cfg.DBConfig.Host,
		Port:     cfg.DBConfig.Port,
		User:     cfg.DBConfig.User,
		Password: cfg.DBConfig.Password,
		DBName:   cfg.DBConfig.Name,
		SSLMode:  cfg.DBConfig.SSLMode,
	}, 10, 5*time.Second, appLogger)
	if err != nil {
		return nil, err
	}
	appLogger.Info("Successfully connected to PostgreSQL database!")

	appLogger.Info("Running database migrations...")
	if err := database.RunMigrations(cfg.GetDBMigrationConnectionString(), appLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &storage{
		txManager: database.NewTxManager(db),
		reader:    db,
		outbox:    outbox_postgres.NewOutboxRepository(db),
		inbox:     inbox_postgres.NewInboxRepository(db, cfg.DuplicateDetectionWindow),
		referrals: referrals_postgres.NewReferralRepository(db),
		close: func() {
			if err := db.Close(); err != nil {
				appLogger.Error("Error closing database connection", zap.Error(err))
			} else {
				appLogger.Info("Database connection closed.")
			}
		},
	}, nil
}

func openMessaging(ctx context.Context, cfg *config.Config, appLogger *zap.Logger) (*messaging, error) {
	switch cfg.TransportDriver {
	case config.TransportMemory:
		appLogger.Warn("Using in-memory transport; messages are lost on exit")
		bus := inmem.NewBus(appLogger)
		return &messaging{
			transport: bus,
			releaseLoop: func(ctx context.Context) error {
				// Nothing else reads these queues in a single-process run.
				for _, q := range []string{cfg.KafkaEventsTopic, cfg.KafkaDeadLetterTopic} {
					go drain(ctx, bus, q, appLogger)
				}
				bus.Run(ctx, cfg.SchedulerPollInterval)
				return nil
			},
			close: func() {},
		}, nil

	case config.TransportRabbitMQ:
		conn, open, err := rabbitmq_infra.Dial(cfg.RabbitMQURL, appLogger)
		if err != nil {
			return nil, err
		}
		tr, err := rabbitmq_infra.NewTransport(open, rabbitmq_infra.Config{
			DelayedExchange: cfg.RabbitMQDelayedExchange,
			Prefetch:        cfg.RabbitMQPrefetch,
		}, appLogger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		appLogger.Info("RabbitMQ transport created successfully.")
		return &messaging{
			transport: tr,
			close: func() {
				if err := tr.Close(); err != nil {
					appLogger.Error("Error closing RabbitMQ transport", zap.Error(err))
				}
				if err := conn.Close(); err != nil {
					appLogger.Error("Error closing RabbitMQ connection", zap.Error(err))
				}
			},
		}, nil

	default:
		brokers := cfg.GetKafkaBrokers()
		topicsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err := kafka_infra.EnsureTopics(topicsCtx, brokers, []string{
			cfg.KafkaReferralsTopic,
			cfg.KafkaEventsTopic,
			cfg.KafkaDeadLetterTopic,
		}, appLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to ensure Kafka topics: %w", err)
		}

		redisClient := redis_infra.NewClient(redis_infra.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		producer := kafka_infra.NewProducer(brokers, appLogger.With(zap.String("component", "KafkaProducer")))
		scheduler := redis_infra.NewScheduler(redisClient, cfg.RedisScheduleKey, kafka_infra.NewSender(producer), appLogger)
		newReader := func(topic string) kafka_infra.Reader {
			return kafka_infra.NewReader(brokers, cfg.KafkaConsumerGroup, topic, appLogger.With(zap.String("component", "KafkaReader")))
		}
		tr := kafka_infra.NewTransport(producer, scheduler, newReader, appLogger)
		appLogger.Info("Kafka transport created successfully.")

		return &messaging{
			transport: tr,
			releaseLoop: func(ctx context.Context) error {
				return scheduler.Run(ctx, cfg.SchedulerPollInterval)
			},
			close: func() {
				if err := tr.Close(); err != nil {
					appLogger.Error("Error closing Kafka transport", zap.Error(err))
				}
				if err := redisClient.Close(); err != nil {
					appLogger.Error("Error closing redis client", zap.Error(err))
				}
			},
		}, nil
	}
}

func drain(ctx context.Context, bus *inmem.Bus, queue string, appLogger *zap.Logger) {
	for d := range bus.Subscribe(ctx, queue) {
		m := d.Message()
		appLogger.Info("Message observed",
			zap.String("queue", queue),
			zap.String("message_id", m.MessageID.String()),
			zap.String("message_type", m.MessageType),
			zap.String("fault_reason", m.Header(transport.HeaderFaultReason)),
		)
		_ = d.Ack(ctx)
	}
}
