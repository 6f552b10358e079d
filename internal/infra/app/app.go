package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
	"github.com/arklim/auditmarket-core/internal/infra/config"
	"github.com/arklim/auditmarket-core/internal/infra/database"
	kafkainfra "github.com/arklim/auditmarket-core/internal/infra/kafka"
	"github.com/arklim/auditmarket-core/internal/infra/logger"
	"github.com/arklim/auditmarket-core/internal/infra/payment"
	redisinfra "github.com/arklim/auditmarket-core/internal/infra/redis"
	"github.com/arklim/auditmarket-core/internal/infra/security"
	"github.com/arklim/auditmarket-core/internal/infra/telemetry"
	"github.com/arklim/auditmarket-core/internal/repository/memory"
	postgresrepo "github.com/arklim/auditmarket-core/internal/repository/postgres"
	redisrepo "github.com/arklim/auditmarket-core/internal/repository/redis"
	transportgrpc "github.com/arklim/auditmarket-core/internal/transport/grpc"
	grpcinterceptors "github.com/arklim/auditmarket-core/internal/transport/grpc/interceptors"
	"github.com/arklim/auditmarket-core/internal/transport/http/middleware"
	"github.com/arklim/auditmarket-core/internal/transport/http/routes"
	"github.com/arklim/auditmarket-core/internal/usecase"
)

const defaultShutdownTimeout = 15 * time.Second

type Application struct {
	cfg        *config.AppConfig
	engine     *gin.Engine
	logger     *zap.Logger
	tracer     *telemetry.TracerProvider
	pool       *pgxpool.Pool
	redis      *redisinfra.Client
	producer   *kafkainfra.Producer
	consumers  *kafkainfra.ConsumerGroup
	grpcServer *transportgrpc.Server
	grpcAddr   string
	sync       *usecase.SyncManager
	presence   *usecase.PresenceRegistry
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(logger.Options{
		Env:        cfg.App.Env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &Application{
		cfg:      cfg,
		logger:   log,
		grpcAddr: fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port),
	}
	if err := a.init(ctx); err != nil {
		a.release(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *Application) init(ctx context.Context) error {
	cfg, log := a.cfg, a.logger

	tracer, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.tracer = tracer

	metrics, err := telemetry.NewMetrics(telemetry.MetricsOptions{})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{})
	if err != nil {
		return fmt.Errorf("init http metrics: %w", err)
	}
	grpcMetrics, err := grpcinterceptors.NewGRPCMetrics(grpcinterceptors.GRPCMetricsOptions{})
	if err != nil {
		return fmt.Errorf("init grpc metrics: %w", err)
	}

	var (
		grants  port.RoleGrantRepository = memory.NewRoleGrantRepository()
		records port.RecordStore         = memory.NewRecordStore()
		ledger  port.TransactionLedger   = memory.NewTransactionLedger()
		dbCheck routes.DatabaseChecker
	)
	if cfg.Postgres.Enabled {
		pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		a.pool = pool
		dbCheck = pool
		repos := postgresrepo.NewRepositories(pool, cfg.Postgres.SyncedTables...)
		grants, records, ledger = repos.Grants, repos.Records, repos.Ledger
	} else {
		log.Warn("postgres disabled, using in-memory stores")
	}

	var (
		presenceChannel port.PresenceChannel = memory.NewPresenceHub()
		escrowLimiter   *middleware.EscrowLimiter
		snapshotCache   port.SnapshotCache
		cacheCheck      routes.CacheChecker
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisinfra.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		a.redis = redisClient
		cacheCheck = redisClient

		snapshotCache = redisrepo.NewSnapshotCache(redisClient.Client(), cfg.Sync.SnapshotPrefix, cfg.Sync.SnapshotTTL)
		presenceChannel = redisrepo.NewPresenceChannel(redisClient.Client(), cfg.Presence.KeyPrefix, cfg.Presence.MemberTTL, log)

		limits := routes.EscrowLimits(cfg.RateLimit)
		escrowLimiter = middleware.NewEscrowLimiter(redisrepo.NewRateLimitRepository(redisClient.Client(), redisrepo.SlidingWindowConfig{
			KeyPrefix: "auditmarket:rate-limit",
			TTL:       limits.Window * 2,
		}), limits, log)
	} else {
		log.Warn("redis disabled, presence is process-local and escrow mutations are not rate limited")
	}

	var events port.EventPublisher
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafkainfra.NewProducer(cfg.Kafka, log)
		if err != nil {
			log.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
			events = kafkainfra.NewStubPublisher(log)
		} else {
			a.producer = producer
			events = kafkainfra.NewEventPublisher(producer, cfg.App, log)
			log.Info("kafka event publisher initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
		}
	} else {
		log.Info("kafka not configured, using stub publisher")
		events = kafkainfra.NewStubPublisher(log)
	}

	var processor port.PaymentProcessor
	if cfg.Payment.BaseURL != "" {
		processor = payment.NewClient(cfg.Payment, log)
	} else {
		log.Warn("payment base url not set, using sandbox processor")
		processor = payment.NewSandbox()
	}

	engine := usecase.NewPermissionEngine(grants, log)
	roles := usecase.NewRoleService(grants, engine, log)

	syncManager := usecase.NewSyncManager(records, usecase.SyncConfig{
		DefaultInterval: cfg.Sync.DefaultInterval,
		BackoffInitial:  cfg.Sync.BackoffInitial,
		BackoffMax:      cfg.Sync.BackoffMax,
	}, log).WithMetrics(metrics)
	if snapshotCache != nil {
		policy := domain.NewDegradationPolicy(domain.ParseDegradationPolicyMode(cfg.Sync.DegradationPolicy))
		syncManager.WithSnapshotCache(snapshotCache, policy)
	}
	a.sync = syncManager

	presence := usecase.NewPresenceRegistry(presenceChannel, cfg.Presence.HeartbeatInterval, log).WithMetrics(metrics)
	a.presence = presence

	escrow := usecase.NewEscrowService(
		usecase.NewSyncedContractStore(syncManager, 0),
		engine,
		processor,
		ledger,
		usecase.EscrowConfig{
			PlatformFeeBPS:  cfg.Escrow.PlatformFeeBPS,
			DefaultCurrency: cfg.Escrow.DefaultCurrency,
		},
		log,
	).WithEventPublisher(events).WithMetrics(metrics)

	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) > 0 {
		handlers := map[string]kafkainfra.MessageHandler{
			cfg.Kafka.RowChangesTopic:  kafkainfra.NewRowChangeConsumer(syncManager, log),
			cfg.Kafka.RoleChangesTopic: kafkainfra.NewRoleGrantConsumer(engine, log),
		}
		consumers, err := kafkainfra.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, handlers, log)
		if err != nil {
			log.Warn("failed to init kafka consumers, relying on polling reconciliation", zap.Error(err))
		} else {
			a.consumers = consumers
		}
	}

	verifier := security.NewTokenVerifier(cfg.Auth)

	var tracing *grpcinterceptors.Tracing
	if tracer.Enabled() {
		tracing = grpcinterceptors.NewTracing(grpcinterceptors.TracingOptions{
			TracerProvider: tracer.TracerProvider(),
			Filter:         grpcinterceptors.SkipHealth,
		})
	}
	a.grpcServer = transportgrpc.NewServer(transportgrpc.ServerDependencies{
		Verifier: verifier,
		Metrics:  grpcMetrics,
		Tracing:  tracing,
		Logger:   log,
	})

	a.engine = routes.Register(routes.Dependencies{
		Config:        cfg,
		Logger:        log,
		Verifier:      verifier,
		EscrowLimiter: escrowLimiter,
		Metrics:       httpMetrics,
		Database:      dbCheck,
		Cache:         cacheCheck,
		Services: routes.ServiceSet{
			Permissions: engine,
			Roles:       roles,
			Sync:        syncManager,
			Presence:    presence,
			Escrow:      escrow,
		},
	})
	return nil
}

// Engine exposes the HTTP handler, mainly for tests.
func (a *Application) Engine() *gin.Engine {
	return a.engine
}

func (a *Application) Run(ctx context.Context) error {
	defer a.release(context.Background())

	grpcErrCh := make(chan error, 1)
	if a.grpcServer != nil && a.grpcAddr != "" {
		lis, err := net.Listen("tcp", a.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		a.logger.Info("starting gRPC server", zap.String("address", a.grpcAddr))
		go func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("gRPC server panicked", zap.Any("panic", r))
					grpcErrCh <- fmt.Errorf("grpc server panicked: %v", r)
				}
			}()
			if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				a.logger.Error("gRPC server error", zap.Error(err))
				grpcErrCh <- fmt.Errorf("run grpc server: %w", err)
			}
		}()
		a.grpcServer.SetServing(true)
	}

	consumerCtx, stopConsumers := context.WithCancel(ctx)
	defer stopConsumers()
	if a.consumers != nil {
		go func() {
			if err := a.consumers.Run(consumerCtx); err != nil {
				a.logger.Error("kafka consumers stopped", zap.Error(err))
			}
		}()
	}

	// No WriteTimeout: presence and sync event streams stay open for the session.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting audit marketplace core API",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		timeout := a.cfg.App.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if a.grpcServer != nil {
			a.grpcServer.GracefulStop()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-serverErrCh:
		return err
	case err := <-grpcErrCh:
		return err
	}
}

// release stops background work and closes external connections. Presence is left first so
// other participants see the leave before the channel goes away.
func (a *Application) release(ctx context.Context) {
	if a.grpcServer != nil {
		a.grpcServer.Stop()
	}
	if a.presence != nil {
		leaveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		a.presence.Close(leaveCtx)
		cancel()
	}
	if a.sync != nil {
		a.sync.Close()
	}
	if a.consumers != nil {
		if err := a.consumers.Close(); err != nil {
			a.logger.Warn("close kafka consumers", zap.Error(err))
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracer != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.tracer.Shutdown(flushCtx); err != nil {
			a.logger.Warn("shutdown tracer", zap.Error(err))
		}
		cancel()
	}
	logger.Sync()
}
