package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/ChainLedger/internal/config"
	"github.com/jmerrifield20/ChainLedger/internal/events"
	"github.com/jmerrifield20/ChainLedger/internal/handler"
	"github.com/jmerrifield20/ChainLedger/internal/health"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/jmerrifield20/ChainLedger/internal/logging"
	"github.com/jmerrifield20/ChainLedger/internal/retry"
	"github.com/jmerrifield20/ChainLedger/internal/service"
	"github.com/jmerrifield20/ChainLedger/internal/snapshot"
	"github.com/jmerrifield20/ChainLedger/internal/verifier"
	"github.com/jmerrifield20/ChainLedger/migrations"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// healthService is the name ledgerd reports under in the gRPC health service.
const healthService = "chainledger.Ledger"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load("ledgerd", "configs", ".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

// scheduledSnapshots routes scheduler snapshots through the service so they
// publish events and feed metrics like API-triggered ones.
type scheduledSnapshots struct {
	svc *service.LedgerService
}

func (s scheduledSnapshots) Create(ctx context.Context, chainID, actor string) (*ledger.Snapshot, bool, error) {
	return s.svc.SnapshotAs(ctx, chainID, actor)
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ───────────────────────────────────────────────────────────────
	var store ledger.Store
	var pool *pgxpool.Pool
	switch cfg.Ledger.Store {
	case config.StorePostgres:
		var err error
		pool, err = openPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()

		if cfg.Database.AutoMigrate {
			if _, err := migrations.Up(ctx, pool, logger); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		store = ledger.NewPostgresStore(pool, cfg.Ledger.LockTimeout, logger)
		logger.Info("using postgres ledger store", zap.Int32("max_conns", cfg.Database.MaxConns))
	default:
		store = ledger.NewMemoryStore(logger)
		logger.Warn("using in-memory ledger store, entries are lost on restart")
	}

	// ── Verifier and snapshots ───────────────────────────────────────────────
	v := verifier.New(store, cfg.Verify.Workers, logger)
	defer v.Stop()

	var sealKey []byte
	if cfg.Secrets.Configured() {
		var err error
		sealKey, err = cfg.Secrets.DeriveKey(snapshot.SealKeyPurpose, 32)
		if err != nil {
			return fmt.Errorf("derive seal key: %w", err)
		}
	} else {
		logger.Warn("ledger.seal_secret not set, snapshots will not be sealed")
	}
	snaps := snapshot.NewService(store, v, cfg.Ledger.BaseCurrency, sealKey, logger)

	publisher, err := newPublisher(cfg.Events, cfg.Secrets, logger)
	if err != nil {
		return err
	}
	defer publisher.Close() //nolint:errcheck

	svc := service.NewLedgerService(store, v, snaps, service.Config{
		DefaultChain:   cfg.Ledger.DefaultChain,
		BaseCurrency:   cfg.Ledger.BaseCurrency,
		AppendTimeout:  cfg.Ledger.AppendTimeout,
		MaxDescription: cfg.Ledger.MaxDescription,
		MaxClockSkew:   cfg.Ledger.MaxClockSkew,
	}, logger)
	svc.SetPublisher(publisher)

	// ── Health ────────────────────────────────────────────────────────────────
	healthSvc := grpchealth.NewServer()
	healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)

	checker := health.New(health.Config{}, logger)
	if pool != nil {
		checker.AddProbe("postgres", pool.Ping)
	}
	checker.SetMetricsRecord(handler.RecordHealthCheck)
	checker.SetStatusChange(func(s health.Status) {
		serving := grpc_health_v1.HealthCheckResponse_SERVING
		if s != health.StatusHealthy {
			serving = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		healthSvc.SetServingStatus(healthService, serving)
		logger.Info("health status changed", zap.String("status", string(s)))
	})
	go checker.Start(ctx)

	hooks := handler.MetricsHooks()
	recordBreak := hooks.OnBreak
	hooks.OnBreak = func(res *verifier.Result) {
		recordBreak(res)
		checker.ReportBreak(res)
	}
	svc.SetHooks(hooks)

	// ── Scheduler ─────────────────────────────────────────────────────────────
	sched := snapshot.NewScheduler(snapshot.SchedulerConfig{
		SnapshotCron: cfg.Snapshot.Cron,
		VerifyCron:   cfg.Verify.Cron,
		EveryEntries: cfg.Snapshot.EveryEntries,
		Actor:        cfg.Snapshot.Actor,
		Retry:        retry.DefaultConfig(),
	}, scheduledSnapshots{svc: svc}, v, store, func(res *verifier.Result) {
		svc.ReportBreak(ctx, res)
	}, logger)
	svc.SetAppendObserver(sched.Observe)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.RequestID())

	corsOrigins := cfg.HTTP.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", handler.IdempotencyKeyHeader, handler.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", handler.RequestIDHeader},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(handler.SecurityHeaders())
	if cfg.HTTP.MaxBodyBytes > 0 {
		router.Use(handler.BodyLimit(cfg.HTTP.MaxBodyBytes))
	}
	if rps := cfg.HTTP.RateLimitRPS; rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, int(rps*2)+1))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		report := checker.Report()
		status := http.StatusOK
		if report.Status != health.StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	handler.NewLedgerHandler(svc, logger).Register(v1)

	// ── gRPC (health + reflection) ────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.GRPCPort, err)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	reflection.Register(grpcServer)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("ledgerd gRPC listening", zap.Int("port", cfg.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("ledgerd HTTP listening",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("store", cfg.Ledger.Store),
			zap.String("events", cfg.Events.Backend),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down ledgerd...")
	healthSvc.Shutdown()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("ledgerd stopped")
	return nil
}

func openPool(ctx context.Context, db config.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(db.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if db.MaxConns > 0 {
		pcfg.MaxConns = db.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func newPublisher(cfg config.EventsConfig, secrets config.Secrets, logger *zap.Logger) (events.Publisher, error) {
	switch cfg.Backend {
	case config.EventsKafka:
		logger.Info("publishing ledger events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger), nil
	case config.EventsRedis:
		logger.Info("publishing ledger events to redis", zap.String("addr", cfg.RedisAddr), zap.String("stream", cfg.RedisStream))
		return events.NewRedisPublisher(cfg.RedisAddr, cfg.RedisStream, cfg.RedisMaxLen, logger), nil
	case config.EventsWebhook:
		var key []byte
		if secrets.Configured() {
			var err error
			if key, err = secrets.DeriveKey(events.WebhookKeyPurpose, 32); err != nil {
				return nil, fmt.Errorf("derive webhook key: %w", err)
			}
		}
		logger.Info("publishing ledger events to webhooks", zap.Int("urls", len(cfg.WebhookURLs)), zap.Bool("signed", key != nil))
		p := events.NewWebhookPublisher(cfg.WebhookURLs, key, logger)
		p.SetDeliveryRecorder(handler.RecordWebhookDelivery)
		return p, nil
	default:
		return events.NoopPublisher{}, nil
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.Bool("ok", err == nil),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
