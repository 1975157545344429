// Package main is the entry point for the signet signing service.
// It wires all dependencies together and starts the HTTP server.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/audit"
	"github.com/pitabwire/signet/internal/blob"
	"github.com/pitabwire/signet/internal/config"
	"github.com/pitabwire/signet/internal/document"
	"github.com/pitabwire/signet/internal/idempotency"
	"github.com/pitabwire/signet/internal/lock"
	"github.com/pitabwire/signet/internal/notify"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/internal/signing"
	"github.com/pitabwire/signet/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	loadDotEnv()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "signetd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	deps, err := buildDependencies(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("dependency initialization failed", zap.Error(err))
		return 1
	}
	defer deps.close()

	policy, err := signing.PolicyByName(cfg.Signing.DeclinePolicy)
	if err != nil {
		logger.Error("invalid decline policy", zap.Error(err))
		return 1
	}

	trail := audit.NewTrail(deps.sink,
		audit.WithLogger(logger),
		audit.WithMetrics(metrics),
		audit.WithPendingCapacity(cfg.Audit.PendingCapacity),
	)

	opts := []signing.Option{
		signing.WithLogger(logger),
		signing.WithMetrics(metrics),
		signing.WithLocker(deps.locker),
		signing.WithNotifier(deps.notifier),
		signing.WithBlobStore(deps.blobs),
		signing.WithDeclinePolicy(policy),
		signing.WithVerificationTTL(cfg.Signing.VerificationTTL),
		signing.WithUniquePlacement(cfg.Signing.UniquePlacement),
	}
	if deps.documents != nil {
		opts = append(opts, signing.WithDocuments(deps.documents))
	}
	engine := signing.NewEngine(deps.store, trail, opts...)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Engine:         engine,
		Logger:         logger,
		Metrics:        metrics,
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, jwks.GetKey),
		Readiness:      deps.readiness,
		MetricsHandler: observability.Handler(),
		Idempotency:    deps.idem,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	var schedDone <-chan struct{}
	if cfg.Scheduler.Enabled {
		schedDone = newScheduler(engine, trail, metrics, logger).start(bgCtx, cfg.Scheduler)
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("notify", cfg.Notify.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()
	if schedDone != nil {
		select {
		case <-schedDone:
		case <-shutdownCtx.Done():
			logger.Warn("scheduler did not stop before shutdown deadline")
		}
	}

	// Entries that could not be written while running get one last attempt.
	if n, err := trail.Flush(shutdownCtx); err != nil {
		logger.Warn("audit flush on shutdown incomplete", zap.Int("flushed", n), zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// loadDotEnv loads .env and .env.local when present. Variables already set
// in the environment win.
func loadDotEnv() {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", name, err)
		}
	}
}

// dependencies are the backends selected by configuration.
type dependencies struct {
	store     signing.RequestStore
	sink      audit.Sink
	locker    lock.Locker
	notifier  notify.Notifier
	blobs     blob.Store
	documents document.Resolver
	rdb       redis.UniversalClient
	idem      idempotency.Store
	readiness observability.ReadinessChecks
	closers   []func()
}

func (d *dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func buildDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*dependencies, error) {
	d := &dependencies{}
	fail := func(err error) (*dependencies, error) {
		d.close()
		return nil, err
	}

	var pool *pgxpool.Pool
	if cfg.Store.Driver == config.DriverPostgres || cfg.Audit.Sink == config.DriverPostgres ||
		cfg.Documents.Driver == config.DriverPostgres {
		p, err := buildPool(ctx, cfg.Store)
		if err != nil {
			return fail(err)
		}
		pool = p
		d.closers = append(d.closers, p.Close)
	}

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		store := signing.NewPgRequestStore(pool)
		d.store, d.readiness.RequestStore = store, store
	default:
		logger.Info("using in-memory request store")
		store := signing.NewMemoryRequestStore()
		d.store, d.readiness.RequestStore = store, store
	}

	switch cfg.Audit.Sink {
	case config.DriverPostgres:
		sink := audit.NewPgSink(pool)
		d.sink, d.readiness.AuditSink = sink, sink
	default:
		d.sink = audit.NewMemorySink()
	}

	switch cfg.Documents.Driver {
	case config.DriverPostgres:
		res := document.NewPgResolver(pool)
		d.documents, d.readiness.Documents = res, res
	case config.DriverMemory:
		d.documents = document.NewMemoryResolver()
	}

	locker, err := buildLocker(cfg.Lock, logger, d)
	if err != nil {
		return fail(err)
	}
	d.locker = locker
	d.idem = buildIdempotencyStore(cfg.Idempotency, logger, d)

	notifier, err := buildNotifier(cfg.Notify, metrics, d)
	if err != nil {
		return fail(err)
	}
	d.notifier = notifier

	blobs, err := buildBlobStore(ctx, cfg.Blob, d)
	if err != nil {
		return fail(err)
	}
	d.blobs = blobs

	return d, nil
}

func buildPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := config.Env(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

func buildLocker(cfg config.LockConfig, logger *zap.Logger, d *dependencies) (lock.Locker, error) {
	if cfg.Driver != config.DriverRedis {
		l := lock.NewMemoryLocker()
		d.readiness.Locker = l
		return l, nil
	}

	addr := config.Env(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("lock: %s environment variable not set", cfg.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	d.closers = append(d.closers, func() { _ = client.Close() })
	d.rdb = client

	l := lock.NewRedisLocker(client,
		lock.WithTTL(cfg.TTL),
		lock.WithRetryBackoff(cfg.RetryBackoff),
		lock.WithKeyPrefix(cfg.KeyPrefix),
		lock.WithLogger(logger),
	)
	d.readiness.Locker = l
	return l, nil
}

// buildIdempotencyStore shares the lock's Redis client when there is one.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger, d *dependencies) idempotency.Store {
	if d.rdb == nil {
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore()
	}
	return idempotency.NewRedisStore(d.rdb, idempotency.WithKeyPrefix(cfg.KeyPrefix))
}

func buildNotifier(cfg config.NotifyConfig, metrics *observability.Metrics, d *dependencies) (notify.Notifier, error) {
	if cfg.Driver != config.DriverNATS {
		return notify.Noop{}, nil
	}

	url := config.Env(cfg.URLEnv)
	if url == "" {
		return nil, fmt.Errorf("notify: %s environment variable not set", cfg.URLEnv)
	}
	n, err := notify.NewNATSNotifier(notify.NATSConfig{
		URL:           url,
		Stream:        cfg.Stream,
		SubjectPrefix: cfg.SubjectPrefix,
		MaxAge:        cfg.MaxAge,
	})
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func() { _ = n.Close() })
	d.readiness.Notifier = n

	cb := cfg.CircuitBreaker
	breaker := notify.NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout)
	return notify.NewBreakerNotifier(n, breaker, metrics), nil
}

func buildBlobStore(ctx context.Context, cfg config.BlobConfig, d *dependencies) (blob.Store, error) {
	if cfg.Driver != config.DriverS3 {
		return blob.NewMemoryStore(cfg.PublicURL), nil
	}

	s, err := blob.NewS3Store(ctx, blob.S3Config{
		Endpoint:        cfg.Endpoint,
		Region:          cfg.Region,
		Bucket:          cfg.Bucket,
		AccessKeyID:     config.Env(cfg.AccessKeyEnv),
		SecretAccessKey: config.Env(cfg.SecretKeyEnv),
		UsePathStyle:    cfg.UsePathStyle,
		PublicURL:       cfg.PublicURL,
	})
	if err != nil {
		return nil, err
	}
	d.readiness.BlobStore = s
	return s, nil
}
