package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/datahub/postoffice/internal/api"
	"github.com/datahub/postoffice/internal/api/handler"
	"github.com/datahub/postoffice/internal/bundling"
	"github.com/datahub/postoffice/internal/config"
	"github.com/datahub/postoffice/internal/content"
	"github.com/datahub/postoffice/internal/db"
	"github.com/datahub/postoffice/internal/lock"
	"github.com/datahub/postoffice/internal/messaging"
	"github.com/datahub/postoffice/internal/metrics"
	"github.com/datahub/postoffice/internal/provider"
	"github.com/datahub/postoffice/internal/ratelimiter"
	"github.com/datahub/postoffice/internal/repository"
	"github.com/datahub/postoffice/internal/service"
	"github.com/datahub/postoffice/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- database ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	// ---- redis: content locations and recipient locks ----
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}

	var locker lock.Locker
	switch cfg.LockBackend {
	case config.LockBackendLocal:
		locker = lock.NewLocalLocker()
		logger.Warn("using in-process recipient lock; run a single replica only")
	default:
		locker = lock.NewRedisLocker(rdb, lock.Options{
			Expiry:     cfg.LockExpiry,
			Tries:      cfg.LockTries,
			RetryDelay: cfg.LockRetryDelay,
		}, logger)
	}

	// ---- blob storage ----
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Fatal("failed to connect to mongo", zap.Error(err))
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Error("mongo disconnect error", zap.Error(err))
		}
	}()
	blobs, err := content.NewGridFSBlobStore(mongoClient.Database(cfg.MongoDatabase), cfg.BlobBucket)
	if err != nil {
		logger.Fatal("failed to open blob bucket", zap.Error(err))
	}

	// ---- message broker ----
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer conn.Close()

	topologyCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("failed to open topology channel", zap.Error(err))
	}
	if err := messaging.DeclareIngestTopology(topologyCh, messaging.IngestTopology{
		Queue:              cfg.DataAvailableQueue,
		DeadLetterExchange: cfg.DeadLetterExchange,
		DeadLetterQueue:    cfg.DeadLetterQueue,
		DeliveryLimit:      cfg.IngestDeliveryLimit,
	}); err != nil {
		logger.Fatal("failed to declare ingest topology", zap.Error(err))
	}
	if err := messaging.DeclareRequestQueues(topologyCh, requestQueues(cfg)); err != nil {
		logger.Fatal("failed to declare request queues", zap.Error(err))
	}
	_ = topologyCh.Close()

	ingestCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("failed to open ingest channel", zap.Error(err))
	}
	defer ingestCh.Close()
	if err := ingestCh.Qos(cfg.IngestPrefetch, 0, false); err != nil {
		logger.Fatal("failed to set prefetch", zap.Error(err))
	}
	deliveries, err := ingestCh.Consume(cfg.DataAvailableQueue, "postoffice-ingest", false, false, false, false, nil)
	if err != nil {
		logger.Fatal("failed to consume data-available queue", zap.Error(err))
	}

	providerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("failed to open provider channel", zap.Error(err))
	}
	defer providerCh.Close()

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	notifications := repository.NewPgNotificationRepository(pool)
	bundles := repository.NewPgBundleRepository(pool)

	prov, err := provider.NewAMQPProvider(providerCh, cfg.OriginRoutes, provider.BreakerConfig{
		MaxRequests:         cfg.BreakerMaxRequests,
		Interval:            cfg.BreakerInterval,
		Timeout:             cfg.BreakerTimeout,
		ConsecutiveFailures: cfg.BreakerFailures,
	}, logger, m.BreakerStateHook())
	if err != nil {
		logger.Fatal("failed to start content provider", zap.Error(err))
	}

	resolver := content.NewResolver(
		content.NewRedisLocationStore(rdb, cfg.ContentLocationTTL),
		prov,
		ratelimiter.New(cfg.ContentRequestRate),
		cfg.ContentRequestTimeout,
		logger,
		m.ResolverHooks(),
	)

	ingest := service.NewIngestionService(notifications, logger, m.IngestionHooks())
	peek := service.NewPeekCoordinator(
		notifications, bundles,
		bundling.NewPolicy(cfg.BundleMaxWeight),
		resolver, blobs, locker,
		service.PeekConfig{ConflictRetries: cfg.ConflictRetries, ConflictRetryWait: cfg.ConflictRetryWait},
		logger,
		m.PeekHooks(),
	)
	dequeue := service.NewDequeueCoordinator(notifications, bundles, resolver, locker, logger, m.DequeueHook())

	// ---- background workers ----
	// Context for all background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	go prov.Run(workerCtx)

	ingestPool := worker.NewPool(cfg.IngestWorkers, deliveries, ingest, logger)
	ingestPool.Start(workerCtx)

	retention := worker.NewRetentionWorker(notifications, bundles, cfg.RetentionPeriod, cfg.RetentionInterval, logger, m.RetentionHook())
	go retention.Run(workerCtx)

	// ---- HTTP server ----
	router := api.NewRouter(api.Services{
		Peek:    peek,
		Dequeue: dequeue,
		Ingest:  ingest,
		Checks: map[string]handler.Check{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"mongo":    func(ctx context.Context) error { return mongoClient.Ping(ctx, readpref.Primary()) },
			"broker": func(context.Context) error {
				if conn.IsClosed() {
					return amqp.ErrClosed
				}
				return nil
			},
		},
	}, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Signal all workers to stop pulling deliveries.
	cancelWorkers()

	// 3. Wait for in-flight deliveries to be settled.
	ingestPool.Wait()

	logger.Info("server stopped cleanly")
}

// requestQueues returns the distinct request queue names in a stable order.
func requestQueues(cfg *config.Config) []string {
	seen := make(map[string]struct{}, len(cfg.OriginRoutes))
	queues := make([]string, 0, len(cfg.OriginRoutes))
	for _, q := range cfg.OriginRoutes {
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}
