package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/safar/storefront-fulfilment/internal/auth"
	"github.com/safar/storefront-fulfilment/internal/config"
	"github.com/safar/storefront-fulfilment/internal/database"
	"github.com/safar/storefront-fulfilment/internal/events"
	"github.com/safar/storefront-fulfilment/internal/httpx"
	"github.com/safar/storefront-fulfilment/internal/idempotency"
	"github.com/safar/storefront-fulfilment/internal/inventory"
	"github.com/safar/storefront-fulfilment/internal/logging"
	"github.com/safar/storefront-fulfilment/internal/metrics"
	"github.com/safar/storefront-fulfilment/internal/orders"
	"github.com/safar/storefront-fulfilment/internal/payment"
	"github.com/safar/storefront-fulfilment/internal/store"
	"github.com/safar/storefront-fulfilment/internal/store/memory"
	"go.uber.org/zap"
)

// backend is everything the services need from persistence; both the
// Postgres and the in-memory store satisfy it.
type backend interface {
	inventory.Store
	orders.Store
	payment.Store
	httpx.Catalog
	httpx.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger is configured from cfg, so this one goes to stderr.
		zap.NewExample().Fatal("load config", zap.Error(err))
	}

	logger := logging.MustNewLogger(cfg.Log.Service, cfg.Log.Env, cfg.Log.Level)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer closeStore()
	logger.Info("store ready", zap.String("driver", cfg.Store.Driver))

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	idem, closeIdem := newIdempotency(cfg, logger)
	defer closeIdem()

	m := metrics.New()
	ledger := inventory.NewLedger(st)

	reconciler := payment.NewReconciler(st, ledger, payment.ReconcilerConfig{
		Secret:        cfg.Payment.KeySecret,
		WebhookSecret: cfg.Payment.WebhookSecret,
		Currency:      cfg.Payment.Currency,
	}, publisher, m, logger)

	builder := orders.NewBuilder(st, ledger, newGateway(cfg, logger), orders.BuilderConfig{
		Currency:       cfg.Payment.Currency,
		KeyID:          cfg.Payment.KeyID,
		GatewayTimeout: cfg.Payment.Timeout,
	}, publisher, m, logger)

	lifecycle := orders.NewLifecycle(st, reconciler, publisher, m, logger)

	sweeper := orders.NewSweeper(st, reconciler, orders.SweeperConfig{
		OrphanTTL:  cfg.Orders.OrphanTTL,
		StockLease: cfg.Orders.StockLease,
		Interval:   cfg.Orders.SweepInterval,
	}, publisher, m, logger)
	go sweeper.Run(ctx)

	srv, err := httpx.NewServer(httpx.Deps{
		Builder:        builder,
		Lifecycle:      lifecycle,
		Reconciler:     reconciler,
		Catalog:        st,
		Health:         st,
		Idempotency:    idem,
		Authenticator:  newAuthenticator(cfg),
		Metrics:        m,
		Logger:         logger,
		RequestTimeout: cfg.Server.WriteTimeout,
	})
	if err != nil {
		logger.Fatal("build http server", zap.Error(err))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	if cfg.Store.Driver == "memory" {
		return memory.New(), func() {}, nil
	}

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgres(db), func() { _ = db.Close() }, nil
}

func newGateway(cfg *config.Config, logger *zap.Logger) payment.Gateway {
	if cfg.Payment.Gateway == "sandbox" {
		logger.Warn("using sandbox payment gateway")
		return payment.NewSandboxGateway()
	}

	var opts []payment.RESTOption
	if cfg.Payment.RateLimit > 0 {
		opts = append(opts, payment.WithRateLimit(cfg.Payment.RateLimit, cfg.Payment.RateBurst))
	}
	return payment.NewRESTGateway(cfg.Payment.BaseURL, cfg.Payment.KeyID, cfg.Payment.KeySecret, cfg.Payment.Timeout, opts...)
}

func newPublisher(cfg *config.Config, logger *zap.Logger) events.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Info("no kafka brokers configured; order events are not published")
		return events.Nop{}
	}
	return events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Log.Service, logger)
}

func newIdempotency(cfg *config.Config, logger *zap.Logger) (idempotency.Store, func()) {
	if cfg.Redis.Addr == "" {
		logger.Info("no redis configured; idempotency keys are kept in memory")
		return idempotency.NewMemoryStore(cfg.Redis.IdempotencyTTL), func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	return idempotency.NewRedisStore(rdb, cfg.Redis.IdempotencyTTL), func() { _ = rdb.Close() }
}

func newAuthenticator(cfg *config.Config) auth.Authenticator {
	if cfg.Auth.Mode == "jwt" {
		return auth.NewJWTAuthenticator(cfg.Auth.JWTSecret)
	}
	return auth.HeaderAuthenticator{}
}
