package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/config"
	"github.com/ariefcatur/go-order-reconciler/internal/events"
	"github.com/ariefcatur/go-order-reconciler/internal/gateway"
	"github.com/ariefcatur/go-order-reconciler/internal/httpx"
	"github.com/ariefcatur/go-order-reconciler/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-reconciler/internal/kafka"
	"github.com/ariefcatur/go-order-reconciler/internal/logging"
	"github.com/ariefcatur/go-order-reconciler/internal/metrics"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
	"github.com/ariefcatur/go-order-reconciler/internal/postgres"
	"github.com/ariefcatur/go-order-reconciler/internal/reconciler"
	"github.com/ariefcatur/go-order-reconciler/internal/redisx"
	"github.com/ariefcatur/go-order-reconciler/internal/store"
	"github.com/ariefcatur/go-order-reconciler/internal/store/memstore"
	"github.com/ariefcatur/go-order-reconciler/internal/webhook"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	for _, w := range cfg.Validate() {
		logger.Warn("configuration", zap.String("warning", w))
	}
	m := metrics.New("reconciler")

	// Store
	var st store.Store
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store")
		st = memstore.New()
	} else {
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("db migrate: %w", err)
		}
		st = &postgres.Store{DB: pool}
	}

	// Redis
	var (
		cache   orders.StatusCache
		dedup   webhook.Dedup
		locker  reconciler.Locker
		reviews httpx.ReviewLister
		status  httpx.StatusCache
	)
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		if err := pingRedis(ctx, rdb); err != nil {
			logger.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		sc := &redisx.StatusCache{RDB: rdb}
		cache, status = sc, sc
		dedup = &redisx.Dedup{RDB: rdb}
		locker = &redisx.Locker{RDB: rdb}
		reviews = &redisx.ReviewQueue{RDB: rdb}
	}

	// Kafka producer
	var pub events.Publisher = events.Nop{}
	var prod *kafkax.Producer
	if len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
		prod.Start()
		pub = prod
	}
	emitter := events.Emitter{Producer: cfg.ServiceName, Pub: pub, Log: logger}

	// Gateway
	gw := gateway.New(gateway.Config{
		BaseURL:        cfg.GatewayBaseURL,
		KeyID:          cfg.GatewayKeyID,
		KeySecret:      cfg.GatewayKeySecret,
		Timeout:        cfg.GatewayTimeout,
		ConnectTimeout: cfg.GatewayConnectTimeout,
		MaxRetries:     cfg.GatewayMaxRetries,
	}, m, logger)
	for _, w := range gw.ConfigurationWarnings(cfg.Env) {
		logger.Warn("gateway configuration", zap.String("warning", w))
	}
	logger.Info("gateway configured", zap.String("mode", gw.Mode()), zap.Bool("configured", gw.Configured()))

	// Services
	ord := &orders.Service{
		Store: st, Ledger: inventory.NewLedger(m, logger), Events: emitter,
		Cache: cache, Metrics: m, Log: logger, Currency: cfg.Currency,
	}
	pay := &payments.Service{
		Store: st, Orders: ord, Gateway: gw, Events: emitter,
		Metrics: m, Log: logger, Expiry: cfg.PaymentExpiry,
	}
	wh := &webhook.Service{
		Verifier: webhook.Verifier{Secret: cfg.WebhookSecret},
		Store:    st, Payments: pay, Orders: ord, Dedup: dedup, Events: emitter, Metrics: m, Log: logger,
	}
	sweep := &reconciler.Reconciler{
		Store: st, Payments: pay, Orders: ord, Locker: locker, LockKey: redisx.KeySweepLock,
		Interval: cfg.SweepInterval, Batch: cfg.SweepBatch, AbandonAfter: cfg.OrderAbandonAfter,
		Metrics: m, Log: logger,
	}

	router := httpx.NewAPI(logger, m,
		&httpx.OrdersHandler{Orders: ord, Cache: status, Reviews: reviews},
		&httpx.PaymentsHandler{Payments: pay},
		&httpx.WebhookHandler{Webhooks: wh},
	)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if cfg.SweepEnabled {
		g.Go(func() error { return sweep.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if prod != nil {
			prod.Close()
			prod.WaitClosed()
		}
		return err
	})
	return g.Wait()
}

func pingRedis(ctx context.Context, rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
