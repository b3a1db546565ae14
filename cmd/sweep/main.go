// Command sweep runs the expiry reconciler once and exits. It is meant for
// cron or for an operator draining stuck holds by hand.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-order-reconciler/internal/config"
	"github.com/ariefcatur/go-order-reconciler/internal/events"
	"github.com/ariefcatur/go-order-reconciler/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-reconciler/internal/kafka"
	"github.com/ariefcatur/go-order-reconciler/internal/logging"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
	"github.com/ariefcatur/go-order-reconciler/internal/postgres"
	"github.com/ariefcatur/go-order-reconciler/internal/reconciler"
	"github.com/ariefcatur/go-order-reconciler/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.ServiceName+"-sweep", cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	code := run(cfg, logger)
	_ = logger.Sync()
	os.Exit(code)
}

// run returns the exit code: 1 when the sweep could not run, 2 when some
// items failed.
func run(cfg config.Config, logger *zap.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("db connect", zap.Error(err))
		return 1
	}
	defer pool.Close()
	st := &postgres.Store{DB: pool}

	var pub events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		prod := kafkax.NewProducer(cfg.KafkaBrokers, 256, logger)
		prod.Start()
		defer func() {
			prod.Close()
			prod.WaitClosed()
		}()
		pub = prod
	}
	emitter := events.Emitter{Producer: cfg.ServiceName + "-sweep", Pub: pub, Log: logger}

	ord := &orders.Service{Store: st, Ledger: inventory.NewLedger(nil, logger), Events: emitter, Log: logger}
	rc := &reconciler.Reconciler{
		Store:        st,
		Payments:     &payments.Service{Store: st, Orders: ord, Events: emitter, Log: logger},
		Orders:       ord,
		Batch:        cfg.SweepBatch,
		AbandonAfter: cfg.OrderAbandonAfter,
		Interval:     cfg.SweepInterval,
		Log:          logger,
	}
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		ord.Cache = &redisx.StatusCache{RDB: rdb}
		rc.Locker = &redisx.Locker{RDB: rdb}
		rc.LockKey = redisx.KeySweepLock
	}

	rep, err := rc.RunOnce(ctx)
	if err != nil {
		logger.Error("sweep failed", zap.Error(err))
		return 1
	}
	logger.Info("sweep finished",
		zap.Bool("contended", rep.Contended),
		zap.Int("expired", rep.Expired), zap.Int("superseded", rep.Superseded),
		zap.Int("cancelled", rep.Cancelled), zap.Int("stale", rep.Stale),
		zap.Int("skipped", rep.Skipped), zap.Int("failed", rep.Failed))
	if rep.Failed > 0 {
		return 2
	}
	return 0
}
