package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-order-reconciler/internal/config"
	"github.com/ariefcatur/go-order-reconciler/internal/events"
	kafkax "github.com/ariefcatur/go-order-reconciler/internal/kafka"
	"github.com/ariefcatur/go-order-reconciler/internal/logging"
	"github.com/ariefcatur/go-order-reconciler/internal/redisx"
	"github.com/ariefcatur/go-order-reconciler/internal/review"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.ServiceName+"-reviewer", cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if len(cfg.KafkaBrokers) == 0 || cfg.RedisAddr == "" {
		logger.Error("reviewer needs KAFKA_BROKERS and REDIS_ADDR")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	h := &review.Handler{
		Queue:  &redisx.ReviewQueue{RDB: rdb},
		Claims: &redisx.EventDedup{RDB: rdb, Consumer: cfg.ReviewGroup},
		Log:    logger,
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ReviewGroup, events.TopicPaymentReview, cfg.ReviewWorkers, logger)

	logger.Info("review consumer started",
		zap.String("group", cfg.ReviewGroup), zap.String("topic", events.TopicPaymentReview), zap.Int("workers", cfg.ReviewWorkers))
	if err := cons.Start(ctx, h.Handle); err != nil {
		logger.Error("consumer exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("review consumer stopped")
}
