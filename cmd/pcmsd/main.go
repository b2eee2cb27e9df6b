// Command pcmsd runs the price change management pipeline: it consumes price
// adjustment schedules and directives from the broker in batches, retries
// transient failures, and reconciles dead-lettered messages back into the
// flow.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/and1teachera/price-change-management-system/internal/config"
	"github.com/and1teachera/price-change-management-system/internal/consumer"
	"github.com/and1teachera/price-change-management-system/internal/model"
	"github.com/and1teachera/price-change-management-system/internal/monitoring"
	"github.com/and1teachera/price-change-management-system/internal/rabbitmq"
	"github.com/and1teachera/price-change-management-system/internal/reliability"
	"github.com/and1teachera/price-change-management-system/internal/validation"
)

const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("service terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting price change management service", "environment", cfg.Environment)

	metrics := monitoring.NewSimpleCollector()
	tracker := monitoring.NewMessageTracker(metrics)

	registry := rabbitmq.NewConnectionRegistry(cfg.Rabbit.URL(),
		rabbitmq.WithRegistryLogger(logger),
		rabbitmq.WithRegistryMetrics(metrics),
	)
	defer registry.Shutdown()

	topology := rabbitmq.NewTopologyManager(registry)
	if err := topology.Declare(rabbitmq.PipelineTopology(cfg.Queues, cfg.Exchanges)); err != nil {
		return fmt.Errorf("declaring broker topology: %w", err)
	}

	publisher := rabbitmq.NewConfirmedPublisher(registry,
		rabbitmq.WithConfirmTimeout(cfg.Publisher.ConfirmTimeout),
		rabbitmq.WithPublisherLogger(logger),
	)
	defer publisher.Close()

	retryPolicy := reliability.NewRetryPolicy(
		reliability.WithRetryLogger(logger),
		reliability.WithRetryMetrics(metrics),
	)
	retryPolicy.Start()
	defer retryPolicy.Stop()

	errorHandler := reliability.NewErrorHandler(retryPolicy,
		reliability.WithHandlerLogger(logger),
		reliability.WithHandlerMetrics(metrics),
	)
	errorHandler.Start()
	defer errorHandler.Stop()

	archive := reliability.NewInMemoryArchive()
	reconciler := reliability.NewReconciler(publisher, archive,
		reliability.WithReconcilerLogger(logger),
		reliability.WithReconcilerMetrics(metrics),
	)
	reconciler.Start()
	defer reconciler.Stop()

	validator := validation.NewMessageValidator()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prefetch := 2 * cfg.Consumer.BatchSize
	broker := rabbitmq.NewConsumer(registry,
		rabbitmq.WithPrefetchCount(prefetch),
		rabbitmq.WithConsumerLogger(logger),
	)

	listeners := []struct {
		queue          string
		processingType consumer.ProcessingType
	}{
		{cfg.Queues.PAS, consumer.TypeSchedule},
		{cfg.Queues.PAD, consumer.TypeDirective},
	}
	for _, lc := range listeners {
		batch := consumer.NewBatchConsumer(processMessage(logger), validator, errorHandler,
			consumer.WithConcurrency(cfg.Consumer.ConcurrentProcessors),
			consumer.WithBatchLogger(logger),
			consumer.WithBatchMetrics(metrics),
			consumer.WithTracker(tracker),
		)
		listener := consumer.NewBatchListener(broker, batch, lc.queue, lc.processingType,
			consumer.WithListenerBatchSize(cfg.Consumer.BatchSize),
			consumer.WithListenerBatchTimeout(cfg.Consumer.BatchTimeout),
			consumer.WithListenerLogger(logger),
			consumer.WithListenerMetrics(metrics),
			consumer.WithListenerTracker(tracker),
		)
		if err := listener.Start(ctx); err != nil {
			return fmt.Errorf("starting listener for %s: %w", lc.queue, err)
		}
	}

	deadLetters := []struct {
		queue     string
		queueType reliability.QueueType
		exchange  string
	}{
		{cfg.Queues.PASDeadLetter, reliability.QueueTypePAS, cfg.Exchanges.PAS},
		{cfg.Queues.PADDeadLetter, reliability.QueueTypePAD, cfg.Exchanges.PAD},
	}
	for _, dl := range deadLetters {
		listener := consumer.NewDeadLetterListener(broker, reconciler, dl.queue, dl.queueType, dl.exchange, logger)
		if err := listener.Start(ctx); err != nil {
			return fmt.Errorf("starting dead letter listener for %s: %w", dl.queue, err)
		}
	}

	logger.Info("service started",
		"batchSize", cfg.Consumer.BatchSize,
		"batchTimeout", cfg.Consumer.BatchTimeout,
		"prefetch", prefetch,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	broker.Stop(shutdownGrace)
	return nil
}

// processMessage is the business processing hook. The pipeline's job ends at
// reliable delivery; the adjustment itself is applied downstream.
func processMessage(logger *slog.Logger) consumer.ProcessorFunc {
	return func(ctx context.Context, msg *model.PriceAdjustmentMessage) error {
		logger.Debug("processing price adjustment",
			"messageId", msg.ID(),
			"skuId", msg.SkuID,
			"adjustmentType", msg.AdjustmentType,
		)
		return ctx.Err()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
