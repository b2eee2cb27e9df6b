// Package consumer turns raw broker deliveries into validated, batched,
// concurrently processed price adjustment messages and acknowledges them
// according to the outcome.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/and1teachera/price-change-management-system/internal/model"
	"github.com/and1teachera/price-change-management-system/internal/monitoring"
)

// ProcessingType distinguishes the two inbound message categories.
type ProcessingType string

const (
	TypeSchedule  ProcessingType = "SCHEDULE"
	TypeDirective ProcessingType = "DIRECTIVE"
)

// ProcessorFunc performs the business processing of one message.
type ProcessorFunc func(ctx context.Context, msg *model.PriceAdjustmentMessage) error

// Validator rejects messages that violate the inbound schema.
type Validator interface {
	Validate(msg *model.PriceAdjustmentMessage) error
}

// FailureHandler absorbs per-message and whole-batch failures.
type FailureHandler interface {
	HandleError(msg *model.PriceAdjustmentMessage, cause error)
	HandleBatchError(msgs []*model.PriceAdjustmentMessage, cause error)
}

// BatchContext signals completion of one batch: the done channel closes when
// every message has been accounted for, successful or not.
type BatchContext struct {
	metrics *model.BatchMetrics

	mu        sync.Mutex
	remaining int
	done      chan struct{}
}

func newBatchContext(size int) *BatchContext {
	bc := &BatchContext{
		metrics:   model.NewBatchMetrics(size),
		remaining: size,
		done:      make(chan struct{}),
	}
	if size == 0 {
		close(bc.done)
	}
	return bc
}

// messageDone accounts for one finished message and fires the completion
// signal when it was the last.
func (bc *BatchContext) messageDone() {
	bc.mu.Lock()
	bc.remaining--
	last := bc.remaining == 0
	bc.mu.Unlock()
	if last {
		close(bc.done)
	}
}

// Done returns the completion signal channel.
func (bc *BatchContext) Done() <-chan struct{} { return bc.done }

// Metrics returns the batch aggregate. Only stable after Done has fired.
func (bc *BatchContext) Metrics() *model.BatchMetrics { return bc.metrics }

// BatchConsumer processes batches of messages through a bounded worker pool.
// Every message in a batch is accounted for exactly once: validated, handed
// to the processor, and on failure routed through the failure handler which
// sets the status that drives acknowledgment.
type BatchConsumer struct {
	process     ProcessorFunc
	validator   Validator
	failures    FailureHandler
	tracker     *monitoring.MessageTracker
	metrics     monitoring.Collector
	logger      *slog.Logger
	concurrency int64
	sem         *semaphore.Weighted
}

// BatchOption configures the batch consumer.
type BatchOption func(*BatchConsumer)

// WithConcurrency bounds the number of messages processed in parallel.
func WithConcurrency(n int) BatchOption {
	return func(c *BatchConsumer) {
		c.concurrency = int64(n)
	}
}

// WithBatchLogger sets the logger.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(c *BatchConsumer) {
		c.logger = logger
	}
}

// WithBatchMetrics sets the metrics sink.
func WithBatchMetrics(collector monitoring.Collector) BatchOption {
	return func(c *BatchConsumer) {
		c.metrics = collector
	}
}

// WithTracker sets the per-message lifecycle tracker.
func WithTracker(tracker *monitoring.MessageTracker) BatchOption {
	return func(c *BatchConsumer) {
		c.tracker = tracker
	}
}

// NewBatchConsumer creates a batch consumer running the given processor.
func NewBatchConsumer(process ProcessorFunc, validator Validator, failures FailureHandler, options ...BatchOption) *BatchConsumer {
	c := &BatchConsumer{
		process:     process,
		validator:   validator,
		failures:    failures,
		metrics:     monitoring.NopCollector{},
		logger:      slog.Default(),
		concurrency: 8,
	}

	for _, opt := range options {
		opt(c)
	}

	c.sem = semaphore.NewWeighted(c.concurrency)
	if c.tracker == nil {
		c.tracker = monitoring.NewMessageTracker(c.metrics)
	}

	return c
}

// ConsumeBatch processes the batch and blocks until every message has been
// accounted for or ctx is cancelled. Cancellation fails the not-yet-submitted
// remainder of the batch through the failure handler and unblocks the caller
// with the context error; workers already running drain in the background and
// their deliveries come back through broker redelivery.
func (c *BatchConsumer) ConsumeBatch(ctx context.Context, msgs []*model.PriceAdjustmentMessage, processingType ProcessingType) (*BatchContext, error) {
	start := time.Now()
	bc := newBatchContext(len(msgs))

	c.logger.Info("processing batch",
		"processingType", processingType, "batchSize", len(msgs))

	for i, msg := range msgs {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.failRemainder(msgs[i:], bc, err)
			break
		}

		go func(msg *model.PriceAdjustmentMessage) {
			defer c.sem.Release(1)
			defer bc.messageDone()
			c.processOne(ctx, msg, bc.metrics)
		}(msg)
	}

	select {
	case <-bc.Done():
	case <-ctx.Done():
		// completion may have raced the cancellation
		select {
		case <-bc.Done():
		default:
			c.logger.Warn("batch abandoned before completion",
				"processingType", processingType, "batchSize", len(msgs), "error", ctx.Err())
			c.flushBatchMetrics(bc.metrics, processingType, time.Since(start))
			return bc, ctx.Err()
		}
	}

	c.flushBatchMetrics(bc.metrics, processingType, time.Since(start))
	return bc, nil
}

// failRemainder accounts for messages that never got submitted because the
// batch was cancelled.
func (c *BatchConsumer) failRemainder(msgs []*model.PriceAdjustmentMessage, bc *BatchContext, cause error) {
	c.failures.HandleBatchError(msgs, cause)
	for _, msg := range msgs {
		c.trackFailure(msg)
		bc.metrics.RecordFailure()
		bc.messageDone()
	}
}

// trackFailure records the failure stage, retiring terminally dead-lettered
// messages from the in-flight set.
func (c *BatchConsumer) trackFailure(msg *model.PriceAdjustmentMessage) {
	c.tracker.Track(msg, monitoring.StageFailed)
	if msg.EnsureMetadata().Status == model.StatusDeadLettered {
		c.tracker.Track(msg, monitoring.StageDeadLettered)
	}
}

func (c *BatchConsumer) processOne(ctx context.Context, msg *model.PriceAdjustmentMessage, metrics *model.BatchMetrics) {
	meta := msg.EnsureMetadata()
	meta.Status = model.StatusProcessing
	start := time.Now()

	if err := c.validator.Validate(msg); err != nil {
		meta.Status = model.StatusFailed
		c.failures.HandleError(msg, err)
		c.trackFailure(msg)
		metrics.RecordFailure()
		return
	}

	if err := c.process(ctx, msg); err != nil {
		meta.Status = model.StatusFailed
		c.failures.HandleError(msg, err)
		c.trackFailure(msg)
		metrics.RecordFailure()
		return
	}

	meta.Status = model.StatusCompleted
	c.tracker.Track(msg, monitoring.StageProcessed)
	c.tracker.Track(msg, monitoring.StageCompleted)
	metrics.RecordSuccess(time.Since(start))
}

func (c *BatchConsumer) flushBatchMetrics(metrics *model.BatchMetrics, processingType ProcessingType, elapsed time.Duration) {
	tag := string(processingType)
	c.metrics.RecordTimer("batch.processing", elapsed, "type", tag)
	c.metrics.SetGauge("batch.size", float64(metrics.BatchSize()), "type", tag)
	c.metrics.SetGauge("batch.success.rate", metrics.SuccessRate(), "type", tag)
	c.metrics.IncrementCounter("batches.processed", "type", tag)

	c.logger.Info("batch complete",
		"processingType", processingType,
		"batchSize", metrics.BatchSize(),
		"successCount", metrics.SuccessCount(),
		"failureCount", metrics.FailureCount(),
		"elapsed", elapsed)
}
