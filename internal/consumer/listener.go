package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/and1teachera/price-change-management-system/internal/model"
	"github.com/and1teachera/price-change-management-system/internal/monitoring"
	"github.com/and1teachera/price-change-management-system/internal/rabbitmq"
	"github.com/and1teachera/price-change-management-system/internal/reliability"
)

// pendingDelivery pairs a decoded message with the broker delivery that
// carried it, so the batch outcome can drive acknowledgment.
type pendingDelivery struct {
	delivery amqp.Delivery
	msg      *model.PriceAdjustmentMessage
}

// BatchListener assembles deliveries from one queue into batches and feeds
// them to the batch consumer. A batch flushes when it reaches the configured
// size or when the receive timeout elapses with messages waiting. After the
// batch completes, each message is acknowledged by its resulting status:
// COMPLETED is acked, PROCESSING is requeued for broker redelivery, anything
// else is rejected into the dead letter exchange.
type BatchListener struct {
	consumer       *rabbitmq.Consumer
	batch          *BatchConsumer
	tracker        *monitoring.MessageTracker
	metrics        monitoring.Collector
	logger         *slog.Logger
	queue          string
	processingType ProcessingType
	batchSize      int
	batchTimeout   time.Duration

	deliveries chan amqp.Delivery
	stopped    chan struct{}
}

// ListenerOption configures the batch listener.
type ListenerOption func(*BatchListener)

// WithListenerBatchSize sets the flush threshold.
func WithListenerBatchSize(size int) ListenerOption {
	return func(l *BatchListener) {
		l.batchSize = size
	}
}

// WithListenerBatchTimeout sets the receive timeout before a partial batch
// flushes.
func WithListenerBatchTimeout(timeout time.Duration) ListenerOption {
	return func(l *BatchListener) {
		l.batchTimeout = timeout
	}
}

// WithListenerLogger sets the logger.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *BatchListener) {
		l.logger = logger
	}
}

// WithListenerMetrics sets the metrics sink.
func WithListenerMetrics(collector monitoring.Collector) ListenerOption {
	return func(l *BatchListener) {
		l.metrics = collector
	}
}

// WithListenerTracker sets the per-message lifecycle tracker.
func WithListenerTracker(tracker *monitoring.MessageTracker) ListenerOption {
	return func(l *BatchListener) {
		l.tracker = tracker
	}
}

// NewBatchListener creates a listener for one queue feeding one batch
// consumer.
func NewBatchListener(consumer *rabbitmq.Consumer, batch *BatchConsumer, queue string, processingType ProcessingType, options ...ListenerOption) *BatchListener {
	l := &BatchListener{
		consumer:       consumer,
		batch:          batch,
		metrics:        monitoring.NopCollector{},
		logger:         slog.Default(),
		queue:          queue,
		processingType: processingType,
		batchSize:      100,
		batchTimeout:   5 * time.Second,
		stopped:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(l)
	}

	if l.tracker == nil {
		l.tracker = monitoring.NewMessageTracker(l.metrics)
	}
	l.deliveries = make(chan amqp.Delivery, l.batchSize*2)

	return l
}

// Start subscribes to the queue and launches the batch assembly loop.
func (l *BatchListener) Start(ctx context.Context) error {
	err := l.consumer.Subscribe(ctx, l.queue, func(ctx context.Context, delivery amqp.Delivery) {
		select {
		case l.deliveries <- delivery:
		case <-ctx.Done():
			l.requeue(delivery)
		}
	})
	if err != nil {
		return err
	}

	go l.assemble(ctx)
	return nil
}

// Done returns a channel closed once the assembly loop has exited.
func (l *BatchListener) Done() <-chan struct{} { return l.stopped }

func (l *BatchListener) assemble(ctx context.Context) {
	defer close(l.stopped)

	var batch []pendingDelivery
	timer := time.NewTimer(l.batchTimeout)
	stopTimer(timer)

	for {
		select {
		case <-ctx.Done():
			// pending deliveries go back to the broker for redelivery
			for _, pd := range batch {
				l.requeue(pd.delivery)
			}
			return

		case delivery := <-l.deliveries:
			pd, ok := l.decode(delivery)
			if !ok {
				continue
			}
			batch = append(batch, pd)
			if len(batch) == 1 {
				timer.Reset(l.batchTimeout)
			}
			if len(batch) >= l.batchSize {
				stopTimer(timer)
				l.flush(ctx, batch)
				batch = nil
			}

		case <-timer.C:
			if len(batch) > 0 {
				l.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

// decode unmarshals a delivery. Payloads that cannot decode go straight to
// the dead letter exchange; redelivery cannot fix a malformed body.
func (l *BatchListener) decode(delivery amqp.Delivery) (pendingDelivery, bool) {
	var msg model.PriceAdjustmentMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		l.metrics.IncrementCounter("messages.decode.errors", "queue", l.queue)
		l.logger.Error("rejecting undecodable delivery", "queue", l.queue, "error", err)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			l.logger.Error("failed to reject delivery", "queue", l.queue, "error", nackErr)
		}
		return pendingDelivery{}, false
	}

	msg.EnsureMetadata()
	l.tracker.Track(&msg, monitoring.StageReceived)
	return pendingDelivery{delivery: delivery, msg: &msg}, true
}

func (l *BatchListener) flush(ctx context.Context, batch []pendingDelivery) {
	msgs := make([]*model.PriceAdjustmentMessage, len(batch))
	for i, pd := range batch {
		msgs[i] = pd.msg
	}

	if _, err := l.batch.ConsumeBatch(ctx, msgs, l.processingType); err != nil {
		l.logger.Warn("batch interrupted before completion", "queue", l.queue, "error", err)
	}

	// interrupted messages are still PROCESSING and go back to the broker
	for _, pd := range batch {
		l.acknowledge(pd)
	}
}

// acknowledge maps the message's final status onto the broker protocol.
func (l *BatchListener) acknowledge(pd pendingDelivery) {
	status := pd.msg.EnsureMetadata().Status

	var err error
	switch status {
	case model.StatusCompleted:
		err = pd.delivery.Ack(false)
	case model.StatusProcessing:
		// broker redelivery performs the retry
		err = pd.delivery.Nack(false, true)
	default:
		err = pd.delivery.Nack(false, false)
	}
	if err != nil {
		l.logger.Error("acknowledgment failed",
			"queue", l.queue, "messageId", pd.msg.ID(), "status", status, "error", err)
	}
}

func (l *BatchListener) requeue(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		l.logger.Error("failed to requeue delivery", "queue", l.queue, "error", err)
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// DeadLetterListener drains one dead letter queue into the reconciler. Every
// delivery is acked after the reconciler has seen it; the reconciler's own
// records decide whether the message lives again.
type DeadLetterListener struct {
	consumer   *rabbitmq.Consumer
	reconciler *reliability.Reconciler
	logger     *slog.Logger
	queue      string
	queueType  reliability.QueueType
	exchange   string
}

// NewDeadLetterListener creates a listener for one dead letter queue.
func NewDeadLetterListener(consumer *rabbitmq.Consumer, reconciler *reliability.Reconciler, queue string, queueType reliability.QueueType, exchange string, logger *slog.Logger) *DeadLetterListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterListener{
		consumer:   consumer,
		reconciler: reconciler,
		logger:     logger,
		queue:      queue,
		queueType:  queueType,
		exchange:   exchange,
	}
}

// Start subscribes to the dead letter queue.
func (l *DeadLetterListener) Start(ctx context.Context) error {
	return l.consumer.Subscribe(ctx, l.queue, func(ctx context.Context, delivery amqp.Delivery) {
		l.reconciler.HandleDelivery(ctx, delivery.Body, l.queueType, l.exchange)
		if err := delivery.Ack(false); err != nil {
			l.logger.Error("failed to ack dead letter delivery", "queue", l.queue, "error", err)
		}
	})
}
