package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// consumerConnectionID is the registry id of the connection backing all
// subscriptions.
const consumerConnectionID = "consumer"

// DeliveryHandler receives raw broker deliveries. Acknowledgment is the
// handler's responsibility.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer manages queue subscriptions. Each subscription runs on its own
// channel with its own delivery loop.
type Consumer struct {
	registry      *ConnectionRegistry
	prefetchCount int
	logger        *slog.Logger

	mu            sync.Mutex
	subscriptions []*subscription
}

type subscription struct {
	queue  string
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the per-channel prefetch.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer backed by a connection from the registry.
func NewConsumer(registry *ConnectionRegistry, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		registry:      registry,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming from a queue, invoking the handler per
// delivery. The subscription ends when ctx is cancelled, Stop is called or
// the delivery channel closes.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	conn, err := c.registry.Get(consumerConnectionID)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: opening consume channel for %s: %w", queue, err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("rabbitmq: setting QoS for %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag, broker-generated
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("rabbitmq: consuming from %s: %w", queue, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{queue: queue, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, sub)
	c.mu.Unlock()

	go c.run(subCtx, sub, ch, deliveries, handler)

	c.logger.Info("subscribed to queue", "queue", queue, "prefetchCount", c.prefetchCount)
	return nil
}

func (c *Consumer) run(ctx context.Context, sub *subscription, ch *amqp.Channel, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		close(sub.done)
		_ = ch.Close()
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				return
			}
			handler(ctx, delivery)
		}
	}
}

// Stop cancels all subscriptions and waits for their delivery loops to
// drain, bounded by the given timeout.
func (c *Consumer) Stop(timeout time.Duration) {
	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}

	deadline := time.After(timeout)
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-deadline:
			c.logger.Warn("timed out waiting for consumer to stop", "queue", sub.queue)
			return
		}
	}
}
