package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/and1teachera/price-change-management-system/internal/model"
)

// publisherConnectionID is the registry id of the connection backing the
// publisher channel.
const publisherConnectionID = "publisher"

// ConfirmChannel is the subset of *amqp.Channel the publisher uses. Exported
// so channel factories can be substituted in tests.
type ConfirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// ChannelFactory opens a broker channel for publishing.
type ChannelFactory func() (ConfirmChannel, error)

// pendingConfirm tracks one in-flight publish until the broker acknowledges,
// rejects or returns it, or the wait times out. err is written before done is
// closed and read only after.
type pendingConfirm struct {
	done chan struct{}
	err  error
}

// ConfirmedPublisher publishes messages with broker-level delivery
// confirmation. Every publish is mandatory, correlated by a generated
// correlation id, and blocks the caller until the broker resolves it or the
// confirmation timeout elapses. Safe for concurrent use.
type ConfirmedPublisher struct {
	openChannel    ChannelFactory
	confirmTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex // guards ch, closed and publish sequencing
	ch     ConfirmChannel
	closed bool

	pmu     sync.Mutex
	pending map[string]*pendingConfirm // correlation id -> in-flight publish
	byTag   map[uint64]string          // channel delivery tag -> correlation id
}

// PublisherOption configures the publisher.
type PublisherOption func(*ConfirmedPublisher)

// WithConfirmTimeout sets how long a publish waits for broker resolution.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *ConfirmedPublisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *ConfirmedPublisher) {
		p.logger = logger
	}
}

// WithChannelFactory overrides how publish channels are opened.
func WithChannelFactory(factory ChannelFactory) PublisherOption {
	return func(p *ConfirmedPublisher) {
		p.openChannel = factory
	}
}

// NewConfirmedPublisher creates a publisher backed by a connection from the
// registry. The channel is opened lazily on first publish.
func NewConfirmedPublisher(registry *ConnectionRegistry, options ...PublisherOption) *ConfirmedPublisher {
	p := &ConfirmedPublisher{
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
		pending:        make(map[string]*pendingConfirm),
		byTag:          make(map[uint64]string),
	}
	p.openChannel = func() (ConfirmChannel, error) {
		conn, err := registry.Get(publisherConnectionID)
		if err != nil {
			return nil, err
		}
		return conn.Channel()
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes the message and blocks until the broker confirms,
// rejects or returns it, or the confirmation timeout elapses.
func (p *ConfirmedPublisher) Publish(ctx context.Context, msg *model.PriceAdjustmentMessage, exchange, routingKey string) error {
	return p.publish(ctx, msg, exchange, routingKey, 0)
}

// PublishWithPriority publishes with a message priority in [1,10]. An
// out-of-range priority fails immediately without broker interaction.
func (p *ConfirmedPublisher) PublishWithPriority(ctx context.Context, msg *model.PriceAdjustmentMessage, exchange, routingKey string, priority int) error {
	if priority < 1 || priority > 10 {
		return &PublishError{
			Category:   CategoryValidation,
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        fmt.Errorf("%w: got %d", ErrInvalidPriority, priority),
			Timestamp:  time.Now(),
		}
	}
	return p.publish(ctx, msg, exchange, routingKey, priority)
}

func (p *ConfirmedPublisher) publish(ctx context.Context, msg *model.PriceAdjustmentMessage, exchange, routingKey string, priority int) error {
	correlationID := uuid.New().String()

	body, err := json.Marshal(msg)
	if err != nil {
		return &PublishError{
			Category:      CategoryInternal,
			CorrelationID: correlationID,
			Exchange:      exchange,
			RoutingKey:    routingKey,
			Err:           fmt.Errorf("serializing message: %w", err),
			Timestamp:     time.Now(),
		}
	}

	pc := &pendingConfirm{done: make(chan struct{})}
	p.pmu.Lock()
	p.pending[correlationID] = pc
	p.pmu.Unlock()

	if err := p.send(ctx, correlationID, exchange, routingKey, body, msg.ID(), priority); err != nil {
		p.remove(correlationID)
		return err
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case <-pc.done:
		if pc.err != nil {
			return pc.err
		}
		return nil

	case <-timer.C:
		p.remove(correlationID)
		p.logger.Error("publish confirmation timed out",
			"correlationId", correlationID, "exchange", exchange, "routingKey", routingKey)
		return &PublishError{
			Category:      CategoryTimeout,
			CorrelationID: correlationID,
			Exchange:      exchange,
			RoutingKey:    routingKey,
			Err:           ErrPublishTimeout,
			Timestamp:     time.Now(),
		}

	case <-ctx.Done():
		p.remove(correlationID)
		return &PublishError{
			Category:      CategoryInternal,
			CorrelationID: correlationID,
			Exchange:      exchange,
			RoutingKey:    routingKey,
			Err:           fmt.Errorf("%w: %v", ErrPublishInterrupted, ctx.Err()),
			Timestamp:     time.Now(),
		}
	}
}

// send performs the broker publish under the channel lock so that the
// delivery tag mapping matches the publish sequence number.
func (p *ConfirmedPublisher) send(ctx context.Context, correlationID, exchange, routingKey string, body []byte, messageID string, priority int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return &PublishError{
			Category:      CategoryConnection,
			CorrelationID: correlationID,
			Exchange:      exchange,
			RoutingKey:    routingKey,
			Err:           ErrPublisherClosed,
			Timestamp:     time.Now(),
		}
	}

	ch, err := p.ensureChannel()
	if err != nil {
		return &PublishError{
			Category:      CategoryConnection,
			CorrelationID: correlationID,
			Exchange:      exchange,
			RoutingKey:    routingKey,
			Err:           err,
			Timestamp:     time.Now(),
		}
	}

	seq := ch.GetNextPublishSeqNo()
	p.pmu.Lock()
	p.byTag[seq] = correlationID
	p.pmu.Unlock()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		MessageId:     messageID,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		Body:          body,
	}
	if priority > 0 {
		publishing.Priority = uint8(priority)
	}

	// mandatory: the broker must return the message if it is unroutable
	if err := ch.PublishWithContext(ctx, exchange, routingKey, true, false, publishing); err != nil {
		p.pmu.Lock()
		delete(p.byTag, seq)
		p.pmu.Unlock()
		return &PublishError{
			Category:      CategoryConnection,
			CorrelationID: correlationID,
			Exchange:      exchange,
			RoutingKey:    routingKey,
			Err:           err,
			Timestamp:     time.Now(),
		}
	}

	return nil
}

// ensureChannel opens the publish channel in confirm mode and arms the
// broker callback listeners. Called with p.mu held.
func (p *ConfirmedPublisher) ensureChannel() (ConfirmChannel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.openChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enabling confirm mode: %w", err)
	}

	// delivery tags restart at 1 on a fresh channel
	p.pmu.Lock()
	p.byTag = make(map[uint64]string)
	p.pmu.Unlock()

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 64))
	returns := ch.NotifyReturn(make(chan amqp.Return, 64))
	go p.handleConfirms(confirms)
	go p.handleReturns(returns)

	p.ch = ch
	return ch, nil
}

// handleConfirms resolves pending publishes from broker ack/nack callbacks.
// Runs on the broker I/O goroutine for the lifetime of one channel.
func (p *ConfirmedPublisher) handleConfirms(confirms <-chan amqp.Confirmation) {
	for confirmation := range confirms {
		correlationID, ok := p.takeTag(confirmation.DeliveryTag)
		if !ok {
			continue
		}
		if confirmation.Ack {
			p.resolve(correlationID, nil)
			continue
		}
		p.logger.Error("publish not confirmed by broker", "correlationId", correlationID)
		p.resolve(correlationID, &PublishError{
			Category:      CategoryInternal,
			CorrelationID: correlationID,
			Err:           errors.New("publish rejected by broker (nack)"),
			Timestamp:     time.Now(),
		})
	}
}

// handleReturns resolves pending publishes whose message came back as
// unroutable, correlated by the id carried in the returned properties.
func (p *ConfirmedPublisher) handleReturns(returns <-chan amqp.Return) {
	for ret := range returns {
		p.logger.Error("message returned as unroutable",
			"correlationId", ret.CorrelationId, "replyText", ret.ReplyText,
			"exchange", ret.Exchange, "routingKey", ret.RoutingKey)
		p.resolve(ret.CorrelationId, &PublishError{
			Category:      CategoryRouting,
			CorrelationID: ret.CorrelationId,
			Exchange:      ret.Exchange,
			RoutingKey:    ret.RoutingKey,
			Err:           fmt.Errorf("message returned: %s", ret.ReplyText),
			Timestamp:     time.Now(),
		})
	}
}

// resolve completes a pending confirm exactly once. Whichever callback or
// timeout removes the entry first wins; a second resolution finds no entry
// and is a no-op.
func (p *ConfirmedPublisher) resolve(correlationID string, cause error) {
	p.pmu.Lock()
	pc, ok := p.pending[correlationID]
	if ok {
		delete(p.pending, correlationID)
	}
	p.pmu.Unlock()
	if !ok {
		return
	}
	pc.err = cause
	close(pc.done)
}

// remove discards a pending confirm without completing it. Used by the
// timeout and interruption paths; a late broker callback then finds nothing.
func (p *ConfirmedPublisher) remove(correlationID string) {
	p.pmu.Lock()
	delete(p.pending, correlationID)
	p.pmu.Unlock()
}

// takeTag translates a channel delivery tag to its correlation id.
func (p *ConfirmedPublisher) takeTag(tag uint64) (string, bool) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	correlationID, ok := p.byTag[tag]
	if ok {
		delete(p.byTag, tag)
	}
	return correlationID, ok
}

// PendingCount returns the number of unresolved publishes.
func (p *ConfirmedPublisher) PendingCount() int {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return len(p.pending)
}

// Close closes the publish channel. In-flight publishes complete or time out
// naturally.
func (p *ConfirmedPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch.Close()
	}
	return nil
}
