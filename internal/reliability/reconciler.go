package reliability

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/and1teachera/price-change-management-system/internal/model"
	"github.com/and1teachera/price-change-management-system/internal/monitoring"
)

// QueueType identifies the message category a dead-lettered message came from.
type QueueType string

const (
	QueueTypePAS QueueType = "PAS"
	QueueTypePAD QueueType = "PAD"
)

// Publisher republishes reconciled messages to their origin exchange.
// Satisfied by the confirmed publisher.
type Publisher interface {
	Publish(ctx context.Context, msg *model.PriceAdjustmentMessage, exchange, routingKey string) error
}

// failureRecord tracks reprocessing attempts for one dead-lettered message.
type failureRecord struct {
	message     *model.PriceAdjustmentMessage
	queueType   QueueType
	attempts    int
	firstSeen   time.Time
	lastAttempt time.Time
	lastError   string
	archived    bool
}

// Reconciler drains dead-letter queues and gives messages a second life. Each
// sighting is evaluated against the record as it stood before: under the
// attempt cap and past the cooldown means republish to the origin exchange
// with a reset retry counter; over the cap means permanent failure and a
// one-time archive; inside the cooldown means skip until redelivered.
type Reconciler struct {
	publisher   Publisher
	archive     ArchiveStore
	maxAttempts int
	cooldown    time.Duration
	retention   time.Duration
	interval    time.Duration
	logger      *slog.Logger
	metrics     monitoring.Collector
	now         func() time.Time
	breaker     *gobreaker.CircuitBreaker[struct{}]

	mu      sync.Mutex
	records map[string]*failureRecord

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ReconcilerOption configures the reconciler.
type ReconcilerOption func(*Reconciler)

// WithReprocessAttempts caps reprocessing attempts per message.
func WithReprocessAttempts(max int) ReconcilerOption {
	return func(r *Reconciler) {
		r.maxAttempts = max
	}
}

// WithReprocessCooldown sets the minimum spacing between attempts.
func WithReprocessCooldown(cooldown time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.cooldown = cooldown
	}
}

// WithRecordRetention sets how long inactive failure records are kept.
func WithRecordRetention(retention time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.retention = retention
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithReconcilerMetrics sets the metrics sink.
func WithReconcilerMetrics(collector monitoring.Collector) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = collector
	}
}

// WithReconcilerClock overrides the time source.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = now
	}
}

// NewReconciler creates a reconciler with the default policy: three attempts
// per message spaced at least an hour apart, records kept for a week.
// Republishing runs behind a circuit breaker so a struggling broker is not
// hammered with dead-letter traffic.
func NewReconciler(publisher Publisher, archive ArchiveStore, options ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		publisher:   publisher,
		archive:     archive,
		maxAttempts: 3,
		cooldown:    time.Hour,
		retention:   7 * 24 * time.Hour,
		interval:    time.Hour,
		logger:      slog.Default(),
		metrics:     monitoring.NopCollector{},
		now:         time.Now,
		records:     make(map[string]*failureRecord),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(r)
	}

	r.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:     "dlq-republish",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("republish circuit state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return r
}

// HandleDelivery decodes a raw dead-letter payload and reconciles it.
// Malformed payloads are counted and dropped; a body that cannot be decoded
// once will never decode.
func (r *Reconciler) HandleDelivery(ctx context.Context, body []byte, queueType QueueType, exchange string) {
	var msg model.PriceAdjustmentMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		r.metrics.IncrementCounter("rabbitmq.dlq.processing.errors", "type", string(queueType))
		r.logger.Error("failed to decode dead-lettered message",
			"queueType", queueType, "error", err)
		return
	}
	r.Reconcile(ctx, &msg, queueType, exchange)
}

// Reconcile evaluates one dead-letter sighting of the message and either
// republishes it, permanently fails it, or skips it until its cooldown has
// passed.
func (r *Reconciler) Reconcile(ctx context.Context, msg *model.PriceAdjustmentMessage, queueType QueueType, exchange string) {
	meta := msg.EnsureMetadata()
	r.metrics.IncrementCounter("rabbitmq.dlq.messages.received", "type", string(queueType))

	now := r.now()

	r.mu.Lock()
	rec, ok := r.records[meta.MessageID]
	if !ok {
		// zero lastAttempt makes the first sighting immediately eligible
		rec = &failureRecord{message: msg, queueType: queueType, firstSeen: now}
		r.records[meta.MessageID] = rec
	}

	exhausted := rec.attempts >= r.maxAttempts
	coolingDown := !exhausted && now.Sub(rec.lastAttempt) < r.cooldown

	if !exhausted && !coolingDown {
		rec.attempts++
		rec.lastAttempt = now
	}
	rec.message = msg
	attempts := rec.attempts
	alreadyArchived := rec.archived
	if exhausted {
		rec.archived = true
	}
	firstSeen := rec.firstSeen
	lastError := rec.lastError
	tracked := len(r.records)
	r.mu.Unlock()

	r.metrics.SetGauge("rabbitmq.dlq.tracked_messages", float64(tracked))

	switch {
	case exhausted:
		meta.Status = model.StatusDeadLettered
		r.metrics.IncrementCounter("rabbitmq.dlq.messages.permanent_failure", "type", string(queueType))
		r.logger.Error("message permanently failed",
			"messageId", meta.MessageID, "queueType", queueType, "attempts", attempts)
		if !alreadyArchived {
			r.archiveRecord(ctx, meta.MessageID, queueType, attempts, firstSeen, now, lastError, msg)
		}

	case coolingDown:
		r.logger.Debug("message within reprocess cooldown, skipping",
			"messageId", meta.MessageID, "queueType", queueType, "attempts", attempts)

	default:
		r.reprocess(ctx, msg, queueType, exchange, attempts)
	}
}

// reprocess resets the message for another pass and republishes it through
// the circuit breaker.
func (r *Reconciler) reprocess(ctx context.Context, msg *model.PriceAdjustmentMessage, queueType QueueType, exchange string, attempt int) {
	meta := msg.Metadata
	meta.RetryCount = 0
	meta.Status = model.StatusProcessing

	routingKey := routingKeyFor(queueType)
	_, err := r.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, r.publisher.Publish(ctx, msg, exchange, routingKey)
	})
	if err != nil {
		r.recordFailure(meta.MessageID, err)
		r.metrics.IncrementCounter("rabbitmq.dlq.processing.errors", "type", string(queueType))
		r.logger.Error("failed to republish dead-lettered message",
			"messageId", meta.MessageID, "queueType", queueType, "attempt", attempt, "error", err)
		return
	}

	r.metrics.IncrementCounter("rabbitmq.dlq.messages.reprocessed", "type", string(queueType))
	r.logger.Info("dead-lettered message republished",
		"messageId", meta.MessageID, "queueType", queueType, "attempt", attempt,
		"exchange", exchange, "routingKey", routingKey)
}

func (r *Reconciler) recordFailure(messageID string, cause error) {
	r.mu.Lock()
	if rec, ok := r.records[messageID]; ok {
		rec.lastError = cause.Error()
	}
	r.mu.Unlock()
}

func (r *Reconciler) archiveRecord(ctx context.Context, messageID string, queueType QueueType, attempts int, firstSeen, lastAttempt time.Time, lastError string, msg *model.PriceAdjustmentMessage) {
	record := ArchivedMessage{
		MessageID:   messageID,
		QueueType:   string(queueType),
		Attempts:    attempts,
		FirstSeen:   firstSeen,
		LastAttempt: lastAttempt,
		LastError:   lastError,
		Message:     msg,
		ArchivedAt:  r.now(),
	}
	if err := r.archive.Archive(ctx, record); err != nil {
		r.logger.Error("failed to archive permanently failed message",
			"messageId", messageID, "error", err)
	}
}

// TrackedRecords returns the number of failure records currently held.
func (r *Reconciler) TrackedRecords() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Attempts returns the recorded reprocess attempts for a message.
func (r *Reconciler) Attempts(messageID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[messageID]
	if !ok {
		return 0, false
	}
	return rec.attempts, true
}

// Start launches the periodic eviction of aged failure records.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.evictExpired()
			}
		}
	}()
}

func (r *Reconciler) evictExpired() {
	cutoff := r.now().Add(-r.retention)

	r.mu.Lock()
	evicted := 0
	for id, rec := range r.records {
		last := rec.lastAttempt
		if last.IsZero() {
			last = rec.firstSeen
		}
		if last.Before(cutoff) {
			delete(r.records, id)
			evicted++
		}
	}
	tracked := len(r.records)
	r.mu.Unlock()

	if evicted > 0 {
		r.logger.Info("evicted stale dead-letter records", "count", evicted, "remaining", tracked)
	}
	r.metrics.SetGauge("rabbitmq.dlq.tracked_messages", float64(tracked))
}

// Stop terminates the eviction loop.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

// routingKeyFor mirrors the topology routing convention without importing the
// transport package.
func routingKeyFor(queueType QueueType) string {
	switch queueType {
	case QueueTypePAD:
		return "pad.key"
	default:
		return "pas.key"
	}
}
