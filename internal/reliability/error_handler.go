package reliability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/and1teachera/price-change-management-system/internal/model"
	"github.com/and1teachera/price-change-management-system/internal/monitoring"
)

// RetryDecider grants or denies another attempt for a failed message.
// Satisfied by *RetryPolicy.
type RetryDecider interface {
	ShouldRetry(messageID string, cause error, meta *model.Metadata) bool
}

// errorContext is the latest recorded failure of one message. A new failure
// replaces the previous record.
type errorContext struct {
	cause      error
	timestamp  time.Time
	retryCount int
}

// ErrorHandler absorbs processing failures. It records the failure, asks the
// retry policy for a verdict and transitions the message accordingly: granted
// retries go back to PROCESSING with the counter bumped, denied ones to
// DEAD_LETTERED. It never propagates errors to its callers.
type ErrorHandler struct {
	policy    RetryDecider
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	metrics   monitoring.Collector
	now       func() time.Time

	mu       sync.Mutex
	contexts map[string]*errorContext

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// HandlerOption configures the error handler.
type HandlerOption func(*ErrorHandler)

// WithHandlerLogger sets the logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *ErrorHandler) {
		h.logger = logger
	}
}

// WithHandlerMetrics sets the metrics sink.
func WithHandlerMetrics(collector monitoring.Collector) HandlerOption {
	return func(h *ErrorHandler) {
		h.metrics = collector
	}
}

// WithErrorRetention sets how long failure records are kept.
func WithErrorRetention(retention time.Duration) HandlerOption {
	return func(h *ErrorHandler) {
		h.retention = retention
	}
}

// WithHandlerClock overrides the time source.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *ErrorHandler) {
		h.now = now
	}
}

// NewErrorHandler creates a handler delegating retry verdicts to the policy.
func NewErrorHandler(policy RetryDecider, options ...HandlerOption) *ErrorHandler {
	h := &ErrorHandler{
		policy:    policy,
		retention: 24 * time.Hour,
		interval:  time.Hour,
		logger:    slog.Default(),
		metrics:   monitoring.NopCollector{},
		now:       time.Now,
		contexts:  make(map[string]*errorContext),
		done:      make(chan struct{}),
	}

	for _, opt := range options {
		opt(h)
	}

	return h
}

// HandleError records the failure and transitions the message based on the
// retry verdict.
func (h *ErrorHandler) HandleError(msg *model.PriceAdjustmentMessage, cause error) {
	meta := msg.EnsureMetadata()

	h.mu.Lock()
	h.contexts[meta.MessageID] = &errorContext{
		cause:      cause,
		timestamp:  h.now(),
		retryCount: meta.RetryCount,
	}
	tracked := len(h.contexts)
	h.mu.Unlock()

	h.metrics.IncrementCounter("rabbitmq.errors.handled")
	h.metrics.SetGauge("rabbitmq.errors.tracked", float64(tracked))
	h.logger.Error("message processing failed",
		"messageId", meta.MessageID, "retryCount", meta.RetryCount, "error", cause)

	if h.policy.ShouldRetry(meta.MessageID, cause, meta) {
		meta.IncrementRetryCount()
		meta.Status = model.StatusProcessing
		return
	}

	meta.Status = model.StatusDeadLettered
	h.logger.Warn("message exhausted retries, marking for dead letter",
		"messageId", meta.MessageID, "retryCount", meta.RetryCount)
}

// HandleBatchError applies the same failure to every message of a batch, for
// faults that hit the batch as a whole rather than one message.
func (h *ErrorHandler) HandleBatchError(msgs []*model.PriceAdjustmentMessage, cause error) {
	h.logger.Error("batch processing failed", "batchSize", len(msgs), "error", cause)
	for _, msg := range msgs {
		h.HandleError(msg, cause)
	}
}

// LastError returns the most recent recorded failure for a message.
func (h *ErrorHandler) LastError(messageID string) (error, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ec, ok := h.contexts[messageID]
	if !ok {
		return nil, false
	}
	return ec.cause, true
}

// TrackedErrors returns the number of failure records currently held.
func (h *ErrorHandler) TrackedErrors() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.contexts)
}

// Start launches the periodic eviction of aged failure records.
func (h *ErrorHandler) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				h.evictExpired()
			}
		}
	}()
}

func (h *ErrorHandler) evictExpired() {
	cutoff := h.now().Add(-h.retention)

	h.mu.Lock()
	evicted := 0
	for id, ec := range h.contexts {
		if ec.timestamp.Before(cutoff) {
			delete(h.contexts, id)
			evicted++
		}
	}
	tracked := len(h.contexts)
	h.mu.Unlock()

	if evicted > 0 {
		h.logger.Info("evicted expired error records", "count", evicted, "remaining", tracked)
	}
	h.metrics.SetGauge("rabbitmq.errors.tracked", float64(tracked))
}

// Stop terminates the eviction loop.
func (h *ErrorHandler) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
	})
}
