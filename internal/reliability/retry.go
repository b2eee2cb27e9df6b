package reliability

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/and1teachera/price-change-management-system/internal/model"
	"github.com/and1teachera/price-change-management-system/internal/monitoring"
)

// retryContext tracks the retry history of one message.
type retryContext struct {
	createdAt     time.Time
	retryCount    int
	nextRetryTime time.Time
}

// RetryPolicy decides whether a failed message gets another attempt and when
// that attempt should happen. Delays grow exponentially per message; contexts
// are evicted once they age out. Safe for concurrent use.
type RetryPolicy struct {
	maxRetries      int
	initialDelay    time.Duration
	multiplier      float64
	retention       time.Duration
	cleanupInterval time.Duration
	trackInterval   time.Duration
	logger          *slog.Logger
	metrics         monitoring.Collector
	now             func() time.Time

	mu       sync.Mutex
	contexts map[string]*retryContext

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// RetryOption configures the retry policy.
type RetryOption func(*RetryPolicy)

// WithMaxRetries caps attempts per message.
func WithMaxRetries(max int) RetryOption {
	return func(p *RetryPolicy) {
		p.maxRetries = max
	}
}

// WithInitialDelay sets the base backoff delay.
func WithInitialDelay(delay time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.initialDelay = delay
	}
}

// WithBackoffMultiplier sets the exponential growth factor.
func WithBackoffMultiplier(multiplier float64) RetryOption {
	return func(p *RetryPolicy) {
		p.multiplier = multiplier
	}
}

// WithRetryRetention sets how long idle retry contexts are kept.
func WithRetryRetention(retention time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.retention = retention
	}
}

// WithRetryLogger sets the logger.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(p *RetryPolicy) {
		p.logger = logger
	}
}

// WithRetryMetrics sets the metrics sink.
func WithRetryMetrics(collector monitoring.Collector) RetryOption {
	return func(p *RetryPolicy) {
		p.metrics = collector
	}
}

// WithRetryClock overrides the time source.
func WithRetryClock(now func() time.Time) RetryOption {
	return func(p *RetryPolicy) {
		p.now = now
	}
}

// NewRetryPolicy creates a policy with the default limits: three attempts,
// one second initial delay doubling per attempt, contexts kept for a day.
func NewRetryPolicy(options ...RetryOption) *RetryPolicy {
	p := &RetryPolicy{
		maxRetries:      3,
		initialDelay:    time.Second,
		multiplier:      2.0,
		retention:       24 * time.Hour,
		cleanupInterval: time.Hour,
		trackInterval:   time.Minute,
		logger:          slog.Default(),
		metrics:         monitoring.NopCollector{},
		now:             time.Now,
		contexts:        make(map[string]*retryContext),
		done:            make(chan struct{}),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// ShouldRetry decides whether the message gets another attempt. Retries are
// denied once the per-message cap is reached or the cause is classified as
// non-retryable. A granted retry schedules the next attempt exponentially
// later; the schedule is advisory since redelivery timing belongs to the
// broker.
func (p *RetryPolicy) ShouldRetry(messageID string, cause error, meta *model.Metadata) bool {
	p.mu.Lock()

	rc, ok := p.contexts[messageID]
	if !ok {
		rc = &retryContext{createdAt: p.now(), retryCount: meta.RetryCount}
		p.contexts[messageID] = rc
	}

	if rc.retryCount >= p.maxRetries {
		exhaustedAt := rc.retryCount
		p.mu.Unlock()
		p.logger.Warn("retry limit reached",
			"messageId", messageID, "retryCount", exhaustedAt, "error", cause)
		p.metrics.IncrementCounter("rabbitmq.retries.exhausted")
		return false
	}

	if !IsRetryableError(cause) {
		p.mu.Unlock()
		p.logger.Warn("non-retryable error, skipping retry", "messageId", messageID, "error", cause)
		return false
	}

	delay := p.NextDelay(rc.retryCount)
	rc.retryCount++
	rc.nextRetryTime = p.now().Add(delay)
	attempt := rc.retryCount
	pending := len(p.contexts)
	p.mu.Unlock()

	p.metrics.IncrementCounter("rabbitmq.retries.scheduled")
	p.metrics.SetGauge("rabbitmq.retries.pending", float64(pending))
	p.logger.Info("retry scheduled",
		"messageId", messageID, "attempt", attempt, "delay", delay, "error", cause)
	return true
}

// NextDelay computes the backoff before the given attempt number (zero-based).
func (p *RetryPolicy) NextDelay(retryCount int) time.Duration {
	return time.Duration(float64(p.initialDelay) * math.Pow(p.multiplier, float64(retryCount)))
}

// Reset drops the retry context for a message, typically after a successful
// reprocess.
func (p *RetryPolicy) Reset(messageID string) {
	p.mu.Lock()
	delete(p.contexts, messageID)
	p.mu.Unlock()
}

// PendingRetries returns the number of tracked retry contexts.
func (p *RetryPolicy) PendingRetries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

// Start launches the background maintenance loops: periodic eviction of aged
// contexts and a tracking pass over imminent retries.
func (p *RetryPolicy) Start() {
	p.wg.Add(1)
	go p.maintain()
}

func (p *RetryPolicy) maintain() {
	defer p.wg.Done()

	cleanup := time.NewTicker(p.cleanupInterval)
	defer cleanup.Stop()
	track := time.NewTicker(p.trackInterval)
	defer track.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-cleanup.C:
			p.evictExpired()
		case <-track.C:
			p.trackImminent()
		}
	}
}

// evictExpired removes contexts older than the retention window.
func (p *RetryPolicy) evictExpired() {
	cutoff := p.now().Add(-p.retention)

	p.mu.Lock()
	evicted := 0
	for id, rc := range p.contexts {
		if rc.createdAt.Before(cutoff) {
			delete(p.contexts, id)
			evicted++
		}
	}
	pending := len(p.contexts)
	p.mu.Unlock()

	if evicted > 0 {
		p.logger.Info("evicted expired retry contexts", "count", evicted, "remaining", pending)
	}
	p.metrics.SetGauge("rabbitmq.retries.pending", float64(pending))
}

// trackImminent logs retries whose scheduled time is within thirty seconds.
func (p *RetryPolicy) trackImminent() {
	horizon := p.now().Add(30 * time.Second)

	p.mu.Lock()
	for id, rc := range p.contexts {
		if !rc.nextRetryTime.IsZero() && rc.nextRetryTime.Before(horizon) {
			p.logger.Debug("retry due shortly",
				"messageId", id, "attempt", rc.retryCount, "nextRetryTime", rc.nextRetryTime)
		}
	}
	p.mu.Unlock()
}

// Stop terminates the maintenance loops.
func (p *RetryPolicy) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}
