package model

import (
	"sync"
	"time"
)

// BatchMetrics aggregates per-message outcomes for one inbound batch. It is
// mutated concurrently by the batch worker pool and must only be read after
// the batch completion signal has fired.
type BatchMetrics struct {
	mu                  sync.Mutex
	batchSize           int
	successCount        int
	failureCount        int
	totalProcessingTime time.Duration
}

// NewBatchMetrics creates an aggregate for a batch of the given size.
func NewBatchMetrics(batchSize int) *BatchMetrics {
	return &BatchMetrics{batchSize: batchSize}
}

// RecordSuccess counts one successful message and its processing latency.
func (m *BatchMetrics) RecordSuccess(processingTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successCount++
	m.totalProcessingTime += processingTime
}

// RecordFailure counts one failed message.
func (m *BatchMetrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureCount++
}

// BatchSize returns the original batch size.
func (m *BatchMetrics) BatchSize() int { return m.batchSize }

// SuccessCount returns the number of successful messages so far.
func (m *BatchMetrics) SuccessCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successCount
}

// FailureCount returns the number of failed messages so far.
func (m *BatchMetrics) FailureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failureCount
}

// TotalProcessingTime returns the summed processing latency of the
// successful messages.
func (m *BatchMetrics) TotalProcessingTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalProcessingTime
}

// SuccessRate returns successCount / batchSize.
func (m *BatchMetrics) SuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batchSize == 0 {
		return 0
	}
	return float64(m.successCount) / float64(m.batchSize)
}
