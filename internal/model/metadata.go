package model

import "time"

// ProcessingStatus tracks a message through its lifecycle. The progression is
// one-way except for the PROCESSING<->FAILED cycle during retries;
// COMPLETED and DEAD_LETTERED are terminal.
type ProcessingStatus string

const (
	StatusNew          ProcessingStatus = "NEW"
	StatusProcessing   ProcessingStatus = "PROCESSING"
	StatusCompleted    ProcessingStatus = "COMPLETED"
	StatusFailed       ProcessingStatus = "FAILED"
	StatusDeadLettered ProcessingStatus = "DEAD_LETTERED"
)

// Terminal reports whether no further transitions are allowed.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered
}

// Metadata is the per-message bookkeeping record embedded in every
// PriceAdjustmentMessage. RetryCount is monotonically non-decreasing until a
// terminal status is reached. Mutated only by the error handler and the
// dead-letter reconciler.
type Metadata struct {
	MessageID    string            `json:"messageId"`
	RetryCount   int               `json:"retryCount"`
	Timestamp    time.Time         `json:"timestamp"`
	SourceRegion string            `json:"sourceRegion,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Status       ProcessingStatus  `json:"status"`
}

// NewMetadata creates a metadata record in the NEW state.
func NewMetadata(messageID string) *Metadata {
	return &Metadata{
		MessageID: messageID,
		Timestamp: time.Now(),
		Headers:   make(map[string]string),
		Status:    StatusNew,
	}
}

// IncrementRetryCount bumps the retry counter by one.
func (m *Metadata) IncrementRetryCount() {
	m.RetryCount++
}

// AddHeader records an application header on the message.
func (m *Metadata) AddHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}
