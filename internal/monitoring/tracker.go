package monitoring

import (
	"sync"
	"time"

	"github.com/and1teachera/price-change-management-system/internal/model"
)

// Stage identifies a point in a message's lifecycle for tracking purposes.
type Stage string

const (
	StageReceived     Stage = "RECEIVED"
	StageProcessed    Stage = "PROCESSED"
	StageFailed       Stage = "FAILED"
	StageCompleted    Stage = "COMPLETED"
	StageDeadLettered Stage = "DEAD_LETTERED"
)

// MessageTracker records per-message lifecycle stages and emits the
// region/type tagged counters and timers plus the in-progress gauge.
type MessageTracker struct {
	collector Collector
	mu        sync.Mutex
	stats     map[string]*messageStats
}

type messageStats struct {
	region     string
	receivedAt time.Time
}

// NewMessageTracker creates a tracker emitting into the given collector.
func NewMessageTracker(collector Collector) *MessageTracker {
	return &MessageTracker{
		collector: collector,
		stats:     make(map[string]*messageStats),
	}
}

// Track records a lifecycle stage for the message. COMPLETED and
// DEAD_LETTERED are terminal and remove the in-flight entry; RECEIVED
// (re)creates it. FAILED keeps the entry alive for the retry.
func (t *MessageTracker) Track(msg *model.PriceAdjustmentMessage, stage Stage) {
	meta := msg.EnsureMetadata()
	region := meta.SourceRegion
	msgType := string(msg.AdjustmentType)

	t.mu.Lock()
	stats, ok := t.stats[meta.MessageID]
	if !ok {
		stats = &messageStats{region: region, receivedAt: time.Now()}
		t.stats[meta.MessageID] = stats
	}

	switch stage {
	case StageReceived:
		stats.receivedAt = time.Now()
		t.collector.IncrementCounter("messages.received", "region", region, "type", msgType)
	case StageProcessed:
		t.collector.RecordTimer("message.processing.time", time.Since(stats.receivedAt), "region", stats.region)
	case StageFailed:
		t.collector.IncrementCounter("messages.failed", "region", region, "type", msgType)
	case StageCompleted:
		t.collector.RecordTimer("message.total.time", time.Since(stats.receivedAt), "region", stats.region)
		t.collector.IncrementCounter("messages.processed", "region", region, "type", msgType)
		delete(t.stats, meta.MessageID)
	case StageDeadLettered:
		t.collector.IncrementCounter("messages.dead_lettered", "region", region, "type", msgType)
		delete(t.stats, meta.MessageID)
	}

	t.collector.SetGauge("messages.in_progress", float64(len(t.stats)))
	t.mu.Unlock()
}

// InFlight returns the number of messages currently tracked.
func (t *MessageTracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stats)
}
