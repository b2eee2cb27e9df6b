package reliability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/and1teachera/price-change-management-system/internal/model"
)

// ArchivedMessage is the durable record of a message that permanently failed
// dead-letter reprocessing.
type ArchivedMessage struct {
	MessageID   string
	QueueType   string
	Attempts    int
	FirstSeen   time.Time
	LastAttempt time.Time
	LastError   string
	Message     *model.PriceAdjustmentMessage
	ArchivedAt  time.Time
}

// ArchiveStore persists permanently failed messages for offline inspection.
type ArchiveStore interface {
	Archive(ctx context.Context, record ArchivedMessage) error
	Get(ctx context.Context, messageID string) (ArchivedMessage, bool, error)
	List(ctx context.Context) ([]ArchivedMessage, error)
}

// InMemoryArchive is a mutex-guarded ArchiveStore for single-process
// deployments and tests.
type InMemoryArchive struct {
	mu      sync.RWMutex
	records map[string]ArchivedMessage
}

// NewInMemoryArchive creates an empty archive.
func NewInMemoryArchive() *InMemoryArchive {
	return &InMemoryArchive{records: make(map[string]ArchivedMessage)}
}

// Archive stores the record, replacing any prior entry for the same message.
func (a *InMemoryArchive) Archive(_ context.Context, record ArchivedMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if record.ArchivedAt.IsZero() {
		record.ArchivedAt = time.Now()
	}
	a.records[record.MessageID] = record
	return nil
}

// Get returns the archived record for a message id.
func (a *InMemoryArchive) Get(_ context.Context, messageID string) (ArchivedMessage, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	record, ok := a.records[messageID]
	return record, ok, nil
}

// List returns all archived records ordered by archive time.
func (a *InMemoryArchive) List(_ context.Context) ([]ArchivedMessage, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	records := make([]ArchivedMessage, 0, len(a.records))
	for _, record := range a.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ArchivedAt.Before(records[j].ArchivedAt)
	})
	return records, nil
}

// Len returns the number of archived records.
func (a *InMemoryArchive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}
