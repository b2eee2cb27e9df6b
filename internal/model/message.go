// Package model holds the wire-level price adjustment message, its metadata
// and the per-batch processing aggregates. Everything here is plain data;
// status transitions are driven by the reliability and consumer packages.
package model

import (
	"fmt"
	"strings"
	"time"
)

// wireTimeLayout is the fixed date-time format used on the wire.
const wireTimeLayout = "2006-01-02T15:04:05"

// AdjustmentType enumerates the supported price adjustment actions.
type AdjustmentType string

const (
	PriceAdj           AdjustmentType = "PRICE_ADJ"
	PriceAdjCancel     AdjustmentType = "PRICE_ADJ_CANCEL"
	PriceRestore       AdjustmentType = "PRICE_RESTORE"
	PriceRestoreCancel AdjustmentType = "PRICE_RESTORE_CANCEL"
)

// Valid reports whether the type is one of the enumerated actions.
func (t AdjustmentType) Valid() bool {
	switch t {
	case PriceAdj, PriceAdjCancel, PriceRestore, PriceRestoreCancel:
		return true
	}
	return false
}

// IsCancellation reports whether the action cancels a prior adjustment.
func (t AdjustmentType) IsCancellation() bool {
	return t == PriceAdjCancel || t == PriceRestoreCancel
}

// Timestamp is a time.Time that marshals using the fixed wire format
// yyyy-MM-dd'T'HH:mm:ss without a zone designator.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to second precision, matching the wire format.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.Truncate(time.Second)}
}

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + ts.Format(wireTimeLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		ts.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(wireTimeLayout, s)
	if err != nil {
		return fmt.Errorf("model: invalid timestamp %q: %w", s, err)
	}
	ts.Time = parsed
	return nil
}

// PriceAdjustmentMessage is the payload carried on both the schedule (PAS)
// and directive (PAD) queues. AdjustmentAmount and AdjustmentPercentage are
// mutually exclusive; exactly one must be present.
type PriceAdjustmentMessage struct {
	EventID              string         `json:"eventId" validate:"required"`
	SkuID                string         `json:"skuId" validate:"required,min=1,max=50"`
	NodeKey              string         `json:"nodeKey,omitempty"`
	LocationID           string         `json:"locationId,omitempty"`
	AdjustmentType       AdjustmentType `json:"adjustmentType" validate:"required"`
	AdjustmentAmount     *float64       `json:"adjustmentAmount,omitempty"`
	AdjustmentPercentage *float64       `json:"adjustmentPercentage,omitempty"`
	EffectiveDate        Timestamp      `json:"effectiveDate,omitempty"`
	SourceDate           Timestamp      `json:"sourceDate,omitempty"`
	Metadata             *Metadata      `json:"metadata"`
}

// ID returns the logical message identifier, falling back to the event id
// when no metadata is attached yet.
func (m *PriceAdjustmentMessage) ID() string {
	if m.Metadata != nil && m.Metadata.MessageID != "" {
		return m.Metadata.MessageID
	}
	return m.EventID
}

// EnsureMetadata attaches a fresh metadata record if the producer sent none.
func (m *PriceAdjustmentMessage) EnsureMetadata() *Metadata {
	if m.Metadata == nil {
		m.Metadata = NewMetadata(m.EventID)
	}
	return m.Metadata
}
