package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp(t *testing.T) {
	t.Run("marshals in wire format without zone", func(t *testing.T) {
		ts := NewTimestamp(time.Date(2025, 3, 15, 10, 30, 45, 0, time.UTC))
		data, err := json.Marshal(ts)
		require.NoError(t, err)
		assert.Equal(t, `"2025-03-15T10:30:45"`, string(data))
	})

	t.Run("drops sub-second precision", func(t *testing.T) {
		ts := NewTimestamp(time.Date(2025, 3, 15, 10, 30, 45, 999999999, time.UTC))
		data, err := json.Marshal(ts)
		require.NoError(t, err)
		assert.Equal(t, `"2025-03-15T10:30:45"`, string(data))
	})

	t.Run("round trips", func(t *testing.T) {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(`"2025-03-15T10:30:45"`), &ts))
		assert.Equal(t, 2025, ts.Year())
		assert.Equal(t, 45, ts.Second())

		data, err := json.Marshal(ts)
		require.NoError(t, err)
		assert.Equal(t, `"2025-03-15T10:30:45"`, string(data))
	})

	t.Run("zero value marshals as null", func(t *testing.T) {
		data, err := json.Marshal(Timestamp{})
		require.NoError(t, err)
		assert.Equal(t, "null", string(data))
	})

	t.Run("null unmarshals to zero value", func(t *testing.T) {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte("null"), &ts))
		assert.True(t, ts.IsZero())
	})

	t.Run("rejects zoned timestamps", func(t *testing.T) {
		var ts Timestamp
		err := json.Unmarshal([]byte(`"2025-03-15T10:30:45Z"`), &ts)
		assert.Error(t, err)
	})
}

func TestAdjustmentType(t *testing.T) {
	t.Run("validates known types", func(t *testing.T) {
		for _, at := range []AdjustmentType{PriceAdj, PriceAdjCancel, PriceRestore, PriceRestoreCancel} {
			assert.True(t, at.Valid(), string(at))
		}
		assert.False(t, AdjustmentType("PRICE_FREEZE").Valid())
	})

	t.Run("identifies cancellations", func(t *testing.T) {
		assert.True(t, PriceAdjCancel.IsCancellation())
		assert.True(t, PriceRestoreCancel.IsCancellation())
		assert.False(t, PriceAdj.IsCancellation())
		assert.False(t, PriceRestore.IsCancellation())
	})
}

func TestPriceAdjustmentMessage(t *testing.T) {
	t.Run("ID prefers metadata message id", func(t *testing.T) {
		msg := &PriceAdjustmentMessage{
			EventID:  "12345",
			Metadata: &Metadata{MessageID: "msg-1"},
		}
		assert.Equal(t, "msg-1", msg.ID())
	})

	t.Run("ID falls back to event id", func(t *testing.T) {
		msg := &PriceAdjustmentMessage{EventID: "12345"}
		assert.Equal(t, "12345", msg.ID())
	})

	t.Run("EnsureMetadata attaches NEW record once", func(t *testing.T) {
		msg := &PriceAdjustmentMessage{EventID: "12345"}
		meta := msg.EnsureMetadata()
		require.NotNil(t, meta)
		assert.Equal(t, "12345", meta.MessageID)
		assert.Equal(t, StatusNew, meta.Status)

		meta.Status = StatusProcessing
		assert.Same(t, meta, msg.EnsureMetadata())
	})

	t.Run("decodes producer payload", func(t *testing.T) {
		payload := `{
			"eventId": "98765",
			"skuId": "SKU-001",
			"adjustmentType": "PRICE_ADJ",
			"adjustmentAmount": 12.5,
			"effectiveDate": "2025-06-01T00:00:00",
			"metadata": {"messageId": "m-1", "retryCount": 2, "status": "PROCESSING"}
		}`

		var msg PriceAdjustmentMessage
		require.NoError(t, json.Unmarshal([]byte(payload), &msg))
		assert.Equal(t, "98765", msg.EventID)
		assert.Equal(t, PriceAdj, msg.AdjustmentType)
		require.NotNil(t, msg.AdjustmentAmount)
		assert.Equal(t, 12.5, *msg.AdjustmentAmount)
		assert.Nil(t, msg.AdjustmentPercentage)
		assert.Equal(t, 2, msg.Metadata.RetryCount)
		assert.Equal(t, StatusProcessing, msg.Metadata.Status)
	})
}

func TestProcessingStatus(t *testing.T) {
	t.Run("terminal states", func(t *testing.T) {
		assert.True(t, StatusCompleted.Terminal())
		assert.True(t, StatusDeadLettered.Terminal())
		assert.False(t, StatusNew.Terminal())
		assert.False(t, StatusProcessing.Terminal())
		assert.False(t, StatusFailed.Terminal())
	})
}

func TestBatchMetrics(t *testing.T) {
	t.Run("aggregates outcomes", func(t *testing.T) {
		m := NewBatchMetrics(4)
		m.RecordSuccess(100 * time.Millisecond)
		m.RecordSuccess(200 * time.Millisecond)
		m.RecordFailure()

		assert.Equal(t, 4, m.BatchSize())
		assert.Equal(t, 2, m.SuccessCount())
		assert.Equal(t, 1, m.FailureCount())
		assert.Equal(t, 300*time.Millisecond, m.TotalProcessingTime())
		assert.InDelta(t, 0.5, m.SuccessRate(), 0.001)
	})

	t.Run("empty batch has zero rate", func(t *testing.T) {
		assert.Zero(t, NewBatchMetrics(0).SuccessRate())
	})
}
