package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and1teachera/price-change-management-system/internal/model"
)

type ackCall struct {
	tag     uint64
	op      string
	requeue bool
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	calls []ackCall
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.record(ackCall{tag: tag, op: "ack"})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.record(ackCall{tag: tag, op: "nack", requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.record(ackCall{tag: tag, op: "reject", requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) record(c ackCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, c)
}

func (a *fakeAcknowledger) snapshot() []ackCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ackCall(nil), a.calls...)
}

func delivery(t *testing.T, ack amqp.Acknowledger, tag uint64, id string) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(batchMessage(id))
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}

// newTestListener builds a listener without a broker subscription; tests push
// deliveries straight into the assembly loop.
func newTestListener(process ProcessorFunc, options ...ListenerOption) *BatchListener {
	batch := newPipeline(process)
	return NewBatchListener(nil, batch, "pas.queue", TypeSchedule, options...)
}

func TestBatchListener(t *testing.T) {
	t.Run("flushes when the batch size is reached", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		l := newTestListener(
			func(context.Context, *model.PriceAdjustmentMessage) error { return nil },
			WithListenerBatchSize(2),
			WithListenerBatchTimeout(time.Hour),
		)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go l.assemble(ctx)

		l.deliveries <- delivery(t, ack, 1, "1")
		l.deliveries <- delivery(t, ack, 2, "2")

		assert.Eventually(t, func() bool {
			return len(ack.snapshot()) == 2
		}, time.Second, 5*time.Millisecond)

		for _, call := range ack.snapshot() {
			assert.Equal(t, "ack", call.op)
		}
	})

	t.Run("flushes a partial batch on timeout", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		l := newTestListener(
			func(context.Context, *model.PriceAdjustmentMessage) error { return nil },
			WithListenerBatchSize(100),
			WithListenerBatchTimeout(20*time.Millisecond),
		)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go l.assemble(ctx)

		l.deliveries <- delivery(t, ack, 1, "1")

		assert.Eventually(t, func() bool {
			calls := ack.snapshot()
			return len(calls) == 1 && calls[0].op == "ack"
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("requeues messages that earned a retry", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		l := newTestListener(
			func(context.Context, *model.PriceAdjustmentMessage) error { return errors.New("transient") },
			WithListenerBatchSize(1),
		)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go l.assemble(ctx)

		l.deliveries <- delivery(t, ack, 7, "1")

		assert.Eventually(t, func() bool {
			calls := ack.snapshot()
			return len(calls) == 1 && calls[0].op == "nack" && calls[0].requeue
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("rejects exhausted messages into the dead letter exchange", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		l := newTestListener(
			func(context.Context, *model.PriceAdjustmentMessage) error { return errors.New("still broken") },
			WithListenerBatchSize(1),
		)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go l.assemble(ctx)

		msg := batchMessage("1")
		msg.Metadata.RetryCount = 3
		body, err := json.Marshal(msg)
		require.NoError(t, err)
		l.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 9, Body: body}

		assert.Eventually(t, func() bool {
			calls := ack.snapshot()
			return len(calls) == 1 && calls[0].op == "nack" && !calls[0].requeue
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("rejects undecodable payloads immediately", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		l := newTestListener(
			func(context.Context, *model.PriceAdjustmentMessage) error { return nil },
			WithListenerBatchSize(10),
		)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go l.assemble(ctx)

		l.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte("{broken")}

		assert.Eventually(t, func() bool {
			calls := ack.snapshot()
			return len(calls) == 1 && calls[0].op == "nack" && !calls[0].requeue
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("requeues pending deliveries on shutdown", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		l := newTestListener(
			func(context.Context, *model.PriceAdjustmentMessage) error { return nil },
			WithListenerBatchSize(100),
			WithListenerBatchTimeout(time.Hour),
		)

		ctx, cancel := context.WithCancel(context.Background())
		go l.assemble(ctx)

		l.deliveries <- delivery(t, ack, 1, "1")
		l.deliveries <- delivery(t, ack, 2, "2")

		// let the loop pull both before cancelling
		assert.Eventually(t, func() bool {
			return len(l.deliveries) == 0
		}, time.Second, time.Millisecond)
		cancel()
		<-l.Done()

		calls := ack.snapshot()
		require.Len(t, calls, 2)
		for _, call := range calls {
			assert.Equal(t, "nack", call.op)
			assert.True(t, call.requeue)
		}
	})
}
