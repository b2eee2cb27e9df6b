package rabbitmq

import (
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and1teachera/price-change-management-system/internal/monitoring"
)

type fakeConnection struct {
	mu       sync.Mutex
	closed   bool
	closeErr error
	notify   chan *amqp.Error
}

func (c *fakeConnection) Channel() (*amqp.Channel, error) {
	return nil, errors.New("not supported by fake")
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = receiver
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

// simulateLoss fires the close notification the way the broker library does.
func (c *fakeConnection) simulateLoss() {
	c.mu.Lock()
	c.closed = true
	notify := c.notify
	c.mu.Unlock()
	notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "test loss"}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConnection
	err   error
}

func (d *fakeDialer) dial(string) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConnection{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func TestConnectionRegistry(t *testing.T) {
	t.Run("creates a connection once per id", func(t *testing.T) {
		dialer := &fakeDialer{}
		r := NewConnectionRegistry("amqp://test", WithDialer(dialer.dial))
		defer r.Shutdown()

		first, err := r.Get("publisher")
		require.NoError(t, err)
		second, err := r.Get("publisher")
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, 1, dialer.dialCount())

		_, err = r.Get("consumer")
		require.NoError(t, err)
		assert.Equal(t, 2, dialer.dialCount())
	})

	t.Run("dial failure surfaces as connection error", func(t *testing.T) {
		dialer := &fakeDialer{err: errors.New("broker unreachable")}
		r := NewConnectionRegistry("amqp://test", WithDialer(dialer.dial))
		defer r.Shutdown()

		_, err := r.Get("publisher")

		var cerr *ConnectionError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "publisher", cerr.ConnectionID)
	})

	t.Run("recovers a lost connection", func(t *testing.T) {
		dialer := &fakeDialer{}
		metrics := monitoring.NewSimpleCollector()
		r := NewConnectionRegistry("amqp://test",
			WithDialer(dialer.dial),
			WithRecoveryInterval(10*time.Millisecond),
			WithRegistryMetrics(metrics),
		)
		defer r.Shutdown()

		_, err := r.Get("consumer")
		require.NoError(t, err)

		dialer.conns[0].simulateLoss()

		assert.Eventually(t, func() bool {
			return dialer.dialCount() == 2
		}, time.Second, 5*time.Millisecond, "registry should redial after loss")

		assert.Eventually(t, func() bool {
			conn, err := r.Get("consumer")
			return err == nil && !conn.IsClosed()
		}, time.Second, 5*time.Millisecond)

		assert.Equal(t, int64(1), metrics.Counter("rabbitmq.connections.lost"))
		assert.Equal(t, int64(1), metrics.Counter("rabbitmq.connections.recovered"))
	})

	t.Run("keeps retrying recovery while dialing fails", func(t *testing.T) {
		dialer := &fakeDialer{}
		r := NewConnectionRegistry("amqp://test",
			WithDialer(dialer.dial),
			WithRecoveryInterval(5*time.Millisecond),
		)
		defer r.Shutdown()

		_, err := r.Get("consumer")
		require.NoError(t, err)

		dialer.mu.Lock()
		dialer.err = errors.New("still down")
		dialer.mu.Unlock()
		dialer.conns[0].simulateLoss()

		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 1, dialer.dialCount(), "failed attempts create no connection")

		dialer.mu.Lock()
		dialer.err = nil
		dialer.mu.Unlock()

		assert.Eventually(t, func() bool {
			return dialer.dialCount() == 2
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("refuses creation after shutdown", func(t *testing.T) {
		dialer := &fakeDialer{}
		r := NewConnectionRegistry("amqp://test", WithDialer(dialer.dial))

		_, err := r.Get("publisher")
		require.NoError(t, err)

		r.Shutdown()

		_, err = r.Get("publisher")
		assert.ErrorIs(t, err, ErrConnectionUnavailable)
		assert.True(t, dialer.conns[0].IsClosed())
	})

	t.Run("shutdown completes despite close failures", func(t *testing.T) {
		dialer := &fakeDialer{}
		r := NewConnectionRegistry("amqp://test", WithDialer(dialer.dial))

		_, err := r.Get("publisher")
		require.NoError(t, err)
		dialer.conns[0].closeErr = errors.New("already closing")

		r.Shutdown()

		_, err = r.Get("publisher")
		assert.ErrorIs(t, err, ErrConnectionUnavailable)
	})

	t.Run("shutdown is idempotent", func(t *testing.T) {
		r := NewConnectionRegistry("amqp://test", WithDialer((&fakeDialer{}).dial))
		r.Shutdown()
		r.Shutdown()
	})

	t.Run("sweep removes silently closed connections", func(t *testing.T) {
		dialer := &fakeDialer{}
		metrics := monitoring.NewSimpleCollector()
		r := NewConnectionRegistry("amqp://test",
			WithDialer(dialer.dial),
			WithRegistryMetrics(metrics),
		)
		defer r.Shutdown()

		_, err := r.Get("consumer")
		require.NoError(t, err)

		dialer.conns[0].mu.Lock()
		dialer.conns[0].closed = true
		dialer.conns[0].mu.Unlock()

		r.sweepClosed()

		assert.Equal(t, int64(1), metrics.Counter("rabbitmq.connections.closed"))
		assert.Equal(t, float64(0), metrics.Gauge("rabbitmq.connections.active"))

		// next Get recreates
		_, err = r.Get("consumer")
		require.NoError(t, err)
		assert.Equal(t, 2, dialer.dialCount())
	})
}
