package rabbitmq

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/and1teachera/price-change-management-system/internal/monitoring"
)

// Connection is the subset of the broker connection used by the registry and
// its clients. *amqp.Connection satisfies it.
type Connection interface {
	Channel() (*amqp.Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer establishes a broker connection.
type Dialer func(url string) (Connection, error)

func defaultDialer(url string) (Connection, error) {
	return amqp.Dial(url)
}

// ConnectionRegistry owns named broker connections. Connections are created
// lazily on first use, monitored for liveness, and recovered automatically on
// loss. After Shutdown all creation and recovery is refused.
type ConnectionRegistry struct {
	url              string
	dial             Dialer
	recoveryInterval time.Duration
	monitorInterval  time.Duration
	logger           *slog.Logger
	metrics          monitoring.Collector

	mu    sync.RWMutex
	conns map[string]Connection

	shutdown  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// RegistryOption configures the connection registry.
type RegistryOption func(*ConnectionRegistry)

// WithDialer overrides how connections are established.
func WithDialer(dial Dialer) RegistryOption {
	return func(r *ConnectionRegistry) {
		r.dial = dial
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *ConnectionRegistry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics sink.
func WithRegistryMetrics(collector monitoring.Collector) RegistryOption {
	return func(r *ConnectionRegistry) {
		r.metrics = collector
	}
}

// WithRecoveryInterval sets the fixed cadence of recovery attempts.
func WithRecoveryInterval(interval time.Duration) RegistryOption {
	return func(r *ConnectionRegistry) {
		r.recoveryInterval = interval
	}
}

// WithMonitorInterval sets the cadence of the liveness sweep.
func WithMonitorInterval(interval time.Duration) RegistryOption {
	return func(r *ConnectionRegistry) {
		r.monitorInterval = interval
	}
}

// NewConnectionRegistry creates a registry for the given broker URL and
// starts the background liveness sweep.
func NewConnectionRegistry(url string, options ...RegistryOption) *ConnectionRegistry {
	r := &ConnectionRegistry{
		url:              url,
		dial:             defaultDialer,
		recoveryInterval: 5 * time.Second,
		monitorInterval:  30 * time.Second,
		logger:           slog.Default(),
		metrics:          monitoring.NopCollector{},
		conns:            make(map[string]Connection),
		done:             make(chan struct{}),
	}

	for _, opt := range options {
		opt(r)
	}

	r.wg.Add(1)
	go r.monitorConnections()

	return r
}

// Get returns the connection for the given id, creating it on first use.
// Subsequent calls with the same id reuse the live connection. Fails with
// ErrConnectionUnavailable once shutdown has been initiated.
func (r *ConnectionRegistry) Get(connectionID string) (Connection, error) {
	if r.shutdown.Load() {
		return nil, ErrConnectionUnavailable
	}

	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if ok {
		return conn, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown.Load() {
		return nil, ErrConnectionUnavailable
	}
	if conn, ok := r.conns[connectionID]; ok {
		return conn, nil
	}

	conn, err := r.dial(r.url)
	if err != nil {
		r.logger.Error("failed to create connection", "connectionId", connectionID, "error", err)
		return nil, &ConnectionError{
			Op:           "create",
			ConnectionID: connectionID,
			Err:          err,
			Timestamp:    time.Now(),
		}
	}

	r.conns[connectionID] = conn
	r.watchConnection(connectionID, conn)

	r.metrics.IncrementCounter("rabbitmq.connections.created")
	r.metrics.SetGauge("rabbitmq.connections.active", float64(len(r.conns)))
	r.logger.Info("connection created", "connectionId", connectionID)

	return conn, nil
}

// watchConnection attaches a loss listener that schedules recovery. Recovery
// re-attaches a listener on success, so it is self-perpetuating. Must be
// called with r.mu held or before the connection is visible to other
// goroutines.
func (r *ConnectionRegistry) watchConnection(connectionID string, conn Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		select {
		case <-r.done:
			return
		case amqpErr := <-closed:
			if r.shutdown.Load() {
				return
			}
			r.logger.Warn("connection lost, initiating recovery",
				"connectionId", connectionID, "error", amqpErr)
			r.metrics.IncrementCounter("rabbitmq.connections.lost")
			r.recoverConnection(connectionID)
		}
	}()
}

// recoverConnection retries connection creation on a fixed interval until
// success or shutdown. Failures are logged, never surfaced.
func (r *ConnectionRegistry) recoverConnection(connectionID string) {
	ticker := time.NewTicker(r.recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			conn, err := r.dial(r.url)
			if err != nil {
				r.logger.Error("recovery attempt failed", "connectionId", connectionID, "error", err)
				continue
			}

			r.mu.Lock()
			if r.shutdown.Load() {
				r.mu.Unlock()
				_ = conn.Close()
				return
			}
			r.conns[connectionID] = conn
			r.watchConnection(connectionID, conn)
			active := len(r.conns)
			r.mu.Unlock()

			r.metrics.IncrementCounter("rabbitmq.connections.recovered")
			r.metrics.SetGauge("rabbitmq.connections.active", float64(active))
			r.logger.Info("connection recovered", "connectionId", connectionID)
			return
		}
	}
}

// monitorConnections sweeps for entries whose connection is no longer open
// and removes them; the next Get recreates the connection.
func (r *ConnectionRegistry) monitorConnections() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if r.shutdown.Load() {
				return
			}
			r.sweepClosed()
		}
	}
}

func (r *ConnectionRegistry) sweepClosed() {
	r.mu.Lock()
	for id, conn := range r.conns {
		if conn.IsClosed() {
			delete(r.conns, id)
			r.logger.Warn("detected closed connection", "connectionId", id)
			r.metrics.IncrementCounter("rabbitmq.connections.closed")
		}
	}
	active := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetGauge("rabbitmq.connections.active", float64(active))
}

// Shutdown gates all further creation and recovery, closes every live
// connection and stops the background goroutines. Close failures are logged,
// not raised; shutdown always completes.
func (r *ConnectionRegistry) Shutdown() {
	r.closeOnce.Do(func() {
		r.shutdown.Store(true)
		close(r.done)

		r.mu.Lock()
		conns := r.conns
		r.conns = make(map[string]Connection)
		r.mu.Unlock()

		for id, conn := range conns {
			if err := conn.Close(); err != nil {
				r.logger.Error("error closing connection", "connectionId", id, "error", err)
				continue
			}
			r.logger.Info("closed connection", "connectionId", id)
		}

		r.metrics.SetGauge("rabbitmq.connections.active", 0)
		r.wg.Wait()
		r.logger.Info("connection registry shutdown complete")
	})
}
