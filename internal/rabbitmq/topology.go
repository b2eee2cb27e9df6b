package rabbitmq

import (
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/and1teachera/price-change-management-system/internal/config"
)

// topologyConnectionID is the registry id of the connection used for
// declarations.
const topologyConnectionID = "topology"

// RoutingKeyFor derives the routing key for a queue type: the lowercased
// type plus a fixed suffix ("PAS" -> "pas.key").
func RoutingKeyFor(queueType string) string {
	return strings.ToLower(queueType) + ".key"
}

// ExchangeDeclaration defines an exchange to be declared.
type ExchangeDeclaration struct {
	Name      string
	Type      string
	Durable   bool
	Arguments amqp.Table
}

// QueueDeclaration defines a queue to be declared.
type QueueDeclaration struct {
	Name      string
	Durable   bool
	Arguments amqp.Table
}

// Binding defines a queue-to-exchange binding.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is the complete broker topology for the pipeline.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// PipelineTopology builds the PAS/PAD topology: one direct exchange and one
// durable queue per message category, each queue dead-lettering into the
// shared DLX, and one DLQ per category bound to the DLX.
func PipelineTopology(queues config.QueueConfig, exchanges config.ExchangeConfig) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: exchanges.PAS, Type: "direct", Durable: true},
			{Name: exchanges.PAD, Type: "direct", Durable: true},
			{Name: exchanges.DeadLetter, Type: "direct", Durable: true},
		},
		Queues: []QueueDeclaration{
			{
				Name:    queues.PAS,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    exchanges.DeadLetter,
					"x-dead-letter-routing-key": queues.PASDeadLetter,
				},
			},
			{
				Name:    queues.PAD,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    exchanges.DeadLetter,
					"x-dead-letter-routing-key": queues.PADDeadLetter,
				},
			},
			{Name: queues.PASDeadLetter, Durable: true},
			{Name: queues.PADDeadLetter, Durable: true},
		},
		Bindings: []Binding{
			{Queue: queues.PAS, Exchange: exchanges.PAS, RoutingKey: RoutingKeyFor("PAS")},
			{Queue: queues.PAD, Exchange: exchanges.PAD, RoutingKey: RoutingKeyFor("PAD")},
			{Queue: queues.PASDeadLetter, Exchange: exchanges.DeadLetter, RoutingKey: queues.PASDeadLetter},
			{Queue: queues.PADDeadLetter, Exchange: exchanges.DeadLetter, RoutingKey: queues.PADDeadLetter},
		},
	}
}

// TopologyManager declares exchanges, queues and bindings on the broker.
type TopologyManager struct {
	registry *ConnectionRegistry
}

// NewTopologyManager creates a topology manager backed by the registry.
func NewTopologyManager(registry *ConnectionRegistry) *TopologyManager {
	return &TopologyManager{registry: registry}
}

// Declare declares the complete topology on a short-lived channel.
func (tm *TopologyManager) Declare(topology Topology) error {
	conn, err := tm.registry.Get(topologyConnectionID)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return &TopologyError{Component: "channel", Name: topologyConnectionID, Op: "open", Err: err}
	}
	defer ch.Close()

	for _, exchange := range topology.Exchanges {
		if err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			false, // auto-delete
			false, // internal
			false, // no-wait
			exchange.Arguments,
		); err != nil {
			return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
		}
	}

	for _, queue := range topology.Queues {
		if _, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			queue.Arguments,
		); err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
		}
	}

	for _, binding := range topology.Bindings {
		if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, nil); err != nil {
			return &TopologyError{Component: "binding", Name: binding.Queue, Op: "bind", Err: err}
		}
	}

	return nil
}
