package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and1teachera/price-change-management-system/internal/config"
)

func TestRoutingKeyFor(t *testing.T) {
	assert.Equal(t, "pas.key", RoutingKeyFor("PAS"))
	assert.Equal(t, "pad.key", RoutingKeyFor("PAD"))
	assert.Equal(t, "pad.key", RoutingKeyFor("pad"))
}

func TestPipelineTopology(t *testing.T) {
	queues := config.QueueConfig{
		PAS:           "pas.queue",
		PAD:           "pad.queue",
		PASDeadLetter: "pas.queue.dlq",
		PADDeadLetter: "pad.queue.dlq",
	}
	exchanges := config.ExchangeConfig{
		PAS:        "pas.exchange",
		PAD:        "pad.exchange",
		DeadLetter: "dlx.exchange",
	}

	topology := PipelineTopology(queues, exchanges)

	t.Run("declares durable direct exchanges", func(t *testing.T) {
		require.Len(t, topology.Exchanges, 3)
		for _, ex := range topology.Exchanges {
			assert.Equal(t, "direct", ex.Type, ex.Name)
			assert.True(t, ex.Durable, ex.Name)
		}
	})

	t.Run("primary queues dead letter into the shared exchange", func(t *testing.T) {
		byName := make(map[string]QueueDeclaration)
		for _, q := range topology.Queues {
			byName[q.Name] = q
		}
		require.Len(t, byName, 4)

		pas := byName["pas.queue"]
		assert.Equal(t, "dlx.exchange", pas.Arguments["x-dead-letter-exchange"])
		assert.Equal(t, "pas.queue.dlq", pas.Arguments["x-dead-letter-routing-key"])

		pad := byName["pad.queue"]
		assert.Equal(t, "dlx.exchange", pad.Arguments["x-dead-letter-exchange"])
		assert.Equal(t, "pad.queue.dlq", pad.Arguments["x-dead-letter-routing-key"])

		assert.Nil(t, byName["pas.queue.dlq"].Arguments)
		assert.Nil(t, byName["pad.queue.dlq"].Arguments)
	})

	t.Run("every queue is durable", func(t *testing.T) {
		for _, q := range topology.Queues {
			assert.True(t, q.Durable, q.Name)
		}
	})

	t.Run("bindings route primaries by routing key and dead letters by queue name", func(t *testing.T) {
		assert.Contains(t, topology.Bindings, Binding{
			Queue: "pas.queue", Exchange: "pas.exchange", RoutingKey: "pas.key",
		})
		assert.Contains(t, topology.Bindings, Binding{
			Queue: "pad.queue", Exchange: "pad.exchange", RoutingKey: "pad.key",
		})
		assert.Contains(t, topology.Bindings, Binding{
			Queue: "pas.queue.dlq", Exchange: "dlx.exchange", RoutingKey: "pas.queue.dlq",
		})
		assert.Contains(t, topology.Bindings, Binding{
			Queue: "pad.queue.dlq", Exchange: "dlx.exchange", RoutingKey: "pad.queue.dlq",
		})
	})
}
