// Package config defines the service configuration. Values are resolved from
// the OS environment (optionally seeded from a dotenv file), validated once at
// startup, and never mutated afterwards.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration for the price change management
// pipeline. Populated once during process initialization.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Rabbit    RabbitConfig
	Consumer  ConsumerConfig
	Queues    QueueConfig
	Exchanges ExchangeConfig
	Publisher PublisherConfig
}

// RabbitConfig holds broker connection parameters.
type RabbitConfig struct {
	Host       string `envconfig:"RABBITMQ_HOST" validate:"required"`
	Port       int    `envconfig:"RABBITMQ_PORT" default:"5672" validate:"min=1,max=65535"`
	Username   string `envconfig:"RABBITMQ_USERNAME" validate:"required"`
	Password   string `envconfig:"RABBITMQ_PASSWORD" validate:"required"`
	VHost      string `envconfig:"RABBITMQ_VHOST" default:"/"`
	TLSEnabled bool   `envconfig:"RABBITMQ_SSL_ENABLED" default:"true"`
}

// URL builds the AMQP connection URI.
func (r RabbitConfig) URL() string {
	scheme := "amqp"
	if r.TLSEnabled {
		scheme = "amqps"
	}
	vhost := r.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, r.Username, r.Password, r.Host, r.Port, vhost)
}

// ConsumerConfig holds batch assembly and processing parameters.
type ConsumerConfig struct {
	BatchSize            int           `envconfig:"CONSUMER_BATCH_SIZE" default:"100" validate:"min=1"`
	BatchTimeout         time.Duration `envconfig:"CONSUMER_BATCH_TIMEOUT" default:"5s" validate:"min=1ms"`
	ConcurrentProcessors int           `envconfig:"CONSUMER_CONCURRENT_PROCESSORS" default:"8" validate:"min=1"`
}

// QueueConfig holds the primary and dead-letter queue names.
type QueueConfig struct {
	PAS           string `envconfig:"QUEUE_PAS" default:"pas.queue"`
	PAD           string `envconfig:"QUEUE_PAD" default:"pad.queue"`
	PASDeadLetter string `envconfig:"QUEUE_PAS_DLQ" default:"pas.queue.dlq"`
	PADDeadLetter string `envconfig:"QUEUE_PAD_DLQ" default:"pad.queue.dlq"`
}

// ExchangeConfig holds the exchange names.
type ExchangeConfig struct {
	PAS        string `envconfig:"EXCHANGE_PAS" default:"pas.exchange"`
	PAD        string `envconfig:"EXCHANGE_PAD" default:"pad.exchange"`
	DeadLetter string `envconfig:"EXCHANGE_DLX" default:"dlx.exchange"`
}

// PublisherConfig holds outbound publishing parameters.
type PublisherConfig struct {
	ConfirmTimeout time.Duration `envconfig:"PUBLISHER_CONFIRM_TIMEOUT" default:"5s" validate:"min=1ms"`
}
