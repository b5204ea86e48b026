package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

type Config struct {
	Brokers  []string
	ClientID string
	// Retries made by sarama itself before a message is reported failed
	MaxRetries   int
	RetryBackoff time.Duration
	// Largest record the producer accepts, 0 = sarama default
	MaxMessageBytes int
}

// NewProducerConfig returns an idempotent producer config that reports both
// successes and errors, as required by Broker.
func NewProducerConfig(cfg Config) *sarama.Config {
	sc := sarama.NewConfig()

	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	sc.Version = sarama.V2_8_0_0
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	if cfg.MaxRetries > 0 {
		sc.Producer.Retry.Max = cfg.MaxRetries
	}
	if cfg.RetryBackoff > 0 {
		sc.Producer.Retry.Backoff = cfg.RetryBackoff
	}
	if cfg.MaxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	}

	return sc
}

// NewAsyncProducer dials the cluster with NewProducerConfig.
func NewAsyncProducer(cfg Config) (sarama.AsyncProducer, error) {
	const op = "kafka.NewAsyncProducer"

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%s: no brokers configured", op)
	}

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, NewProducerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return producer, nil
}
