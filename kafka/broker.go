package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
	"github.com/fedotovmax/relay"
)

var _ relay.Broker = (*Broker)(nil)

// Producer is the part of sarama.AsyncProducer the broker relies on.
type Producer interface {
	Input() chan<- *sarama.ProducerMessage
	Successes() <-chan *sarama.ProducerMessage
	Errors() <-chan *sarama.ProducerError
	AsyncClose()
}

// Broker publishes outbox messages through an async producer and waits for
// the acknowledgement of each message before reporting the outcome.
type Broker struct {
	producer    Producer
	log         *slog.Logger
	topicPrefix string

	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Broker)

// WithTopicPrefix prepends prefix to every event type when picking the topic.
func WithTopicPrefix(prefix string) Option {
	return func(b *Broker) {
		b.topicPrefix = prefix
	}
}

type messageMetadata struct {
	ID   string
	Type string
	done chan error
}

// New starts the acknowledgement monitors. The producer must be configured
// with Producer.Return.Successes and Producer.Return.Errors enabled.
func New(l *slog.Logger, p Producer, opts ...Option) *Broker {
	if l == nil {
		l = slog.Default()
	}

	b := &Broker{
		producer: p,
		log:      l,
	}

	for _, opt := range opts {
		opt(b)
	}

	b.successesMonitoring()
	b.errorsMonitoring()

	return b
}

func (b *Broker) Publish(ctx context.Context, m relay.Message) error {
	const op = "kafka.broker.Publish"

	done := make(chan error, 1)

	msg := &sarama.ProducerMessage{
		Topic: b.topicPrefix + m.Topic,
		Key:   sarama.StringEncoder(m.Key),
		Value: sarama.ByteEncoder(m.Payload),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("event_id"),
				Value: []byte(m.IdempotencyToken),
			},
			{
				Key:   []byte("event_type"),
				Value: []byte(m.Topic),
			},
		},
		Metadata: &messageMetadata{
			ID:   m.IdempotencyToken,
			Type: m.Topic,
			done: done,
		},
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: event_id: %s: %w", op, m.IdempotencyToken, ctx.Err())
	case b.producer.Input() <- msg:
	}

	select {
	case <-ctx.Done():
		// the producer may still deliver it; a second publish is acceptable
		return fmt.Errorf("%s: event_id: %s: awaiting ack: %w", op, m.IdempotencyToken, ctx.Err())
	case err := <-done:
		if err == nil {
			return nil
		}
		if isFatal(err) {
			return relay.Fatal(fmt.Errorf("%s: event_id: %s: %w", op, m.IdempotencyToken, err))
		}
		return fmt.Errorf("%s: event_id: %s: %w", op, m.IdempotencyToken, err)
	}
}

// Close shuts the producer down and waits until every buffered message has
// been acknowledged through the monitors, so no Publish is left waiting.
func (b *Broker) Close() error {
	const op = "kafka.broker.Close"

	log := b.log.With(slog.String("op", op))

	b.closeOnce.Do(func() {
		b.producer.AsyncClose()
		b.wg.Wait()
		log.Info("producer closed")
	})

	return nil
}

func (b *Broker) successesMonitoring() {
	const op = "kafka.broker.successesMonitoring"

	log := b.log.With(slog.String("op", op))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range b.producer.Successes() {
			m, ok := msg.Metadata.(*messageMetadata)
			if !ok {
				continue
			}
			log.Debug("event acknowledged",
				slog.String("event_id", m.ID),
				slog.String("topic", msg.Topic),
				slog.Int("partition", int(msg.Partition)),
				slog.Int64("offset", msg.Offset))
			m.done <- nil
		}
		log.Info("monitoring [successes] stopped: channel closed")
	}()
}

func (b *Broker) errorsMonitoring() {
	const op = "kafka.broker.errorsMonitoring"

	log := b.log.With(slog.String("op", op))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for produceErr := range b.producer.Errors() {
			if produceErr == nil || produceErr.Msg == nil {
				continue
			}
			m, ok := produceErr.Msg.Metadata.(*messageMetadata)
			if !ok {
				continue
			}
			log.Warn("event send failed",
				slog.String("event_id", m.ID),
				slog.String("error", produceErr.Err.Error()))
			m.done <- produceErr.Err
		}
		log.Info("monitoring [errors] stopped: channel closed")
	}()
}

// fatalErrors are rejections that no amount of retrying will fix.
var fatalErrors = []error{
	sarama.ErrMessageSizeTooLarge,
	sarama.ErrInvalidMessage,
	sarama.ErrInvalidTopic,
	sarama.ErrUnknownTopicOrPartition,
	sarama.ErrTopicAuthorizationFailed,
}

func isFatal(err error) bool {
	for _, fatal := range fatalErrors {
		if errors.Is(err, fatal) {
			return true
		}
	}
	return false
}
