package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shopify/sarama"

	"github.com/alimk/ecowatch-sync/pkg/mirror"
)

// Kafka produces one message per sensor view, keyed by device id so every
// reading of a device lands on the same partition in order.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafka connects a synchronous producer to brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaWithProducer(p, topic), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(p sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: p, topic: topic}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Write(_ context.Context, b mirror.Batch) error {
	if len(b.Views) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(b.Views))
	for _, v := range b.Views {
		value, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", v.DeviceID, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic:     k.topic,
			Key:       sarama.StringEncoder(v.DeviceID),
			Value:     sarama.ByteEncoder(value),
			Timestamp: observedAt(v, b),
		})
	}
	if err := k.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("send %d messages: %w", len(msgs), err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.producer.Close() }
