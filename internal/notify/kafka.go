//go:build cgo

package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog/log"
)

// Kafka produces announcements to a topic keyed by channel.
type Kafka struct {
	producer *kafka.Producer
	topic    string
	done     chan struct{}
}

func NewKafka(brokers, topic string) (*Kafka, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "1",
		"linger.ms":         5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	k := &Kafka{producer: p, topic: topic, done: make(chan struct{})}
	go k.deliveryReports()
	return k, nil
}

func (k *Kafka) deliveryReports() {
	for e := range k.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			log.Warn().Err(m.TopicPartition.Error).Str("module", "notify").Msg("kafka delivery failed")
		}
	}
	close(k.done)
}

func (k *Kafka) Announce(_ context.Context, a Announcement) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal announcement: %w", err)
	}
	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(a.Channel),
		Value:          data,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce announcement: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	k.producer.Flush(5000)
	k.producer.Close()
	<-k.done
	return nil
}
