// Package broker mirrors accepted readings to Kafka for downstream consumers.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"CapIot.lorawan/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMirror publishes readings keyed by device id, so a device's readings stay on one partition.
type KafkaMirror struct {
	writer messageWriter
	topic  string
}

// NewKafkaMirror creates a mirror writing to topic on brokers.
func NewKafkaMirror(brokers []string, topic string) (*KafkaMirror, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaMirror{writer: w, topic: topic}, nil
}

// Mirror writes one reading.
func (m *KafkaMirror) Mirror(ctx context.Context, r models.Reading) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding reading: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(r.DeviceID),
		Value: value,
		Time:  r.Timestamp,
	}
	if err := m.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing to kafka topic %s: %w", m.topic, err)
	}
	return nil
}

func (m *KafkaMirror) Close() error {
	return m.writer.Close()
}
