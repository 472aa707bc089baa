// Package ingest carries freelancer location pings from the API to the
// consumer that maintains the geo index.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/freelance-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishLocation writes the ping keyed by freelancer so one freelancer's
// updates stay ordered within a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, f models.Freelancer) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(f.ID), Value: b})
}

// Decode parses a location message written by PublishLocation.
func Decode(m kafka.Message) (models.Freelancer, error) {
	var f models.Freelancer
	if err := json.Unmarshal(m.Value, &f); err != nil {
		return f, fmt.Errorf("decode location: %w", err)
	}
	if f.ID == "" || f.Category == "" {
		return f, fmt.Errorf("decode location: id and category are required")
	}
	return f, nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
