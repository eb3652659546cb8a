package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka publishes events keyed by patient id, so one patient's versions stay
// ordered within a partition.
type Kafka struct {
	writer messageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewKafka(w messageWriter) *Kafka {
	return &Kafka{writer: w}
}

func (k *Kafka) Notify(ctx context.Context, patientID uuid.UUID, version int) error {
	ev := newEvent(patientID, version)
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode kafka event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(patientID.String()),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish summary event: %w", err)
	}
	return nil
}
