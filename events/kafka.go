package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	kafkaBatchTimeout = 10 * time.Millisecond
	kafkaBatchSize    = 100
	kafkaWriteTimeout = 2 * time.Second
	kafkaMaxAttempts  = 3
	kafkaBackoffMax   = 250 * time.Millisecond

	// DefaultSendTimeout bounds one Send, retries included.
	DefaultSendTimeout = 3 * time.Second
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards events to a Kafka topic. Messages are keyed by the
// payload's partition key (the drug ID) so events for one drug keep their
// relative order within a partition.
type KafkaSink struct {
	writer MessageWriter

	// SendTimeout caps each Send. Zero means no cap beyond ctx.
	SendTimeout time.Duration
}

// NewKafkaSink creates a sink writing to topic on broker.
func NewKafkaSink(broker, topic string) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:            kafka.TCP(broker),
		Topic:           topic,
		Balancer:        &kafka.Hash{},
		BatchTimeout:    kafkaBatchTimeout,
		BatchSize:       kafkaBatchSize,
		RequiredAcks:    kafka.RequireOne,
		WriteTimeout:    kafkaWriteTimeout,
		MaxAttempts:     kafkaMaxAttempts,
		WriteBackoffMax: kafkaBackoffMax,
	})
}

func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w, SendTimeout: DefaultSendTimeout}
}

func (s *KafkaSink) Send(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Name, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Payload.PartitionKey()),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-name", Value: []byte(ev.Name)},
		},
	}
	if s.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.SendTimeout)
		defer cancel()
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", ev.Name, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
