package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}}
	return &KafkaProducer{writer: w}
}

// PublishLocation writes a driver position keyed by driver id so one
// driver's reports stay ordered within a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(loc.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// EventSink streams ride notifications to a Kafka topic, keyed by channel.
type EventSink struct {
	writer messageWriter
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewEventSink(brokers []string, topic string) *EventSink {
	return &EventSink{writer: &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}}
}

func (s *EventSink) Name() string { return "kafka" }

func (s *EventSink) Deliver(ctx context.Context, e dispatch.Envelope) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.Channel),
		Value:   b,
		Headers: []kafka.Header{{Key: "event", Value: []byte(e.Event)}},
		Time:    e.At,
	})
}

func (s *EventSink) Close() error { return s.writer.Close() }
