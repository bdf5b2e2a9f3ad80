package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPSink publishes envelopes to a topic exchange. The routing key is the
// event with ':' replaced by '.', e.g. "ride.accepted", and the channel is
// carried in the "channel" header.
type AMQPSink struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPSink dials url and declares a durable topic exchange.
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	s := &AMQPSink{url: url, exchange: exchange}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", s.exchange, err)
	}
	s.conn, s.ch = conn, ch
	return nil
}

func (s *AMQPSink) Name() string { return "amqp" }

// RoutingKey maps an event name to its topic routing key.
func RoutingKey(event string) string { return strings.ReplaceAll(event, ":", ".") }

func (s *AMQPSink) Deliver(ctx context.Context, e Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil || s.ch.IsClosed() {
		s.closeLocked()
		if err := s.connect(); err != nil {
			return err
		}
	}
	err = s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(e.Event), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{"channel": e.Channel},
		Body:         body,
	})
	if errors.Is(err, amqp.ErrClosed) {
		s.closeLocked()
	}
	return err
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *AMQPSink) closeLocked() error {
	var errs []error
	if s.ch != nil {
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		s.ch = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		s.conn = nil
	}
	return errors.Join(errs...)
}
