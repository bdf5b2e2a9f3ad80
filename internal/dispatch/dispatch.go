package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// Envelope is one event addressed to a channel such as "client:7".
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Sink delivers envelopes to one transport.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Envelope) error
}

type BusOptions struct {
	QueueSize      int
	Attempts       int
	Backoff        time.Duration
	DeliverTimeout time.Duration
	Logger         *slog.Logger
}

// Bus fans published events out to its sinks. Every sink has its own queue
// and worker, so a slow or failing transport only delays itself. Publish
// never blocks: when a sink's queue is full the event is dropped for that
// sink and counted.
type Bus struct {
	lanes []*lane
	opts  BusOptions
	log   *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	abort  chan struct{}
}

type lane struct {
	sink  Sink
	queue chan Envelope
}

func NewBus(opts BusOptions, sinks ...Sink) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Bus{opts: opts, log: opts.Logger, abort: make(chan struct{})}
	for _, s := range sinks {
		l := &lane{sink: s, queue: make(chan Envelope, opts.QueueSize)}
		b.lanes = append(b.lanes, l)
		b.wg.Add(1)
		go b.run(l)
	}
	return b
}

func (b *Bus) Publish(channel, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("notification payload not encodable", "event", event, "err", err)
		return
	}
	e := Envelope{Channel: channel, Event: event, Payload: raw, At: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		observability.NotificationsPublished.WithLabelValues("bus", "closed").Inc()
		return
	}
	for _, l := range b.lanes {
		select {
		case l.queue <- e:
		default:
			observability.NotificationsPublished.WithLabelValues(l.sink.Name(), "dropped").Inc()
			b.log.Warn("notification queue full, dropping event", "sink", l.sink.Name(), "channel", channel, "event", event)
		}
	}
}

// Close stops accepting events and waits for every queue to drain or ctx to
// end. When ctx ends first, workers abandon retries and the rest of their queue.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, l := range b.lanes {
			close(l.queue)
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.stop()
		return ctx.Err()
	}
}

func (b *Bus) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.abort:
	default:
		close(b.abort)
	}
}

func (b *Bus) run(l *lane) {
	defer b.wg.Done()
	for e := range l.queue {
		select {
		case <-b.abort:
			observability.NotificationsPublished.WithLabelValues(l.sink.Name(), "abandoned").Inc()
			continue
		default:
		}
		b.deliver(l.sink, e)
	}
}

func (b *Bus) deliver(s Sink, e Envelope) {
	delay := b.opts.Backoff
	var err error
	for i := 0; i < b.opts.Attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.DeliverTimeout)
		err = s.Deliver(ctx, e)
		cancel()
		if err == nil {
			observability.NotificationsPublished.WithLabelValues(s.Name(), "ok").Inc()
			return
		}
		if errors.Is(err, ErrNoSession) {
			// nobody listening on this channel; not worth retrying
			observability.NotificationsPublished.WithLabelValues(s.Name(), "no_session").Inc()
			return
		}
		if i < b.opts.Attempts-1 {
			select {
			case <-time.After(delay):
			case <-b.abort:
				observability.NotificationsPublished.WithLabelValues(s.Name(), "abandoned").Inc()
				return
			}
			delay *= 2
		}
	}
	observability.NotificationsPublished.WithLabelValues(s.Name(), "failed").Inc()
	b.log.Warn("notification delivery failed", "sink", s.Name(), "channel", e.Channel, "event", e.Event, "err", err)
}
