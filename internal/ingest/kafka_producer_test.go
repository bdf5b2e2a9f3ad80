package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/dispatch"
)

type captureWriter struct{ msgs []kafka.Message }

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestEventSinkKeysByChannel(t *testing.T) {
	w := &captureWriter{}
	sink := &EventSink{writer: w}
	at := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	err := sink.Deliver(context.Background(), dispatch.Envelope{
		Channel: "client:5", Event: "ride:completed", Payload: json.RawMessage(`{"rideId":"r"}`), At: at,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "client:5" || len(m.Headers) != 1 || string(m.Headers[0].Value) != "ride:completed" {
		t.Fatalf("unexpected message %+v", m)
	}
	var back dispatch.Envelope
	if err := json.Unmarshal(m.Value, &back); err != nil {
		t.Fatal(err)
	}
	if back.Event != "ride:completed" || !back.At.Equal(at) {
		t.Fatalf("unexpected body %+v", back)
	}
}
