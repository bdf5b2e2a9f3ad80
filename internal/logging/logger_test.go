package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLoggerLevelAndService(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "ride-api", "warn")
	l.Info("dropped")
	l.Warn("kept", "ride_id", "r1")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "kept" || rec["service"] != "ride-api" || rec["ride_id"] != "r1" {
		t.Fatalf("unexpected record %v", rec)
	}
}
