package logger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestJSONFieldNames(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("watcher").Info("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "level", "message", "component"} {
		if _, ok := line[key]; !ok {
			t.Errorf("missing key %q in %v", key, line)
		}
	}
	if line["message"] != "hello" {
		t.Errorf("message = %v", line["message"])
	}
}

func TestStreamCounters(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})

	log.WithFields(Fields{"stream": "counters-test"}).Error("boom")
	log.WithFields(Fields{"stream": "counters-test"}).Warn("careful")
	RecordPersisted("counters-test", 3)
	RecordSuppressed("counters-test")

	var found *StreamCounters
	for _, s := range StreamSnapshot() {
		if s.Stream == "counters-test" {
			s := s
			found = &s
		}
	}
	if found == nil {
		t.Fatalf("stream counters not recorded")
	}
	if found.Errors != 1 || found.Warnings != 1 || found.Records != 3 || found.Suppressed != 1 {
		t.Fatalf("unexpected counters: %+v", *found)
	}
}

func TestLogPerformanceEntry(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	LogPerformanceEntry(log.WithFields(Fields{"exchange": "bybit"}), "bybit_feed", "load_markets", 1500*time.Microsecond, nil)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if line["operation"] != "load_markets" || line["component"] != "bybit_feed" || line["exchange"] != "bybit" {
		t.Fatalf("unexpected fields: %v", line)
	}
	if line["duration_ms"] != 1.5 {
		t.Errorf("duration_ms = %v", line["duration_ms"])
	}
}
