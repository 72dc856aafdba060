package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"marketrecorder/internal/metrics"
)

func TestMetricStoreLimit(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "metric", Value: i})
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 metrics in snapshot, got %d", len(snapshot))
	}
	if snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}
}

func TestMetricStoreFilter(t *testing.T) {
	store := newMetricStore(10)
	store.handle(metrics.Metric{Name: "a", Value: 1})
	store.handle(metrics.Metric{Name: "b", Value: 2})
	store.handle(metrics.Metric{Name: "a", Value: 3})

	if got := store.filter("a"); len(got) != 2 || got[1].Value != 3 {
		t.Fatalf("unexpected filter result: %#v", got)
	}
	if got := store.filter(""); len(got) != 3 {
		t.Fatalf("expected all metrics, got %d", len(got))
	}
}

func TestLogStoreLiftsStreamIdentity(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "stream error recorded"
	entry.Data = logrus.Fields{
		"component": "watcher",
		"exchange":  "bybit",
		"symbol":    "BTC/USDT:USDT",
		"stream":    "trades",
		"error":     errors.New("boom"),
	}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}
	got := snapshot[0]
	if got.Component != "watcher" || got.Exchange != "bybit" || got.Symbol != "BTC/USDT:USDT" || got.Stream != "trades" {
		t.Fatalf("identity not lifted: %#v", got)
	}
	if got.Fields["error"] != "boom" {
		t.Fatalf("error not stringified: %#v", got.Fields)
	}
	if _, ok := got.Fields["stream"]; ok {
		t.Fatal("stream should not be duplicated in fields")
	}
}

func TestLogStoreQuery(t *testing.T) {
	store := newLogStore(10)
	for _, d := range []struct {
		level  logrus.Level
		stream string
	}{
		{logrus.ErrorLevel, "trades"},
		{logrus.WarnLevel, "trades"},
		{logrus.ErrorLevel, "ohlcv"},
	} {
		entry := logrus.NewEntry(logrus.New())
		entry.Level = d.level
		entry.Data = logrus.Fields{"stream": d.stream, "exchange": "bybit"}
		_ = store.Fire(entry)
	}

	if got := store.query(logQuery{Level: "error"}); len(got) != 2 {
		t.Fatalf("expected 2 error records, got %d", len(got))
	}
	if got := store.query(logQuery{Stream: "trades", Level: "warning"}); len(got) != 1 {
		t.Fatalf("expected 1 trades warning, got %d", len(got))
	}
	if got := store.query(logQuery{Exchange: "binance"}); len(got) != 0 {
		t.Fatalf("expected no binance records, got %d", len(got))
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := len(store.snapshot()); n != 2 {
		t.Fatalf("expected 2 entries after pruning, got %d", n)
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if n := len(store.snapshot()); n != 2 {
		t.Fatalf("store accepted entries after close")
	}
}
