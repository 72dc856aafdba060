package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"marketrecorder/logger"
)

func resetMetricHandlers() {
	metricHandlersMu.Lock()
	metricHandlers = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID = 0
	metricHandlersMu.Unlock()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetMetricHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}

	second := RegisterMetricHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
}

func TestRegisterMetricHandlerNil(t *testing.T) {
	resetMetricHandlers()

	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	fields := logger.Fields{"exchange": "bybit", "unit": "count"}
	EmitMetric(logger.Logger(), "watcher", "records_persisted", 3, "gauge", fields)

	select {
	case event := <-events:
		if event.Component != "watcher" {
			t.Fatalf("unexpected component: %s", event.Component)
		}
		if event.Name != "records_persisted" {
			t.Fatalf("unexpected metric name: %s", event.Name)
		}
		if event.Type != "gauge" {
			t.Fatalf("unexpected metric type: %s", event.Type)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("original fields mutated: %v", fields)
		}
		if _, ok := event.Fields["metric"]; ok {
			t.Fatalf("event fields should not contain metric key: %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitMetricDefaultType(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(nil, "orderbook", "updates", 7, "", logger.Fields{"unit": "count"})

	select {
	case event := <-events:
		if event.Type != "counter" {
			t.Fatalf("expected default metric type to be counter, got %s", event.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked for default type")
	}
}

func TestEmitMetricWithoutName(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(nil, "component", "", 1, "counter", nil)

	select {
	case <-events:
		t.Fatal("handler should not receive metrics without a name")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitDropMetric(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitDropMetric(nil, DropMetricFor("trades"), "bybit", "trades", "BTC/USDT:USDT", "")

	select {
	case event := <-events:
		if event.Name != string(DropMetricTrades) {
			t.Fatalf("unexpected metric name: %s", event.Name)
		}
		if _, ok := event.Fields["policy"]; ok {
			t.Fatalf("empty policy should be omitted: %v", event.Fields)
		}
		if event.Fields["symbol"] != "BTC/USDT:USDT" {
			t.Fatalf("symbol missing: %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("drop metric not emitted")
	}
}

func TestDetectLimit(t *testing.T) {
	cases := []struct {
		exchange string
		msg      string
		want     Limit
	}{
		{"binance", "Too many requests", LimitRateExceeded},
		{"binance", "IP banned until 1700000000000", LimitIPBan},
		{"bybit", "IP rate limit reached", LimitIPBan},
		{"bybit", "retCode 10006: too many visits", LimitRateExceeded},
		{"unknown", "hello world", LimitNone},
		{"binance", "code=-1003, msg=Way too many requests; IP banned until 1700000000000.", LimitIPBan},
		{"binance", "code=-1003, msg=Too much request weight used", LimitRateExceeded},
		{"binance", "websocket: bad handshake (HTTP 418)", LimitIPBan},
		{"binance", "HTTP 429", LimitRateExceeded},
		{"bybit", "retCode 10018: exceeded the ip limit", LimitIPBan},
		{"bybit", "rate-limit reached", LimitRateExceeded},
		{"bybit", "skipped frame, bandwidth exhausted", LimitNone},
		{"binance", "zip archive banner missing", LimitNone},
		{"unknown", "shipping bans", LimitNone},
		{"binance", "order 10030 rejected", LimitNone},
	}
	for _, c := range cases {
		if got := DetectLimit(c.exchange, c.msg); got != c.want {
			t.Errorf("DetectLimit(%s, %q) = %v, want %v", c.exchange, c.msg, got, c.want)
		}
	}
}

func TestPrometheusHandlerExposesCounters(t *testing.T) {
	IncRecordsPersisted("bybit", "BTC/USDT:USDT", "trades", 2)
	IncStreamError("bybit", "BTC/USDT:USDT", "trades", "PersistenceError")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"marketrecorder_records_persisted_total", "marketrecorder_stream_errors_total"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestEmitMetricPublishesToCloudWatch(t *testing.T) {
	prev := cwState.Load()
	fake := &fakeCloudWatch{}
	cwState.Store(&cloudWatchState{client: fake, namespace: "Test"})
	t.Cleanup(func() { cwState.Store(prev) })

	EmitMetric(nil, "watcher", "records_persisted", 4, "counter", logger.Fields{"stream": "ohlcv", "count": 4})
	EmitMetric(nil, "watcher", "non_numeric", "x", "counter", nil)

	if len(fake.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fake.inputs))
	}
	datum := fake.inputs[0].MetricData[0]
	if *datum.MetricName != "records_persisted" || *datum.Value != 4 {
		t.Fatalf("unexpected datum: %s=%v", *datum.MetricName, *datum.Value)
	}
	// component + stream; non-string fields are not dimensions
	if len(datum.Dimensions) != 2 {
		t.Fatalf("unexpected dimensions: %d", len(datum.Dimensions))
	}
}

func TestPublishReport(t *testing.T) {
	prev := cwState.Load()
	fake := &fakeCloudWatch{}
	cwState.Store(&cloudWatchState{client: fake, namespace: "Test"})
	t.Cleanup(func() { cwState.Store(prev) })

	PublishReport(context.Background(), logger.Report{
		Goroutines: 10,
		Streams:    []logger.StreamCounters{{Stream: "ticker", Records: 5}},
	})

	if len(fake.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fake.inputs))
	}
	if got := len(fake.inputs[0].MetricData); got != 6 {
		t.Fatalf("expected 6 datums, got %d", got)
	}
}
