package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"marketrecorder/config"
	"marketrecorder/internal/metrics"
	"marketrecorder/internal/watcher"
	"marketrecorder/logger"
)

type staticStatuses []watcher.Status

func (s staticStatuses) Statuses() []watcher.Status {
	return append([]watcher.Status(nil), s...)
}

func newTestServer(t *testing.T, streams StatusSource) (*Server, *logger.Log, *gin.Engine) {
	t.Helper()
	log := logger.Logger()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, RefreshInterval: time.Second, MetricsHistory: 10, LogHistory: 10}, log, streams)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	t.Cleanup(srv.cleanup)
	router, err := srv.buildRouter("marketrecorder")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}
	return srv, log, router
}

func get(t *testing.T, router http.Handler, target string, out interface{}) int {
	t.Helper()
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil && res.Code == http.StatusOK {
		if err := json.Unmarshal(res.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", target, err)
		}
	}
	return res.Code
}

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	srv, log, router := newTestServer(t, nil)

	metrics.EmitMetric(log, "watcher", "records_persisted", 5, "counter", logger.Fields{"stream": "trades"})
	metrics.EmitMetric(log, "watcher", "other", 1, "gauge", nil)

	var body struct {
		Metrics []map[string]interface{} `json:"metrics"`
	}
	if code := get(t, router, "/api/metrics?name=records_persisted", &body); code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", code)
	}
	if len(body.Metrics) != 1 || body.Metrics[0]["name"] != "records_persisted" {
		t.Fatalf("unexpected metrics payload: %#v", body.Metrics)
	}
	if len(srv.metricStore.snapshot()) != 2 {
		t.Fatalf("metrics store should hold both metrics")
	}
}

func TestStreamsEndpointSortsAndFilters(t *testing.T) {
	_, _, router := newTestServer(t, staticStatuses{
		{Exchange: "bybit", Symbol: "ETH/USDT:USDT", Stream: "trades", State: "waiting"},
		{Exchange: "binance", Symbol: "BTC/USDT:USDT", Stream: "ticker", State: "waiting"},
		{Exchange: "bybit", Symbol: "BTC/USDT:USDT", Stream: "ohlcv", State: "persisting"},
	})

	var body struct {
		Streams []watcher.Status `json:"streams"`
	}
	if code := get(t, router, "/api/streams", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(body.Streams) != 3 || body.Streams[0].Exchange != "binance" || body.Streams[1].Symbol != "BTC/USDT:USDT" {
		t.Fatalf("unexpected order: %#v", body.Streams)
	}

	body.Streams = nil
	get(t, router, "/api/streams?exchange=BYBIT&symbol=ETH/USDT:USDT", &body)
	if len(body.Streams) != 1 || body.Streams[0].Stream != "trades" {
		t.Fatalf("unexpected filter result: %#v", body.Streams)
	}
}

func TestHealthz(t *testing.T) {
	_, _, idle := newTestServer(t, staticStatuses{})
	if code := get(t, idle, "/healthz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("idle recorder should be unhealthy, got %d", code)
	}

	_, _, router := newTestServer(t, staticStatuses{
		{Exchange: "bybit", Symbol: "BTC/USDT:USDT", Stream: "trades", LastErrorAt: time.Now()},
		{Exchange: "bybit", Symbol: "BTC/USDT:USDT", Stream: "ohlcv"},
	})
	var body struct {
		Status  string `json:"status"`
		Failing int    `json:"failing"`
	}
	if code := get(t, router, "/healthz", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body.Status != "degraded" || body.Failing != 1 {
		t.Fatalf("unexpected health: %+v", body)
	}
}

func TestLogsEndpoint(t *testing.T) {
	_, log, router := newTestServer(t, nil)
	log.WithComponent("watcher").WithFields(logger.Fields{"stream": "ticker", "exchange": "bybit"}).Warn("first")
	log.WithComponent("watcher").WithFields(logger.Fields{"stream": "ticker", "exchange": "bybit"}).Warn("second")
	log.WithComponent("watcher").WithFields(logger.Fields{"stream": "trades", "exchange": "bybit"}).Warn("other")

	var body struct {
		Logs []logRecord `json:"logs"`
	}
	if code := get(t, router, "/api/logs?stream=ticker&limit=1", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(body.Logs) != 1 || body.Logs[0].Message != "second" {
		t.Fatalf("unexpected logs: %#v", body.Logs)
	}
	if code := get(t, router, "/api/logs?limit=-1", nil); code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", code)
	}
}

func TestPrometheusRoute(t *testing.T) {
	_, _, router := newTestServer(t, nil)
	metrics.IncRecordsPersisted("bybit", "BTC/USDT:USDT", "trades", 2)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("status %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "marketrecorder_records_persisted_total") {
		t.Fatal("prometheus output misses the persisted counter")
	}
}
