package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once
	registry     = prometheus.NewRegistry()

	recordsPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketrecorder_records_persisted_total",
			Help: "Records committed to the sink",
		},
		[]string{"exchange", "symbol", "stream"},
	)
	streamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketrecorder_stream_errors_total",
			Help: "Failed watcher iterations by error kind",
		},
		[]string{"exchange", "symbol", "stream", "kind"},
	)
	logEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketrecorder_log_entries_total",
			Help: "Error log entries by outcome (written, suppressed, failed)",
		},
		[]string{"exchange", "symbol", "stream", "outcome"},
	)
	queueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketrecorder_queue_dropped_total",
			Help: "Feed updates dropped because a watcher fell behind",
		},
		[]string{"exchange", "symbol", "stream"},
	)
)

func register() {
	registerOnce.Do(func() {
		registry.MustRegister(
			recordsPersisted,
			streamErrors,
			logEntries,
			queueDrops,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler exposes the collectors in the Prometheus text format.
func Handler() http.Handler {
	register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncRecordsPersisted(exchange, symbol, stream string, n int) {
	register()
	recordsPersisted.WithLabelValues(exchange, symbol, stream).Add(float64(n))
}

func IncStreamError(exchange, symbol, stream, kind string) {
	register()
	streamErrors.WithLabelValues(exchange, symbol, stream, kind).Inc()
}

func IncLogEntry(exchange, symbol, stream, outcome string) {
	register()
	logEntries.WithLabelValues(exchange, symbol, stream, outcome).Inc()
}

func incQueueDrop(exchange, symbol, stream string) {
	register()
	queueDrops.WithLabelValues(exchange, symbol, stream).Inc()
}
