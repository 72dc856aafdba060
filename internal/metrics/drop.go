package metrics

import "marketrecorder/logger"

// DropMetric identifies the metric name emitted when feed updates are dropped.
type DropMetric string

const (
	DropMetricOrderBook DropMetric = "orderbook_updates_dropped"
	DropMetricTrades    DropMetric = "trade_batches_dropped"
	DropMetricOHLCV     DropMetric = "ohlcv_updates_dropped"
	DropMetricTicker    DropMetric = "ticker_updates_dropped"
)

// DropMetricFor maps a stream name to its drop metric.
func DropMetricFor(stream string) DropMetric {
	switch stream {
	case "orderbook":
		return DropMetricOrderBook
	case "trades":
		return DropMetricTrades
	case "ohlcv":
		return DropMetricOHLCV
	case "ticker":
		return DropMetricTicker
	default:
		return DropMetric(stream + "_updates_dropped")
	}
}

// EmitDropMetric records one dropped update. Callers invoke it per drop;
// empty metadata is left out of the metric fields.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, stream, symbol, policy string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if stream != "" {
		fields["stream"] = stream
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if policy != "" {
		fields["policy"] = policy
	}

	incQueueDrop(exchange, symbol, stream)
	EmitMetric(log, "queue_drops", string(metric), 1, "counter", fields)
}
