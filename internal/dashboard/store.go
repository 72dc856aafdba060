package dashboard

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"marketrecorder/internal/metrics"
)

// ring keeps the newest limit items. It is safe for concurrent use.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return &ring[T]{limit: limit}
}

func (r *ring[T]) push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

func (r *ring[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

type metricStore struct {
	*ring[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{ring: newRing[metrics.Metric](limit)}
}

func (s *metricStore) handle(metric metrics.Metric) { s.push(metric) }

// filter returns the retained metrics with the given name, all of them when
// name is empty.
func (s *metricStore) filter(name string) []metrics.Metric {
	all := s.snapshot()
	if name == "" {
		return all
	}
	out := all[:0]
	for _, m := range all {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// logRecord is a captured log line. Stream identity is lifted out of the
// fields so the API can filter on it.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Exchange  string                 `json:"exchange,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Stream    string                 `json:"stream,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

type logQuery struct {
	Level    string
	Exchange string
	Symbol   string
	Stream   string
}

func (q logQuery) match(r logRecord) bool {
	return (q.Level == "" || strings.EqualFold(q.Level, r.Level)) &&
		(q.Exchange == "" || strings.EqualFold(q.Exchange, r.Exchange)) &&
		(q.Symbol == "" || q.Symbol == r.Symbol) &&
		(q.Stream == "" || strings.EqualFold(q.Stream, r.Stream))
}

// logStore is a logrus hook retaining the newest log lines.
type logStore struct {
	*ring[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{ring: newRing[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		switch k {
		case "component":
			record.Component, _ = v.(string)
			continue
		case "exchange":
			record.Exchange, _ = v.(string)
			continue
		case "symbol":
			record.Symbol, _ = v.(string)
			continue
		case "stream":
			record.Stream = fmt.Sprint(v)
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}

	s.push(record)
	return nil
}

func (s *logStore) query(q logQuery) []logRecord {
	all := s.snapshot()
	out := all[:0]
	for _, r := range all {
		if q.match(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
