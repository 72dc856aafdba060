// Package ratelog throttles error log entries written to the sink.
package ratelog

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"marketrecorder/internal/models"
	"marketrecorder/internal/storage"
)

const (
	DefaultCooldown = 5 * time.Second

	// maxMessageLen matches the logs.message column.
	maxMessageLen = 512
)

// Logger persists at most one entry per cooldown. Use one Logger per
// (exchange, symbol, stream) so a noisy stream cannot starve the others.
type Logger struct {
	cooldown time.Duration
	now      func() time.Time

	mu         sync.Mutex
	last       time.Time
	logged     bool
	suppressed int
}

func New(cooldown time.Duration) *Logger {
	if cooldown < 0 {
		cooldown = DefaultCooldown
	}
	return &Logger{cooldown: cooldown, now: time.Now}
}

// WithClock replaces the wall clock used for the cooldown decision.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// Log writes entry unless another entry was attempted within the cooldown.
// entry.Timestamp is kept as given so the row lines up with the feed time
// line. The cooldown restarts even when the insert fails, so a sink outage
// is not hammered with log writes.
func (l *Logger) Log(ctx context.Context, sink storage.Sink, entry models.LogEntry) (bool, error) {
	l.mu.Lock()
	now := l.now()
	if l.logged && now.Sub(l.last) < l.cooldown {
		l.suppressed++
		l.mu.Unlock()
		return false, nil
	}
	l.logged = true
	l.last = now
	entry.Suppressed = l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	entry.Message = truncate(entry.Message, maxMessageLen)
	if entry.DateTime.IsZero() {
		entry.DateTime = models.MillisToTime(entry.Timestamp)
	}

	if err := sink.Transact(ctx, func(tx storage.Tx) error {
		return tx.InsertLog(&entry)
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Suppressed is the number of entries discarded since the last write.
func (l *Logger) Suppressed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suppressed
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
