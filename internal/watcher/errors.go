package watcher

import (
	"errors"

	"marketrecorder/internal/metrics"
)

// Error kinds stored in the logs.error_type column.
const (
	KindTransform         = "TransformError"
	KindPersistence       = "PersistenceError"
	KindFeed              = "FeedError"
	KindRateLimitExceeded = "RateLimitExceeded"
	KindIPBan             = "IPBan"
	KindUnknown           = "Error"
)

// TransformError means a feed payload could not be normalized into a record.
type TransformError struct {
	Err error
}

func (e *TransformError) Error() string { return "transform: " + e.Err.Error() }
func (e *TransformError) Unwrap() error { return e.Err }
func (e *TransformError) Kind() string  { return KindTransform }

// PersistenceError means the sink transaction did not commit.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return "persist: " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }
func (e *PersistenceError) Kind() string  { return KindPersistence }

// FeedError is a failed wait on the exchange feed. Limit is set when the
// exchange message reads like throttling.
type FeedError struct {
	Err   error
	Limit metrics.Limit
}

func newFeedError(exchange string, err error) *FeedError {
	return &FeedError{Err: err, Limit: metrics.DetectLimit(exchange, err.Error())}
}

func (e *FeedError) Error() string { return "feed: " + e.Err.Error() }
func (e *FeedError) Unwrap() error { return e.Err }

func (e *FeedError) Kind() string {
	switch e.Limit {
	case metrics.LimitRateExceeded:
		return KindRateLimitExceeded
	case metrics.LimitIPBan:
		return KindIPBan
	default:
		return KindFeed
	}
}

// Kind classifies err for logging.
func Kind(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}
