// Package watcher runs the per stream ingestion loops. A watcher waits for
// the next feed update, normalizes it and commits it to the sink. Failures
// are written to the sink through a rate limited log and the loop carries
// on; only context cancellation ends it.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketrecorder/internal/feed"
	"marketrecorder/internal/metrics"
	"marketrecorder/internal/models"
	"marketrecorder/internal/ratelog"
	"marketrecorder/internal/storage"
	"marketrecorder/logger"
)

type State uint32

const (
	StateIdle State = iota
	StateSubscribing
	StateWaiting
	StateTransforming
	StatePersisting
	StateFaulted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateWaiting:
		return "waiting"
	case StateTransforming:
		return "transforming"
	case StatePersisting:
		return "persisting"
	case StateFaulted:
		return "faulted"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Result is the way one iteration ended.
type Result uint8

const (
	ResultPersisted Result = iota
	ResultSkipped
	ResultFailed
)

// Outcome describes one loop iteration.
type Outcome struct {
	Result  Result
	Records int
	LastID  uint64
	Err     error
}

// Params identifies the stream a watcher records.
type Params struct {
	Exchange    string
	Symbol      string
	Timeframe   string
	CandleLimit int
	Depth       int
}

func (p Params) validate(stream models.Stream) error {
	if p.Exchange == "" || p.Symbol == "" {
		return fmt.Errorf("%s watcher: exchange and symbol are required", stream)
	}
	switch stream {
	case models.StreamOHLCV:
		if p.Timeframe == "" {
			return fmt.Errorf("ohlcv watcher: timeframe is required")
		}
		if p.CandleLimit <= 0 {
			return fmt.Errorf("ohlcv watcher: candle limit must be positive, got %d", p.CandleLimit)
		}
	case models.StreamOrderBook:
		if p.Depth <= 0 {
			return fmt.Errorf("orderbook watcher: depth must be positive, got %d", p.Depth)
		}
	}
	return nil
}

// Deps are the handles a watcher writes through.
type Deps struct {
	Sink    storage.Sink
	RateLog *ratelog.Logger
	Log     *logger.Log
	// Now is the local clock used for ObservedAt. Defaults to time.Now.
	Now func() time.Time
	// RetryBackoff is the first pause once feed errors repeat. Defaults to
	// DefaultRetryBackoff, negative disables the pause.
	RetryBackoff time.Duration
}

const (
	DefaultRetryBackoff = 250 * time.Millisecond
	maxRetryBackoff     = 10 * time.Second
	// consecutive feed errors retried without pausing
	freeRetries = 2
)

// retryDelay is the pause after the n-th consecutive feed error. It doubles
// from base up to maxRetryBackoff.
func retryDelay(base time.Duration, n int) time.Duration {
	if base <= 0 || n <= freeRetries {
		return 0
	}
	shift := n - freeRetries - 1
	if shift > 16 {
		shift = 16
	}
	d := base << shift
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	return d
}

// Status is a point in time view of a watcher.
type Status struct {
	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	Stream        string    `json:"stream"`
	State         string    `json:"state"`
	Persisted     uint64    `json:"persisted"`
	Failures      uint64    `json:"failures"`
	LastTimestamp int64     `json:"last_timestamp"`
	LastRecordID  uint64    `json:"last_record_id"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at,omitempty"`
}

type Watcher struct {
	stream  models.Stream
	params  Params
	sink    storage.Sink
	ratelog *ratelog.Logger
	log     *logger.Log
	entry   *logger.Entry
	now     func() time.Time
	backoff time.Duration
	step    func(ctx context.Context) Outcome

	state         atomic.Uint32
	persisted     atomic.Uint64
	failures      atomic.Uint64
	lastTimestamp atomic.Int64
	lastRecordID  atomic.Uint64

	mu          sync.Mutex
	lastError   string
	lastErrorAt time.Time
}

func newWatcher(stream models.Stream, params Params, deps Deps) *Watcher {
	log := deps.Log
	if log == nil {
		log = logger.GetLogger()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	rl := deps.RateLog
	if rl == nil {
		rl = ratelog.New(ratelog.DefaultCooldown)
	}
	backoff := deps.RetryBackoff
	if backoff == 0 {
		backoff = DefaultRetryBackoff
	}
	return &Watcher{
		stream:  stream,
		params:  params,
		sink:    deps.Sink,
		ratelog: rl,
		log:     log,
		entry: log.WithComponent("watcher").WithFields(logger.Fields{
			"exchange": params.Exchange,
			"symbol":   params.Symbol,
			"stream":   stream.String(),
		}),
		now:     now,
		backoff: backoff,
	}
}

func (w *Watcher) Stream() models.Stream { return w.stream }

func (w *Watcher) State() State { return State(w.state.Load()) }

func (w *Watcher) setState(s State) { w.state.Store(uint32(s)) }

// observe tracks the newest feed time seen, used to stamp log entries.
func (w *Watcher) observe(ts int64) {
	if ts > 0 {
		w.lastTimestamp.Store(ts)
	}
}

// Run loops until ctx is cancelled. It returns early only when the watcher
// is misconfigured or its feed has been closed.
func (w *Watcher) Run(ctx context.Context) error {
	if w.sink == nil {
		return fmt.Errorf("%s watcher: sink is required", w.stream)
	}
	if err := w.params.validate(w.stream); err != nil {
		return err
	}

	w.setState(StateSubscribing)
	w.entry.Info("watcher started")
	defer func() {
		w.setState(StateStopped)
		w.entry.WithFields(logger.Fields{
			"persisted": w.persisted.Load(),
			"failures":  w.failures.Load(),
		}).Info("watcher stopped")
	}()

	// feed errors in a row; a feed that fails without blocking (bad
	// subscription, exchange down) would otherwise spin the loop
	var feedErrors int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out := w.step(ctx)
		if out.Result != ResultFailed {
			feedErrors = 0
		}
		switch out.Result {
		case ResultPersisted:
			w.persisted.Add(uint64(out.Records))
			if out.LastID != 0 {
				w.lastRecordID.Store(out.LastID)
			}
			logger.RecordPersisted(w.stream.String(), out.Records)
			metrics.IncRecordsPersisted(w.params.Exchange, w.params.Symbol, w.stream.String(), out.Records)
		case ResultSkipped:
		case ResultFailed:
			if err := ctx.Err(); err != nil {
				return err
			}
			if errors.Is(out.Err, feed.ErrClosed) {
				return out.Err
			}
			w.setState(StateFaulted)
			w.fault(ctx, out.Err)

			var fe *FeedError
			if !errors.As(out.Err, &fe) {
				feedErrors = 0
				continue
			}
			feedErrors++
			if d := retryDelay(w.backoff, feedErrors); d > 0 {
				w.entry.WithFields(logger.Fields{
					"consecutive": feedErrors,
					"backoff":     d.String(),
				}).Debug("feed keeps failing, backing off")
				if !sleep(ctx, d) {
					return ctx.Err()
				}
			}
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// fault records a failed iteration: metrics, the operational log and a
// rate limited entry in the sink.
func (w *Watcher) fault(ctx context.Context, err error) {
	kind := Kind(err)
	w.failures.Add(1)

	w.mu.Lock()
	w.lastError = err.Error()
	w.lastErrorAt = w.now()
	w.mu.Unlock()

	stream := w.stream.String()
	metrics.IncStreamError(w.params.Exchange, w.params.Symbol, stream, kind)
	var fe *FeedError
	if errors.As(err, &fe) {
		metrics.ReportLimit(w.log, fe.Limit, w.params.Exchange, w.params.Symbol, stream)
	}

	ts := w.lastTimestamp.Load()
	if ts == 0 {
		ts = w.now().UnixMilli()
	}
	entry := models.LogEntry{
		Exchange:  w.params.Exchange,
		Symbol:    w.params.Symbol,
		Stream:    stream,
		ErrorType: kind,
		Message:   err.Error(),
		Timestamp: ts,
	}
	if id := w.lastRecordID.Load(); id != 0 {
		entry.LastValidStreamID = &id
	}

	log := w.entry.WithError(err).WithField("error_type", kind)
	written, lerr := w.ratelog.Log(ctx, w.sink, entry)
	switch {
	case lerr != nil:
		metrics.IncLogEntry(w.params.Exchange, w.params.Symbol, stream, "failed")
		log.WithField("log_error", lerr.Error()).Error("stream failed and the log entry could not be persisted")
	case written:
		metrics.IncLogEntry(w.params.Exchange, w.params.Symbol, stream, "written")
		log.Warn("stream iteration failed")
	default:
		metrics.IncLogEntry(w.params.Exchange, w.params.Symbol, stream, "suppressed")
		logger.RecordSuppressed(stream)
		log.Debug("stream iteration failed, log entry suppressed")
	}
}

func (w *Watcher) Status() Status {
	w.mu.Lock()
	lastErr, lastErrAt := w.lastError, w.lastErrorAt
	w.mu.Unlock()
	return Status{
		Exchange:      w.params.Exchange,
		Symbol:        w.params.Symbol,
		Stream:        w.stream.String(),
		State:         w.State().String(),
		Persisted:     w.persisted.Load(),
		Failures:      w.failures.Load(),
		LastTimestamp: w.lastTimestamp.Load(),
		LastRecordID:  w.lastRecordID.Load(),
		LastError:     lastErr,
		LastErrorAt:   lastErrAt,
	}
}

// pipeline is the stream specific part of an iteration. transform returns
// false when the payload yields nothing to persist; commit runs after a
// successful write or a skipped one.
type pipeline[T, R any] struct {
	wait      func(ctx context.Context) (T, error)
	timestamp func(T) int64
	transform func(v T, observed time.Time) (R, bool, error)
	insert    func(tx storage.Tx, r R) (n int, lastID uint64, err error)
	commit    func(v T)
}

func (p pipeline[T, R]) bind(w *Watcher) {
	w.step = func(ctx context.Context) Outcome {
		w.setState(StateWaiting)
		v, err := p.wait(ctx)
		if err != nil {
			return Outcome{Result: ResultFailed, Err: newFeedError(w.params.Exchange, err)}
		}
		if p.timestamp != nil {
			w.observe(p.timestamp(v))
		}

		w.setState(StateTransforming)
		r, ok, err := p.transform(v, w.now().UTC())
		if err != nil {
			return Outcome{Result: ResultFailed, Err: &TransformError{Err: err}}
		}
		if !ok {
			if p.commit != nil {
				p.commit(v)
			}
			return Outcome{Result: ResultSkipped}
		}

		w.setState(StatePersisting)
		var n int
		var lastID uint64
		err = w.sink.Transact(ctx, func(tx storage.Tx) error {
			var ierr error
			n, lastID, ierr = p.insert(tx, r)
			return ierr
		})
		if err != nil {
			return Outcome{Result: ResultFailed, Err: &PersistenceError{Err: err}}
		}
		if p.commit != nil {
			p.commit(v)
		}
		return Outcome{Result: ResultPersisted, Records: n, LastID: lastID}
	}
}
