// Package feedtest provides a scripted feed.Feed for tests.
package feedtest

import (
	"context"
	"sync"

	"marketrecorder/internal/feed"
	"marketrecorder/internal/models"
)

// Step is one scripted Watch result.
type Step[T any] struct {
	Value T
	Err   error
}

func Value[T any](v T) Step[T]      { return Step[T]{Value: v} }
func Fail[T any](err error) Step[T] { return Step[T]{Err: err} }

// Script replays steps in order. Once exhausted, Watch blocks until its
// context ends and Idle is closed.
type Script[T any] struct {
	mu    sync.Mutex
	steps []Step[T]
	calls int
	idle  chan struct{}
	once  sync.Once
}

func NewScript[T any](steps ...Step[T]) *Script[T] {
	return &Script[T]{steps: steps, idle: make(chan struct{})}
}

// Idle is closed when the consumer asks for more than the script holds,
// which means every scripted step has been fully handled.
func (s *Script[T]) Idle() <-chan struct{} { return s.idle }

func (s *Script[T]) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Script[T]) next(ctx context.Context) (T, error) {
	var zero T
	s.mu.Lock()
	s.calls++
	if len(s.steps) > 0 {
		st := s.steps[0]
		s.steps = s.steps[1:]
		s.mu.Unlock()
		return st.Value, st.Err
	}
	s.mu.Unlock()

	s.once.Do(func() { close(s.idle) })
	<-ctx.Done()
	return zero, ctx.Err()
}

// Feed serves each stream from its script. Streams without a script block
// until the context ends.
type Feed struct {
	FeedName string
	Caps     models.StreamSet
	// Frames defaults to 1m only.
	Frames   []string
	Markets  map[string]models.Market
	LoadErr  error

	Books   *Script[models.OrderBook]
	Trades  *Script[[]models.Trade]
	Candles *Script[[]models.OHLCV]
	Tickers *Script[models.Ticker]

	mu     sync.Mutex
	closed bool
}

var _ feed.Feed = (*Feed)(nil)

func (f *Feed) Name() string {
	if f.FeedName == "" {
		return "fake"
	}
	return f.FeedName
}

func (f *Feed) LoadMarkets(ctx context.Context) (map[string]models.Market, error) {
	if f.LoadErr != nil {
		return nil, f.LoadErr
	}
	return f.Markets, nil
}

func (f *Feed) Capabilities() models.StreamSet { return f.Caps }

func (f *Feed) Timeframes() []string {
	if f.Frames == nil {
		return []string{"1m"}
	}
	return f.Frames
}

func watch[T any](ctx context.Context, s *Script[T]) (T, error) {
	if s == nil {
		var zero T
		<-ctx.Done()
		return zero, ctx.Err()
	}
	return s.next(ctx)
}

func (f *Feed) WatchOrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error) {
	return watch(ctx, f.Books)
}

func (f *Feed) WatchTrades(ctx context.Context, symbol string) ([]models.Trade, error) {
	return watch(ctx, f.Trades)
}

func (f *Feed) WatchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.OHLCV, error) {
	return watch(ctx, f.Candles)
}

func (f *Feed) WatchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	return watch(ctx, f.Tickers)
}

func (f *Feed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
