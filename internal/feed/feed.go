// Package feed defines the exchange adapter consumed by the watchers and the
// plumbing shared by the adapter implementations.
package feed

import (
	"context"
	"errors"

	"marketrecorder/internal/models"
)

var (
	// ErrUnsupportedStream is returned by a Watch call for a stream outside
	// Capabilities.
	ErrUnsupportedStream = errors.New("stream not supported by feed")
	// ErrClosed is returned once the feed has been closed.
	ErrClosed = errors.New("feed closed")
	// ErrUnknownSymbol is returned for symbols missing from the loaded markets.
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// SupportsTimeframe reports whether f accepts timeframe for WatchOHLCV.
func SupportsTimeframe(f Feed, timeframe string) bool {
	for _, tf := range f.Timeframes() {
		if tf == timeframe {
			return true
		}
	}
	return false
}

// Feed is one exchange connection. Every Watch call blocks until the next
// update for the symbol arrives; the subscription is opened on first use
// and kept alive, reconnecting as needed, until Close.
//
// Symbols are unified ("BTC/USDT:USDT"). LoadMarkets must succeed before
// any Watch call.
type Feed interface {
	Name() string
	LoadMarkets(ctx context.Context) (map[string]models.Market, error)
	Capabilities() models.StreamSet
	// Timeframes lists the candle timeframes WatchOHLCV accepts.
	Timeframes() []string

	WatchOrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error)
	WatchTrades(ctx context.Context, symbol string) ([]models.Trade, error)
	// WatchOHLCV returns up to limit most recent candles of the timeframe,
	// oldest first. The newest one may still be forming.
	WatchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.OHLCV, error)
	WatchTicker(ctx context.Context, symbol string) (models.Ticker, error)

	Close() error
}
