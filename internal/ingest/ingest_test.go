package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketrecorder/config"
	"marketrecorder/internal/feed"
	"marketrecorder/internal/feed/feedtest"
	"marketrecorder/internal/models"
	"marketrecorder/internal/storage"
)

func testConfig(exchanges ...config.ExchangeConfig) *config.Config {
	return &config.Config{
		Exchanges: exchanges,
		Stream: config.StreamConfig{
			Timeframe:      "1m",
			CandleLimit:    1,
			OrderbookDepth: 50,
			LogCooldown:    time.Second,
			QueueBuffer:    8,
		},
	}
}

func market(symbol string) map[string]models.Market {
	return map[string]models.Market{symbol: {Symbol: symbol}}
}

func TestRunSkipsBrokenExchangesAndUnknownSymbols(t *testing.T) {
	tickers := feedtest.NewScript(feedtest.Value(models.Ticker{Timestamp: 1, Last: models.Float(1)}))
	good := &feedtest.Feed{
		FeedName: "bybit",
		Caps:     models.NewStreamSet(models.StreamTicker),
		Markets:  market("BTC/USDT:USDT"),
		Tickers:  tickers,
	}
	broken := &feedtest.Feed{FeedName: "binance", LoadErr: errors.New("exchange info: 503")}

	factory := func(cfg config.ExchangeConfig, _ config.StreamConfig) (feed.Feed, error) {
		switch cfg.Name {
		case "bybit":
			return good, nil
		case "binance":
			return broken, nil
		default:
			return nil, errors.New("unknown exchange")
		}
	}

	cfg := testConfig(
		config.ExchangeConfig{Name: "bybit", Symbols: []string{"btc/usdt:usdt", "DOGE/USDT:USDT"}},
		config.ExchangeConfig{Name: "binance", Symbols: []string{"BTC/USDT:USDT"}},
		config.ExchangeConfig{Name: "mtgox", Symbols: []string{"BTC/USD"}},
	)
	mem := storage.NewMemory()
	o := New(cfg, mem, WithFeedFactory(factory))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	select {
	case <-tickers.Idle():
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("ticker script not consumed")
	}

	statuses := o.Statuses()
	if len(statuses) != 1 || statuses[0].Symbol != "BTC/USDT:USDT" || statuses[0].Stream != "ticker" {
		t.Fatalf("expected one ticker watcher for BTC, got %+v", statuses)
	}
	if !broken.Closed() {
		t.Error("feed with failed market load should be closed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if !good.Closed() {
		t.Error("feeds must be closed once supervisors return")
	}
	if n := len(mem.Snapshot().Tickers); n != 1 {
		t.Errorf("expected 1 ticker record, got %d", n)
	}
}

func TestRunWithNothingToRecord(t *testing.T) {
	disabled := false
	cfg := testConfig(
		config.ExchangeConfig{Name: "bybit", Enabled: &disabled, Symbols: []string{"BTC/USDT:USDT"}},
		config.ExchangeConfig{Name: "binance", Symbols: []string{"BTC/USDT:USDT"}},
	)
	empty := &feedtest.Feed{FeedName: "binance", Markets: market("ETH/USDT:USDT")}
	o := New(cfg, storage.NewMemory(), WithFeedFactory(func(config.ExchangeConfig, config.StreamConfig) (feed.Feed, error) {
		return empty, nil
	}))

	if err := o.Run(context.Background()); !errors.Is(err, ErrNothingToRecord) {
		t.Fatalf("Run returned %v, want ErrNothingToRecord", err)
	}
	if !empty.Closed() {
		t.Error("unused feed should be closed")
	}
}

func TestInvalidAllowListSkipsExchange(t *testing.T) {
	cfg := testConfig(config.ExchangeConfig{Name: "bybit", Symbols: []string{"BTC/USDT:USDT"}, Streams: []string{"funding"}})
	var created bool
	o := New(cfg, storage.NewMemory(), WithFeedFactory(func(config.ExchangeConfig, config.StreamConfig) (feed.Feed, error) {
		created = true
		return &feedtest.Feed{}, nil
	}))
	if err := o.Run(context.Background()); !errors.Is(err, ErrNothingToRecord) {
		t.Fatalf("Run returned %v", err)
	}
	if created {
		t.Error("feed should not be opened for an invalid allow-list")
	}
}
