package binance

import (
	"context"
	"errors"
	"testing"

	futures "github.com/adshao/go-binance/v2/futures"

	"marketrecorder/config"
	"marketrecorder/internal/feed"
	"marketrecorder/internal/models"
)

func TestAggTradeSide(t *testing.T) {
	trade, err := aggTradeToTrade(&futures.WsAggTradeEvent{
		AggregateTradeID: 7,
		Price:            "100",
		Quantity:         "0.25",
		TradeTime:        1700000000000,
		Maker:            true,
	})
	if err != nil {
		t.Fatalf("aggTradeToTrade: %v", err)
	}
	if trade.ID != "7" || trade.Side != "sell" || trade.Cost != 25 || trade.Timestamp != 1700000000000 {
		t.Fatalf("unexpected trade: %+v", trade)
	}

	trade, _ = aggTradeToTrade(&futures.WsAggTradeEvent{Price: "1", Quantity: "1"})
	if trade.Side != "buy" {
		t.Errorf("taker buy expected, got %s", trade.Side)
	}

	if _, err := aggTradeToTrade(&futures.WsAggTradeEvent{Price: "nan?", Quantity: "1"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestKlineToOHLCV(t *testing.T) {
	c, err := klineToOHLCV(futures.WsKline{StartTime: 60000, Open: "1", High: "3", Low: "0.5", Close: "2", Volume: "10"})
	if err != nil {
		t.Fatalf("klineToOHLCV: %v", err)
	}
	want := models.OHLCV{Timestamp: 60000, Open: 1, High: 3, Low: 0.5, Close: 2, Volume: 10}
	if c != want {
		t.Fatalf("got %+v want %+v", c, want)
	}
	if _, err := klineToOHLCV(futures.WsKline{Open: "x"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTickerJoinsBookTicker(t *testing.T) {
	state := &tickerState{}
	tk, err := state.onMarket("BTC/USDT:USDT", &futures.WsMarketTickerEvent{
		Time: 1, Symbol: "BTCUSDT", ClosePrice: "110", OpenPrice: "100", PriceChange: "10", PriceChangePercent: "10",
	})
	if err != nil {
		t.Fatalf("onMarket: %v", err)
	}
	if tk.Bid != nil || tk.Ask != nil {
		t.Fatalf("no book ticker yet, got bid %v ask %v", tk.Bid, tk.Ask)
	}
	if tk.Average == nil || *tk.Average != 105 {
		t.Errorf("unexpected average %v", tk.Average)
	}

	if err := state.onBook(&futures.WsBookTickerEvent{BestBidPrice: "109", BestBidQty: "2", BestAskPrice: "111", BestAskQty: "3"}); err != nil {
		t.Fatalf("onBook: %v", err)
	}
	tk, _ = state.onMarket("BTC/USDT:USDT", &futures.WsMarketTickerEvent{Time: 2, ClosePrice: "110"})
	if tk.Bid == nil || *tk.Bid != 109 || tk.AskVolume == nil || *tk.AskVolume != 3 {
		t.Fatalf("book ticker not joined: %+v", tk)
	}

	if _, err := state.onMarket("BTC/USDT:USDT", &futures.WsMarketTickerEvent{}); err == nil {
		t.Fatal("missing close price should fail")
	}
}

func TestPartialDepth(t *testing.T) {
	for depth, want := range map[int]int{1: 5, 5: 5, 7: 10, 20: 20, 50: 20} {
		if got := partialDepth(depth); got != want {
			t.Errorf("partialDepth(%d)=%d want %d", depth, got, want)
		}
	}
}

func TestToMarketKeepsLinearPerpetuals(t *testing.T) {
	m, ok := toMarket(futures.Symbol{
		Symbol: "BTCUSDT", ContractType: futures.ContractTypePerpetual, Status: "TRADING",
		BaseAsset: "BTC", QuoteAsset: "USDT", MarginAsset: "USDT",
	})
	if !ok || m.Symbol != "BTC/USDT:USDT" || !m.Active {
		t.Fatalf("unexpected market: %+v", m)
	}
	if _, ok := toMarket(futures.Symbol{Symbol: "BTCUSDT_250328", ContractType: "CURRENT_QUARTER", BaseAsset: "BTC", QuoteAsset: "USDT"}); ok {
		t.Fatal("quarterly contract should be skipped")
	}
}

func TestWatchRequiresLoadedMarket(t *testing.T) {
	f := New(config.ExchangeConfig{Name: Name}, config.StreamConfig{QueueBuffer: 4})
	defer f.Close()

	if _, err := f.WatchTrades(context.Background(), "BTC/USDT:USDT"); !errors.Is(err, feed.ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
	f.SetMarkets(models.Market{Symbol: "BTC/USDT:USDT", ID: "BTCUSDT", Category: "linear"})
	if _, err := f.WatchOHLCV(context.Background(), "BTC/USDT:USDT", "2m", 1); err == nil {
		t.Fatal("expected error for unsupported timeframe")
	}
	if got := f.unified("BTCUSDT"); got != "BTC/USDT:USDT" {
		t.Errorf("unified=%s", got)
	}
}
