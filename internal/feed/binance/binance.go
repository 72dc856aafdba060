// Package binance implements feed.Feed for Binance USDⓈ-M perpetual futures
// on top of the go-binance websocket streams.
package binance

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"marketrecorder/config"
	"marketrecorder/internal/feed"
	"marketrecorder/internal/models"
	"marketrecorder/internal/symbols"
	"marketrecorder/logger"
)

const Name = "binance"

const defaultReconnectDelay = 5 * time.Second

// partial depth streams only publish these level counts
var depthLevels = []int{5, 10, 20}

var timeframes = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

type Feed struct {
	cfg     config.ExchangeConfig
	client  *futures.Client
	limiter *rate.Limiter
	log     *logger.Entry

	mu      sync.RWMutex
	markets map[string]models.Market

	books   *feed.Subscriptions[models.OrderBook]
	trades  *feed.Subscriptions[[]models.Trade]
	candles *feed.Subscriptions[[]models.OHLCV]
	tickers *feed.Subscriptions[models.Ticker]
}

func New(cfg config.ExchangeConfig, stream config.StreamConfig) *Feed {
	log := logger.GetLogger().WithComponent("binance_feed")

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.LocalIP != "" {
		if ip := net.ParseIP(cfg.LocalIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
			transport.DialContext = dialer.DialContext
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{Transport: transport, Timeout: timeout}
	if base := strings.TrimRight(strings.TrimSpace(cfg.RESTURL), "/"); base != "" {
		client.SetApiEndpoint(base)
	}
	if cfg.WSURL != "" {
		log.WithField("ws_url", cfg.WSURL).Warn("binance websocket endpoint is fixed by the client library, ignoring ws_url")
	}

	rps, burst := cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 1
	}

	f := &Feed{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}
	f.books = feed.NewSubscriptions(Name, models.StreamOrderBook.String(), stream.QueueBuffer, f.startOrderBook)
	f.trades = feed.NewSubscriptions(Name, models.StreamTrades.String(), stream.QueueBuffer, f.startTrades)
	f.candles = feed.NewSubscriptions(Name, models.StreamOHLCV.String(), stream.QueueBuffer, f.startOHLCV)
	f.tickers = feed.NewSubscriptions(Name, models.StreamTicker.String(), stream.QueueBuffer, f.startTicker)

	log.WithFields(logger.Fields{
		"rest_url": cfg.RESTURL,
		"local_ip": cfg.LocalIP,
		"timeout":  timeout,
	}).Info("binance feed initialized")
	return f
}

func (f *Feed) Name() string { return Name }

func (f *Feed) Capabilities() models.StreamSet {
	return models.NewStreamSet(models.AllStreams...)
}

func (f *Feed) Timeframes() []string {
	out := make([]string, 0, len(timeframes))
	for tf := range timeframes {
		out = append(out, tf)
	}
	sort.Strings(out)
	return out
}

// LoadMarkets reads the futures exchange info and keeps USDⓈ-M perpetuals.
func (f *Feed) LoadMarkets(ctx context.Context) (map[string]models.Market, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	info, err := f.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("load binance markets: %w", err)
	}

	markets := make(map[string]models.Market, len(info.Symbols))
	for _, s := range info.Symbols {
		if m, ok := toMarket(s); ok {
			markets[m.Symbol] = m
		}
	}

	f.mu.Lock()
	f.markets = markets
	f.mu.Unlock()

	out := make(map[string]models.Market, len(markets))
	for k, v := range markets {
		out[k] = v
	}
	logger.LogPerformanceEntry(f.log, "binance_feed", "load_markets", time.Since(start), logger.Fields{
		"markets": len(markets),
	})
	return out, nil
}

func toMarket(s futures.Symbol) (models.Market, bool) {
	if s.ContractType != futures.ContractTypePerpetual || s.BaseAsset == "" || s.QuoteAsset == "" {
		return models.Market{}, false
	}
	// coin margined contracts live on the dapi endpoints
	if s.MarginAsset != "" && s.MarginAsset != s.QuoteAsset {
		return models.Market{}, false
	}
	return models.Market{
		Symbol:   symbols.FromParts(s.BaseAsset, s.QuoteAsset, symbols.CategoryLinear),
		ID:       s.Symbol,
		Base:     s.BaseAsset,
		Quote:    s.QuoteAsset,
		Settle:   s.QuoteAsset,
		Category: string(symbols.CategoryLinear),
		Active:   s.Status == "TRADING",
	}, true
}

// SetMarkets replaces the market table. Tests use it to skip the REST call.
func (f *Feed) SetMarkets(markets ...models.Market) {
	table := make(map[string]models.Market, len(markets))
	for _, m := range markets {
		table[m.Symbol] = m
	}
	f.mu.Lock()
	f.markets = table
	f.mu.Unlock()
}

func (f *Feed) market(symbol string) (models.Market, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.markets[symbol]
	if !ok {
		return models.Market{}, fmt.Errorf("%w: %s on %s", feed.ErrUnknownSymbol, symbol, Name)
	}
	return m, nil
}

func (f *Feed) unified(id string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sym, m := range f.markets {
		if m.ID == id {
			return sym
		}
	}
	return id
}

func partialDepth(depth int) int {
	for _, l := range depthLevels {
		if depth <= l {
			return l
		}
	}
	return depthLevels[len(depthLevels)-1]
}

func (f *Feed) WatchOrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error) {
	m, err := f.market(symbol)
	if err != nil {
		return models.OrderBook{}, err
	}
	return f.books.Watch(ctx, fmt.Sprintf("%s|%d", m.ID, partialDepth(depth)), symbol)
}

func (f *Feed) startOrderBook(ctx context.Context, key string, pub feed.Publisher[models.OrderBook]) error {
	id, levelStr, _ := strings.Cut(key, "|")
	levels, err := strconv.Atoi(levelStr)
	if err != nil {
		return fmt.Errorf("invalid orderbook subscription %q: %w", key, err)
	}
	symbol := f.unified(id)

	handler := func(event *futures.WsDepthEvent) {
		book, err := depthToOrderBook(symbol, event)
		if err != nil {
			pub.Fail(err)
			return
		}
		pub.Publish(book)
	}
	go f.serve(ctx, "depth", id, pub.Fail, func(errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error) {
		return futures.WsPartialDepthServe(id, levels, handler, errHandler)
	})
	return nil
}

func (f *Feed) WatchTrades(ctx context.Context, symbol string) ([]models.Trade, error) {
	m, err := f.market(symbol)
	if err != nil {
		return nil, err
	}
	return f.trades.Watch(ctx, m.ID, symbol)
}

func (f *Feed) startTrades(ctx context.Context, id string, pub feed.Publisher[[]models.Trade]) error {
	handler := func(event *futures.WsAggTradeEvent) {
		trade, err := aggTradeToTrade(event)
		if err != nil {
			pub.Fail(err)
			return
		}
		pub.Publish([]models.Trade{trade})
	}
	go f.serve(ctx, "aggTrade", id, pub.Fail, func(errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error) {
		return futures.WsAggTradeServe(id, handler, errHandler)
	})
	return nil
}

func (f *Feed) WatchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.OHLCV, error) {
	if !timeframes[timeframe] {
		return nil, fmt.Errorf("binance does not support timeframe %q", timeframe)
	}
	m, err := f.market(symbol)
	if err != nil {
		return nil, err
	}
	return f.candles.Watch(ctx, fmt.Sprintf("%s|%s|%d", m.ID, timeframe, limit), symbol)
}

func (f *Feed) startOHLCV(ctx context.Context, key string, pub feed.Publisher[[]models.OHLCV]) error {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid kline subscription %q", key)
	}
	id, interval := parts[0], parts[1]
	limit, _ := strconv.Atoi(parts[2])

	// handler calls are serialized per connection
	cache := feed.NewCandles(limit)
	handler := func(event *futures.WsKlineEvent) {
		candle, err := klineToOHLCV(event.Kline)
		if err != nil {
			pub.Fail(err)
			return
		}
		cache.Upsert(candle)
		pub.Publish(cache.Snapshot())
	}
	go f.serve(ctx, "kline_"+interval, id, pub.Fail, func(errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error) {
		return futures.WsKlineServe(id, interval, handler, errHandler)
	})
	return nil
}

func (f *Feed) WatchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	m, err := f.market(symbol)
	if err != nil {
		return models.Ticker{}, err
	}
	return f.tickers.Watch(ctx, m.ID, symbol)
}

// startTicker joins the 24h rolling ticker with the best bid/ask stream. A
// ticker is published on every 24h update carrying the latest top of book.
func (f *Feed) startTicker(ctx context.Context, id string, pub feed.Publisher[models.Ticker]) error {
	symbol := f.unified(id)
	state := &tickerState{}

	marketHandler := func(event *futures.WsMarketTickerEvent) {
		tk, err := state.onMarket(symbol, event)
		if err != nil {
			pub.Fail(err)
			return
		}
		pub.Publish(tk)
	}
	bookHandler := func(event *futures.WsBookTickerEvent) {
		if err := state.onBook(event); err != nil {
			f.log.WithError(err).WithField("symbol", symbol).Debug("failed to parse book ticker")
		}
	}

	go f.serve(ctx, "ticker", id, pub.Fail, func(errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error) {
		return futures.WsMarketTickerServe(id, marketHandler, errHandler)
	})
	go f.serve(ctx, "bookTicker", id, pub.Fail, func(errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error) {
		return futures.WsBookTickerServe(id, bookHandler, errHandler)
	})
	return nil
}

type serveFunc func(errHandler futures.ErrHandler) (doneC, stopC chan struct{}, err error)

// serve keeps one go-binance stream open until ctx is done. Every dropped
// connection is reported through onDrop.
func (f *Feed) serve(ctx context.Context, stream, id string, onDrop func(error), open serveFunc) {
	log := f.log.WithFields(logger.Fields{"symbol": id, "channel": stream})
	delay := f.cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	errHandler := func(err error) {
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		doneC, stopC, err := open(errHandler)
		if err != nil {
			log.WithError(err).Warn("failed to subscribe to binance stream")
			onDrop(fmt.Errorf("subscribe %s@%s: %w", id, stream, err))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			log.Warn("binance stream closed, reconnecting")
			onDrop(fmt.Errorf("binance stream %s@%s interrupted", id, stream))
			close(stopC)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func (f *Feed) Close() error {
	f.books.Close()
	f.trades.Close()
	f.candles.Close()
	f.tickers.Close()
	f.log.Info("binance feed closed")
	return nil
}
