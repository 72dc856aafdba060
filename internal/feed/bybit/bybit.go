// Package bybit implements feed.Feed on top of the Bybit v5 public
// websocket streams.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	bybitapi "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	"marketrecorder/config"
	"marketrecorder/internal/feed"
	"marketrecorder/internal/models"
	"marketrecorder/internal/symbols"
	"marketrecorder/logger"
)

const (
	Name = "bybit"

	defaultWSURL   = "wss://stream.bybit.com/v5/public"
	defaultRESTURL = "https://api.bybit.com"
)

var intervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W", "1M": "M",
}

type Feed struct {
	cfg     config.ExchangeConfig
	wsURL   string
	client  *bybitapi.Client
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
	log := logger.GetLogger().WithComponent("bybit_feed")

	restURL := strings.TrimRight(strings.TrimSpace(cfg.RESTURL), "/")
	if restURL == "" {
		restURL = defaultRESTURL
	}
	wsURL := strings.TrimRight(strings.TrimSpace(cfg.WSURL), "/")
	if wsURL == "" {
		wsURL = defaultWSURL
	}

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

	client := bybitapi.NewBybitHttpClient("", "", bybitapi.WithBaseURL(restURL))
	client.HTTPClient = &http.Client{Transport: transport, Timeout: timeout}

	rps, burst := cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 1
	}

	f := &Feed{
		cfg:     cfg,
		wsURL:   wsURL,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}
	f.books = feed.NewSubscriptions(Name, models.StreamOrderBook.String(), stream.QueueBuffer, f.startOrderBook)
	f.trades = feed.NewSubscriptions(Name, models.StreamTrades.String(), stream.QueueBuffer, f.startTrades)
	f.candles = feed.NewSubscriptions(Name, models.StreamOHLCV.String(), stream.QueueBuffer, f.startOHLCV)
	f.tickers = feed.NewSubscriptions(Name, models.StreamTicker.String(), stream.QueueBuffer, f.startTicker)

	log.WithFields(logger.Fields{
		"rest_url": restURL,
		"ws_url":   wsURL,
		"local_ip": cfg.LocalIP,
	}).Info("bybit feed initialized")
	return f
}

func (f *Feed) Name() string { return Name }

func (f *Feed) Capabilities() models.StreamSet {
	return models.NewStreamSet(models.AllStreams...)
}

func (f *Feed) Timeframes() []string {
	out := make([]string, 0, len(intervals))
	for tf := range intervals {
		out = append(out, tf)
	}
	sort.Strings(out)
	return out
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

// subscription keys are "<category>|<topic>"
func (f *Feed) key(symbol, topicFmt string, args ...interface{}) (string, error) {
	m, err := f.market(symbol)
	if err != nil {
		return "", err
	}
	return m.Category + "|" + fmt.Sprintf(topicFmt, append(args, m.ID)...), nil
}

func splitKey(key string) (category, topic string) {
	category, topic, _ = strings.Cut(key, "|")
	return
}

func (f *Feed) newSession(key string, handle func([]byte) error, onDrop func(error)) *session {
	category, topic := splitKey(key)
	return &session{
		url:            f.wsURL + "/" + category,
		topic:          topic,
		localIP:        f.cfg.LocalIP,
		reconnectDelay: f.cfg.ReconnectDelay,
		log:            f.log.WithFields(logger.Fields{"topic": topic, "category": category}),
		handle:         handle,
		onDrop:         onDrop,
	}
}

// orderBookDepth picks the smallest published depth holding depth levels.
func orderBookDepth(category string, depth int) int {
	depths := []int{1, 50, 200, 500}
	if category == string(symbols.CategorySpot) {
		depths = []int{1, 50, 200}
	}
	for _, d := range depths {
		if depth <= d {
			return d
		}
	}
	return depths[len(depths)-1]
}

func (f *Feed) WatchOrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error) {
	m, err := f.market(symbol)
	if err != nil {
		return models.OrderBook{}, err
	}
	key := fmt.Sprintf("%s|orderbook.%d.%s|%d", m.Category, orderBookDepth(m.Category, depth), m.ID, depth)
	return f.books.Watch(ctx, key, symbol)
}

func (f *Feed) startOrderBook(ctx context.Context, key string, pub feed.Publisher[models.OrderBook]) error {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid orderbook subscription %q", key)
	}
	category, topic := parts[0], parts[1]
	depth, err := strconv.Atoi(parts[2])
	if err != nil {
		return fmt.Errorf("invalid orderbook depth in %q: %w", key, err)
	}
	symbol := f.unified(topic[strings.LastIndex(topic, ".")+1:], category)

	book := feed.NewBook()
	synced := false
	s := f.newSession(category+"|"+topic, func(msg []byte) error {
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			return err
		}
		var data orderBookData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			pub.Fail(fmt.Errorf("decode orderbook: %w", err))
			return err
		}
		bids, err := parseLevels(data.Bids)
		if err != nil {
			pub.Fail(err)
			return err
		}
		asks, err := parseLevels(data.Asks)
		if err != nil {
			pub.Fail(err)
			return err
		}

		switch env.Type {
		case "snapshot":
			book.Reset(bids, asks)
			synced = true
		case "delta":
			if !synced {
				return nil
			}
			book.Apply(bids, asks)
		default:
			return nil
		}

		topBids, topAsks := book.Top(depth)
		ts := env.CTS
		if ts == 0 {
			ts = env.TS
		}
		pub.Publish(models.OrderBook{
			Symbol:    symbol,
			Bids:      topBids,
			Asks:      topAsks,
			Nonce:     data.Update,
			Timestamp: ts,
		})
		return nil
	}, func(err error) {
		// a fresh snapshot follows every reconnect
		synced = false
		pub.Fail(err)
	})
	go s.run(ctx)
	return nil
}

func (f *Feed) WatchTrades(ctx context.Context, symbol string) ([]models.Trade, error) {
	key, err := f.key(symbol, "publicTrade.%s")
	if err != nil {
		return nil, err
	}
	return f.trades.Watch(ctx, key, symbol)
}

func (f *Feed) startTrades(ctx context.Context, key string, pub feed.Publisher[[]models.Trade]) error {
	s := f.newSession(key, func(msg []byte) error {
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			return err
		}
		trades, err := parseTrades(env.Data)
		if err != nil {
			pub.Fail(err)
			return err
		}
		if len(trades) > 0 {
			pub.Publish(trades)
		}
		return nil
	}, pub.Fail)
	go s.run(ctx)
	return nil
}

func (f *Feed) WatchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.OHLCV, error) {
	interval, ok := intervals[timeframe]
	if !ok {
		return nil, fmt.Errorf("bybit does not support timeframe %q", timeframe)
	}
	key, err := f.key(symbol, "kline.%s.%s", interval)
	if err != nil {
		return nil, err
	}
	return f.candles.Watch(ctx, fmt.Sprintf("%s|%d", key, limit), symbol)
}

func (f *Feed) startOHLCV(ctx context.Context, key string, pub feed.Publisher[[]models.OHLCV]) error {
	category, rest := splitKey(key)
	topic, limitStr, _ := strings.Cut(rest, "|")
	limit, _ := strconv.Atoi(limitStr)
	cache := feed.NewCandles(limit)
	s := f.newSession(category+"|"+topic, func(msg []byte) error {
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			return err
		}
		klines, err := parseKlines(env.Data)
		if err != nil {
			pub.Fail(err)
			return err
		}
		for _, k := range klines {
			cache.Upsert(k)
		}
		pub.Publish(cache.Snapshot())
		return nil
	}, pub.Fail)
	go s.run(ctx)
	return nil
}

func (f *Feed) WatchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	key, err := f.key(symbol, "tickers.%s")
	if err != nil {
		return models.Ticker{}, err
	}
	return f.tickers.Watch(ctx, key, symbol)
}

func (f *Feed) startTicker(ctx context.Context, key string, pub feed.Publisher[models.Ticker]) error {
	category, topic := splitKey(key)
	symbol := f.unified(strings.TrimPrefix(topic, "tickers."), category)

	state := tickerState{}
	s := f.newSession(key, func(msg []byte) error {
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			return err
		}
		if env.Type == "snapshot" {
			state = tickerState{}
		}
		if err := state.merge(env.Data); err != nil {
			pub.Fail(err)
			return err
		}
		pub.Publish(state.ticker(symbol, env.TS))
		return nil
	}, pub.Fail)
	go s.run(ctx)
	return nil
}

// unified maps a native id back to the loaded unified symbol.
func (f *Feed) unified(id, category string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sym, m := range f.markets {
		if m.ID == id && m.Category == category {
			return sym
		}
	}
	return id
}

func (f *Feed) Close() error {
	f.books.Close()
	f.trades.Close()
	f.candles.Close()
	f.tickers.Close()
	f.log.Info("bybit feed closed")
	return nil
}
