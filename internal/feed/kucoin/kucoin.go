// Package kucoin implements feed.Feed for KuCoin futures on top of the
// KuCoin universal SDK. Trades come from the public execution topic and
// tickers are polled from the contract detail endpoint; the SDK exposes
// no order book snapshot or kline topic this recorder can rely on, so
// those streams are not offered.
package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	futurespublic "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"golang.org/x/time/rate"

	"marketrecorder/config"
	"marketrecorder/internal/feed"
	"marketrecorder/internal/models"
	"marketrecorder/internal/symbols"
	"marketrecorder/logger"
)

const (
	Name = "kucoin"

	defaultRESTURL      = "https://api-futures.kucoin.com"
	defaultPollInterval = time.Second
)

// fetchContract returns the contract detail of a native symbol.
type fetchContract func(ctx context.Context, id string) (contract, error)

// subscribeExecutions starts the execution topic of a native symbol and
// returns its unsubscribe func.
type subscribeExecutions func(id string, handle func(execution, error)) (func(), error)

type Feed struct {
	cfg          config.ExchangeConfig
	limiter      *rate.Limiter
	pollInterval time.Duration
	log          *logger.Entry

	contract   fetchContract
	executions subscribeExecutions

	client sdkapi.Client
	wsMu   sync.Mutex
	ws     futurespublic.FuturesPublicWS

	// wsFail reaches every trade subscription when the socket fails
	failMu sync.Mutex
	wsFail map[string]func(error)

	mu          sync.RWMutex
	markets     map[string]models.Market
	multipliers map[string]float64

	trades  *feed.Subscriptions[[]models.Trade]
	tickers *feed.Subscriptions[models.Ticker]
}

func New(cfg config.ExchangeConfig, stream config.StreamConfig) *Feed {
	log := logger.GetLogger().WithComponent("kucoin_feed")

	baseURL := defaultRESTURL
	if raw := strings.TrimSpace(cfg.RESTURL); raw != "" {
		baseURL = strings.TrimRight(raw, "/")
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			baseURL = fmt.Sprintf("https://%s", u.Host)
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	rps, burst := cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 1
	}

	f := &Feed{
		cfg:          cfg,
		limiter:      rate.NewLimiter(rate.Limit(rps), burst),
		pollInterval: poll,
		log:          log,
		wsFail:       make(map[string]func(error)),
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(rps + burst).
		SetMaxIdleConnsPerHost(rps + burst).
		SetMaxConnsPerHost(rps + burst).
		SetIdleConnTimeout(90 * time.Second).
		SetTimeout(timeout).
		Build()

	wsOptBuilder := sdktype.NewWebSocketClientOptionBuilder()
	if stream.QueueBuffer > 0 {
		wsOptBuilder.WithReadMessageBuffer(stream.QueueBuffer)
	}
	wsOptBuilder.WithEventCallback(func(event sdktype.WebSocketEvent, msg string) {
		if event == sdktype.EventErrorReceived || event == sdktype.EventClientFail {
			log.WithFields(logger.Fields{"event": event.String(), "message": msg}).Warn("kucoin websocket event")
			f.failTrades(fmt.Errorf("kucoin websocket %s: %s", event.String(), msg))
		}
	})

	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(baseURL).
		WithTransportOption(transportOpt).
		WithWebSocketClientOption(wsOptBuilder.Build()).
		Build()
	f.client = sdkapi.NewClient(option)

	marketAPI := f.client.RestService().GetFuturesService().GetMarketAPI()
	f.contract = func(ctx context.Context, id string) (contract, error) {
		req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(id).Build()
		resp, err := marketAPI.GetSymbol(req, ctx)
		if err != nil {
			return contract{}, err
		}
		if resp == nil {
			return contract{}, fmt.Errorf("empty response for symbol %s", id)
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			return contract{}, err
		}
		return decodeContract(raw)
	}
	f.executions = f.subscribeWS

	f.trades = feed.NewSubscriptions(Name, models.StreamTrades.String(), stream.QueueBuffer, f.startTrades)
	f.tickers = feed.NewSubscriptions(Name, models.StreamTicker.String(), stream.QueueBuffer, f.startTicker)

	log.WithFields(logger.Fields{
		"rest_url":      baseURL,
		"poll_interval": poll.String(),
	}).Info("kucoin feed initialized")
	return f
}

func (f *Feed) Name() string { return Name }

func (f *Feed) Capabilities() models.StreamSet {
	return models.NewStreamSet(models.StreamTrades, models.StreamTicker)
}

// Timeframes is empty: candles are not offered.
func (f *Feed) Timeframes() []string { return nil }

// LoadMarkets fetches the contract detail of every configured symbol.
// Symbols KuCoin does not list are skipped; the call fails only when no
// contract could be fetched at all.
func (f *Feed) LoadMarkets(ctx context.Context) (map[string]models.Market, error) {
	log := f.log.WithFields(logger.Fields{"operation": "load_markets"})
	start := time.Now()

	markets := make(map[string]models.Market)
	multipliers := make(map[string]float64)
	var lastErr error
	for _, s := range f.cfg.Symbols {
		id, category, err := symbols.ToNative(Name, s)
		if err != nil {
			log.WithError(err).WithField("symbol", s).Warn("skipping unparsable symbol")
			continue
		}
		if category == symbols.CategorySpot {
			log.WithField("symbol", s).Warn("kucoin feed records futures only, skipping spot symbol")
			continue
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		c, err := f.contract(ctx, id)
		if err != nil {
			lastErr = err
			log.WithError(err).WithField("symbol", s).Warn("failed to fetch kucoin contract")
			continue
		}
		m, ok := c.market()
		if !ok {
			log.WithFields(logger.Fields{"symbol": s, "type": c.Type}).Warn("kucoin contract is not a perpetual, skipping")
			continue
		}
		markets[m.Symbol] = m
		multipliers[m.ID] = float64(c.Multiplier)
	}
	if len(markets) == 0 && lastErr != nil {
		return nil, fmt.Errorf("load kucoin markets: %w", lastErr)
	}

	f.mu.Lock()
	f.markets = markets
	f.multipliers = multipliers
	f.mu.Unlock()

	out := make(map[string]models.Market, len(markets))
	for k, v := range markets {
		out[k] = v
	}
	logger.LogPerformanceEntry(log, "kucoin_feed", "load_markets", time.Since(start), logger.Fields{
		"markets": len(markets),
	})
	return out, nil
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

func (f *Feed) multiplier(id string) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.multipliers[id]
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

func (f *Feed) WatchOrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error) {
	return models.OrderBook{}, fmt.Errorf("%w: kucoin orderbook", feed.ErrUnsupportedStream)
}

func (f *Feed) WatchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.OHLCV, error) {
	return nil, fmt.Errorf("%w: kucoin ohlcv", feed.ErrUnsupportedStream)
}

func (f *Feed) WatchTrades(ctx context.Context, symbol string) ([]models.Trade, error) {
	m, err := f.market(symbol)
	if err != nil {
		return nil, err
	}
	return f.trades.Watch(ctx, m.ID, symbol)
}

func (f *Feed) startTrades(ctx context.Context, id string, pub feed.Publisher[[]models.Trade]) error {
	unsubscribe, err := f.executions(id, func(e execution, err error) {
		if err != nil {
			pub.Fail(err)
			return
		}
		t, err := e.trade(f.multiplier(id))
		if err != nil {
			pub.Fail(err)
			return
		}
		pub.Publish([]models.Trade{t})
	})
	if err != nil {
		return fmt.Errorf("subscribe kucoin executions %s: %w", id, err)
	}

	f.failMu.Lock()
	f.wsFail[id] = pub.Fail
	f.failMu.Unlock()

	go func() {
		<-ctx.Done()
		f.failMu.Lock()
		delete(f.wsFail, id)
		f.failMu.Unlock()
		unsubscribe()
	}()
	return nil
}

// subscribeWS starts the shared futures socket on first use and subscribes
// to the execution topic of id.
func (f *Feed) subscribeWS(id string, handle func(execution, error)) (func(), error) {
	f.wsMu.Lock()
	if f.ws == nil {
		ws := f.client.WsService().NewFuturesPublicWS()
		if ws == nil {
			f.wsMu.Unlock()
			return nil, errors.New("failed to create kucoin futures websocket client")
		}
		if err := ws.Start(); err != nil {
			f.wsMu.Unlock()
			return nil, fmt.Errorf("start kucoin websocket: %w", err)
		}
		f.ws = ws
	}
	ws := f.ws
	f.wsMu.Unlock()

	subID, err := ws.Execution(id, func(topic, subject string, data *futurespublic.ExecutionEvent) error {
		if data == nil {
			return nil
		}
		clone := *data
		clone.CommonResponse = nil
		raw, err := json.Marshal(clone)
		if err != nil {
			handle(execution{}, err)
			return nil
		}
		handle(decodeExecution(raw))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() { ws.UnSubscribe(subID) }, nil
}

func (f *Feed) failTrades(err error) {
	f.failMu.Lock()
	defer f.failMu.Unlock()
	for _, fail := range f.wsFail {
		fail(err)
	}
}

func (f *Feed) WatchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	m, err := f.market(symbol)
	if err != nil {
		return models.Ticker{}, err
	}
	return f.tickers.Watch(ctx, m.ID, symbol)
}

// startTicker polls the contract detail of id every poll interval.
func (f *Feed) startTicker(ctx context.Context, id string, pub feed.Publisher[models.Ticker]) error {
	symbol := f.unified(id)
	go func() {
		ticker := time.NewTicker(f.pollInterval)
		defer ticker.Stop()
		for {
			if err := f.limiter.Wait(ctx); err != nil {
				return
			}
			c, err := f.contract(ctx, id)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				pub.Fail(fmt.Errorf("poll kucoin contract %s: %w", id, err))
			default:
				pub.Publish(c.ticker(symbol, time.Now().UnixMilli()))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (f *Feed) Close() error {
	f.trades.Close()
	f.tickers.Close()

	f.wsMu.Lock()
	ws := f.ws
	f.ws = nil
	f.wsMu.Unlock()
	if ws != nil {
		ws.Stop()
	}
	f.log.Info("kucoin feed closed")
	return nil
}
