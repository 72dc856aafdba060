package binance

import (
	"fmt"
	"strconv"
	"sync"

	futures "github.com/adshao/go-binance/v2/futures"

	"marketrecorder/internal/models"
)

// parseLevels reads n price/quantity string pairs.
func parseLevels(n int, at func(i int) (price, qty string)) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, n)
	for i := 0; i < n; i++ {
		l, err := models.ParseLevel(at(i))
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func depthToOrderBook(symbol string, event *futures.WsDepthEvent) (models.OrderBook, error) {
	b, err := parseLevels(len(event.Bids), func(i int) (string, string) {
		return event.Bids[i].Price, event.Bids[i].Quantity
	})
	if err != nil {
		return models.OrderBook{}, fmt.Errorf("depth bids: %w", err)
	}
	a, err := parseLevels(len(event.Asks), func(i int) (string, string) {
		return event.Asks[i].Price, event.Asks[i].Quantity
	})
	if err != nil {
		return models.OrderBook{}, fmt.Errorf("depth asks: %w", err)
	}
	ts := event.TransactionTime
	if ts == 0 {
		ts = event.Time
	}
	return models.OrderBook{
		Symbol:    symbol,
		Bids:      b,
		Asks:      a,
		Nonce:     event.LastUpdateID,
		Timestamp: ts,
	}, nil
}

func aggTradeToTrade(event *futures.WsAggTradeEvent) (models.Trade, error) {
	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil {
		return models.Trade{}, fmt.Errorf("agg trade %d price %q: %w", event.AggregateTradeID, event.Price, err)
	}
	amount, err := strconv.ParseFloat(event.Quantity, 64)
	if err != nil {
		return models.Trade{}, fmt.Errorf("agg trade %d quantity %q: %w", event.AggregateTradeID, event.Quantity, err)
	}
	// the aggressor sold into a resting buy when the buyer is the maker
	side := "buy"
	if event.Maker {
		side = "sell"
	}
	return models.Trade{
		ID:           strconv.FormatInt(event.AggregateTradeID, 10),
		Side:         side,
		TakerOrMaker: "taker",
		Price:        price,
		Amount:       amount,
		Cost:         price * amount,
		Timestamp:    event.TradeTime,
	}, nil
}

func klineToOHLCV(k futures.WsKline) (models.OHLCV, error) {
	var vals [5]float64
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.OHLCV{}, fmt.Errorf("kline %d value %q: %w", k.StartTime, s, err)
		}
		vals[i] = v
	}
	return models.OHLCV{
		Timestamp: k.StartTime,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func optFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// tickerState holds the latest top of book between 24h ticker events. The
// two streams run on separate connections.
type tickerState struct {
	mu sync.Mutex

	bid, bidQty, ask, askQty *float64
}

func (s *tickerState) onBook(event *futures.WsBookTickerEvent) error {
	bid, err := strconv.ParseFloat(event.BestBidPrice, 64)
	if err != nil {
		return fmt.Errorf("book ticker bid %q: %w", event.BestBidPrice, err)
	}
	ask, err := strconv.ParseFloat(event.BestAskPrice, 64)
	if err != nil {
		return fmt.Errorf("book ticker ask %q: %w", event.BestAskPrice, err)
	}
	s.mu.Lock()
	s.bid, s.ask = &bid, &ask
	s.bidQty, s.askQty = optFloat(event.BestBidQty), optFloat(event.BestAskQty)
	s.mu.Unlock()
	return nil
}

func (s *tickerState) onMarket(symbol string, event *futures.WsMarketTickerEvent) (models.Ticker, error) {
	last := optFloat(event.ClosePrice)
	if last == nil {
		return models.Ticker{}, fmt.Errorf("ticker %s: invalid close price %q", event.Symbol, event.ClosePrice)
	}
	tk := models.Ticker{
		Symbol:      symbol,
		Timestamp:   event.Time,
		Last:        last,
		Close:       last,
		High:        optFloat(event.HighPrice),
		Low:         optFloat(event.LowPrice),
		Open:        optFloat(event.OpenPrice),
		VWAP:        optFloat(event.WeightedAvgPrice),
		Change:      optFloat(event.PriceChange),
		Percentage:  optFloat(event.PriceChangePercent),
		BaseVolume:  optFloat(event.BaseVolume),
		QuoteVolume: optFloat(event.QuoteVolume),
		Info: map[string]interface{}{
			"symbol":     event.Symbol,
			"open_time":  event.OpenTime,
			"close_time": event.CloseTime,
			"count":      event.TradeCount,
		},
	}
	if tk.Open != nil {
		tk.Average = models.Float((*tk.Open + *last) / 2)
	}

	s.mu.Lock()
	tk.Bid, tk.BidVolume, tk.Ask, tk.AskVolume = s.bid, s.bidQty, s.ask, s.askQty
	s.mu.Unlock()
	return tk, nil
}
