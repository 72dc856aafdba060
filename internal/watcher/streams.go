package watcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"marketrecorder/internal/feed"
	"marketrecorder/internal/models"
	"marketrecorder/internal/storage"
)

var errMissingTimestamp = errors.New("missing timestamp")

// New builds the watcher recording stream from f.
func New(stream models.Stream, f feed.Feed, params Params, deps Deps) (*Watcher, error) {
	switch stream {
	case models.StreamOrderBook:
		return NewOrderBook(f, params, deps), nil
	case models.StreamTrades:
		return NewTrades(f, params, deps), nil
	case models.StreamOHLCV:
		return NewOHLCV(f, params, deps), nil
	case models.StreamTicker:
		return NewTicker(f, params, deps), nil
	default:
		return nil, fmt.Errorf("no watcher for stream %s", stream)
	}
}

func NewOrderBook(f feed.Feed, params Params, deps Deps) *Watcher {
	w := newWatcher(models.StreamOrderBook, params, deps)
	pipeline[models.OrderBook, *models.OrderBookRecord]{
		wait: func(ctx context.Context) (models.OrderBook, error) {
			return f.WatchOrderBook(ctx, params.Symbol, params.Depth)
		},
		timestamp: func(ob models.OrderBook) int64 { return ob.Timestamp },
		transform: func(ob models.OrderBook, observed time.Time) (*models.OrderBookRecord, bool, error) {
			r, err := OrderBookRecord(params.Exchange, params.Symbol, ob, observed)
			return r, err == nil, err
		},
		insert: func(tx storage.Tx, r *models.OrderBookRecord) (int, uint64, error) {
			if err := tx.InsertOrderBook(r); err != nil {
				return 0, 0, err
			}
			return 1, r.ID, nil
		},
	}.bind(w)
	return w
}

func NewTrades(f feed.Feed, params Params, deps Deps) *Watcher {
	w := newWatcher(models.StreamTrades, params, deps)
	pipeline[[]models.Trade, []models.TradeRecord]{
		wait: func(ctx context.Context) ([]models.Trade, error) {
			return f.WatchTrades(ctx, params.Symbol)
		},
		timestamp: func(ts []models.Trade) int64 {
			if len(ts) == 0 {
				return 0
			}
			return ts[len(ts)-1].Timestamp
		},
		transform: func(ts []models.Trade, observed time.Time) ([]models.TradeRecord, bool, error) {
			rs, err := TradeRecords(params.Exchange, params.Symbol, ts, observed)
			return rs, len(rs) > 0, err
		},
		insert: func(tx storage.Tx, rs []models.TradeRecord) (int, uint64, error) {
			if err := tx.InsertTrades(rs); err != nil {
				return 0, 0, err
			}
			return len(rs), rs[len(rs)-1].ID, nil
		},
	}.bind(w)
	return w
}

// NewOHLCV records closed candles. The feed hands back the most recent
// CandleLimit candles, oldest first; the newest one drives the detector.
func NewOHLCV(f feed.Feed, params Params, deps Deps) *Watcher {
	w := newWatcher(models.StreamOHLCV, params, deps)
	det := &CandleDetector{}

	newest := func(cs []models.OHLCV) (models.OHLCV, error) {
		if len(cs) == 0 {
			return models.OHLCV{}, errors.New("empty candle batch")
		}
		c := cs[len(cs)-1]
		if c.Timestamp <= 0 {
			return models.OHLCV{}, errMissingTimestamp
		}
		return c, nil
	}

	pipeline[[]models.OHLCV, *models.CandleRecord]{
		wait: func(ctx context.Context) ([]models.OHLCV, error) {
			return f.WatchOHLCV(ctx, params.Symbol, params.Timeframe, params.CandleLimit)
		},
		timestamp: func(cs []models.OHLCV) int64 {
			if len(cs) == 0 {
				return 0
			}
			return cs[len(cs)-1].Timestamp
		},
		transform: func(cs []models.OHLCV, observed time.Time) (*models.CandleRecord, bool, error) {
			c, err := newest(cs)
			if err != nil {
				return nil, false, err
			}
			closed, ok := det.Boundary(c)
			if !ok {
				return nil, false, nil
			}
			return CandleRecord(params.Exchange, params.Symbol, params.Timeframe, closed, observed), true, nil
		},
		insert: func(tx storage.Tx, r *models.CandleRecord) (int, uint64, error) {
			if err := tx.InsertCandle(r); err != nil {
				return 0, 0, err
			}
			return 1, r.ID, nil
		},
		// Only reached after a successful commit or a skip. A failed insert
		// leaves the cursor on the unwritten bar so the next update writes
		// it again (see "Failed candle write" in DESIGN.md).
		commit: func(cs []models.OHLCV) {
			if c, err := newest(cs); err == nil {
				det.Advance(c)
			}
		},
	}.bind(w)
	return w
}

func NewTicker(f feed.Feed, params Params, deps Deps) *Watcher {
	w := newWatcher(models.StreamTicker, params, deps)
	pipeline[models.Ticker, *models.TickerRecord]{
		wait: func(ctx context.Context) (models.Ticker, error) {
			return f.WatchTicker(ctx, params.Symbol)
		},
		timestamp: func(t models.Ticker) int64 { return t.Timestamp },
		transform: func(t models.Ticker, observed time.Time) (*models.TickerRecord, bool, error) {
			r, err := TickerRecord(params.Exchange, params.Symbol, t, observed)
			return r, err == nil, err
		},
		insert: func(tx storage.Tx, r *models.TickerRecord) (int, uint64, error) {
			if err := tx.InsertTicker(r); err != nil {
				return 0, 0, err
			}
			return 1, r.ID, nil
		},
	}.bind(w)
	return w
}

func symbolOr(got, want string) string {
	if got != "" {
		return got
	}
	return want
}

func OrderBookRecord(exchange, symbol string, ob models.OrderBook, observed time.Time) (*models.OrderBookRecord, error) {
	if ob.Timestamp <= 0 {
		return nil, fmt.Errorf("orderbook: %w", errMissingTimestamp)
	}
	r := &models.OrderBookRecord{
		Exchange:   exchange,
		Symbol:     symbolOr(ob.Symbol, symbol),
		Bids:       ob.Bids,
		Asks:       ob.Asks,
		DateTime:   models.MillisToTime(ob.Timestamp),
		Timestamp:  ob.Timestamp,
		ObservedAt: observed,
	}
	if ob.Nonce != 0 {
		r.Nonce = strconv.FormatInt(ob.Nonce, 10)
	}
	return r, nil
}

// TradeRecords normalizes a trade batch. One bad trade rejects the batch so
// the batch is written all or nothing.
func TradeRecords(exchange, symbol string, trades []models.Trade, observed time.Time) ([]models.TradeRecord, error) {
	rs := make([]models.TradeRecord, 0, len(trades))
	for i, t := range trades {
		if t.Timestamp <= 0 {
			return nil, fmt.Errorf("trade %d (%s): %w", i, t.ID, errMissingTimestamp)
		}
		rs = append(rs, models.TradeRecord{
			Exchange:      exchange,
			Symbol:        symbol,
			TradeID:       t.ID,
			OrderID:       t.Order,
			OrderType:     t.Type,
			TradeSide:     t.Side,
			TakerMaker:    t.TakerOrMaker,
			ExecutedPrice: t.Price,
			BaseAmount:    t.Amount,
			Cost:          t.Cost,
			Fee:           t.Fee,
			Fees:          t.Fees,
			DateTime:      models.MillisToTime(t.Timestamp),
			Timestamp:     t.Timestamp,
			ObservedAt:    observed,
		})
	}
	return rs, nil
}

// CandleRecord stores the closed bar c under its own open time.
func CandleRecord(exchange, symbol, timeframe string, c models.OHLCV, observed time.Time) *models.CandleRecord {
	return &models.CandleRecord{
		Exchange:     exchange,
		Symbol:       symbol,
		Timeframe:    timeframe,
		OpenPrice:    c.Open,
		HighPrice:    c.High,
		LowPrice:     c.Low,
		ClosePrice:   c.Close,
		CandleVolume: c.Volume,
		DateTime:     models.MillisToTime(c.Timestamp),
		Timestamp:    c.Timestamp,
		ObservedAt:   observed,
	}
}

func TickerRecord(exchange, symbol string, t models.Ticker, observed time.Time) (*models.TickerRecord, error) {
	if t.Timestamp <= 0 {
		return nil, fmt.Errorf("ticker: %w", errMissingTimestamp)
	}
	if t.Last == nil {
		return nil, errors.New("ticker: missing last price")
	}
	return &models.TickerRecord{
		Exchange:           exchange,
		Symbol:             symbolOr(t.Symbol, symbol),
		Ask:                t.Ask,
		AskVolume:          t.AskVolume,
		Bid:                t.Bid,
		BidVolume:          t.BidVolume,
		Open24h:            t.Open,
		High24h:            t.High,
		Low24h:             t.Low,
		Close24h:           t.Close,
		LastPrice:          *t.Last,
		VWAP:               t.VWAP,
		PreviousClosePrice: t.PreviousClose,
		PriceChange:        t.Change,
		PercentageChange:   t.Percentage,
		AveragePrice:       t.Average,
		BaseVolume:         t.BaseVolume,
		QuoteVolume:        t.QuoteVolume,
		Info:               t.Info,
		DateTime:           models.MillisToTime(t.Timestamp),
		Timestamp:          t.Timestamp,
		ObservedAt:         observed,
	}, nil
}
