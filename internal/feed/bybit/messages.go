package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"marketrecorder/internal/models"
)

type envelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	CTS   int64           `json:"cts"`
	Data  json.RawMessage `json:"data"`
}

type orderBookData struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
	Update int64       `json:"u"`
	Seq    int64       `json:"seq"`
}

type tradeData struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
	ID     string `json:"i"`
	Block  bool   `json:"BT"`
}

type klineData struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Turnover string `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

func parseLevels(raw [][2]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, r := range raw {
		l, err := models.ParseLevel(r[0], r[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	return levels, nil
}

func parseTrades(data json.RawMessage) ([]models.Trade, error) {
	var raw []tradeData
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	trades := make([]models.Trade, 0, len(raw))
	for _, r := range raw {
		price, err := strconv.ParseFloat(r.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("trade %s price %q: %w", r.ID, r.Price, err)
		}
		amount, err := strconv.ParseFloat(r.Size, 64)
		if err != nil {
			return nil, fmt.Errorf("trade %s size %q: %w", r.ID, r.Size, err)
		}
		trades = append(trades, models.Trade{
			ID:           r.ID,
			Side:         strings.ToLower(r.Side),
			TakerOrMaker: "taker",
			Price:        price,
			Amount:       amount,
			Cost:         price * amount,
			Timestamp:    r.Time,
		})
	}
	return trades, nil
}

func parseKlines(data json.RawMessage) ([]models.OHLCV, error) {
	var raw []klineData
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode kline: %w", err)
	}
	out := make([]models.OHLCV, 0, len(raw))
	for _, k := range raw {
		var vals [5]float64
		for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("kline %d value %q: %w", k.Start, s, err)
			}
			vals[i] = v
		}
		out = append(out, models.OHLCV{
			Timestamp: k.Start,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	return out, nil
}

// tickerState merges bybit ticker snapshots and deltas. Deltas only carry
// the fields that changed.
type tickerState map[string]string

func (t tickerState) merge(data json.RawMessage) error {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode ticker: %w", err)
	}
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			t[k] = val
		case float64:
			t[k] = strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return nil
}

func (t tickerState) float(key string) *float64 {
	s, ok := t[key]
	if !ok || s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func (t tickerState) ticker(symbol string, ts int64) models.Ticker {
	tk := models.Ticker{
		Symbol:      symbol,
		Timestamp:   ts,
		Last:        t.float("lastPrice"),
		High:        t.float("highPrice24h"),
		Low:         t.float("lowPrice24h"),
		Open:        t.float("prevPrice24h"),
		Bid:         t.float("bid1Price"),
		BidVolume:   t.float("bid1Size"),
		Ask:         t.float("ask1Price"),
		AskVolume:   t.float("ask1Size"),
		BaseVolume:  t.float("volume24h"),
		QuoteVolume: t.float("turnover24h"),
		Info:        make(map[string]interface{}, len(t)),
	}
	tk.Close = tk.Last
	if pct := t.float("price24hPcnt"); pct != nil {
		tk.Percentage = models.Float(*pct * 100)
	}
	if tk.Last != nil && tk.Open != nil {
		tk.Change = models.Float(*tk.Last - *tk.Open)
		tk.Average = models.Float((*tk.Last + *tk.Open) / 2)
	}
	if tk.BaseVolume != nil && tk.QuoteVolume != nil && *tk.BaseVolume > 0 {
		tk.VWAP = models.Float(*tk.QuoteVolume / *tk.BaseVolume)
	}
	for k, v := range t {
		tk.Info[k] = v
	}
	return tk
}
