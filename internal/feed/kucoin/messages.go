package kucoin

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketrecorder/internal/models"
	"marketrecorder/internal/symbols"
)

// number accepts both JSON numbers and quoted decimals; the SDK models mix
// the two.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", b, err)
	}
	*n = number(v)
	return nil
}

func (n *number) ptr() *float64 {
	if n == nil {
		return nil
	}
	return models.Float(float64(*n))
}

// contract is the futures contract detail served by the market API.
type contract struct {
	Symbol         string  `json:"symbol"`
	Type           string  `json:"type"`
	BaseCurrency   string  `json:"baseCurrency"`
	QuoteCurrency  string  `json:"quoteCurrency"`
	SettleCurrency string  `json:"settleCurrency"`
	Multiplier     number  `json:"multiplier"`
	IsInverse      bool    `json:"isInverse"`
	Status         string  `json:"status"`
	LastTradePrice *number `json:"lastTradePrice"`
	MarkPrice      *number `json:"markPrice"`
	IndexPrice     *number `json:"indexPrice"`
	HighPrice      *number `json:"highPrice"`
	LowPrice       *number `json:"lowPrice"`
	PriceChg       *number `json:"priceChg"`
	PriceChgPct    *number `json:"priceChgPct"`
	VolumeOf24h    *number `json:"volumeOf24h"`
	TurnoverOf24h  *number `json:"turnoverOf24h"`
	OpenInterest   string  `json:"openInterest"`
}

// perpetualType marks perpetual swaps in the contract list.
const perpetualType = "FFWCSX"

func decodeContract(raw []byte) (contract, error) {
	var c contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return contract{}, fmt.Errorf("decode kucoin contract: %w", err)
	}
	if c.Symbol == "" {
		return contract{}, fmt.Errorf("decode kucoin contract: missing symbol")
	}
	return c, nil
}

func (c contract) market() (models.Market, bool) {
	if c.Type != perpetualType {
		return models.Market{}, false
	}
	category := symbols.CategoryLinear
	if c.IsInverse {
		category = symbols.CategoryInverse
	}
	base := symbols.KucoinAsset(c.BaseCurrency)
	quote := symbols.KucoinAsset(c.QuoteCurrency)
	return models.Market{
		Symbol:   symbols.FromParts(base, quote, category),
		ID:       c.Symbol,
		Base:     base,
		Quote:    quote,
		Settle:   symbols.KucoinAsset(c.SettleCurrency),
		Category: string(category),
		Active:   strings.EqualFold(c.Status, "open"),
	}, true
}

// ticker builds a ticker from a polled contract detail. The detail carries
// no exchange time, so ts is the poll time.
func (c contract) ticker(symbol string, ts int64) models.Ticker {
	t := models.Ticker{
		Symbol:      symbol,
		Timestamp:   ts,
		Last:        c.LastTradePrice.ptr(),
		Close:       c.LastTradePrice.ptr(),
		High:        c.HighPrice.ptr(),
		Low:         c.LowPrice.ptr(),
		Change:      c.PriceChg.ptr(),
		BaseVolume:  c.VolumeOf24h.ptr(),
		QuoteVolume: c.TurnoverOf24h.ptr(),
		Info: map[string]interface{}{
			"symbol": c.Symbol,
		},
	}
	if c.PriceChgPct != nil {
		t.Percentage = models.Float(float64(*c.PriceChgPct) * 100)
	}
	if t.Last != nil && t.Change != nil {
		t.Open = models.Float(*t.Last - *t.Change)
		t.PreviousClose = t.Open
	}
	if c.MarkPrice != nil {
		t.Info["markPrice"] = float64(*c.MarkPrice)
	}
	if c.IndexPrice != nil {
		t.Info["indexPrice"] = float64(*c.IndexPrice)
	}
	if c.OpenInterest != "" {
		t.Info["openInterest"] = c.OpenInterest
	}
	return t
}

// execution is one match from the futures execution topic. Size is in
// contracts.
type execution struct {
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Size         number `json:"size"`
	Price        number `json:"price"`
	TradeID      string `json:"tradeId"`
	TakerOrderID string `json:"takerOrderId"`
	Ts           int64  `json:"ts"`
}

func decodeExecution(raw []byte) (execution, error) {
	var e execution
	if err := json.Unmarshal(raw, &e); err != nil {
		return execution{}, fmt.Errorf("decode kucoin execution: %w", err)
	}
	return e, nil
}

// trade converts e using the contract multiplier, 1 when unknown.
func (e execution) trade(multiplier float64) (models.Trade, error) {
	if e.TradeID == "" {
		return models.Trade{}, fmt.Errorf("kucoin execution without trade id")
	}
	if e.Price <= 0 {
		return models.Trade{}, fmt.Errorf("kucoin execution %s: invalid price", e.TradeID)
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	amount := float64(e.Size) * multiplier
	price := float64(e.Price)
	return models.Trade{
		ID:           e.TradeID,
		Order:        e.TakerOrderID,
		Side:         strings.ToLower(e.Side),
		TakerOrMaker: "taker",
		Price:        price,
		Amount:       amount,
		Cost:         amount * price,
		Timestamp:    toMillis(e.Ts),
	}, nil
}

// toMillis normalises KuCoin timestamps, which come in anything from
// seconds to nanoseconds depending on the topic.
func toMillis(ts int64) int64 {
	switch {
	case ts <= 0:
		return time.Now().UnixMilli()
	case ts < 1_000_000_000_000:
		return ts * 1000
	case ts < 1_000_000_000_000_000:
		return ts
	case ts < 1_000_000_000_000_000_000:
		return ts / 1000
	default:
		return ts / 1_000_000
	}
}
