package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// PriceLevel is one rung of a bid or ask ladder. It encodes as [price, size].
type PriceLevel struct {
	Price float64
	Size  float64
}

func (p PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Price, p.Size})
}

func (p *PriceLevel) UnmarshalJSON(data []byte) error {
	var raw [2]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("price level: %w", err)
	}
	price, err := raw[0].Float64()
	if err != nil {
		return fmt.Errorf("price level price: %w", err)
	}
	size, err := raw[1].Float64()
	if err != nil {
		return fmt.Errorf("price level size: %w", err)
	}
	p.Price, p.Size = price, size
	return nil
}

// ParseLevel converts exchange string pairs like ["65000.5","0.01"].
func ParseLevel(price, size string) (PriceLevel, error) {
	p, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("invalid price %q: %w", price, err)
	}
	s, err := strconv.ParseFloat(size, 64)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("invalid size %q: %w", size, err)
	}
	return PriceLevel{Price: p, Size: s}, nil
}

// OrderBook is a depth snapshot as delivered by a feed. Timestamp is epoch
// milliseconds assigned by the exchange.
type OrderBook struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Nonce     int64
	Timestamp int64
}

type Fee struct {
	Cost     float64 `json:"cost"`
	Currency string  `json:"currency"`
	Rate     float64 `json:"rate,omitempty"`
}

type Trade struct {
	ID           string
	Order        string
	Type         string
	Side         string
	TakerOrMaker string
	Price        float64
	Amount       float64
	Cost         float64
	Fee          *Fee
	Fees         []Fee
	Timestamp    int64
}

// OHLCV is one bar keyed by its open timestamp in epoch milliseconds.
type OHLCV struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Ticker is a 24h aggregate snapshot. Optional fields are nil when the
// exchange does not publish them.
type Ticker struct {
	Symbol        string
	Timestamp     int64
	Last          *float64
	High          *float64
	Low           *float64
	Bid           *float64
	BidVolume     *float64
	Ask           *float64
	AskVolume     *float64
	VWAP          *float64
	Open          *float64
	Close         *float64
	PreviousClose *float64
	Change        *float64
	Percentage    *float64
	Average       *float64
	BaseVolume    *float64
	QuoteVolume   *float64
	Info          map[string]interface{}
}

// Market is the metadata of one tradable instrument returned by a feed.
type Market struct {
	Symbol   string `json:"symbol"` // unified, e.g. BTC/USDT:USDT
	ID       string `json:"id"`     // exchange native, e.g. BTCUSDT
	Base     string `json:"base"`
	Quote    string `json:"quote"`
	Settle   string `json:"settle,omitempty"`
	Category string `json:"category,omitempty"`
	Active   bool   `json:"active"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
