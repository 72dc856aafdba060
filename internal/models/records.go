package models

import "time"

// Every record keeps the feed timestamp (epoch ms) in created_at, which is
// the ordering key for consumers. DateTime is the same instant in UTC and
// ObservedAt is the local wall clock at transform time.

type OrderBookRecord struct {
	ID         uint64       `gorm:"primaryKey" json:"id"`
	Exchange   string       `gorm:"size:32;index" json:"exchange"`
	Symbol     string       `gorm:"size:32;index" json:"symbol"`
	Asks       []PriceLevel `gorm:"serializer:json" json:"asks"`
	Bids       []PriceLevel `gorm:"serializer:json" json:"bids"`
	Nonce      string       `gorm:"size:32" json:"nonce"`
	DateTime   time.Time    `gorm:"column:date_time;index" json:"date_time"`
	Timestamp  int64        `gorm:"column:created_at;index" json:"created_at"`
	ObservedAt time.Time    `json:"observed_at"`
}

func (OrderBookRecord) TableName() string { return "orderbook" }

type TradeRecord struct {
	ID            uint64    `gorm:"primaryKey" json:"id"`
	Exchange      string    `gorm:"size:32;index" json:"exchange"`
	Symbol        string    `gorm:"size:32;index" json:"symbol"`
	TradeID       string    `gorm:"size:64" json:"trade_id"`
	OrderID       string    `gorm:"size:64" json:"order_id"`
	OrderType     string    `gorm:"size:32" json:"order_type"`
	TradeSide     string    `gorm:"size:32" json:"trade_side"`
	TakerMaker    string    `gorm:"size:16" json:"taker_maker"`
	ExecutedPrice float64   `json:"executed_price"`
	BaseAmount    float64   `json:"base_amount"`
	Cost          float64   `json:"cost"`
	Fee           *Fee      `gorm:"serializer:json" json:"fee"`
	Fees          []Fee     `gorm:"serializer:json" json:"fees"`
	DateTime      time.Time `gorm:"column:date_time;index" json:"date_time"`
	Timestamp     int64     `gorm:"column:created_at;index" json:"created_at"`
	ObservedAt    time.Time `json:"observed_at"`
}

func (TradeRecord) TableName() string { return "trades" }

// CandleRecord is a closed bar. Timestamp is the bar's open time.
type CandleRecord struct {
	ID           uint64    `gorm:"primaryKey" json:"id"`
	Exchange     string    `gorm:"size:32;index" json:"exchange"`
	Symbol       string    `gorm:"size:32;index" json:"symbol"`
	Timeframe    string    `gorm:"size:8" json:"timeframe"`
	OpenPrice    float64   `json:"open_price"`
	HighPrice    float64   `json:"high_price"`
	LowPrice     float64   `json:"low_price"`
	ClosePrice   float64   `json:"close_price"`
	CandleVolume float64   `json:"candle_volume"`
	DateTime     time.Time `gorm:"column:date_time;index" json:"date_time"`
	Timestamp    int64     `gorm:"column:created_at;index" json:"created_at"`
	ObservedAt   time.Time `json:"observed_at"`
}

func (CandleRecord) TableName() string { return "ohlcv" }

type TickerRecord struct {
	ID                 uint64                 `gorm:"primaryKey" json:"id"`
	Exchange           string                 `gorm:"size:32;index" json:"exchange"`
	Symbol             string                 `gorm:"size:32;index" json:"symbol"`
	Ask                *float64               `json:"ask"`
	AskVolume          *float64               `json:"ask_volume"`
	Bid                *float64               `json:"bid"`
	BidVolume          *float64               `json:"bid_volume"`
	Open24h            *float64               `gorm:"column:open_24h" json:"open_24h"`
	High24h            *float64               `gorm:"column:high_24h" json:"high_24h"`
	Low24h             *float64               `gorm:"column:low_24h" json:"low_24h"`
	Close24h           *float64               `gorm:"column:close_24h" json:"close_24h"`
	LastPrice          float64                `json:"last_price"`
	VWAP               *float64               `gorm:"column:vwap" json:"vwap"`
	PreviousClosePrice *float64               `json:"previous_close_price"`
	PriceChange        *float64               `json:"price_change"`
	PercentageChange   *float64               `json:"percentage_change"`
	AveragePrice       *float64               `json:"average_price"`
	BaseVolume         *float64               `json:"base_volume"`
	QuoteVolume        *float64               `json:"quote_volume"`
	Info               map[string]interface{} `gorm:"serializer:json" json:"info"`
	DateTime           time.Time              `gorm:"column:date_time;index" json:"date_time"`
	Timestamp          int64                  `gorm:"column:created_at;index" json:"created_at"`
	ObservedAt         time.Time              `json:"observed_at"`
}

func (TickerRecord) TableName() string { return "ticker" }

// LogEntry is a persisted, rate limited error report of one stream.
// LastValidStreamID is the id of the last record the stream committed before
// the failure, nil when nothing was committed yet.
type LogEntry struct {
	ID                uint64    `gorm:"primaryKey" json:"id"`
	Exchange          string    `gorm:"size:32;index" json:"exchange"`
	Symbol            string    `gorm:"size:32;index" json:"symbol"`
	ErrorType         string    `gorm:"size:64" json:"error_type"`
	Message           string    `gorm:"size:512" json:"message"`
	Stream            string    `gorm:"size:32" json:"stream"`
	LastValidStreamID *uint64   `gorm:"index" json:"last_valid_stream_id"`
	Suppressed        int       `json:"suppressed"`
	DateTime          time.Time `gorm:"column:date_time;index" json:"date_time"`
	Timestamp         int64     `gorm:"column:created_at;index" json:"created_at"`
}

func (LogEntry) TableName() string { return "logs" }

// MillisToTime converts an epoch millisecond timestamp to UTC.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
