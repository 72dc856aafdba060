package archive

import (
	"bytes"
	"io"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"marketrecorder/internal/models"
)

// memFile is a write only parquet target backed by a buffer.
type memFile struct {
	buf *bytes.Buffer
}

func newMemFile() *memFile { return &memFile{buf: &bytes.Buffer{}} }

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buf.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buf.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buf.Bytes() }

type candleRow struct {
	Exchange   string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timeframe  string  `parquet:"name=timeframe, type=BYTE_ARRAY, convertedtype=UTF8"`
	OpenTime   int64   `parquet:"name=open_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open       float64 `parquet:"name=open, type=DOUBLE"`
	High       float64 `parquet:"name=high, type=DOUBLE"`
	Low        float64 `parquet:"name=low, type=DOUBLE"`
	Close      float64 `parquet:"name=close, type=DOUBLE"`
	Volume     float64 `parquet:"name=volume, type=DOUBLE"`
	RecordID   int64   `parquet:"name=record_id, type=INT64"`
	ObservedAt int64   `parquet:"name=observed_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

type tradeRow struct {
	Exchange   string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeID    string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side       string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	TakerMaker string  `parquet:"name=taker_maker, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	Amount     float64 `parquet:"name=amount, type=DOUBLE"`
	Cost       float64 `parquet:"name=cost, type=DOUBLE"`
	EventTime  int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	RecordID   int64   `parquet:"name=record_id, type=INT64"`
	ObservedAt int64   `parquet:"name=observed_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// encode writes rows as one snappy compressed parquet file.
func encode[T any](rows []T) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(T), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, r := range rows {
		if err := pw.Write(r); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

// candlesParquet returns the file and the newest open time of the batch.
func candlesParquet(candles []models.CandleRecord) ([]byte, int64, error) {
	rows := make([]candleRow, 0, len(candles))
	var latest int64
	for _, c := range candles {
		rows = append(rows, candleRow{
			Exchange:   c.Exchange,
			Symbol:     c.Symbol,
			Timeframe:  c.Timeframe,
			OpenTime:   c.Timestamp,
			Open:       c.OpenPrice,
			High:       c.HighPrice,
			Low:        c.LowPrice,
			Close:      c.ClosePrice,
			Volume:     c.CandleVolume,
			RecordID:   int64(c.ID),
			ObservedAt: c.ObservedAt.UnixMilli(),
		})
		latest = max(latest, c.Timestamp)
	}
	data, err := encode(rows)
	return data, latest, err
}

func tradesParquet(trades []models.TradeRecord) ([]byte, int64, error) {
	rows := make([]tradeRow, 0, len(trades))
	var latest int64
	for _, t := range trades {
		rows = append(rows, tradeRow{
			Exchange:   t.Exchange,
			Symbol:     t.Symbol,
			TradeID:    t.TradeID,
			Side:       t.TradeSide,
			TakerMaker: t.TakerMaker,
			Price:      t.ExecutedPrice,
			Amount:     t.BaseAmount,
			Cost:       t.Cost,
			EventTime:  t.Timestamp,
			RecordID:   int64(t.ID),
			ObservedAt: t.ObservedAt.UnixMilli(),
		})
		latest = max(latest, t.Timestamp)
	}
	data, err := encode(rows)
	return data, latest, err
}
