package feed

import (
	"sort"

	"marketrecorder/internal/models"
)

// Candles keeps the most recent candles of one subscription ordered by open
// time. An update for a known open time replaces the forming bar.
type Candles struct {
	limit   int
	candles []models.OHLCV
}

func NewCandles(limit int) *Candles {
	if limit <= 0 {
		limit = 1
	}
	return &Candles{limit: limit}
}

func (c *Candles) Upsert(k models.OHLCV) {
	i := sort.Search(len(c.candles), func(i int) bool { return c.candles[i].Timestamp >= k.Timestamp })
	if i < len(c.candles) && c.candles[i].Timestamp == k.Timestamp {
		c.candles[i] = k
	} else {
		c.candles = append(c.candles, models.OHLCV{})
		copy(c.candles[i+1:], c.candles[i:])
		c.candles[i] = k
	}
	if len(c.candles) > c.limit {
		c.candles = append(c.candles[:0:0], c.candles[len(c.candles)-c.limit:]...)
	}
}

// Snapshot returns a copy, oldest first.
func (c *Candles) Snapshot() []models.OHLCV {
	return append([]models.OHLCV(nil), c.candles...)
}
