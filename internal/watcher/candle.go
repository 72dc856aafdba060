package watcher

import "marketrecorder/internal/models"

// CandleDetector turns a stream of forming candles into closed bars. A bar
// is considered closed once a candle with a different open time arrives; the
// last payload seen for the old open time is the closed bar.
//
// The first candle only primes the detector and the bar still forming at
// shutdown is never reported.
type CandleDetector struct {
	last *models.OHLCV
}

// Boundary reports the closed bar to persist when c opens a new one.
func (d *CandleDetector) Boundary(c models.OHLCV) (models.OHLCV, bool) {
	if d.last == nil || d.last.Timestamp == c.Timestamp {
		return models.OHLCV{}, false
	}
	return *d.last, true
}

// Advance makes c the held candle. Callers advance only once the bar
// returned by Boundary is committed, so a failed write is retried on the
// next update.
func (d *CandleDetector) Advance(c models.OHLCV) {
	d.last = &c
}

func (d *CandleDetector) Last() (models.OHLCV, bool) {
	if d.last == nil {
		return models.OHLCV{}, false
	}
	return *d.last, true
}
