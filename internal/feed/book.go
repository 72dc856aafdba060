package feed

import (
	"sort"

	"marketrecorder/internal/models"
)

// Book is a locally maintained order book built from a snapshot followed by
// incremental deltas. A zero size removes the level.
type Book struct {
	bids map[float64]float64
	asks map[float64]float64
}

func NewBook() *Book {
	return &Book{bids: map[float64]float64{}, asks: map[float64]float64{}}
}

// Reset replaces the book content with a snapshot.
func (b *Book) Reset(bids, asks []models.PriceLevel) {
	b.bids = make(map[float64]float64, len(bids))
	b.asks = make(map[float64]float64, len(asks))
	b.Apply(bids, asks)
}

func (b *Book) Apply(bids, asks []models.PriceLevel) {
	apply(b.bids, bids)
	apply(b.asks, asks)
}

func apply(side map[float64]float64, levels []models.PriceLevel) {
	for _, l := range levels {
		if l.Size == 0 {
			delete(side, l.Price)
			continue
		}
		side[l.Price] = l.Size
	}
}

// Top returns up to depth levels per side, bids descending and asks
// ascending. depth <= 0 returns every level.
func (b *Book) Top(depth int) (bids, asks []models.PriceLevel) {
	return ladder(b.bids, depth, true), ladder(b.asks, depth, false)
}

func ladder(side map[float64]float64, depth int, desc bool) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(side))
	for p, s := range side {
		out = append(out, models.PriceLevel{Price: p, Size: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}
