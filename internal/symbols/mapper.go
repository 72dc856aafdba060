// Package symbols converts between unified market symbols and exchange
// native identifiers.
//
// Unified symbols follow the BASE/QUOTE[:SETTLE] convention:
//
//	BTC/USDT       spot
//	BTC/USDT:USDT  linear perpetual (settled in the quote asset)
//	BTC/USD:BTC    inverse perpetual (settled in the base asset)
package symbols

import (
	"fmt"
	"strings"
)

type Category string

const (
	CategorySpot    Category = "spot"
	CategoryLinear  Category = "linear"
	CategoryInverse Category = "inverse"
)

type Unified struct {
	Base   string
	Quote  string
	Settle string
}

// Parse splits a unified symbol. Assets are upper cased.
func Parse(symbol string) (Unified, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	pair, settle, _ := strings.Cut(s, ":")
	base, quote, ok := strings.Cut(pair, "/")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "/") {
		return Unified{}, fmt.Errorf("invalid unified symbol %q", symbol)
	}
	if strings.Contains(s, ":") && settle == "" {
		return Unified{}, fmt.Errorf("invalid unified symbol %q: empty settle asset", symbol)
	}
	return Unified{Base: base, Quote: quote, Settle: settle}, nil
}

func (u Unified) Category() Category {
	switch {
	case u.Settle == "":
		return CategorySpot
	case u.Settle == u.Base:
		return CategoryInverse
	default:
		return CategoryLinear
	}
}

func (u Unified) String() string {
	if u.Settle == "" {
		return u.Base + "/" + u.Quote
	}
	return u.Base + "/" + u.Quote + ":" + u.Settle
}

// Native returns the exchange identifier of the instrument.
func (u Unified) Native(exchange string) string {
	switch strings.ToLower(exchange) {
	case "binance":
		if u.Category() == CategoryInverse {
			return u.Base + u.Quote + "_PERP"
		}
		return u.Base + u.Quote
	case "kucoin":
		if u.Category() == CategorySpot {
			return u.Base + "-" + u.Quote
		}
		// futures contracts carry an M suffix and list bitcoin as XBT
		base := u.Base
		if base == "BTC" {
			base = "XBT"
		}
		return base + u.Quote + "M"
	default:
		return u.Base + u.Quote
	}
}

// ToNative parses symbol and returns the exchange identifier and category.
func ToNative(exchange, symbol string) (string, Category, error) {
	u, err := Parse(symbol)
	if err != nil {
		return "", "", err
	}
	return u.Native(exchange), u.Category(), nil
}

// FromParts builds the unified symbol of an instrument described by its
// assets and category.
func FromParts(base, quote string, category Category) string {
	u := Unified{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
	switch category {
	case CategoryLinear:
		u.Settle = u.Quote
	case CategoryInverse:
		u.Settle = u.Base
	}
	return u.String()
}
