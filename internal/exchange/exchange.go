// Package exchange builds feeds by exchange name.
package exchange

import (
	"fmt"
	"sort"
	"strings"

	"marketrecorder/config"
	"marketrecorder/internal/feed"
	"marketrecorder/internal/feed/binance"
	"marketrecorder/internal/feed/bybit"
	"marketrecorder/internal/feed/kucoin"
)

// Constructor opens a feed for one configured exchange.
type Constructor func(cfg config.ExchangeConfig, stream config.StreamConfig) (feed.Feed, error)

var registry = map[string]Constructor{
	binance.Name: func(cfg config.ExchangeConfig, stream config.StreamConfig) (feed.Feed, error) {
		return binance.New(cfg, stream), nil
	},
	bybit.Name: func(cfg config.ExchangeConfig, stream config.StreamConfig) (feed.Feed, error) {
		return bybit.New(cfg, stream), nil
	},
	kucoin.Name: func(cfg config.ExchangeConfig, stream config.StreamConfig) (feed.Feed, error) {
		return kucoin.New(cfg, stream), nil
	},
}

// New returns the feed registered under cfg.Name.
func New(cfg config.ExchangeConfig, stream config.StreamConfig) (feed.Feed, error) {
	ctor, ok := registry[strings.ToLower(cfg.Name)]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q (supported: %s)", cfg.Name, strings.Join(Names(), ", "))
	}
	return ctor(cfg, stream)
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
