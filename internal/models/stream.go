package models

import (
	"fmt"
	"strings"
)

// Stream identifies one real-time data channel of a symbol.
type Stream uint8

const (
	StreamOrderBook Stream = iota
	StreamTrades
	StreamOHLCV
	StreamTicker
)

// AllStreams lists every stream in supervisor start order.
var AllStreams = []Stream{StreamOrderBook, StreamTrades, StreamOHLCV, StreamTicker}

func (s Stream) String() string {
	switch s {
	case StreamOrderBook:
		return "orderbook"
	case StreamTrades:
		return "trades"
	case StreamOHLCV:
		return "ohlcv"
	case StreamTicker:
		return "ticker"
	default:
		return fmt.Sprintf("stream(%d)", uint8(s))
	}
}

// Capability is the feed operation name backing the stream.
func (s Stream) Capability() string {
	switch s {
	case StreamOrderBook:
		return "watchOrderBook"
	case StreamTrades:
		return "watchTrades"
	case StreamOHLCV:
		return "watchOHLCV"
	case StreamTicker:
		return "watchTicker"
	default:
		return ""
	}
}

// ParseStream accepts both stream names and capability names.
func ParseStream(name string) (Stream, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "orderbook", "order_book", "watchorderbook":
		return StreamOrderBook, nil
	case "trades", "watchtrades":
		return StreamTrades, nil
	case "ohlcv", "candles", "watchohlcv":
		return StreamOHLCV, nil
	case "ticker", "watchticker":
		return StreamTicker, nil
	default:
		return 0, fmt.Errorf("unknown stream %q", name)
	}
}

// StreamSet is a fixed set of streams.
type StreamSet uint8

func NewStreamSet(streams ...Stream) StreamSet {
	var set StreamSet
	for _, s := range streams {
		set |= 1 << s
	}
	return set
}

// ParseStreamSet builds a set from names. An empty list yields every stream.
func ParseStreamSet(names []string) (StreamSet, error) {
	if len(names) == 0 {
		return NewStreamSet(AllStreams...), nil
	}
	var set StreamSet
	for _, n := range names {
		s, err := ParseStream(n)
		if err != nil {
			return 0, err
		}
		set |= NewStreamSet(s)
	}
	return set, nil
}

func (s StreamSet) Has(stream Stream) bool {
	return s&(1<<stream) != 0
}

func (s StreamSet) Intersect(other StreamSet) StreamSet {
	return s & other
}

func (s StreamSet) Without(stream Stream) StreamSet {
	return s &^ (1 << stream)
}

// Streams returns the members in AllStreams order.
func (s StreamSet) Streams() []Stream {
	var out []Stream
	for _, st := range AllStreams {
		if s.Has(st) {
			out = append(out, st)
		}
	}
	return out
}

func (s StreamSet) String() string {
	names := make([]string, 0, 4)
	for _, st := range s.Streams() {
		names = append(names, st.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}
