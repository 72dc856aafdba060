package symbols

import "testing"

func TestToNative(t *testing.T) {
	tests := []struct {
		exchange string
		in       string
		native   string
		category Category
	}{
		{"bybit", "BTC/USDT:USDT", "BTCUSDT", CategoryLinear},
		{"bybit", "BTC/USD:BTC", "BTCUSD", CategoryInverse},
		{"bybit", "eth/usdt", "ETHUSDT", CategorySpot},
		{"binance", "ETH/USDT:USDT", "ETHUSDT", CategoryLinear},
		{"binance", "BTC/USD:BTC", "BTCUSD_PERP", CategoryInverse},
		{"binance", "1000PEPE/USDT:USDT", "1000PEPEUSDT", CategoryLinear},
		{"kucoin", "BTC/USDT:USDT", "XBTUSDTM", CategoryLinear},
		{"kucoin", "BTC/USD:BTC", "XBTUSDM", CategoryInverse},
		{"kucoin", "ETH/USDT:USDT", "ETHUSDTM", CategoryLinear},
		{"kucoin", "ETH/USDT", "ETH-USDT", CategorySpot},
	}
	for _, tt := range tests {
		native, cat, err := ToNative(tt.exchange, tt.in)
		if err != nil {
			t.Fatalf("ToNative(%s,%s) error: %v", tt.exchange, tt.in, err)
		}
		if native != tt.native || cat != tt.category {
			t.Errorf("ToNative(%s,%s)=%s,%s want %s,%s", tt.exchange, tt.in, native, cat, tt.native, tt.category)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "BTCUSDT", "BTC/", "/USDT", "BTC/USDT:", "A/B/C"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) expected error", in)
		}
	}
}

func TestFromPartsRoundTrip(t *testing.T) {
	cases := map[string]Category{
		"BTC/USDT:USDT": CategoryLinear,
		"BTC/USD:BTC":   CategoryInverse,
		"SOL/USDC":      CategorySpot,
	}
	for want, cat := range cases {
		u, _ := Parse(want)
		if got := FromParts(u.Base, u.Quote, cat); got != want {
			t.Errorf("FromParts(%s,%s,%s)=%s want %s", u.Base, u.Quote, cat, got, want)
		}
	}
}

func TestKucoinAsset(t *testing.T) {
	cases := map[string]string{"XBT": "BTC", "xbt": "BTC", "USDT": "USDT", " eth ": "ETH"}
	for in, want := range cases {
		if got := KucoinAsset(in); got != want {
			t.Errorf("KucoinAsset(%q) = %q, want %q", in, got, want)
		}
	}
}
