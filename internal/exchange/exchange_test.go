package exchange

import (
	"testing"

	"marketrecorder/config"
)

func TestNewKnownExchanges(t *testing.T) {
	for _, name := range []string{"binance", "Bybit", "KuCoin"} {
		f, err := New(config.ExchangeConfig{Name: name}, config.StreamConfig{QueueBuffer: 4})
		if err != nil {
			t.Fatalf("New(%s): %v", name, err)
		}
		if len(f.Capabilities().Streams()) == 0 {
			t.Errorf("%s reports no capabilities", name)
		}
		f.Close()
	}
}

func TestNewUnknownExchange(t *testing.T) {
	if _, err := New(config.ExchangeConfig{Name: "mtgox"}, config.StreamConfig{}); err == nil {
		t.Fatal("expected error for unknown exchange")
	}
}
