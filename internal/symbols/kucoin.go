package symbols

import "strings"

// KucoinAsset maps a KuCoin currency code to the unified one. KuCoin lists
// bitcoin as XBT on its futures venue.
func KucoinAsset(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "XBT" {
		return "BTC"
	}
	return code
}
