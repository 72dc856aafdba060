package metrics

import (
	"strings"
	"unicode"

	"marketrecorder/logger"
)

// Limit is the throttling signal carried by an exchange error message.
type Limit uint8

const (
	LimitNone Limit = iota
	LimitRateExceeded
	LimitIPBan
)

// DetectLimit inspects an exchange error message for rate limit or IP ban
// wording. Each exchange phrases these differently. Matching is on whole
// words so "ip" never matches inside "skipped" or "ban" inside "bandwidth".
//
// Codes recognised: HTTP 429 and 418 (Binance IP ban), Binance -1003,
// Bybit 10006 and 10018 (IP rate limit).
func DetectLimit(exchange, msg string) Limit {
	ws := words(msg)
	banned := ws.has("ip") && ws.has("ban", "banned")
	generic := ws.phrase("rate", "limit") || ws.phrase("too", "many", "requests") || ws.has("429")
	var rateLimit, ipBan bool
	switch strings.ToLower(exchange) {
	case "binance":
		ipBan = banned || ws.has("418")
		rateLimit = generic || ws.has("1003")
	case "bybit":
		ipBan = banned || ws.phrase("ip", "rate", "limit") || ws.has("10018")
		rateLimit = generic || ws.phrase("too", "many", "visits") || ws.has("10006")
	default:
		ipBan = banned
		rateLimit = generic
	}
	switch {
	case ipBan:
		return LimitIPBan
	case rateLimit:
		return LimitRateExceeded
	default:
		return LimitNone
	}
}

type wordList []string

// words lowercases msg and splits it on anything but letters and digits.
func words(msg string) wordList {
	return strings.FieldsFunc(strings.ToLower(msg), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (ws wordList) has(candidates ...string) bool {
	for _, w := range ws {
		for _, c := range candidates {
			if w == c {
				return true
			}
		}
	}
	return false
}

// phrase reports whether seq appears as consecutive words.
func (ws wordList) phrase(seq ...string) bool {
	for i := 0; i+len(seq) <= len(ws); i++ {
		match := true
		for j, s := range seq {
			if ws[i+j] != s {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// ReportLimit emits the metric matching limit. LimitNone is ignored.
func ReportLimit(log *logger.Log, limit Limit, exchange, symbol, stream string) {
	var name string
	switch limit {
	case LimitRateExceeded:
		name = "rate_limit_exceeded"
	case LimitIPBan:
		name = "ip_ban"
	default:
		return
	}
	EmitMetric(log, exchange+"_"+stream, name, int64(1), "counter", logger.Fields{
		"exchange": strings.ToLower(exchange),
		"symbol":   symbol,
		"stream":   stream,
	})
}
