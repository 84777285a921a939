package market

import (
	"strings"
	"unicode"
)

// Quote assets a KRW exchange lists markets against.
var QuoteAssets = []string{"KRW", "BTC", "USDT"}

// Pair is a parsed market symbol.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string {
	if p.Quote == "" {
		return p.Base
	}
	return p.Base + "_" + p.Quote
}

// ParsePair understands "BTC_KRW", "BTC-KRW", "BTC/KRW", and the
// quote-first "KRW-BTC" form. A bare base is accepted with quote KRW.
func ParsePair(symbol string) (Pair, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Pair{}, false
	}
	sep := strings.IndexAny(symbol, "_-/")
	if sep < 0 {
		if !isTicker(symbol) {
			return Pair{}, false
		}
		return Pair{Base: symbol, Quote: "KRW"}, true
	}
	left, right := symbol[:sep], symbol[sep+1:]
	if !isTicker(left) || !isTicker(right) {
		return Pair{}, false
	}
	if symbol[sep] == '-' && IsQuoteAsset(left) && !IsQuoteAsset(right) {
		return Pair{Base: right, Quote: left}, true
	}
	return Pair{Base: left, Quote: right}, true
}

func IsQuoteAsset(asset string) bool {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	for _, q := range QuoteAssets {
		if q == asset {
			return true
		}
	}
	return false
}

// IsTicker reports whether s looks like an exchange ticker: 2 to 15
// upper-case letters or digits with at least one letter.
func IsTicker(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) >= 2 && isTicker(s)
}

func isTicker(s string) bool {
	if s == "" || len(s) > 15 {
		return false
	}
	letters := 0
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			letters++
		case unicode.IsDigit(r) && r < unicode.MaxASCII:
		default:
			return false
		}
	}
	return letters > 0
}
