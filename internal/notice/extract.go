package notice

import (
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"listing-sniper/internal/market"
)

var kst = time.FixedZone("KST", 9*60*60)

var (
	bracketRe   = regexp.MustCompile(`[\(\[（【]\s*([A-Za-z0-9][A-Za-z0-9 ,/·、]*?)\s*[\)\]）】]`)
	tickerSepRe = regexp.MustCompile(`[,/·、\s]+`)
	tagRe       = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe     = regexp.MustCompile(`[\s\p{Zs}]+`)

	isoTimeRe = regexp.MustCompile(`(\d{4})\s*[-./년]\s*(\d{1,2})\s*[-./월]\s*(\d{1,2})\s*일?\.?\s*(?:\([^)]*\))?\s*(오전|오후)?\s*(\d{1,2})\s*[:시]\s*(\d{1,2})?`)
	korTimeRe = regexp.MustCompile(`(\d{1,2})\s*월\s*(\d{1,2})\s*일\s*(?:\([^)]*\))?\s*(오전|오후)?\s*(\d{1,2})\s*(?:시|:)\s*(?:(\d{1,2})\s*분?)?`)
)

// ExtractTickers returns every bracketed ticker in text, in order, without
// duplicates. "(ABC)", "[ABC, DEF]" and full-width brackets are accepted.
// Quote assets are skipped because they name markets, not listings.
func ExtractTickers(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range bracketRe.FindAllStringSubmatch(text, -1) {
		for _, part := range tickerSepRe.Split(m[1], -1) {
			ticker := strings.ToUpper(strings.TrimSpace(part))
			if !market.IsTicker(ticker) || market.IsQuoteAsset(ticker) {
				continue
			}
			if _, ok := seen[ticker]; ok {
				continue
			}
			seen[ticker] = struct{}{}
			out = append(out, ticker)
		}
	}
	return out
}

// ExtractMarkets lists the quote markets text mentions. A notice that names
// no market is a KRW listing.
func ExtractMarkets(text string) []string {
	upper := strings.ToUpper(text)
	var out []string
	if strings.Contains(upper, "KRW") || strings.Contains(text, "원화") {
		out = append(out, "KRW")
	}
	if strings.Contains(upper, "BTC 마켓") || strings.Contains(upper, "BTC마켓") || strings.Contains(text, "비트코인 마켓") || strings.Contains(upper, "BTC MARKET") {
		out = append(out, "BTC")
	}
	if strings.Contains(upper, "USDT 마켓") || strings.Contains(upper, "USDT마켓") || strings.Contains(upper, "USDT MARKET") {
		out = append(out, "USDT")
	}
	if len(out) == 0 {
		out = append(out, "KRW")
	}
	return out
}

// ExtractTradeTime finds the trading start time in text. Times are KST.
// Forms without a year take it from reference.
func ExtractTradeTime(text string, reference time.Time) *time.Time {
	if m := isoTimeRe.FindStringSubmatch(text); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		hour, _ := strconv.Atoi(m[5])
		minute, _ := strconv.Atoi(m[6])
		if t, ok := buildKST(year, month, day, adjustHour(hour, m[4]), minute); ok {
			return &t
		}
	}
	if m := korTimeRe.FindStringSubmatch(text); m != nil {
		ref := reference
		if ref.IsZero() {
			ref = time.Now()
		}
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		hour, _ := strconv.Atoi(m[4])
		minute, _ := strconv.Atoi(m[5])
		year := ref.In(kst).Year()
		if t, ok := buildKST(year, month, day, adjustHour(hour, m[3]), minute); ok {
			// A December notice about a January opening rolls into next year.
			if t.Before(ref.Add(-180 * 24 * time.Hour)) {
				t, _ = buildKST(year+1, month, day, adjustHour(hour, m[3]), minute)
			}
			return &t
		}
	}
	return nil
}

// PlainText strips markup and collapses whitespace.
func PlainText(body string) string {
	body = tagRe.ReplaceAllString(body, " ")
	body = html.UnescapeString(body)
	return strings.TrimSpace(spaceRe.ReplaceAllString(body, " "))
}

func adjustHour(hour int, meridiem string) int {
	switch meridiem {
	case "오후":
		if hour < 12 {
			return hour + 12
		}
	case "오전":
		if hour == 12 {
			return 0
		}
	}
	return hour
}

func buildKST(year, month, day, hour, minute int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, kst)
	if t.Day() != day {
		return time.Time{}, false
	}
	return t.UTC(), true
}
