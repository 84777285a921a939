package notice

import "strings"

// Classification is the verdict on a single notice.
type Classification struct {
	IsListing bool
	Score     int
	Tickers   []string
	Markets   []string
	Signals   []string
}

type keywordFamily struct {
	name     string
	weight   int
	keywords []string
}

var keywordFamilies = []keywordFamily{
	{name: "listing", weight: 3, keywords: []string{"마켓 추가", "신규 상장", "거래 지원 안내", "거래지원 안내", "원화 마켓", "listing", "new market"}},
	{name: "trading_start", weight: 1, keywords: []string{"거래 개시", "거래지원 개시", "거래 오픈", "trading opens"}},
	{name: "delisting", weight: -6, keywords: []string{"상장폐지", "거래지원 종료", "거래 지원 종료", "delist"}},
	{name: "warning", weight: -5, keywords: []string{"유의 종목", "투자유의", "투자 유의", "caution"}},
	{name: "maintenance", weight: -4, keywords: []string{"입출금", "점검", "지연", "네트워크 업그레이드", "maintenance"}},
	{name: "promotion", weight: -4, keywords: []string{"이벤트", "에어드랍", "airdrop", "프로모션", "event"}},
}

// ListingThreshold is the minimum score of a listing notice.
const ListingThreshold = 4

// Classify scores title and body. Keyword families are counted once each;
// a bracketed ticker adds 2 and a market mention adds 1.
func Classify(title, body string) Classification {
	body = PlainText(body)
	text := strings.ToLower(title + " " + body)
	var c Classification
	for _, fam := range keywordFamilies {
		for _, kw := range fam.keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				c.Score += fam.weight
				c.Signals = append(c.Signals, fam.name)
				break
			}
		}
	}
	c.Tickers = ExtractTickers(title)
	if len(c.Tickers) == 0 {
		c.Tickers = ExtractTickers(body)
	}
	if len(c.Tickers) > 0 {
		c.Score += 2
		c.Signals = append(c.Signals, "ticker")
	}
	if mentionsMarket(title + " " + body) {
		c.Score++
		c.Signals = append(c.Signals, "market")
	}
	c.Markets = ExtractMarkets(title + " " + body)
	c.IsListing = c.Score >= ListingThreshold && len(c.Tickers) > 0
	return c
}

func mentionsMarket(text string) bool {
	upper := strings.ToUpper(text)
	for _, m := range []string{"KRW", "BTC 마켓", "USDT 마켓", "원화", "마켓"} {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}
