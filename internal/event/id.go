package event

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type Source string

const (
	SourceNotice    Source = "notice"
	SourceWebSocket Source = "websocket"
)

// ID is a hex encoded sha256 fingerprint of a listing event.
type ID string

func (id ID) String() string {
	return string(id)
}

// Short returns a prefix suitable for log lines and client order ids.
func (id ID) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

type Input struct {
	Source    Source
	Base      string
	URL       string
	Markets   []string
	TradeTime *time.Time
}

// BuildID fingerprints a listing. Absent URL or trade time hash as empty
// strings so the tuple shape never changes.
func BuildID(in Input) ID {
	trade := ""
	if in.TradeTime != nil && !in.TradeTime.IsZero() {
		trade = in.TradeTime.UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	tuple := []any{
		strings.ToLower(strings.TrimSpace(string(in.Source))),
		NormalizeBase(in.Base),
		NormalizeURL(in.URL),
		NormalizeMarkets(in.Markets),
		trade,
	}
	payload, err := msgpack.Marshal(tuple)
	if err != nil {
		payload = []byte(strings.Join([]string{
			tuple[0].(string),
			tuple[1].(string),
			tuple[2].(string),
			strings.Join(tuple[3].([]string), ","),
			trade,
		}, "|"))
	}
	sum := sha256.Sum256(payload)
	return ID(hex.EncodeToString(sum[:]))
}

func NormalizeBase(base string) string {
	return strings.ToUpper(strings.TrimSpace(base))
}

// NormalizeMarkets upper-cases, de-duplicates and sorts a market list.
func NormalizeMarkets(markets []string) []string {
	seen := make(map[string]struct{}, len(markets))
	out := make([]string, 0, len(markets))
	for _, m := range markets {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"ref":     {},
	"referer": {},
	"source":  {},
}

// NormalizeURL lower-cases scheme and host, drops default ports, fragments,
// tracking query parameters and the trailing slash.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}
	query := u.Query()
	for key := range query {
		lower := strings.ToLower(key)
		if _, ok := trackingParams[lower]; ok || strings.HasPrefix(lower, "utm_") {
			query.Del(key)
		}
	}
	path := strings.TrimRight(u.EscapedPath(), "/")
	out := scheme + "://" + host + path
	if encoded := query.Encode(); encoded != "" {
		out += "?" + encoded
	}
	return out
}
