package market

import (
	"encoding/json"
	"testing"
)

func TestStringFromMapFallsThroughKeys(t *testing.T) {
	m := map[string]any{"coin": "", "symbol": " BTC "}
	if got := StringFromMap(m, "coin", "symbol", "name"); got != "BTC" {
		t.Fatalf("expected BTC, got %q", got)
	}
	if got := StringFromMap(m, "missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestFloatFromAny(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{"0.001", 0.001, true},
		{2000.0, 2000, true},
		{json.Number("12.5"), 12.5, true},
		{int64(7), 7, true},
		{"abc", 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := FloatFromAny(tc.in)
		if ok != tc.ok || !closeEnough(got, tc.want) {
			t.Fatalf("FloatFromAny(%v) = %f, %v", tc.in, got, ok)
		}
	}
}

func TestParsePair(t *testing.T) {
	cases := []struct {
		in   string
		want Pair
		ok   bool
	}{
		{"BTC_KRW", Pair{"BTC", "KRW"}, true},
		{"krw-abc", Pair{"ABC", "KRW"}, true},
		{"ABC-KRW", Pair{"ABC", "KRW"}, true},
		{"ETH/BTC", Pair{"ETH", "BTC"}, true},
		{"1INCH_KRW", Pair{"1INCH", "KRW"}, true},
		{"XRP", Pair{"XRP", "KRW"}, true},
		{"", Pair{}, false},
		{"BTC_", Pair{}, false},
		{"비트_KRW", Pair{}, false},
	}
	for _, tc := range cases {
		got, ok := ParsePair(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParsePair(%q) = %+v, %v", tc.in, got, ok)
		}
	}
}

func TestIsTicker(t *testing.T) {
	for _, s := range []string{"BTC", "1INCH", "ABC"} {
		if !IsTicker(s) {
			t.Fatalf("expected %q to be a ticker", s)
		}
	}
	for _, s := range []string{"A", "123", "btc", "NOTICE-1", ""} {
		if IsTicker(s) {
			t.Fatalf("expected %q not to be a ticker", s)
		}
	}
}

func closeEnough(a, b float64) bool {
	const eps = 1e-9
	if a > b {
		return a-b < eps
	}
	return b-a < eps
}
