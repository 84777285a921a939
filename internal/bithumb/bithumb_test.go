package bithumb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"listing-sniper/internal/resilience"
	"listing-sniper/internal/rest"

	"go.uber.org/zap"
)

func newTickerClient(t *testing.T, handler http.HandlerFunc) *TickerClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	limiter := resilience.NewRateLimiter(resilience.Limit{RPS: 1000, Burst: 1000}, nil, resilience.BackoffPolicy{})
	guard := resilience.NewGuard(limiter, resilience.NewBreakers(resilience.BreakerSettings{}, zap.NewNop()), time.Second, zap.NewNop())
	return NewTickerClient(rest.New(srv.URL, "ticker", time.Second, guard, zap.NewNop()))
}

func TestFetchListedBases(t *testing.T) {
	c := newTickerClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/public/ticker/ALL_KRW" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"0000","data":{"BTC":{"closing_price":"1"},"ETH":{"closing_price":"2"},"date":"1700000000000"}}`))
	})
	bases, err := c.FetchListedBases(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if strings.Join(bases, ",") != "BTC,ETH" {
		t.Fatalf("unexpected bases %v", bases)
	}
}

func TestFetchListedBasesRejectsErrorStatus(t *testing.T) {
	c := newTickerClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"5600","message":"maintenance"}`))
	})
	if _, err := c.FetchListedBases(context.Background()); err == nil {
		t.Fatalf("expected error status to fail the fetch")
	}
}

func TestHasTicker(t *testing.T) {
	c := newTickerClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/public/ticker/ABC_KRW":
			_, _ = w.Write([]byte(`{"status":"0000","data":{"closing_price":"100"}}`))
		default:
			_, _ = w.Write([]byte(`{"status":"5500","message":"Invalid Parameter"}`))
		}
	})
	ctx := context.Background()
	ok, err := c.HasTicker(ctx, "abc")
	if err != nil || !ok {
		t.Fatalf("expected ABC confirmed, got %v err=%v", ok, err)
	}
	ok, err = c.HasTicker(ctx, "FAKE")
	if err != nil || ok {
		t.Fatalf("expected FAKE rejected, got %v err=%v", ok, err)
	}
}

func TestParseTicker(t *testing.T) {
	cases := []struct {
		raw  string
		want TickerUpdate
		ok   bool
	}{
		{`{"type":"ticker","content":{"symbol":"ABC_KRW","tickType":"MID"}}`, TickerUpdate{"ABC_KRW", "ABC", "KRW"}, true},
		{`{"type":"ticker","code":"KRW-XYZ","trade_price":1}`, TickerUpdate{"XYZ_KRW", "XYZ", "KRW"}, true},
		{`{"status":"0000","resmsg":"Connected Successfully"}`, TickerUpdate{}, false},
		{`{"type":"transaction","content":{"list":[]}}`, TickerUpdate{}, false},
		{`not json`, TickerUpdate{}, false},
	}
	for _, tc := range cases {
		got, ok := ParseTicker([]byte(tc.raw))
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseTicker(%s) = %+v, %v", tc.raw, got, ok)
		}
	}
}

func TestSubscribeMessage(t *testing.T) {
	raw, err := SubscribeMessage(nil, nil)
	if err != nil || string(raw) != DefaultSubscription {
		t.Fatalf("expected default subscription, got %s err=%v", raw, err)
	}
	raw, err = SubscribeMessage([]string{"BTC_KRW"}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if string(raw) != `{"type":"ticker","symbols":["BTC_KRW"],"tickTypes":["MID"]}` {
		t.Fatalf("unexpected payload %s", raw)
	}
}
