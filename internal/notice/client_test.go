package notice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"listing-sniper/internal/event"
	"listing-sniper/internal/rest"
	"listing-sniper/internal/state"
	"listing-sniper/internal/state/sqlstore"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/korean"
)

type board struct {
	mu          sync.Mutex
	body        []byte
	contentType string
}

func (b *board) set(body []byte, contentType string) {
	b.mu.Lock()
	b.body = body
	b.contentType = contentType
	b.mu.Unlock()
}

func (b *board) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.contentType != "" {
		w.Header().Set("Content-Type", b.contentType)
	}
	_, _ = w.Write(b.body)
}

const boardJSON = `{"status":"0000","data":{"list":[
	{"id":102,"title":"[마켓 추가] 에이비씨(ABC) 원화 마켓 추가","url":"/notice/102","publishedAt":"2025-03-05 10:00:00","content":"거래 개시: 2025-03-05 14:00"},
	{"id":101,"title":"[점검] 지갑 점검 안내","url":"/notice/101","publishedAt":"2025-03-05 09:00:00"},
	{"id":100,"title":"에이(AAA) 신규 상장","publishedAt":1741130000000},
	{"title":"no id"}
]}}`

func newTestClient(t *testing.T, b *board) (*Client, *sqlstore.Store) {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	store, err := sqlstore.New(sqlstore.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	rc := rest.New(srv.URL, "notice", time.Second, nil, zap.NewNop())
	client := NewClient(rc, NewWatermark(store, "bithumb_notice"), Config{
		ListPath:  "/v1/notices",
		PublicURL: "https://feed.example.com",
	}, zap.NewNop())
	client.now = func() time.Time { return time.Date(2025, 3, 5, 5, 0, 0, 0, time.UTC) }
	return client, store
}

func TestFirstRunSeedsWatermark(t *testing.T) {
	b := &board{}
	b.set([]byte(boardJSON), "application/json; charset=utf-8")
	client, store := newTestClient(t, b)
	ctx := context.Background()

	batch, err := client.GetLatestListings(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !batch.Seed || len(batch.Listings) != 0 {
		t.Fatalf("expected a seed batch without listings, got %+v", batch)
	}
	if len(batch.Items) != 3 || batch.Skipped != 1 {
		t.Fatalf("expected 3 items and 1 skipped, got %d/%d", len(batch.Items), batch.Skipped)
	}
	if _, err := client.CommitBatch(ctx, batch); err != nil {
		t.Fatalf("commit: %v", err)
	}
	wm, ok, err := store.LoadWatermark(ctx, "bithumb_notice")
	if err != nil || !ok {
		t.Fatalf("load watermark: ok=%v err=%v", ok, err)
	}
	want := time.Date(2025, 3, 5, 1, 0, 0, 0, time.UTC)
	if wm.LastNoticeUID != "102" || !wm.LastPublishedAt.Equal(want) {
		t.Fatalf("unexpected watermark %+v", wm)
	}

	batch, err = client.GetLatestListings(ctx, 10)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if batch.Seed || len(batch.Items) != 0 || len(batch.Listings) != 0 {
		t.Fatalf("expected nothing new at the watermark, got %+v", batch)
	}
}

func TestListingsBecomeCandidates(t *testing.T) {
	b := &board{}
	b.set([]byte(boardJSON), "application/json")
	client, store := newTestClient(t, b)
	ctx := context.Background()
	if _, err := store.AdvanceWatermark(ctx, state.Watermark{
		Source:          "bithumb_notice",
		LastPublishedAt: time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC),
		LastNoticeUID:   "1",
	}); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	batch, err := client.GetLatestListings(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch.Items) != 3 {
		t.Fatalf("expected 3 new items, got %d", len(batch.Items))
	}
	if len(batch.Listings) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(batch.Listings))
	}
	abc := batch.Listings[0].Candidates
	if len(abc) != 1 {
		t.Fatalf("expected one candidate, got %+v", abc)
	}
	cand := abc[0]
	tradeTime := time.Date(2025, 3, 5, 5, 0, 0, 0, time.UTC)
	if cand.Base != "ABC" || cand.Source != event.SourceNotice || cand.NoticeUID != "102" {
		t.Fatalf("unexpected candidate %+v", cand)
	}
	if cand.URL != "https://feed.example.com/notice/102" {
		t.Fatalf("unexpected url %q", cand.URL)
	}
	if !reflect.DeepEqual(cand.Markets, []string{"KRW"}) {
		t.Fatalf("unexpected markets %v", cand.Markets)
	}
	if cand.TradeTime == nil || !cand.TradeTime.Equal(tradeTime) {
		t.Fatalf("unexpected trade time %v", cand.TradeTime)
	}
	want := event.BuildID(event.Input{
		Source:    event.SourceNotice,
		Base:      "ABC",
		URL:       "https://feed.example.com/notice/102",
		Markets:   []string{"KRW"},
		TradeTime: &tradeTime,
	})
	if cand.ID != want {
		t.Fatalf("unexpected id %s", cand.ID)
	}
	if got := batch.Listings[1].Candidates[0].Base; got != "AAA" {
		t.Fatalf("expected AAA listing, got %s", got)
	}
}

func TestEUCKRBoard(t *testing.T) {
	raw, err := korean.EUCKR.NewEncoder().Bytes([]byte(`[{"uid":"7","title":"[마켓 추가] 에이비씨(ABC) 원화 마켓 추가","date":"2025-03-05 10:00"}]`))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b := &board{}
	b.set(raw, "application/json")
	client, store := newTestClient(t, b)
	ctx := context.Background()
	if _, err := store.AdvanceWatermark(ctx, state.Watermark{Source: "bithumb_notice", LastNoticeUID: "1", LastPublishedAt: time.Unix(0, 0)}); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}
	batch, err := client.GetLatestListings(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch.Listings) != 1 || batch.Listings[0].Candidates[0].Base != "ABC" {
		t.Fatalf("expected ABC listing from euc-kr board, got %+v", batch)
	}
}

func TestMalformedBoard(t *testing.T) {
	b := &board{}
	b.set([]byte(`{"status":"0000","data":"maintenance"}`), "application/json")
	client, _ := newTestClient(t, b)
	if _, err := client.GetLatestListings(context.Background(), 10); err == nil {
		t.Fatalf("expected malformed list error")
	}
}

func TestParsePublishedAt(t *testing.T) {
	want := time.Date(2025, 3, 5, 1, 0, 0, 0, time.UTC)
	for _, in := range []any{"2025-03-05 10:00:00", "2025-03-05T10:00:00+09:00", float64(want.UnixMilli()), float64(want.Unix())} {
		got, ok := parsePublishedAt(in)
		if !ok || !got.Equal(want) {
			t.Fatalf("%v: expected %s, got %s (ok=%v)", in, want, got, ok)
		}
	}
}
