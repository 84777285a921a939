// Package notice polls the exchange notice board, turns listing notices into
// candidates and keeps the per-source watermark.
package notice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"listing-sniper/internal/event"
	"listing-sniper/internal/market"
	"listing-sniper/internal/rest"
	"listing-sniper/internal/state"

	"go.uber.org/zap"
)

var ErrMalformedList = errors.New("notice list malformed")

// Notice is one entry of the notice board.
type Notice struct {
	UID         string
	Title       string
	URL         string
	Body        string
	PublishedAt time.Time
}

func (n Notice) cursor() state.Watermark {
	return state.Watermark{LastPublishedAt: n.PublishedAt, LastNoticeUID: n.UID}
}

// ProcessedNotice is a classified listing notice with one candidate per ticker.
type ProcessedNotice struct {
	Notice         Notice
	Classification Classification
	Candidates     []event.Candidate
}

// Batch is the result of one poll. Items holds every notice newer than the
// watermark and is what CommitBatch advances over.
type Batch struct {
	Items    []Notice
	Listings []ProcessedNotice
	// Seed is set on a first run: the watermark is initialised from the
	// board and nothing is emitted.
	Seed    bool
	Skipped int
}

type Config struct {
	Source   string
	ListPath string
	// DetailPath is a format string taking the notice uid. Empty disables
	// detail fetches.
	DetailPath string
	MaxCount   int
	// PublicURL resolves relative notice links.
	PublicURL string
}

type Client struct {
	rest *rest.Client
	wm   *Watermark
	cfg  Config
	log  *zap.Logger
	now  func() time.Time
}

func NewClient(client *rest.Client, wm *Watermark, cfg Config, log *zap.Logger) *Client {
	if cfg.Source == "" {
		cfg.Source = "bithumb_notice"
	}
	if cfg.ListPath == "" {
		cfg.ListPath = "/v1/notices"
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		rest: client,
		wm:   wm,
		cfg:  cfg,
		log:  log.With(zap.String("source", cfg.Source)),
		now:  time.Now,
	}
}

func (c *Client) Source() string {
	return c.cfg.Source
}

// GetLatestListings fetches the newest maxCount notices, drops those at or
// behind the watermark and classifies the rest. Items that fail to parse are
// skipped; the batch continues.
func (c *Client) GetLatestListings(ctx context.Context, maxCount int) (Batch, error) {
	if maxCount <= 0 {
		maxCount = c.cfg.MaxCount
	}
	if _, _, err := c.wm.Load(ctx); err != nil {
		return Batch{}, err
	}
	notices, skipped, err := c.fetchList(ctx, maxCount)
	if err != nil {
		return Batch{}, err
	}
	batch := Batch{Skipped: skipped}
	cur := c.wm.Current()
	if cur.LastPublishedAt.IsZero() && cur.LastNoticeUID == "" {
		batch.Items = notices
		batch.Seed = true
		return batch, nil
	}
	detectedAt := c.now()
	for _, n := range notices {
		if !c.wm.ShouldConsider(n.PublishedAt, n.UID) {
			continue
		}
		batch.Items = append(batch.Items, n)
		cls := Classify(n.Title, n.Body)
		if n.Body == "" && c.cfg.DetailPath != "" && len(cls.Tickers) > 0 {
			if body, err := c.fetchDetail(ctx, n.UID); err != nil {
				c.log.Warn("notice detail fetch failed", zap.String("uid", n.UID), zap.Error(err))
			} else {
				n.Body = body
				cls = Classify(n.Title, n.Body)
			}
		}
		if !cls.IsListing {
			continue
		}
		batch.Listings = append(batch.Listings, c.process(n, cls, detectedAt))
	}
	return batch, nil
}

// CommitBatch advances the watermark over every item of b.
func (c *Client) CommitBatch(ctx context.Context, b Batch) (state.Watermark, error) {
	return c.wm.UpdateFromBatch(ctx, b.Items)
}

func (c *Client) process(n Notice, cls Classification, detectedAt time.Time) ProcessedNotice {
	ref := n.PublishedAt
	if ref.IsZero() {
		ref = detectedAt
	}
	tradeTime := ExtractTradeTime(PlainText(n.Body), ref)
	if tradeTime == nil {
		tradeTime = ExtractTradeTime(n.Title, ref)
	}
	out := ProcessedNotice{Notice: n, Classification: cls}
	for _, base := range cls.Tickers {
		cand := event.NewCandidate(event.Input{
			Source:    event.SourceNotice,
			Base:      base,
			URL:       n.URL,
			Markets:   cls.Markets,
			TradeTime: tradeTime,
		}, n.Title, detectedAt)
		cand.NoticeUID = n.UID
		cand.PublishedAt = n.PublishedAt
		out.Candidates = append(out.Candidates, cand)
	}
	return out
}

func (c *Client) fetchList(ctx context.Context, maxCount int) ([]Notice, int, error) {
	resp, err := c.rest.GetRaw(ctx, c.cfg.ListPath)
	if err != nil {
		return nil, 0, err
	}
	decoded := DecodeBody(resp.Body, resp.ContentType)
	dec := json.NewDecoder(strings.NewReader(decoded.Text))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedList, err)
	}
	raw, ok := findList(payload)
	if !ok {
		return nil, 0, ErrMalformedList
	}
	notices := make([]Notice, 0, len(raw))
	skipped := 0
	for _, item := range raw {
		m, ok := market.ToMap(item)
		if !ok {
			skipped++
			continue
		}
		n, ok := c.parseNotice(m)
		if !ok {
			skipped++
			c.log.Debug("notice item skipped", zap.Any("item", m))
			continue
		}
		notices = append(notices, n)
		if len(notices) >= maxCount {
			break
		}
	}
	return notices, skipped, nil
}

func (c *Client) fetchDetail(ctx context.Context, uid string) (string, error) {
	resp, err := c.rest.GetRaw(ctx, fmt.Sprintf(c.cfg.DetailPath, url.PathEscape(uid)))
	if err != nil {
		return "", err
	}
	text := DecodeBody(resp.Body, resp.ContentType).Text
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var payload any
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			if m, ok := market.ToMap(payload); ok {
				if data, ok := market.ToMap(m["data"]); ok {
					m = data
				}
				if body := market.StringFromMap(m, "content", "body", "text", "html"); body != "" {
					return body, nil
				}
			}
		}
	}
	return text, nil
}

func (c *Client) parseNotice(m map[string]any) (Notice, bool) {
	n := Notice{
		UID:   market.StringFromMap(m, "id", "uid", "noticeId", "notice_id", "no"),
		Title: market.StringFromMap(m, "title", "subject"),
		URL:   market.StringFromMap(m, "url", "link", "pcUrl", "pc_url"),
		Body:  market.StringFromMap(m, "content", "body", "text"),
	}
	for _, key := range []string{"publishedAt", "published_at", "publishDate", "createdAt", "created_at", "date", "regDate"} {
		if v, ok := m[key]; ok {
			if t, ok := parsePublishedAt(v); ok {
				n.PublishedAt = t
				break
			}
		}
	}
	if n.UID == "" || n.Title == "" || n.PublishedAt.IsZero() {
		return Notice{}, false
	}
	n.URL = c.resolveURL(n.URL)
	return n, true
}

func (c *Client) resolveURL(link string) string {
	if link == "" || c.cfg.PublicURL == "" {
		return link
	}
	base, err := url.Parse(c.cfg.PublicURL)
	if err != nil {
		return link
	}
	ref, err := url.Parse(link)
	if err != nil {
		return link
	}
	return base.ResolveReference(ref).String()
}

func findList(payload any) ([]any, bool) {
	if list, ok := market.ToSlice(payload); ok {
		return list, true
	}
	m, ok := market.ToMap(payload)
	if !ok {
		return nil, false
	}
	for _, key := range []string{"data", "notices", "list", "items", "content"} {
		v, ok := m[key]
		if !ok {
			continue
		}
		if list, ok := findList(v); ok {
			return list, true
		}
	}
	return nil, false
}

var publishedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006.01.02 15:04",
	"2006.01.02",
	"2006-01-02",
}

// parsePublishedAt accepts epoch seconds or milliseconds and the usual
// textual layouts. Zone-less text is KST.
func parsePublishedAt(v any) (time.Time, bool) {
	if f, ok := market.FloatFromAny(v); ok && f > 0 {
		ms := int64(f)
		if ms < 1e12 {
			ms *= 1000
		}
		return time.UnixMilli(ms).UTC(), true
	}
	s := market.StringFromAny(v)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range publishedLayouts {
		if t, err := time.ParseInLocation(layout, s, kst); err == nil {
			return t.UTC().Truncate(time.Millisecond), true
		}
	}
	return time.Time{}, false
}
