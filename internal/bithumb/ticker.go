// Package bithumb speaks the exchange's public ticker REST endpoints and
// decodes its websocket ticker frames.
package bithumb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"listing-sniper/internal/market"
	"listing-sniper/internal/rest"
)

const (
	statusOK     = "0000"
	defaultQuote = "KRW"
)

type tickerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// TickerClient reads the public ticker endpoints. It serves both as the
// baseline fetcher and as the websocket double-check.
type TickerClient struct {
	rest  *rest.Client
	quote string
}

func NewTickerClient(client *rest.Client) *TickerClient {
	return &TickerClient{rest: client, quote: defaultQuote}
}

// FetchListedBases lists every base with a KRW market.
func (c *TickerClient) FetchListedBases(ctx context.Context) ([]string, error) {
	var resp tickerResponse
	if err := c.rest.GetJSON(ctx, "/public/ticker/ALL_"+c.quote, &resp); err != nil {
		return nil, err
	}
	if resp.Status != statusOK {
		return nil, fmt.Errorf("ticker status %s: %s", resp.Status, resp.Message)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("decode ticker data: %w", err)
	}
	bases := make([]string, 0, len(data))
	for key := range data {
		if strings.EqualFold(key, "date") {
			continue
		}
		base := strings.ToUpper(strings.TrimSpace(key))
		if !market.IsTicker(base) {
			continue
		}
		bases = append(bases, base)
	}
	if len(bases) == 0 {
		return nil, errors.New("ticker returned no markets")
	}
	sort.Strings(bases)
	return bases, nil
}

// HasTicker confirms that base trades against KRW right now.
func (c *TickerClient) HasTicker(ctx context.Context, base string) (bool, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	if !market.IsTicker(base) {
		return false, nil
	}
	var resp tickerResponse
	err := c.rest.GetJSON(ctx, "/public/ticker/"+base+"_"+c.quote, &resp)
	if err != nil {
		var statusErr *rest.StatusError
		if errors.As(err, &statusErr) && (statusErr.Code == http.StatusNotFound || statusErr.Code == http.StatusBadRequest) {
			return false, nil
		}
		return false, err
	}
	if resp.Status != statusOK {
		// 5xxx statuses are "invalid parameter" style answers for unknown markets.
		if strings.HasPrefix(resp.Status, "5") {
			return false, nil
		}
		return false, fmt.Errorf("ticker status %s: %s", resp.Status, resp.Message)
	}
	var data map[string]any
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return false, nil
	}
	return len(data) > 0, nil
}
