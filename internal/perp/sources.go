package perp

import (
	"context"
	"strings"
	"unicode"

	"listing-sniper/internal/rest"
)

// Hyperliquid reads the perp universe from the info endpoint.
type Hyperliquid struct {
	rest *rest.Client
}

func NewHyperliquid(client *rest.Client) *Hyperliquid {
	return &Hyperliquid{rest: client}
}

func (h *Hyperliquid) Venue() Venue { return VenueHyperliquid }

type hlMeta struct {
	Universe []struct {
		Name        string `json:"name"`
		MaxLeverage int    `json:"maxLeverage"`
		IsDelisted  bool   `json:"isDelisted"`
	} `json:"universe"`
}

func (h *Hyperliquid) FetchListings(ctx context.Context) ([]Listing, error) {
	var meta hlMeta
	if err := h.rest.PostJSON(ctx, "/info", map[string]string{"type": "meta"}, &meta); err != nil {
		return nil, err
	}
	out := make([]Listing, 0, len(meta.Universe))
	for _, asset := range meta.Universe {
		if asset.IsDelisted || asset.Name == "" {
			continue
		}
		out = append(out, Listing{
			Venue:       VenueHyperliquid,
			Base:        hlBase(asset.Name),
			Symbol:      asset.Name,
			LeverageMax: asset.MaxLeverage,
		})
	}
	return out, nil
}

// Thousand-unit contracts are named with a leading lower-case k (kPEPE).
func hlBase(name string) string {
	if len(name) > 1 && name[0] == 'k' && unicode.IsUpper(rune(name[1])) {
		return name[1:]
	}
	return normalizeBase(name)
}

// Binance reads USD-M perpetuals from exchangeInfo.
type Binance struct {
	rest *rest.Client
}

func NewBinance(client *rest.Client) *Binance {
	return &Binance{rest: client}
}

func (b *Binance) Venue() Venue { return VenueBinance }

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		BaseAsset    string `json:"baseAsset"`
		QuoteAsset   string `json:"quoteAsset"`
		ContractType string `json:"contractType"`
		Status       string `json:"status"`
	} `json:"symbols"`
}

func (b *Binance) FetchListings(ctx context.Context) ([]Listing, error) {
	var info binanceExchangeInfo
	if err := b.rest.GetJSON(ctx, "/fapi/v1/exchangeInfo", &info); err != nil {
		return nil, err
	}
	out := make([]Listing, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.ContractType != "PERPETUAL" || s.Status != "TRADING" || s.QuoteAsset != "USDT" {
			continue
		}
		out = append(out, Listing{
			Venue:  VenueBinance,
			Base:   binanceBase(s.BaseAsset),
			Symbol: s.Symbol,
		})
	}
	return out, nil
}

// Multiplier contracts carry the multiplier in the base (1000PEPE).
func binanceBase(asset string) string {
	asset = normalizeBase(asset)
	for _, prefix := range []string{"1000000", "1000"} {
		if trimmed, ok := strings.CutPrefix(asset, prefix); ok && trimmed != "" {
			return trimmed
		}
	}
	return asset
}
