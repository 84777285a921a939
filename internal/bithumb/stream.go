package bithumb

import (
	"bytes"
	"encoding/json"
	"strings"

	"listing-sniper/internal/market"
)

// DefaultSubscription asks for every KRW ticker.
const DefaultSubscription = `{"type":"ticker","symbols":["ALL_KRW"],"tickTypes":["MID"]}`

// TickerUpdate is one decoded ticker frame.
type TickerUpdate struct {
	Symbol string
	Base   string
	Quote  string
}

// SubscribeMessage builds a ticker subscription for symbols; with no symbols
// it returns DefaultSubscription.
func SubscribeMessage(symbols []string, tickTypes []string) ([]byte, error) {
	if len(symbols) == 0 {
		return []byte(DefaultSubscription), nil
	}
	if len(tickTypes) == 0 {
		tickTypes = []string{"MID"}
	}
	return json.Marshal(struct {
		Type      string   `json:"type"`
		Symbols   []string `json:"symbols"`
		TickTypes []string `json:"tickTypes"`
	}{Type: "ticker", Symbols: symbols, TickTypes: tickTypes})
}

// ParseTicker decodes a ticker frame. It accepts the public v1 shape
// ({"type":"ticker","content":{"symbol":"BTC_KRW"}}) and the v2 shape
// ({"type":"ticker","code":"KRW-BTC"}). Status and non-ticker frames
// return false.
func ParseTicker(raw []byte) (TickerUpdate, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return TickerUpdate{}, false
	}
	kind := strings.ToLower(market.StringFromMap(payload, "type", "ty"))
	if kind != "" && kind != "ticker" {
		return TickerUpdate{}, false
	}
	symbol := ""
	if content, ok := market.ToMap(payload["content"]); ok {
		symbol = market.StringFromMap(content, "symbol", "code")
	}
	if symbol == "" {
		symbol = market.StringFromMap(payload, "code", "cd", "symbol")
	}
	if symbol == "" {
		return TickerUpdate{}, false
	}
	pair, ok := market.ParsePair(symbol)
	if !ok || !strings.ContainsAny(symbol, "_-/") {
		return TickerUpdate{}, false
	}
	return TickerUpdate{Symbol: pair.String(), Base: pair.Base, Quote: pair.Quote}, true
}
