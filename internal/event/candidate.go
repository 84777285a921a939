package event

import "time"

// Candidate is a detected listing on its way to the pipeline handler. Both
// feeds produce it; ID is filled by NewCandidate. PublishedAt is the notice's
// own timestamp and stays zero for ticker detections.
type Candidate struct {
	ID          ID
	Source      Source
	Base        string
	URL         string
	Markets     []string
	TradeTime   *time.Time
	RawTitle    string
	NoticeUID   string
	PublishedAt time.Time
	DetectedAt  time.Time
}

// NewCandidate normalizes in and fingerprints it.
func NewCandidate(in Input, rawTitle string, detectedAt time.Time) Candidate {
	var tradeTime *time.Time
	if in.TradeTime != nil && !in.TradeTime.IsZero() {
		tt := in.TradeTime.UTC()
		tradeTime = &tt
	}
	return Candidate{
		ID:         BuildID(in),
		Source:     in.Source,
		Base:       NormalizeBase(in.Base),
		URL:        in.URL,
		Markets:    NormalizeMarkets(in.Markets),
		TradeTime:  tradeTime,
		RawTitle:   rawTitle,
		DetectedAt: detectedAt,
	}
}
