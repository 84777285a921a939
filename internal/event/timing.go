package event

import "time"

type Timing string

const (
	TimingLive   Timing = "live"
	TimingFuture Timing = "future"
	TimingStale  Timing = "stale"
)

const DefaultLiveWindow = 120 * time.Second

// Classify places a trade time relative to now. A missing trade time is live.
// The window bounds are inclusive.
func Classify(tradeTime *time.Time, now time.Time, window time.Duration) Timing {
	if tradeTime == nil || tradeTime.IsZero() {
		return TimingLive
	}
	if window <= 0 {
		window = DefaultLiveWindow
	}
	diff := tradeTime.Sub(now)
	switch {
	case diff > window:
		return TimingFuture
	case diff < -window:
		return TimingStale
	default:
		return TimingLive
	}
}

// TradeWorthy reports whether a detection with this timing may enter the trade path.
func (t Timing) TradeWorthy() bool {
	return t == TimingLive
}
