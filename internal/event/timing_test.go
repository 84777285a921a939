package event

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}
	cases := []struct {
		name  string
		trade *time.Time
		want  Timing
	}{
		{"now", at(0), TimingLive},
		{"missing", nil, TimingLive},
		{"edge future", at(120 * time.Second), TimingLive},
		{"edge past", at(-120 * time.Second), TimingLive},
		{"future", at(121 * time.Second), TimingFuture},
		{"stale", at(-121 * time.Second), TimingStale},
		{"thirty minutes ahead", at(30 * time.Minute), TimingFuture},
	}
	for _, tc := range cases {
		if got := Classify(tc.trade, now, DefaultLiveWindow); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestClassifyDefaultsWindow(t *testing.T) {
	now := time.Now()
	trade := now.Add(90 * time.Second)
	if got := Classify(&trade, now, 0); got != TimingLive {
		t.Fatalf("expected default window to apply, got %s", got)
	}
	if !TimingLive.TradeWorthy() || TimingFuture.TradeWorthy() || TimingStale.TradeWorthy() {
		t.Fatalf("only live detections are trade-worthy")
	}
}
