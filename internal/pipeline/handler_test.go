package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"listing-sniper/internal/alerts"
	"listing-sniper/internal/baseline"
	"listing-sniper/internal/event"
	"listing-sniper/internal/exec"
	"listing-sniper/internal/metrics"
	"listing-sniper/internal/perp"
	"listing-sniper/internal/state"
	"listing-sniper/internal/state/sqlstore"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type countingCounter struct{ n atomic.Int64 }

func (c *countingCounter) Inc() { c.n.Add(1) }

type fakeBaseline struct {
	gate   bool
	newTok bool
}

func (f *fakeBaseline) TradeGateOpen() bool { return f.gate }

func (f *fakeBaseline) IsTokenNewAt(string, time.Time) bool { return f.newTok }

type staticFetcher []string

func (f staticFetcher) FetchListedBases(ctx context.Context) ([]string, error) {
	return append([]string(nil), f...), nil
}

// flakyEvents fails the named trade-path call once with a storage error.
type flakyEvents struct {
	*sqlstore.Store
	failOn string
	failed bool
}

func (f *flakyEvents) fail(op string) error {
	if f.failOn != op || f.failed {
		return nil
	}
	f.failed = true
	return &state.StorageError{Op: op, Err: errors.New("database is locked")}
}

func (f *flakyEvents) IsBaseRecentlyTraded(ctx context.Context, base string, cooldown time.Duration) (bool, error) {
	if err := f.fail("recently traded"); err != nil {
		return false, err
	}
	return f.Store.IsBaseRecentlyTraded(ctx, base, cooldown)
}

func (f *flakyEvents) ClaimBase(ctx context.Context, base, eventID string, cooldown time.Duration) (bool, error) {
	if err := f.fail("claim base"); err != nil {
		return false, err
	}
	return f.Store.ClaimBase(ctx, base, eventID, cooldown)
}

type fakePerps struct {
	info perp.Info
	err  error
}

func (f *fakePerps) HasPerp(ctx context.Context, base string) (perp.Info, error) {
	return f.info, f.err
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []exec.Opportunity
	err   error
}

func (f *fakeExecutor) ExecuteOpportunity(ctx context.Context, opp exec.Opportunity) (*exec.TradeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opp)
	if f.err != nil {
		return nil, f.err
	}
	return &exec.TradeResult{EventID: opp.EventID.String(), OrderID: "oid", Symbol: opp.Symbol, Venue: opp.Venue}, nil
}

type sentMessage struct {
	text     string
	priority alerts.Priority
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeNotifier) SendMessage(ctx context.Context, text string, priority alerts.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{text: text, priority: priority})
	return nil
}

type fixture struct {
	handler  *Handler
	store    *sqlstore.Store
	baseline *fakeBaseline
	perps    *fakePerps
	executor *fakeExecutor
	notifier *fakeNotifier
	t0New    *countingCounter
	t0Dup    *countingCounter
	storage  *countingCounter
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlstore.New(sqlstore.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	f := &fixture{
		store:    store,
		baseline: &fakeBaseline{gate: true, newTok: true},
		perps:    &fakePerps{info: perp.Info{HasPerp: true, Symbol: "ABCUSDT", Venue: perp.VenueBinance}},
		executor: &fakeExecutor{},
		notifier: &fakeNotifier{},
		t0New:    &countingCounter{},
		t0Dup:    &countingCounter{},
		storage:  &countingCounter{},
		now:      time.Now().UTC().Truncate(time.Second),
	}
	m := metrics.NewNoop()
	m.T0New = f.t0New
	m.T0Dup = f.t0Dup
	m.StorageErrors = f.storage
	f.handler = New(store, store, f.baseline, f.perps, f.executor, f.notifier, Config{
		Cooldown:     24 * time.Hour,
		Notional:     decimal.NewFromInt(1_000_000),
		TradeEnabled: true,
	}, m, zap.NewNop())
	f.handler.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) candidate(source event.Source, base string, tradeTime *time.Time) event.Candidate {
	return event.NewCandidate(event.Input{
		Source:    source,
		Base:      base,
		URL:       "https://feed.bithumb.com/notice/1",
		Markets:   []string{"KRW"},
		TradeTime: tradeTime,
	}, "[마켓 추가] "+base, f.now)
}

func TestLiveListingTradesOnceAcrossRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.now
	cand := f.candidate(event.SourceNotice, "ABC", &now)

	outcome, err := f.handler.Handle(ctx, cand)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeTraded {
		t.Fatalf("expected traded, got %s", outcome)
	}
	for i := 0; i < 9; i++ {
		outcome, err = f.handler.Handle(ctx, cand)
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if outcome != OutcomeDuplicate {
			t.Fatalf("retry %d: expected duplicate, got %s", i, outcome)
		}
	}
	if len(f.executor.calls) != 1 {
		t.Fatalf("expected exactly one execution, got %d", len(f.executor.calls))
	}
	opp := f.executor.calls[0]
	if opp.Symbol != "ABCUSDT" || !opp.Notional.Equal(decimal.NewFromInt(1_000_000)) {
		t.Fatalf("unexpected opportunity %+v", opp)
	}
	if f.t0New.n.Load() != 1 || f.t0Dup.n.Load() != 9 {
		t.Fatalf("unexpected counters new=%d dup=%d", f.t0New.n.Load(), f.t0Dup.n.Load())
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifier.sent))
	}
	snap, ok, err := state.LoadDetectionSnapshot(ctx, f.store)
	if err != nil || !ok {
		t.Fatalf("load snapshot: ok=%v err=%v", ok, err)
	}
	if snap.Outcome != string(OutcomeTraded) || snap.Base != "ABC" || snap.Timing != string(event.TimingLive) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestFutureListingIsNotifyOnly(t *testing.T) {
	f := newFixture(t)
	future := f.now.Add(30 * time.Minute)
	outcome, err := f.handler.Handle(context.Background(), f.candidate(event.SourceNotice, "ABC", &future))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeNotifyOnly {
		t.Fatalf("expected notify only, got %s", outcome)
	}
	if len(f.executor.calls) != 0 {
		t.Fatalf("future listing must not trade")
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].priority != alerts.PriorityLow {
		t.Fatalf("expected one low priority notification, got %+v", f.notifier.sent)
	}
}

func TestCrossSourceCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.now
	if outcome, err := f.handler.Handle(ctx, f.candidate(event.SourceNotice, "ABC", &now)); err != nil || outcome != OutcomeTraded {
		t.Fatalf("expected first detection to trade, got %s %v", outcome, err)
	}
	ws := f.candidate(event.SourceWebSocket, "ABC", nil)
	outcome, err := f.handler.Handle(ctx, ws)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeCooldown {
		t.Fatalf("expected cooldown for second source, got %s", outcome)
	}
	if ok, _ := f.store.IsProcessed(ctx, ws.ID.String()); !ok {
		t.Fatalf("websocket event should be recorded, it is a distinct fingerprint")
	}
	if len(f.executor.calls) != 1 {
		t.Fatalf("expected a single execution, got %d", len(f.executor.calls))
	}
}

func TestGates(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *fixture)
		want  Outcome
	}{
		{"degraded baseline", func(f *fixture) { f.baseline.gate = false }, OutcomeDetectionOnly},
		{"already listed", func(f *fixture) { f.baseline.newTok = false }, OutcomeNotNew},
		{"no perp", func(f *fixture) { f.perps.info = perp.Info{} }, OutcomeNoPerp},
		{"perp lookup error", func(f *fixture) { f.perps.err = errors.New("down") }, OutcomeNoPerp},
		{"trading disabled", func(f *fixture) { f.handler.cfg.TradeEnabled = false }, OutcomeTradeDisabled},
		{"execution error", func(f *fixture) { f.executor.err = errors.New("venue down") }, OutcomeTradeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.setup(f)
			outcome, err := f.handler.Handle(context.Background(), f.candidate(event.SourceNotice, "ABC", nil))
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			if outcome != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, outcome)
			}
			traded, err := f.store.IsBaseRecentlyTraded(context.Background(), "ABC", time.Hour)
			if err != nil {
				t.Fatalf("traded lookup: %v", err)
			}
			if traded != (tc.want == OutcomeTradeFailed) {
				t.Fatalf("unexpected cooldown claim %v for %s", traded, tc.want)
			}
		})
	}
}

func TestStorageFailureIsNotDuplicate(t *testing.T) {
	f := newFixture(t)
	_ = f.store.Close()
	outcome, err := f.handler.Handle(context.Background(), f.candidate(event.SourceNotice, "ABC", nil))
	if !errors.Is(err, state.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if outcome == OutcomeDuplicate {
		t.Fatalf("storage failure must not look like a duplicate")
	}
	if f.storage.n.Load() != 1 {
		t.Fatalf("expected storage error counter, got %d", f.storage.n.Load())
	}
}

func TestStorageFailureAfterInsertIsRetried(t *testing.T) {
	for _, op := range []string{"recently traded", "claim base"} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t)
			f.handler.events = &flakyEvents{Store: f.store, failOn: op}
			ctx := context.Background()
			now := f.now
			cand := f.candidate(event.SourceNotice, "ABC", &now)

			outcome, err := f.handler.Handle(ctx, cand)
			if !errors.Is(err, state.ErrStorage) {
				t.Fatalf("expected storage error, got %s %v", outcome, err)
			}
			if ok, _ := f.store.IsProcessed(ctx, cand.ID.String()); ok {
				t.Fatalf("failed event must not stay recorded")
			}
			outcome, err = f.handler.Handle(ctx, cand)
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if outcome != OutcomeTraded {
				t.Fatalf("expected retry to trade, got %s", outcome)
			}
			if len(f.executor.calls) != 1 {
				t.Fatalf("expected one execution, got %d", len(f.executor.calls))
			}
			if outcome, _ = f.handler.Handle(ctx, cand); outcome != OutcomeDuplicate {
				t.Fatalf("expected duplicate after success, got %s", outcome)
			}
		})
	}
}

func TestGraceWindowAppliesToNoticesOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base, err := baseline.New(staticFetcher{"BTC", "XRP"}, nil, baseline.Config{Grace: 10 * time.Minute}, zap.NewNop())
	if err != nil {
		t.Fatalf("new baseline: %v", err)
	}
	if got := base.Boot(ctx); got != baseline.StateReady {
		t.Fatalf("expected READY, got %s", got)
	}
	f.handler.baseline = base

	ticker := f.candidate(event.SourceWebSocket, "XRP", nil)
	ticker.DetectedAt = base.GraceAnchor().Add(2 * time.Minute)
	outcome, err := f.handler.Handle(ctx, ticker)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeNotNew {
		t.Fatalf("listed base on the ticker feed must be not_new, got %s", outcome)
	}

	notice := f.candidate(event.SourceNotice, "XRP", nil)
	notice.PublishedAt = base.GraceAnchor().Add(2 * time.Minute)
	if outcome, err = f.handler.Handle(ctx, notice); err != nil || outcome != OutcomeTraded {
		t.Fatalf("notice inside grace must be treated as new, got %s %v", outcome, err)
	}

	late := f.candidate(event.SourceNotice, "BTC", nil)
	late.PublishedAt = base.GraceAnchor().Add(11 * time.Minute)
	if outcome, err = f.handler.Handle(ctx, late); err != nil || outcome != OutcomeNotNew {
		t.Fatalf("notice past grace must be not_new, got %s %v", outcome, err)
	}
	if len(f.executor.calls) != 1 {
		t.Fatalf("expected one execution, got %d", len(f.executor.calls))
	}
}
