// Package baseline tracks which bases were already listed before the bot
// started watching, so a detection can be judged new or not.
package baseline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"listing-sniper/internal/state"

	"go.uber.org/zap"
)

var DefaultStablecoins = []string{"USDT", "USDC", "DAI", "BUSD", "TUSD", "USDP", "FDUSD", "PYUSD", "USDE", "USD1", "USDS"}

var DefaultRetrySchedule = []time.Duration{
	30 * time.Second,
	time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
}

// Fetcher returns every base currently tradable on the KRW market.
type Fetcher interface {
	FetchListedBases(ctx context.Context) ([]string, error)
}

type Config struct {
	Source          string
	Stablecoins     []string
	Grace           time.Duration
	RefreshInterval time.Duration
	RetrySchedule   []time.Duration
	MaxStaleness    time.Duration
}

type snapshot struct {
	bases   map[string]struct{}
	builtAt time.Time
}

type Manager struct {
	fetcher Fetcher
	store   state.BaselineStore
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	sm     *StateMachine
	snap   atomic.Pointer[snapshot]
	stable map[string]struct{}
	// bootAt is the build time of the first snapshot this manager held, in
	// unix nanoseconds. Refreshes never move it.
	bootAt atomic.Int64

	mu          sync.Mutex
	failures    int
	nextRetry   time.Duration
	lastSuccess time.Time
	hooks       []func(prev, next State)
}

func New(fetcher Fetcher, store state.BaselineStore, cfg Config, log *zap.Logger) (*Manager, error) {
	if fetcher == nil {
		return nil, errors.New("baseline fetcher is required")
	}
	if cfg.Source == "" {
		cfg.Source = "bithumb_ticker"
	}
	if cfg.Stablecoins == nil {
		cfg.Stablecoins = DefaultStablecoins
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Hour
	}
	if len(cfg.RetrySchedule) == 0 {
		cfg.RetrySchedule = DefaultRetrySchedule
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = 6 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	stable := make(map[string]struct{}, len(cfg.Stablecoins))
	for _, s := range cfg.Stablecoins {
		stable[normalize(s)] = struct{}{}
	}
	return &Manager{
		fetcher: fetcher,
		store:   store,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		sm:      NewStateMachine(),
		stable:  stable,
	}, nil
}

// OnStateChange registers fn for every state transition. Register before Boot.
func (m *Manager) OnStateChange(fn func(prev, next State)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

func (m *Manager) State() State {
	return m.sm.Current()
}

// TradeGateOpen is false while the baseline is DEGRADED.
func (m *Manager) TradeGateOpen() bool {
	s := m.State()
	return s == StateReady || s == StateCached
}

// NextRetry is the delay before the next fetch attempt after a failure, or
// zero when the last fetch succeeded.
func (m *Manager) NextRetry() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextRetry
}

func (m *Manager) Size() int {
	snap := m.snap.Load()
	if snap == nil {
		return 0
	}
	return len(snap.bases)
}

func (m *Manager) BuiltAt() time.Time {
	snap := m.snap.Load()
	if snap == nil {
		return time.Time{}
	}
	return snap.builtAt
}

// Boot fetches a fresh snapshot, falling back to the persisted one.
func (m *Manager) Boot(ctx context.Context) State {
	err := m.fetch(ctx)
	if err == nil {
		return m.State()
	}
	m.log.Warn("baseline boot fetch failed", zap.Error(err))
	if m.loadCache(ctx) {
		return m.State()
	}
	m.log.Error("baseline unavailable; trading gated off",
		zap.Duration("next_retry", m.NextRetry()),
	)
	return m.State()
}

// Run refreshes on a fixed interval and retries on the backoff schedule
// after failures. It returns when ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	for {
		wait := m.NextRetry()
		if wait <= 0 {
			wait = m.cfg.RefreshInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if err := m.refresh(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("baseline refresh failed",
				zap.Error(err),
				zap.String("state", string(m.State())),
				zap.Duration("next_retry", m.NextRetry()),
			)
		}
	}
}

// IsTokenNew reports whether base is absent from the current snapshot.
// Excluded stablecoins are never new.
func (m *Manager) IsTokenNew(base string) bool {
	return m.IsTokenNewAt(base, time.Time{})
}

// IsTokenNewAt is IsTokenNew with the grace window: a listed base still
// counts as new when noticeTime, the publication time of the notice, lies
// within Grace of the first snapshot built after boot. A zero noticeTime
// gets no grace. The snapshot is read once so a concurrent refresh cannot
// change the answer midway.
func (m *Manager) IsTokenNewAt(base string, noticeTime time.Time) bool {
	base = normalize(base)
	if base == "" {
		return false
	}
	if _, ok := m.stable[base]; ok {
		return false
	}
	snap := m.snap.Load()
	if snap == nil {
		return true
	}
	if _, listed := snap.bases[base]; !listed {
		return true
	}
	if noticeTime.IsZero() || m.cfg.Grace <= 0 {
		return false
	}
	boot := m.bootAt.Load()
	if boot == 0 {
		return false
	}
	d := noticeTime.Sub(time.Unix(0, boot))
	return d > -m.cfg.Grace && d < m.cfg.Grace
}

// GraceAnchor is the build time of the boot snapshot, or zero before one
// exists.
func (m *Manager) GraceAnchor() time.Time {
	boot := m.bootAt.Load()
	if boot == 0 {
		return time.Time{}
	}
	return time.Unix(0, boot)
}

func (m *Manager) refresh(ctx context.Context) error {
	err := m.fetch(ctx)
	if err == nil {
		return nil
	}
	m.mu.Lock()
	stale := !m.lastSuccess.IsZero() && m.now().Sub(m.lastSuccess) > m.cfg.MaxStaleness
	m.mu.Unlock()
	if stale {
		m.apply(EventStale)
	}
	return err
}

func (m *Manager) fetch(ctx context.Context) error {
	bases, err := m.fetcher.FetchListedBases(ctx)
	if err == nil && len(bases) == 0 {
		err = errors.New("empty baseline snapshot")
	}
	if err != nil {
		m.recordFailure()
		return err
	}
	now := m.now()
	snap := m.buildSnapshot(bases, now)
	m.snap.Store(snap)
	m.bootAt.CompareAndSwap(0, now.UnixNano())
	m.mu.Lock()
	m.failures = 0
	m.nextRetry = 0
	m.lastSuccess = now
	m.mu.Unlock()
	m.persist(ctx, snap)
	m.apply(EventFetchOK)
	m.log.Info("baseline refreshed", zap.Int("bases", len(snap.bases)))
	return nil
}

func (m *Manager) loadCache(ctx context.Context) bool {
	if m.store == nil {
		return false
	}
	entries, err := m.store.LoadBaseline(ctx)
	if err != nil {
		m.log.Warn("baseline cache load failed", zap.Error(err))
		return false
	}
	if len(entries) == 0 {
		return false
	}
	bases := make([]string, 0, len(entries))
	var builtAt time.Time
	for _, entry := range entries {
		bases = append(bases, entry.Base)
		if entry.CreatedAt.After(builtAt) {
			builtAt = entry.CreatedAt
		}
	}
	m.snap.Store(m.buildSnapshot(bases, builtAt))
	if !builtAt.IsZero() {
		m.bootAt.CompareAndSwap(0, builtAt.UnixNano())
	}
	m.mu.Lock()
	m.lastSuccess = builtAt
	m.mu.Unlock()
	m.apply(EventCacheLoaded)
	m.log.Info("baseline loaded from cache",
		zap.Int("bases", len(entries)),
		zap.Time("built_at", builtAt),
	)
	return true
}

func (m *Manager) persist(ctx context.Context, snap *snapshot) {
	if m.store == nil {
		return
	}
	entries := make([]state.BaselineEntry, 0, len(snap.bases))
	for base := range snap.bases {
		entries = append(entries, state.BaselineEntry{
			Base:      base,
			Source:    m.cfg.Source,
			ListedAt:  snap.builtAt,
			CreatedAt: snap.builtAt,
		})
	}
	if err := m.store.ReplaceBaseline(ctx, entries); err != nil {
		m.log.Warn("baseline cache write failed", zap.Error(err))
	}
}

func (m *Manager) buildSnapshot(bases []string, builtAt time.Time) *snapshot {
	set := make(map[string]struct{}, len(bases))
	for _, b := range bases {
		b = normalize(b)
		if b == "" {
			continue
		}
		if _, ok := m.stable[b]; ok {
			continue
		}
		set[b] = struct{}{}
	}
	return &snapshot{bases: set, builtAt: builtAt}
}

func (m *Manager) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	m.nextRetry = retryDelay(m.cfg.RetrySchedule, m.failures)
}

func (m *Manager) apply(event Event) {
	prev, next := m.sm.Apply(event)
	if prev == next {
		return
	}
	m.log.Info("baseline state changed", zap.String("from", string(prev)), zap.String("to", string(next)))
	m.mu.Lock()
	hooks := append([]func(prev, next State){}, m.hooks...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(prev, next)
	}
}

// retryDelay walks the schedule and then stays on its last step.
func retryDelay(schedule []time.Duration, failures int) time.Duration {
	if failures <= 0 || len(schedule) == 0 {
		return 0
	}
	if failures > len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[failures-1]
}

func normalize(base string) string {
	return strings.ToUpper(strings.TrimSpace(base))
}
