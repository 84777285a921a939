// Package watcher turns the exchange's websocket ticker stream into listing
// candidates. A reader decodes frames onto a bounded queue; one consumer
// goroutine owns every per-base timer and set.
package watcher

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"listing-sniper/internal/baseline"
	"listing-sniper/internal/bithumb"
	"listing-sniper/internal/event"
	"listing-sniper/internal/metrics"

	"go.uber.org/zap"
)

// Confirmer double-checks a base against the REST ticker.
type Confirmer interface {
	HasTicker(ctx context.Context, base string) (bool, error)
}

// Stream is the websocket transport.
type Stream interface {
	Run(ctx context.Context, handler func([]byte)) error
	OnOpen(fn func(ctx context.Context))
	OnReconnect(fn func(attempt int, delay time.Duration))
}

type EmitFunc func(ctx context.Context, c event.Candidate)

type Config struct {
	WarmUp         time.Duration
	Debounce       time.Duration
	CheckDelayMin  time.Duration
	CheckDelayMax  time.Duration
	RejectCooldown time.Duration
	QueueSize      int
	Stablecoins    []string
}

type msgKind int

const (
	msgTick msgKind = iota
	msgOpened
	msgDebounced
	msgCheckDue
	msgChecked
)

type message struct {
	kind      msgKind
	base      string
	symbol    string
	quote     string
	confirmed bool
	err       error
}

type Watcher struct {
	stream    Stream
	confirmer Confirmer
	emit      EmitFunc
	cfg       Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	stable    map[string]struct{}

	queue  chan message
	events chan message
	now    func() time.Time
	delay  func() time.Duration

	healthy atomic.Bool
	dropped atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(stream Stream, confirmer Confirmer, emit EmitFunc, cfg Config, m *metrics.Metrics, log *zap.Logger) (*Watcher, error) {
	if stream == nil || confirmer == nil || emit == nil {
		return nil, errors.New("watcher needs a stream, a confirmer and an emit func")
	}
	if cfg.WarmUp < 0 {
		cfg.WarmUp = 0
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 10 * time.Second
	}
	if cfg.CheckDelayMin <= 0 {
		cfg.CheckDelayMin = 3 * time.Second
	}
	if cfg.CheckDelayMax < cfg.CheckDelayMin {
		cfg.CheckDelayMax = cfg.CheckDelayMin + 2*time.Second
	}
	if cfg.RejectCooldown <= 0 {
		cfg.RejectCooldown = 10 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Stablecoins == nil {
		cfg.Stablecoins = baseline.DefaultStablecoins
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	stable := make(map[string]struct{}, len(cfg.Stablecoins)+1)
	for _, s := range cfg.Stablecoins {
		stable[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	stable["KRW"] = struct{}{}
	w := &Watcher{
		stream:    stream,
		confirmer: confirmer,
		emit:      emit,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		stable:    stable,
		queue:     make(chan message, cfg.QueueSize),
		events:    make(chan message, 64),
		now:       time.Now,
	}
	w.delay = func() time.Duration {
		span := w.cfg.CheckDelayMax - w.cfg.CheckDelayMin
		if span <= 0 {
			return w.cfg.CheckDelayMin
		}
		return w.cfg.CheckDelayMin + time.Duration(rand.Int64N(int64(span)+1))
	}
	return w, nil
}

// Healthy is true while the stream is open.
func (w *Watcher) Healthy() bool {
	return w.healthy.Load()
}

// Dropped counts frames discarded because the queue was full.
func (w *Watcher) Dropped() uint64 {
	return w.dropped.Load()
}

// Run blocks until ctx is done, Stop is called, or the stream gives up.
// Every pending timer is cancelled before it returns.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.consume(ctx)
	}()

	w.stream.OnOpen(func(context.Context) {
		w.healthy.Store(true)
		select {
		case w.queue <- message{kind: msgOpened}:
		case <-ctx.Done():
		}
	})
	w.stream.OnReconnect(func(attempt int, delay time.Duration) {
		w.healthy.Store(false)
		w.metrics.WSReconnects.Inc()
		w.log.Warn("ticker stream reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	})

	err := w.stream.Run(ctx, w.onFrame)
	w.healthy.Store(false)
	cancel()
	w.wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		w.log.Error("ticker stream stopped", zap.Error(err))
		return err
	}
	return nil
}

// Stop cancels Run and waits for in-flight checks and emits to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) onFrame(raw []byte) {
	update, ok := bithumb.ParseTicker(raw)
	if !ok {
		return
	}
	msg := message{kind: msgTick, base: update.Base, symbol: update.Symbol, quote: update.Quote}
	select {
	case w.queue <- msg:
	default:
		if w.dropped.Add(1)%1000 == 1 {
			w.log.Warn("ticker queue full; dropping frames", zap.Uint64("dropped", w.dropped.Load()))
		}
	}
}

// tracker is owned by the consumer goroutine.
type tracker struct {
	seen      map[string]struct{}
	warmUntil time.Time
	debounce  map[string]*time.Timer
	checks    map[string]*time.Timer
	inflight  map[string]string
	rejected  map[string]time.Time
}

func newTracker() *tracker {
	return &tracker{
		seen:     make(map[string]struct{}),
		debounce: make(map[string]*time.Timer),
		checks:   make(map[string]*time.Timer),
		inflight: make(map[string]string),
		rejected: make(map[string]time.Time),
	}
}

func (t *tracker) stopAll() {
	for base, timer := range t.debounce {
		timer.Stop()
		delete(t.debounce, base)
	}
	for base, timer := range t.checks {
		timer.Stop()
		delete(t.checks, base)
	}
	for base := range t.inflight {
		delete(t.inflight, base)
	}
}

func (w *Watcher) consume(ctx context.Context) {
	t := newTracker()
	defer t.stopAll()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.queue:
			w.handle(ctx, t, msg)
		case msg := <-w.events:
			w.handle(ctx, t, msg)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, t *tracker, msg message) {
	now := w.now()
	switch msg.kind {
	case msgOpened:
		t.warmUntil = now.Add(w.cfg.WarmUp)
		w.log.Info("ticker stream open; warming up", zap.Duration("warm_up", w.cfg.WarmUp))

	case msgTick:
		base := msg.base
		if !w.eligible(base) {
			return
		}
		if now.Before(t.warmUntil) {
			t.seen[base] = struct{}{}
			return
		}
		if _, ok := t.seen[base]; ok {
			return
		}
		if _, ok := t.inflight[base]; ok {
			return
		}
		if until, ok := t.rejected[base]; ok {
			if now.Before(until) {
				return
			}
			delete(t.rejected, base)
		}
		// The debounce runs from the first tick; later ticks do not push it
		// back, so a steady stream cannot postpone the double-check.
		if _, ok := t.debounce[base]; ok {
			return
		}
		quote := msg.quote
		t.debounce[base] = time.AfterFunc(w.cfg.Debounce, func() {
			w.signal(ctx, message{kind: msgDebounced, base: base, quote: quote, symbol: msg.symbol})
		})
		w.log.Info("new ticker symbol", zap.String("base", base), zap.String("symbol", msg.symbol))

	case msgDebounced:
		delete(t.debounce, msg.base)
		if _, ok := t.seen[msg.base]; ok {
			return
		}
		t.inflight[msg.base] = msg.quote
		delay := w.delay()
		m := msg
		t.checks[msg.base] = time.AfterFunc(delay, func() {
			m.kind = msgCheckDue
			w.signal(ctx, m)
		})

	case msgCheckDue:
		delete(t.checks, msg.base)
		if _, ok := t.inflight[msg.base]; !ok {
			return
		}
		w.wg.Add(1)
		go func(m message) {
			defer w.wg.Done()
			ok, err := w.confirmer.HasTicker(ctx, m.base)
			m.kind = msgChecked
			m.confirmed = ok
			m.err = err
			w.signal(ctx, m)
		}(msg)

	case msgChecked:
		quote, ok := t.inflight[msg.base]
		if !ok {
			return
		}
		delete(t.inflight, msg.base)
		if msg.err != nil || !msg.confirmed {
			t.rejected[msg.base] = now.Add(w.cfg.RejectCooldown)
			w.metrics.FalsePositives.Inc()
			fields := []zap.Field{zap.String("base", msg.base), zap.String("symbol", msg.symbol)}
			if msg.err != nil {
				fields = append(fields, zap.Error(msg.err))
			}
			w.log.Warn("ticker candidate rejected by double-check", fields...)
			return
		}
		t.seen[msg.base] = struct{}{}
		markets := []string{}
		if quote != "" {
			markets = append(markets, quote)
		}
		candidate := event.NewCandidate(event.Input{
			Source:  event.SourceWebSocket,
			Base:    msg.base,
			Markets: markets,
		}, msg.symbol, now)
		w.log.Info("ticker listing confirmed", zap.String("base", msg.base), zap.String("event_id", candidate.ID.Short()))
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.emit(ctx, candidate)
		}()
	}
}

func (w *Watcher) eligible(base string) bool {
	if len(base) < 2 {
		return false
	}
	_, stable := w.stable[base]
	return !stable
}

func (w *Watcher) signal(ctx context.Context, msg message) {
	select {
	case w.events <- msg:
	case <-ctx.Done():
	}
}
