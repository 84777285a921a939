package notice

import (
	"context"
	"errors"
	"sync"
	"time"

	"listing-sniper/internal/event"
	"listing-sniper/internal/logging"
	"listing-sniper/internal/state"

	"go.uber.org/zap"
)

var (
	// ErrBaselineDegraded refuses Enable while the baseline gate is closed.
	ErrBaselineDegraded = errors.New("baseline degraded")
	// ErrAbandoned is returned by a HandleFunc that gave up on a candidate
	// another instance must still see.
	ErrAbandoned = errors.New("candidate abandoned")
)

// HandleFunc receives every candidate of a batch. A storage error or
// ErrAbandoned keeps the watermark where it is so the batch is retried.
type HandleFunc func(ctx context.Context, c event.Candidate) error

// Gate is the baseline trade gate.
type Gate interface {
	TradeGateOpen() bool
}

type Lister interface {
	GetLatestListings(ctx context.Context, maxCount int) (Batch, error)
	CommitBatch(ctx context.Context, b Batch) (state.Watermark, error)
}

type PollerConfig struct {
	Interval        time.Duration
	MaxCount        int
	RecheckInterval time.Duration
	LogDedupWindow  time.Duration
}

type Poller struct {
	lister Lister
	gate   Gate
	handle HandleFunc
	cfg    PollerConfig
	log    *zap.Logger
	dedupe *logging.Deduper
	now    func() time.Time

	mu        sync.Mutex
	enabled   bool
	reason    string
	recheckAt time.Time
	lastPoll  time.Time
}

func NewPoller(lister Lister, gate Gate, handle HandleFunc, cfg PollerConfig, log *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = 30 * time.Second
	}
	if cfg.LogDedupWindow <= 0 {
		cfg.LogDedupWindow = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		lister: lister,
		gate:   gate,
		handle: handle,
		cfg:    cfg,
		log:    log,
		dedupe: logging.NewDeduper(log, cfg.LogDedupWindow),
		now:    time.Now,
		reason: "not started",
	}
}

// Enable starts polling. It is refused while the baseline is DEGRADED.
func (p *Poller) Enable() error {
	if p.gate != nil && !p.gate.TradeGateOpen() {
		return ErrBaselineDegraded
	}
	p.mu.Lock()
	was := p.enabled
	p.enabled = true
	p.reason = ""
	p.mu.Unlock()
	if !was {
		p.log.Info("notice poller enabled")
	}
	return nil
}

// Disable pauses polling and schedules a re-check of the gate.
func (p *Poller) Disable(reason string) {
	p.mu.Lock()
	was := p.enabled
	p.enabled = false
	p.reason = reason
	p.recheckAt = p.now().Add(p.cfg.RecheckInterval)
	p.mu.Unlock()
	if was {
		p.log.Warn("notice poller disabled", zap.String("reason", reason), zap.Duration("recheck_in", p.cfg.RecheckInterval))
	}
}

func (p *Poller) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// DisabledReason is empty while enabled.
func (p *Poller) DisabledReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *Poller) LastPoll() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPoll
}

func (p *Poller) Run(ctx context.Context) error {
	if err := p.Enable(); err != nil {
		p.Disable(err.Error())
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		p.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if p.gate != nil && !p.gate.TradeGateOpen() {
		if p.Enabled() {
			p.Disable(ErrBaselineDegraded.Error())
		}
		return
	}
	if !p.Enabled() {
		p.mu.Lock()
		due := !p.now().Before(p.recheckAt)
		p.mu.Unlock()
		if !due {
			return
		}
		if err := p.Enable(); err != nil {
			p.Disable(err.Error())
			return
		}
	}
	if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
		p.dedupe.Warn("poll", "notice poll failed", zap.Error(err))
	}
}

// Poll runs one fetch, hands every candidate to the handler and commits the
// watermark unless a storage error left work undone.
func (p *Poller) Poll(ctx context.Context) error {
	batch, err := p.lister.GetLatestListings(ctx, p.cfg.MaxCount)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.lastPoll = p.now()
	p.mu.Unlock()
	p.dedupe.Reset("poll")
	if batch.Skipped > 0 {
		p.dedupe.Warn("skipped", "notice items skipped", zap.Int("count", batch.Skipped))
	}
	if batch.Seed {
		wm, err := p.lister.CommitBatch(ctx, batch)
		if err != nil {
			return err
		}
		p.log.Info("notice watermark seeded",
			zap.Time("published_at", wm.LastPublishedAt),
			zap.String("uid", wm.LastNoticeUID),
			zap.Int("items", len(batch.Items)),
		)
		return nil
	}
	var retryErr error
	for _, listing := range batch.Listings {
		for _, cand := range listing.Candidates {
			err := p.handle(ctx, cand)
			switch {
			case err == nil:
			case errors.Is(err, state.ErrStorage), errors.Is(err, ErrAbandoned):
				retryErr = err
			default:
				p.log.Warn("notice candidate failed",
					zap.String("event_id", cand.ID.Short()),
					zap.String("base", cand.Base),
					zap.Error(err),
				)
			}
		}
	}
	if retryErr != nil {
		return retryErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(batch.Items) == 0 {
		p.dedupe.Info("idle", "no new notices")
		return nil
	}
	if _, err := p.lister.CommitBatch(ctx, batch); err != nil {
		return err
	}
	return nil
}
