package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"listing-sniper/internal/baseline"
	"listing-sniper/internal/bithumb"
	"listing-sniper/internal/event"
	"listing-sniper/internal/exec"
	"listing-sniper/internal/notice"
	"listing-sniper/internal/perp"
	"listing-sniper/internal/pipeline"
	"listing-sniper/internal/rest"
	"listing-sniper/internal/watcher"
	"listing-sniper/internal/ws"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// session is the leader-only half of the process. A fresh one is built on
// every promotion so nothing from a previous term leaks into the next.
type session struct {
	app      *App
	log      *zap.Logger
	baseline *baseline.Manager
	perps    *perp.Catalog
	pipeline *pipeline.Handler
	poller   *notice.Poller
	watcher  *watcher.Watcher
}

func (a *App) newSession() (*session, error) {
	cfg := a.cfg
	log := a.log.Named("session")
	timeout := cfg.Resilience.RequestTimeout

	ticker := bithumb.NewTickerClient(rest.New(cfg.Ticker.BaseURL, upstreamTicker, timeout, a.guard, log))
	base, err := baseline.New(ticker, a.store, baseline.Config{
		Stablecoins:     cfg.Baseline.Stablecoins,
		Grace:           cfg.Baseline.Grace,
		RefreshInterval: cfg.Baseline.RefreshInterval,
		RetrySchedule:   cfg.Baseline.RetrySchedule,
		MaxStaleness:    cfg.Baseline.MaxStaleness,
	}, log.Named("baseline"))
	if err != nil {
		return nil, err
	}

	perps := perp.NewCatalog([]perp.Source{
		perp.NewHyperliquid(rest.New(cfg.Perp.HyperliquidURL, upstreamHyperliquid, timeout, a.guard, log)),
		perp.NewBinance(rest.New(cfg.Perp.BinanceURL, upstreamBinance, timeout, a.guard, log)),
	}, cfg.Perp.RefreshInterval, log.Named("perp"))

	executor := exec.New(exec.NewDryRunPlacer(log.Named("dryrun")), a.store, exec.Config{
		MaxRetries: cfg.Trade.MaxRetries,
		RetryDelay: cfg.Trade.RetryDelay,
	}, a.metrics, log.Named("exec"))

	handler := pipeline.New(a.store, a.store, base, perps, executor, a.alerts, pipeline.Config{
		LiveWindow:   cfg.Pipeline.LiveWindow,
		Cooldown:     cfg.Pipeline.Cooldown,
		Notional:     a.notional,
		TradeEnabled: cfg.Trade.Enabled,
	}, a.metrics, log.Named("pipeline"))

	s := &session{
		app:      a,
		log:      log,
		baseline: base,
		perps:    perps,
		pipeline: handler,
	}

	if cfg.Notice.EnabledValue() {
		client := notice.NewClient(
			rest.New(cfg.Notice.BaseURL, upstreamNotice, timeout, a.guard, log),
			notice.NewWatermark(a.store, cfg.Notice.Source),
			notice.Config{
				Source:     cfg.Notice.Source,
				ListPath:   cfg.Notice.ListPath,
				DetailPath: cfg.Notice.DetailPath,
				MaxCount:   cfg.Notice.MaxCount,
				PublicURL:  cfg.Notice.PublicURL,
			},
			log.Named("notice"),
		)
		s.poller = notice.NewPoller(client, base, s.handleNotice, notice.PollerConfig{
			Interval:        cfg.Notice.Interval,
			MaxCount:        cfg.Notice.MaxCount,
			RecheckInterval: cfg.Notice.RecheckInterval,
			LogDedupWindow:  cfg.Notice.LogDedupWindow,
		}, log.Named("poller"))
		base.OnStateChange(s.onBaselineChange)
	}

	if cfg.WS.EnabledValue() {
		frame, err := bithumb.SubscribeMessage(cfg.WS.Symbols, cfg.WS.TickTypes)
		if err != nil {
			return nil, fmt.Errorf("ws subscription: %w", err)
		}
		stream := ws.New(ws.Config{
			URL:           cfg.WS.URL,
			PingInterval:  cfg.WS.PingInterval,
			ReconnectBase: cfg.WS.ReconnectBase,
			ReconnectMax:  cfg.WS.ReconnectMax,
			MaxAttempts:   cfg.WS.MaxAttempts,
		}, log.Named("ws"))
		stream.Subscribe(frame)
		s.watcher, err = watcher.New(stream, ticker, s.emitTicker, watcher.Config{
			WarmUp:         cfg.WS.WarmUp,
			Debounce:       cfg.WS.Debounce,
			CheckDelayMin:  cfg.WS.CheckDelayMin,
			CheckDelayMax:  cfg.WS.CheckDelayMax,
			RejectCooldown: cfg.WS.RejectCooldown,
			QueueSize:      cfg.WS.QueueSize,
			Stablecoins:    cfg.Baseline.Stablecoins,
		}, a.metrics, log.Named("watcher"))
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// run boots the baseline first so both feeds start behind a known gate,
// then drives every loop until ctx is cancelled.
func (s *session) run(ctx context.Context) {
	state := s.baseline.Boot(ctx)
	s.log.Info("baseline booted", zap.String("state", string(state)), zap.Int("size", s.baseline.Size()))

	g, ctx := errgroup.WithContext(ctx)
	s.goTask(ctx, g, "baseline", s.baseline.Run)
	s.goTask(ctx, g, "perp catalog", s.perps.Run)
	s.goTask(ctx, g, "maintenance", s.maintain)
	if s.poller != nil {
		s.goTask(ctx, g, "notice poller", s.poller.Run)
	}
	if s.watcher != nil {
		s.goTask(ctx, g, "ticker watcher", s.watcher.Run)
	}
	_ = g.Wait()
}

// goTask runs fn in g. A loop that stops on its own is logged and does not
// take the rest of the session down with it.
func (s *session) goTask(ctx context.Context, g *errgroup.Group, name string, fn func(context.Context) error) {
	g.Go(func() error {
		err := fn(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			s.log.Error("session task stopped", zap.String("task", name), zap.Error(err))
		}
		return nil
	})
}

func (s *session) handleNotice(ctx context.Context, c event.Candidate) error {
	if !s.app.leader.IsLeader() {
		return fmt.Errorf("%w: leadership lost", notice.ErrAbandoned)
	}
	return s.pipeline.HandleCandidate(ctx, c)
}

func (s *session) emitTicker(ctx context.Context, c event.Candidate) {
	if !s.app.leader.IsLeader() {
		s.log.Warn("ticker candidate dropped; leadership lost", zap.String("base", c.Base))
		return
	}
	s.pipeline.Emit(ctx, c)
}

func (s *session) onBaselineChange(prev, next baseline.State) {
	if next == baseline.StateDegraded {
		s.poller.Disable(notice.ErrBaselineDegraded.Error())
		return
	}
	if err := s.poller.Enable(); err != nil {
		s.log.Warn("notice poller enable failed", zap.String("baseline", string(next)), zap.Error(err))
	}
}

// maintain prunes the event and cooldown tables on the cleanup interval.
func (s *session) maintain(ctx context.Context) error {
	cfg := s.app.cfg
	ticker := time.NewTicker(cfg.State.CleanupInterval)
	defer ticker.Stop()
	for {
		events, err := s.app.store.CleanupOldEvents(ctx, cfg.State.Retention)
		if err != nil && ctx.Err() == nil {
			s.log.Warn("event cleanup failed", zap.Error(err))
		}
		traded, err := s.app.store.CleanupTradedBases(ctx, cfg.Pipeline.Cooldown)
		if err != nil && ctx.Err() == nil {
			s.log.Warn("traded base cleanup failed", zap.Error(err))
		}
		if events > 0 || traded > 0 {
			s.log.Info("state cleanup", zap.Int64("events", events), zap.Int64("traded_bases", traded))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
