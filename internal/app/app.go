package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"listing-sniper/internal/alerts"
	"listing-sniper/internal/config"
	"listing-sniper/internal/leader"
	"listing-sniper/internal/metrics"
	"listing-sniper/internal/resilience"
	"listing-sniper/internal/state"
	"listing-sniper/internal/state/redislock"
	"listing-sniper/internal/state/sqlstore"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Upstream names key the rate limiter and the circuit breakers.
const (
	upstreamNotice      = "bithumb_notice"
	upstreamTicker      = "bithumb_ticker"
	upstreamHyperliquid = "hyperliquid"
	upstreamBinance     = "binance"
)

const (
	redisDialTimeout = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
)

var ErrLiveTradingUnavailable = errors.New("live order placement is not available; keep trade.dry_run enabled")

// App owns every long-lived component. Followers only run the leader loop
// and the health server; the detection pipeline exists only inside a
// leader session.
type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlstore.Store
	locks    state.LockStore
	redis    *redislock.Store
	guard    *resilience.Guard
	prom     *metrics.Prometheus
	metrics  *metrics.Metrics
	alerts   *alerts.Telegram
	leader   *leader.Guard
	notional decimal.Decimal
	server   *http.Server

	session atomic.Pointer[session]
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Trade.Enabled && !cfg.Trade.DryRunValue() {
		return nil, ErrLiveTradingUnavailable
	}
	notional, err := decimal.NewFromString(strings.TrimSpace(cfg.Pipeline.NotionalKRW))
	if err != nil {
		return nil, fmt.Errorf("pipeline.notional_krw: %w", err)
	}
	if dir := sqliteDir(cfg.State); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	store, err := sqlstore.New(cfg.State.Driver, cfg.State.DSN)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		locks:    store,
		notional: notional,
	}
	if cfg.Leader.Backend == "redis" {
		ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
		defer cancel()
		locks, err := redislock.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.redis = locks
		a.locks = locks
	}

	limits := make(map[string]resilience.Limit, len(cfg.Resilience.Upstreams))
	for name, l := range cfg.Resilience.Upstreams {
		limits[name] = resilience.Limit{RPS: l.RPS, Burst: l.Burst}
	}
	limiter := resilience.NewRateLimiter(
		resilience.Limit{RPS: cfg.Resilience.RPS, Burst: cfg.Resilience.Burst},
		limits,
		resilience.BackoffPolicy{Base: cfg.Resilience.BackoffBase, Max: cfg.Resilience.BackoffMax, Jitter: 0.2},
	)
	breakers := resilience.NewBreakers(resilience.BreakerSettings{
		FailureThreshold: cfg.Resilience.BreakerFailures,
		Cooldown:         cfg.Resilience.BreakerCooldown,
	}, log.Named("breaker"))
	a.guard = resilience.NewGuard(limiter, breakers, cfg.Resilience.MaxWait, log.Named("resilience"))

	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	} else {
		a.metrics = metrics.NewNoop()
	}
	a.alerts = alerts.NewTelegram(cfg.Telegram, a.guard, log.Named("telegram"))

	a.leader, err = leader.New(a.locks, leader.Config{
		Key:           cfg.Leader.Key,
		InstanceID:    cfg.Leader.InstanceID,
		Lease:         cfg.Leader.Lease,
		RetryInterval: cfg.Leader.RetryInterval,
	}, log.Named("leader"))
	if err != nil {
		a.close()
		return nil, err
	}
	if cfg.Metrics.EnabledValue() {
		a.server = a.newServer()
	}
	return a, nil
}

// Run blocks until ctx is done. Every instance keeps competing for the
// lock; only the current leader runs a session.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	a.log.Info("listing sniper starting",
		zap.String("instance_id", a.leader.InstanceID()),
		zap.String("state_driver", a.store.Driver()),
		zap.String("leader_backend", a.cfg.Leader.Backend),
		zap.Bool("trade_enabled", a.cfg.Trade.Enabled),
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.leader.Run(ctx)
	})
	g.Go(func() error {
		return a.lead(ctx)
	})
	if a.server != nil {
		g.Go(func() error {
			return a.serve(ctx)
		})
	}
	return g.Wait()
}

// lead follows leadership transitions, starting a session on promotion and
// tearing it down on demotion.
func (a *App) lead(ctx context.Context) error {
	var stop func()
	defer func() {
		if stop != nil {
			stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next := <-a.leader.Changes():
			a.metrics.LeaderChanges.Inc()
			switch {
			case next == leader.StateLeader && stop == nil:
				s, err := a.newSession()
				if err != nil {
					a.log.Error("leader session setup failed; releasing leadership", zap.Error(err))
					if err := a.leader.Release(ctx); err != nil {
						a.log.Warn("leader release failed", zap.Error(err))
					}
					continue
				}
				stop = a.start(ctx, s)
			case next != leader.StateLeader && stop != nil:
				stop()
				stop = nil
			}
		}
	}
}

// start runs s until the returned stop func is called.
func (a *App) start(parent context.Context, s *session) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	a.session.Store(s)
	a.log.Info("leader session started")
	go func() {
		defer close(done)
		s.run(ctx)
	}()
	return func() {
		cancel()
		<-done
		a.session.CompareAndSwap(s, nil)
		a.log.Info("leader session stopped")
	}
}

func (a *App) serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("health server listening", zap.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("health server shutdown failed", zap.Error(err))
	}
	return ctx.Err()
}

func (a *App) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("state store close failed", zap.Error(err))
	}
}

// sqliteDir is the directory a file-backed SQLite DSN lives in.
func sqliteDir(cfg config.StateConfig) string {
	if cfg.Driver != sqlstore.DriverSQLite {
		return ""
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return ""
	}
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	dir := filepath.Dir(dsn)
	if dir == "." {
		return ""
	}
	return dir
}
