// Package pipeline gates every detected listing on its way from either feed
// to a trade.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"listing-sniper/internal/alerts"
	"listing-sniper/internal/event"
	"listing-sniper/internal/exec"
	"listing-sniper/internal/metrics"
	"listing-sniper/internal/perp"
	"listing-sniper/internal/state"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeNotifyOnly    Outcome = "notify_only"
	OutcomeDetectionOnly Outcome = "detection_only"
	OutcomeNotNew        Outcome = "not_new"
	OutcomeCooldown      Outcome = "cooldown"
	OutcomeNoPerp        Outcome = "no_perp"
	OutcomeTradeDisabled Outcome = "trade_disabled"
	OutcomeTraded        Outcome = "traded"
	OutcomeTradeFailed   Outcome = "trade_failed"
)

const unmarkTimeout = 5 * time.Second

type Baseline interface {
	TradeGateOpen() bool
	IsTokenNewAt(base string, at time.Time) bool
}

type PerpCatalog interface {
	HasPerp(ctx context.Context, base string) (perp.Info, error)
}

type Executor interface {
	ExecuteOpportunity(ctx context.Context, opp exec.Opportunity) (*exec.TradeResult, error)
}

type Notifier interface {
	SendMessage(ctx context.Context, text string, priority alerts.Priority) error
}

type Config struct {
	LiveWindow   time.Duration
	Cooldown     time.Duration
	Notional     decimal.Decimal
	TradeEnabled bool
}

type Handler struct {
	events   state.EventStore
	kv       state.Store
	baseline Baseline
	perps    PerpCatalog
	executor Executor
	notifier Notifier
	cfg      Config
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

func New(events state.EventStore, kv state.Store, baseline Baseline, perps PerpCatalog, executor Executor, notifier Notifier, cfg Config, m *metrics.Metrics, log *zap.Logger) *Handler {
	if cfg.LiveWindow <= 0 {
		cfg.LiveWindow = event.DefaultLiveWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 24 * time.Hour
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		events:   events,
		kv:       kv,
		baseline: baseline,
		perps:    perps,
		executor: executor,
		notifier: notifier,
		cfg:      cfg,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Emit adapts Handle to fire-and-forget callers such as the websocket watcher.
func (h *Handler) Emit(ctx context.Context, c event.Candidate) {
	_, _ = h.Handle(ctx, c)
}

// HandleCandidate adapts Handle to the notice poller.
func (h *Handler) HandleCandidate(ctx context.Context, c event.Candidate) error {
	_, err := h.Handle(ctx, c)
	return err
}

// Handle runs c through the gates in order: durable dedup, timing, baseline
// gate, novelty, cross-source cooldown, perp availability, execution. Only
// the first step decides duplicates; everything after it runs at most once
// per event id.
func (h *Handler) Handle(ctx context.Context, c event.Candidate) (Outcome, error) {
	log := h.log.With(
		zap.String("event_id", c.ID.Short()),
		zap.String("source", string(c.Source)),
		zap.String("base", c.Base),
	)
	res, err := h.events.TryMarkProcessed(ctx, state.ProcessedEvent{
		EventID:   c.ID.String(),
		Source:    string(c.Source),
		Base:      c.Base,
		URL:       c.URL,
		Markets:   c.Markets,
		TradeTime: c.TradeTime,
		RawTitle:  c.RawTitle,
	})
	if err != nil {
		h.metrics.StorageErrors.Inc()
		log.Error("event store unavailable", zap.Error(err))
		return "", err
	}
	if res == state.MarkDuplicate {
		h.metrics.Detected(string(c.Source), true)
		log.Debug("duplicate detection")
		return OutcomeDuplicate, nil
	}
	h.metrics.Detected(string(c.Source), false)

	now := h.now()
	timing := event.Classify(c.TradeTime, now, h.cfg.LiveWindow)
	outcome, err := h.gate(ctx, c, timing, log)
	if err != nil {
		h.metrics.StorageErrors.Inc()
		log.Error("trade path aborted", zap.Error(err))
		// Drop the fingerprint so the caller's retry is not a duplicate.
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unmarkTimeout)
		if uerr := h.events.UnmarkProcessed(uctx, c.ID.String()); uerr != nil {
			log.Error("failed to release event for retry", zap.Error(uerr))
		}
		cancel()
	}
	h.saveSnapshot(ctx, c, timing, outcome, now, log)
	return outcome, err
}

func (h *Handler) gate(ctx context.Context, c event.Candidate, timing event.Timing, log *zap.Logger) (Outcome, error) {
	if !timing.TradeWorthy() {
		h.metrics.NotifyOnly.Inc()
		log.Info("listing outside live window", zap.String("timing", string(timing)))
		h.notify(ctx, alerts.PriorityLow, describe(c, fmt.Sprintf("%s listing, notify only", timing)), log)
		return OutcomeNotifyOnly, nil
	}
	if h.baseline != nil && !h.baseline.TradeGateOpen() {
		log.Warn("baseline degraded, detection only")
		h.notify(ctx, alerts.PriorityHigh, describe(c, "baseline degraded, detection only"), log)
		return OutcomeDetectionOnly, nil
	}
	if h.baseline != nil && !h.baseline.IsTokenNewAt(c.Base, graceTime(c)) {
		log.Info("base already listed")
		return OutcomeNotNew, nil
	}
	traded, err := h.events.IsBaseRecentlyTraded(ctx, c.Base, h.cfg.Cooldown)
	if err != nil {
		return "", err
	}
	if traded {
		log.Info("base in cross-source cooldown")
		return OutcomeCooldown, nil
	}
	info, err := h.perps.HasPerp(ctx, c.Base)
	if err != nil {
		log.Warn("perp lookup failed", zap.Error(err))
		h.notify(ctx, alerts.PriorityHigh, describe(c, "perp lookup failed, no trade"), log)
		return OutcomeNoPerp, nil
	}
	if !info.HasPerp {
		log.Info("no perp market")
		h.notify(ctx, alerts.PriorityHigh, describe(c, "new listing, no perp market"), log)
		return OutcomeNoPerp, nil
	}
	if !h.cfg.TradeEnabled {
		h.notify(ctx, alerts.PriorityHigh, describe(c, fmt.Sprintf("trading disabled, perp %s on %s", info.Symbol, info.Venue)), log)
		return OutcomeTradeDisabled, nil
	}
	claimed, err := h.events.ClaimBase(ctx, c.Base, c.ID.String(), h.cfg.Cooldown)
	if err != nil {
		return "", err
	}
	if !claimed {
		log.Info("base claimed by another event")
		return OutcomeCooldown, nil
	}
	result, err := h.executor.ExecuteOpportunity(ctx, exec.Opportunity{
		EventID:     c.ID,
		Source:      c.Source,
		Base:        c.Base,
		Symbol:      info.Symbol,
		Venue:       string(info.Venue),
		LeverageMax: info.LeverageMax,
		Notional:    h.cfg.Notional,
		DetectedAt:  c.DetectedAt,
	})
	if err != nil {
		log.Error("trade failed", zap.Error(err))
		h.notify(ctx, alerts.PriorityHigh, describe(c, "trade failed: "+err.Error()), log)
		return OutcomeTradeFailed, nil
	}
	h.notify(ctx, alerts.PriorityHigh, describe(c, fmt.Sprintf("entered %s on %s, order %s", result.Symbol, result.Venue, result.OrderID)), log)
	return OutcomeTraded, nil
}

// graceTime is the timestamp the baseline grace window is measured against.
// Ticker detections carry no publication time and never get grace.
func graceTime(c event.Candidate) time.Time {
	if c.Source != event.SourceNotice {
		return time.Time{}
	}
	return c.PublishedAt
}

func (h *Handler) notify(ctx context.Context, priority alerts.Priority, text string, log *zap.Logger) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.SendMessage(ctx, text, priority); err != nil {
		log.Warn("notification failed", zap.Error(err))
	}
}

func (h *Handler) saveSnapshot(ctx context.Context, c event.Candidate, timing event.Timing, outcome Outcome, now time.Time, log *zap.Logger) {
	if h.kv == nil {
		return
	}
	if outcome == "" {
		outcome = "error"
	}
	err := state.SaveDetectionSnapshot(ctx, h.kv, state.DetectionSnapshot{
		EventID:      c.ID.String(),
		Source:       string(c.Source),
		Base:         c.Base,
		Timing:       string(timing),
		Outcome:      string(outcome),
		DetectedAtMS: now.UnixMilli(),
	})
	if err != nil {
		log.Warn("failed to persist detection snapshot", zap.Error(err))
	}
}

func describe(c event.Candidate, verdict string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", c.Source, c.Base, verdict)
	if len(c.Markets) > 0 {
		fmt.Fprintf(&b, "\nmarkets: %s", strings.Join(c.Markets, ","))
	}
	if c.TradeTime != nil {
		fmt.Fprintf(&b, "\ntrade time: %s", c.TradeTime.UTC().Format(time.RFC3339))
	}
	if c.RawTitle != "" {
		fmt.Fprintf(&b, "\n%s", c.RawTitle)
	}
	if c.URL != "" {
		fmt.Fprintf(&b, "\n%s", c.URL)
	}
	return b.String()
}
