package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"listing-sniper/internal/state"

	"go.uber.org/zap"
)

const (
	baselineInactive = "INACTIVE"
	statusTimeout    = 2 * time.Second
)

// Status is the health snapshot served on /healthz.
type Status struct {
	InstanceID          string                   `json:"instance_id"`
	LeaderID            string                   `json:"leader_id"`
	IsLeader            bool                     `json:"is_leader"`
	BaselineState       string                   `json:"baseline_state"`
	BaselineSize        int                      `json:"baseline_size"`
	BaselineBuiltAt     *time.Time               `json:"baseline_built_at,omitempty"`
	NoticePoller        string                   `json:"notice_poller,omitempty"`
	NoticeLastPoll      *time.Time               `json:"notice_last_poll,omitempty"`
	WatcherHealthy      bool                     `json:"watcher_healthy"`
	CircuitBreakerState map[string]string        `json:"circuit_breaker_state"`
	LastFetchLatencyMs  map[string]int64         `json:"last_fetch_latency_ms"`
	RecentErrorCounts   map[string]int           `json:"recent_error_counts"`
	LastDetection       *state.DetectionSnapshot `json:"last_detection,omitempty"`
}

// Status re-reads the lock on every call; a cached role is never reported
// as leadership.
func (a *App) Status(ctx context.Context) Status {
	st := Status{
		InstanceID:          a.leader.InstanceID(),
		IsLeader:            a.leader.Healthy(ctx),
		BaselineState:       baselineInactive,
		CircuitBreakerState: a.guard.BreakerStates(),
		LastFetchLatencyMs:  a.guard.LastLatencies(),
		RecentErrorCounts:   a.guard.RecentErrorCounts(),
	}
	if id, err := a.leader.LeaderID(ctx); err != nil {
		a.log.Debug("leader lookup failed", zap.Error(err))
	} else {
		st.LeaderID = id
	}
	if s := a.session.Load(); s != nil {
		st.BaselineState = string(s.baseline.State())
		st.BaselineSize = s.baseline.Size()
		if built := s.baseline.BuiltAt(); !built.IsZero() {
			st.BaselineBuiltAt = &built
		}
		if s.poller != nil {
			st.NoticePoller = "enabled"
			if !s.poller.Enabled() {
				st.NoticePoller = "disabled: " + s.poller.DisabledReason()
			}
			if last := s.poller.LastPoll(); !last.IsZero() {
				st.NoticeLastPoll = &last
			}
		}
		if s.watcher != nil {
			st.WatcherHealthy = s.watcher.Healthy()
		}
	}
	if snap, ok, err := state.LoadDetectionSnapshot(ctx, a.store); err != nil {
		a.log.Debug("detection snapshot load failed", zap.Error(err))
	} else if ok {
		st.LastDetection = &snap
	}
	return st
}

func (a *App) newServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	mux.HandleFunc("/healthz", a.healthz)
	return &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.Status(ctx)); err != nil {
		a.log.Warn("healthz encode failed", zap.Error(err))
	}
}
