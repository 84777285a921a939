// Package leader elects the single instance allowed to run the detection
// pipeline. Leadership is a row (or key) in a shared LockStore that the
// holder re-writes every half lease.
package leader

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"listing-sniper/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State string

const (
	StateCandidate State = "candidate"
	StateLeader    State = "leader"
	StateFollower  State = "follower"
)

const (
	DefaultKey           = "leader"
	DefaultLease         = 30 * time.Second
	DefaultRetryInterval = 10 * time.Second
	releaseTimeout       = 3 * time.Second
)

type Config struct {
	Key           string
	InstanceID    string
	Lease         time.Duration
	RetryInterval time.Duration
}

type Guard struct {
	store state.LockStore
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	mu      sync.Mutex
	state   State
	changes chan State
}

func New(store state.LockStore, cfg Config, log *zap.Logger) (*Guard, error) {
	if store == nil {
		return nil, errors.New("lock store is required")
	}
	if strings.TrimSpace(cfg.Key) == "" {
		cfg.Key = DefaultKey
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		store:   store,
		cfg:     cfg,
		log:     log.With(zap.String("instance_id", cfg.InstanceID)),
		now:     time.Now,
		state:   StateCandidate,
		changes: make(chan State, 8),
	}, nil
}

func (g *Guard) InstanceID() string {
	return g.cfg.InstanceID
}

func (g *Guard) Lease() time.Duration {
	return g.cfg.Lease
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// IsLeader reports the last known role. Use Healthy for a fresh check.
func (g *Guard) IsLeader() bool {
	return g.State() == StateLeader
}

// Changes delivers every role transition. Slow readers lose the oldest
// entries, never the latest.
func (g *Guard) Changes() <-chan State {
	return g.changes
}

// TryAcquire makes one acquisition attempt and moves to leader or follower.
func (g *Guard) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := g.store.AcquireLock(ctx, g.cfg.Key, g.cfg.InstanceID, g.cfg.Lease)
	if err != nil {
		g.setState(StateFollower)
		return false, err
	}
	if ok {
		g.setState(StateLeader)
		return true, nil
	}
	g.setState(StateFollower)
	return false, nil
}

// Run keeps trying to acquire while following and heartbeats while leading.
// A failed heartbeat drops to follower at once. The lock is released on exit.
func (g *Guard) Run(ctx context.Context) error {
	defer g.releaseOnExit()
	for {
		wait := g.cfg.RetryInterval
		if g.IsLeader() {
			wait = g.cfg.Lease / 2
			g.heartbeat(ctx)
		} else {
			if _, err := g.TryAcquire(ctx); err != nil && ctx.Err() == nil {
				g.log.Warn("leader acquire failed", zap.Error(err))
			}
			if g.IsLeader() {
				wait = g.cfg.Lease / 2
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (g *Guard) heartbeat(ctx context.Context) {
	ok, err := g.store.RenewLock(ctx, g.cfg.Key, g.cfg.InstanceID, g.cfg.Lease)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		g.log.Error("leader heartbeat failed; stepping down", zap.Error(err))
		g.setState(StateFollower)
		return
	}
	if !ok {
		g.log.Warn("leader lock lost; stepping down")
		g.setState(StateFollower)
	}
}

// Healthy re-reads the lock: leadership counts only if this instance owns it
// and its last heartbeat, recorded as AcquiredAt, is within the lease.
func (g *Guard) Healthy(ctx context.Context) bool {
	if !g.IsLeader() {
		return false
	}
	info, ok, err := g.store.LockInfo(ctx, g.cfg.Key)
	if err != nil || !ok {
		return false
	}
	if info.InstanceID != g.cfg.InstanceID {
		return false
	}
	return g.now().Sub(info.AcquiredAt) < g.cfg.Lease
}

// LeaderID returns the current lock holder, if any.
func (g *Guard) LeaderID(ctx context.Context) (string, error) {
	info, ok, err := g.store.LockInfo(ctx, g.cfg.Key)
	if err != nil || !ok {
		return "", err
	}
	if g.now().Sub(info.AcquiredAt) >= g.cfg.Lease {
		return "", nil
	}
	return info.InstanceID, nil
}

// Release gives up leadership. Deleting the row is best-effort.
func (g *Guard) Release(ctx context.Context) error {
	wasLeader := g.IsLeader()
	g.setState(StateFollower)
	if !wasLeader {
		return nil
	}
	return g.store.ReleaseLock(ctx, g.cfg.Key, g.cfg.InstanceID)
}

func (g *Guard) releaseOnExit() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := g.Release(ctx); err != nil {
		g.log.Warn("leader release failed", zap.Error(err))
	}
}

func (g *Guard) setState(next State) {
	g.mu.Lock()
	prev := g.state
	g.state = next
	g.mu.Unlock()
	if prev == next {
		return
	}
	g.log.Info("leadership changed",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.Time("at", g.now()),
	)
	for {
		select {
		case g.changes <- next:
			return
		default:
		}
		select {
		case <-g.changes:
		default:
		}
	}
}
