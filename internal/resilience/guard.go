package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const errorWindow = 5 * time.Minute

// RetryAfterer is implemented by upstream errors that carry a server-provided
// retry delay.
type RetryAfterer interface {
	RetryAfterDelay() time.Duration
}

// Guard wraps every outbound call with the rate limiter and the per-upstream
// circuit breaker, and records latency and recent errors for health reporting.
type Guard struct {
	limiter  *RateLimiter
	breakers *Breakers
	log      *zap.Logger
	maxWait  time.Duration
	now      func() time.Time

	mu          sync.Mutex
	lastLatency map[string]time.Duration
	errors      map[string][]time.Time
}

func NewGuard(limiter *RateLimiter, breakers *Breakers, maxWait time.Duration, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	return &Guard{
		limiter:     limiter,
		breakers:    breakers,
		log:         log,
		maxWait:     maxWait,
		now:         time.Now,
		lastLatency: make(map[string]time.Duration),
		errors:      make(map[string][]time.Time),
	}
}

// Do waits for the limiter (up to maxWait), runs fn through the breaker and
// reports the outcome back to the limiter.
func (g *Guard) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	if g.limiter != nil {
		if d := g.limiter.CanMakeRequest(name); !d.Allowed {
			if d.Delay > g.maxWait {
				g.recordError(name)
				return fmt.Errorf("%s: %s (retry in %s): %w", name, d.Reason, d.Delay.Round(time.Millisecond), ErrRateLimited)
			}
			timer := time.NewTimer(d.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	start := g.now()
	call := func() error { return fn(ctx) }
	var err error
	if g.breakers != nil {
		err = g.breakers.Execute(name, call)
	} else {
		err = call()
	}
	if errors.Is(err, ErrCircuitOpen) {
		g.recordError(name)
		return err
	}
	g.recordLatency(name, g.now().Sub(start))
	if g.limiter != nil {
		switch {
		case err == nil:
			g.limiter.RecordSuccess(name)
		case errors.Is(err, ErrThrottled):
			var ra RetryAfterer
			delay := time.Duration(0)
			if errors.As(err, &ra) {
				delay = ra.RetryAfterDelay()
			}
			g.limiter.RecordThrottled(name, delay)
		case errors.Is(err, context.Canceled):
		default:
			g.limiter.RecordFailure(name)
		}
	}
	if err != nil {
		g.recordError(name)
	}
	return err
}

func (g *Guard) BreakerStates() map[string]string {
	if g == nil || g.breakers == nil {
		return map[string]string{}
	}
	return g.breakers.States()
}

func (g *Guard) LastLatencies() map[string]int64 {
	out := map[string]int64{}
	if g == nil {
		return out
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, d := range g.lastLatency {
		out[name] = d.Milliseconds()
	}
	return out
}

// RecentErrorCounts returns per-upstream error counts over the last five minutes.
func (g *Guard) RecentErrorCounts() map[string]int {
	out := map[string]int{}
	if g == nil {
		return out
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-errorWindow)
	for name, times := range g.errors {
		times = pruneBefore(times, cutoff)
		g.errors[name] = times
		if len(times) > 0 {
			out[name] = len(times)
		}
	}
	return out
}

func (g *Guard) recordLatency(name string, d time.Duration) {
	g.mu.Lock()
	g.lastLatency[name] = d
	g.mu.Unlock()
}

func (g *Guard) recordError(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	times := pruneBefore(g.errors[name], now.Add(-errorWindow))
	g.errors[name] = append(times, now)
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}
