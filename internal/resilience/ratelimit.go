package resilience

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned when the local limiter refuses a call.
	ErrRateLimited = errors.New("rate limited")
	// ErrThrottled marks an upstream throttling response (HTTP 429).
	ErrThrottled = errors.New("upstream throttled")
)

type Limit struct {
	RPS   float64
	Burst int
}

type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Decision is the outcome of a CanMakeRequest check.
type Decision struct {
	Allowed bool
	Delay   time.Duration
	Reason  string
}

type limiterState struct {
	bucket       *rate.Limiter
	requests     int
	windowStart  time.Time
	failures     int
	blockedUntil time.Time
}

// RateLimiter tracks per-upstream budgets. CanMakeRequest never mutates
// counters; callers report the real outcome with RecordSuccess or
// RecordFailure once the request completed.
type RateLimiter struct {
	mu       sync.Mutex
	defaults Limit
	limits   map[string]Limit
	backoff  BackoffPolicy
	states   map[string]*limiterState
	now      func() time.Time
	jitter   func(time.Duration) time.Duration
}

func NewRateLimiter(defaults Limit, perUpstream map[string]Limit, backoff BackoffPolicy) *RateLimiter {
	if defaults.RPS <= 0 {
		defaults.RPS = 5
	}
	if defaults.Burst <= 0 {
		defaults.Burst = 1
	}
	if backoff.Base <= 0 {
		backoff.Base = time.Second
	}
	if backoff.Max <= 0 {
		backoff.Max = time.Minute
	}
	if backoff.Jitter < 0 {
		backoff.Jitter = 0
	}
	r := &RateLimiter{
		defaults: defaults,
		limits:   make(map[string]Limit, len(perUpstream)),
		backoff:  backoff,
		states:   make(map[string]*limiterState),
		now:      time.Now,
	}
	for name, l := range perUpstream {
		r.limits[name] = l
	}
	r.jitter = r.defaultJitter
	return r
}

func (r *RateLimiter) CanMakeRequest(name string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	st, ok := r.states[name]
	if !ok {
		return Decision{Allowed: true}
	}
	if now.Before(st.blockedUntil) {
		return Decision{
			Allowed: false,
			Delay:   st.blockedUntil.Sub(now),
			Reason:  fmt.Sprintf("backoff after %d consecutive failures", st.failures),
		}
	}
	tokens := st.bucket.TokensAt(now)
	if tokens >= 1 {
		return Decision{Allowed: true}
	}
	limit := float64(st.bucket.Limit())
	if limit <= 0 {
		return Decision{Allowed: false, Delay: r.backoff.Max, Reason: "request budget exhausted"}
	}
	delay := time.Duration((1 - tokens) / limit * float64(time.Second))
	if delay <= 0 {
		delay = time.Millisecond
	}
	return Decision{Allowed: false, Delay: delay, Reason: "request budget exhausted"}
}

func (r *RateLimiter) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(name)
	r.consumeLocked(st)
	st.failures = 0
	st.blockedUntil = time.Time{}
}

// RecordFailure advances the failure streak and blocks the upstream for an
// exponentially growing, jittered delay.
func (r *RateLimiter) RecordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(name)
	r.consumeLocked(st)
	st.failures++
	st.blockedUntil = r.now().Add(r.backoffFor(st.failures))
}

// RecordThrottled honours an upstream throttle without touching the failure
// streak. A zero retryAfter falls back to the base backoff.
func (r *RateLimiter) RecordThrottled(name string, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(name)
	r.consumeLocked(st)
	if retryAfter <= 0 {
		retryAfter = r.backoff.Base
	}
	if retryAfter > r.backoff.Max {
		retryAfter = r.backoff.Max
	}
	until := r.now().Add(retryAfter)
	if until.After(st.blockedUntil) {
		st.blockedUntil = until
	}
}

// Snapshot returns request counts within the current one-minute window and
// failure streaks per upstream.
func (r *RateLimiter) Snapshot() map[string]LimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]LimiterStats, len(r.states))
	for name, st := range r.states {
		out[name] = LimiterStats{
			Requests:            st.requests,
			WindowResetAt:       st.windowStart.Add(time.Minute),
			ConsecutiveFailures: st.failures,
			BlockedUntil:        st.blockedUntil,
		}
	}
	return out
}

type LimiterStats struct {
	Requests            int       `json:"requests"`
	WindowResetAt       time.Time `json:"window_reset_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BlockedUntil        time.Time `json:"blocked_until,omitempty"`
}

func (r *RateLimiter) stateLocked(name string) *limiterState {
	st, ok := r.states[name]
	if ok {
		return st
	}
	limit, ok := r.limits[name]
	if !ok {
		limit = r.defaults
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	st = &limiterState{
		bucket:      rate.NewLimiter(rate.Limit(limit.RPS), limit.Burst),
		windowStart: r.now(),
	}
	r.states[name] = st
	return st
}

func (r *RateLimiter) consumeLocked(st *limiterState) {
	now := r.now()
	st.bucket.AllowN(now, 1)
	if now.Sub(st.windowStart) >= time.Minute {
		st.windowStart = now
		st.requests = 0
	}
	st.requests++
}

func (r *RateLimiter) backoffFor(failures int) time.Duration {
	delay := r.backoff.Base
	for i := 1; i < failures && delay < r.backoff.Max; i++ {
		delay *= 2
	}
	if delay > r.backoff.Max {
		delay = r.backoff.Max
	}
	delay = r.jitter(delay)
	if delay > r.backoff.Max {
		delay = r.backoff.Max
	}
	return delay
}

func (r *RateLimiter) defaultJitter(d time.Duration) time.Duration {
	if r.backoff.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := int64(float64(d) * r.backoff.Jitter)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(spread))
}
