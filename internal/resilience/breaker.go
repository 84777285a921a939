package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type BreakerSettings struct {
	// Consecutive failures that trip the breaker.
	FailureThreshold uint32
	// Time spent open before a single half-open probe is allowed.
	Cooldown time.Duration
}

// Breakers keeps one circuit breaker per upstream name.
type Breakers struct {
	settings BreakerSettings
	log      *zap.Logger
	onChange func(name string, from, to string)

	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewBreakers(settings BreakerSettings, log *zap.Logger) *Breakers {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Breakers{
		settings: settings,
		log:      log,
		m:        make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

// OnStateChange registers a hook invoked on every breaker transition.
func (b *Breakers) OnStateChange(fn func(name string, from, to string)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Execute runs fn through the named breaker. Calls short-circuited by an open
// or probing breaker return an error wrapping ErrCircuitOpen.
func (b *Breakers) Execute(name string, fn func() error) error {
	cb := b.get(name)
	_, err := cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", name, ErrCircuitOpen)
	}
	return err
}

// State reports "closed", "open" or "half-open". Unknown upstreams are closed.
func (b *Breakers) State(name string) string {
	b.mu.RLock()
	cb := b.m[name]
	b.mu.RUnlock()
	if cb == nil {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

func (b *Breakers) States() map[string]string {
	b.mu.RLock()
	cbs := make(map[string]*gobreaker.CircuitBreaker[struct{}], len(b.m))
	for name, cb := range b.m {
		cbs[name] = cb
	}
	b.mu.RUnlock()
	out := make(map[string]string, len(cbs))
	for name, cb := range cbs {
		out[name] = cb.State().String()
	}
	return out
}

func (b *Breakers) get(name string) *gobreaker.CircuitBreaker[struct{}] {
	b.mu.RLock()
	cb := b.m[name]
	b.mu.RUnlock()
	if cb != nil {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb = b.m[name]; cb != nil {
		return cb
	}
	threshold := b.settings.FailureThreshold
	cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     b.settings.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: isSuccessfulForBreaker,
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("circuit breaker state change",
				zap.String("upstream", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			b.mu.RLock()
			hook := b.onChange
			b.mu.RUnlock()
			if hook != nil {
				hook(name, from.String(), to.String())
			}
		},
	})
	b.m[name] = cb
	return cb
}

// Throttling and caller cancellation say nothing about upstream health.
func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrThrottled) || errors.Is(err, context.Canceled) {
		return true
	}
	return false
}
