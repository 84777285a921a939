// Package exec turns a trade-worthy listing into an order, at most once per
// event.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"listing-sniper/internal/event"
	"listing-sniper/internal/metrics"
	"listing-sniper/internal/state"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const resultKeyPrefix = "exec:event:"

var ErrInvalidOpportunity = errors.New("invalid opportunity")

// Opportunity is a listing that cleared every gate.
type Opportunity struct {
	EventID     event.ID
	Source      event.Source
	Base        string
	Symbol      string
	Venue       string
	LeverageMax int
	Notional    decimal.Decimal
	DetectedAt  time.Time
}

type Order struct {
	Venue         string
	Symbol        string
	IsBuy         bool
	Notional      decimal.Decimal
	ClientOrderID string
}

// OrderPlacer is a venue adapter.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, order Order) (string, error)
}

type TradeResult struct {
	EventID  string          `json:"event_id"`
	OrderID  string          `json:"order_id"`
	Venue    string          `json:"venue"`
	Symbol   string          `json:"symbol"`
	Notional decimal.Decimal `json:"notional"`
	PlacedAt time.Time       `json:"placed_at"`
	// Replayed is set when the result came from an earlier execution.
	Replayed bool `json:"-"`
}

type Config struct {
	MaxRetries int
	RetryDelay time.Duration
}

type Executor struct {
	placer  OrderPlacer
	store   state.Store
	metrics *metrics.Metrics
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]TradeResult
	// inflight serializes executions of the same event inside one process.
	inflight map[string]*sync.Mutex
}

func New(placer OrderPlacer, store state.Store, cfg Config, m *metrics.Metrics, log *zap.Logger) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		placer:   placer,
		store:    store,
		metrics:  m,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		cache:    make(map[string]TradeResult),
		inflight: make(map[string]*sync.Mutex),
	}
}

// ExecuteOpportunity places the entry order for opp. A second call for the
// same event returns the stored result without placing again.
func (e *Executor) ExecuteOpportunity(ctx context.Context, opp Opportunity) (*TradeResult, error) {
	if opp.EventID == "" || opp.Symbol == "" || !opp.Notional.IsPositive() {
		return nil, ErrInvalidOpportunity
	}
	key := resultKeyPrefix + opp.EventID.String()
	lock := e.eventLock(key)
	lock.Lock()
	defer lock.Unlock()

	if res, ok, err := e.lookup(ctx, key); err != nil {
		return nil, err
	} else if ok {
		res.Replayed = true
		return &res, nil
	}

	order := Order{
		Venue:         opp.Venue,
		Symbol:        opp.Symbol,
		IsBuy:         true,
		Notional:      opp.Notional,
		ClientOrderID: opp.EventID.Short(),
	}
	orderID, err := e.placeWithRetry(ctx, order)
	if err != nil {
		e.metrics.TradesFailed.Inc()
		return nil, err
	}
	res := TradeResult{
		EventID:  opp.EventID.String(),
		OrderID:  orderID,
		Venue:    opp.Venue,
		Symbol:   opp.Symbol,
		Notional: opp.Notional,
		PlacedAt: e.now().UTC(),
	}
	e.metrics.TradesPlaced.Inc()
	e.metrics.ExitPending.Inc()
	if e.store != nil {
		payload, err := json.Marshal(res)
		if err == nil {
			err = e.store.Set(ctx, key, string(payload))
		}
		if err != nil {
			e.log.Warn("failed to persist trade result", zap.String("event_id", opp.EventID.Short()), zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[key] = res
	e.mu.Unlock()
	e.log.Info("entry order placed",
		zap.String("event_id", opp.EventID.Short()),
		zap.String("base", opp.Base),
		zap.String("venue", opp.Venue),
		zap.String("symbol", opp.Symbol),
		zap.String("notional", opp.Notional.String()),
		zap.String("order_id", orderID),
	)
	return &res, nil
}

func (e *Executor) eventLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.inflight[key]
	if !ok {
		l = &sync.Mutex{}
		e.inflight[key] = l
	}
	return l
}

func (e *Executor) lookup(ctx context.Context, key string) (TradeResult, bool, error) {
	e.mu.Lock()
	res, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return res, true, nil
	}
	if e.store == nil {
		return TradeResult{}, false, nil
	}
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return TradeResult{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return TradeResult{}, false, fmt.Errorf("decode stored trade result: %w", err)
	}
	e.mu.Lock()
	e.cache[key] = res
	e.mu.Unlock()
	return res, true, nil
}

func (e *Executor) placeWithRetry(ctx context.Context, order Order) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		var err error
		orderID, err = e.placer.PlaceOrder(ctx, order)
		return err
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	return orderID, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.cfg.RetryDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= e.cfg.MaxRetries {
			return fmt.Errorf("retry failed after %d attempts: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}
