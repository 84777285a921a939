// Package ws is a reconnecting websocket reader. Subscriptions are replayed
// on every connect and reconnects back off exponentially up to a bounded
// number of attempts.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var ErrReconnectExhausted = errors.New("ws reconnect attempts exhausted")

type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

type Config struct {
	URL           string
	PingInterval  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// MaxAttempts bounds consecutive failed connects; zero means unbounded.
	MaxAttempts int
	ReadLimit   int64
}

type Client struct {
	cfg Config
	log *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	subs        [][]byte
	state       State
	onOpen      func(ctx context.Context)
	onReconnect func(attempt int, delay time.Duration)
}

func New(cfg Config, log *zap.Logger) *Client {
	if cfg.PingInterval < 0 {
		cfg.PingInterval = 0
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: cfg, log: log, state: StateClosed}
}

// Subscribe registers a raw frame sent after every successful dial.
func (c *Client) Subscribe(frame []byte) {
	c.mu.Lock()
	c.subs = append(c.subs, append([]byte(nil), frame...))
	c.mu.Unlock()
}

func (c *Client) OnOpen(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *Client) OnReconnect(fn func(attempt int, delay time.Duration)) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and feeds every frame to handler until ctx is done or the
// reconnect budget is spent.
func (c *Client) Run(ctx context.Context, handler func([]byte)) error {
	attempt := 0
	for {
		c.setState(StateConnecting)
		err := c.connect(ctx)
		if err == nil {
			attempt = 0
			c.setState(StateOpen)
			if fn := c.openHook(); fn != nil {
				fn(ctx)
			}
			err = c.serve(ctx, handler)
		}
		c.resetConn()
		c.setState(StateClosed)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logDisconnect(err)

		attempt++
		if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt-1, err)
		}
		delay := Backoff(c.cfg.ReconnectBase, c.cfg.ReconnectMax, attempt)
		if fn := c.reconnectHook(); fn != nil {
			fn(attempt, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Backoff returns base*2^(attempt-1) capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(c.cfg.ReadLimit)
	c.mu.Lock()
	c.conn = conn
	subs := append([][]byte(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) serve(ctx context.Context, handler func([]byte)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	pingCtx, cancel := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop(pingCtx, conn)
	}()
	defer func() {
		cancel()
		<-pingDone
	}()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(data)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("ws ping failed", zap.Error(err))
					_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				}
				return
			}
		}
	}
}

func (c *Client) logDisconnect(err error) {
	if err == nil {
		return
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws connection closed", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
		c.log.Info("ws connection closed", zap.Error(err))
		return
	}
	c.log.Warn("ws connection lost", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) openHook() func(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onOpen
}

func (c *Client) reconnectHook() func(int, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onReconnect
}
