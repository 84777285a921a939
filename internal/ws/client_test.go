package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func TestClientSendsSubscriptionAndDeliversFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subCh := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		subCh <- string(data)
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ticker","content":{"symbol":"ABC_KRW"}}`))
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := New(Config{URL: "ws" + strings.TrimPrefix(server.URL, "http"), PingInterval: 20 * time.Millisecond}, zap.NewNop())
	client.Subscribe([]byte(`{"type":"ticker"}`))
	var opened atomic.Bool
	client.OnOpen(func(context.Context) { opened.Store(true) })

	frames := make(chan string, 4)
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, func(data []byte) { frames <- string(data) })
	}()

	select {
	case sub := <-subCh:
		if sub != `{"type":"ticker"}` {
			t.Fatalf("unexpected subscription %s", sub)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscription")
	}
	select {
	case frame := <-frames:
		if !strings.Contains(frame, "ABC_KRW") {
			t.Fatalf("unexpected frame %s", frame)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for frame")
	}
	if !opened.Load() {
		t.Fatalf("expected open hook to run")
	}
	if client.State() != StateOpen {
		t.Fatalf("expected open state, got %s", client.State())
	}
}

func TestClientReconnectsAfterClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if conns.Add(1) == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "bye")
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := New(Config{URL: "ws" + strings.TrimPrefix(server.URL, "http"), ReconnectBase: 5 * time.Millisecond}, zap.NewNop())
	reconnects := make(chan int, 4)
	client.OnReconnect(func(attempt int, delay time.Duration) { reconnects <- attempt })

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() { _ = client.Run(runCtx, nil) }()

	select {
	case attempt := <-reconnects:
		if attempt != 1 {
			t.Fatalf("expected first reconnect attempt, got %d", attempt)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for reconnect")
	}
	deadline := time.Now().Add(time.Second)
	for conns.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if conns.Load() < 2 {
		t.Fatalf("expected a second connection")
	}
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	client := New(Config{URL: url, ReconnectBase: time.Millisecond, ReconnectMax: 2 * time.Millisecond, MaxAttempts: 3}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Run(ctx, nil)
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected reconnect exhaustion, got %v", err)
	}
	if client.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", client.State())
	}
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, time.Minute, time.Minute}
	for i, expected := range want {
		if got := Backoff(time.Second, time.Minute, i+1); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
	}
}
