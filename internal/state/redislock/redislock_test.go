package redislock

import (
	"context"
	"os"
	"testing"
	"time"
)

// Runs against a real server when LS_TEST_REDIS_ADDR is set.
func TestRedisLockLifecycle(t *testing.T) {
	addr := os.Getenv("LS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	store, err := Dial(ctx, addr, "", 0, "listing-sniper-test:")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer store.Close()
	key := "leader-" + time.Now().Format("150405.000000")
	lease := 2 * time.Second

	if ok, err := store.AcquireLock(ctx, key, "a", lease); err != nil || !ok {
		t.Fatalf("a acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.AcquireLock(ctx, key, "b", lease); ok {
		t.Fatalf("b must not acquire held lock")
	}
	if ok, _ := store.RenewLock(ctx, key, "b", lease); ok {
		t.Fatalf("b must not renew foreign lock")
	}
	info, ok, err := store.LockInfo(ctx, key)
	if err != nil || !ok || info.InstanceID != "a" {
		t.Fatalf("unexpected info %+v ok=%v err=%v", info, ok, err)
	}
	if err := store.ReleaseLock(ctx, key, "b"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if _, ok, _ := store.LockInfo(ctx, key); !ok {
		t.Fatalf("foreign release must keep the lock")
	}
	if err := store.ReleaseLock(ctx, key, "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := store.AcquireLock(ctx, key, "b", lease); err != nil || !ok {
		t.Fatalf("b acquire after release: ok=%v err=%v", ok, err)
	}
	_ = store.ReleaseLock(ctx, key, "b")
}

func TestRunRejectsNonPositiveLease(t *testing.T) {
	s := &Store{prefix: "x:", now: time.Now}
	if _, err := s.AcquireLock(context.Background(), "k", "a", 0); err == nil {
		t.Fatalf("expected lease validation error")
	}
}
