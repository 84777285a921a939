package state

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrStorage marks failures of the durable store. It is never returned for a
// duplicate fingerprint.
var ErrStorage = errors.New("storage failure")

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Store is a small key/value table for bookkeeping that does not need its own schema.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type MarkResult int

const (
	MarkInserted MarkResult = iota + 1
	MarkDuplicate
)

func (r MarkResult) String() string {
	switch r {
	case MarkInserted:
		return "inserted"
	case MarkDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

type ProcessedEvent struct {
	EventID   string
	Source    string
	Base      string
	URL       string
	Markets   []string
	TradeTime *time.Time
	RawTitle  string
	CreatedAt time.Time
}

type EventStore interface {
	TryMarkProcessed(ctx context.Context, ev ProcessedEvent) (MarkResult, error)
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	// UnmarkProcessed forgets eventID so a later TryMarkProcessed inserts it
	// again. Used when the trade path fails after the insert.
	UnmarkProcessed(ctx context.Context, eventID string) error
	IsBaseRecentlyTraded(ctx context.Context, base string, cooldown time.Duration) (bool, error)
	MarkBaseAsTraded(ctx context.Context, base, eventID string) error
	// ClaimBase atomically records a trade claim unless the base was traded
	// within cooldown. It returns false when another event holds the claim.
	ClaimBase(ctx context.Context, base, eventID string, cooldown time.Duration) (bool, error)
	CleanupOldEvents(ctx context.Context, olderThan time.Duration) (int64, error)
	CleanupTradedBases(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Watermark struct {
	Source          string
	LastPublishedAt time.Time
	LastNoticeUID   string
	UpdatedAt       time.Time
}

// After reports whether w is strictly newer than other: a later publish time,
// or the same publish time with a greater notice uid.
func (w Watermark) After(other Watermark) bool {
	if !w.LastPublishedAt.Equal(other.LastPublishedAt) {
		return w.LastPublishedAt.After(other.LastPublishedAt)
	}
	return CompareNoticeUID(w.LastNoticeUID, other.LastNoticeUID) > 0
}

// CompareNoticeUID orders uids numerically when both parse as integers and
// lexically otherwise.
func CompareNoticeUID(a, b string) int {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

type WatermarkStore interface {
	LoadWatermark(ctx context.Context, source string) (Watermark, bool, error)
	// AdvanceWatermark stores wm only if it is newer than the persisted one
	// and returns the watermark now in effect.
	AdvanceWatermark(ctx context.Context, wm Watermark) (Watermark, error)
}

// InstanceLock is the leader lock row. AcquiredAt is re-written on every
// heartbeat, so the lock is live while now - AcquiredAt < lease.
type InstanceLock struct {
	LockKey    string
	InstanceID string
	AcquiredAt time.Time
}

type LockStore interface {
	AcquireLock(ctx context.Context, key, instanceID string, lease time.Duration) (bool, error)
	RenewLock(ctx context.Context, key, instanceID string, lease time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, instanceID string) error
	LockInfo(ctx context.Context, key string) (InstanceLock, bool, error)
}

type BaselineEntry struct {
	Base      string
	Source    string
	ListedAt  time.Time
	CreatedAt time.Time
}

type BaselineStore interface {
	ReplaceBaseline(ctx context.Context, entries []BaselineEntry) error
	LoadBaseline(ctx context.Context) ([]BaselineEntry, error)
}
