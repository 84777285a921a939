package notice

import (
	"context"
	"sync"
	"time"

	"listing-sniper/internal/state"
)

// Watermark caches the persisted cursor of one notice source. The store stays
// the source of truth; the cache only saves a read per poll.
type Watermark struct {
	store  state.WatermarkStore
	source string

	mu     sync.Mutex
	cached state.Watermark
	loaded bool
}

func NewWatermark(store state.WatermarkStore, source string) *Watermark {
	return &Watermark{store: store, source: source}
}

// Load reads the persisted cursor. ok is false on a first run.
func (w *Watermark) Load(ctx context.Context) (state.Watermark, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loaded {
		return w.cached, !w.cached.LastPublishedAt.IsZero() || w.cached.LastNoticeUID != "", nil
	}
	wm, ok, err := w.store.LoadWatermark(ctx, w.source)
	if err != nil {
		return state.Watermark{}, false, err
	}
	w.cached = wm
	w.loaded = true
	return wm, ok, nil
}

// ShouldConsider reports whether an item is strictly newer than the cursor.
func (w *Watermark) ShouldConsider(publishedAt time.Time, uid string) bool {
	w.mu.Lock()
	cur := w.cached
	w.mu.Unlock()
	item := state.Watermark{LastPublishedAt: publishedAt.UTC().Truncate(time.Millisecond), LastNoticeUID: uid}
	return item.After(cur)
}

// UpdateFromBatch advances the cursor to the newest item of a handled batch.
// An older or equal batch leaves it untouched.
func (w *Watermark) UpdateFromBatch(ctx context.Context, items []Notice) (state.Watermark, error) {
	newest, ok := Newest(items)
	if !ok {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.cached, nil
	}
	next, err := w.store.AdvanceWatermark(ctx, state.Watermark{
		Source:          w.source,
		LastPublishedAt: newest.PublishedAt,
		LastNoticeUID:   newest.UID,
	})
	if err != nil {
		return state.Watermark{}, err
	}
	w.mu.Lock()
	w.cached = next
	w.loaded = true
	w.mu.Unlock()
	return next, nil
}

// Current returns the cached cursor.
func (w *Watermark) Current() state.Watermark {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cached
}

// Newest returns the item with the greatest (publishedAt, uid).
func Newest(items []Notice) (Notice, bool) {
	if len(items) == 0 {
		return Notice{}, false
	}
	best := items[0]
	for _, it := range items[1:] {
		if it.cursor().After(best.cursor()) {
			best = it
		}
	}
	return best, true
}
