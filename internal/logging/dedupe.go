package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Deduper drops repeats of the same log key inside a window. The first line
// after a window closes carries the number of suppressed repeats.
type Deduper struct {
	log    *zap.Logger
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*dedupeEntry
}

type dedupeEntry struct {
	last       time.Time
	suppressed int
}

func NewDeduper(log *zap.Logger, window time.Duration) *Deduper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Deduper{
		log:     log,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*dedupeEntry),
	}
}

func (d *Deduper) Info(key, msg string, fields ...zap.Field) {
	d.emit(zapcore.InfoLevel, key, msg, fields)
}

func (d *Deduper) Warn(key, msg string, fields ...zap.Field) {
	d.emit(zapcore.WarnLevel, key, msg, fields)
}

func (d *Deduper) Error(key, msg string, fields ...zap.Field) {
	d.emit(zapcore.ErrorLevel, key, msg, fields)
}

// Reset forgets key so its next line is always written.
func (d *Deduper) Reset(key string) {
	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
}

func (d *Deduper) emit(level zapcore.Level, key, msg string, fields []zap.Field) {
	if !d.allow(key, &fields) {
		return
	}
	if ce := d.log.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func (d *Deduper) allow(key string, fields *[]zap.Field) bool {
	if d.window <= 0 {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[key]
	if ok && now.Sub(entry.last) < d.window {
		entry.suppressed++
		return false
	}
	if ok && entry.suppressed > 0 {
		*fields = append(*fields, zap.Int("suppressed", entry.suppressed))
	}
	d.entries[key] = &dedupeEntry{last: now}
	if len(d.entries) > 1024 {
		for k, e := range d.entries {
			if now.Sub(e.last) >= d.window {
				delete(d.entries, k)
			}
		}
	}
	return true
}
