package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"listing-sniper/internal/state"
)

func (s *Store) LoadWatermark(ctx context.Context, source string) (state.Watermark, bool, error) {
	wm, ok, err := loadWatermark(ctx, s.db, s.q, source)
	if err != nil {
		return state.Watermark{}, false, &state.StorageError{Op: "load watermark", Err: err}
	}
	return wm, ok, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadWatermark(ctx context.Context, db queryRower, q func(string) string, source string) (state.Watermark, bool, error) {
	var (
		published int64
		uid       string
		updated   int64
	)
	err := db.QueryRowContext(ctx, q(`SELECT last_published_at, last_notice_uid, updated_at FROM watermarks WHERE source = ?`), source).
		Scan(&published, &uid, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.Watermark{}, false, nil
		}
		return state.Watermark{}, false, err
	}
	return state.Watermark{
		Source:          source,
		LastPublishedAt: fromMillis(published),
		LastNoticeUID:   uid,
		UpdatedAt:       fromMillis(updated),
	}, true, nil
}

// AdvanceWatermark never moves a source's watermark backwards.
func (s *Store) AdvanceWatermark(ctx context.Context, wm state.Watermark) (state.Watermark, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return state.Watermark{}, &state.StorageError{Op: "advance watermark", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	current, ok, err := loadWatermark(ctx, tx, s.q, wm.Source)
	if err != nil {
		return state.Watermark{}, &state.StorageError{Op: "advance watermark", Err: err}
	}
	// Millisecond storage resolution.
	wm.LastPublishedAt = fromMillis(toMillis(wm.LastPublishedAt))
	if ok && !wm.After(current) {
		return current, nil
	}
	wm.UpdatedAt = s.now().UTC()
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO watermarks (source, last_published_at, last_notice_uid, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			last_published_at = excluded.last_published_at,
			last_notice_uid = excluded.last_notice_uid,
			updated_at = excluded.updated_at`),
		wm.Source, toMillis(wm.LastPublishedAt), wm.LastNoticeUID, toMillis(wm.UpdatedAt),
	)
	if err != nil {
		return state.Watermark{}, &state.StorageError{Op: "advance watermark", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return state.Watermark{}, &state.StorageError{Op: "advance watermark", Err: err}
	}
	return wm, nil
}
