package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"listing-sniper/internal/state"
)

func (s *Store) TryMarkProcessed(ctx context.Context, ev state.ProcessedEvent) (state.MarkResult, error) {
	if strings.TrimSpace(ev.EventID) == "" {
		return 0, errors.New("event id is required")
	}
	markets := ev.Markets
	if markets == nil {
		markets = []string{}
	}
	marketsJSON, err := json.Marshal(markets)
	if err != nil {
		return 0, err
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	var tradeTime sql.NullInt64
	if ev.TradeTime != nil && !ev.TradeTime.IsZero() {
		tradeTime = sql.NullInt64{Int64: toMillis(*ev.TradeTime), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO processed_events
		(event_id, source, base, url, markets, trade_time, raw_title, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`),
		ev.EventID, ev.Source, ev.Base, ev.URL, string(marketsJSON), tradeTime, ev.RawTitle, toMillis(createdAt),
	)
	if err != nil {
		return 0, &state.StorageError{Op: "mark processed", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &state.StorageError{Op: "mark processed", Err: err}
	}
	if n == 0 {
		return state.MarkDuplicate, nil
	}
	return state.MarkInserted, nil
}

func (s *Store) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM processed_events WHERE event_id = ?`), eventID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, &state.StorageError{Op: "is processed", Err: err}
	}
	return true, nil
}

func (s *Store) UnmarkProcessed(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM processed_events WHERE event_id = ?`), eventID); err != nil {
		return &state.StorageError{Op: "unmark processed", Err: err}
	}
	return nil
}

// ProcessedEvent loads a stored event by id.
func (s *Store) ProcessedEvent(ctx context.Context, eventID string) (state.ProcessedEvent, bool, error) {
	var (
		ev          state.ProcessedEvent
		marketsJSON string
		tradeTime   sql.NullInt64
		createdAt   int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT event_id, source, base, url, markets, trade_time, raw_title, created_at
		FROM processed_events WHERE event_id = ?`), eventID).
		Scan(&ev.EventID, &ev.Source, &ev.Base, &ev.URL, &marketsJSON, &tradeTime, &ev.RawTitle, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.ProcessedEvent{}, false, nil
		}
		return state.ProcessedEvent{}, false, &state.StorageError{Op: "load event", Err: err}
	}
	if err := json.Unmarshal([]byte(marketsJSON), &ev.Markets); err != nil {
		return state.ProcessedEvent{}, false, &state.StorageError{Op: "load event", Err: err}
	}
	if tradeTime.Valid {
		tt := fromMillis(tradeTime.Int64)
		ev.TradeTime = &tt
	}
	ev.CreatedAt = fromMillis(createdAt)
	return ev, true, nil
}

func (s *Store) IsBaseRecentlyTraded(ctx context.Context, base string, cooldown time.Duration) (bool, error) {
	var tradedAt int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT traded_at FROM traded_bases WHERE base = ?`), normalizeBase(base)).Scan(&tradedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, &state.StorageError{Op: "recently traded", Err: err}
	}
	return fromMillis(tradedAt).After(s.now().Add(-cooldown)), nil
}

func (s *Store) MarkBaseAsTraded(ctx context.Context, base, eventID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO traded_bases (base, event_id, traded_at) VALUES (?, ?, ?)
		ON CONFLICT(base) DO UPDATE SET event_id = excluded.event_id, traded_at = excluded.traded_at`),
		normalizeBase(base), eventID, toMillis(s.now()),
	)
	if err != nil {
		return &state.StorageError{Op: "mark traded", Err: err}
	}
	return nil
}

// ClaimBase is a single conditional upsert: the row is written only when the
// base is unclaimed, the previous claim is older than cooldown, or the same
// event already holds it.
func (s *Store) ClaimBase(ctx context.Context, base, eventID string, cooldown time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO traded_bases (base, event_id, traded_at) VALUES (?, ?, ?)
		ON CONFLICT(base) DO UPDATE SET event_id = excluded.event_id, traded_at = excluded.traded_at
		WHERE traded_bases.traded_at <= ? OR traded_bases.event_id = excluded.event_id`),
		normalizeBase(base), eventID, toMillis(now), toMillis(now.Add(-cooldown)),
	)
	if err != nil {
		return false, &state.StorageError{Op: "claim base", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &state.StorageError{Op: "claim base", Err: err}
	}
	return n > 0, nil
}

func (s *Store) CleanupOldEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.deleteBefore(ctx, "cleanup events", `DELETE FROM processed_events WHERE created_at < ?`, olderThan)
}

func (s *Store) CleanupTradedBases(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.deleteBefore(ctx, "cleanup traded", `DELETE FROM traded_bases WHERE traded_at < ?`, olderThan)
}

func (s *Store) deleteBefore(ctx context.Context, op, query string, olderThan time.Duration) (int64, error) {
	cutoff := toMillis(s.now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx, s.q(query), cutoff)
	if err != nil {
		return 0, &state.StorageError{Op: op, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &state.StorageError{Op: op, Err: err}
	}
	return n, nil
}

func normalizeBase(base string) string {
	return strings.ToUpper(strings.TrimSpace(base))
}
