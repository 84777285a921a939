package sqlstore

import (
	"context"

	"listing-sniper/internal/state"
)

// ReplaceBaseline swaps the whole cached baseline in one transaction.
func (s *Store) ReplaceBaseline(ctx context.Context, entries []state.BaselineEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &state.StorageError{Op: "replace baseline", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM baseline_kr`); err != nil {
		return &state.StorageError{Op: "replace baseline", Err: err}
	}
	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO baseline_kr (base, source, listed_at, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(base) DO NOTHING`))
	if err != nil {
		return &state.StorageError{Op: "replace baseline", Err: err}
	}
	defer stmt.Close()
	now := s.now()
	for _, entry := range entries {
		base := normalizeBase(entry.Base)
		if base == "" {
			continue
		}
		listedAt := entry.ListedAt
		if listedAt.IsZero() {
			listedAt = now
		}
		createdAt := entry.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx, base, entry.Source, toMillis(listedAt), toMillis(createdAt)); err != nil {
			return &state.StorageError{Op: "replace baseline", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &state.StorageError{Op: "replace baseline", Err: err}
	}
	return nil
}

func (s *Store) LoadBaseline(ctx context.Context) ([]state.BaselineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT base, source, listed_at, created_at FROM baseline_kr ORDER BY base`)
	if err != nil {
		return nil, &state.StorageError{Op: "load baseline", Err: err}
	}
	defer rows.Close()
	var out []state.BaselineEntry
	for rows.Next() {
		var entry state.BaselineEntry
		var listedAt, createdAt int64
		if err := rows.Scan(&entry.Base, &entry.Source, &listedAt, &createdAt); err != nil {
			return nil, &state.StorageError{Op: "load baseline", Err: err}
		}
		entry.ListedAt = fromMillis(listedAt)
		entry.CreatedAt = fromMillis(createdAt)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &state.StorageError{Op: "load baseline", Err: err}
	}
	return out, nil
}
