package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"listing-sniper/internal/state"
)

// AcquireLock takes the lock when it is free, already ours, or its holder
// has not refreshed acquired_at within lease. Takeover is a compare-and-swap
// on the observed holder and timestamp so two contenders cannot both win.
func (s *Store) AcquireLock(ctx context.Context, key, instanceID string, lease time.Duration) (bool, error) {
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO instance_lock (lock_key, instance_id, acquired_at)
		VALUES (?, ?, ?) ON CONFLICT(lock_key) DO NOTHING`), key, instanceID, now)
	if err != nil {
		return false, &state.StorageError{Op: "acquire lock", Err: err}
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, &state.StorageError{Op: "acquire lock", Err: err}
	} else if n > 0 {
		return true, nil
	}

	var holder string
	var acquired int64
	err = s.db.QueryRowContext(ctx, s.q(`SELECT instance_id, acquired_at FROM instance_lock WHERE lock_key = ?`), key).
		Scan(&holder, &acquired)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Released between the insert and the read; next attempt will win.
			return false, nil
		}
		return false, &state.StorageError{Op: "acquire lock", Err: err}
	}
	live := now-acquired < lease.Milliseconds()
	if live && holder == instanceID {
		return s.RenewLock(ctx, key, instanceID, lease)
	}
	if live {
		return false, nil
	}
	res, err = s.db.ExecContext(ctx, s.q(`UPDATE instance_lock SET instance_id = ?, acquired_at = ?
		WHERE lock_key = ? AND instance_id = ? AND acquired_at = ?`),
		instanceID, now, key, holder, acquired,
	)
	if err != nil {
		return false, &state.StorageError{Op: "take over lock", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &state.StorageError{Op: "take over lock", Err: err}
	}
	return n > 0, nil
}

// RenewLock re-writes acquired_at while instanceID holds a live lock. A lock
// that already aged past lease is not renewed; the caller must acquire it
// again and may lose it to another instance.
func (s *Store) RenewLock(ctx context.Context, key, instanceID string, lease time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE instance_lock SET acquired_at = ?
		WHERE lock_key = ? AND instance_id = ? AND acquired_at > ?`),
		toMillis(now), key, instanceID, toMillis(now.Add(-lease)))
	if err != nil {
		return false, &state.StorageError{Op: "renew lock", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &state.StorageError{Op: "renew lock", Err: err}
	}
	return n > 0, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key, instanceID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM instance_lock WHERE lock_key = ? AND instance_id = ?`), key, instanceID)
	if err != nil {
		return &state.StorageError{Op: "release lock", Err: err}
	}
	return nil
}

func (s *Store) LockInfo(ctx context.Context, key string) (state.InstanceLock, bool, error) {
	var (
		info     state.InstanceLock
		acquired int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT lock_key, instance_id, acquired_at FROM instance_lock WHERE lock_key = ?`), key).
		Scan(&info.LockKey, &info.InstanceID, &acquired)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.InstanceLock{}, false, nil
		}
		return state.InstanceLock{}, false, &state.StorageError{Op: "lock info", Err: err}
	}
	info.AcquiredAt = fromMillis(acquired)
	return info, true, nil
}
