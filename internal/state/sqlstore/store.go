package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"listing-sniper/internal/state"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		base TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		markets TEXT NOT NULL DEFAULT '[]',
		trade_time BIGINT,
		raw_title TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS processed_events_created_at ON processed_events (created_at)`,
	`CREATE TABLE IF NOT EXISTS traded_bases (
		base TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		traded_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS watermarks (
		source TEXT PRIMARY KEY,
		last_published_at BIGINT NOT NULL,
		last_notice_uid TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS instance_lock (
		lock_key TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		acquired_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS baseline_kr (
		base TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		listed_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
}

// Store implements the state interfaces on database/sql. SQLite is the
// default; the same schema runs on Postgres through the pgx driver.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

var (
	_ state.Store          = (*Store)(nil)
	_ state.EventStore     = (*Store)(nil)
	_ state.WatermarkStore = (*Store)(nil)
	_ state.LockStore      = (*Store)(nil)
	_ state.BaselineStore  = (*Store)(nil)
)

func New(driver, dsn string) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverSQLite
	}
	var sqlDriver string
	switch driver {
	case DriverSQLite:
		sqlDriver = "sqlite"
	case DriverPostgres, "pgx":
		driver = DriverPostgres
		sqlDriver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported state driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("state dsn is required")
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, &state.StorageError{Op: "open", Err: err}
	}
	if driver == DriverSQLite {
		// A single connection serializes writers and keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
			_ = db.Close()
			return nil, &state.StorageError{Op: "pragma", Err: err}
		}
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, &state.StorageError{Op: "schema", Err: err}
	}
	return &Store{db: db, driver: driver, now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &state.StorageError{Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM kv WHERE key = ?`), key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, &state.StorageError{Op: "kv get", Err: err}
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`), key, value)
	if err != nil {
		return &state.StorageError{Op: "kv set", Err: err}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM kv WHERE key = ?`), key)
	if err != nil {
		return &state.StorageError{Op: "kv delete", Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders to $N for Postgres.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
