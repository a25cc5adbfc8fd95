// Package storage is the authoritative store behind the waiting pool,
// match history, rooms and the signal log. It speaks database/sql and runs
// on SQLite (single node) or PostgreSQL (several server processes).
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store implements core.QueueStore, core.MatchHistory, core.RoomStore and
// core.SignalStore on one database handle.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now for created-at and sent-at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db, driver: driver, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if driver == DriverSQLite {
		// One connection: SQLite has a single writer anyway and the pragmas
		// below are per connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if _, err := db.ExecContext(ctx, `
			PRAGMA foreign_keys = ON;
			PRAGMA journal_mode = WAL;
			PRAGMA busy_timeout = 5000;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("module", "storage").Str("driver", driver).Msg("database ready")
	return s, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_entries (
			seq          ` + serial + `,
			id           TEXT NOT NULL UNIQUE,
			user_id      TEXT NOT NULL,
			details      TEXT NOT NULL,
			preferences  TEXT NOT NULL,
			role         TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			created_at   BIGINT NOT NULL,
			matched_with TEXT NOT NULL DEFAULT '',
			room_id      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status_created ON queue_entries (status, created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_user ON queue_entries (user_id, seq)`,
		// At most one waiting entry per user, enforced by the database.
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_queue_waiting_user ON queue_entries (user_id) WHERE status = 'waiting'`,
		`CREATE TABLE IF NOT EXISTS match_records (
			id               TEXT PRIMARY KEY,
			user1            TEXT NOT NULL,
			user2            TEXT NOT NULL,
			room_id          TEXT NOT NULL UNIQUE,
			created_at       BIGINT NOT NULL,
			ended_at         BIGINT,
			duration_seconds BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_match_user1 ON match_records (user1)`,
		`CREATE INDEX IF NOT EXISTS idx_match_user2 ON match_records (user2)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id           TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			participant1 TEXT NOT NULL,
			participant2 TEXT NOT NULL,
			details      TEXT NOT NULL,
			active       INTEGER NOT NULL DEFAULT 1,
			created_at   BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS room_messages (
			seq         ` + serial + `,
			room_id     TEXT NOT NULL,
			sender_id   TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			text        TEXT NOT NULL,
			kind        TEXT NOT NULL,
			created_at  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_room_messages_room ON room_messages (room_id, seq)`,
		`CREATE TABLE IF NOT EXISTS signals (
			seq      ` + serial + `,
			room_id  TEXT NOT NULL,
			sender   TEXT NOT NULL,
			receiver TEXT NOT NULL,
			kind     TEXT NOT NULL,
			payload  TEXT NOT NULL,
			sent_at  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_inbox ON signals (room_id, receiver, seq)`,
		`CREATE TABLE IF NOT EXISTS signal_cursors (
			room_id  TEXT NOT NULL,
			receiver TEXT NOT NULL,
			last_seq BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (room_id, receiver)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// q rewrites ? placeholders into the driver's native form.
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

func (s *Store) stamp() int64 { return s.now().UnixNano() }

func fromStamp(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Warn().Err(err).Str("module", "storage").Msg("rollback")
	}
}
