package sqlbroker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schemaVersion = 2

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS entities (
  path               TEXT PRIMARY KEY,
  kind               TEXT NOT NULL,
  topic              TEXT,
  requires_session   INTEGER NOT NULL DEFAULT 0,
  max_delivery_count INTEGER NOT NULL,
  lock_duration_ms   INTEGER NOT NULL,
  next_seq           INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
  entity             TEXT NOT NULL,
  seq                INTEGER NOT NULL,
  sub_queue          INTEGER NOT NULL,
  id                 TEXT NOT NULL,
  subject            TEXT NOT NULL DEFAULT '',
  content_type       TEXT NOT NULL DEFAULT '',
  correlation_id     TEXT NOT NULL DEFAULT '',
  session_id         TEXT NOT NULL DEFAULT '',
  enqueued_at        INTEGER NOT NULL,
  delivery_count     INTEGER NOT NULL DEFAULT 0,
  dead_letter_reason TEXT NOT NULL DEFAULT '',
  body               BLOB NOT NULL,
  properties_json    TEXT,
  lock_token         TEXT,
  locked_until       INTEGER,
  lock_owner         TEXT,
  PRIMARY KEY (entity, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_sub_queue
  ON messages(entity, sub_queue, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_lock_token
  ON messages(lock_token);
`

const sqliteSchemaV2 = `
CREATE TABLE IF NOT EXISTS sessions (
  entity        TEXT NOT NULL,
  session_id    TEXT NOT NULL,
  owner         TEXT,
  locked_until  INTEGER,
  last_accepted INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (entity, session_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_session
  ON messages(entity, sub_queue, session_id, seq);
`

// OpenSQLite opens (and migrates) a sqlite backed emulator at dbPath.
func OpenSQLite(dbPath string, opts ...Option) (*Store, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := newStore(db, dialect{name: "sqlite"}, opts)
	if err := s.initSQLite(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSQLite() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" && strings.ToLower(journalMode) != "memory" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return s.migrate(ctx, []string{sqliteSchemaV1, sqliteSchemaV2})
}

// migrate applies the versioned schema steps that are newer than the
// recorded schema_migrations version.
func (s *Store) migrate(ctx context.Context, steps []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  id      INTEGER PRIMARY KEY,
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("%s: init migrations table: %w", s.dialect.name, err)
		}

		current := 0
		err := tx.QueryRowContext(ctx, `SELECT version FROM schema_migrations WHERE id = 1`).Scan(&current)
		hasVersion := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: read schema_version: %w", s.dialect.name, err)
		}
		if current > len(steps) {
			return fmt.Errorf("%s: schema_version=%d, want <=%d", s.dialect.name, current, len(steps))
		}

		for v := current + 1; v <= len(steps); v++ {
			for _, stmt := range splitStatements(steps[v-1]) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("%s: migrate v%d: %w", s.dialect.name, v, err)
				}
			}
		}

		if hasVersion && current == len(steps) {
			return nil
		}
		if !hasVersion {
			_, err = tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO schema_migrations(id, version) VALUES (1, ?)`), len(steps))
		} else {
			_, err = tx.ExecContext(ctx, s.dialect.rebind(`UPDATE schema_migrations SET version = ? WHERE id = 1`), len(steps))
		}
		if err != nil {
			return fmt.Errorf("%s: write schema_version: %w", s.dialect.name, err)
		}
		return nil
	})
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
