package sqlbroker

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS entities (
  path               TEXT PRIMARY KEY,
  kind               TEXT NOT NULL,
  topic              TEXT,
  requires_session   INTEGER NOT NULL DEFAULT 0,
  max_delivery_count INTEGER NOT NULL,
  lock_duration_ms   BIGINT NOT NULL,
  next_seq           BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
  entity             TEXT NOT NULL,
  seq                BIGINT NOT NULL,
  sub_queue          INTEGER NOT NULL,
  id                 TEXT NOT NULL,
  subject            TEXT NOT NULL DEFAULT '',
  content_type       TEXT NOT NULL DEFAULT '',
  correlation_id     TEXT NOT NULL DEFAULT '',
  session_id         TEXT NOT NULL DEFAULT '',
  enqueued_at        BIGINT NOT NULL,
  delivery_count     INTEGER NOT NULL DEFAULT 0,
  dead_letter_reason TEXT NOT NULL DEFAULT '',
  body               BYTEA NOT NULL,
  properties_json    TEXT,
  lock_token         TEXT,
  locked_until       BIGINT,
  lock_owner         TEXT,
  PRIMARY KEY (entity, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_sub_queue
  ON messages(entity, sub_queue, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_lock_token
  ON messages(lock_token);
`

const postgresSchemaV2 = `
CREATE TABLE IF NOT EXISTS sessions (
  entity        TEXT NOT NULL,
  session_id    TEXT NOT NULL,
  owner         TEXT,
  locked_until  BIGINT,
  last_accepted BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (entity, session_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_session
  ON messages(entity, sub_queue, session_id, seq);
`

// OpenPostgres connects to dsn through the pgx stdlib driver and migrates
// the emulator schema.
func OpenPostgres(dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, mapPostgresError(err)
	}

	s := newStore(db, dialect{
		name:       "postgres",
		numbered:   true,
		lockSuffix: " FOR UPDATE SKIP LOCKED",
	}, opts)
	if err := s.migrate(ctx, []string{postgresSchemaV1, postgresSchemaV2}); err != nil {
		_ = db.Close()
		return nil, mapPostgresError(err)
	}
	return s, nil
}

// mapPostgresError adds the SQLSTATE to server side errors so operators
// can tell auth and schema problems apart.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &postgresError{code: pgErr.Code, err: err}
	}
	return err
}

type postgresError struct {
	code string
	err  error
}

func (e *postgresError) Error() string { return "postgres " + e.code + ": " + e.err.Error() }

func (e *postgresError) Unwrap() error { return e.err }
