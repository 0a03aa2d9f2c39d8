// Package sqlbroker is a durable broker emulator on database/sql. It keeps
// the same semantics as the in-memory emulator (sub-queues, locks, sessions,
// delivery counts) in sqlite or postgres so several busdeck processes can
// share one namespace.
package sqlbroker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/busdeck/internal/broker"
)

const (
	kindQueue        = "queue"
	kindTopic        = "topic"
	kindSubscription = "subscription"
)

type Option func(*Store)

func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithMaxMessageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxMessageSize = n
		}
	}
}

type Store struct {
	db      *sql.DB
	dialect dialect

	mu             sync.Mutex
	nowFn          func() time.Time
	notify         chan struct{}
	pollInterval   time.Duration
	maxMessageSize int
}

var (
	_ broker.Transport        = (*Store)(nil)
	_ broker.TopologyDeclarer = (*Store)(nil)
)

func newStore(db *sql.DB, d dialect, opts []Option) *Store {
	s := &Store{
		db:             db,
		dialect:        d,
		nowFn:          time.Now,
		notify:         make(chan struct{}),
		pollInterval:   25 * time.Millisecond,
		maxMessageSize: broker.DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close(context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC()
}

func (s *Store) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Store) waitCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// withTx runs fn in a transaction and commits unless fn fails. A
// keepOnError error still commits, so lock releases done by fn persist.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		var keep keepOnError
		if errors.As(err, &keep) {
			if cerr := tx.Commit(); cerr != nil {
				return cerr
			}
			committed = true
			return keep.err
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

type keepOnError struct{ err error }

func (k keepOnError) Error() string { return k.err.Error() }

func (s *Store) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, tx *sql.Tx, query string, args ...any) (*sql.Rows, error) {
	return tx.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	return tx.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

type entityRow struct {
	path             string
	kind             string
	topic            string
	requiresSession  bool
	maxDeliveryCount int
	lockDuration     time.Duration
}

func (s *Store) DeclareTopology(ctx context.Context, t broker.Topology) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range t.Queues {
			if err := (broker.Entity{Name: q.Name}).Validate(); err != nil {
				return err
			}
			if err := s.declareEntity(ctx, tx, q.Name, kindQueue, "", q.EntityOptions); err != nil {
				return err
			}
		}
		for _, topic := range t.Topics {
			if err := (broker.Entity{Name: topic.Name}).Validate(); err != nil {
				return err
			}
			if err := s.declareEntity(ctx, tx, topic.Name, kindTopic, "", broker.EntityOptions{}); err != nil {
				return err
			}
			for _, sub := range topic.Subscriptions {
				e := broker.Entity{Name: topic.Name, Subscription: sub.Name}
				if err := e.Validate(); err != nil {
					return err
				}
				if strings.TrimSpace(sub.Name) == "" {
					return fmt.Errorf("topic %q: subscription name is required", topic.Name)
				}
				if err := s.declareEntity(ctx, tx, e.Path(), kindSubscription, topic.Name, sub.EntityOptions); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: declare topology: %w", s.dialect.name, err)
	}
	return nil
}

func (s *Store) declareEntity(ctx context.Context, tx *sql.Tx, path, kind, topic string, opts broker.EntityOptions) error {
	var existing string
	err := s.queryRow(ctx, tx, `SELECT kind FROM entities WHERE path = ?`, path).Scan(&existing)
	switch {
	case err == nil:
		if existing != kind {
			return fmt.Errorf("%s %q conflicts with an existing %s", kind, path, existing)
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	opts = normalizeOptions(opts)
	_, err = s.exec(ctx, tx, `
INSERT INTO entities(path, kind, topic, requires_session, max_delivery_count, lock_duration_ms, next_seq)
VALUES (?, ?, ?, ?, ?, ?, 0)`,
		path, kind, topic, boolInt(opts.RequiresSession), opts.MaxDeliveryCount, opts.LockDuration.Milliseconds())
	return err
}

func normalizeOptions(o broker.EntityOptions) broker.EntityOptions {
	if o.LockDuration <= 0 {
		o.LockDuration = broker.DefaultLockDuration
	}
	if o.MaxDeliveryCount < 0 {
		o.MaxDeliveryCount = -1
	} else if o.MaxDeliveryCount == 0 {
		o.MaxDeliveryCount = broker.DefaultMaxDeliveryCount
	}
	return o
}

func (s *Store) loadEntity(ctx context.Context, tx *sql.Tx, path string) (entityRow, error) {
	var (
		row       entityRow
		requires  int
		lockMilli int64
		topic     sql.NullString
	)
	err := s.queryRow(ctx, tx, `
SELECT path, kind, topic, requires_session, max_delivery_count, lock_duration_ms
FROM entities WHERE path = ?`, path).Scan(&row.path, &row.kind, &topic, &requires, &row.maxDeliveryCount, &lockMilli)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entityRow{}, fmt.Errorf("%s: %w", path, broker.ErrEntityNotFound)
		}
		return entityRow{}, err
	}
	row.topic = topic.String
	row.requiresSession = requires != 0
	row.lockDuration = time.Duration(lockMilli) * time.Millisecond
	return row, nil
}

// receivable resolves e to a queue or subscription row.
func (s *Store) receivable(ctx context.Context, tx *sql.Tx, e broker.Entity) (entityRow, error) {
	row, err := s.loadEntity(ctx, tx, e.Path())
	if err != nil {
		return entityRow{}, err
	}
	if row.kind == kindTopic {
		return entityRow{}, fmt.Errorf("%s: %w", e.Path(), broker.ErrTopicNotReceivable)
	}
	return row, nil
}

func (s *Store) OpenReceiver(ctx context.Context, entity broker.Entity, subQueue broker.SubQueue) (broker.Receiver, error) {
	var row entityRow
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		row, err = s.receivable(ctx, tx, entity)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &receiver{s: s, path: row.path, sub: subQueue, owner: uuid.NewString()}, nil
}

func (s *Store) AcceptNextSession(ctx context.Context, entity broker.Entity) (broker.Receiver, error) {
	owner := uuid.NewString()
	var (
		row     entityRow
		session string
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		row, err = s.receivable(ctx, tx, entity)
		if err != nil {
			return err
		}
		if !row.requiresSession {
			return fmt.Errorf("%s does not use sessions", row.path)
		}
		now := s.now()
		if err := s.expireLocks(ctx, tx, row, now); err != nil {
			return err
		}
		err = s.queryRow(ctx, tx, `
SELECT ss.session_id
FROM sessions ss
WHERE ss.entity = ?
  AND (ss.owner IS NULL OR ss.locked_until <= ?)
  AND EXISTS (
    SELECT 1 FROM messages m
    WHERE m.entity = ss.entity AND m.sub_queue = 0 AND m.session_id = ss.session_id
  )
ORDER BY ss.last_accepted ASC,
  (SELECT MIN(m2.seq) FROM messages m2
   WHERE m2.entity = ss.entity AND m2.sub_queue = 0 AND m2.session_id = ss.session_id) ASC
LIMIT 1`+s.dialect.lockSuffix, row.path, now.UnixNano()).Scan(&session)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return broker.ErrNoSessionAvailable
			}
			return err
		}
		_, err = s.exec(ctx, tx, `
UPDATE sessions SET owner = ?, locked_until = ?, last_accepted = ?
WHERE entity = ? AND session_id = ?`,
			owner, now.Add(row.lockDuration).UnixNano(), now.UnixNano(), row.path, session)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &receiver{s: s, path: row.path, sub: broker.Active, owner: owner, session: session}, nil
}

func (s *Store) MessageCounts(ctx context.Context, entity broker.Entity) (broker.Counts, error) {
	var out broker.Counts
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := s.receivable(ctx, tx, entity)
		if err != nil {
			return err
		}
		rows, err := s.query(ctx, tx, `
SELECT sub_queue, COUNT(*) FROM messages WHERE entity = ? GROUP BY sub_queue`, row.path)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				sub int
				n   int64
			)
			if err := rows.Scan(&sub, &n); err != nil {
				return err
			}
			if broker.SubQueue(sub) == broker.DeadLetter {
				out.DeadLetter = n
			} else {
				out.Active = n
			}
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) NewSender(ctx context.Context, entity broker.Entity) (broker.Sender, error) {
	if entity.IsSubscription() {
		return nil, fmt.Errorf("%s: %w", entity.Path(), broker.ErrSendToSubscription)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := s.loadEntity(ctx, tx, entity.Name)
		if err != nil {
			return err
		}
		if row.kind == kindSubscription {
			return fmt.Errorf("%s: %w", entity.Name, broker.ErrSendToSubscription)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sender{s: s, entity: entity}, nil
}

// DeadLetter moves the first unlocked active message with id into the
// dead-letter sub-queue of entity.
func (s *Store) DeadLetter(ctx context.Context, entity broker.Entity, id, reason string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := s.receivable(ctx, tx, entity)
		if err != nil {
			return err
		}
		if err := s.expireLocks(ctx, tx, row, s.now()); err != nil {
			return err
		}
		res, err := s.exec(ctx, tx, `
UPDATE messages SET sub_queue = 1, dead_letter_reason = ?
WHERE entity = ? AND seq = (
  SELECT MIN(seq) FROM messages
  WHERE entity = ? AND sub_queue = 0 AND id = ? AND lock_token IS NULL
)`, reason, row.path, row.path, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("message %q in %s: %w", id, row.path, broker.ErrEntityNotFound)
		}
		return nil
	})
	if err == nil {
		s.signal()
	}
	return err
}

func (s *Store) enqueue(ctx context.Context, entity broker.Entity, msgs []broker.OutgoingMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	for i := range msgs {
		if msgs[i].Size() > s.maxMessageSize {
			return fmt.Errorf("message %d (%d bytes): %w", i, msgs[i].Size(), broker.ErrMessageTooLarge)
		}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := s.loadEntity(ctx, tx, entity.Name)
		if err != nil {
			return err
		}
		var targets []entityRow
		switch row.kind {
		case kindQueue:
			targets = append(targets, row)
		case kindTopic:
			targets, err = s.subscriptionsOf(ctx, tx, row.path)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s: %w", entity.Name, broker.ErrSendToSubscription)
		}
		for _, t := range targets {
			if !t.requiresSession {
				continue
			}
			for i := range msgs {
				if msgs[i].SessionID == "" {
					return fmt.Errorf("%s: %w", t.path, broker.ErrMissingSessionID)
				}
			}
		}

		now := s.now().UnixNano()
		for _, m := range msgs {
			id := m.ID
			if id == "" {
				id = uuid.NewString()
			}
			props, err := marshalProperties(m.Properties)
			if err != nil {
				return err
			}
			for _, t := range targets {
				seq, err := s.nextSeq(ctx, tx, t.path)
				if err != nil {
					return err
				}
				if _, err := s.exec(ctx, tx, `
INSERT INTO messages(entity, seq, sub_queue, id, subject, content_type, correlation_id, session_id,
  enqueued_at, delivery_count, dead_letter_reason, body, properties_json)
VALUES (?, ?, 0, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
					t.path, seq, id, m.Subject, m.ContentType, m.CorrelationID, m.SessionID,
					now, nonNilBytes(m.Body), props); err != nil {
					return err
				}
				if m.SessionID != "" {
					if _, err := s.exec(ctx, tx, `
INSERT INTO sessions(entity, session_id, last_accepted) VALUES (?, ?, 0)
ON CONFLICT (entity, session_id) DO NOTHING`, t.path, m.SessionID); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.signal()
	return nil
}

func (s *Store) subscriptionsOf(ctx context.Context, tx *sql.Tx, topic string) ([]entityRow, error) {
	rows, err := s.query(ctx, tx, `
SELECT path FROM entities WHERE kind = ? AND topic = ? ORDER BY path`, kindSubscription, topic)
	if err != nil {
		return nil, err
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]entityRow, 0, len(paths))
	for _, p := range paths {
		row, err := s.loadEntity(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *Store) nextSeq(ctx context.Context, tx *sql.Tx, path string) (int64, error) {
	if _, err := s.exec(ctx, tx, `UPDATE entities SET next_seq = next_seq + 1 WHERE path = ?`, path); err != nil {
		return 0, err
	}
	var seq int64
	if err := s.queryRow(ctx, tx, `SELECT next_seq FROM entities WHERE path = ?`, path).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// expireLocks releases locks whose deadline passed. Active messages that
// reached the delivery limit are dead-lettered instead.
func (s *Store) expireLocks(ctx context.Context, tx *sql.Tx, row entityRow, now time.Time) error {
	if row.maxDeliveryCount > 0 {
		if _, err := s.exec(ctx, tx, `
UPDATE messages
SET sub_queue = 1, dead_letter_reason = ?, lock_token = NULL, locked_until = NULL, lock_owner = NULL
WHERE entity = ? AND sub_queue = 0 AND lock_token IS NOT NULL AND locked_until <= ?
  AND delivery_count >= ?`,
			broker.ReasonMaxDeliveryCountExceeded, row.path, now.UnixNano(), row.maxDeliveryCount); err != nil {
			return err
		}
	}
	_, err := s.exec(ctx, tx, `
UPDATE messages SET lock_token = NULL, locked_until = NULL, lock_owner = NULL
WHERE entity = ? AND lock_token IS NOT NULL AND locked_until <= ?`, row.path, now.UnixNano())
	return err
}

// release returns one locked message to availability, applying the
// delivery limit.
func (s *Store) release(ctx context.Context, tx *sql.Tx, row entityRow, seq int64, sub broker.SubQueue, deliveryCount int) error {
	if sub == broker.Active && row.maxDeliveryCount > 0 && deliveryCount >= row.maxDeliveryCount {
		_, err := s.exec(ctx, tx, `
UPDATE messages
SET sub_queue = 1, dead_letter_reason = ?, lock_token = NULL, locked_until = NULL, lock_owner = NULL
WHERE entity = ? AND seq = ?`, broker.ReasonMaxDeliveryCountExceeded, row.path, seq)
		return err
	}
	_, err := s.exec(ctx, tx, `
UPDATE messages SET lock_token = NULL, locked_until = NULL, lock_owner = NULL
WHERE entity = ? AND seq = ?`, row.path, seq)
	return err
}

const messageColumns = `seq, sub_queue, id, subject, content_type, correlation_id, session_id,
  enqueued_at, delivery_count, dead_letter_reason, body, properties_json`

func scanMessage(rows *sql.Rows) (broker.Message, error) {
	var (
		m        broker.Message
		sub      int
		enqueued int64
		props    sql.NullString
	)
	if err := rows.Scan(&m.SequenceNumber, &sub, &m.ID, &m.Subject, &m.ContentType, &m.CorrelationID,
		&m.SessionID, &enqueued, &m.DeliveryCount, &m.DeadLetterReason, &m.Body, &props); err != nil {
		return broker.Message{}, err
	}
	m.DeadLetter = broker.SubQueue(sub) == broker.DeadLetter
	m.EnqueuedAt = time.Unix(0, enqueued).UTC()
	m.Properties = unmarshalProperties(props)
	return m, nil
}

func marshalProperties(in map[string]any) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode application properties: %w", err)
	}
	return string(b), nil
}

func unmarshalProperties(in sql.NullString) map[string]any {
	if !in.Valid || strings.TrimSpace(in.String) == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(in.String), &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// dialect captures the differences between the sqlite and postgres backends.
type dialect struct {
	name       string
	numbered   bool   // $1 placeholders instead of ?
	lockSuffix string // row locking clause for candidate selects
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var out strings.Builder
	out.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			continue
		}
		out.WriteByte(query[i])
	}
	return out.String()
}
