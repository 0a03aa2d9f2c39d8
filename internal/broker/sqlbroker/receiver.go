package sqlbroker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/busdeck/internal/broker"
)

type receiver struct {
	s       *Store
	path    string
	sub     broker.SubQueue
	owner   string
	session string
	closed  bool
}

func (r *receiver) SessionID() string { return r.session }

func (r *receiver) entity(ctx context.Context, tx *sql.Tx) (entityRow, error) {
	if r.closed {
		return entityRow{}, broker.ErrReceiverClosed
	}
	return r.s.loadEntity(ctx, tx, r.path)
}

func (r *receiver) ReceiveMessages(ctx context.Context, maxCount int, maxWait time.Duration) ([]*broker.ReceivedMessage, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	if maxWait < 0 {
		maxWait = 0
	}
	deadline := time.Now().Add(maxWait)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := r.receiveOnce(ctx, maxCount)
		if err != nil || len(out) > 0 || maxWait == 0 {
			return out, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		waitCh := r.s.waitCh()
		sleep := remaining
		if r.s.pollInterval > 0 && sleep > r.s.pollInterval {
			sleep = r.s.pollInterval
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-waitCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (r *receiver) receiveOnce(ctx context.Context, maxCount int) ([]*broker.ReceivedMessage, error) {
	var out []*broker.ReceivedMessage
	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := r.entity(ctx, tx)
		if err != nil {
			return err
		}
		now := r.s.now()
		if err := r.s.expireLocks(ctx, tx, row, now); err != nil {
			return err
		}
		if r.sub == broker.Active && row.requiresSession && r.session == "" {
			return fmt.Errorf("%s: %w", row.path, broker.ErrSessionRequired)
		}
		if r.session != "" {
			if err := r.renewSession(ctx, tx, row, now); err != nil {
				return err
			}
		}

		query := `SELECT ` + messageColumns + ` FROM messages
WHERE entity = ? AND sub_queue = ? AND lock_token IS NULL`
		args := []any{row.path, int(r.sub)}
		if r.session != "" {
			query += ` AND session_id = ?`
			args = append(args, r.session)
		}
		query += ` ORDER BY seq LIMIT ?` + r.s.dialect.lockSuffix
		args = append(args, maxCount)

		rows, err := r.s.query(ctx, tx, query, args...)
		if err != nil {
			return err
		}
		var msgs []broker.Message
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return err
			}
			msgs = append(msgs, m)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		lockedUntil := now.Add(row.lockDuration).UnixNano()
		for _, m := range msgs {
			token := uuid.NewString()
			if _, err := r.s.exec(ctx, tx, `
UPDATE messages
SET lock_token = ?, locked_until = ?, lock_owner = ?, delivery_count = delivery_count + 1
WHERE entity = ? AND seq = ?`, token, lockedUntil, r.owner, row.path, m.SequenceNumber); err != nil {
				return err
			}
			m.DeliveryCount++
			out = append(out, broker.NewReceivedMessage(m, token))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *receiver) renewSession(ctx context.Context, tx *sql.Tx, row entityRow, now time.Time) error {
	var (
		owner       sql.NullString
		lockedUntil sql.NullInt64
	)
	err := r.s.queryRow(ctx, tx, `
SELECT owner, locked_until FROM sessions WHERE entity = ? AND session_id = ?`,
		row.path, r.session).Scan(&owner, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %q: %w", r.session, broker.ErrLockLost)
		}
		return err
	}
	if owner.String != r.owner || !lockedUntil.Valid || lockedUntil.Int64 <= now.UnixNano() {
		return fmt.Errorf("session %q: %w", r.session, broker.ErrLockLost)
	}
	_, err = r.s.exec(ctx, tx, `
UPDATE sessions SET locked_until = ? WHERE entity = ? AND session_id = ?`,
		now.Add(row.lockDuration).UnixNano(), row.path, r.session)
	return err
}

func (r *receiver) PeekMessages(ctx context.Context, maxCount int, fromSequence int64) ([]broker.Message, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	out := make([]broker.Message, 0, maxCount)
	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := r.entity(ctx, tx)
		if err != nil {
			return err
		}
		query := `SELECT ` + messageColumns + ` FROM messages
WHERE entity = ? AND sub_queue = ? AND seq >= ?`
		args := []any{row.path, int(r.sub), fromSequence}
		if r.session != "" {
			query += ` AND session_id = ?`
			args = append(args, r.session)
		}
		query += ` ORDER BY seq LIMIT ?`
		args = append(args, maxCount)

		rows, err := r.s.query(ctx, tx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

type lockedRow struct {
	seq           int64
	sub           broker.SubQueue
	deliveryCount int
}

// withLock runs fn for the message locked by msg's token. Expired locks are
// released and reported as lost.
func (r *receiver) withLock(ctx context.Context, msg *broker.ReceivedMessage, fn func(tx *sql.Tx, row entityRow, lr lockedRow) error) error {
	token, _ := msg.Handle().(string)
	if token == "" {
		return broker.ErrLockLost
	}
	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := r.entity(ctx, tx)
		if err != nil {
			return err
		}
		var (
			lr          lockedRow
			sub         int
			owner       sql.NullString
			lockedUntil sql.NullInt64
		)
		err = r.s.queryRow(ctx, tx, `
SELECT seq, sub_queue, delivery_count, lock_owner, locked_until
FROM messages WHERE entity = ? AND lock_token = ?`, row.path, token).
			Scan(&lr.seq, &sub, &lr.deliveryCount, &owner, &lockedUntil)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return broker.ErrLockLost
			}
			return err
		}
		lr.sub = broker.SubQueue(sub)
		if owner.String != r.owner {
			return broker.ErrLockLost
		}
		if !lockedUntil.Valid || lockedUntil.Int64 <= r.s.now().UnixNano() {
			if err := r.s.release(ctx, tx, row, lr.seq, lr.sub, lr.deliveryCount); err != nil {
				return err
			}
			return keepOnError{err: broker.ErrLockLost}
		}
		return fn(tx, row, lr)
	})
	return err
}

func (r *receiver) Complete(ctx context.Context, msg *broker.ReceivedMessage) error {
	return r.withLock(ctx, msg, func(tx *sql.Tx, row entityRow, lr lockedRow) error {
		_, err := r.s.exec(ctx, tx, `DELETE FROM messages WHERE entity = ? AND seq = ?`, row.path, lr.seq)
		return err
	})
}

func (r *receiver) Abandon(ctx context.Context, msg *broker.ReceivedMessage) error {
	err := r.withLock(ctx, msg, func(tx *sql.Tx, row entityRow, lr lockedRow) error {
		return r.s.release(ctx, tx, row, lr.seq, lr.sub, lr.deliveryCount)
	})
	if err == nil {
		r.s.signal()
	}
	return err
}

func (r *receiver) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := r.s.loadEntity(ctx, tx, r.path)
		if err != nil {
			if errors.Is(err, broker.ErrEntityNotFound) {
				return nil
			}
			return err
		}
		rows, err := r.s.query(ctx, tx, `
SELECT seq, sub_queue, delivery_count FROM messages WHERE entity = ? AND lock_owner = ?`, row.path, r.owner)
		if err != nil {
			return err
		}
		var held []lockedRow
		for rows.Next() {
			var (
				lr  lockedRow
				sub int
			)
			if err := rows.Scan(&lr.seq, &sub, &lr.deliveryCount); err != nil {
				rows.Close()
				return err
			}
			lr.sub = broker.SubQueue(sub)
			held = append(held, lr)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		for _, lr := range held {
			if err := r.s.release(ctx, tx, row, lr.seq, lr.sub, lr.deliveryCount); err != nil {
				return err
			}
		}
		if r.session != "" {
			if _, err := r.s.exec(ctx, tx, `
UPDATE sessions SET owner = NULL, locked_until = NULL
WHERE entity = ? AND session_id = ? AND owner = ?`, row.path, r.session, r.owner); err != nil {
				return err
			}
		}
		return nil
	})
	r.s.signal()
	return err
}

type sender struct {
	s      *Store
	entity broker.Entity
}

func (s *sender) Send(ctx context.Context, msg broker.OutgoingMessage) error {
	return s.s.enqueue(ctx, s.entity, []broker.OutgoingMessage{msg})
}

func (s *sender) NewBatch(context.Context) (broker.Batch, error) {
	return broker.NewSizedBatch(s.s.maxMessageSize), nil
}

func (s *sender) SendBatch(ctx context.Context, batch broker.Batch) error {
	sb, ok := batch.(*broker.SizedBatch)
	if !ok {
		return fmt.Errorf("unsupported batch type %T", batch)
	}
	return s.s.enqueue(ctx, s.entity, sb.Messages())
}

func (s *sender) Close(context.Context) error { return nil }
