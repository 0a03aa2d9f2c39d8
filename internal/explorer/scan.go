package explorer

import (
	"context"
	"log/slog"
	"time"

	"github.com/nuetzliches/busdeck/internal/broker"
)

type ScanResult struct {
	Found bool
	// Message is the removed message when Found.
	Message broker.Message
	// Batches counts receive calls, including a final empty one.
	Batches int
	// Scanned counts messages compared against the target id.
	Scanned int
}

// scanAndResolve completes the message with id in q, pulling at most
// ScanAttempts batches per consumption scope.
func (s *Service) scanAndResolve(ctx context.Context, entity broker.Entity, q broker.SubQueue, id string, b Budgets) (ScanResult, error) {
	var res ScanResult
	wait := b.waitFor(q)
	op := func(ctx context.Context, r broker.Receiver) (bool, error) {
		return s.scanScope(ctx, r, id, b.ScanAttempts, b.ScanBatchSize, wait, &res)
	}
	err := s.newDriver(entity, q, b.SessionAcceptTimeout, b.ScanMaxSessions).run(ctx, op)
	return res, err
}

// scanScope scans one receiver. Mismatched messages stay locked until the
// scope ends so that every batch advances past the previous one; they are
// all abandoned before returning.
func (s *Service) scanScope(ctx context.Context, r broker.Receiver, id string, attempts, batchSize int, wait time.Duration, res *ScanResult) (bool, error) {
	var held []*broker.ReceivedMessage
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		for _, msg := range held {
			if err := r.Abandon(releaseCtx, msg); err != nil {
				s.logger.Warn("message_abandon_failed",
					slog.String("message_id", msg.ID),
					slog.Any("err", err),
				)
			}
		}
	}()

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		batch, err := r.ReceiveMessages(ctx, batchSize, wait)
		if err != nil {
			return false, err
		}
		res.Batches++
		if len(batch) == 0 {
			return false, nil
		}
		for i, msg := range batch {
			res.Scanned++
			if msg.ID != id {
				held = append(held, msg)
				continue
			}
			held = append(held, batch[i+1:]...)
			if err := r.Complete(ctx, msg); err != nil {
				return false, err
			}
			res.Found = true
			res.Message = msg.Message
			return true, nil
		}
	}
	return false, nil
}
