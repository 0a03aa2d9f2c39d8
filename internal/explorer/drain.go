package explorer

import (
	"context"
	"time"

	"github.com/nuetzliches/busdeck/internal/broker"
)

// bulkDrain completes every message in q until a receive comes back empty.
// Session entities are drained session by session and the counts summed.
func (s *Service) bulkDrain(ctx context.Context, entity broker.Entity, q broker.SubQueue, b Budgets) (int, error) {
	total := 0
	op := func(ctx context.Context, r broker.Receiver) (bool, error) {
		n, err := drainScope(ctx, r, b.PurgeBatchSize, b.PurgeWait)
		total += n
		return false, err
	}
	err := s.newDriver(entity, q, b.SessionAcceptTimeout, b.PurgeMaxSessions).run(ctx, op)
	return total, err
}

func drainScope(ctx context.Context, r broker.Receiver, batchSize int, wait time.Duration) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		batch, err := r.ReceiveMessages(ctx, batchSize, wait)
		if err != nil {
			return n, err
		}
		if len(batch) == 0 {
			return n, nil
		}
		for _, msg := range batch {
			if err := r.Complete(ctx, msg); err != nil {
				return n, err
			}
			n++
		}
	}
}
