package explorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nuetzliches/busdeck/internal/broker"
)

type ResubmitOptions struct {
	// KeepDeadLetter sends a copy and leaves the dead-letter original in
	// place.
	KeepDeadLetter bool
}

// ResubmitDeadLetterMessage moves the dead-letter message with id back into
// the active stream as a new message with the same body and metadata. For a
// subscription the copy is sent to its topic.
//
// If the original was removed but the send failed the error is a
// *PartialFailureError.
func (s *Service) ResubmitDeadLetterMessage(ctx context.Context, entity broker.Entity, id string, opts ResubmitOptions) (err error) {
	ctx, span := s.startSpan(ctx, "resubmit", entity,
		attribute.String("busdeck.message_id", id),
		attribute.Bool("busdeck.keep_dead_letter", opts.KeepDeadLetter))
	defer func() {
		span.SetAttributes(attribute.Bool("busdeck.partial_failure", IsPartialFailure(err)))
		endSpan(span, err)
	}()

	if err := entity.Validate(); err != nil {
		return err
	}
	if id == "" {
		return errors.New("message id is required")
	}
	target := broker.Entity{Name: entity.Name}
	b := s.Budgets()

	if opts.KeepDeadLetter {
		msg, found, err := s.findDeadLetter(ctx, entity, id, b)
		if err != nil {
			return fmt.Errorf("resubmit %s from %s: %w", id, entity, err)
		}
		if !found {
			return fmt.Errorf("resubmit %s from %s: %w", id, entity, ErrMessageNotFound)
		}
		if err := s.send(ctx, target, resubmitCopy(msg)); err != nil {
			return fmt.Errorf("resubmit %s from %s: %w", id, entity, err)
		}
		s.logResubmit(entity, id, true)
		return nil
	}

	res, err := s.scanAndResolve(ctx, entity, broker.DeadLetter, id, b)
	if err != nil {
		return fmt.Errorf("resubmit %s from %s: %w", id, entity, err)
	}
	if !res.Found {
		return fmt.Errorf("resubmit %s from %s: %w", id, entity, ErrMessageNotFound)
	}
	if err := s.send(ctx, target, resubmitCopy(res.Message)); err != nil {
		s.logger.Error("resubmit_partial_failure",
			slog.String("entity", entity.Path()),
			slog.String("message_id", id),
			slog.Any("err", err),
		)
		return &PartialFailureError{Entity: entity, MessageID: id, Err: err}
	}
	s.logResubmit(entity, id, false)
	return nil
}

func (s *Service) logResubmit(entity broker.Entity, id string, kept bool) {
	s.logger.Info("message_resubmitted",
		slog.String("entity", entity.Path()),
		slog.String("message_id", id),
		slog.Bool("kept_dead_letter", kept),
	)
}

// findDeadLetter peeks at most ScanAttempts*ScanBatchSize dead-letter
// messages looking for id. Nothing is locked or removed.
func (s *Service) findDeadLetter(ctx context.Context, entity broker.Entity, id string, b Budgets) (broker.Message, bool, error) {
	r, err := s.transport.OpenReceiver(ctx, entity, broker.DeadLetter)
	if err != nil {
		return broker.Message{}, false, err
	}
	defer func() { _ = r.Close(context.WithoutCancel(ctx)) }()

	var from int64
	for attempt := 0; attempt < b.ScanAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return broker.Message{}, false, err
		}
		msgs, err := r.PeekMessages(ctx, b.ScanBatchSize, from)
		if err != nil {
			return broker.Message{}, false, err
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			if m.ID == id {
				return m, true, nil
			}
		}
		from = msgs[len(msgs)-1].SequenceNumber + 1
	}
	return broker.Message{}, false, nil
}

// resubmitCopy keeps the stored body bytes as they are; they were encoded
// when first sent.
func resubmitCopy(m broker.Message) broker.OutgoingMessage {
	out, _ := OutgoingMessage{
		Body:          m.Body,
		ContentType:   m.ContentType,
		Subject:       m.Subject,
		CorrelationID: m.CorrelationID,
		SessionID:     m.SessionID,
		Properties:    m.Properties,
		Raw:           true,
	}.prepare()
	return out
}
