package explorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nuetzliches/busdeck/internal/broker"
)

// OutgoingMessage is a message as an operator writes it. Body is encoded
// according to ContentType unless Raw is set.
type OutgoingMessage struct {
	ID            string
	Body          []byte
	ContentType   string
	Subject       string
	CorrelationID string
	SessionID     string
	Properties    map[string]any
	Raw           bool
}

func (m OutgoingMessage) prepare() (broker.OutgoingMessage, error) {
	body := m.Body
	if !m.Raw {
		var err error
		if body, err = EncodeBody(m.ContentType, m.Body); err != nil {
			return broker.OutgoingMessage{}, err
		}
	}
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	return broker.OutgoingMessage{
		ID:            id,
		Body:          body,
		ContentType:   m.ContentType,
		Subject:       m.Subject,
		CorrelationID: m.CorrelationID,
		SessionID:     m.SessionID,
		Properties:    m.Properties,
	}, nil
}

func validateSendTarget(entity broker.Entity) error {
	if err := entity.Validate(); err != nil {
		return &InvalidTargetError{Entity: entity, Reason: err.Error(), Err: err}
	}
	if entity.IsSubscription() {
		return &InvalidTargetError{
			Entity: entity,
			Reason: "subscriptions are receive-only; send to topic " + entity.Name,
			Err:    broker.ErrSendToSubscription,
		}
	}
	return nil
}

// SendMessage sends one message to a queue or topic.
func (s *Service) SendMessage(ctx context.Context, entity broker.Entity, msg OutgoingMessage) (err error) {
	ctx, span := s.startSpan(ctx, "send", entity)
	defer func() { endSpan(span, err) }()

	if err := validateSendTarget(entity); err != nil {
		return err
	}
	out, err := msg.prepare()
	if err != nil {
		return err
	}
	if err := s.send(ctx, entity, out); err != nil {
		return err
	}
	s.logger.Info("message_sent",
		slog.String("entity", entity.Path()),
		slog.String("message_id", out.ID),
		slog.Int("bytes", len(out.Body)),
	)
	return nil
}

func (s *Service) send(ctx context.Context, entity broker.Entity, msg broker.OutgoingMessage) error {
	sender, err := s.transport.NewSender(ctx, entity)
	if err != nil {
		return s.sendError(entity, err)
	}
	defer func() { _ = sender.Close(context.WithoutCancel(ctx)) }()
	if err := sender.Send(ctx, msg); err != nil {
		return s.sendError(entity, err)
	}
	return nil
}

func (s *Service) sendError(entity broker.Entity, err error) error {
	switch {
	case errors.Is(err, broker.ErrSendToSubscription):
		return &InvalidTargetError{Entity: entity, Reason: "subscriptions are receive-only", Err: err}
	case errors.Is(err, broker.ErrMessageTooLarge):
		return &InvalidTargetError{Entity: entity, Reason: "message exceeds the broker's maximum size", Err: err}
	case errors.Is(err, broker.ErrMissingSessionID):
		return &InvalidTargetError{Entity: entity, Reason: "entity requires a session id on every message", Err: err}
	default:
		return fmt.Errorf("send to %s: %w", entity, err)
	}
}

// SendMessages packs msgs into size-limited batches, flushing whenever the
// next message does not fit. It returns how many messages were sent, which
// is also meaningful alongside an error.
func (s *Service) SendMessages(ctx context.Context, entity broker.Entity, msgs []OutgoingMessage) (sent int, err error) {
	ctx, span := s.startSpan(ctx, "send_batch", entity, attribute.Int("busdeck.messages", len(msgs)))
	defer func() {
		span.SetAttributes(attribute.Int("busdeck.sent", sent))
		endSpan(span, err)
	}()

	if err := validateSendTarget(entity); err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	prepared := make([]broker.OutgoingMessage, 0, len(msgs))
	for i, m := range msgs {
		out, err := m.prepare()
		if err != nil {
			return 0, fmt.Errorf("message %d: %w", i, err)
		}
		prepared = append(prepared, out)
	}

	sender, err := s.transport.NewSender(ctx, entity)
	if err != nil {
		return 0, s.sendError(entity, err)
	}
	defer func() { _ = sender.Close(context.WithoutCancel(ctx)) }()

	batch, err := sender.NewBatch(ctx)
	if err != nil {
		return 0, s.sendError(entity, err)
	}
	flushes := 0
	flush := func() error {
		n := batch.Len()
		if n == 0 {
			return nil
		}
		if err := sender.SendBatch(ctx, batch); err != nil {
			return s.sendError(entity, err)
		}
		sent += n
		flushes++
		return nil
	}

	for i, m := range prepared {
		ok, err := batch.TryAdd(m)
		if err != nil {
			return sent, s.sendError(entity, err)
		}
		if ok {
			continue
		}
		if err := flush(); err != nil {
			return sent, err
		}
		if batch, err = sender.NewBatch(ctx); err != nil {
			return sent, s.sendError(entity, err)
		}
		ok, err = batch.TryAdd(m)
		if err != nil {
			return sent, s.sendError(entity, err)
		}
		if !ok {
			return sent, &InvalidTargetError{
				Entity: entity,
				Reason: fmt.Sprintf("message %d (%s) does not fit in an empty batch", i, m.ID),
				Err:    broker.ErrMessageTooLarge,
			}
		}
	}
	if err := flush(); err != nil {
		return sent, err
	}

	s.logger.Info("messages_sent",
		slog.String("entity", entity.Path()),
		slog.Int("sent", sent),
		slog.Int("batches", flushes),
	)
	return sent, nil
}
