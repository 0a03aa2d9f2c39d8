package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

type BreakerSettings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// BreakerTransport fails fast with ErrTransportUnavailable after repeated
// transport faults. Routing signals and caller cancellation do not count as
// failures.
type BreakerTransport struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

func WithBreaker(next Transport, settings BreakerSettings, logger *slog.Logger) *BreakerTransport {
	threshold := settings.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	timeout := settings.ResetTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				IsSignal(err) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("broker_breaker_state_changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return &BreakerTransport{next: next, cb: cb}
}

// Open reports whether calls are currently rejected.
func (t *BreakerTransport) Open() bool {
	return t.cb.State() == gobreaker.StateOpen
}

func (t *BreakerTransport) State() string {
	return t.cb.State().String()
}

func (t *BreakerTransport) Unwrap() Transport { return t.next }

func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	out, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

func executeErr(cb *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := execute(cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (t *BreakerTransport) OpenReceiver(ctx context.Context, entity Entity, subQueue SubQueue) (Receiver, error) {
	r, err := execute(t.cb, func() (Receiver, error) {
		return t.next.OpenReceiver(ctx, entity, subQueue)
	})
	if err != nil {
		return nil, err
	}
	return &breakerReceiver{next: r, cb: t.cb}, nil
}

func (t *BreakerTransport) AcceptNextSession(ctx context.Context, entity Entity) (Receiver, error) {
	r, err := execute(t.cb, func() (Receiver, error) {
		return t.next.AcceptNextSession(ctx, entity)
	})
	if err != nil {
		return nil, err
	}
	return &breakerReceiver{next: r, cb: t.cb}, nil
}

func (t *BreakerTransport) MessageCounts(ctx context.Context, entity Entity) (Counts, error) {
	return execute(t.cb, func() (Counts, error) {
		return t.next.MessageCounts(ctx, entity)
	})
}

func (t *BreakerTransport) NewSender(ctx context.Context, entity Entity) (Sender, error) {
	s, err := execute(t.cb, func() (Sender, error) {
		return t.next.NewSender(ctx, entity)
	})
	if err != nil {
		return nil, err
	}
	return &breakerSender{next: s, cb: t.cb}, nil
}

func (t *BreakerTransport) Close(ctx context.Context) error {
	return t.next.Close(ctx)
}

type breakerReceiver struct {
	next Receiver
	cb   *gobreaker.CircuitBreaker
}

func (r *breakerReceiver) ReceiveMessages(ctx context.Context, maxCount int, maxWait time.Duration) ([]*ReceivedMessage, error) {
	return execute(r.cb, func() ([]*ReceivedMessage, error) {
		return r.next.ReceiveMessages(ctx, maxCount, maxWait)
	})
}

func (r *breakerReceiver) PeekMessages(ctx context.Context, maxCount int, fromSequence int64) ([]Message, error) {
	return execute(r.cb, func() ([]Message, error) {
		return r.next.PeekMessages(ctx, maxCount, fromSequence)
	})
}

func (r *breakerReceiver) Complete(ctx context.Context, msg *ReceivedMessage) error {
	return executeErr(r.cb, func() error { return r.next.Complete(ctx, msg) })
}

func (r *breakerReceiver) Abandon(ctx context.Context, msg *ReceivedMessage) error {
	return executeErr(r.cb, func() error { return r.next.Abandon(ctx, msg) })
}

func (r *breakerReceiver) SessionID() string { return r.next.SessionID() }

// Close always reaches the underlying receiver so locks are released even
// while the breaker is open.
func (r *breakerReceiver) Close(ctx context.Context) error { return r.next.Close(ctx) }

type breakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

func (s *breakerSender) Send(ctx context.Context, msg OutgoingMessage) error {
	return executeErr(s.cb, func() error { return s.next.Send(ctx, msg) })
}

func (s *breakerSender) NewBatch(ctx context.Context) (Batch, error) {
	return execute(s.cb, func() (Batch, error) { return s.next.NewBatch(ctx) })
}

func (s *breakerSender) SendBatch(ctx context.Context, batch Batch) error {
	return executeErr(s.cb, func() error { return s.next.SendBatch(ctx, batch) })
}

func (s *breakerSender) Close(ctx context.Context) error { return s.next.Close(ctx) }
