package azurebus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/nuetzliches/busdeck/internal/broker"
)

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(Credentials{}); err == nil {
		t.Fatalf("expected error without credentials")
	}
	if _, err := New(Credentials{ConnectionString: "not-a-connection-string"}); err == nil {
		t.Fatalf("expected error for malformed connection string")
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{name: "nil"},
		{name: "too_large", in: fmt.Errorf("send: %w", azservicebus.ErrMessageTooLarge), want: broker.ErrMessageTooLarge},
		{name: "session_required", in: errors.New("It is not possible for an entity that requires sessions to create a non-sessionful message receiver"), want: broker.ErrSessionRequired},
		{name: "passthrough", in: errors.New("amqp: connection reset")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := mapError(tc.in)
			if tc.in == nil {
				if got != nil {
					t.Fatalf("mapError(nil)=%v", got)
				}
				return
			}
			if tc.want == nil {
				if got != tc.in {
					t.Fatalf("got %v, want passthrough", got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsNoSession(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()
	// Deadline expiry stays a context error so the session driver can tell
	// the accept window apart from the caller's own deadline.
	if isNoSession(expired.Err()) || isNoSession(fmt.Errorf("accept: %w", context.DeadlineExceeded)) {
		t.Fatalf("context deadline must not read as no session")
	}
	if isNoSession(errors.New("boom")) || isNoSession(nil) {
		t.Fatalf("unrelated error treated as no session")
	}
}

func TestMessageConversion(t *testing.T) {
	subject, ct, sid, reason := "s", "text/plain", "cart-1", "poison"
	seq := int64(42)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	in := &azservicebus.ReceivedMessage{
		MessageID:             "m1",
		Body:                  []byte("hi"),
		Subject:               &subject,
		ContentType:           &ct,
		SessionID:             &sid,
		SequenceNumber:        &seq,
		EnqueuedTime:          &at,
		DeadLetterReason:      &reason,
		DeliveryCount:         3,
		ApplicationProperties: map[string]any{"k": "v"},
	}
	got := toMessage(in, broker.DeadLetter)
	if got.ID != "m1" || got.Subject != "s" || got.SessionID != "cart-1" || got.SequenceNumber != 42 ||
		got.DeliveryCount != 3 || got.DeadLetterReason != "poison" || !got.DeadLetter || got.Properties["k"] != "v" {
		t.Fatalf("toMessage=%+v", got)
	}
	if got.EnqueuedAt.Location() != time.UTC || !got.EnqueuedAt.Equal(at) {
		t.Fatalf("enqueued=%v", got.EnqueuedAt)
	}

	out := toAzureMessage(broker.OutgoingMessage{ID: "o1", Body: []byte("b"), SessionID: "cart-2"})
	if out.MessageID == nil || *out.MessageID != "o1" || out.SessionID == nil || *out.SessionID != "cart-2" {
		t.Fatalf("toAzureMessage=%+v", out)
	}
	if out.Subject != nil || out.ContentType != nil || out.CorrelationID != nil {
		t.Fatalf("empty fields must stay unset: %+v", out)
	}
}

type fakeLockReceiver struct {
	receiveErr error
	peekOpts   *azservicebus.PeekMessagesOptions
	msgs       []*azservicebus.ReceivedMessage
	completed  int
}

func (f *fakeLockReceiver) ReceiveMessages(ctx context.Context, _ int, _ *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	if f.receiveErr != nil {
		<-ctx.Done()
		return nil, f.receiveErr
	}
	return f.msgs, nil
}

func (f *fakeLockReceiver) PeekMessages(_ context.Context, _ int, opts *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	f.peekOpts = opts
	return f.msgs, nil
}

func (f *fakeLockReceiver) CompleteMessage(context.Context, *azservicebus.ReceivedMessage, *azservicebus.CompleteMessageOptions) error {
	f.completed++
	return nil
}

func (f *fakeLockReceiver) AbandonMessage(context.Context, *azservicebus.ReceivedMessage, *azservicebus.AbandonMessageOptions) error {
	return nil
}

func (f *fakeLockReceiver) Close(context.Context) error { return nil }

func TestLockScope(t *testing.T) {
	ctx := context.Background()

	f := &fakeLockReceiver{receiveErr: context.DeadlineExceeded}
	got, err := lockScope{r: f}.receive(ctx, 10, 10*time.Millisecond)
	if err != nil || len(got) != 0 {
		t.Fatalf("elapsed wait: got=%v err=%v", got, err)
	}

	f = &fakeLockReceiver{msgs: []*azservicebus.ReceivedMessage{{MessageID: "m1"}}}
	scope := lockScope{r: f, sub: broker.Active}
	received, err := scope.receive(ctx, 10, time.Second)
	if err != nil || len(received) != 1 || received[0].ID != "m1" {
		t.Fatalf("receive=%v err=%v", received, err)
	}
	if err := scope.complete(ctx, received[0]); err != nil || f.completed != 1 {
		t.Fatalf("complete err=%v completed=%d", err, f.completed)
	}
	foreign := broker.NewReceivedMessage(broker.Message{ID: "x"}, "not-an-azure-handle")
	if err := scope.complete(ctx, foreign); !errors.Is(err, broker.ErrLockLost) {
		t.Fatalf("foreign handle err=%v", err)
	}

	if _, err := scope.peek(ctx, 5, 0); err != nil || f.peekOpts != nil {
		t.Fatalf("peek from start: opts=%+v err=%v", f.peekOpts, err)
	}
	if _, err := scope.peek(ctx, 5, 17); err != nil || f.peekOpts == nil || *f.peekOpts.FromSequenceNumber != 17 {
		t.Fatalf("peek from 17: opts=%+v err=%v", f.peekOpts, err)
	}
}
