package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type faultyTransport struct {
	Transport
	calls int
	err   error
}

func (f *faultyTransport) MessageCounts(ctx context.Context, e Entity) (Counts, error) {
	f.calls++
	if f.err != nil {
		return Counts{}, f.err
	}
	return f.Transport.MessageCounts(ctx, e)
}

func newBreakerFixture(t *testing.T) (*faultyTransport, *BreakerTransport) {
	t.Helper()
	mem := NewMemoryBroker()
	if err := mem.CreateQueue("orders", EntityOptions{}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	f := &faultyTransport{Transport: mem}
	return f, WithBreaker(f, BreakerSettings{FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond}, nil)
}

func TestBreaker_OpensAfterConsecutiveFaults(t *testing.T) {
	ctx := context.Background()
	f, b := newBreakerFixture(t)
	orders := Entity{Name: "orders"}

	f.err = errors.New("connection reset")
	for i := 0; i < 2; i++ {
		if _, err := b.MessageCounts(ctx, orders); err == nil || errors.Is(err, ErrTransportUnavailable) {
			t.Fatalf("call %d: err=%v, want raw transport fault", i, err)
		}
	}
	if !b.Open() || b.State() != "open" {
		t.Fatalf("state=%s, want open", b.State())
	}

	_, err := b.MessageCounts(ctx, orders)
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("err=%v, want ErrTransportUnavailable", err)
	}
	if f.calls != 2 {
		t.Fatalf("open breaker reached transport: calls=%d", f.calls)
	}

	f.err = nil
	time.Sleep(80 * time.Millisecond)
	if b.State() != "half-open" {
		t.Fatalf("state=%s, want half-open", b.State())
	}
	if _, err := b.MessageCounts(ctx, orders); err != nil {
		t.Fatalf("half-open call: %v", err)
	}
	if b.State() != "closed" {
		t.Fatalf("state=%s, want closed", b.State())
	}
}

func TestBreaker_SignalsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	f, b := newBreakerFixture(t)

	f.err = ErrEntityNotFound
	for i := 0; i < 5; i++ {
		if _, err := b.MessageCounts(ctx, Entity{Name: "orders"}); !errors.Is(err, ErrEntityNotFound) {
			t.Fatalf("err=%v", err)
		}
	}
	f.err = context.Canceled
	for i := 0; i < 5; i++ {
		_, _ = b.MessageCounts(ctx, Entity{Name: "orders"})
	}
	if b.State() != "closed" {
		t.Fatalf("state=%s, want closed", b.State())
	}
}

func TestBreaker_WrapsReceiversAndSenders(t *testing.T) {
	ctx := context.Background()
	_, b := newBreakerFixture(t)
	orders := Entity{Name: "orders"}

	s, err := b.NewSender(ctx, orders)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	if err := s.Send(ctx, OutgoingMessage{ID: "m1", Body: []byte("x")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	r, err := b.OpenReceiver(ctx, orders, Active)
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}
	defer r.Close(ctx)
	got, err := r.PeekMessages(ctx, 10, 0)
	if err != nil || len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("peek=%+v err=%v", got, err)
	}
	if b.Unwrap() == nil {
		t.Fatalf("Unwrap returned nil")
	}
}
