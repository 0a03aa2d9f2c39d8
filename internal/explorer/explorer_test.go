package explorer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuetzliches/busdeck/internal/broker"
)

func testBudgets() Budgets {
	return Budgets{
		ScanAttempts:         10,
		ScanBatchSize:        10,
		ActiveWait:           20 * time.Millisecond,
		DeadLetterWait:       20 * time.Millisecond,
		SessionAcceptTimeout: 100 * time.Millisecond,
		ScanMaxSessions:      5,
		PurgeBatchSize:       100,
		PurgeWait:            20 * time.Millisecond,
	}
}

func newTestBroker(t *testing.T, opts ...broker.MemoryOption) *broker.MemoryBroker {
	t.Helper()
	b := broker.NewMemoryBroker(opts...)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func newTestQueue(t *testing.T, b *broker.MemoryBroker, name string, opts broker.EntityOptions) broker.Entity {
	t.Helper()
	if err := b.CreateQueue(name, opts); err != nil {
		t.Fatalf("create queue %s: %v", name, err)
	}
	return broker.Entity{Name: name}
}

// seed sends n messages with ids prefix-000.. in order and returns the ids.
func seed(t *testing.T, tr broker.Transport, entity broker.Entity, prefix string, n int, session string) []string {
	t.Helper()
	ctx := context.Background()
	s, err := tr.NewSender(ctx, entity)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	defer s.Close(ctx)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%03d", prefix, i)
		if err := s.Send(ctx, broker.OutgoingMessage{
			ID:          id,
			Body:        []byte("body " + id),
			ContentType: "text/plain",
			SessionID:   session,
		}); err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func deadLetterAll(t *testing.T, b *broker.MemoryBroker, entity broker.Entity, ids []string) {
	t.Helper()
	for _, id := range ids {
		if err := b.DeadLetter(context.Background(), entity, id, "test"); err != nil {
			t.Fatalf("dead-letter %s: %v", id, err)
		}
	}
}

func mustCounts(t *testing.T, tr broker.Transport, entity broker.Entity) broker.Counts {
	t.Helper()
	c, err := tr.MessageCounts(context.Background(), entity)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	return c
}

// receivableNow reports how many messages of q can be locked immediately,
// then releases them again.
func receivableNow(t *testing.T, tr broker.Transport, entity broker.Entity, q broker.SubQueue) int {
	t.Helper()
	ctx := context.Background()
	r, err := tr.OpenReceiver(ctx, entity, q)
	if err != nil {
		t.Fatalf("open receiver: %v", err)
	}
	defer r.Close(ctx)
	msgs, err := r.ReceiveMessages(ctx, 1000, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	for _, m := range msgs {
		if err := r.Abandon(ctx, m); err != nil {
			t.Fatalf("abandon: %v", err)
		}
	}
	return len(msgs)
}

func peekIDs(t *testing.T, svc *Service, entity broker.Entity, q broker.SubQueue) []string {
	t.Helper()
	var (
		msgs []broker.Message
		err  error
	)
	if q == broker.DeadLetter {
		msgs, err = svc.PeekDeadLetterPage(context.Background(), entity, MaxPageSize)
	} else {
		msgs, err = svc.PeekPage(context.Background(), entity, MaxPageSize)
	}
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestBudgets_NormalizeFillsDefaults(t *testing.T) {
	got := Budgets{ScanAttempts: 3, PurgeMaxSessions: -1}.normalize()
	want := DefaultBudgets()
	want.ScanAttempts = 3
	if got != want {
		t.Fatalf("normalize: got %+v want %+v", got, want)
	}

	svc := New(broker.NewMemoryBroker())
	if svc.Budgets() != DefaultBudgets() {
		t.Fatalf("default budgets: got %+v", svc.Budgets())
	}
	svc.SetBudgets(Budgets{ScanBatchSize: 25})
	if svc.Budgets().ScanBatchSize != 25 || svc.Budgets().ScanAttempts != 10 {
		t.Fatalf("set budgets: got %+v", svc.Budgets())
	}
}

func TestDelete_FoundRemovesOnlyTarget(t *testing.T) {
	b := newTestBroker(t)
	q := newTestQueue(t, b, "orders", broker.EntityOptions{})
	seed(t, b, q, "m", 25, "")
	svc := New(b, WithBudgets(testBudgets()))

	res, err := svc.DeleteActiveMessage(context.Background(), q, "m-017")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !res.Found {
		t.Fatalf("expected found")
	}
	if res.Message.ID != "m-017" || string(res.Message.Body) != "body m-017" {
		t.Fatalf("unexpected removed message: %+v", res.Message)
	}
	if res.Batches != 2 || res.Scanned != 18 {
		t.Fatalf("batches=%d scanned=%d, want 2/18", res.Batches, res.Scanned)
	}

	ids := peekIDs(t, svc, q, broker.Active)
	if len(ids) != 24 || contains(ids, "m-017") {
		t.Fatalf("peek after delete: %v", ids)
	}
	if got := receivableNow(t, b, q, broker.Active); got != 24 {
		t.Fatalf("scanned messages should be released, receivable=%d", got)
	}
}

func TestDelete_NotFoundAfterExactBudget(t *testing.T) {
	b := newTestBroker(t)
	q := newTestQueue(t, b, "orders", broker.EntityOptions{})
	seed(t, b, q, "m", 150, "")
	svc := New(b, WithBudgets(testBudgets()))

	res, err := svc.DeleteActiveMessage(context.Background(), q, "missing")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Found {
		t.Fatalf("expected not found")
	}
	if res.Batches != 10 || res.Scanned != 100 {
		t.Fatalf("batches=%d scanned=%d, want 10/100", res.Batches, res.Scanned)
	}
	if got := len(peekIDs(t, svc, q, broker.Active)); got != 150 {
		t.Fatalf("peek count=%d, want 150", got)
	}
	if got := receivableNow(t, b, q, broker.Active); got != 150 {
		t.Fatalf("receivable=%d, want 150 (scanned messages abandoned)", got)
	}
}

func TestDelete_TargetBeyondBudgetIsNotFound(t *testing.T) {
	b := newTestBroker(t)
	q := newTestQueue(t, b, "orders", broker.EntityOptions{})
	seed(t, b, q, "m", 120, "")
	svc := New(b, WithBudgets(testBudgets()))

	res, err := svc.DeleteActiveMessage(context.Background(), q, "m-110")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Found {
		t.Fatalf("message past attempts*batch must not be found")
	}
	if got := mustCounts(t, b, q).Active; got != 120 {
		t.Fatalf("active=%d, want 120", got)
	}

	res, err = svc.DeleteActiveMessage(context.Background(), q, "m-099")
	if err != nil || !res.Found {
		t.Fatalf("last message inside budget: found=%v err=%v", res.Found, err)
	}
}

func TestDelete_NotFoundStopsWhenSubQueueEmpties(t *testing.T) {
	b := newTestBroker(t)
	q := newTestQueue(t, b, "orders", broker.EntityOptions{})
	seed(t, b, q, "m", 25, "")
	svc := New(b, WithBudgets(testBudgets()))

	res, err := svc.DeleteActiveMessage(context.Background(), q, "missing")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Found || res.Batches != 4 || res.Scanned != 25 {
		t.Fatalf("got %+v, want not found after 4 batches", res)
	}
	if got := receivableNow(t, b, q, broker.Active); got != 25 {
		t.Fatalf("receivable=%d, want 25", got)
	}
}

func TestDelete_DeadLetter(t *testing.T) {
	b := newTestBroker(t)
	q := newTestQueue(t, b, "orders", broker.EntityOptions{})
	ids := seed(t, b, q, "m", 5, "")
	deadLetterAll(t, b, q, ids[3:])
	svc := New(b, WithBudgets(testBudgets()))

	res, err := svc.DeleteDeadLetterMessage(context.Background(), q, "m-004")
	if err != nil || !res.Found {
		t.Fatalf("delete dead-letter: found=%v err=%v", res.Found, err)
	}
	if !res.Message.DeadLetter {
		t.Fatalf("removed message should carry the dead-letter flag")
	}
	if got := mustCounts(t, b, q); got.Active != 3 || got.DeadLetter != 1 {
		t.Fatalf("counts after delete: %+v", got)
	}

	res, err = svc.DeleteDeadLetterMessage(context.Background(), q, "m-000")
	if err != nil || res.Found {
		t.Fatalf("active message must not be found in dead-letter: found=%v err=%v", res.Found, err)
	}
}

func TestDelete_RejectsInvalidInput(t *testing.T) {
	svc := New(newTestBroker(t))
	if _, err := svc.DeleteActiveMessage(context.Background(), broker.Entity{}, "x"); err == nil {
		t.Fatalf("expected error for empty entity")
	}
	if _, err := svc.DeleteActiveMessage(context.Background(), broker.Entity{Name: "q"}, ""); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestDelete_UnknownEntityIsTransportError(t *testing.T) {
	svc := New(newTestBroker(t), WithBudgets(testBudgets()))
	_, err := svc.DeleteActiveMessage(context.Background(), broker.Entity{Name: "nope"}, "x")
	if !errors.Is(err, broker.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestPurge_DrainsToZeroAndReturnsPriorCount(t *testing.T) {
	b := newTestBroker(t)
	q := newTestQueue(t, b, "orders", broker.EntityOptions{})
	ids := seed(t, b, q, "m", 250, "")
	deadLetterAll(t, b, q, ids[230:])
	svc := New(b, WithBudgets(testBudgets()))

	before := mustCounts(t, b, q)
	n, err := svc.PurgeMessages(context.Background(), q, PurgeActiveOnly)
	if err != nil {
		t.Fatalf("purge active: %v", err)
	}
	if int64(n) != before.Active {
		t.Fatalf("purged=%d, want %d", n, before.Active)
	}
	if got := mustCounts(t, b, q); got.Active != 0 || got.DeadLetter != 20 {
		t.Fatalf("counts after active purge: %+v", got)
	}

	n, err = svc.PurgeMessages(context.Background(), q, PurgeAll)
	if err != nil {
		t.Fatalf("purge all: %v", err)
	}
	if n != 20 {
		t.Fatalf("purged=%d, want 20", n)
	}
	if got := mustCounts(t, b, q); got.Total() != 0 {
		t.Fatalf("counts after purge: %+v", got)
	}
}

func TestPurge_DeadLetterOnlyKeepsActive(t *testing.T) {
	b := newTestBroker(t)
	q := newTestQueue(t, b, "orders", broker.EntityOptions{})
	ids := seed(t, b, q, "m", 12, "")
	deadLetterAll(t, b, q, ids[:5])
	svc := New(b, WithBudgets(testBudgets()))

	n, err := svc.PurgeMessages(context.Background(), q, PurgeDeadLetterOnly)
	if err != nil || n != 5 {
		t.Fatalf("purge dead-letter: n=%d err=%v", n, err)
	}
	if got := mustCounts(t, b, q); got.Active != 7 || got.DeadLetter != 0 {
		t.Fatalf("counts: %+v", got)
	}
}

func TestParsePurgeOption(t *testing.T) {
	cases := map[string]PurgeOption{
		"":            PurgeAll,
		"all":         PurgeAll,
		"active":      PurgeActiveOnly,
		"dead_letter": PurgeDeadLetterOnly,
		"dlq":         PurgeDeadLetterOnly,
	}
	for in, want := range cases {
		got, err := ParsePurgeOption(in)
		if err != nil || got != want {
			t.Fatalf("ParsePurgeOption(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParsePurgeOption("everything"); err == nil {
		t.Fatalf("expected error for unknown option")
	}
}

func TestSessions_PurgeSumsAcrossSessions(t *testing.T) {
	const sessions, perSession = 4, 6
	b := newTestBroker(t)
	q := newTestQueue(t, b, "jobs", broker.EntityOptions{RequiresSession: true})
	for i := 0; i < sessions; i++ {
		seed(t, b, q, fmt.Sprintf("s%d", i), perSession, fmt.Sprintf("session-%d", i))
	}
	svc := New(b, WithBudgets(testBudgets()))

	n, err := svc.PurgeMessages(context.Background(), q, PurgeActiveOnly)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != sessions*perSession {
		t.Fatalf("purged=%d, want %d", n, sessions*perSession)
	}
	if got := mustCounts(t, b, q).Active; got != 0 {
		t.Fatalf("active after purge=%d", got)
	}
}

func TestSessions_NoSessionsTerminates(t *testing.T) {
	b := newTestBroker(t)
	q := newTestQueue(t, b, "jobs", broker.EntityOptions{RequiresSession: true})
	svc := New(b, WithBudgets(testBudgets()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := svc.PurgeMessages(ctx, q, PurgeActiveOnly)
	if err != nil || n != 0 {
		t.Fatalf("purge empty session queue: n=%d err=%v", n, err)
	}
	res, err := svc.DeleteActiveMessage(ctx, q, "x")
	if err != nil || res.Found {
		t.Fatalf("delete on empty session queue: %+v err=%v", res, err)
	}
}

func TestSessions_DeleteSweepsLaterSessions(t *testing.T) {
	b := newTestBroker(t)
	q := newTestQueue(t, b, "jobs", broker.EntityOptions{RequiresSession: true})
	for i := 0; i < 3; i++ {
		seed(t, b, q, fmt.Sprintf("s%d", i), 4, fmt.Sprintf("session-%d", i))
	}
	svc := New(b, WithBudgets(testBudgets()))

	res, err := svc.DeleteActiveMessage(context.Background(), q, "s2-001")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !res.Found {
		t.Fatalf("expected found in third session, got %+v", res)
	}
	if got := mustCounts(t, b, q).Active; got != 11 {
		t.Fatalf("active=%d, want 11", got)
	}

	res, err = svc.DeleteActiveMessage(context.Background(), q, "missing")
	if err != nil || res.Found {
		t.Fatalf("missing id: %+v err=%v", res, err)
	}
	if res.Scanned != 11 {
		t.Fatalf("each session should be visited once, scanned=%d", res.Scanned)
	}
}

func TestSessions_SessionBudgetCapsSweep(t *testing.T) {
	b := newTestBroker(t)
	q := newTestQueue(t, b, "jobs", broker.EntityOptions{RequiresSession: true})
	for i := 0; i < 4; i++ {
		seed(t, b, q, fmt.Sprintf("s%d", i), 2, fmt.Sprintf("session-%d", i))
	}
	budgets := testBudgets()
	budgets.PurgeMaxSessions = 2
	svc := New(b, WithBudgets(budgets))

	n, err := svc.PurgeMessages(context.Background(), q, PurgeActiveOnly)
	if err != nil || n != 4 {
		t.Fatalf("purge capped at 2 sessions: n=%d err=%v", n, err)
	}
}

// stallingTransport requires sessions but never hands one out.
type stallingTransport struct {
	broker.Transport
	accepts atomic.Int32
}

type sessionRequiredReceiver struct{ broker.Receiver }

func (sessionRequiredReceiver) ReceiveMessages(context.Context, int, time.Duration) ([]*broker.ReceivedMessage, error) {
	return nil, broker.ErrSessionRequired
}

func (sessionRequiredReceiver) Close(context.Context) error { return nil }

func (s *stallingTransport) OpenReceiver(context.Context, broker.Entity, broker.SubQueue) (broker.Receiver, error) {
	return sessionRequiredReceiver{}, nil
}

func (s *stallingTransport) AcceptNextSession(ctx context.Context, _ broker.Entity) (broker.Receiver, error) {
	s.accepts.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSessionDriver_AcceptTimeoutEndsSweep(t *testing.T) {
	tr := &stallingTransport{}
	svc := New(tr, WithBudgets(testBudgets()))

	start := time.Now()
	n, err := svc.PurgeMessages(context.Background(), broker.Entity{Name: "jobs"}, PurgeActiveOnly)
	if err != nil || n != 0 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("accept timeout not honoured, took %s", elapsed)
	}
	if got := tr.accepts.Load(); got != 1 {
		t.Fatalf("accepts=%d, want 1", got)
	}
}

func TestSessionDriver_CallerCancellationIsAnError(t *testing.T) {
	tr := &stallingTransport{}
	budgets := testBudgets()
	budgets.SessionAcceptTimeout = 5 * time.Second
	svc := New(tr, WithBudgets(budgets))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := svc.PurgeMessages(ctx, broker.Entity{Name: "jobs"}, PurgeActiveOnly)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline error, got %v", err)
	}
}

// repeatingSessionTransport hands out the same session on every accept.
// Receivers after the first fail to close.
type repeatingSessionTransport struct {
	broker.Transport
	accepts atomic.Int32
}

type stickySessionReceiver struct {
	broker.Receiver
	closeErr error
}

func (stickySessionReceiver) ReceiveMessages(context.Context, int, time.Duration) ([]*broker.ReceivedMessage, error) {
	return nil, nil
}

func (stickySessionReceiver) SessionID() string { return "s1" }

func (r stickySessionReceiver) Close(context.Context) error { return r.closeErr }

func (s *repeatingSessionTransport) OpenReceiver(context.Context, broker.Entity, broker.SubQueue) (broker.Receiver, error) {
	return sessionRequiredReceiver{}, nil
}

func (s *repeatingSessionTransport) AcceptNextSession(context.Context, broker.Entity) (broker.Receiver, error) {
	if s.accepts.Add(1) == 1 {
		return stickySessionReceiver{}, nil
	}
	return stickySessionReceiver{closeErr: errors.New("session lock already released")}, nil
}

func TestSessionDriver_RepeatedSessionCloseFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tr := &repeatingSessionTransport{}
	svc := New(tr, WithBudgets(testBudgets()), WithLogger(logger))

	n, err := svc.PurgeMessages(context.Background(), broker.Entity{Name: "jobs"}, PurgeActiveOnly)
	if err != nil || n != 0 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if got := tr.accepts.Load(); got != 2 {
		t.Fatalf("accepts=%d, want 2", got)
	}
	out := logs.String()
	for _, want := range []string{`"msg":"session_close_failed"`, `"session_id":"s1"`, "session lock already released"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %s:\n%s", want, out)
		}
	}
}
