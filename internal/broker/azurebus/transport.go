// Package azurebus maps the broker.Transport contract onto Azure Service Bus.
package azurebus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"

	"github.com/nuetzliches/busdeck/internal/broker"
)

// Credentials selects how the namespace is reached: a connection string,
// or a fully qualified namespace with the default Azure token chain.
type Credentials struct {
	ConnectionString string
	Namespace        string
}

type Transport struct {
	client *azservicebus.Client
	admin  *admin.Client
}

var _ broker.Transport = (*Transport)(nil)

func New(creds Credentials) (*Transport, error) {
	if cs := strings.TrimSpace(creds.ConnectionString); cs != "" {
		client, err := azservicebus.NewClientFromConnectionString(cs, nil)
		if err != nil {
			return nil, fmt.Errorf("azure: client: %w", err)
		}
		adminClient, err := admin.NewClientFromConnectionString(cs, nil)
		if err != nil {
			return nil, fmt.Errorf("azure: admin client: %w", err)
		}
		return &Transport{client: client, admin: adminClient}, nil
	}

	ns := strings.TrimSpace(creds.Namespace)
	if ns == "" {
		return nil, errors.New("azure: connection string or namespace is required")
	}
	if !strings.Contains(ns, ".") {
		ns += ".servicebus.windows.net"
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure: credential: %w", err)
	}
	client, err := azservicebus.NewClient(ns, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: client: %w", err)
	}
	adminClient, err := admin.NewClient(ns, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: admin client: %w", err)
	}
	return &Transport{client: client, admin: adminClient}, nil
}

func (t *Transport) Close(ctx context.Context) error {
	return t.client.Close(ctx)
}

func (t *Transport) OpenReceiver(_ context.Context, entity broker.Entity, subQueue broker.SubQueue) (broker.Receiver, error) {
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	opts := &azservicebus.ReceiverOptions{ReceiveMode: azservicebus.ReceiveModePeekLock}
	if subQueue == broker.DeadLetter {
		opts.SubQueue = azservicebus.SubQueueDeadLetter
	}
	var (
		r   *azservicebus.Receiver
		err error
	)
	if entity.IsSubscription() {
		r, err = t.client.NewReceiverForSubscription(entity.Name, entity.Subscription, opts)
	} else {
		r, err = t.client.NewReceiverForQueue(entity.Name, opts)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &receiver{r: r, sub: subQueue}, nil
}

func (t *Transport) AcceptNextSession(ctx context.Context, entity broker.Entity) (broker.Receiver, error) {
	opts := &azservicebus.SessionReceiverOptions{ReceiveMode: azservicebus.ReceiveModePeekLock}
	var (
		r   *azservicebus.SessionReceiver
		err error
	)
	if entity.IsSubscription() {
		r, err = t.client.AcceptNextSessionForSubscription(ctx, entity.Name, entity.Subscription, opts)
	} else {
		r, err = t.client.AcceptNextSessionForQueue(ctx, entity.Name, opts)
	}
	if err != nil {
		if isNoSession(err) {
			return nil, broker.ErrNoSessionAvailable
		}
		return nil, mapError(err)
	}
	return &sessionReceiver{r: r}, nil
}

func (t *Transport) MessageCounts(ctx context.Context, entity broker.Entity) (broker.Counts, error) {
	if entity.IsSubscription() {
		resp, err := t.admin.GetSubscriptionRuntimeProperties(ctx, entity.Name, entity.Subscription, nil)
		if err != nil {
			return broker.Counts{}, mapError(err)
		}
		if resp == nil {
			return broker.Counts{}, fmt.Errorf("%s: %w", entity.Path(), broker.ErrEntityNotFound)
		}
		return broker.Counts{
			Active:     int64(resp.ActiveMessageCount),
			DeadLetter: int64(resp.DeadLetterMessageCount),
		}, nil
	}

	resp, err := t.admin.GetQueueRuntimeProperties(ctx, entity.Name, nil)
	if err != nil {
		return broker.Counts{}, mapError(err)
	}
	if resp == nil {
		if topic, terr := t.admin.GetTopic(ctx, entity.Name, nil); terr == nil && topic != nil {
			return broker.Counts{}, fmt.Errorf("%s: %w", entity.Path(), broker.ErrTopicNotReceivable)
		}
		return broker.Counts{}, fmt.Errorf("%s: %w", entity.Path(), broker.ErrEntityNotFound)
	}
	return broker.Counts{
		Active:     int64(resp.ActiveMessageCount),
		DeadLetter: int64(resp.DeadLetterMessageCount),
	}, nil
}

func (t *Transport) NewSender(_ context.Context, entity broker.Entity) (broker.Sender, error) {
	if entity.IsSubscription() {
		return nil, fmt.Errorf("%s: %w", entity.Path(), broker.ErrSendToSubscription)
	}
	s, err := t.client.NewSender(entity.Name, nil)
	if err != nil {
		return nil, mapError(err)
	}
	return &sender{s: s}, nil
}

// isNoSession reports whether the service answered an accept with its own
// timeout. Context expiry is returned as is: only the caller knows whether
// it was the accept window or its own deadline.
func isNoSession(err error) bool {
	var sbErr *azservicebus.Error
	return errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout
}

// mapError converts service errors that carry routing meaning into the
// broker sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		switch sbErr.Code {
		case azservicebus.CodeNotFound:
			return fmt.Errorf("%w: %v", broker.ErrEntityNotFound, err)
		case azservicebus.CodeLockLost:
			return fmt.Errorf("%w: %v", broker.ErrLockLost, err)
		}
	}
	if errors.Is(err, azservicebus.ErrMessageTooLarge) {
		return fmt.Errorf("%w: %v", broker.ErrMessageTooLarge, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "session") && strings.Contains(msg, "require") {
		return fmt.Errorf("%w: %v", broker.ErrSessionRequired, err)
	}
	return err
}

func toMessage(m *azservicebus.ReceivedMessage, sub broker.SubQueue) broker.Message {
	out := broker.Message{
		ID:            m.MessageID,
		Body:          m.Body,
		DeliveryCount: int(m.DeliveryCount),
		DeadLetter:    sub == broker.DeadLetter,
		Properties:    m.ApplicationProperties,
	}
	if m.Subject != nil {
		out.Subject = *m.Subject
	}
	if m.ContentType != nil {
		out.ContentType = *m.ContentType
	}
	if m.CorrelationID != nil {
		out.CorrelationID = *m.CorrelationID
	}
	if m.SessionID != nil {
		out.SessionID = *m.SessionID
	}
	if m.EnqueuedTime != nil {
		out.EnqueuedAt = m.EnqueuedTime.UTC()
	}
	if m.SequenceNumber != nil {
		out.SequenceNumber = *m.SequenceNumber
	}
	if m.DeadLetterReason != nil {
		out.DeadLetterReason = *m.DeadLetterReason
	}
	return out
}

func toAzureMessage(m broker.OutgoingMessage) *azservicebus.Message {
	out := &azservicebus.Message{
		Body:                  m.Body,
		ApplicationProperties: m.Properties,
	}
	if m.ID != "" {
		out.MessageID = &m.ID
	}
	if m.ContentType != "" {
		out.ContentType = &m.ContentType
	}
	if m.Subject != "" {
		out.Subject = &m.Subject
	}
	if m.CorrelationID != "" {
		out.CorrelationID = &m.CorrelationID
	}
	if m.SessionID != "" {
		out.SessionID = &m.SessionID
	}
	return out
}

// lockReceiver is the subset shared by queue, subscription and session
// receivers.
type lockReceiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	PeekMessages(ctx context.Context, maxMessageCount int, options *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	Close(ctx context.Context) error
}

type lockScope struct {
	r   lockReceiver
	sub broker.SubQueue
}

func (s lockScope) receive(ctx context.Context, maxCount int, maxWait time.Duration) ([]*broker.ReceivedMessage, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	msgs, err := s.r.ReceiveMessages(waitCtx, maxCount, nil)
	if err != nil {
		// The wait window elapsing is an empty batch, not a failure.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, mapError(err)
	}
	out := make([]*broker.ReceivedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, broker.NewReceivedMessage(toMessage(m, s.sub), m))
	}
	return out, nil
}

func (s lockScope) peek(ctx context.Context, maxCount int, fromSequence int64) ([]broker.Message, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	var opts *azservicebus.PeekMessagesOptions
	if fromSequence > 0 {
		opts = &azservicebus.PeekMessagesOptions{FromSequenceNumber: &fromSequence}
	}
	msgs, err := s.r.PeekMessages(ctx, maxCount, opts)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]broker.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m, s.sub))
	}
	return out, nil
}

func handleOf(msg *broker.ReceivedMessage) (*azservicebus.ReceivedMessage, error) {
	m, ok := msg.Handle().(*azservicebus.ReceivedMessage)
	if !ok || m == nil {
		return nil, broker.ErrLockLost
	}
	return m, nil
}

func (s lockScope) complete(ctx context.Context, msg *broker.ReceivedMessage) error {
	m, err := handleOf(msg)
	if err != nil {
		return err
	}
	return mapError(s.r.CompleteMessage(ctx, m, nil))
}

func (s lockScope) abandon(ctx context.Context, msg *broker.ReceivedMessage) error {
	m, err := handleOf(msg)
	if err != nil {
		return err
	}
	return mapError(s.r.AbandonMessage(ctx, m, nil))
}

type receiver struct {
	r   *azservicebus.Receiver
	sub broker.SubQueue
}

func (r *receiver) scope() lockScope { return lockScope{r: r.r, sub: r.sub} }

func (r *receiver) ReceiveMessages(ctx context.Context, maxCount int, maxWait time.Duration) ([]*broker.ReceivedMessage, error) {
	return r.scope().receive(ctx, maxCount, maxWait)
}

func (r *receiver) PeekMessages(ctx context.Context, maxCount int, fromSequence int64) ([]broker.Message, error) {
	return r.scope().peek(ctx, maxCount, fromSequence)
}

func (r *receiver) Complete(ctx context.Context, msg *broker.ReceivedMessage) error {
	return r.scope().complete(ctx, msg)
}

func (r *receiver) Abandon(ctx context.Context, msg *broker.ReceivedMessage) error {
	return r.scope().abandon(ctx, msg)
}

func (r *receiver) SessionID() string { return "" }

func (r *receiver) Close(ctx context.Context) error { return r.r.Close(ctx) }

type sessionReceiver struct {
	r *azservicebus.SessionReceiver
}

func (r *sessionReceiver) scope() lockScope { return lockScope{r: r.r, sub: broker.Active} }

func (r *sessionReceiver) ReceiveMessages(ctx context.Context, maxCount int, maxWait time.Duration) ([]*broker.ReceivedMessage, error) {
	return r.scope().receive(ctx, maxCount, maxWait)
}

func (r *sessionReceiver) PeekMessages(ctx context.Context, maxCount int, fromSequence int64) ([]broker.Message, error) {
	return r.scope().peek(ctx, maxCount, fromSequence)
}

func (r *sessionReceiver) Complete(ctx context.Context, msg *broker.ReceivedMessage) error {
	return r.scope().complete(ctx, msg)
}

func (r *sessionReceiver) Abandon(ctx context.Context, msg *broker.ReceivedMessage) error {
	return r.scope().abandon(ctx, msg)
}

func (r *sessionReceiver) SessionID() string { return r.r.SessionID() }

func (r *sessionReceiver) Close(ctx context.Context) error { return r.r.Close(ctx) }

type sender struct {
	s *azservicebus.Sender
}

func (s *sender) Send(ctx context.Context, msg broker.OutgoingMessage) error {
	return mapError(s.s.SendMessage(ctx, toAzureMessage(msg), nil))
}

func (s *sender) NewBatch(ctx context.Context) (broker.Batch, error) {
	b, err := s.s.NewMessageBatch(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	return &batch{b: b}, nil
}

func (s *sender) SendBatch(ctx context.Context, b broker.Batch) error {
	ab, ok := b.(*batch)
	if !ok {
		return fmt.Errorf("unsupported batch type %T", b)
	}
	return mapError(s.s.SendMessageBatch(ctx, ab.b, nil))
}

func (s *sender) Close(ctx context.Context) error { return s.s.Close(ctx) }

type batch struct {
	b *azservicebus.MessageBatch
}

func (b *batch) TryAdd(msg broker.OutgoingMessage) (bool, error) {
	err := b.b.AddMessage(toAzureMessage(msg), nil)
	if errors.Is(err, azservicebus.ErrMessageTooLarge) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *batch) Len() int { return int(b.b.NumMessages()) }
