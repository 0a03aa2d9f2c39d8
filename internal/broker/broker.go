package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrSessionRequired      = errors.New("entity requires session-scoped consumption")
	ErrNoSessionAvailable   = errors.New("no session available")
	ErrEntityNotFound       = errors.New("entity not found")
	ErrTopicNotReceivable   = errors.New("topic has no sub-queues; address one of its subscriptions")
	ErrSendToSubscription   = errors.New("subscriptions are receive-only; send to the parent topic")
	ErrMessageTooLarge      = errors.New("message exceeds maximum size")
	ErrMissingSessionID     = errors.New("entity requires a session id on every message")
	ErrLockLost             = errors.New("message lock lost")
	ErrReceiverClosed       = errors.New("receiver closed")
	ErrTransportUnavailable = errors.New("transport unavailable")
)

// IsSignal reports whether err is one of the routing signals that describe
// broker state rather than a transport fault.
func IsSignal(err error) bool {
	return errors.Is(err, ErrSessionRequired) ||
		errors.Is(err, ErrNoSessionAvailable) ||
		errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrTopicNotReceivable) ||
		errors.Is(err, ErrSendToSubscription) ||
		errors.Is(err, ErrMessageTooLarge) ||
		errors.Is(err, ErrMissingSessionID)
}

type SubQueue int

const (
	Active SubQueue = iota
	DeadLetter
)

func (q SubQueue) String() string {
	switch q {
	case Active:
		return "active"
	case DeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("sub_queue(%d)", int(q))
	}
}

func ParseSubQueue(raw string) (SubQueue, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "active":
		return Active, nil
	case "dead_letter", "deadletter", "dlq", "dead-letter":
		return DeadLetter, nil
	default:
		return Active, fmt.Errorf("invalid sub-queue %q (use: active|dead_letter)", raw)
	}
}

// Entity addresses a queue, or a topic with an optional subscription.
type Entity struct {
	Name         string
	Subscription string
}

const subscriptionsSegment = "Subscriptions"

func (e Entity) Path() string {
	if e.Subscription == "" {
		return e.Name
	}
	return e.Name + "/" + subscriptionsSegment + "/" + e.Subscription
}

func (e Entity) String() string { return e.Path() }

func (e Entity) IsSubscription() bool { return e.Subscription != "" }

func (e Entity) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("entity name is required")
	}
	if strings.Contains(e.Name, "/") {
		return fmt.Errorf("entity name %q must not contain '/'", e.Name)
	}
	if strings.Contains(e.Subscription, "/") {
		return fmt.Errorf("subscription name %q must not contain '/'", e.Subscription)
	}
	return nil
}

// ParseEntity accepts "queue", "topic/sub" and "topic/Subscriptions/sub".
func ParseEntity(path string) (Entity, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	parts := strings.Split(path, "/")
	var e Entity
	switch len(parts) {
	case 1:
		e = Entity{Name: parts[0]}
	case 2:
		e = Entity{Name: parts[0], Subscription: parts[1]}
	case 3:
		if !strings.EqualFold(parts[1], subscriptionsSegment) {
			return Entity{}, fmt.Errorf("invalid entity path %q", path)
		}
		e = Entity{Name: parts[0], Subscription: parts[2]}
	default:
		return Entity{}, fmt.Errorf("invalid entity path %q", path)
	}
	if e.Subscription == "" && len(parts) > 1 {
		return Entity{}, fmt.Errorf("invalid entity path %q", path)
	}
	if err := e.Validate(); err != nil {
		return Entity{}, err
	}
	return e, nil
}

type Message struct {
	ID               string
	Subject          string
	ContentType      string
	CorrelationID    string
	SessionID        string
	EnqueuedAt       time.Time
	SequenceNumber   int64
	DeliveryCount    int
	DeadLetterReason string
	DeadLetter       bool
	Body             []byte
	Properties       map[string]any
}

func (m Message) Status() string {
	if m.DeadLetter {
		return "Dead Letter"
	}
	return "Active"
}

// ReceivedMessage is a Message held under a lock. The lock handle belongs to
// the receiver that produced it.
type ReceivedMessage struct {
	Message
	handle any
}

// NewReceivedMessage binds a transport specific lock handle to m.
func NewReceivedMessage(m Message, handle any) *ReceivedMessage {
	return &ReceivedMessage{Message: m, handle: handle}
}

func (m *ReceivedMessage) Handle() any { return m.handle }

type OutgoingMessage struct {
	ID            string
	Body          []byte
	ContentType   string
	Subject       string
	CorrelationID string
	SessionID     string
	Properties    map[string]any
}

// Size approximates the encoded size of m for batch accounting.
func (m OutgoingMessage) Size() int {
	n := len(m.Body) + len(m.ID) + len(m.ContentType) + len(m.Subject) + len(m.CorrelationID) + len(m.SessionID)
	for k, v := range m.Properties {
		n += len(k) + len(fmt.Sprint(v))
	}
	return n
}

type Counts struct {
	Active     int64
	DeadLetter int64
}

func (c Counts) Total() int64 { return c.Active + c.DeadLetter }

func (c Counts) Of(q SubQueue) int64 {
	if q == DeadLetter {
		return c.DeadLetter
	}
	return c.Active
}

// Receiver is a lock-based consumption scope over one sub-queue, or over one
// accepted session. Locks taken by ReceiveMessages must be completed or
// abandoned before Close; Close releases any that remain.
type Receiver interface {
	ReceiveMessages(ctx context.Context, maxCount int, maxWait time.Duration) ([]*ReceivedMessage, error)
	PeekMessages(ctx context.Context, maxCount int, fromSequence int64) ([]Message, error)
	Complete(ctx context.Context, msg *ReceivedMessage) error
	Abandon(ctx context.Context, msg *ReceivedMessage) error
	SessionID() string
	Close(ctx context.Context) error
}

type Sender interface {
	Send(ctx context.Context, msg OutgoingMessage) error
	NewBatch(ctx context.Context) (Batch, error)
	SendBatch(ctx context.Context, batch Batch) error
	Close(ctx context.Context) error
}

// Batch accumulates messages up to the broker's size limit. TryAdd reports
// false when msg does not fit.
type Batch interface {
	TryAdd(msg OutgoingMessage) (bool, error)
	Len() int
}

type Transport interface {
	OpenReceiver(ctx context.Context, entity Entity, subQueue SubQueue) (Receiver, error)
	// AcceptNextSession locks the next available session of entity. It
	// returns ErrNoSessionAvailable when there is none before ctx expires.
	AcceptNextSession(ctx context.Context, entity Entity) (Receiver, error)
	MessageCounts(ctx context.Context, entity Entity) (Counts, error)
	NewSender(ctx context.Context, entity Entity) (Sender, error)
	Close(ctx context.Context) error
}

// EntityOptions describes a queue or subscription for the emulator backends.
type EntityOptions struct {
	RequiresSession  bool          `json:"requires_session,omitempty"`
	MaxDeliveryCount int           `json:"max_delivery_count,omitempty"`
	LockDuration     time.Duration `json:"lock_duration,omitempty"`
}

type QueueSpec struct {
	Name string
	EntityOptions
}

type SubscriptionSpec struct {
	Name string
	EntityOptions
}

type TopicSpec struct {
	Name          string
	Subscriptions []SubscriptionSpec
}

type Topology struct {
	Queues []QueueSpec
	Topics []TopicSpec
}

// TopologyDeclarer is implemented by backends that own their entity
// topology (the emulators). Declaring an existing entity is a no-op.
type TopologyDeclarer interface {
	DeclareTopology(ctx context.Context, t Topology) error
}

const (
	DefaultLockDuration     = 30 * time.Second
	DefaultMaxDeliveryCount = 10
	DefaultMaxMessageSize   = 256 << 10 // 256 KiB

	ReasonMaxDeliveryCountExceeded = "MaxDeliveryCountExceeded"
)

func (o EntityOptions) withDefaults() EntityOptions {
	if o.LockDuration <= 0 {
		o.LockDuration = DefaultLockDuration
	}
	// Negative disables dead-lettering on delivery count.
	if o.MaxDeliveryCount < 0 {
		o.MaxDeliveryCount = -1
	} else if o.MaxDeliveryCount == 0 {
		o.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	return o
}

func cloneProperties(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
