package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryOption func(*MemoryBroker)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) {
		if now != nil {
			b.nowFn = now
		}
	}
}

// WithMaxMessageSize bounds single messages and batches, in bytes.
func WithMaxMessageSize(n int) MemoryOption {
	return func(b *MemoryBroker) {
		if n > 0 {
			b.maxMessageSize = n
		}
	}
}

// MemoryBroker is an in-process emulator of a lock-based broker namespace.
// It keeps queues, topics with subscriptions, dead-letter sub-queues and
// sessions in memory and is safe for concurrent use.
type MemoryBroker struct {
	mu             sync.Mutex
	nowFn          func() time.Time
	maxMessageSize int
	entities       map[string]*memoryEntity // receivable entities by path
	topics         map[string][]string      // topic -> subscription names
	locks          map[string]memoryLockRef // lock token -> item location
	nextReceiverID uint64
	acceptClock    int64
	notify         chan struct{}
	closed         bool
}

type memoryEntity struct {
	path      string
	opts      EntityOptions
	nextSeq   int64
	subQueues [2]*memorySubQueue
	sessions  map[string]*memorySession
}

type memorySubQueue struct {
	items map[int64]*memoryItem
	order []int64 // ascending sequence numbers
}

type memoryItem struct {
	msg         Message
	lockToken   string
	lockedUntil time.Time
	owner       uint64
}

type memoryLockRef struct {
	entity string
	sub    SubQueue
	seq    int64
}

type memorySession struct {
	owner        uint64
	lockedUntil  time.Time
	lastAccepted int64
}

func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		nowFn:          time.Now,
		maxMessageSize: DefaultMaxMessageSize,
		entities:       make(map[string]*memoryEntity),
		topics:         make(map[string][]string),
		locks:          make(map[string]memoryLockRef),
		notify:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func newMemoryEntity(path string, opts EntityOptions) *memoryEntity {
	return &memoryEntity{
		path: path,
		opts: opts.withDefaults(),
		subQueues: [2]*memorySubQueue{
			{items: make(map[int64]*memoryItem)},
			{items: make(map[int64]*memoryItem)},
		},
		sessions: make(map[string]*memorySession),
	}
}

func (b *MemoryBroker) DeclareTopology(_ context.Context, t Topology) error {
	for _, q := range t.Queues {
		if err := b.CreateQueue(q.Name, q.EntityOptions); err != nil {
			return err
		}
	}
	for _, topic := range t.Topics {
		if err := b.CreateTopic(topic.Name); err != nil {
			return err
		}
		for _, sub := range topic.Subscriptions {
			if err := b.CreateSubscription(topic.Name, sub.Name, sub.EntityOptions); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *MemoryBroker) CreateQueue(name string, opts EntityOptions) error {
	if err := (Entity{Name: name}).Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return fmt.Errorf("queue %q conflicts with an existing topic", name)
	}
	if _, ok := b.entities[name]; ok {
		return nil
	}
	b.entities[name] = newMemoryEntity(name, opts)
	return nil
}

func (b *MemoryBroker) CreateTopic(name string) error {
	if err := (Entity{Name: name}).Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entities[name]; ok {
		return fmt.Errorf("topic %q conflicts with an existing queue", name)
	}
	if _, ok := b.topics[name]; !ok {
		b.topics[name] = nil
	}
	return nil
}

func (b *MemoryBroker) CreateSubscription(topic, name string, opts EntityOptions) error {
	e := Entity{Name: topic, Subscription: name}
	if err := e.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("subscription name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return fmt.Errorf("topic %q: %w", topic, ErrEntityNotFound)
	}
	if _, ok := b.entities[e.Path()]; ok {
		return nil
	}
	b.entities[e.Path()] = newMemoryEntity(e.Path(), opts)
	subs = append(subs, name)
	sort.Strings(subs)
	b.topics[topic] = subs
	return nil
}

func (b *MemoryBroker) entityLocked(e Entity) (*memoryEntity, error) {
	if b.closed {
		return nil, ErrTransportUnavailable
	}
	if !e.IsSubscription() {
		if _, ok := b.topics[e.Name]; ok {
			return nil, fmt.Errorf("%s: %w", e.Path(), ErrTopicNotReceivable)
		}
	}
	ent := b.entities[e.Path()]
	if ent == nil {
		return nil, fmt.Errorf("%s: %w", e.Path(), ErrEntityNotFound)
	}
	return ent, nil
}

func (b *MemoryBroker) OpenReceiver(_ context.Context, entity Entity, subQueue SubQueue) (Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.entityLocked(entity); err != nil {
		return nil, err
	}
	b.nextReceiverID++
	return &memoryReceiver{b: b, path: entity.Path(), sub: subQueue, id: b.nextReceiverID}, nil
}

// AcceptNextSession locks the least recently accepted session that has
// messages and is not held by another receiver.
func (b *MemoryBroker) AcceptNextSession(ctx context.Context, entity Entity) (Receiver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ent, err := b.entityLocked(entity)
	if err != nil {
		return nil, err
	}
	if !ent.opts.RequiresSession {
		return nil, fmt.Errorf("%s does not use sessions", ent.path)
	}
	now := b.nowFn()
	b.expireLocksLocked(ent, now)

	firstSeq := make(map[string]int64)
	sq := ent.subQueues[Active]
	for _, seq := range sq.order {
		item := sq.items[seq]
		if item == nil || item.msg.SessionID == "" {
			continue
		}
		if _, seen := firstSeq[item.msg.SessionID]; !seen {
			firstSeq[item.msg.SessionID] = seq
		}
	}

	var (
		pick     string
		pickSess *memorySession
	)
	for id, s := range ent.sessions {
		if _, hasMessages := firstSeq[id]; !hasMessages {
			if s.owner == 0 {
				delete(ent.sessions, id)
			}
			continue
		}
		if s.owner != 0 && now.Before(s.lockedUntil) {
			continue
		}
		if pickSess == nil ||
			s.lastAccepted < pickSess.lastAccepted ||
			(s.lastAccepted == pickSess.lastAccepted && firstSeq[id] < firstSeq[pick]) {
			pick, pickSess = id, s
		}
	}
	if pickSess == nil {
		return nil, ErrNoSessionAvailable
	}

	b.nextReceiverID++
	b.acceptClock++
	pickSess.owner = b.nextReceiverID
	pickSess.lockedUntil = now.Add(ent.opts.LockDuration)
	pickSess.lastAccepted = b.acceptClock
	return &memoryReceiver{b: b, path: ent.path, sub: Active, id: b.nextReceiverID, session: pick}, nil
}

func (b *MemoryBroker) MessageCounts(_ context.Context, entity Entity) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ent, err := b.entityLocked(entity)
	if err != nil {
		return Counts{}, err
	}
	return Counts{
		Active:     int64(len(ent.subQueues[Active].items)),
		DeadLetter: int64(len(ent.subQueues[DeadLetter].items)),
	}, nil
}

func (b *MemoryBroker) NewSender(_ context.Context, entity Entity) (Sender, error) {
	if entity.IsSubscription() {
		return nil, fmt.Errorf("%s: %w", entity.Path(), ErrSendToSubscription)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrTransportUnavailable
	}
	if _, ok := b.topics[entity.Name]; !ok {
		if _, ok := b.entities[entity.Name]; !ok {
			return nil, fmt.Errorf("%s: %w", entity.Name, ErrEntityNotFound)
		}
	}
	return &memorySender{b: b, entity: entity}, nil
}

func (b *MemoryBroker) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.wakeLocked()
	}
	return nil
}

// DeadLetter moves the first unlocked active message with id into the
// dead-letter sub-queue of entity.
func (b *MemoryBroker) DeadLetter(_ context.Context, entity Entity, id, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ent, err := b.entityLocked(entity)
	if err != nil {
		return err
	}
	b.expireLocksLocked(ent, b.nowFn())
	sq := ent.subQueues[Active]
	for _, seq := range sq.order {
		item := sq.items[seq]
		if item == nil || item.msg.ID != id || item.lockToken != "" {
			continue
		}
		ent.moveToDeadLetterLocked(seq, reason)
		b.wakeLocked()
		return nil
	}
	return fmt.Errorf("message %q in %s: %w", id, ent.path, ErrEntityNotFound)
}

func (b *MemoryBroker) enqueue(entity Entity, msgs []OutgoingMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrTransportUnavailable
	}

	var targets []*memoryEntity
	if subs, ok := b.topics[entity.Name]; ok {
		for _, sub := range subs {
			if ent := b.entities[Entity{Name: entity.Name, Subscription: sub}.Path()]; ent != nil {
				targets = append(targets, ent)
			}
		}
	} else if ent := b.entities[entity.Name]; ent != nil {
		targets = append(targets, ent)
	} else {
		return fmt.Errorf("%s: %w", entity.Name, ErrEntityNotFound)
	}

	// Validate everything before committing anything.
	for i := range msgs {
		if msgs[i].Size() > b.maxMessageSize {
			return fmt.Errorf("message %d (%d bytes): %w", i, msgs[i].Size(), ErrMessageTooLarge)
		}
		for _, ent := range targets {
			if ent.opts.RequiresSession && msgs[i].SessionID == "" {
				return fmt.Errorf("%s: %w", ent.path, ErrMissingSessionID)
			}
		}
	}

	now := b.nowFn()
	for _, m := range msgs {
		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		for _, ent := range targets {
			ent.nextSeq++
			item := &memoryItem{msg: Message{
				ID:             id,
				Subject:        m.Subject,
				ContentType:    m.ContentType,
				CorrelationID:  m.CorrelationID,
				SessionID:      m.SessionID,
				EnqueuedAt:     now,
				SequenceNumber: ent.nextSeq,
				Body:           cloneBytes(m.Body),
				Properties:     cloneProperties(m.Properties),
			}}
			sq := ent.subQueues[Active]
			sq.items[ent.nextSeq] = item
			sq.order = append(sq.order, ent.nextSeq)
			if m.SessionID != "" {
				if _, ok := ent.sessions[m.SessionID]; !ok {
					ent.sessions[m.SessionID] = &memorySession{}
				}
			}
		}
	}

	b.wakeLocked()
	return nil
}

// wakeLocked releases long-polling receivers.
func (b *MemoryBroker) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *MemoryBroker) expireLocksLocked(ent *memoryEntity, now time.Time) {
	for token, ref := range b.locks {
		if ref.entity != ent.path {
			continue
		}
		item := ent.subQueues[ref.sub].items[ref.seq]
		if item == nil || item.lockToken != token {
			delete(b.locks, token)
			continue
		}
		if now.Before(item.lockedUntil) {
			continue
		}
		b.releaseLocked(ent, ref, item)
	}
}

// releaseLocked returns a locked item to availability. An active message
// that reached the entity's delivery limit moves to the dead-letter
// sub-queue instead.
func (b *MemoryBroker) releaseLocked(ent *memoryEntity, ref memoryLockRef, item *memoryItem) {
	delete(b.locks, item.lockToken)
	item.lockToken = ""
	item.lockedUntil = time.Time{}
	item.owner = 0
	if ref.sub == Active && ent.opts.MaxDeliveryCount > 0 && item.msg.DeliveryCount >= ent.opts.MaxDeliveryCount {
		ent.moveToDeadLetterLocked(ref.seq, ReasonMaxDeliveryCountExceeded)
	}
}

func (ent *memoryEntity) moveToDeadLetterLocked(seq int64, reason string) {
	active := ent.subQueues[Active]
	item := active.items[seq]
	if item == nil {
		return
	}
	active.remove(seq)
	item.msg.DeadLetterReason = reason
	ent.subQueues[DeadLetter].insert(seq, item)
}

func (q *memorySubQueue) remove(seq int64) {
	delete(q.items, seq)
	i := sort.Search(len(q.order), func(i int) bool { return q.order[i] >= seq })
	if i < len(q.order) && q.order[i] == seq {
		q.order = append(q.order[:i], q.order[i+1:]...)
	}
}

func (q *memorySubQueue) insert(seq int64, item *memoryItem) {
	q.items[seq] = item
	i := sort.Search(len(q.order), func(i int) bool { return q.order[i] >= seq })
	q.order = append(q.order, 0)
	copy(q.order[i+1:], q.order[i:])
	q.order[i] = seq
}

func (b *MemoryBroker) snapshot(item *memoryItem, sub SubQueue) Message {
	m := item.msg
	m.Body = cloneBytes(m.Body)
	m.Properties = cloneProperties(m.Properties)
	m.DeadLetter = sub == DeadLetter
	return m
}

type memoryReceiver struct {
	b       *MemoryBroker
	path    string
	sub     SubQueue
	id      uint64
	session string
	closed  bool
}

func (r *memoryReceiver) SessionID() string { return r.session }

func (r *memoryReceiver) entityLocked() (*memoryEntity, error) {
	if r.closed {
		return nil, ErrReceiverClosed
	}
	if r.b.closed {
		return nil, ErrTransportUnavailable
	}
	ent := r.b.entities[r.path]
	if ent == nil {
		return nil, fmt.Errorf("%s: %w", r.path, ErrEntityNotFound)
	}
	return ent, nil
}

func (r *memoryReceiver) ReceiveMessages(ctx context.Context, maxCount int, maxWait time.Duration) ([]*ReceivedMessage, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	if maxWait < 0 {
		maxWait = 0
	}
	deadline := time.Now().Add(maxWait)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.b.mu.Lock()
		out, err := r.receiveLocked(maxCount)
		if err != nil || len(out) > 0 || maxWait == 0 {
			r.b.mu.Unlock()
			return out, err
		}
		waitCh := r.b.notify
		r.b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-waitCh:
			timer.Stop()
			continue
		case <-timer.C:
			return nil, nil
		}
	}
}

func (r *memoryReceiver) receiveLocked(maxCount int) ([]*ReceivedMessage, error) {
	ent, err := r.entityLocked()
	if err != nil {
		return nil, err
	}
	now := r.b.nowFn()
	r.b.expireLocksLocked(ent, now)

	if r.sub == Active && ent.opts.RequiresSession && r.session == "" {
		return nil, fmt.Errorf("%s: %w", ent.path, ErrSessionRequired)
	}
	if r.session != "" {
		s := ent.sessions[r.session]
		if s == nil || s.owner != r.id || !now.Before(s.lockedUntil) {
			return nil, fmt.Errorf("session %q: %w", r.session, ErrLockLost)
		}
		s.lockedUntil = now.Add(ent.opts.LockDuration)
	}

	sq := ent.subQueues[r.sub]
	var out []*ReceivedMessage
	for _, seq := range sq.order {
		if len(out) >= maxCount {
			break
		}
		item := sq.items[seq]
		if item == nil || item.lockToken != "" {
			continue
		}
		if r.session != "" && item.msg.SessionID != r.session {
			continue
		}
		token := uuid.NewString()
		item.lockToken = token
		item.lockedUntil = now.Add(ent.opts.LockDuration)
		item.owner = r.id
		item.msg.DeliveryCount++
		r.b.locks[token] = memoryLockRef{entity: ent.path, sub: r.sub, seq: seq}
		out = append(out, NewReceivedMessage(r.b.snapshot(item, r.sub), token))
	}
	return out, nil
}

func (r *memoryReceiver) PeekMessages(ctx context.Context, maxCount int, fromSequence int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		maxCount = 1
	}
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	ent, err := r.entityLocked()
	if err != nil {
		return nil, err
	}
	r.b.expireLocksLocked(ent, r.b.nowFn())

	sq := ent.subQueues[r.sub]
	start := sort.Search(len(sq.order), func(i int) bool { return sq.order[i] >= fromSequence })
	out := make([]Message, 0, maxCount)
	for _, seq := range sq.order[start:] {
		if len(out) >= maxCount {
			break
		}
		item := sq.items[seq]
		if item == nil {
			continue
		}
		if r.session != "" && item.msg.SessionID != r.session {
			continue
		}
		out = append(out, r.b.snapshot(item, r.sub))
	}
	return out, nil
}

// lockedItem resolves msg's lock for this receiver. Expired locks are
// released and reported as lost.
func (r *memoryReceiver) lockedItem(msg *ReceivedMessage) (*memoryEntity, memoryLockRef, *memoryItem, error) {
	ent, err := r.entityLocked()
	if err != nil {
		return nil, memoryLockRef{}, nil, err
	}
	token, _ := msg.Handle().(string)
	ref, ok := r.b.locks[token]
	if !ok || ref.entity != ent.path {
		return nil, memoryLockRef{}, nil, ErrLockLost
	}
	item := ent.subQueues[ref.sub].items[ref.seq]
	if item == nil || item.lockToken != token || item.owner != r.id {
		delete(r.b.locks, token)
		return nil, memoryLockRef{}, nil, ErrLockLost
	}
	if !r.b.nowFn().Before(item.lockedUntil) {
		r.b.releaseLocked(ent, ref, item)
		r.b.wakeLocked()
		return nil, memoryLockRef{}, nil, ErrLockLost
	}
	return ent, ref, item, nil
}

func (r *memoryReceiver) Complete(_ context.Context, msg *ReceivedMessage) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	ent, ref, item, err := r.lockedItem(msg)
	if err != nil {
		return err
	}
	delete(r.b.locks, item.lockToken)
	ent.subQueues[ref.sub].remove(ref.seq)
	return nil
}

func (r *memoryReceiver) Abandon(_ context.Context, msg *ReceivedMessage) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	ent, ref, item, err := r.lockedItem(msg)
	if err != nil {
		return err
	}
	r.b.releaseLocked(ent, ref, item)
	r.b.wakeLocked()
	return nil
}

func (r *memoryReceiver) Close(context.Context) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	ent := r.b.entities[r.path]
	if ent == nil {
		return nil
	}
	for token, ref := range r.b.locks {
		if ref.entity != ent.path {
			continue
		}
		item := ent.subQueues[ref.sub].items[ref.seq]
		if item == nil || item.lockToken != token {
			delete(r.b.locks, token)
			continue
		}
		if item.owner == r.id {
			r.b.releaseLocked(ent, ref, item)
		}
	}
	if r.session != "" {
		if s := ent.sessions[r.session]; s != nil && s.owner == r.id {
			s.owner = 0
			s.lockedUntil = time.Time{}
		}
	}
	r.b.wakeLocked()
	return nil
}

type memorySender struct {
	b      *MemoryBroker
	entity Entity
}

func (s *memorySender) Send(ctx context.Context, msg OutgoingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.b.enqueue(s.entity, []OutgoingMessage{msg})
}

func (s *memorySender) NewBatch(context.Context) (Batch, error) {
	return NewSizedBatch(s.b.maxMessageSize), nil
}

func (s *memorySender) SendBatch(ctx context.Context, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sb, ok := batch.(*SizedBatch)
	if !ok {
		return fmt.Errorf("unsupported batch type %T", batch)
	}
	return s.b.enqueue(s.entity, sb.Messages())
}

func (s *memorySender) Close(context.Context) error { return nil }

// SizedBatch is the batch used by the emulator backends. It admits messages
// while their accumulated Size stays within limit.
type SizedBatch struct {
	limit int
	size  int
	msgs  []OutgoingMessage
}

func NewSizedBatch(limit int) *SizedBatch {
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	return &SizedBatch{limit: limit}
}

func (b *SizedBatch) TryAdd(msg OutgoingMessage) (bool, error) {
	n := msg.Size()
	if b.size+n > b.limit {
		return false, nil
	}
	b.size += n
	b.msgs = append(b.msgs, msg)
	return true, nil
}

func (b *SizedBatch) Len() int { return len(b.msgs) }

func (b *SizedBatch) Messages() []OutgoingMessage { return b.msgs }
