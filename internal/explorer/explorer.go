// Package explorer emulates message-level operations (delete by id, purge,
// cross sub-queue paging and dead-letter resubmission) on top of the two
// consumption primitives a broker offers: peek and lock-based receive.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/busdeck/internal/broker"
)

const tracerName = "github.com/nuetzliches/busdeck/internal/explorer"

// Budgets bounds the receive loops. Zero values fall back to defaults.
type Budgets struct {
	ScanAttempts   int           `yaml:"scan_attempts" json:"scan_attempts"`
	ScanBatchSize  int           `yaml:"scan_batch_size" json:"scan_batch_size"`
	ActiveWait     time.Duration `yaml:"active_wait" json:"active_wait"`
	DeadLetterWait time.Duration `yaml:"dead_letter_wait" json:"dead_letter_wait"`

	SessionAcceptTimeout time.Duration `yaml:"session_accept_timeout" json:"session_accept_timeout"`
	ScanMaxSessions      int           `yaml:"scan_max_sessions" json:"scan_max_sessions"`

	PurgeBatchSize int           `yaml:"purge_batch_size" json:"purge_batch_size"`
	PurgeWait      time.Duration `yaml:"purge_wait" json:"purge_wait"`
	// PurgeMaxSessions caps the sessions a purge sweeps. 0 means no cap.
	PurgeMaxSessions int `yaml:"purge_max_sessions" json:"purge_max_sessions"`
}

func DefaultBudgets() Budgets {
	return Budgets{
		ScanAttempts:         10,
		ScanBatchSize:        10,
		ActiveWait:           time.Second,
		DeadLetterWait:       5 * time.Second,
		SessionAcceptTimeout: 3 * time.Second,
		ScanMaxSessions:      5,
		PurgeBatchSize:       100,
		PurgeWait:            5 * time.Second,
	}
}

func (b Budgets) normalize() Budgets {
	d := DefaultBudgets()
	if b.ScanAttempts <= 0 {
		b.ScanAttempts = d.ScanAttempts
	}
	if b.ScanBatchSize <= 0 {
		b.ScanBatchSize = d.ScanBatchSize
	}
	if b.ActiveWait <= 0 {
		b.ActiveWait = d.ActiveWait
	}
	if b.DeadLetterWait <= 0 {
		b.DeadLetterWait = d.DeadLetterWait
	}
	if b.SessionAcceptTimeout <= 0 {
		b.SessionAcceptTimeout = d.SessionAcceptTimeout
	}
	if b.ScanMaxSessions <= 0 {
		b.ScanMaxSessions = d.ScanMaxSessions
	}
	if b.PurgeBatchSize <= 0 {
		b.PurgeBatchSize = d.PurgeBatchSize
	}
	if b.PurgeWait <= 0 {
		b.PurgeWait = d.PurgeWait
	}
	if b.PurgeMaxSessions < 0 {
		b.PurgeMaxSessions = 0
	}
	return b
}

func (b Budgets) waitFor(q broker.SubQueue) time.Duration {
	if q == broker.DeadLetter {
		return b.DeadLetterWait
	}
	return b.ActiveWait
}

// Service is the caller facing surface. It holds no broker resources between
// calls and is safe for concurrent use.
type Service struct {
	transport broker.Transport
	logger    *slog.Logger
	tracer    trace.Tracer

	mu      sync.RWMutex
	budgets Budgets
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithBudgets(b Budgets) Option {
	return func(s *Service) { s.budgets = b.normalize() }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func New(transport broker.Transport, opts ...Option) *Service {
	s := &Service{
		transport: transport,
		logger:    slog.New(slog.DiscardHandler),
		tracer:    otel.Tracer(tracerName),
		budgets:   DefaultBudgets(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) Budgets() Budgets {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.budgets
}

// SetBudgets replaces the budgets used by calls that start afterwards.
func (s *Service) SetBudgets(b Budgets) {
	s.mu.Lock()
	s.budgets = b.normalize()
	s.mu.Unlock()
}

func (s *Service) startSpan(ctx context.Context, op string, entity broker.Entity, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("busdeck.entity", entity.Path()))
	return s.tracer.Start(ctx, "explorer."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// GetMessageCounts returns the entity's active and dead-letter counts.
func (s *Service) GetMessageCounts(ctx context.Context, entity broker.Entity) (counts broker.Counts, err error) {
	ctx, span := s.startSpan(ctx, "counts", entity)
	defer func() { endSpan(span, err) }()

	if err := entity.Validate(); err != nil {
		return broker.Counts{}, err
	}
	counts, err = s.transport.MessageCounts(ctx, entity)
	if err != nil {
		return broker.Counts{}, fmt.Errorf("counts %s: %w", entity, err)
	}
	span.SetAttributes(
		attribute.Int64("busdeck.active_count", counts.Active),
		attribute.Int64("busdeck.dead_letter_count", counts.DeadLetter),
	)
	return counts, nil
}

// DeleteActiveMessage removes the message with id from the active sub-queue.
// A miss within the scan budget is reported as ScanResult.Found == false.
func (s *Service) DeleteActiveMessage(ctx context.Context, entity broker.Entity, id string) (ScanResult, error) {
	return s.deleteMessage(ctx, entity, broker.Active, id)
}

func (s *Service) DeleteDeadLetterMessage(ctx context.Context, entity broker.Entity, id string) (ScanResult, error) {
	return s.deleteMessage(ctx, entity, broker.DeadLetter, id)
}

func (s *Service) deleteMessage(ctx context.Context, entity broker.Entity, q broker.SubQueue, id string) (res ScanResult, err error) {
	ctx, span := s.startSpan(ctx, "delete", entity,
		attribute.String("busdeck.sub_queue", q.String()),
		attribute.String("busdeck.message_id", id))
	defer func() { endSpan(span, err) }()

	if err := entity.Validate(); err != nil {
		return ScanResult{}, err
	}
	if id == "" {
		return ScanResult{}, errors.New("message id is required")
	}
	res, err = s.scanAndResolve(ctx, entity, q, id, s.Budgets())
	span.SetAttributes(
		attribute.Bool("busdeck.found", res.Found),
		attribute.Int("busdeck.batches", res.Batches),
	)
	if err != nil {
		return res, fmt.Errorf("delete %s from %s/%s: %w", id, entity, q, err)
	}
	s.logger.Info("message_delete",
		slog.String("entity", entity.Path()),
		slog.String("sub_queue", q.String()),
		slog.String("message_id", id),
		slog.Bool("found", res.Found),
		slog.Int("batches", res.Batches),
		slog.Int("scanned", res.Scanned),
	)
	return res, nil
}

type PurgeOption int

const (
	PurgeAll PurgeOption = iota
	PurgeActiveOnly
	PurgeDeadLetterOnly
)

func (o PurgeOption) String() string {
	switch o {
	case PurgeActiveOnly:
		return "active"
	case PurgeDeadLetterOnly:
		return "dead_letter"
	default:
		return "all"
	}
}

func ParsePurgeOption(raw string) (PurgeOption, error) {
	switch raw {
	case "", "all":
		return PurgeAll, nil
	case "active", "active_only":
		return PurgeActiveOnly, nil
	case "dead_letter", "dead_letter_only", "dlq":
		return PurgeDeadLetterOnly, nil
	default:
		return PurgeAll, fmt.Errorf("invalid purge option %q (use: all|active|dead_letter)", raw)
	}
}

func (o PurgeOption) subQueues() []broker.SubQueue {
	switch o {
	case PurgeActiveOnly:
		return []broker.SubQueue{broker.Active}
	case PurgeDeadLetterOnly:
		return []broker.SubQueue{broker.DeadLetter}
	default:
		return []broker.SubQueue{broker.Active, broker.DeadLetter}
	}
}

// PurgeMessages drains the selected sub-queues and returns the number of
// messages removed. On error the count removed so far is still returned.
func (s *Service) PurgeMessages(ctx context.Context, entity broker.Entity, option PurgeOption) (total int, err error) {
	ctx, span := s.startSpan(ctx, "purge", entity, attribute.String("busdeck.purge_option", option.String()))
	defer func() {
		span.SetAttributes(attribute.Int("busdeck.purged", total))
		endSpan(span, err)
	}()

	if err := entity.Validate(); err != nil {
		return 0, err
	}
	budgets := s.Budgets()
	for _, q := range option.subQueues() {
		n, err := s.bulkDrain(ctx, entity, q, budgets)
		total += n
		if err != nil {
			return total, fmt.Errorf("purge %s/%s: %w", entity, q, err)
		}
		s.logger.Info("purge_completed",
			slog.String("entity", entity.Path()),
			slog.String("sub_queue", q.String()),
			slog.Int("purged", n),
		)
	}
	return total, nil
}
