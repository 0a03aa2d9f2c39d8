package explorer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nuetzliches/busdeck/internal/broker"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 1000

	// maxPeekChunk bounds a single peek call while skipping to a page.
	maxPeekChunk = 250

	// maxSkip bounds (page-1)*size. Pages starting past it hold no messages.
	maxSkip = math.MaxInt32
)

type View int

const (
	ViewCombined View = iota
	ViewActiveOnly
	ViewDeadLetterOnly
)

func (v View) String() string {
	switch v {
	case ViewActiveOnly:
		return "active"
	case ViewDeadLetterOnly:
		return "dead_letter"
	default:
		return "all"
	}
}

func ParseView(raw string) (View, error) {
	switch raw {
	case "", "all", "combined":
		return ViewCombined, nil
	case "active", "active_only":
		return ViewActiveOnly, nil
	case "dead_letter", "dead_letter_only", "dlq":
		return ViewDeadLetterOnly, nil
	default:
		return ViewCombined, fmt.Errorf("invalid view %q (use: all|active|dead_letter)", raw)
	}
}

// ViewFromFlags maps the activeOnly/deadLetterOnly pair onto a View. Both
// flags set is rejected.
func ViewFromFlags(activeOnly, deadLetterOnly bool) (View, error) {
	switch {
	case activeOnly && deadLetterOnly:
		return ViewCombined, errors.New("activeOnly and deadLetterOnly are mutually exclusive")
	case activeOnly:
		return ViewActiveOnly, nil
	case deadLetterOnly:
		return ViewDeadLetterOnly, nil
	default:
		return ViewCombined, nil
	}
}

// PagedResult is one page of a sub-queue or of the combined stream.
// TotalCount is fetched independently of Items and may be stale.
type PagedResult struct {
	Items      []broker.Message
	TotalCount int64
	PageNumber int
	PageSize   int
}

func (p PagedResult) TotalPages() int {
	if p.TotalCount <= 0 || p.PageSize <= 0 {
		return 0
	}
	return int((p.TotalCount + int64(p.PageSize) - 1) / int64(p.PageSize))
}

func (p PagedResult) HasPrevious() bool { return p.PageNumber > 1 }

func (p PagedResult) HasNext() bool { return p.PageNumber < p.TotalPages() }

// StartIndex is the 1-based position of the first item, or 0 when empty.
func (p PagedResult) StartIndex() int64 {
	if p.TotalCount <= 0 || len(p.Items) == 0 {
		return 0
	}
	return int64(p.PageNumber-1)*int64(p.PageSize) + 1
}

func (p PagedResult) EndIndex() int64 {
	if len(p.Items) == 0 {
		return 0
	}
	end := int64(p.PageNumber) * int64(p.PageSize)
	if end > p.TotalCount {
		end = p.TotalCount
	}
	if end < 0 {
		return 0
	}
	return end
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// GetPagedMessages returns one page of the entity. With neither flag set the
// active and dead-letter sub-queues are addressed as one stream.
func (s *Service) GetPagedMessages(ctx context.Context, entity broker.Entity, page, size int, activeOnly, deadLetterOnly bool) (PagedResult, error) {
	view, err := ViewFromFlags(activeOnly, deadLetterOnly)
	if err != nil {
		return PagedResult{}, err
	}
	return s.Page(ctx, entity, page, size, view)
}

func (s *Service) Page(ctx context.Context, entity broker.Entity, page, size int, view View) (res PagedResult, err error) {
	page, size = normalizePage(page, size)
	ctx, span := s.startSpan(ctx, "page", entity,
		attribute.String("busdeck.view", view.String()),
		attribute.Int("busdeck.page", page),
		attribute.Int("busdeck.page_size", size))
	defer func() {
		span.SetAttributes(attribute.Int("busdeck.items", len(res.Items)))
		endSpan(span, err)
	}()

	if err := entity.Validate(); err != nil {
		return PagedResult{}, err
	}
	if pastReach(page, size) {
		res, err = s.emptyPage(ctx, entity, view, page, size)
		if err != nil {
			return PagedResult{}, fmt.Errorf("page %d of %s (%s): %w", page, entity, view, err)
		}
		return res, nil
	}
	switch view {
	case ViewActiveOnly:
		res, err = s.subQueuePage(ctx, entity, broker.Active, page, size)
	case ViewDeadLetterOnly:
		res, err = s.subQueuePage(ctx, entity, broker.DeadLetter, page, size)
	default:
		res, err = s.combinedPage(ctx, entity, page, size)
	}
	if err != nil {
		return PagedResult{}, fmt.Errorf("page %d of %s (%s): %w", page, entity, view, err)
	}
	return res, nil
}

func pastReach(page, size int) bool {
	return int64(page-1) > maxSkip/int64(size)
}

// emptyPage answers a page that starts beyond maxSkip with the counts alone.
func (s *Service) emptyPage(ctx context.Context, entity broker.Entity, view View, page, size int) (PagedResult, error) {
	counts, err := s.transport.MessageCounts(ctx, entity)
	if err != nil {
		return PagedResult{}, err
	}
	total := counts.Total()
	switch view {
	case ViewActiveOnly:
		total = counts.Active
	case ViewDeadLetterOnly:
		total = counts.DeadLetter
	}
	return PagedResult{Items: []broker.Message{}, TotalCount: total, PageNumber: page, PageSize: size}, nil
}

func (s *Service) subQueuePage(ctx context.Context, entity broker.Entity, q broker.SubQueue, page, size int) (PagedResult, error) {
	var (
		counts broker.Counts
		items  []broker.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		counts, err = s.transport.MessageCounts(gctx, entity)
		return err
	})
	g.Go(func() error {
		var err error
		items, err = s.nativePage(gctx, entity, q, page, size)
		return err
	})
	if err := g.Wait(); err != nil {
		return PagedResult{}, err
	}
	return PagedResult{Items: items, TotalCount: counts.Of(q), PageNumber: page, PageSize: size}, nil
}

// combinedPage addresses active messages as indices [0, A) and dead-letter
// messages as [A, A+D).
func (s *Service) combinedPage(ctx context.Context, entity broker.Entity, page, size int) (PagedResult, error) {
	var (
		counts broker.Counts
		items  []broker.Message
	)

	if page == 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			counts, err = s.transport.MessageCounts(gctx, entity)
			return err
		})
		g.Go(func() error {
			var err error
			items, err = s.nativePage(gctx, entity, broker.Active, 1, size)
			return err
		})
		if err := g.Wait(); err != nil {
			return PagedResult{}, err
		}
		if len(items) < size && counts.DeadLetter > 0 {
			dl, err := s.nativePage(ctx, entity, broker.DeadLetter, 1, size)
			if err != nil {
				return PagedResult{}, err
			}
			items = appendUpTo(items, dl, size)
		}
		return PagedResult{Items: items, TotalCount: counts.Total(), PageNumber: page, PageSize: size}, nil
	}

	counts, err := s.transport.MessageCounts(ctx, entity)
	if err != nil {
		return PagedResult{}, err
	}
	skip := int64(page-1) * int64(size)

	if skip < counts.Active {
		nativeNumber := int(skip/int64(size)) + 1
		offset := int(skip % int64(size))
		var active, dl []broker.Message

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			active, err = s.nativePage(gctx, entity, broker.Active, nativeNumber, size)
			return err
		})
		// The page runs past the active range, so the dead-letter head is
		// needed as well.
		if skip+int64(size) > counts.Active && counts.DeadLetter > 0 {
			g.Go(func() error {
				var err error
				dl, err = s.nativePage(gctx, entity, broker.DeadLetter, 1, size)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return PagedResult{}, err
		}
		items = appendUpTo(nil, sliceFrom(active, offset), size)
		if len(items) < size {
			items = appendUpTo(items, dl, size)
		}
		return PagedResult{Items: items, TotalCount: counts.Total(), PageNumber: page, PageSize: size}, nil
	}

	offset := skip - counts.Active
	nativeNumber := int(offset/int64(size)) + 1
	inPage := int(offset % int64(size))
	dl, err := s.nativePage(ctx, entity, broker.DeadLetter, nativeNumber, size)
	if err != nil {
		return PagedResult{}, err
	}
	items = appendUpTo(nil, sliceFrom(dl, inPage), size)
	if inPage > 0 && len(dl) == size && len(items) < size {
		more, err := s.nativePage(ctx, entity, broker.DeadLetter, nativeNumber+1, size)
		if err != nil {
			return PagedResult{}, err
		}
		items = appendUpTo(items, more, size)
	}
	return PagedResult{Items: items, TotalCount: counts.Total(), PageNumber: page, PageSize: size}, nil
}

func sliceFrom(msgs []broker.Message, offset int) []broker.Message {
	if offset >= len(msgs) {
		return nil
	}
	return msgs[offset:]
}

func appendUpTo(dst, src []broker.Message, limit int) []broker.Message {
	for _, m := range src {
		if len(dst) >= limit {
			break
		}
		dst = append(dst, m)
	}
	return dst
}

// nativePage is the sub-queue's own paged peek: skip (page-1)*size messages
// in sequence order and take size.
func (s *Service) nativePage(ctx context.Context, entity broker.Entity, q broker.SubQueue, page, size int) ([]broker.Message, error) {
	return s.peekRange(ctx, entity, q, (page-1)*size, size)
}

func (s *Service) peekRange(ctx context.Context, entity broker.Entity, q broker.SubQueue, skip, take int) ([]broker.Message, error) {
	r, err := s.transport.OpenReceiver(ctx, entity, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close(context.WithoutCancel(ctx)) }()

	if skip < 0 || take < 0 {
		return nil, fmt.Errorf("invalid peek range skip=%d take=%d", skip, take)
	}
	out := make([]broker.Message, 0, take)
	var from int64
	for take > 0 {
		n := skip + take
		if n > maxPeekChunk {
			n = maxPeekChunk
		}
		msgs, err := r.PeekMessages(ctx, n, from)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			break
		}
		from = msgs[len(msgs)-1].SequenceNumber + 1
		if skip >= len(msgs) {
			skip -= len(msgs)
			continue
		}
		msgs = msgs[skip:]
		skip = 0
		if len(msgs) > take {
			msgs = msgs[:take]
		}
		out = append(out, msgs...)
		take -= len(msgs)
	}
	return out, nil
}

// PeekPage returns up to count active messages from the head of the entity.
func (s *Service) PeekPage(ctx context.Context, entity broker.Entity, count int) ([]broker.Message, error) {
	return s.peek(ctx, entity, broker.Active, count)
}

func (s *Service) PeekDeadLetterPage(ctx context.Context, entity broker.Entity, count int) ([]broker.Message, error) {
	return s.peek(ctx, entity, broker.DeadLetter, count)
}

func (s *Service) peek(ctx context.Context, entity broker.Entity, q broker.SubQueue, count int) (msgs []broker.Message, err error) {
	_, count = normalizePage(1, count)
	ctx, span := s.startSpan(ctx, "peek", entity,
		attribute.String("busdeck.sub_queue", q.String()),
		attribute.Int("busdeck.count", count))
	defer func() { endSpan(span, err) }()

	if err := entity.Validate(); err != nil {
		return nil, err
	}
	msgs, err = s.peekRange(ctx, entity, q, 0, count)
	if err != nil {
		return nil, fmt.Errorf("peek %s/%s: %w", entity, q, err)
	}
	return msgs, nil
}

// PeekAll peeks both sub-queues concurrently and returns the active messages
// followed by the dead-letter ones. Either branch failing fails the call.
func (s *Service) PeekAll(ctx context.Context, entity broker.Entity, count int) (msgs []broker.Message, err error) {
	_, count = normalizePage(1, count)
	ctx, span := s.startSpan(ctx, "peek_all", entity, attribute.Int("busdeck.count", count))
	defer func() { endSpan(span, err) }()

	if err := entity.Validate(); err != nil {
		return nil, err
	}
	var active, dl []broker.Message
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		active, err = s.peekRange(gctx, entity, broker.Active, 0, count)
		return err
	})
	g.Go(func() error {
		var err error
		dl, err = s.peekRange(gctx, entity, broker.DeadLetter, 0, count)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("peek %s: %w", entity, err)
	}
	return append(active, dl...), nil
}
