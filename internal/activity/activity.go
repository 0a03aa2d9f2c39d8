// Package activity keeps the recent operator-visible log in memory so the
// admin API and the MCP server can show what busdeck has been doing.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const DefaultCapacity = 10000

type Entry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Source  string            `json:"source"`
	Message string            `json:"message"`
	Error   string            `json:"error,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] [%s] %s", e.Time.Format("15:04:05"), e.Level, e.Source, e.Message)
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, e.Attrs[k])
	}
	if e.Error != "" {
		b.WriteString(" err=" + e.Error)
	}
	return b.String()
}

// Log is a bounded ring of entries. Subscribers get every entry added after
// they subscribed; a slow subscriber drops entries rather than blocking.
type Log struct {
	mu      sync.Mutex
	buf     []Entry
	start   int
	size    int
	nextSub int
	subs    map[int]chan Entry
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]Entry, capacity), subs: make(map[int]chan Entry)}
}

func (l *Log) Add(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = e
		l.size++
	} else {
		l.buf[l.start] = e
		l.start = (l.start + 1) % len(l.buf)
	}
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Entries returns the most recent limit entries, oldest first. limit <= 0
// returns everything retained.
func (l *Log) Entries(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := l.size - n; i < l.size; i++ {
		out = append(out, l.buf[(l.start+i)%len(l.buf)])
	}
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.buf {
		l.buf[i] = Entry{}
	}
	l.start, l.size = 0, 0
}

// Subscribe returns a channel of new entries and a cancel func that closes
// it.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Handler tees records at or above level into log and forwards every record
// next accepts.
func Handler(next slog.Handler, log *Log, level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &teeHandler{next: next, log: log, level: level}
}

type teeHandler struct {
	next  slog.Handler
	log   *Log
	level slog.Leveler
	attrs []slog.Attr
	group string
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() || h.next.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		h.log.Add(h.entry(r))
	}
	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *teeHandler) entry(r slog.Record) Entry {
	e := Entry{
		Time:    r.Time,
		Level:   levelName(r.Level),
		Source:  "busdeck",
		Message: r.Message,
	}
	add := func(a slog.Attr, group string) {
		a.Value = a.Value.Resolve()
		switch a.Key {
		case "":
			return
		case "component":
			e.Source = a.Value.String()
			return
		case "err", "error":
			e.Error = a.Value.String()
			return
		}
		key := a.Key
		if group != "" {
			key = group + "." + key
		}
		if e.Attrs == nil {
			e.Attrs = make(map[string]string)
		}
		e.Attrs[key] = a.Value.String()
	}
	for _, a := range h.attrs {
		add(a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a, h.group)
		return true
	})
	return e
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.next = h.next.WithAttrs(attrs)
	if len(attrs) > 0 {
		nh.attrs = append([]slog.Attr{}, h.attrs...)
		for _, a := range attrs {
			if h.group != "" && a.Key != "component" {
				a.Key = h.group + "." + a.Key
			}
			nh.attrs = append(nh.attrs, a)
		}
	}
	return &nh
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.next = h.next.WithGroup(name)
	if name != "" {
		if h.group != "" {
			name = h.group + "." + name
		}
		nh.group = name
	}
	return &nh
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
