package activity

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLog_RingKeepsNewest(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		l.Add(Entry{Message: fmt.Sprintf("m%d", i)})
	}
	got := l.Entries(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if got[i].Message != want {
			t.Fatalf("entry %d: got %q want %q", i, got[i].Message, want)
		}
	}
	if got[0].Time.IsZero() {
		t.Fatalf("expected time to be set")
	}

	last := l.Entries(2)
	if len(last) != 2 || last[0].Message != "m3" || last[1].Message != "m4" {
		t.Fatalf("limit 2: %+v", last)
	}

	l.Clear()
	if l.Len() != 0 || len(l.Entries(0)) != 0 {
		t.Fatalf("expected empty log after clear")
	}
	l.Add(Entry{Message: "after"})
	if got := l.Entries(0); len(got) != 1 || got[0].Message != "after" {
		t.Fatalf("after clear: %+v", got)
	}
}

func TestLog_Subscribe(t *testing.T) {
	l := New(10)
	l.Add(Entry{Message: "before"})
	ch, cancel := l.Subscribe(4)
	l.Add(Entry{Message: "after"})

	select {
	case e := <-ch:
		if e.Message != "after" {
			t.Fatalf("got %q", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for entry")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	l.Add(Entry{Message: "not delivered"})
}

func TestLog_SlowSubscriberDoesNotBlock(t *testing.T) {
	l := New(10)
	_, cancel := l.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			l.Add(Entry{Message: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Add blocked on a full subscriber")
	}
}

func TestHandler_TeesRecords(t *testing.T) {
	var buf bytes.Buffer
	l := New(10)
	next := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(Handler(next, l, slog.LevelInfo)).With(slog.String("component", "explorer"))

	logger.Debug("ignored")
	logger.Info("purge_completed", slog.String("entity", "orders"), slog.Int("purged", 3))
	logger.WithGroup("req").Error("resubmit_partial_failure", slog.Any("err", errors.New("link detached")), slog.String("id", "m1"))

	entries := l.Entries(0)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	e := entries[0]
	if e.Source != "explorer" || e.Level != "info" || e.Message != "purge_completed" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Attrs["entity"] != "orders" || e.Attrs["purged"] != "3" {
		t.Fatalf("attrs: %+v", e.Attrs)
	}
	e = entries[1]
	if e.Level != "error" || e.Error != "link detached" || e.Attrs["req.id"] != "m1" {
		t.Fatalf("unexpected error entry: %+v", e)
	}
	if !strings.Contains(e.String(), "[error] [explorer] resubmit_partial_failure") {
		t.Fatalf("String(): %s", e.String())
	}

	out := buf.String()
	if strings.Contains(out, "purge_completed") {
		t.Fatalf("info record should not reach a warn-level sink: %s", out)
	}
	if !strings.Contains(out, "resubmit_partial_failure") {
		t.Fatalf("error record should reach the sink: %s", out)
	}
}
