package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/busdeck/internal/activity"
	"github.com/nuetzliches/busdeck/internal/admin"
	"github.com/nuetzliches/busdeck/internal/broker"
	"github.com/nuetzliches/busdeck/internal/broker/sqlbroker"
	"github.com/nuetzliches/busdeck/internal/explorer"
	"github.com/nuetzliches/busdeck/internal/secrets"
)

// ---------- helpers ----------

const adminToken = "e2e-token"

var fastBudgets = explorer.Budgets{
	ScanAttempts:         3,
	ScanBatchSize:        10,
	ActiveWait:           20 * time.Millisecond,
	DeadLetterWait:       50 * time.Millisecond,
	SessionAcceptTimeout: 50 * time.Millisecond,
	ScanMaxSessions:      5,
	PurgeBatchSize:       100,
	PurgeWait:            50 * time.Millisecond,
}

type env struct {
	store *sqlbroker.Store
	act   *activity.Log
	srv   *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := sqlbroker.OpenSQLite(filepath.Join(t.TempDir(), "busdeck.db"), sqlbroker.WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	err = store.DeclareTopology(context.Background(), broker.Topology{
		Queues: []broker.QueueSpec{
			{Name: "orders"},
			{Name: "checkout", EntityOptions: broker.EntityOptions{RequiresSession: true}},
		},
		Topics: []broker.TopicSpec{
			{Name: "events", Subscriptions: []broker.SubscriptionSpec{{Name: "audit"}, {Name: "billing"}}},
		},
	})
	if err != nil {
		t.Fatalf("declare topology: %v", err)
	}

	act := activity.New(100)
	logger := slog.New(activity.Handler(slog.DiscardHandler, act, slog.LevelInfo))
	transport := broker.WithBreaker(store, broker.BreakerSettings{}, logger)
	svc := explorer.New(transport, explorer.WithLogger(logger), explorer.WithBudgets(fastBudgets))

	tokens := secrets.Set{Versions: []secrets.Version{{ID: "ops", Value: []byte(adminToken)}}}
	h := admin.NewServer(svc, act)
	h.Logger = logger
	h.Authorize = admin.BearerTokenAuthorizer(func() secrets.Set { return tokens }, nil)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &env{store: store, act: act, srv: srv}
}

func (e *env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Busdeck-Audit-Reason", "e2e")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *env) call(t *testing.T, method, path string, body any, wantStatus int, out any) {
	t.Helper()
	resp := e.do(t, method, path, body)
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		var raw bytes.Buffer
		_, _ = raw.ReadFrom(resp.Body)
		t.Fatalf("%s %s: status=%d, want %d (%s)", method, path, resp.StatusCode, wantStatus, raw.String())
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
}

type counts struct {
	Active     int64 `json:"active"`
	DeadLetter int64 `json:"dead_letter"`
	Total      int64 `json:"total"`
}

func (e *env) counts(t *testing.T, entity string) counts {
	t.Helper()
	var c counts
	e.call(t, http.MethodGet, "/counts?entity="+entity, nil, http.StatusOK, &c)
	return c
}

type page struct {
	TotalCount int64                  `json:"total_count"`
	TotalPages int                    `json:"total_pages"`
	HasNext    bool                   `json:"has_next"`
	Items      []explorer.MessageView `json:"items"`
}

func (e *env) send(t *testing.T, entity string, items ...map[string]any) {
	t.Helper()
	var out struct {
		Sent int `json:"sent"`
	}
	e.call(t, http.MethodPost, "/messages/send", map[string]any{"entity": entity, "messages": items}, http.StatusOK, &out)
	if out.Sent != len(items) {
		t.Fatalf("sent=%d, want %d", out.Sent, len(items))
	}
}

// ---------- E2E tests ----------

func TestE2E_SendPageDeleteRoundTrip(t *testing.T) {
	e := newEnv(t)

	items := make([]map[string]any, 0, 7)
	for i := 1; i <= 7; i++ {
		items = append(items, map[string]any{"id": fmt.Sprintf("m%d", i), "body": fmt.Sprintf(`{"n":%d}`, i), "content_type": "application/json"})
	}
	e.send(t, "orders", items...)
	if c := e.counts(t, "orders"); c.Active != 7 || c.Total != 7 {
		t.Fatalf("counts=%+v", c)
	}

	var p page
	e.call(t, http.MethodGet, "/messages?entity=orders&page=2&page_size=3", nil, http.StatusOK, &p)
	if p.TotalCount != 7 || p.TotalPages != 3 || !p.HasNext || len(p.Items) != 3 {
		t.Fatalf("page=%+v", p)
	}
	if p.Items[0].ID != "m4" || p.Items[2].ID != "m6" {
		t.Fatalf("page 2 ids=%s..%s", p.Items[0].ID, p.Items[2].ID)
	}

	var del struct {
		Deleted bool                 `json:"deleted"`
		Message explorer.MessageView `json:"message"`
	}
	e.call(t, http.MethodPost, "/messages/delete", map[string]any{"entity": "orders", "id": "m5"}, http.StatusOK, &del)
	if !del.Deleted || del.Message.ID != "m5" || del.Message.Body != `{"n":5}` {
		t.Fatalf("delete=%+v", del)
	}
	if c := e.counts(t, "orders"); c.Active != 6 {
		t.Fatalf("counts after delete=%+v", c)
	}

	// Everything the scan touched but did not delete is back and unlocked.
	var peek struct {
		Items []explorer.MessageView `json:"items"`
	}
	e.call(t, http.MethodGet, "/messages/peek?entity=orders&count=10", nil, http.StatusOK, &peek)
	if len(peek.Items) != 6 {
		t.Fatalf("peek len=%d", len(peek.Items))
	}
	for _, m := range peek.Items {
		if m.ID == "m5" {
			t.Fatalf("deleted message still visible")
		}
	}

	e.call(t, http.MethodPost, "/messages/delete", map[string]any{"entity": "orders", "id": "m5"}, http.StatusNotFound, nil)
}

func TestE2E_DeadLetterResubmitThroughTopic(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	audit := broker.Entity{Name: "events", Subscription: "audit"}

	e.send(t, "events", map[string]any{"id": "evt-1", "body": "hello", "subject": "greeting"})
	if c := e.counts(t, "events/audit"); c.Active != 1 {
		t.Fatalf("audit counts=%+v", c)
	}
	if c := e.counts(t, "events/Subscriptions/billing"); c.Active != 1 {
		t.Fatalf("billing counts=%+v", c)
	}
	if err := e.store.DeadLetter(ctx, audit, "evt-1", "poison"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	var p page
	e.call(t, http.MethodGet, "/messages?entity=events/audit&view=dead_letter", nil, http.StatusOK, &p)
	if len(p.Items) != 1 || p.Items[0].DeadLetterReason != "poison" || p.Items[0].Status != "Dead Letter" {
		t.Fatalf("dead letter page=%+v", p)
	}

	e.call(t, http.MethodPost, "/dead_letter/resubmit", map[string]any{"entity": "events/audit", "id": "evt-1"}, http.StatusOK, nil)

	// The copy goes through the parent topic, so every subscription sees it.
	if c := e.counts(t, "events/audit"); c.Active != 1 || c.DeadLetter != 0 {
		t.Fatalf("audit counts after resubmit=%+v", c)
	}
	if c := e.counts(t, "events/billing"); c.Active != 2 {
		t.Fatalf("billing counts after resubmit=%+v", c)
	}

	var peek struct {
		Items []explorer.MessageView `json:"items"`
	}
	e.call(t, http.MethodGet, "/messages/peek?entity=events/audit", nil, http.StatusOK, &peek)
	if len(peek.Items) != 1 || peek.Items[0].Body != "hello" || peek.Items[0].Subject != "greeting" {
		t.Fatalf("resubmitted=%+v", peek.Items)
	}
	if peek.Items[0].ID == "evt-1" {
		t.Fatalf("resubmitted copy kept the original id")
	}

	e.call(t, http.MethodPost, "/dead_letter/resubmit", map[string]any{"entity": "events/audit", "id": "evt-1"}, http.StatusNotFound, nil)
}

func TestE2E_SessionQueueDeleteAndPurge(t *testing.T) {
	e := newEnv(t)

	var items []map[string]any
	for _, s := range []string{"a", "b", "c"} {
		for i := 0; i < 2; i++ {
			items = append(items, map[string]any{"id": fmt.Sprintf("%s-%d", s, i), "body": "x", "session_id": "cart-" + s})
		}
	}
	e.send(t, "checkout", items...)

	// Sending without a session id is rejected by the broker.
	resp := e.do(t, http.MethodPost, "/messages/send", map[string]any{
		"entity":   "checkout",
		"messages": []map[string]any{{"id": "nosession", "body": "x"}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("sessionless send status=%d, want 400", resp.StatusCode)
	}

	var del struct {
		Message explorer.MessageView `json:"message"`
	}
	e.call(t, http.MethodPost, "/messages/delete", map[string]any{"entity": "checkout", "id": "c-1"}, http.StatusOK, &del)
	if del.Message.SessionID != "cart-c" {
		t.Fatalf("deleted message session=%q", del.Message.SessionID)
	}

	var purge struct {
		Purged int `json:"purged"`
	}
	e.call(t, http.MethodPost, "/messages/purge", map[string]any{"entity": "checkout", "option": "all"}, http.StatusOK, &purge)
	if purge.Purged != 5 {
		t.Fatalf("purged=%d, want 5", purge.Purged)
	}
	if c := e.counts(t, "checkout"); c.Total != 0 {
		t.Fatalf("counts after purge=%+v", c)
	}
}

func TestE2E_AuthAuditAndActivity(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/counts?entity=orders")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status=%d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/messages/purge", strings.NewReader(`{"entity":"orders"}`))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("purge without audit reason status=%d", resp.StatusCode)
	}

	e.send(t, "orders", map[string]any{"id": "m1", "body": "x"})
	e.call(t, http.MethodPost, "/messages/purge", map[string]any{"entity": "orders", "option": "active"}, http.StatusOK, nil)

	var act struct {
		Entries []activity.Entry `json:"entries"`
	}
	e.call(t, http.MethodGet, "/activity?limit=50", nil, http.StatusOK, &act)
	var mutations int
	for _, entry := range act.Entries {
		if entry.Message == "admin_mutation" {
			mutations++
			if entry.Attrs["principal"] != "ops" || entry.Attrs["reason"] != "e2e" {
				t.Fatalf("audit attrs=%v", entry.Attrs)
			}
		}
	}
	if mutations != 2 {
		t.Fatalf("admin_mutation entries=%d, want 2 (send, purge)", mutations)
	}

	var cleared map[string]int
	e.call(t, http.MethodPost, "/activity/clear", nil, http.StatusOK, &cleared)
	if cleared["cleared"] == 0 {
		t.Fatalf("cleared=%v", cleared)
	}
}
