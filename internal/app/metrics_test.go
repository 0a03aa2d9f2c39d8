package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/busdeck/internal/admin"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://example/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q", ct)
	}
	return rr.Body.String()
}

func TestMetricsHandler_DefaultDiagnostics(t *testing.T) {
	body := scrape(t, newMetricsHandler("dev", time.Unix(100, 0).UTC(), nil))
	for _, want := range []string{
		`busdeck_build_info{version="dev"} 1`,
		"busdeck_start_time_seconds 100",
		"busdeck_tracing_enabled 0",
		"busdeck_tracing_init_failures_total 0",
		"busdeck_tracing_export_errors_total 0",
		`busdeck_config_reloads_total{result="ok"} 0`,
		`busdeck_config_reloads_total{result="failed"} 0`,
		`busdeck_broker_breaker_state{state="closed"} 1`,
		`busdeck_broker_breaker_state{state="open"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in metrics output:\n%s", want, body)
		}
	}
	if strings.Contains(body, "busdeck_activity_entries") {
		t.Fatalf("activity gauge without a source:\n%s", body)
	}
}

func TestMetricsHandler_WithDiagnostics(t *testing.T) {
	m := newRuntimeMetrics()
	m.setTracingEnabled(true)
	m.incTracingInitFailures()
	m.incTracingExportErrors()
	m.incTracingExportErrors()
	m.observeReload(true)
	m.observeReload(false)
	m.observeReload(false)
	m.breakerState = func() string { return "half-open" }
	m.activityLen = func() int { return 7 }
	m.observeMutation(admin.MutationAuditEvent{Operation: "purge", Affected: 12})
	m.observeMutation(admin.MutationAuditEvent{Operation: "purge", Affected: 3, Err: "partial"})
	m.observeMutation(admin.MutationAuditEvent{Operation: "delete", Affected: 1})

	body := scrape(t, newMetricsHandler("v1", time.Unix(0, 0), m))
	for _, want := range []string{
		"busdeck_tracing_enabled 1",
		"busdeck_tracing_init_failures_total 1",
		"busdeck_tracing_export_errors_total 2",
		`busdeck_config_reloads_total{result="ok"} 1`,
		`busdeck_config_reloads_total{result="failed"} 2`,
		`busdeck_broker_breaker_state{state="half-open"} 1`,
		`busdeck_broker_breaker_state{state="closed"} 0`,
		"busdeck_activity_entries 7",
		`busdeck_admin_mutations_total{operation="purge"} 2`,
		`busdeck_admin_mutation_failures_total{operation="purge"} 1`,
		`busdeck_admin_messages_affected_total{operation="purge"} 15`,
		`busdeck_admin_mutations_total{operation="delete"} 1`,
		`busdeck_admin_mutation_failures_total{operation="delete"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in metrics output:\n%s", want, body)
		}
	}
	if strings.Index(body, `operation="delete"`) > strings.Index(body, `operation="purge"`) {
		t.Fatalf("operations not sorted:\n%s", body)
	}
}

func TestRuntimeMetrics_HealthDiagnostics(t *testing.T) {
	m := newRuntimeMetrics()
	m.observeReload(true)
	m.observeMutation(admin.MutationAuditEvent{Operation: "send", Affected: 4})
	m.breakerState = func() string { return "open" }

	d := m.healthDiagnostics()
	if d["breaker_state"] != "open" {
		t.Fatalf("breaker_state=%v", d["breaker_state"])
	}
	reload, _ := d["reload"].(map[string]any)
	if reload["ok_total"] != int64(1) {
		t.Fatalf("reload=%#v", reload)
	}
	mutations, _ := d["mutations"].(map[string]any)
	send, _ := mutations["send"].(map[string]any)
	if send["total"] != int64(1) || send["affected"] != int64(4) || send["failed"] != int64(0) {
		t.Fatalf("send=%#v", send)
	}

	var nilMetrics *runtimeMetrics
	if got := nilMetrics.healthDiagnostics(); len(got) != 0 {
		t.Fatalf("nil metrics diagnostics=%#v", got)
	}
	nilMetrics.observeMutation(admin.MutationAuditEvent{Operation: "send"})
	nilMetrics.observeReload(true)
}
