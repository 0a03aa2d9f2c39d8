package app

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/busdeck/internal/admin"
)

var breakerStateOrder = []string{"closed", "half-open", "open"}

type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64

	reloadOKTotal     atomic.Int64
	reloadFailedTotal atomic.Int64

	mutationMu       sync.Mutex
	mutationsByOp    map[string]int64
	mutationFailByOp map[string]int64
	affectedByOp     map[string]int64

	// breakerState and activityLen are sampled on scrape.
	breakerState func() string
	activityLen  func() int
}

func newRuntimeMetrics() *runtimeMetrics {
	return &runtimeMetrics{
		mutationsByOp:    make(map[string]int64),
		mutationFailByOp: make(map[string]int64),
		affectedByOp:     make(map[string]int64),
	}
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Store(1)
		return
	}
	m.tracingEnabled.Store(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailuresTotal.Add(1)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrorsTotal.Add(1)
}

func (m *runtimeMetrics) observeReload(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.reloadOKTotal.Add(1)
		return
	}
	m.reloadFailedTotal.Add(1)
}

func (m *runtimeMetrics) observeMutation(event admin.MutationAuditEvent) {
	if m == nil {
		return
	}
	m.mutationMu.Lock()
	defer m.mutationMu.Unlock()
	m.mutationsByOp[event.Operation]++
	if event.Err != "" {
		m.mutationFailByOp[event.Operation]++
	}
	m.affectedByOp[event.Operation] += int64(event.Affected)
}

type mutationSnapshot struct {
	total    map[string]int64
	failed   map[string]int64
	affected map[string]int64
}

func (m *runtimeMetrics) mutationSnapshot() mutationSnapshot {
	out := mutationSnapshot{
		total:    map[string]int64{},
		failed:   map[string]int64{},
		affected: map[string]int64{},
	}
	if m == nil {
		return out
	}
	m.mutationMu.Lock()
	defer m.mutationMu.Unlock()
	for k, v := range m.mutationsByOp {
		out.total[k] = v
	}
	for k, v := range m.mutationFailByOp {
		out.failed[k] = v
	}
	for k, v := range m.affectedByOp {
		out.affected[k] = v
	}
	return out
}

func (m *runtimeMetrics) currentBreakerState() string {
	if m == nil || m.breakerState == nil {
		return "closed"
	}
	return m.breakerState()
}

func (m *runtimeMetrics) healthDiagnostics() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	snap := m.mutationSnapshot()
	byOp := make(map[string]any, len(snap.total))
	for _, op := range sortedKeys(snap.total) {
		byOp[op] = map[string]any{
			"total":    snap.total[op],
			"failed":   snap.failed[op],
			"affected": snap.affected[op],
		}
	}
	return map[string]any{
		"tracing": map[string]any{
			"enabled":             m.tracingEnabled.Load() == 1,
			"init_failures_total": m.tracingInitFailuresTotal.Load(),
			"export_errors_total": m.tracingExportErrorsTotal.Load(),
		},
		"reload": map[string]any{
			"ok_total":     m.reloadOKTotal.Load(),
			"failed_total": m.reloadFailedTotal.Load(),
		},
		"breaker_state": m.currentBreakerState(),
		"mutations":     byOp,
	}
}

func newMetricsHandler(version string, start time.Time, rm *runtimeMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		_, _ = fmt.Fprintf(w, "# HELP busdeck_build_info Build information.\n")
		_, _ = fmt.Fprintf(w, "# TYPE busdeck_build_info gauge\n")
		_, _ = fmt.Fprintf(w, "busdeck_build_info{version=%q} 1\n", version)
		_, _ = fmt.Fprintf(w, "# HELP busdeck_start_time_seconds Process start time in unix seconds.\n")
		_, _ = fmt.Fprintf(w, "# TYPE busdeck_start_time_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "busdeck_start_time_seconds %d\n", start.Unix())

		var tracingEnabled, tracingInitFailures, tracingExportErrors, reloadOK, reloadFailed int64
		if rm != nil {
			tracingEnabled = rm.tracingEnabled.Load()
			tracingInitFailures = rm.tracingInitFailuresTotal.Load()
			tracingExportErrors = rm.tracingExportErrorsTotal.Load()
			reloadOK = rm.reloadOKTotal.Load()
			reloadFailed = rm.reloadFailedTotal.Load()
		}
		_, _ = fmt.Fprintf(w, "# HELP busdeck_tracing_enabled Whether OpenTelemetry tracing is enabled.\n")
		_, _ = fmt.Fprintf(w, "# TYPE busdeck_tracing_enabled gauge\n")
		_, _ = fmt.Fprintf(w, "busdeck_tracing_enabled %d\n", tracingEnabled)
		_, _ = fmt.Fprintf(w, "# HELP busdeck_tracing_init_failures_total Tracing exporter initialization failures.\n")
		_, _ = fmt.Fprintf(w, "# TYPE busdeck_tracing_init_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "busdeck_tracing_init_failures_total %d\n", tracingInitFailures)
		_, _ = fmt.Fprintf(w, "# HELP busdeck_tracing_export_errors_total Tracing export errors.\n")
		_, _ = fmt.Fprintf(w, "# TYPE busdeck_tracing_export_errors_total counter\n")
		_, _ = fmt.Fprintf(w, "busdeck_tracing_export_errors_total %d\n", tracingExportErrors)

		_, _ = fmt.Fprintf(w, "# HELP busdeck_config_reloads_total Config reload attempts by result.\n")
		_, _ = fmt.Fprintf(w, "# TYPE busdeck_config_reloads_total counter\n")
		_, _ = fmt.Fprintf(w, "busdeck_config_reloads_total{result=\"ok\"} %d\n", reloadOK)
		_, _ = fmt.Fprintf(w, "busdeck_config_reloads_total{result=\"failed\"} %d\n", reloadFailed)

		state := rm.currentBreakerState()
		_, _ = fmt.Fprintf(w, "# HELP busdeck_broker_breaker_state Current broker circuit breaker state (1 for the active state).\n")
		_, _ = fmt.Fprintf(w, "# TYPE busdeck_broker_breaker_state gauge\n")
		for _, s := range breakerStateOrder {
			v := 0
			if s == state {
				v = 1
			}
			_, _ = fmt.Fprintf(w, "busdeck_broker_breaker_state{state=%q} %d\n", s, v)
		}

		if rm != nil && rm.activityLen != nil {
			_, _ = fmt.Fprintf(w, "# HELP busdeck_activity_entries Entries currently held in the activity log.\n")
			_, _ = fmt.Fprintf(w, "# TYPE busdeck_activity_entries gauge\n")
			_, _ = fmt.Fprintf(w, "busdeck_activity_entries %d\n", rm.activityLen())
		}

		snap := rm.mutationSnapshot()
		_, _ = fmt.Fprintf(w, "# HELP busdeck_admin_mutations_total Admin mutations by operation.\n")
		_, _ = fmt.Fprintf(w, "# TYPE busdeck_admin_mutations_total counter\n")
		for _, op := range sortedKeys(snap.total) {
			_, _ = fmt.Fprintf(w, "busdeck_admin_mutations_total{operation=%q} %d\n", op, snap.total[op])
		}
		_, _ = fmt.Fprintf(w, "# HELP busdeck_admin_mutation_failures_total Failed admin mutations by operation.\n")
		_, _ = fmt.Fprintf(w, "# TYPE busdeck_admin_mutation_failures_total counter\n")
		for _, op := range sortedKeys(snap.total) {
			_, _ = fmt.Fprintf(w, "busdeck_admin_mutation_failures_total{operation=%q} %d\n", op, snap.failed[op])
		}
		_, _ = fmt.Fprintf(w, "# HELP busdeck_admin_messages_affected_total Messages deleted, purged, resubmitted or sent via the admin API.\n")
		_, _ = fmt.Fprintf(w, "# TYPE busdeck_admin_messages_affected_total counter\n")
		for _, op := range sortedKeys(snap.total) {
			_, _ = fmt.Fprintf(w, "busdeck_admin_messages_affected_total{operation=%q} %d\n", op, snap.affected[op])
		}
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
