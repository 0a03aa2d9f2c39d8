package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/busdeck/internal/explorer"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	res := cfg.Validate()
	if !res.OK || len(res.Warnings) != 0 {
		t.Fatalf("default config: %#v", res)
	}
	if cfg.Explorer != explorer.DefaultBudgets() {
		t.Fatalf("explorer budgets: %+v", cfg.Explorer)
	}
	if cfg.Admin.Listen != defaultAdminListen || cfg.Broker.Backend != BackendMemory {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestParse_FullDocument(t *testing.T) {
	in := []byte(`
broker:
  backend: sqlite
  sqlite:
    path: ./.data/test.db
  max_message_size: 1024
  breaker:
    enabled: true
    failure_threshold: 3
    reset_timeout: 10s
  topology:
    queues:
      - name: orders
        max_delivery_count: 3
      - name: jobs
        requires_session: true
        lock_duration: 45s
    topics:
      - name: events
        subscriptions:
          - name: audit
          - name: billing
            requires_session: true
explorer:
  scan_attempts: 20
  active_wait: 250ms
  purge_max_sessions: 4
admin:
  listen: 127.0.0.1:9999
  require_audit_reason: true
  tokens:
    - id: ops
      ref: raw:secret
      valid_until: 2030-01-01T00:00:00Z
  rate_limit:
    rps: 2.5
    burst: 4
grpc:
  health_listen: 127.0.0.1:9471
observability:
  log_level: debug
  access_log: false
  tracing:
    enabled: true
    collector: https://otel.example.com:4318
    compression: gzip
    timeout: 3s
    headers:
      authorization: Bearer x
activity:
  capacity: 500
  level: warn
`)
	cfg, res := Parse(in)
	if cfg == nil || !res.OK {
		t.Fatalf("parse: %#v", res)
	}

	b := cfg.Broker
	if b.Backend != BackendSQLite || b.SQLite.Path != "./.data/test.db" || b.MaxMessageSize != 1024 {
		t.Fatalf("broker: %+v", b)
	}
	if b.Breaker.FailureThreshold != 3 || b.Breaker.ResetTimeout != 10*time.Second {
		t.Fatalf("breaker: %+v", b.Breaker)
	}
	topo := b.BrokerTopology()
	if len(topo.Queues) != 2 || topo.Queues[0].MaxDeliveryCount != 3 || !topo.Queues[1].RequiresSession || topo.Queues[1].LockDuration != 45*time.Second {
		t.Fatalf("queues: %+v", topo.Queues)
	}
	if len(topo.Topics) != 1 || len(topo.Topics[0].Subscriptions) != 2 || !topo.Topics[0].Subscriptions[1].RequiresSession {
		t.Fatalf("topics: %+v", topo.Topics)
	}

	e := cfg.Explorer
	if e.ScanAttempts != 20 || e.ActiveWait != 250*time.Millisecond || e.PurgeMaxSessions != 4 {
		t.Fatalf("explorer: %+v", e)
	}
	if e.ScanBatchSize != explorer.DefaultBudgets().ScanBatchSize {
		t.Fatalf("unset budgets must keep defaults: %+v", e)
	}

	a := cfg.Admin
	if a.Listen != "127.0.0.1:9999" || !a.RequireAuditReason || a.RateLimit.RPS != 2.5 || a.RateLimit.Burst != 4 {
		t.Fatalf("admin: %+v", a)
	}
	specs := a.TokenSpecs()
	if len(specs) != 1 || specs[0].ID != "ops" || specs[0].ValidUntil.Year() != 2030 {
		t.Fatalf("tokens: %+v", specs)
	}

	if cfg.GRPC.HealthListen != "127.0.0.1:9471" {
		t.Fatalf("grpc: %+v", cfg.GRPC)
	}
	o := cfg.Observability
	if o.LogLevel != "debug" || o.AccessLog || !o.Tracing.Enabled || o.Tracing.Timeout != 3*time.Second || o.Tracing.Headers["authorization"] != "Bearer x" {
		t.Fatalf("observability: %+v", o)
	}
	if o.LogOutput != "stderr" {
		t.Fatalf("unset log_output must keep default: %q", o.LogOutput)
	}
	if cfg.Activity.Capacity != 500 || cfg.Activity.Level != "warn" {
		t.Fatalf("activity: %+v", cfg.Activity)
	}
}

func TestParse_EmptyDocumentUsesDefaults(t *testing.T) {
	for _, in := range []string{"", "# only a comment\n", "\xEF\xBB\xBF"} {
		cfg, res := Parse([]byte(in))
		if cfg == nil || !res.OK {
			t.Fatalf("Parse(%q): %#v", in, res)
		}
		if cfg.Broker.Backend != BackendMemory {
			t.Fatalf("Parse(%q): backend %q", in, cfg.Broker.Backend)
		}
	}
}

func TestParse_UnknownKeyIsError(t *testing.T) {
	cfg, res := Parse([]byte("broker:\n  backnd: memory\n"))
	if cfg != nil || res.OK {
		t.Fatalf("expected decode error, got cfg=%v res=%#v", cfg, res)
	}
	if !strings.Contains(res.Errors[0], "backnd") {
		t.Fatalf("error should name the field: %v", res.Errors)
	}
}

func TestParse_SyntaxError(t *testing.T) {
	cfg, res := Parse([]byte("broker: [unclosed\n"))
	if cfg != nil || res.OK || !strings.HasPrefix(res.Errors[0], "parse config") {
		t.Fatalf("expected parse error, got %#v", res)
	}
}

func TestParse_CRLF(t *testing.T) {
	cfg, res := Parse([]byte("broker:\r\n  backend: postgres\r\n  postgres:\r\n    dsn: postgres://localhost/busdeck\r\n"))
	if cfg == nil || !res.OK {
		t.Fatalf("parse: %#v", res)
	}
	if cfg.Broker.Postgres.DSN != "postgres://localhost/busdeck" {
		t.Fatalf("dsn: %q", cfg.Broker.Postgres.DSN)
	}
}

func TestParse_Placeholders(t *testing.T) {
	dir := t.TempDir()
	dsnFile := filepath.Join(dir, "dsn")
	if err := os.WriteFile(dsnFile, []byte("postgres://file/db\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("BUSDECK_TEST_LISTEN", "127.0.0.1:7000")
	t.Setenv("BUSDECK_TEST_ATTEMPTS", "42")

	in := `
broker:
  backend: postgres
  postgres:
    dsn: "{file.` + dsnFile + `}"
explorer:
  scan_attempts: "{$BUSDECK_TEST_ATTEMPTS}"
  active_wait: "{$BUSDECK_TEST_UNSET_WAIT:2s}"
admin:
  listen: "{env.BUSDECK_TEST_LISTEN}"
observability:
  log_path: "{$BUSDECK_TEST_UNSET_PATH}"
`
	cfg, res := Parse([]byte(in))
	if cfg == nil || !res.OK {
		t.Fatalf("parse: %#v", res)
	}
	if cfg.Broker.Postgres.DSN != "postgres://file/db" {
		t.Fatalf("file placeholder: %q", cfg.Broker.Postgres.DSN)
	}
	if cfg.Explorer.ScanAttempts != 42 || cfg.Explorer.ActiveWait != 2*time.Second {
		t.Fatalf("typed placeholders: %+v", cfg.Explorer)
	}
	if cfg.Admin.Listen != "127.0.0.1:7000" {
		t.Fatalf("env placeholder: %q", cfg.Admin.Listen)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "observability.log_path") || !strings.Contains(res.Warnings[0], "BUSDECK_TEST_UNSET_PATH") {
		t.Fatalf("expected one unset-env warning, got %#v", res.Warnings)
	}
}

func TestParse_PlaceholderErrors(t *testing.T) {
	cases := map[string]string{
		`admin: {listen: "{$BUSDECK_X"}`:                 "unterminated",
		`admin: {listen: "{$}"}`:                          "empty env var",
		`admin: {listen: "{file.}"}`:                      "empty path",
		`admin: {listen: "{file./nonexistent/busdeck}"}`: "file placeholder",
	}
	for in, want := range cases {
		_, res := Parse([]byte(in))
		if res.OK {
			t.Fatalf("Parse(%s): expected error", in)
		}
		found := false
		for _, e := range res.Errors {
			if strings.Contains(e, want) && strings.Contains(e, "admin.listen") {
				found = true
			}
		}
		if !found {
			t.Fatalf("Parse(%s): want %q in %v", in, want, res.Errors)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"backend", func(c *Config) { c.Broker.Backend = "kafka" }, "broker.backend"},
		{"sqlite path", func(c *Config) { c.Broker.Backend = BackendSQLite; c.Broker.SQLite.Path = " " }, "broker.sqlite.path"},
		{"postgres dsn", func(c *Config) { c.Broker.Backend = BackendPostgres }, "broker.postgres.dsn"},
		{"azure none", func(c *Config) { c.Broker.Backend = BackendAzure }, "exactly one"},
		{"azure both", func(c *Config) {
			c.Broker.Backend = BackendAzure
			c.Broker.Azure.ConnectionString = "Endpoint=sb://x/"
			c.Broker.Azure.Namespace = "x"
		}, "exactly one"},
		{"azure ref", func(c *Config) {
			c.Broker.Backend = BackendAzure
			c.Broker.Azure.ConnectionStringRef = "kms:x"
		}, "connection_string_ref"},
		{"queue name", func(c *Config) { c.Broker.Topology.Queues = []QueueConfig{{Name: "a/b"}} }, "must not contain '/'"},
		{"duplicate entity", func(c *Config) {
			c.Broker.Topology.Queues = []QueueConfig{{Name: "orders"}}
			c.Broker.Topology.Topics = []TopicConfig{{Name: "orders"}}
		}, "duplicate entity"},
		{"duplicate subscription", func(c *Config) {
			c.Broker.Topology.Topics = []TopicConfig{{Name: "events", Subscriptions: []SubscriptionConfig{{Name: "a"}, {Name: "a"}}}}
		}, "duplicate subscription"},
		{"lock duration", func(c *Config) {
			c.Broker.Topology.Queues = []QueueConfig{{Name: "q", EntityConfig: EntityConfig{LockDuration: -time.Second}}}
		}, "lock_duration"},
		{"budgets", func(c *Config) { c.Explorer.ScanAttempts = -1 }, "explorer.scan_attempts"},
		{"budget wait", func(c *Config) { c.Explorer.PurgeWait = -time.Second }, "explorer.purge_wait"},
		{"admin listen", func(c *Config) { c.Admin.Listen = "nope" }, "admin.listen"},
		{"token ref", func(c *Config) { c.Admin.Tokens = []TokenConfig{{Ref: "plain-token"}} }, "admin.tokens[0].ref"},
		{"token ids", func(c *Config) {
			c.Admin.Tokens = []TokenConfig{{ID: "a", Ref: "raw:1"}, {ID: "a", Ref: "raw:2"}}
		}, "duplicate token id"},
		{"token window", func(c *Config) {
			now := time.Now()
			c.Admin.Tokens = []TokenConfig{{Ref: "raw:1", ValidFrom: now, ValidUntil: now}}
		}, "valid_until"},
		{"burst", func(c *Config) { c.Admin.RateLimit.Burst = 0 }, "burst"},
		{"grpc", func(c *Config) { c.GRPC.HealthListen = ":x:y" }, "grpc.health_listen"},
		{"log level", func(c *Config) { c.Observability.LogLevel = "trace" }, "log_level"},
		{"log file", func(c *Config) { c.Observability.LogOutput = "file" }, "log_path"},
		{"collector", func(c *Config) {
			c.Observability.Tracing.Enabled = true
			c.Observability.Tracing.Collector = "otel:4318"
		}, "collector"},
		{"tracing tls", func(c *Config) {
			c.Observability.Tracing.Enabled = true
			c.Observability.Tracing.TLS.CertFile = "cert.pem"
		}, "cert_file and key_file"},
		{"tracing headers", func(c *Config) {
			c.Observability.Tracing.Enabled = true
			c.Observability.Tracing.Collector = "https://otel:4318"
			c.Observability.Tracing.Headers = map[string]string{"x-key": "a\r\nb"}
		}, "observability.tracing.headers"},
		{"activity", func(c *Config) { c.Activity.Capacity = -1 }, "activity.capacity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			res := cfg.Validate()
			if res.OK {
				t.Fatalf("expected invalid config")
			}
			if !strings.Contains(strings.Join(res.Errors, "\n"), tc.want) {
				t.Fatalf("want %q in %v", tc.want, res.Errors)
			}
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	cfg := Default()
	cfg.Admin.Listen = "0.0.0.0:9470"
	res := cfg.Validate()
	if !res.OK || len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "unauthenticated") {
		t.Fatalf("expected unauthenticated warning, got %#v", res)
	}
	if got := FormatValidationText(res); got != "config ok (warnings: 1)" {
		t.Fatalf("text: %q", got)
	}

	cfg = Default()
	cfg.Broker.Backend = BackendAzure
	cfg.Broker.Azure.Namespace = "contoso"
	cfg.Broker.Topology.Queues = []QueueConfig{{Name: "orders"}}
	res = cfg.Validate()
	if !res.OK || len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "topology is ignored") {
		t.Fatalf("expected topology warning, got %#v", res)
	}
}

func TestFormatValidation(t *testing.T) {
	if got := FormatValidationText(ValidationResult{OK: true}); got != "config ok" {
		t.Fatalf("ok text: %q", got)
	}
	if got := FormatValidationText(ValidationResult{}); got != "config invalid" {
		t.Fatalf("invalid text: %q", got)
	}
	res := ValidationResult{Errors: []string{"first", "second"}}
	if got := FormatValidationText(res); got != "config invalid: first" {
		t.Fatalf("invalid text: %q", got)
	}
	out, err := FormatValidationJSON(res)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(out, `"ok": false`) || !strings.Contains(out, `"second"`) || strings.Contains(out, "warnings") {
		t.Fatalf("json: %s", out)
	}
}

func TestLoad(t *testing.T) {
	cfg, res, err := Load("")
	if err != nil || cfg == nil || !res.OK {
		t.Fatalf("Load(\"\"): %v %#v", err, res)
	}

	if _, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "busdeck.yaml")
	if err := os.WriteFile(path, []byte("activity:\n  capacity: 7\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, res, err = Load(path)
	if err != nil || !res.OK || cfg.Activity.Capacity != 7 {
		t.Fatalf("Load(file): %v %#v %+v", err, res, cfg)
	}
}
