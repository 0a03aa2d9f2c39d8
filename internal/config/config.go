// Package config loads the busdeck YAML configuration.
//
// String scalars may carry placeholders ({$VAR}, {$VAR:default}, {env.VAR},
// {file./path}) which are resolved before decoding, so they also work for
// numeric and duration fields when quoted.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/nuetzliches/busdeck/internal/broker"
	"github.com/nuetzliches/busdeck/internal/explorer"
	"github.com/nuetzliches/busdeck/internal/httpheader"
	"github.com/nuetzliches/busdeck/internal/secrets"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendAzure    = "azure"

	defaultAdminListen    = "127.0.0.1:9470"
	defaultSQLitePath     = "./.data/busdeck.db"
	defaultAdminRateLimit = 5
	defaultAdminBurst     = 10
	defaultMaxBodyBytes   = 4 << 20
)

type Config struct {
	Broker        BrokerConfig        `yaml:"broker"`
	Explorer      explorer.Budgets    `yaml:"explorer"`
	Admin         AdminConfig         `yaml:"admin"`
	GRPC          GRPCConfig          `yaml:"grpc"`
	Observability ObservabilityConfig `yaml:"observability"`
	Activity      ActivityConfig      `yaml:"activity"`
}

type BrokerConfig struct {
	// Backend is one of memory, sqlite, postgres or azure.
	Backend        string         `yaml:"backend"`
	SQLite         SQLiteConfig   `yaml:"sqlite"`
	Postgres       PostgresConfig `yaml:"postgres"`
	Azure          AzureConfig    `yaml:"azure"`
	MaxMessageSize int            `yaml:"max_message_size"`
	Breaker        BreakerConfig  `yaml:"breaker"`
	Topology       TopologyConfig `yaml:"topology"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// AzureConfig selects the credential: a connection string (inline or as a
// secret ref) or a namespace with the default Azure token credential.
type AzureConfig struct {
	ConnectionString    string `yaml:"connection_string"`
	ConnectionStringRef string `yaml:"connection_string_ref"`
	Namespace           string `yaml:"namespace"`
}

type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

type TopologyConfig struct {
	Queues []QueueConfig `yaml:"queues"`
	Topics []TopicConfig `yaml:"topics"`
}

type EntityConfig struct {
	RequiresSession  bool          `yaml:"requires_session"`
	MaxDeliveryCount int           `yaml:"max_delivery_count"`
	LockDuration     time.Duration `yaml:"lock_duration"`
}

type QueueConfig struct {
	Name         string `yaml:"name"`
	EntityConfig `yaml:",inline"`
}

type TopicConfig struct {
	Name          string               `yaml:"name"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

type SubscriptionConfig struct {
	Name         string `yaml:"name"`
	EntityConfig `yaml:",inline"`
}

type AdminConfig struct {
	Listen             string          `yaml:"listen"`
	Tokens             []TokenConfig   `yaml:"tokens"`
	RequireAuditReason bool            `yaml:"require_audit_reason"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
	MaxBodyBytes       int64           `yaml:"max_body_bytes"`
}

// TokenConfig is one admin bearer token. Ref is a secret ref (env:, file:,
// raw:, vault:). The validity window is optional.
type TokenConfig struct {
	ID         string    `yaml:"id"`
	Ref        string    `yaml:"ref"`
	ValidFrom  time.Time `yaml:"valid_from"`
	ValidUntil time.Time `yaml:"valid_until"`
}

// RateLimitConfig limits mutating admin requests. RPS 0 disables the limit.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type GRPCConfig struct {
	HealthListen string `yaml:"health_listen"`
}

type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogOutput string        `yaml:"log_output"`
	LogPath   string        `yaml:"log_path"`
	AccessLog bool          `yaml:"access_log"`
	Tracing   TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Collector   string            `yaml:"collector"`
	URLPath     string            `yaml:"url_path"`
	Compression string            `yaml:"compression"`
	Insecure    bool              `yaml:"insecure"`
	Timeout     time.Duration     `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers"`
	ProxyURL    string            `yaml:"proxy_url"`
	TLS         TracingTLSConfig  `yaml:"tls"`
}

type TracingTLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ActivityConfig sizes the in-memory activity log. Level is the lowest log
// level recorded there.
type ActivityConfig struct {
	Capacity int    `yaml:"capacity"`
	Level    string `yaml:"level"`
}

func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Backend:        BackendMemory,
			SQLite:         SQLiteConfig{Path: defaultSQLitePath},
			MaxMessageSize: broker.DefaultMaxMessageSize,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Explorer: explorer.DefaultBudgets(),
		Admin: AdminConfig{
			Listen:       defaultAdminListen,
			RateLimit:    RateLimitConfig{RPS: defaultAdminRateLimit, Burst: defaultAdminBurst},
			MaxBodyBytes: defaultMaxBodyBytes,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogOutput: "stderr",
			AccessLog: true,
		},
		Activity: ActivityConfig{Capacity: 10000, Level: "info"},
	}
}

// BrokerTopology converts the configured entities for the emulator backends.
func (b BrokerConfig) BrokerTopology() broker.Topology {
	var t broker.Topology
	for _, q := range b.Topology.Queues {
		t.Queues = append(t.Queues, broker.QueueSpec{Name: q.Name, EntityOptions: q.options()})
	}
	for _, topic := range b.Topology.Topics {
		spec := broker.TopicSpec{Name: topic.Name}
		for _, sub := range topic.Subscriptions {
			spec.Subscriptions = append(spec.Subscriptions, broker.SubscriptionSpec{Name: sub.Name, EntityOptions: sub.options()})
		}
		t.Topics = append(t.Topics, spec)
	}
	return t
}

func (e EntityConfig) options() broker.EntityOptions {
	return broker.EntityOptions{
		RequiresSession:  e.RequiresSession,
		MaxDeliveryCount: e.MaxDeliveryCount,
		LockDuration:     e.LockDuration,
	}
}

func (a AdminConfig) TokenSpecs() []secrets.TokenSpec {
	out := make([]secrets.TokenSpec, 0, len(a.Tokens))
	for i, tok := range a.Tokens {
		id := strings.TrimSpace(tok.ID)
		if id == "" {
			id = fmt.Sprintf("token-%d", i)
		}
		out = append(out, secrets.TokenSpec{
			ID:         id,
			Ref:        tok.Ref,
			ValidFrom:  tok.ValidFrom,
			ValidUntil: tok.ValidUntil,
		})
	}
	return out
}

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) merge(other ValidationResult) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.OK = len(r.Errors) == 0
}

// Validate checks values the decoder cannot: enums, required fields per
// backend, listen addresses and secret ref syntax.
func (c *Config) Validate() ValidationResult {
	var res ValidationResult
	c.validateBroker(&res)
	c.validateExplorer(&res)
	c.validateAdmin(&res)
	if c.GRPC.HealthListen != "" {
		validateListen("grpc.health_listen", c.GRPC.HealthListen, &res)
	}
	c.validateObservability(&res)
	if c.Activity.Capacity < 0 {
		res.errorf("activity.capacity must be >= 0")
	}
	if !validLogLevel(c.Activity.Level) {
		res.errorf("activity.level %q must be one of debug|info|warn|error", c.Activity.Level)
	}
	res.OK = len(res.Errors) == 0
	return res
}

func (c *Config) validateBroker(res *ValidationResult) {
	b := c.Broker
	switch b.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(b.SQLite.Path) == "" {
			res.errorf("broker.sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(b.Postgres.DSN) == "" {
			res.errorf("broker.postgres.dsn is required for the postgres backend")
		}
	case BackendAzure:
		set := 0
		for _, v := range []string{b.Azure.ConnectionString, b.Azure.ConnectionStringRef, b.Azure.Namespace} {
			if strings.TrimSpace(v) != "" {
				set++
			}
		}
		if set != 1 {
			res.errorf("broker.azure needs exactly one of connection_string, connection_string_ref or namespace")
		}
		if b.Azure.ConnectionStringRef != "" {
			if err := secrets.ValidateRef(b.Azure.ConnectionStringRef); err != nil {
				res.errorf("broker.azure.connection_string_ref: %v", err)
			}
		}
		if len(b.Topology.Queues)+len(b.Topology.Topics) > 0 {
			res.warnf("broker.topology is ignored for the azure backend")
		}
	default:
		res.errorf("broker.backend %q must be one of memory|sqlite|postgres|azure", b.Backend)
	}

	if b.MaxMessageSize < 0 {
		res.errorf("broker.max_message_size must be >= 0")
	}
	if b.Breaker.FailureThreshold < 0 {
		res.errorf("broker.breaker.failure_threshold must be >= 0")
	}
	if b.Breaker.ResetTimeout < 0 {
		res.errorf("broker.breaker.reset_timeout must be >= 0")
	}

	seen := map[string]bool{}
	checkName := func(field, name string) bool {
		switch {
		case strings.TrimSpace(name) == "":
			res.errorf("%s: name is required", field)
			return false
		case strings.Contains(name, "/"):
			res.errorf("%s: name %q must not contain '/'", field, name)
			return false
		}
		return true
	}
	checkEntity := func(field string, e EntityConfig) {
		if e.LockDuration < 0 {
			res.errorf("%s.lock_duration must be >= 0", field)
		}
	}
	for i, q := range b.Topology.Queues {
		field := fmt.Sprintf("broker.topology.queues[%d]", i)
		if !checkName(field, q.Name) {
			continue
		}
		if seen[q.Name] {
			res.errorf("%s: duplicate entity %q", field, q.Name)
		}
		seen[q.Name] = true
		checkEntity(field, q.EntityConfig)
	}
	for i, t := range b.Topology.Topics {
		field := fmt.Sprintf("broker.topology.topics[%d]", i)
		if !checkName(field, t.Name) {
			continue
		}
		if seen[t.Name] {
			res.errorf("%s: duplicate entity %q", field, t.Name)
		}
		seen[t.Name] = true
		subs := map[string]bool{}
		for j, s := range t.Subscriptions {
			sfield := fmt.Sprintf("%s.subscriptions[%d]", field, j)
			if !checkName(sfield, s.Name) {
				continue
			}
			if subs[s.Name] {
				res.errorf("%s: duplicate subscription %q", sfield, s.Name)
			}
			subs[s.Name] = true
			checkEntity(sfield, s.EntityConfig)
		}
	}
}

func (c *Config) validateExplorer(res *ValidationResult) {
	e := c.Explorer
	ints := map[string]int{
		"scan_attempts":      e.ScanAttempts,
		"scan_batch_size":    e.ScanBatchSize,
		"scan_max_sessions":  e.ScanMaxSessions,
		"purge_batch_size":   e.PurgeBatchSize,
		"purge_max_sessions": e.PurgeMaxSessions,
	}
	for _, name := range sortedKeys(ints) {
		if ints[name] < 0 {
			res.errorf("explorer.%s must be >= 0", name)
		}
	}
	durations := map[string]time.Duration{
		"active_wait":            e.ActiveWait,
		"dead_letter_wait":       e.DeadLetterWait,
		"session_accept_timeout": e.SessionAcceptTimeout,
		"purge_wait":             e.PurgeWait,
	}
	for _, name := range sortedKeys(durations) {
		if durations[name] < 0 {
			res.errorf("explorer.%s must be >= 0", name)
		}
	}
}

func (c *Config) validateAdmin(res *ValidationResult) {
	a := c.Admin
	if a.Listen != "" {
		validateListen("admin.listen", a.Listen, res)
	}
	ids := map[string]bool{}
	for i, spec := range a.TokenSpecs() {
		field := fmt.Sprintf("admin.tokens[%d]", i)
		if err := secrets.ValidateRef(spec.Ref); err != nil {
			res.errorf("%s.ref: %v", field, err)
		}
		if ids[spec.ID] {
			res.errorf("%s: duplicate token id %q", field, spec.ID)
		}
		ids[spec.ID] = true
		if !spec.ValidFrom.IsZero() && !spec.ValidUntil.IsZero() && !spec.ValidUntil.After(spec.ValidFrom) {
			res.errorf("%s: valid_until must be after valid_from", field)
		}
	}
	if a.Listen != "" && len(a.Tokens) == 0 && !isLoopbackListen(a.Listen) {
		res.warnf("admin.listen %q is not loopback and admin.tokens is empty; the admin API is unauthenticated", a.Listen)
	}
	if a.RateLimit.RPS < 0 {
		res.errorf("admin.rate_limit.rps must be >= 0")
	}
	if a.RateLimit.RPS > 0 && a.RateLimit.Burst <= 0 {
		res.errorf("admin.rate_limit.burst must be > 0 when rps is set")
	}
	if a.MaxBodyBytes < 0 {
		res.errorf("admin.max_body_bytes must be >= 0")
	}
}

func (c *Config) validateObservability(res *ValidationResult) {
	o := c.Observability
	if !validLogLevel(o.LogLevel) {
		res.errorf("observability.log_level %q must be one of debug|info|warn|error", o.LogLevel)
	}
	switch strings.ToLower(o.LogOutput) {
	case "", "stderr", "stdout":
	case "file":
		if strings.TrimSpace(o.LogPath) == "" {
			res.errorf("observability.log_path is required when log_output is file")
		}
	default:
		res.errorf("observability.log_output %q must be one of stdout|stderr|file", o.LogOutput)
	}

	tr := o.Tracing
	if !tr.Enabled {
		return
	}
	if tr.Collector != "" {
		validateHTTPURL("observability.tracing.collector", tr.Collector, res)
	}
	if tr.ProxyURL != "" {
		validateHTTPURL("observability.tracing.proxy_url", tr.ProxyURL, res)
	}
	switch tr.Compression {
	case "", "gzip", "none":
	default:
		res.errorf("observability.tracing.compression %q must be gzip or none", tr.Compression)
	}
	if tr.Timeout < 0 {
		res.errorf("observability.tracing.timeout must be >= 0")
	}
	if err := httpheader.Validate(tr.Headers); err != nil {
		res.errorf("observability.tracing.headers: %v", err)
	}
	if (tr.TLS.CertFile == "") != (tr.TLS.KeyFile == "") {
		res.errorf("observability.tracing.tls cert_file and key_file must be set together")
	}
}

func validateListen(field, addr string, res *ValidationResult) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		res.errorf("%s %q: %v", field, addr, err)
	}
}

func validateHTTPURL(field, raw string, res *ValidationResult) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		res.errorf("%s %q must be an http(s) URL", field, raw)
	}
}

func isLoopbackListen(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validLogLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func FormatValidationText(res ValidationResult) string {
	if res.OK {
		if len(res.Warnings) == 0 {
			return "config ok"
		}
		return fmt.Sprintf("config ok (warnings: %d)", len(res.Warnings))
	}
	if len(res.Errors) == 0 {
		return "config invalid"
	}
	return fmt.Sprintf("config invalid: %s", res.Errors[0])
}
