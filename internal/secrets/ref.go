package secrets

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

var ErrSecretRef = errors.New("invalid secret reference")

type Scheme string

const (
	SchemeEnv   Scheme = "env"
	SchemeFile  Scheme = "file"
	SchemeRaw   Scheme = "raw"
	SchemeVault Scheme = "vault"
)

// Ref points at a secret without holding its value (except raw refs).
//
// Supported forms:
// - env:NAME
// - file:/path/to/secret
// - raw:literal-value (tests and local emulator setups)
// - vault:secret/path[#field]
type Ref struct {
	Scheme Scheme
	Target string
	// Field selects the key inside a vault secret. Empty for other schemes.
	Field string
}

// ParseRef validates a reference without loading it.
func ParseRef(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, fmt.Errorf("%w: empty", ErrSecretRef)
	}
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: missing scheme (use env:, file:, raw:, or vault:)", ErrSecretRef)
	}

	switch Scheme(scheme) {
	case SchemeEnv:
		name := strings.TrimSpace(rest)
		if name == "" {
			return Ref{}, fmt.Errorf("%w: env var name is empty", ErrSecretRef)
		}
		return Ref{Scheme: SchemeEnv, Target: name}, nil
	case SchemeFile:
		p := strings.TrimSpace(rest)
		if p == "" {
			return Ref{}, fmt.Errorf("%w: file path is empty", ErrSecretRef)
		}
		return Ref{Scheme: SchemeFile, Target: p}, nil
	case SchemeRaw:
		if rest == "" {
			return Ref{}, fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
		return Ref{Scheme: SchemeRaw, Target: rest}, nil
	case SchemeVault:
		apiPath, field, err := parseVaultRef(rest)
		if err != nil {
			return Ref{}, err
		}
		return Ref{Scheme: SchemeVault, Target: apiPath, Field: field}, nil
	default:
		return Ref{}, fmt.Errorf("%w: unsupported scheme %q (use env:, file:, raw:, or vault:)", ErrSecretRef, scheme)
	}
}

// String renders the ref for logs. Raw values are redacted.
func (r Ref) String() string {
	switch r.Scheme {
	case SchemeRaw:
		return "raw:<redacted>"
	case SchemeVault:
		return "vault:" + strings.TrimPrefix(r.Target, "/v1/") + "#" + r.Field
	default:
		return string(r.Scheme) + ":" + r.Target
	}
}

func (r Ref) Load(ctx context.Context) ([]byte, error) {
	switch r.Scheme {
	case SchemeEnv:
		val := os.Getenv(r.Target)
		if val == "" {
			return nil, fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, r.Target)
		}
		return []byte(val), nil
	case SchemeFile:
		b, err := os.ReadFile(r.Target)
		if err != nil {
			return nil, err
		}
		val := strings.TrimSpace(string(b))
		if val == "" {
			return nil, fmt.Errorf("%w: file %q is empty", ErrSecretRef, r.Target)
		}
		return []byte(val), nil
	case SchemeRaw:
		return []byte(r.Target), nil
	case SchemeVault:
		return loadVault(ctx, r.Target, r.Field)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrSecretRef, r.Scheme)
	}
}

func ValidateRef(raw string) error {
	_, err := ParseRef(raw)
	return err
}

func LoadRef(ctx context.Context, raw string) ([]byte, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return nil, err
	}
	return ref.Load(ctx)
}

const (
	defaultVaultTimeout = 5 * time.Second

	vaultAddrEnv               = "BUSDECK_VAULT_ADDR"
	vaultTokenEnv              = "BUSDECK_VAULT_TOKEN"
	vaultNamespaceEnv          = "BUSDECK_VAULT_NAMESPACE"
	vaultTimeoutEnv            = "BUSDECK_VAULT_TIMEOUT"
	vaultCACertEnv             = "BUSDECK_VAULT_CACERT"
	vaultClientCertEnv         = "BUSDECK_VAULT_CLIENT_CERT"
	vaultClientKeyEnv          = "BUSDECK_VAULT_CLIENT_KEY"
	vaultInsecureSkipVerifyEnv = "BUSDECK_VAULT_INSECURE_SKIP_VERIFY"
)

type vaultConfig struct {
	addr               string
	token              string
	namespace          string
	timeout            time.Duration
	caCertPath         string
	clientCertPath     string
	clientKeyPath      string
	insecureSkipVerify bool
}

func loadVault(ctx context.Context, apiPath, field string) ([]byte, error) {
	cfg, err := vaultConfigFromEnv()
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(cfg.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: vault request URL: %v", ErrSecretRef, err)
	}
	base.Path = path.Clean(strings.TrimSuffix(base.Path, "/") + apiPath)

	client, err := vaultHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build vault request: %v", ErrSecretRef, err)
	}
	req.Header.Set("X-Vault-Token", cfg.token)
	if cfg.namespace != "" {
		req.Header.Set("X-Vault-Namespace", cfg.namespace)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: vault request failed: %v", ErrSecretRef, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read vault response: %v", ErrSecretRef, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: vault request failed (%d): %s", ErrSecretRef, resp.StatusCode, vaultErrorDetail(body))
	}
	secret, err := extractVaultSecret(body, field)
	if err != nil {
		return nil, err
	}
	return []byte(secret), nil
}

// parseVaultRef returns the API path (always under /v1/) and the field.
func parseVaultRef(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("%w: vault ref is empty", ErrSecretRef)
	}

	field := "value"
	pathPart := raw
	if before, after, ok := strings.Cut(raw, "#"); ok {
		pathPart = strings.TrimSpace(before)
		field = strings.TrimSpace(after)
		if field == "" {
			return "", "", fmt.Errorf("%w: vault field is empty", ErrSecretRef)
		}
	}
	if strings.Contains(pathPart, "://") {
		return "", "", fmt.Errorf("%w: vault ref must be path-based (no URL scheme)", ErrSecretRef)
	}
	pathPart = strings.Trim(pathPart, "/ ")
	if pathPart == "" {
		return "", "", fmt.Errorf("%w: vault path is empty", ErrSecretRef)
	}
	for _, seg := range strings.Split(pathPart, "/") {
		if seg == "." || seg == ".." {
			return "", "", fmt.Errorf("%w: vault path must not contain dot segments", ErrSecretRef)
		}
	}
	if strings.HasPrefix(pathPart, "v1/") {
		return "/" + pathPart, field, nil
	}
	return "/v1/" + pathPart, field, nil
}

func vaultConfigFromEnv() (vaultConfig, error) {
	env := func(name string) string { return strings.TrimSpace(os.Getenv(name)) }
	cfg := vaultConfig{
		addr:           env(vaultAddrEnv),
		token:          env(vaultTokenEnv),
		namespace:      env(vaultNamespaceEnv),
		timeout:        defaultVaultTimeout,
		caCertPath:     env(vaultCACertEnv),
		clientCertPath: env(vaultClientCertEnv),
		clientKeyPath:  env(vaultClientKeyEnv),
	}

	switch {
	case cfg.addr == "":
		return vaultConfig{}, fmt.Errorf("%w: %s is required for vault refs", ErrSecretRef, vaultAddrEnv)
	case cfg.token == "":
		return vaultConfig{}, fmt.Errorf("%w: %s is required for vault refs", ErrSecretRef, vaultTokenEnv)
	case (cfg.clientCertPath == "") != (cfg.clientKeyPath == ""):
		return vaultConfig{}, fmt.Errorf("%w: %s and %s must be set together", ErrSecretRef, vaultClientCertEnv, vaultClientKeyEnv)
	}

	if raw := env(vaultTimeoutEnv); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return vaultConfig{}, fmt.Errorf("%w: %s must be a positive duration", ErrSecretRef, vaultTimeoutEnv)
		}
		cfg.timeout = d
	}
	if raw := env(vaultInsecureSkipVerifyEnv); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return vaultConfig{}, fmt.Errorf("%w: %s must be a boolean", ErrSecretRef, vaultInsecureSkipVerifyEnv)
		}
		cfg.insecureSkipVerify = v
	}

	parsed, err := url.Parse(cfg.addr)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return vaultConfig{}, fmt.Errorf("%w: %s must be a valid http(s) URL", ErrSecretRef, vaultAddrEnv)
	}
	return cfg, nil
}

func vaultHTTPClient(cfg vaultConfig) (*http.Client, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("%w: default HTTP transport is not *http.Transport", ErrSecretRef)
	}
	t := transport.Clone()

	if cfg.insecureSkipVerify || cfg.caCertPath != "" || cfg.clientCertPath != "" {
		tlsCfg := &tls.Config{InsecureSkipVerify: cfg.insecureSkipVerify}
		if cfg.caCertPath != "" {
			b, err := os.ReadFile(cfg.caCertPath)
			if err != nil {
				return nil, fmt.Errorf("%w: read %s: %v", ErrSecretRef, vaultCACertEnv, err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(b) {
				return nil, fmt.Errorf("%w: parse %s: no certificates found", ErrSecretRef, vaultCACertEnv)
			}
			tlsCfg.RootCAs = pool
		}
		if cfg.clientCertPath != "" {
			cert, err := tls.LoadX509KeyPair(cfg.clientCertPath, cfg.clientKeyPath)
			if err != nil {
				return nil, fmt.Errorf("%w: load %s/%s: %v", ErrSecretRef, vaultClientCertEnv, vaultClientKeyEnv, err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
		t.TLSClientConfig = tlsCfg
	}
	return &http.Client{Timeout: cfg.timeout, Transport: t}, nil
}

// extractVaultSecret reads field from a KV v2 ("data.data") or KV v1
// ("data") response. The default field falls back to the only key present.
func extractVaultSecret(body []byte, field string) (string, error) {
	var payload struct {
		Data map[string]any `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode vault response: %v", ErrSecretRef, err)
	}
	if payload.Data == nil {
		return "", fmt.Errorf("%w: vault response missing data object", ErrSecretRef)
	}

	candidates := []map[string]any{payload.Data}
	if nested, ok := payload.Data["data"].(map[string]any); ok {
		candidates = []map[string]any{nested, payload.Data}
	}
	for _, data := range candidates {
		if v, ok := vaultField(data, field); ok {
			return vaultScalar(v)
		}
	}
	return "", fmt.Errorf("%w: vault field %q not found", ErrSecretRef, field)
}

func vaultField(data map[string]any, field string) (any, bool) {
	if v, ok := data[field]; ok {
		return v, true
	}
	if field != "value" {
		return nil, false
	}
	var only any
	n := 0
	for k, v := range data {
		if strings.EqualFold(strings.TrimSpace(k), "metadata") {
			continue
		}
		only = v
		n++
	}
	return only, n == 1
}

func vaultScalar(value any) (string, error) {
	var out string
	switch v := value.(type) {
	case string:
		out = v
	case json.Number:
		out = v.String()
	case bool:
		out = strconv.FormatBool(v)
	default:
		return "", fmt.Errorf("%w: vault field must be a scalar value", ErrSecretRef)
	}
	if out == "" {
		return "", fmt.Errorf("%w: vault field is empty", ErrSecretRef)
	}
	return out, nil
}

func vaultErrorDetail(body []byte) string {
	var p struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(body, &p); err == nil && len(p.Errors) > 0 {
		return strings.Join(p.Errors, "; ")
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return "unknown error"
}
