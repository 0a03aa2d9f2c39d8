package app

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nuetzliches/busdeck/internal/config"
)

const validConfig = `
broker:
  backend: postgres
  postgres:
    dsn: postgres://busdeck:hunter2@db:5432/busdeck
  topology:
    queues:
      - name: orders
admin:
  listen: 127.0.0.1:9470
  tokens:
    - id: ops
      ref: raw:very-secret
observability:
  tracing:
    enabled: true
    collector: https://otel.example.com:4318
    headers:
      x-api-key: k
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "busdeck.yaml")
	writeConfig(t, p, body)
	return p
}

func TestConfigValidate(t *testing.T) {
	t.Setenv(configEnvVar, "")

	cases := []struct {
		name       string
		body       string
		args       []string
		code       int
		wantStdout string
		wantStderr string
	}{
		{name: "valid_text", body: validConfig, code: 0, wantStdout: "config ok"},
		{name: "invalid_text", body: "broker:\n  backend: kafka\n", code: 1, wantStderr: "config invalid"},
		{name: "unknown_key", body: "brokr: {}\n", code: 1, wantStderr: "brokr"},
		{name: "strict_secrets_missing_env", body: strings.Replace(validConfig, "raw:very-secret", "env:BUSDECK_TEST_MISSING_TOKEN", 1),
			args: []string{"--strict-secrets"}, code: 1, wantStderr: "secret preflight"},
		{name: "strict_secrets_ok", body: validConfig, args: []string{"--strict-secrets"}, code: 0, wantStdout: "config ok"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.body)
			var stdout, stderr bytes.Buffer
			args := append([]string{"validate", "--config", path}, tc.args...)
			code := runConfigCmd(args, &stdout, &stderr)
			if code != tc.code {
				t.Fatalf("code=%d, want %d (stdout=%q stderr=%q)", code, tc.code, stdout.String(), stderr.String())
			}
			if tc.wantStdout != "" && !strings.Contains(stdout.String(), tc.wantStdout) {
				t.Fatalf("stdout %q missing %q", stdout.String(), tc.wantStdout)
			}
			if tc.wantStderr != "" && !strings.Contains(stderr.String(), tc.wantStderr) {
				t.Fatalf("stderr %q missing %q", stderr.String(), tc.wantStderr)
			}
		})
	}
}

func TestConfigValidate_JSON(t *testing.T) {
	path := writeTempConfig(t, "broker:\n  backend: kafka\n")
	var stdout, stderr bytes.Buffer
	if code := runConfigCmd([]string{"validate", "--config", path, "--json"}, &stdout, &stderr); code != 1 {
		t.Fatalf("code=%d, want 1", code)
	}
	var res config.ValidationResult
	if err := json.Unmarshal(stderr.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v (%q)", err, stderr.String())
	}
	if res.OK || len(res.Errors) == 0 {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestConfigValidate_MissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runConfigCmd([]string{"validate", "--config", filepath.Join(t.TempDir(), "nope.yaml")}, &stdout, &stderr)
	if code != 1 || !strings.Contains(stderr.String(), "read config") {
		t.Fatalf("code=%d stderr=%q", code, stderr.String())
	}
}

func TestConfigValidate_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	writeConfig(t, envPath, "BUSDECK_TEST_BACKEND=memory\n")
	cfgPath := filepath.Join(dir, "busdeck.yaml")
	writeConfig(t, cfgPath, "broker:\n  backend: \"{$BUSDECK_TEST_BACKEND}\"\n")
	t.Cleanup(func() { _ = os.Unsetenv("BUSDECK_TEST_BACKEND") })

	var stdout, stderr bytes.Buffer
	code := runConfigCmd([]string{"validate", "--config", cfgPath, "--env-file", envPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr.String())
	}
}

func TestConfigShow_Redacts(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	var stdout, stderr bytes.Buffer
	if code := runConfigCmd([]string{"show", "--config", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr.String())
	}
	out := stdout.String()
	for _, leaked := range []string{"hunter2", "very-secret", "x-api-key: k"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("output leaks %q:\n%s", leaked, out)
		}
	}
	for _, want := range []string{"backend: postgres", "name: orders", "scan_attempts: 10", redacted} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCmd_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runConfigCmd(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("code=%d, want 2", code)
	}
	if code := runConfigCmd([]string{"fmt"}, &stdout, &stderr); code != 2 {
		t.Fatalf("code=%d, want 2", code)
	}
}
