package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseRef(t *testing.T) {
	cases := []struct {
		in      string
		want    Ref
		wantStr string
	}{
		{in: "env:BUSDECK_TOKEN", want: Ref{Scheme: SchemeEnv, Target: "BUSDECK_TOKEN"}, wantStr: "env:BUSDECK_TOKEN"},
		{in: " file:/run/secrets/token ", want: Ref{Scheme: SchemeFile, Target: "/run/secrets/token"}, wantStr: "file:/run/secrets/token"},
		{in: "raw:a:b", want: Ref{Scheme: SchemeRaw, Target: "a:b"}, wantStr: "raw:<redacted>"},
		{in: "vault:secret/data/busdeck#admin", want: Ref{Scheme: SchemeVault, Target: "/v1/secret/data/busdeck", Field: "admin"}, wantStr: "vault:secret/data/busdeck#admin"},
		{in: "vault:v1/kv/busdeck", want: Ref{Scheme: SchemeVault, Target: "/v1/kv/busdeck", Field: "value"}, wantStr: "vault:kv/busdeck#value"},
	}
	for _, tc := range cases {
		got, err := ParseRef(tc.in)
		if err != nil {
			t.Fatalf("ParseRef(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseRef(%q)=%+v want %+v", tc.in, got, tc.want)
		}
		if got.String() != tc.wantStr {
			t.Fatalf("String()=%q want %q", got.String(), tc.wantStr)
		}
	}

	for _, bad := range []string{"", "   ", "noscheme", "env:", "file: ", "raw:", "vault:", "vault:secret#", "vault:https://vault/secret", "kms:key"} {
		if _, err := ParseRef(bad); !errors.Is(err, ErrSecretRef) {
			t.Fatalf("ParseRef(%q): expected ErrSecretRef, got %v", bad, err)
		}
	}
}

func TestLoadRef_Env(t *testing.T) {
	t.Setenv("BUSDECK_TEST_SECRET", "top-secret")

	got, err := LoadRef(context.Background(), "env:BUSDECK_TEST_SECRET")
	if err != nil {
		t.Fatalf("LoadRef(env): %v", err)
	}
	if string(got) != "top-secret" {
		t.Fatalf("unexpected env secret: %q", string(got))
	}

	t.Setenv("BUSDECK_TEST_SECRET", "")
	if _, err := LoadRef(context.Background(), "env:BUSDECK_TEST_SECRET"); !errors.Is(err, ErrSecretRef) {
		t.Fatalf("expected empty env error, got %v", err)
	}
}

func TestLoadRef_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	if err := os.WriteFile(path, []byte("  file-secret \n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := LoadRef(context.Background(), "file:"+path)
	if err != nil {
		t.Fatalf("LoadRef(file): %v", err)
	}
	if string(got) != "file-secret" {
		t.Fatalf("unexpected file secret: %q", string(got))
	}
}

func TestLoadRef_Raw(t *testing.T) {
	got, err := LoadRef(context.Background(), "raw:raw-secret")
	if err != nil {
		t.Fatalf("LoadRef(raw): %v", err)
	}
	if string(got) != "raw-secret" {
		t.Fatalf("unexpected raw secret: %q", string(got))
	}
}

func TestLoadRef_VaultKV2(t *testing.T) {
	t.Setenv(vaultTokenEnv, "vault-token")
	t.Setenv(vaultNamespaceEnv, "team/platform")

	var seenPath, seenToken, seenNamespace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		seenToken = r.Header.Get("X-Vault-Token")
		seenNamespace = r.Header.Get("X-Vault-Namespace")
		_, _ = w.Write([]byte(`{"data":{"data":{"admin":"s3cr3t"}}}`))
	}))
	defer srv.Close()
	t.Setenv(vaultAddrEnv, srv.URL)

	got, err := LoadRef(context.Background(), "vault:secret/data/busdeck#admin")
	if err != nil {
		t.Fatalf("LoadRef(vault kv2): %v", err)
	}
	if string(got) != "s3cr3t" {
		t.Fatalf("unexpected vault secret: %q", string(got))
	}
	if seenPath != "/v1/secret/data/busdeck" || seenToken != "vault-token" || seenNamespace != "team/platform" {
		t.Fatalf("unexpected vault request: path=%q token=%q namespace=%q", seenPath, seenToken, seenNamespace)
	}
}

func TestLoadRef_VaultDefaultFieldFallback(t *testing.T) {
	t.Setenv(vaultTokenEnv, "vault-token")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"connection_string":"Endpoint=sb://x/"}}`))
	}))
	defer srv.Close()
	t.Setenv(vaultAddrEnv, srv.URL)

	got, err := LoadRef(context.Background(), "vault:secret/busdeck")
	if err != nil {
		t.Fatalf("LoadRef(vault kv1 fallback): %v", err)
	}
	if string(got) != "Endpoint=sb://x/" {
		t.Fatalf("unexpected fallback value: %q", string(got))
	}
}

func TestLoadRef_VaultErrorStatus(t *testing.T) {
	t.Setenv(vaultTokenEnv, "vault-token")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
	}))
	defer srv.Close()
	t.Setenv(vaultAddrEnv, srv.URL)

	_, err := LoadRef(context.Background(), "vault:secret/data/busdeck#token")
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("expected permission denied error, got %v", err)
	}
}

func TestLoadRef_VaultMissingTokenEnv(t *testing.T) {
	t.Setenv(vaultAddrEnv, "http://127.0.0.1:8200")
	t.Setenv(vaultTokenEnv, "")

	_, err := LoadRef(context.Background(), "vault:secret/data/busdeck#token")
	if err == nil || !strings.Contains(err.Error(), vaultTokenEnv) {
		t.Fatalf("expected missing token env error, got %v", err)
	}
}

func TestLoadRef_VaultRejectsDotSegments(t *testing.T) {
	_, err := LoadRef(context.Background(), "vault:secret/../sys/health#status")
	if err == nil || !strings.Contains(err.Error(), "dot segments") {
		t.Fatalf("expected dot segment validation error, got %v", err)
	}
}

func TestLoadRef_VaultAddressWithPathPrefix(t *testing.T) {
	t.Setenv(vaultTokenEnv, "vault-token")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy/v1/secret/data/busdeck" {
			http.Error(w, fmt.Sprintf("unexpected path %s", r.URL.Path), http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"data":{"token":"prefixed"}}}`))
	}))
	defer srv.Close()
	t.Setenv(vaultAddrEnv, srv.URL+"/proxy")

	got, err := LoadRef(context.Background(), "vault:secret/data/busdeck#token")
	if err != nil {
		t.Fatalf("LoadRef(vault prefixed addr): %v", err)
	}
	if string(got) != "prefixed" {
		t.Fatalf("unexpected secret: %q", string(got))
	}
}
