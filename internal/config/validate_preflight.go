package config

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nuetzliches/busdeck/internal/secrets"
)

type ValidationOptions struct {
	// SecretPreflight loads every secret ref (admin tokens, the azure
	// connection string ref) to catch missing or unreachable secrets.
	SecretPreflight bool
}

func ValidateWithOptions(ctx context.Context, cfg *Config, options ValidationOptions) ValidationResult {
	res := cfg.Validate()
	if !res.OK || !options.SecretPreflight {
		return res
	}
	res.Errors = append(res.Errors, validateSecretPreflight(ctx, cfg)...)
	res.OK = len(res.Errors) == 0
	return res
}

func validateSecretPreflight(ctx context.Context, cfg *Config) []string {
	usages := map[string][]string{}
	for i, spec := range cfg.Admin.TokenSpecs() {
		addSecretRefUsage(usages, spec.Ref, fmt.Sprintf("admin.tokens[%d] (%s)", i, spec.ID))
	}
	if cfg.Broker.Backend == BackendAzure {
		addSecretRefUsage(usages, cfg.Broker.Azure.ConnectionStringRef, "broker.azure.connection_string_ref")
	}

	errs := make([]string, 0)
	for _, ref := range sortedKeys(usages) {
		if _, err := secrets.LoadRef(ctx, ref); err != nil {
			errs = append(errs, fmt.Sprintf("secret preflight %s used by %s: %v",
				redactRef(ref), strings.Join(uniqueSortedStrings(usages[ref]), ", "), err))
		}
	}
	return errs
}

func redactRef(raw string) string {
	if ref, err := secrets.ParseRef(raw); err == nil {
		return fmt.Sprintf("%q", ref.String())
	}
	return "<invalid ref>"
}

func addSecretRefUsage(usages map[string][]string, ref, usage string) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return
	}
	usages[ref] = append(usages[ref], usage)
}

func uniqueSortedStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := append([]string(nil), values...)
	sort.Strings(out)
	w := 1
	for _, v := range out[1:] {
		if v == out[w-1] {
			continue
		}
		out[w] = v
		w++
	}
	return out[:w]
}
