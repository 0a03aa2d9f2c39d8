package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nuetzliches/busdeck/internal/config"
)

const (
	redacted             = "<redacted>"
	secretPreflightLimit = 30 * time.Second
)

func configCmd(args []string) int {
	return runConfigCmd(args, os.Stdout, os.Stderr)
}

func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: validate | show")
		return 2
	}

	switch args[0] {
	case "validate":
		return configValidate(args[1:], stdout, stderr)
	case "show":
		return configShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func configValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath(), "path to YAML config (default $"+configEnvVar+")")
	envFile := fs.String("env-file", "", "load environment variables from file before reading config")
	jsonOut := fs.Bool("json", false, "print the validation result as JSON")
	strictSecrets := fs.Bool("strict-secrets", false, "load and verify all configured secret refs during validation")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*configPath) == "" {
		fmt.Fprintln(stderr, "--config is required")
		return 2
	}

	format := func(res config.ValidationResult) int {
		w := stdout
		if !res.OK {
			w = stderr
		}
		if *jsonOut {
			out, err := config.FormatValidationJSON(res)
			if err != nil {
				fmt.Fprintln(stderr, err.Error())
				return 1
			}
			fmt.Fprintln(w, out)
		} else {
			fmt.Fprintln(w, config.FormatValidationText(res))
			for _, e := range res.Errors {
				fmt.Fprintf(w, "  error: %s\n", e)
			}
			for _, warn := range res.Warnings {
				fmt.Fprintf(w, "  warning: %s\n", warn)
			}
		}
		if res.OK {
			return 0
		}
		return 1
	}

	if p := strings.TrimSpace(*envFile); p != "" {
		if _, err := loadEnvFile(p); err != nil {
			return format(config.ValidationResult{Errors: []string{err.Error()}})
		}
	}
	cfg, res, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		return format(config.ValidationResult{Errors: []string{err.Error()}})
	}
	if cfg == nil || !res.OK || !*strictSecrets {
		return format(res)
	}

	ctx, cancel := context.WithTimeout(context.Background(), secretPreflightLimit)
	defer cancel()
	strict := config.ValidateWithOptions(ctx, cfg, config.ValidationOptions{SecretPreflight: true})
	strict.Warnings = res.Warnings
	return format(strict)
}

// configShow prints the effective config after defaults and placeholders,
// with credentials redacted.
func configShow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath(), "path to YAML config (default $"+configEnvVar+")")
	envFile := fs.String("env-file", "", "load environment variables from file before reading config")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if p := strings.TrimSpace(*envFile); p != "" {
		if _, err := loadEnvFile(p); err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
	}
	cfg, res, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if cfg == nil || !res.OK {
		fmt.Fprintln(stderr, config.FormatValidationText(res))
		return 1
	}

	redactConfig(cfg)
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	_ = enc.Close()
	return 0
}

// redactConfig blanks inline credentials. Secret refs stay: they name the
// secret, not its value, except raw: refs which carry it.
func redactConfig(cfg *config.Config) {
	if cfg.Broker.Azure.ConnectionString != "" {
		cfg.Broker.Azure.ConnectionString = redacted
	}
	if strings.HasPrefix(cfg.Broker.Azure.ConnectionStringRef, "raw:") {
		cfg.Broker.Azure.ConnectionStringRef = "raw:" + redacted
	}
	if cfg.Broker.Postgres.DSN != "" {
		cfg.Broker.Postgres.DSN = redacted
	}
	for i := range cfg.Admin.Tokens {
		if strings.HasPrefix(cfg.Admin.Tokens[i].Ref, "raw:") {
			cfg.Admin.Tokens[i].Ref = "raw:" + redacted
		}
	}
	if len(cfg.Observability.Tracing.Headers) > 0 {
		headers := make(map[string]string, len(cfg.Observability.Tracing.Headers))
		for k := range cfg.Observability.Tracing.Headers {
			headers[k] = redacted
		}
		cfg.Observability.Tracing.Headers = headers
	}
}
