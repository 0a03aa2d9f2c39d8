package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nuetzliches/busdeck/internal/broker"
	"github.com/nuetzliches/busdeck/internal/broker/azurebus"
	"github.com/nuetzliches/busdeck/internal/broker/sqlbroker"
	"github.com/nuetzliches/busdeck/internal/config"
	"github.com/nuetzliches/busdeck/internal/secrets"
)

// backend is the opened transport plus the breaker wrapping it, if any.
type backend struct {
	name      string
	transport broker.Transport
	breaker   *broker.BreakerTransport
}

// breakerState feeds the gRPC health server. Without a breaker the
// transport is always reported as closed.
func (b *backend) breakerState() string {
	if b == nil || b.breaker == nil {
		return "closed"
	}
	return b.breaker.State()
}

func (b *backend) Close(ctx context.Context) error {
	if b == nil || b.transport == nil {
		return nil
	}
	return b.transport.Close(ctx)
}

// openBackend selects the transport named by cfg.Backend, declares the
// configured topology on emulator backends and wraps the result in the
// circuit breaker when enabled.
func openBackend(ctx context.Context, cfg config.BrokerConfig, logger *slog.Logger) (*backend, error) {
	var (
		t   broker.Transport
		err error
	)
	name := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch name {
	case "", config.BackendMemory:
		name = config.BackendMemory
		t = broker.NewMemoryBroker(broker.WithMaxMessageSize(cfg.MaxMessageSize))
	case config.BackendSQLite:
		t, err = sqlbroker.OpenSQLite(cfg.SQLite.Path, sqlbroker.WithMaxMessageSize(cfg.MaxMessageSize))
	case config.BackendPostgres:
		t, err = sqlbroker.OpenPostgres(cfg.Postgres.DSN, sqlbroker.WithMaxMessageSize(cfg.MaxMessageSize))
	case config.BackendAzure:
		t, err = openAzure(ctx, cfg.Azure)
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", name, err)
	}

	if d, ok := t.(broker.TopologyDeclarer); ok {
		if err := d.DeclareTopology(ctx, cfg.BrokerTopology()); err != nil {
			_ = t.Close(ctx)
			return nil, fmt.Errorf("declare topology: %w", err)
		}
	}

	out := &backend{name: name, transport: t}
	if cfg.Breaker.Enabled {
		out.breaker = broker.WithBreaker(t, broker.BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		}, logger)
		out.transport = out.breaker
	}
	return out, nil
}

func openAzure(ctx context.Context, cfg config.AzureConfig) (broker.Transport, error) {
	creds := azurebus.Credentials{
		ConnectionString: cfg.ConnectionString,
		Namespace:        cfg.Namespace,
	}
	if ref := strings.TrimSpace(cfg.ConnectionStringRef); ref != "" {
		raw, err := secrets.LoadRef(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("load connection_string_ref: %w", err)
		}
		creds.ConnectionString = strings.TrimSpace(string(raw))
	}
	if creds.ConnectionString == "" && strings.TrimSpace(creds.Namespace) == "" {
		return nil, errors.New("azure backend needs connection_string, connection_string_ref or namespace")
	}
	return azurebus.New(creds)
}
