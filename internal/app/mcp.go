package app

import (
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/nuetzliches/busdeck/internal/activity"
	"github.com/nuetzliches/busdeck/internal/config"
	"github.com/nuetzliches/busdeck/internal/explorer"
	"github.com/nuetzliches/busdeck/internal/mcp"
)

func (c *cli) mcpCmd(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(c.stderr, "missing subcommand: serve")
		return 2
	}

	switch args[0] {
	case "serve":
		return c.mcpServe(args[1:])
	default:
		fmt.Fprintf(c.stderr, "unknown mcp subcommand: %s\n", args[0])
		return 2
	}
}

func (c *cli) mcpServe(args []string) int {
	fs := flag.NewFlagSet("mcp serve", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	configPath := fs.String("config", defaultConfigPath(), "path to YAML config (default $"+configEnvVar+")")
	envFile := fs.String("env-file", "", "load environment variables from file before reading config")
	roleName := fs.String("role", "read", "MCP tool authorization role (read|operate)")
	principal := fs.String("principal", "", "principal identity bound to MCP mutation/runtime-control audit events")
	enableMutations := fs.Bool("enable-mutations", false, "enable MCP mutation tools (delete, purge, resubmit, send)")
	enableRuntimeControl := fs.Bool("enable-runtime-control", false, "enable MCP runtime control tools (instance_status, instance_reload)")
	pidFile := fs.String("pid-file", "./busdeck.pid", "pid file of the busdeck serve instance for runtime control tools")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	role, err := mcp.ParseRole(*roleName)
	if err != nil {
		fmt.Fprintln(c.stderr, err.Error())
		return 2
	}

	if p := strings.TrimSpace(*envFile); p != "" {
		if _, err := loadEnvFile(p); err != nil {
			fmt.Fprintf(c.stderr, "env file: %v\n", err)
			return 1
		}
	}
	cfg, res, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		fmt.Fprintln(c.stderr, err.Error())
		return 1
	}
	if cfg == nil || !res.OK {
		fmt.Fprintln(c.stderr, config.FormatValidationText(res))
		return 1
	}

	// stdout carries the protocol; logs never go there.
	output := cfg.Observability.LogOutput
	if !strings.EqualFold(strings.TrimSpace(output), "file") {
		output = "stderr"
	}
	act := activity.New(cfg.Activity.Capacity)
	logs, err := newLogSetup(cfg.Observability.LogLevel, output, cfg.Observability.LogPath, act, cfg.Activity.Level, false)
	if err != nil {
		fmt.Fprintln(c.stderr, err.Error())
		return 1
	}
	defer logs.Close()
	logger := logs.runtime

	ctx, stop := commandContext()
	defer stop()
	b, err := c.open(ctx, cfg.Broker, logger)
	if err != nil {
		logger.Error("open_broker_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = b.Close(ctx) }()

	svc := explorer.New(b.transport,
		explorer.WithLogger(logger),
		explorer.WithBudgets(cfg.Explorer),
		explorer.WithTracer(otel.Tracer(explorerTracerName)),
	)
	server := mcp.NewServer(
		c.stdin,
		c.stdout,
		svc,
		act,
		mcp.WithRole(role),
		mcp.WithPrincipal(*principal),
		mcp.WithAuditWriter(c.stderr),
		mcp.WithMutationsEnabled(*enableMutations),
		mcp.WithRuntimeControlEnabled(*enableRuntimeControl),
		mcp.WithPIDFile(*pidFile),
		mcp.WithVersion(version),
	)
	logger.Info("mcp_serving", slog.String("role", string(role)), slog.Bool("mutations", *enableMutations), slog.String("backend", b.name))
	if err := server.Serve(ctx); err != nil {
		fmt.Fprintln(c.stderr, err.Error())
		return 1
	}
	return 0
}
