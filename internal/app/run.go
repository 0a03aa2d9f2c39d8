package app

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"

	"github.com/nuetzliches/busdeck/internal/activity"
	"github.com/nuetzliches/busdeck/internal/admin"
	"github.com/nuetzliches/busdeck/internal/config"
	"github.com/nuetzliches/busdeck/internal/explorer"
	"github.com/nuetzliches/busdeck/internal/healthrpc"
	"github.com/nuetzliches/busdeck/internal/procctl"
	"github.com/nuetzliches/busdeck/internal/secrets"
)

const (
	closeTimeout        = 5 * time.Second
	reloadDebounce      = 200 * time.Millisecond
	tokenLoadTimeout    = 10 * time.Second
	readHeaderTimeout   = 10 * time.Second
	metricsPath         = "/metrics"
	explorerTracerName  = "busdeck/explorer"
	healthLoggerName    = "grpc_health"
	adminComponentName  = "admin_api"
	reloadTriggerSIGHUP = "signal_sighup"
	reloadTriggerWatch  = "watch"
)

func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", defaultConfigPath(), "path to YAML config (default $"+configEnvVar+")")
	envFile := fs.String("env-file", "", "load environment variables from file before reading config")
	pidFile := fs.String("pid-file", "", "write process PID to file (for runtime control)")
	logLevel := fs.String("log-level", "", "override observability.log_level (debug|info|warn|error)")
	watch := fs.Bool("watch", true, "reload the config file when it changes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	bootLevel := *logLevel
	if bootLevel == "" {
		bootLevel = "info"
	}
	bootLogger, err := newLogger(bootLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(bootLogger)

	if p := strings.TrimSpace(*envFile); p != "" {
		n, err := loadEnvFile(p)
		if err != nil {
			bootLogger.Error("env_file_failed", slog.Any("err", err))
			return 1
		}
		bootLogger.Info("env_file_loaded", slog.String("path", p), slog.Int("vars", n))
	}

	path := strings.TrimSpace(*configPath)
	cfg, res, err := config.Load(path)
	if err != nil {
		bootLogger.Error("read_config_failed", slog.Any("err", err))
		return 1
	}
	if cfg == nil || !res.OK {
		bootLogger.Error("config_invalid", slog.String("error", config.FormatValidationText(res)))
		return 1
	}
	for _, w := range res.Warnings {
		bootLogger.Warn("config_warning", slog.String("warning", w))
	}
	if *logLevel != "" {
		cfg.Observability.LogLevel = *logLevel
	}

	act := activity.New(cfg.Activity.Capacity)
	logs, err := newLogSetup(cfg.Observability.LogLevel, cfg.Observability.LogOutput, cfg.Observability.LogPath,
		act, cfg.Activity.Level, cfg.Observability.AccessLog)
	if err != nil {
		bootLogger.Error("log_setup_failed", slog.Any("err", err))
		return 1
	}
	defer logs.Close()
	logger := logs.runtime
	slog.SetDefault(logger)
	logger.Info("config_ok", slog.String("path", path), slog.String("backend", cfg.Broker.Backend))

	releasePIDFile, err := procctl.Claim(strings.TrimSpace(*pidFile))
	if err != nil {
		logger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	appMetrics := newRuntimeMetrics()
	appMetrics.activityLen = act.Len

	tracing := cfg.Observability.Tracing
	if tracing.Enabled {
		shutdownTracing, err := initTracing(context.Background(), tracing, func(err error) {
			appMetrics.incTracingExportErrors()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			appMetrics.incTracingInitFailures()
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		appMetrics.setTracingEnabled(true)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled", slog.String("collector", tracing.Collector))
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg.Broker, logger)
	if err != nil {
		logger.Error("open_broker_failed", slog.Any("err", err))
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := b.Close(ctx); err != nil {
			logger.Warn("close_broker_failed", slog.Any("err", err))
		}
	}()
	logger.Info("broker_backend_selected", slog.String("backend", b.name), slog.Bool("breaker", b.breaker != nil))
	appMetrics.breakerState = b.breakerState

	svc := explorer.New(b.transport,
		explorer.WithLogger(logger),
		explorer.WithBudgets(cfg.Explorer),
		explorer.WithTracer(otel.Tracer(explorerTracerName)),
	)

	state := newRuntimeState(logs.level, *logLevel != "")
	if err := state.loadTokens(ctx, cfg); err != nil {
		logger.Error("load_admin_tokens_failed", slog.Any("err", err))
		return 1
	}

	adminH := admin.NewServer(svc, act)
	adminH.Logger = logger
	adminH.Authorize = admin.BearerTokenAuthorizer(state.tokenSet, nil)
	adminH.RequireAuditReason = cfg.Admin.RequireAuditReason
	adminH.MaxBodyBytes = cfg.Admin.MaxBodyBytes
	adminH.Limiter = admin.NewMutationLimiter(cfg.Admin.RateLimit.RPS, cfg.Admin.RateLimit.Burst)
	adminH.AuditMutation = appMetrics.observeMutation
	adminH.HealthDiagnostics = appMetrics.healthDiagnostics
	state.svc = svc
	state.limiter = adminH.Limiter

	srvs, err := startServers(cfg, adminH, logs, appMetrics, b, cancel)
	if err != nil {
		logger.Error("start_servers_failed", slog.Any("err", err))
		return 1
	}
	if srvs.health != nil {
		go srvs.health.Watch(ctx)
	}

	running := cfg
	var reloadMu sync.Mutex
	reloadNow := func(trigger string) {
		reloadMu.Lock()
		defer reloadMu.Unlock()

		updated, ok := reloadConfig(ctx, path, running, state, logger, trigger)
		appMetrics.observeReload(ok)
		if ok {
			running = updated
		}
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reloadNow(reloadTriggerSIGHUP)
			}
		}
	}()
	if *watch && path != "" {
		go watchConfig(ctx, path, logger, func() {
			reloadNow(reloadTriggerWatch)
		})
	}

	<-ctx.Done()
	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer shutdownCancel()
	srvs.shutdown(shutdownCtx)
	return 0
}

// runtimeState holds what a config reload may change without a restart.
type runtimeState struct {
	tokens atomic.Pointer[secrets.Set]

	level         *slog.LevelVar
	levelOverride bool
	svc           *explorer.Service
	limiter       *admin.MutationLimiter
}

func newRuntimeState(level *slog.LevelVar, levelOverride bool) *runtimeState {
	s := &runtimeState{level: level, levelOverride: levelOverride}
	s.tokens.Store(&secrets.Set{})
	return s
}

func (s *runtimeState) tokenSet() secrets.Set {
	if p := s.tokens.Load(); p != nil {
		return *p
	}
	return secrets.Set{}
}

func (s *runtimeState) loadTokens(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, tokenLoadTimeout)
	defer cancel()
	set, err := secrets.LoadSet(ctx, cfg.Admin.TokenSpecs())
	if err != nil {
		return err
	}
	s.tokens.Store(&set)
	return nil
}

// apply pushes the live-reloadable fields of cfg into the running process.
func (s *runtimeState) apply(cfg *config.Config) {
	if s.svc != nil {
		s.svc.SetBudgets(cfg.Explorer)
	}
	if s.level != nil && !s.levelOverride {
		if lvl, err := parseLogLevel(cfg.Observability.LogLevel); err == nil {
			s.level.Set(lvl)
		}
	}
	s.limiter.SetLimit(cfg.Admin.RateLimit.RPS, cfg.Admin.RateLimit.Burst)
}

func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	// Watch the directory: editors and config management replace the file
	// by rename, which drops a watch on the file itself.
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	logger.Info("watching_config", slog.String("path", path))

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(reloadDebounce)
		} else {
			timer.Reset(reloadDebounce)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}

// reloadConfig re-reads path and applies it when only live fields changed.
// The running config is returned unchanged on any failure.
func reloadConfig(ctx context.Context, path string, running *config.Config, state *runtimeState, logger *slog.Logger, trigger string) (*config.Config, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, res, err := config.Load(path)
	if err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return running, false
	}
	if cfg == nil || !res.OK {
		logger.Error("config_reload_failed", slog.String("error", config.FormatValidationText(res)), slog.String("trigger", trigger))
		return running, false
	}
	if state.levelOverride {
		cfg.Observability.LogLevel = running.Observability.LogLevel
	}

	if requiresRestartForReload(cfg, running) {
		logger.Info("config_reloaded_restart_required", slog.String("trigger", trigger))
		return running, false
	}

	if err := state.loadTokens(ctx, cfg); err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return running, false
	}
	state.apply(cfg)

	for _, w := range res.Warnings {
		logger.Warn("config_warning", slog.String("warning", w), slog.String("trigger", trigger))
	}
	logger.Info("config_reloaded_ok", slog.String("trigger", trigger))
	return cfg, true
}

// requiresRestartForReload reports whether next differs from running in
// anything besides admin tokens, explorer budgets, the log level and the
// rate limit values. Turning the rate limit on or off needs a restart.
func requiresRestartForReload(next, running *config.Config) bool {
	if (next.Admin.RateLimit.RPS > 0) != (running.Admin.RateLimit.RPS > 0) {
		return true
	}
	a, b := *next, *running
	for _, c := range []*config.Config{&a, &b} {
		c.Admin.Tokens = nil
		c.Admin.RateLimit = config.RateLimitConfig{}
		c.Explorer = explorer.Budgets{}
		c.Observability.LogLevel = ""
	}
	return !reflect.DeepEqual(a, b)
}

type servers struct {
	http   []*http.Server
	health *healthrpc.Server
}

func (s servers) shutdown(ctx context.Context) {
	if s.health != nil {
		s.health.Stop(ctx)
	}
	for _, srv := range s.http {
		_ = srv.Shutdown(ctx)
	}
}

func startServers(
	cfg *config.Config,
	adminH *admin.Server,
	logs *logSetup,
	appMetrics *runtimeMetrics,
	b *backend,
	cancel context.CancelFunc,
) (servers, error) {
	var out servers
	logger := logs.runtime

	adminLn, err := net.Listen("tcp", cfg.Admin.Listen)
	if err != nil {
		return out, fmt.Errorf("admin listen %q: %w", cfg.Admin.Listen, err)
	}

	tracingEnabled := cfg.Observability.Tracing.Enabled
	mux := http.NewServeMux()
	mux.Handle(metricsPath, authorized(adminH.Authorize, newMetricsHandler(version, time.Now(), appMetrics)))
	mux.Handle("/", adminH)
	handler := wrapTracingHandler(tracingEnabled, adminComponentName, mux)
	if logs.access != nil {
		handler = withAccessLog(logs.access.With(slog.String("component", adminComponentName)), handler)
	}
	adminSrv := &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	out.http = append(out.http, adminSrv)
	serveOnListener(logger, adminComponentName, adminSrv.Serve, adminLn, cancel)
	logger.Info("admin_api_listening", slog.String("addr", adminLn.Addr().String()))

	if addr := strings.TrimSpace(cfg.GRPC.HealthListen); addr != "" {
		healthLn, err := net.Listen("tcp", addr)
		if err != nil {
			_ = adminLn.Close()
			return out, fmt.Errorf("grpc health listen %q: %w", addr, err)
		}
		out.health = healthrpc.NewServer(b.breakerState, logger.With(slog.String("component", healthLoggerName)))
		serveOnListener(logger, healthLoggerName, out.health.Serve, healthLn, cancel)
		logger.Info("grpc_health_listening", slog.String("addr", healthLn.Addr().String()))
	}
	return out, nil
}

// authorized guards handlers mounted beside the admin API with the same
// bearer tokens.
func authorized(authorize admin.Authorizer, next http.Handler) http.Handler {
	if authorize == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := authorize(r); !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
