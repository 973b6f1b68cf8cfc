// Command voidsync runs the change-review server: agents submit
// proposed file contents over HTTP, the pipeline validates them, and
// operator approvals promote staged content into the production tree.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/voidsync/voidsync/pkg/agent"
	"github.com/voidsync/voidsync/pkg/api"
	"github.com/voidsync/voidsync/pkg/audit"
	"github.com/voidsync/voidsync/pkg/config"
	"github.com/voidsync/voidsync/pkg/events"
	"github.com/voidsync/voidsync/pkg/fingerprint"
	"github.com/voidsync/voidsync/pkg/locks"
	"github.com/voidsync/voidsync/pkg/observability"
	"github.com/voidsync/voidsync/pkg/plugin"
	"github.com/voidsync/voidsync/pkg/push"
	"github.com/voidsync/voidsync/pkg/ratelimit"
	"github.com/voidsync/voidsync/pkg/sandbox"
	"github.com/voidsync/voidsync/pkg/store"
	"github.com/voidsync/voidsync/pkg/syncmgr"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	fs := afero.NewOsFs()
	for _, dir := range []string{cfg.WorkspaceRoot, cfg.SandboxRoot} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// Initialization order matters: everything downstream of the store
	// rehydrates from it before the first request.
	tracker := fingerprint.New(st, fs, cfg.WorkspaceRoot)
	lockReg := locks.New(st, logger)

	var mirror ratelimit.Mirror = ratelimit.NewStoreMirror(st)
	if cfg.RedisAddr != "" {
		mirror = ratelimit.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		logger.Info("rate counters mirrored to redis", "addr", cfg.RedisAddr)
	}
	limiter := ratelimit.New(ratelimit.Config{
		Window:      cfg.RateLimitWindow,
		MaxRequests: cfg.RateLimitMax,
	}, mirror, logger)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := limiter.Rehydrate(ctx); err != nil {
		logger.Warn("rate counter rehydrate failed", "error", err)
	}

	pipeline := plugin.NewPipeline(cfg.PluginTimeout, logger)
	for _, pl := range []plugin.Plugin{
		plugin.NewSyntaxValidator(),
		plugin.NewSecurityValidator(),
		plugin.NewCodeFormatter(),
		plugin.NewAccessibilityValidator(),
		plugin.NewLintPlugin(),
	} {
		if err := pipeline.Register(pl); err != nil {
			return err
		}
	}
	if cfg.PluginProfile != "" {
		prof, err := plugin.LoadProfile(cfg.PluginProfile)
		if err != nil {
			return err
		}
		if err := plugin.ApplyProfile(pipeline, prof); err != nil {
			return err
		}
		logger.Info("plugin profile applied", "profile", prof.Name)
	}

	trail := audit.New(st, logger)
	if cfg.AuditLogPath != "" {
		f, err := os.OpenFile(cfg.AuditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		trail = trail.WithMirror(f)
	}

	metrics, err := observability.New("voidsync", logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	bus := events.NewBus(events.DefaultQueueSize, logger)
	defer bus.Close()
	hub := push.NewHub(bus, cfg.KeepAliveInterval, logger)

	agents := agent.New(st, logger)
	workspace := sandbox.New(fs, cfg.WorkspaceRoot, cfg.SandboxRoot)
	manager := syncmgr.New(syncmgr.Deps{
		Store:        st,
		Agents:       agents,
		Locks:        lockReg,
		Limiter:      limiter,
		Pipeline:     pipeline,
		Workspace:    workspace,
		Fingerprints: tracker,
		Trail:        trail,
		Bus:          bus,
		Metrics:      metrics,
		Logger:       logger,
		ContextLines: cfg.DiffContextLines,
	})

	server := api.NewServer(manager, agents, lockReg, hub, logger)
	handler := server.Handler(cfg.PushPath, api.NewGlobalRateLimiter(50, 100))

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port, "workspace", cfg.WorkspaceRoot, "store", cfg.StoreBackend)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch strings.ToLower(cfg.StoreBackend) {
	case "postgres":
		return store.OpenPostgres(cfg.DatabaseURL)
	default:
		return store.OpenSQLite(cfg.SQLitePath)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
