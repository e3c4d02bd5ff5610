package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skeinhq/skein/internal/codec"
	"github.com/skeinhq/skein/internal/engine"
	"github.com/skeinhq/skein/internal/executor"
	"github.com/skeinhq/skein/internal/isolation"
	"github.com/skeinhq/skein/internal/logging"
	"github.com/skeinhq/skein/internal/sandbox"
	"github.com/skeinhq/skein/internal/store"
	"github.com/skeinhq/skein/internal/streaming"
	"github.com/skeinhq/skein/internal/trigger"
	"github.com/skeinhq/skein/internal/typesys"
	"github.com/skeinhq/skein/internal/validation"
	"github.com/skeinhq/skein/pkg/mcp"
)

func main() {
	var err error
	switch {
	case len(os.Args) > 1 && os.Args[1] == "load":
		err = runLoad(os.Args[2:])
	case len(os.Args) > 1 && os.Args[1] != "serve":
		err = fmt.Errorf("unknown command %q (expected 'serve' or 'load')", os.Args[1])
	default:
		err = runServe()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "skein:", err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	eventLog := store.NewEventLog(st)

	registry, conversions, err := typesys.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("build type registry: %w", err)
	}

	blobs, err := codec.NewFSBlobStore(cfg.BlobDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	wireCodec := codec.New(registry, blobs, codec.Config{SpillThreshold: cfg.SpillThresholdBytes})

	isolator, err := isolation.NewIsolator()
	if err != nil {
		return fmt.Errorf("init isolator: %w", err)
	}

	sandboxes, err := sandbox.NewManager(sandbox.Config{
		BaseDir:        cfg.SandboxDir,
		PoolSize:       cfg.SandboxPoolSize,
		IdleTimeout:    cfg.sandboxIdle(),
		InstallTimeout: cfg.installTimeout(),
		PolicyRules:    cfg.InstallPolicy,
	}, logger)
	if err != nil {
		return fmt.Errorf("init sandbox manager: %w", err)
	}
	sandboxes.StartReaper(ctx, time.Minute)

	exec := executor.New(registry, wireCodec, isolator, executor.Config{
		DefaultTimeout: cfg.nodeTimeout(),
	}, logger)

	validator, err := validation.NewGraphValidator(registry, conversions)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	hub := streaming.NewMemoryHub()
	sandboxes.Notify = streaming.SandboxNotifier(hub)

	eng := engine.New(engine.Deps{
		Store:     st,
		EventLog:  eventLog,
		Validator: validator,
		Sandboxes: sandboxes,
		Executor:  exec,
		Blobs:     blobs,
		Notify:    streaming.NewNotifier(hub),
		Logger:    logger,
	}, engine.Config{
		PoolSize:       cfg.PoolSize,
		RunConcurrency: cfg.RunConcurrency,
		Limits: isolation.ResourceLimits{
			MaxMemoryBytes: cfg.maxMemoryBytes(),
			CPUPercent:     cfg.CPUPercent,
			Timeout:        cfg.nodeTimeout(),
			AllowNetwork:   cfg.AllowNetwork,
		},
	})
	defer eng.Shutdown()

	scheduler := trigger.NewScheduler(st, eng, logger)
	if err := scheduler.RecoverMissed(ctx); err != nil {
		logger.Warn("trigger recovery failed", "error", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start trigger scheduler: %w", err)
	}
	defer scheduler.Stop()

	srv := mcp.NewSkeinServer(mcp.SkeinServerDeps{
		Engine:      eng,
		Store:       st,
		Types:       registry,
		Conversions: conversions,
		Checker:     validator,
		Logger:      logger,
	})

	notifier := mcp.NewRunNotifier(srv.MCPServer(), srv.Sessions(), hub, logger)
	if err := notifier.Start(ctx); err != nil {
		return fmt.Errorf("start run notifier: %w", err)
	}
	defer notifier.Stop()

	// Periodic blob garbage collection.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, gcErr := eng.CollectGarbage(ctx); gcErr != nil {
					logger.Warn("blob gc failed", "error", gcErr)
				} else if n > 0 {
					logger.Info("blob gc", "deleted", n)
				}
			}
		}
	}()

	logger.Info("skein engine started", "db", cfg.DBPath, "pool_size", cfg.PoolSize)
	return srv.Serve(ctx)
}

func runLoad(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: skein load <manifest.yaml>")
	}

	cfg := loadConfig()
	ctx := context.Background()

	manifest, err := parseManifest(args[0])
	if err != nil {
		return err
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry, conversions, err := typesys.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("build type registry: %w", err)
	}
	validator, err := validation.NewGraphValidator(registry, conversions)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	if err := applyManifest(ctx, manifest, st, validator); err != nil {
		return err
	}

	fmt.Printf("loaded %d definition(s) and %d graph(s)\n", len(manifest.Definitions), len(manifest.Graphs))
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// MCP owns stdout; logs go to stderr.
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
