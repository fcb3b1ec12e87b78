package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/lsm/substrate/internal/config"
	"github.com/lsm/substrate/internal/executor"
	"github.com/lsm/substrate/internal/gateway"
	"github.com/lsm/substrate/internal/observability"
	"github.com/lsm/substrate/internal/ratelimit"
	"github.com/lsm/substrate/internal/registry"
	"github.com/lsm/substrate/internal/sandbox"
	"github.com/lsm/substrate/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse("substrate", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	level := observability.GetLogLevel(cfg.LogLevel)
	logger := observability.NewLogger("substrate", level)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	topics := observability.NewTopicLogger(logger, cfg.LogTopics, ratelimit.New(cfg.LogRate, 0), metrics)
	topics.Systemf("Substrate starting up")
	logger.Debug("effective configuration", "listen", cfg.ListenAddr(), "ttl_ms", cfg.TTL,
		"topics", topics.Topics(), "admin", cfg.AdminAddr, "entry_point", cfg.EntryPoint)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	traces, err := tracing.Setup(ctx, tracing.OptionsFromEnv("substrate"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	tracer := traces.Tracer()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := traces.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}()

	store := registry.New(cfg.TTLDuration(), logger)
	observability.RegisterAppletGauge(reg, store.Len)

	rt, err := sandbox.NewRuntime(ctx, topics)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			logger.Error("runtime close error", "error", err)
		}
	}()

	cache := executor.NewCache(store, rt, metrics, tracer, logger)
	defer func() {
		if err := cache.Close(context.Background()); err != nil {
			logger.Error("cache close error", "error", err)
		}
	}()
	store.OnExpire(func(uuid.UUID) { metrics.AppletsExpired.Inc() })
	store.OnRemove(func(h uuid.UUID) { cache.Evict(context.Background(), h) })

	if cfg.Load != "" {
		if err := preload(cfg.Load, store, topics); err != nil {
			topics.Systemf("Shutting down: %v", err)
			return err
		}
	}

	var watcher *config.Watcher
	if cfg.ModulesDir != "" {
		watcher = config.NewWatcher(cfg.ModulesDir, store, logger)
		watcher.OnLoad(func(path string, meta registry.Metadata) {
			topics.Systemf("Applet %s stored with UUID: %s", filepath.Base(path), meta.Handle)
		})
		if err := watcher.Scan(); err != nil {
			topics.Systemf("Shutting down: %v", err)
			return fmt.Errorf("load modules: %w", err)
		}
	}

	adapter := gateway.NewAdapter(cache, rt,
		gateway.WithEntryPoint(cfg.EntryPoint),
		gateway.WithMetrics(metrics),
		gateway.WithTracer(tracer),
		gateway.WithLogger(logger),
	)
	server, err := gateway.NewServer(gateway.Config{ListenAddr: cfg.ListenAddr()}, adapter, logger)
	if err != nil {
		return err
	}

	health := observability.NewHealthServer()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	g.Go(func() error { return store.RunJanitor(gctx, janitorInterval(cfg.TTLDuration())) })
	if watcher != nil {
		g.Go(func() error { return watcher.Watch(gctx) })
	}
	if cfg.AdminAddr != "" {
		admin := gateway.NewAdmin(gateway.AdminConfig{ListenAddr: cfg.AdminAddr}, store, reg, health, logger)
		admin.OnRegister(func(meta registry.Metadata) {
			topics.Systemf("Applet %q stored with UUID: %s", meta.Name, meta.Handle)
		})
		g.Go(func() error { return ignoreCanceled(admin.Start(gctx)) })
		g.Go(func() error {
			select {
			case <-admin.Ready():
				topics.Systemf("Admin API running at http://%s", admin.ListenAddr)
			case <-gctx.Done():
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-server.Ready():
		case <-gctx.Done():
			return nil
		}
		topics.Systemf("Substrate server running at http://%s", server.ListenAddr)
		health.SetReady()
		<-gctx.Done()
		health.SetNotReady("shutting down")
		return nil
	})

	err = g.Wait()
	reason := "signal received"
	if err != nil {
		reason = err.Error()
	}
	topics.Systemf("Shutting down: %s", reason)
	return err
}

// preload registers the file at path as a pinned applet.
func preload(path string, store *registry.Store, topics *observability.TopicLogger) error {
	topics.Systemf("Loading WASM file: %s", path)
	binary, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read the WASM file '%s': %w", path, err)
	}
	meta := store.Register(binary, "Loaded Applet", registry.Pinned())
	topics.Systemf("Applet stored with UUID: %s", meta.Handle)
	return nil
}

// janitorInterval sweeps a few times per TTL, bounded to [100ms, 1m].
func janitorInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/4, 100*time.Millisecond), time.Minute)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
