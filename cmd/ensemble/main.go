// Command ensemble is the main entry point for the Ensemble multi-agent
// conversation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/ensemble/internal/app"
	"github.com/MrWong99/ensemble/internal/config"
	"github.com/MrWong99/ensemble/internal/observe"
	"github.com/MrWong99/ensemble/internal/resilience"
)

// shutdownTimeout bounds the graceful teardown after the signal context is
// cancelled.
const shutdownTimeout = 15 * time.Second

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload bot definitions when the config file changes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ensemble: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ensemble: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("ensemble starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", string(cfg.Server.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first so every later subsystem records into the real
	// providers.
	otelShutdown, err := observe.Init(observe.Config{
		ServiceName:    "ensemble",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "error", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "error", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "error", err)
		return 1
	}

	if err := application.ConnectDiscord(); err != nil {
		slog.Error("failed to connect discord frontend", "error", err)
		return 1
	}

	if *watch {
		watcher, err := config.NewWatcher(*configPath, application.ApplyConfig,
			config.WithWatcherLogger(logger))
		if err != nil {
			slog.Error("failed to start config watcher", "error", err)
			return 1
		}
		defer watcher.Stop()
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "error", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(sctx); err != nil {
		slog.Error("shutdown error", "error", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildProviders instantiates the providers named in cfg via the default
// registry.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	reg := config.DefaultRegistry()
	ps := &app.Providers{}

	llmProvider, err := reg.BuildLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, err
	}
	ps.LLM = llmProvider
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if name := cfg.Providers.LLMFallback.Name; name != "" {
		fb, err := reg.BuildLLM(cfg.Providers.LLMFallback)
		if err != nil {
			return nil, err
		}
		failover := resilience.NewFailover(cfg.Providers.LLM.Name, llmProvider)
		failover.AddFallback(name, fb)
		ps.LLM = failover
		slog.Info("provider created", "kind", "llm_fallback", "name", name)
	}

	embedder, err := reg.BuildEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		return nil, err
	}
	if embedder != nil {
		ps.Embeddings = embedder
		slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Ensemble — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	if cfg.Discord.Token != "" {
		fmt.Printf("║  Discord         : %-19s ║\n", "connected")
	} else {
		fmt.Printf("║  Discord         : %-19s ║\n", "(disabled)")
	}
	if cfg.Memory.PostgresDSN != "" {
		fmt.Printf("║  Store           : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Store           : %-19s ║\n", "in-memory")
	}
	fmt.Printf("║  Bots configured : %-19d ║\n", len(cfg.Bots))
	fmt.Printf("║  Tool servers    : %-19d ║\n", len(cfg.Tools.Servers))
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
