// Command toolgate is the tool-invocation broker daemon: it accepts tool
// calls from MCP stdio and WebSocket clients and dispatches them to LLM
// provider back-ends under admission control and the layered timeout
// hierarchy.
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

	"github.com/MrWong99/toolgate/internal/app"
	"github.com/MrWong99/toolgate/internal/config"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; environment variables always apply)")
	stdio := flag.Bool("stdio", false, "additionally serve the MCP protocol on stdin/stdout")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "toolgate: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("toolgate starting",
		"version", version,
		"config", *configPath,
		"ws_addr", cfg.Server.WSAddr(),
		"stdio", *stdio,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, *stdio)

	opts := []app.Option{}
	if *stdio {
		opts = append(opts, app.WithStdioFrontend())
	}

	application, err := app.New(ctx, cfg, version, opts...)
	if err != nil {
		slog.Error("failed to initialise daemon", "err", err)
		return 1
	}

	// Bind before entering the run loop so a bind failure is a startup error.
	if err := application.Start(); err != nil {
		slog.Error("failed to bind listeners", "err", err)
		return 1
	}

	slog.Info("daemon ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 2
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout()+15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 2
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

// printStartupSummary writes the box to stderr: stdout may belong to the MCP
// stream when -stdio is set.
func printStartupSummary(cfg *config.Config, stdio bool) {
	w := os.Stderr
	fmt.Fprintln(w, "╔═══════════════════════════════════════════╗")
	fmt.Fprintln(w, "║         toolgate — startup summary        ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════════╣")
	fmt.Fprintf(w, "║  WebSocket       : %-22s ║\n", cfg.Server.WSAddr())
	fmt.Fprintf(w, "║  MCP stdio       : %-22s ║\n", enabled(stdio))
	for _, tier := range config.Tiers() {
		d := cfg.Deadlines(tier)
		fmt.Fprintf(w, "║  %-8s tier   : %-22s ║\n", tier, fmt.Sprintf("%s → %s", d.Tool, d.Client))
	}
	fmt.Fprintf(w, "║  Inflight caps   : %-22s ║\n",
		fmt.Sprintf("%d/%d/%d", cfg.Limits.GlobalMaxInflight, cfg.Limits.ProviderMaxInflight, cfg.Limits.SessionMaxInflight))
	fmt.Fprintf(w, "║  Providers       : %-22d ║\n", len(cfg.Providers))
	fmt.Fprintf(w, "║  Call history    : %-22s ║\n", enabled(cfg.History.PostgresDSN != ""))
	fmt.Fprintf(w, "║  Telemetry file  : %-22s ║\n", enabled(cfg.Telemetry.Path != ""))
	fmt.Fprintln(w, "╚═══════════════════════════════════════════╝")
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
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
