// Package app wires all toolgate subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the frontends until the context ends, and Shutdown
// tears everything down in order — sessions first, then a bounded drain of
// in-flight calls, then the sinks.
//
// For testing, inject doubles via functional options (WithRecorder,
// WithEmitter, WithProvider). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/toolgate/internal/broker"
	"github.com/MrWong99/toolgate/internal/config"
	"github.com/MrWong99/toolgate/internal/frontend/mcpstdio"
	"github.com/MrWong99/toolgate/internal/frontend/wsfront"
	"github.com/MrWong99/toolgate/internal/health"
	"github.com/MrWong99/toolgate/internal/history"
	historypg "github.com/MrWong99/toolgate/internal/history/postgres"
	"github.com/MrWong99/toolgate/internal/observe"
	"github.com/MrWong99/toolgate/internal/resilience"
	"github.com/MrWong99/toolgate/internal/telemetry"
	"github.com/MrWong99/toolgate/internal/tools"
	"github.com/MrWong99/toolgate/pkg/provider/llm"
	"github.com/MrWong99/toolgate/pkg/provider/llm/anyllm"
	openaiprovider "github.com/MrWong99/toolgate/pkg/provider/llm/openai"
)

// App owns all subsystem lifetimes of the toolgate daemon.
type App struct {
	cfg     *config.Config
	version string

	emitter   *telemetry.Emitter
	metrics   *observe.Metrics
	recorder  history.Recorder
	registry  *broker.Registry
	providers *broker.Providers
	manager   *broker.Manager
	scheduler *broker.Scheduler
	dispatch  *broker.Dispatcher

	wsServer    *wsfront.Server
	stdioServer *mcpstdio.Server
	serveStdio  bool

	// injected test doubles, consumed during New.
	injectedProviders map[string]llm.Provider

	otelShutdown func(context.Context) error

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
}

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*App)

// WithEmitter injects a telemetry emitter instead of creating one from config.
func WithEmitter(e *telemetry.Emitter) Option {
	return func(a *App) { a.emitter = e }
}

// WithRecorder injects a call-history recorder instead of connecting to the
// configured backend.
func WithRecorder(r history.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithProvider injects a provider implementation under name, bypassing the
// backend adapter construction for that config entry.
func WithProvider(name string, p llm.Provider) Option {
	return func(a *App) {
		if a.injectedProviders == nil {
			a.injectedProviders = make(map[string]llm.Provider)
		}
		a.injectedProviders[name] = p
	}
}

// WithStdioFrontend additionally serves the MCP protocol on stdin/stdout.
func WithStdioFrontend() Option {
	return func(a *App) { a.serveStdio = true }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: telemetry sinks, the OTel providers, the history backend, the
// tool and provider registries, the scheduler, and both frontends.
func New(ctx context.Context, cfg *config.Config, version string, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, version: version}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry sink ────────────────────────────────────────────────
	if a.emitter == nil {
		a.emitter = telemetry.New(cfg.Telemetry.Path)
	}

	// ── 2. Metrics + tracing ─────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init otel: %w", err)
	}
	a.otelShutdown = otelShutdown
	a.metrics = observe.DefaultMetrics()

	// ── 3. Call history ──────────────────────────────────────────────────
	var historyStore *historypg.Store
	if a.recorder == nil {
		if dsn := cfg.History.PostgresDSN; dsn != "" {
			store, err := historypg.NewStore(ctx, dsn)
			if err != nil {
				return nil, fmt.Errorf("app: init history: %w", err)
			}
			historyStore = store
			a.recorder = history.NewAsyncRecorder(store)
			slog.Info("call history enabled", "backend", "postgres")
		} else {
			a.recorder = history.NopRecorder{}
		}
	}

	// ── 4. Tool registry ─────────────────────────────────────────────────
	a.registry = broker.NewRegistry()
	if err := tools.RegisterBuiltins(a.registry); err != nil {
		return nil, fmt.Errorf("app: register builtins: %w", err)
	}

	// ── 5. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, err
	}

	// ── 6. Scheduler, sessions, dispatcher ───────────────────────────────
	a.scheduler = broker.NewScheduler(broker.SchedulerOptions{
		GlobalMaxInflight:     cfg.Limits.GlobalMaxInflight,
		ProviderMaxInflight:   cfg.Limits.ProviderMaxInflight,
		CoalesceDisabledTools: cfg.CoalesceDisabledTools,
	})
	a.manager = broker.NewManager(context.Background(), broker.ManagerOptions{
		AuthToken:          cfg.Server.WSAuthToken,
		HelloTimeout:       cfg.Server.HelloTimeout,
		SessionMaxInflight: cfg.Limits.SessionMaxInflight,
		Emitter:            a.emitter,
		Metrics:            a.metrics,
	})
	a.dispatch = broker.NewDispatcher(broker.DispatcherOptions{
		Config:    cfg,
		Registry:  a.registry,
		Providers: a.providers,
		Scheduler: a.scheduler,
		Emitter:   a.emitter,
		Metrics:   a.metrics,
		Recorder:  a.recorder,
		Breakers:  resilience.NewSet(resilience.Config{}),
	})

	// ── 7. Frontends ─────────────────────────────────────────────────────
	mux := http.NewServeMux()
	a.initHealth(mux, historyStore)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.wsServer = wsfront.NewServer(wsfront.ServerOptions{
		Addr:       cfg.Server.WSAddr(),
		Dispatcher: a.dispatch,
		Manager:    a.manager,
		// One frame write may carry the result of the slowest tier.
		WriteBudget: cfg.Deadlines(config.TierExpert).Frontend,
		Mux:         mux,
	})

	if a.serveStdio {
		a.stdioServer = mcpstdio.NewServer(mcpstdio.ServerOptions{
			Dispatcher: a.dispatch,
			Manager:    a.manager,
			Version:    version,
		})
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initProviders instantiates every configured provider back-end and registers
// its broker handle.
func (a *App) initProviders() error {
	a.providers = broker.NewProviders()

	for _, entry := range a.cfg.Providers {
		impl, ok := a.injectedProviders[entry.Name]
		if !ok {
			built, err := buildProvider(entry)
			if err != nil {
				return fmt.Errorf("app: provider %q: %w", entry.Name, err)
			}
			impl = built
		}
		if err := a.providers.Register(entry.Name, tools.NewLLMHandle(entry.Name, impl)); err != nil {
			return fmt.Errorf("app: provider %q: %w", entry.Name, err)
		}
		slog.Info("provider registered", "name", entry.Name, "backend", entry.Backend, "model", entry.Model)
	}

	if a.providers.Len() == 0 {
		slog.Warn("no providers configured; provider-backed tools will reject calls")
	}
	return nil
}

// buildProvider constructs the adapter for one config entry. The "openai"
// backend uses the native SDK; everything else goes through any-llm-go.
func buildProvider(entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Backend == "openai" {
		var opts []openaiprovider.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaiprovider.WithBaseURL(entry.BaseURL))
		}
		return openaiprovider.New(entry.APIKey, entry.Model, opts...)
	}

	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(entry.Backend, entry.Model, opts...)
}

// initHealth mounts /healthz, /readyz and /statusz on mux.
func (a *App) initHealth(mux *http.ServeMux, store *historypg.Store) {
	var checkers []health.Checker
	if store != nil {
		checkers = append(checkers, health.Checker{Name: "history", Check: store.Ping})
	}

	stats := func() map[string]any {
		return map[string]any{
			"version":          a.version,
			"sessions":         a.manager.Len(),
			"tools":            a.registry.Len(),
			"providers":        a.providers.Names(),
			"telemetry_drops":  a.emitter.Dropped(),
			"telemetry_errors": a.emitter.WriteFailures(),
		}
	}
	health.New(stats, checkers...).Register(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Start binds the WebSocket listener. A bind failure here is a startup
// error; main calls Start before Run so it can classify the exit code
// accordingly. Run calls it when main did not.
func (a *App) Start() error {
	a.startOnce.Do(func() {
		if err := a.wsServer.Start(); err != nil {
			a.startErr = fmt.Errorf("app: start websocket frontend: %w", err)
		}
	})
	return a.startErr
}

// Run starts the frontends and blocks until ctx is cancelled. The WebSocket
// listener always runs; the stdio frontend runs only when enabled and its
// termination (peer closed the stream) does not stop the daemon.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}

	if a.stdioServer != nil {
		go func() {
			if err := a.stdioServer.Run(ctx); err != nil {
				slog.Error("mcp stdio frontend failed", "err", err)
			} else {
				slog.Info("mcp stdio frontend finished")
			}
		}()
	}

	slog.Info("toolgate running",
		"ws_addr", a.wsServer.Addr(),
		"tools", a.registry.Len(),
		"providers", a.providers.Len(),
	)
	<-ctx.Done()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the daemon down in order: close every session (cancelling
// its calls with the shutdown reason), drain in-flight dispatches up to the
// drain budget, stop the listener, then flush the sinks. It respects the ctx
// deadline; work still running when it expires is logged as abandoned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		abandoned := a.manager.CloseAll(broker.ReasonShutdown)
		if abandoned > 0 {
			slog.Info("sessions closed with calls in flight", "calls", abandoned)
		}

		drainCtx, cancel := context.WithTimeout(ctx, a.cfg.DrainTimeout())
		defer cancel()
		if err := a.dispatch.Drain(drainCtx); err != nil {
			slog.Warn("drain budget exceeded, abandoning in-flight calls", "budget", a.cfg.DrainTimeout())
		}

		if err := a.wsServer.Shutdown(ctx); err != nil {
			slog.Warn("websocket frontend shutdown error", "err", err)
		}

		for _, closer := range []func(context.Context) error{
			a.recorder.Close,
			func(context.Context) error { return a.emitter.Close() },
			a.otelShutdown,
		} {
			select {
			case <-ctx.Done():
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
