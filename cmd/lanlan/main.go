// Command lanlan is the entry point for every process of the Lanlan runtime.
// One binary serves three roles, selected with -role:
//
//	launch   start and supervise the other processes (default)
//	main     the user-facing realtime WebSocket server
//	agent    task analysis, dispatch, and MCP aggregation
//
// The launcher spawns the main and agent roles by re-executing itself, so a
// production deployment only ships one executable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanlantech/lanlan/internal/agentd"
	"github.com/lanlantech/lanlan/internal/character"
	"github.com/lanlantech/lanlan/internal/config"
	"github.com/lanlantech/lanlan/internal/health"
	"github.com/lanlantech/lanlan/internal/launcher"
	"github.com/lanlantech/lanlan/internal/llm"
	"github.com/lanlantech/lanlan/internal/mcp"
	"github.com/lanlantech/lanlan/internal/observe"
	"github.com/lanlantech/lanlan/internal/server"
)

const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	role := flag.String("role", "launch", `process role: "launch", "main" or "agent"`)
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lanlan: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lanlan: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("lanlan starting",
		"role", *role,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *role {
	case "launch":
		err = runLaunch(ctx, cfg, *configPath)
	case "main":
		err = runMain(ctx, cfg)
	case "agent":
		err = runAgent(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "lanlan: unknown role %q; valid roles: launch, main, agent\n", *role)
		return 2
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "role", *role, "err", err)
		return 1
	}
	slog.Info("goodbye", "role", *role)
	return 0
}

// ── launch role ───────────────────────────────────────────────────────────────

// runLaunch spawns the main and agent processes by re-executing this binary,
// plus the optional external collaborator commands, and supervises them until
// any child exits or the context is cancelled.
func runLaunch(ctx context.Context, cfg *config.Config, configPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}

	procs := []launcher.Process{
		{
			Name:      "agent",
			Command:   []string{exe, "-role", "agent", "-config", configPath},
			ReadyAddr: probeAddr(cfg.Server.AgentAddr),
		},
		{
			Name:      "main",
			Command:   []string{exe, "-role", "main", "-config", configPath},
			ReadyAddr: probeAddr(cfg.Server.MainAddr),
		},
	}
	if cfg.Server.MemoryCommand != "" {
		procs = append(procs, launcher.Process{
			Name:    "memory",
			Command: strings.Fields(cfg.Server.MemoryCommand),
		})
	}
	if cfg.Server.MonitorCommand != "" {
		procs = append(procs, launcher.Process{
			Name:    "monitor",
			Command: strings.Fields(cfg.Server.MonitorCommand),
		})
	}

	return launcher.New(procs).Run(ctx)
}

// probeAddr turns a listen address like ":48911" into one the readiness
// probe can dial.
func probeAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// ── main role ─────────────────────────────────────────────────────────────────

// runMain serves the user-facing WebSocket endpoint, the task-result notify
// API, and the character hot-reload watcher.
func runMain(ctx context.Context, cfg *config.Config) error {
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "lanlan-main"})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	chars, err := config.LoadCharacters(cfg.CharactersFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		slog.Warn("characters file missing, starting with none", "path", cfg.CharactersFile)
	}

	registry := character.NewRegistry(chars, cfg.Server.MonitorURL, cfg.DataDir)
	defer registry.Close()

	factory, err := server.NewSessionFactory(cfg)
	if err != nil {
		return err
	}
	srv := server.New(cfg, registry, factory)

	watcher, err := config.NewCharacterWatcher(cfg.CharactersFile, func(_, changed []config.CharacterConfig) {
		report := srv.ApplyReload(changed)
		slog.Info("characters reloaded",
			"added", len(report.Added),
			"replaced", len(report.Replaced),
			"mutated", len(report.Mutated),
			"removed", len(report.Removed),
			"voice_changed", len(report.VoiceChanged),
		)
	})
	if err != nil {
		slog.Warn("character watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	mux := http.NewServeMux()
	srv.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "upstream", Check: func(context.Context) error {
			if cfg.Upstream.APIKey == "" {
				return errors.New("upstream api_key is not configured")
			}
			return nil
		}},
		health.Checker{Name: "characters", Check: func(context.Context) error {
			if len(registry.Names()) == 0 {
				return errors.New("no characters configured")
			}
			return nil
		}},
	).Register(mux)

	return serveHTTP(ctx, cfg.Server.MainAddr, mux)
}

// ── agent role ────────────────────────────────────────────────────────────────

// runAgent serves task analysis and dispatch, the aggregated MCP endpoint,
// and the MCP admin API.
func runAgent(ctx context.Context, cfg *config.Config) error {
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "lanlan-agent"})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── MCP aggregation ───────────────────────────────────────────────────────
	serversFile := cfg.Agent.MCPServersFile
	if !filepath.IsAbs(serversFile) {
		serversFile = filepath.Join(cfg.DataDir, serversFile)
	}
	store, err := mcp.NewStore(serversFile)
	if err != nil {
		return fmt.Errorf("mcp server store: %w", err)
	}
	agg := mcp.NewAggregator(store)
	defer agg.Close()
	if err := agg.ConnectAll(ctx); err != nil {
		// Unreachable upstreams are skipped, not fatal; they can be
		// reconnected via the admin API.
		slog.Warn("some MCP upstreams failed to connect", "err", err)
	}
	exporter := mcp.NewExporter(ctx, agg)
	admin := mcp.NewAdmin(agg, exporter)

	// ── Classifier and backends ───────────────────────────────────────────────
	classifier, err := llm.NewWithFallbacks(cfg.Classifier)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	var plugins *agentd.PluginClient
	if cfg.Agent.PluginServiceURL != "" {
		plugins = agentd.NewPluginClient(cfg.Agent.PluginServiceURL)
	}

	registry := agentd.NewRegistry()
	gui := agentd.NewGuiScheduler(cfg.Agent.ComputerUseCommand, cfg.Agent.QueueBound, registry)
	defer gui.Stop()

	notifier := agentd.NewNotifier("http://" + probeAddr(cfg.Server.MainAddr))
	dispatcher := agentd.NewDispatcher(classifier, agg, plugins, gui, registry, notifier, agentd.NewLLMDeduper(classifier))
	dispatcher.SetFlags(&cfg.Agent.MCPEnabled, &cfg.Agent.ComputerUseEnabled, &cfg.Agent.UserPluginEnabled)

	mux := http.NewServeMux()
	agentd.NewServer(dispatcher).Register(mux)
	admin.Register(mux)
	mux.Handle("/mcp", exporter.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "mcp", Check: func(context.Context) error {
			for _, s := range agg.Servers() {
				if !s.Connected {
					return fmt.Errorf("upstream %s is disconnected", s.Name)
				}
			}
			return nil
		}},
	).Register(mux)

	// The agent only ever listens on loopback; its admin surface has no auth.
	return serveHTTP(ctx, probeAddr(cfg.Server.AgentAddr), mux)
}

// ── HTTP serving ──────────────────────────────────────────────────────────────

// serveHTTP runs an HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(observe.DefaultMetrics())(handler),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping…")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return ctx.Err()
}

// ── Logger ────────────────────────────────────────────────────────────────────

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
