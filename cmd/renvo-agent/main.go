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
	"strings"
	"syscall"
	"time"

	"github.com/renvo/renvo-agent/internal/agent"
	"github.com/renvo/renvo-agent/internal/agent/turnstore"
	"github.com/renvo/renvo-agent/internal/auditlog"
	"github.com/renvo/renvo-agent/internal/config"
	"github.com/renvo/renvo-agent/internal/dispatch"
	"github.com/renvo/renvo-agent/internal/lockfile"
	"github.com/renvo/renvo-agent/internal/push"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("renvo-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `renvo-agent

Usage:
  renvo-agent init [flags]
  renvo-agent run [flags]
  renvo-agent version

Commands:
  init        Write a starter config file.
  run         Run the agent using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	provider := fs.String("provider", config.ProviderOpenAI, "LLM provider: openai|anthropic|openai_compatible")
	model := fs.String("model", "gpt-4o-mini", "Default model name")
	baseURL := fs.String("base-url", "", "Provider endpoint override (required for openai_compatible)")
	catalog := fs.String("catalog", "", "Path to the YAML action/tool catalog")
	pushURL := fs.String("push-url", "", "WebSocket push endpoint (empty disables live delivery)")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")

	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	if strings.TrimSpace(*catalog) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		Provider:    *provider,
		Model:       *model,
		BaseURL:     *baseURL,
		CatalogPath: *catalog,
		PushURL:     *pushURL,
		LogFormat:   *logFormat,
		LogLevel:    *logLevel,
	}
	if err := config.Save(*cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	addr := fs.String("addr", "127.0.0.1:8170", "HTTP listen address")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(strings.TrimSpace(cfg.LogFormat), strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	srv, err := buildServer(cfg, *cfgPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	logger.Info("renvo-agent starting", "version", Version, "addr", *addr, "provider", cfg.EffectiveProvider())
	if err := srv.Run(ctx, *addr); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "agent exited with error: %v\n", err)
		os.Exit(1)
	}
}

func buildServer(cfg *config.Config, cfgPath string, logger *slog.Logger) (*server, error) {
	dbPath := cfg.EffectiveDBPath(cfgPath)
	stateDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}

	// One process per state dir; the SQLite store is not meant to be shared.
	lock, err := lockfile.Acquire(filepath.Join(stateDir, "agent.lock"))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return nil, fmt.Errorf("another renvo-agent is already running against %s", stateDir)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	store, err := turnstore.Open(dbPath)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("open store: %w", err)
	}

	audit, err := auditlog.New(auditlog.Options{Logger: logger, StateDir: stateDir})
	if err != nil {
		_ = store.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("audit log: %w", err)
	}

	catalog, err := agent.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		_ = store.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	apiKey := strings.TrimSpace(os.Getenv(cfg.EffectiveAPIKeyEnv()))
	if apiKey == "" {
		_ = store.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("missing api key: set %s", cfg.EffectiveAPIKeyEnv())
	}

	var llm agent.LLM
	switch cfg.EffectiveProvider() {
	case config.ProviderAnthropic:
		llm = agent.NewAnthropicChat(apiKey, cfg.BaseURL)
	default:
		llm = agent.NewOpenAIChat(apiKey, cfg.BaseURL)
	}

	registry := dispatch.NewRegistry(logger)
	if err := dispatch.RegisterBuiltins(registry, logger); err != nil {
		_ = store.Close()
		_ = lock.Release()
		return nil, err
	}
	logger.Info("dispatch ready", "routes", registry.Routes())

	var pushChan agent.PushChannel = push.Noop{}
	var pushClient *push.Client
	if strings.TrimSpace(cfg.PushURL) != "" {
		pushClient, err = push.NewClient(cfg.PushURL, logger)
		if err != nil {
			_ = store.Close()
			_ = lock.Release()
			return nil, fmt.Errorf("push client: %w", err)
		}
		pushChan = pushClient
	}

	core, err := agent.New(agent.Options{
		Store:              store,
		LLM:                llm,
		Dispatcher:         registry,
		Push:               pushChan,
		Log:                logger,
		Model:              cfg.Model,
		RecentToolMessages: cfg.EffectiveRecentToolMessages(),
		CycleTimeout:       time.Duration(cfg.EffectiveCycleTimeoutSeconds()) * time.Second,
	})
	if err != nil {
		_ = store.Close()
		_ = lock.Release()
		return nil, err
	}

	return &server{
		log:     logger,
		core:    core,
		catalog: catalog,
		store:   store,
		push:    pushClient,
		audit:   audit,
		lock:    lock,
	}, nil
}

// --- logger ---

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
