package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/medinvest/medsync/internal/api"
	"github.com/medinvest/medsync/internal/config"
	"github.com/medinvest/medsync/internal/engine"
	"github.com/medinvest/medsync/internal/migrate"
	"github.com/medinvest/medsync/internal/netmon"
	"github.com/medinvest/medsync/internal/registry"
	"github.com/medinvest/medsync/internal/replay"
	"github.com/medinvest/medsync/internal/sched"
	"github.com/medinvest/medsync/internal/status"
	"github.com/medinvest/medsync/internal/store"
)

var (
	version   = "0.3.0"
	buildTime = "dev"
)

// App holds all the runtime components
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger

	Store        store.Store
	Monitor      *netmon.Monitor
	Client       *api.Client
	Registry     *registry.Registry
	Engine       *engine.Engine
	Replay       *replay.Queue
	Dispatcher   *replay.Dispatcher
	Scheduler    *sched.Scheduler
	StatusServer *status.Server
	Watcher      *config.Watcher

	logLevel  *slog.LevelVar
	svcCtx    context.Context
	svcCancel context.CancelFunc
	services  *errgroup.Group
	unsubs    []func()
}

func main() {
	os.Exit(run())
}

func run() int {
	// Check for subcommands (look through all args, not just first)
	configPath := "medsync.json"
	var subCmd string
	var subCmdIdx int

	// First pass: find config flag
	skipNext := false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 < len(os.Args) {
				configPath = os.Args[i+1]
				skipNext = true
			}
		}
	}

	// Second pass: find subcommand (first non-flag, non-flag-value arg)
	skipNext = false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]

		// Skip known flag patterns
		if arg == "--config" || arg == "-config" || arg == "--version" || arg == "-version" {
			if arg == "--config" || arg == "-config" {
				skipNext = true
			}
			continue
		}

		// This must be a subcommand or positional arg
		if len(arg) > 0 && arg[0] != '-' {
			subCmd = arg
			subCmdIdx = i
			break
		}
	}

	// Handle subcommands
	if subCmd != "" {
		switch subCmd {
		case "migrate":
			// Copy queue state between store backends
			return runMigrateCommand(os.Args[subCmdIdx+1:], configPath)
		case "service":
			// Daemon management (pid, systemd/launchd units)
			if err := runServiceCommand(os.Args[subCmdIdx+1:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
			return 0
		case "version":
			printVersion()
			return 0
		case "start":
			// Explicit start subcommand, falls through to normal daemon start below
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subCmd)
			fmt.Fprintln(os.Stderr, "Available commands: start, migrate, service, version")
			return 1
		}
	}

	// No subcommand - parse as normal daemon start
	fs := flag.NewFlagSet("medsync", flag.ExitOnError)
	configPathFlag := fs.String("config", "medsync.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Printf("Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		printVersion()
		return 0
	}

	// Use the config path from flag if provided
	if *configPathFlag != "medsync.json" {
		configPath = *configPathFlag
	}

	// Setup application
	app, err := setup(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	// Start services
	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		return 1
	}

	// Print banner
	printBanner(app)

	// Wait for shutdown
	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}

	return 0
}

func printVersion() {
	fmt.Printf("MedSync v%s (built %s)\n", version, buildTime)
	fmt.Println("Offline action queue for the MedInvest app")
	fmt.Println("https://github.com/medinvest/medsync")
}

// runMigrateCommand copies queue state between store backends, defaulting
// paths from the loaded config.
func runMigrateCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("medsync migrate", flag.ExitOnError)
	fromKind := fs.String("from", "file", "Source backend (file or sqlite)")
	fromPath := fs.String("from-path", "", "Source path (defaults from config)")
	toKind := fs.String("to", "sqlite", "Target backend (file or sqlite)")
	toPath := fs.String("to-path", "", "Target path (defaults from config)")
	dryRun := fs.Bool("dry-run", false, "Count records without writing")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load config: %v\n", err)
		return 1
	}

	opts := migrate.Options{
		SourceKind: *fromKind,
		SourcePath: *fromPath,
		TargetKind: *toKind,
		TargetPath: *toPath,
		DryRun:     *dryRun,
	}
	if opts.SourcePath == "" {
		opts.SourcePath = backendPath(cfg, opts.SourceKind)
	}
	if opts.TargetPath == "" {
		opts.TargetPath = backendPath(cfg, opts.TargetKind)
	}

	result, err := migrate.Run(context.Background(), opts, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		return 1
	}

	fmt.Printf("Migrated %d actions, %d mutations, %d dead letters\n",
		result.Queue, result.Replay, result.Dead)
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	if *dryRun {
		fmt.Println("Dry run: nothing was written")
	}
	return 0
}

// backendPath resolves the default path for a store backend from config.
func backendPath(cfg *config.Config, kind string) string {
	if kind == "sqlite" {
		if cfg.Storage.Backend == "sqlite" && cfg.Storage.Path != "" {
			return cfg.Storage.Path
		}
		return filepath.Join(cfg.Server.DataDir, "medsync.db")
	}
	return cfg.Server.DataDir
}

// setup initializes all application components
func setup(configPath string) (*App, error) {
	app := &App{ConfigPath: configPath}

	// Setup logger (initially at Info level)
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app.Logger.Info("starting medsync",
		"version", version,
		"config", configPath,
	)

	// Load config
	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	// Recreate logger with the configured level. The LevelVar lets a
	// config reload change verbosity without swapping handlers.
	app.logLevel = new(slog.LevelVar)
	app.logLevel.Set(parseLogLevel(cfg.Server.LogLevel))
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: app.logLevel,
	}))

	// Open the durable store
	st, err := store.Open(cfg.Storage.Backend, cfg.StorePath(), app.Logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.Store = st

	// Create the connectivity monitor
	app.Monitor = netmon.New(netmon.Config{
		ProbeURL:      cfg.Network.ProbeURL,
		WatchURL:      cfg.Network.WatchURL,
		ProbeInterval: time.Duration(cfg.Network.ProbeIntervalSeconds) * time.Second,
		ProbeTimeout:  time.Duration(cfg.Network.ProbeTimeoutSeconds) * time.Second,
	}, app.Logger)

	// Create the backend client. A configured device token is exchanged
	// for short-lived access tokens; without one requests go out
	// unauthenticated, which the dev backend accepts.
	callTimeout := time.Duration(cfg.Client.CallTimeoutSeconds) * time.Second
	var tokens api.TokenSource
	if cfg.Client.Token != "" {
		tokens = api.NewRefreshingToken("", tokenExchange(cfg.Client.BaseURL, cfg.Client.Token, callTimeout))
	}
	app.Client = api.NewClient(api.Config{
		BaseURL:     cfg.Client.BaseURL,
		CallTimeout: callTimeout,
	}, tokens, app.Logger)

	// Create the action registry, with the optional TOML overlay
	if cfg.Queue.RegistryPath != "" {
		reg, err := registry.Load(cfg.Queue.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("load action registry: %w", err)
		}
		app.Registry = reg
		app.Logger.Info("action registry overlay loaded", "path", cfg.Queue.RegistryPath)
	} else {
		app.Registry = registry.New()
	}

	// Create the offline queue engine
	app.Engine = engine.New(st, app.Registry, app.Client, app.Monitor, engine.Config{
		DeadLetterLimit: cfg.Queue.DeadLetterLimit,
	}, app.Logger)

	// Create the mutation replay queue and its dispatcher
	app.Replay = replay.New(st, app.Monitor, app.Logger)
	app.Dispatcher = replay.NewDispatcher()
	app.Dispatcher.RegisterDefault(mutationExecutor(app.Client))

	// Create the drain scheduler
	app.Scheduler = sched.New(sched.DrainerFunc(func(ctx context.Context) {
		app.Engine.Sync(ctx)
		app.Replay.Process(ctx, app.Dispatcher.Execute)
	}), app.Logger)
	if cfg.Scheduler.Enabled {
		if err := app.Scheduler.Load(sched.FromConfig(cfg.Scheduler.Schedules)); err != nil {
			return nil, fmt.Errorf("load schedules: %w", err)
		}
	}

	// Create the status API server
	app.StatusServer = status.New(cfg.Server.Host, cfg.Server.Port, app.Engine, app.Replay, app.Monitor, app.Logger)

	// Watch the config file for edits
	app.Watcher = config.NewWatcher(configPath, 30*time.Second, app.Logger, app.reloadConfig)

	return app, nil
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			return config.Load(path)
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// tokenExchange trades the long-lived device token from config for a
// short-lived access token. The refreshing source calls it again shortly
// before each expiry.
func tokenExchange(baseURL, deviceToken string, timeout time.Duration) api.RefreshFunc {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	endpoint := strings.TrimRight(baseURL, "/") + "/auth/token"

	return func(ctx context.Context) (string, error) {
		body, err := json.Marshal(map[string]string{"deviceToken": deviceToken})
		if err != nil {
			return "", fmt.Errorf("marshal token request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("create token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("token exchange: %w", err)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("token exchange: http %d", resp.StatusCode)
		}

		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode token response: %w", err)
		}
		return out.Token, nil
	}
}

// mutationExecutor replays one paused mutation by posting it to the
// backend's replay endpoint.
func mutationExecutor(client *api.Client) replay.Executor {
	return func(ctx context.Context, mutationKey string, variables json.RawMessage) error {
		body := map[string]interface{}{"mutationKey": mutationKey}
		if len(variables) > 0 {
			body["variables"] = variables
		}
		_, err := client.Do(ctx, http.MethodPost, "/sync/mutations", body)
		return err
	}
}

// reloadConfig re-reads the config file and applies hot-reloadable
// changes. Called on SIGHUP and by the config file watcher.
func (a *App) reloadConfig() {
	result, err := a.Config.Reload(a.ConfigPath)
	if err != nil {
		a.Logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(a.Logger)

	for _, field := range result.Applied {
		switch field {
		case "Server.LogLevel":
			a.logLevel.Set(parseLogLevel(a.Config.Server.LogLevel))
		case "Scheduler":
			a.Scheduler.Stop()
			for _, sc := range a.Scheduler.List() {
				_ = a.Scheduler.Remove(sc.ID)
			}
			if a.Config.Scheduler.Enabled {
				if err := a.Scheduler.Load(sched.FromConfig(a.Config.Scheduler.Schedules)); err != nil {
					a.Logger.Error("reload schedules", "error", err)
					continue
				}
				if a.svcCtx != nil {
					_ = a.Scheduler.Start(a.svcCtx)
				}
			}
		}
	}
}

// startServices starts all services
func startServices(app *App) error {
	app.svcCtx, app.svcCancel = context.WithCancel(context.Background())

	// Start the connectivity monitor first so the queues see real state
	if err := app.Monitor.Start(app.svcCtx); err != nil {
		return fmt.Errorf("start network monitor: %w", err)
	}

	// Load persisted queues
	if err := app.Engine.Initialize(app.svcCtx); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	if err := app.Replay.Initialize(app.svcCtx); err != nil {
		return fmt.Errorf("initialize replay queue: %w", err)
	}

	// The engine resumes itself on reconnect; paused mutations need the
	// same nudge.
	unsub := app.Monitor.Subscribe(func(online bool) {
		if online {
			go app.Replay.Process(app.svcCtx, app.Dispatcher.Execute)
		}
	})
	app.unsubs = append(app.unsubs, unsub)

	// Start scheduled drains
	if app.Config.Scheduler.Enabled {
		if err := app.Scheduler.Start(app.svcCtx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	// Start status API server in background
	group, groupCtx := errgroup.WithContext(app.svcCtx)
	app.services = group
	group.Go(func() error {
		return app.StatusServer.Start(groupCtx)
	})

	// Start the config file watcher
	app.Watcher.Start()

	if err := writePIDFile(); err != nil {
		app.Logger.Warn("could not write pid file", "error", err)
	}

	return nil
}

// printBanner displays the startup banner
func printBanner(app *App) {
	qs := app.Engine.Status()

	fmt.Println()
	fmt.Println("  ╔════════════════════════════════════════╗")
	fmt.Println("  ║        💊 MedSync v" + version + "              ║")
	fmt.Println("  ║  Offline action queue for MedInvest    ║")
	fmt.Println("  ║  Queue anywhere. Deliver when online.  ║")
	fmt.Println("  ╚════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  🌐 Status API: http://%s:%d\n", app.Config.Server.Host, app.Config.Server.Port)
	fmt.Printf("  📦 Store: %s (%s)\n", app.Config.Storage.Backend, app.Config.StorePath())
	fmt.Printf("  🔁 Pending: %d actions, %d mutations\n", qs.Count, app.Replay.Pending())
	fmt.Printf("  📡 Network: %s\n", onlineWord(qs.Online))
	fmt.Println()
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// waitForShutdown waits for termination signal and performs graceful shutdown
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)

	for {
		sig := <-sigCh

		// Handle platform-specific signals (SIGHUP, SIGUSR1 on Unix)
		if handlePlatformSignal(sig, app) {
			continue
		}

		// SIGINT or SIGTERM - proceed to shutdown
		app.Logger.Info("shutdown signal received", "signal", sig)
		break
	}

	// Stop background services
	app.Watcher.Stop()
	for _, unsub := range app.unsubs {
		unsub()
	}
	if app.svcCancel != nil {
		app.svcCancel()
	}
	if app.services != nil {
		if err := app.services.Wait(); err != nil {
			app.Logger.Error("status server stopped with error", "error", err)
		}
	}
	app.Scheduler.Stop()
	if err := app.Monitor.Stop(); err != nil {
		app.Logger.Error("stop network monitor", "error", err)
	}

	// Graceful shutdown. The store is the source of truth, so it closes
	// last, after everything that writes to it has stopped.
	app.Logger.Info("saving state...")
	if err := app.Engine.Close(); err != nil {
		app.Logger.Error("close engine", "error", err)
	}
	if err := app.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	removePIDFile()

	app.Logger.Info("medsync stopped")
	return nil
}
