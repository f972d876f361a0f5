// Proctrigger publishes MQTT messages when watched processes start and
// stop.
//
// Each trigger names a process and an MQTT topic. Once per tick the
// host process table is compared against every trigger, and a trigger
// whose process appeared publishes its on value while one whose process
// went away publishes its off value. Triggers and the broker address
// are edited at runtime through a local HTTP API and persist in the
// data directory.
//
// Usage:
//
//	proctrigger serve              Start watching and serve the HTTP API
//	proctrigger init [dir]         Write an example config.yaml
//	proctrigger processes          List the process names visible now
//	proctrigger version            Print version and build information
//	proctrigger -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/nugget/proctrigger/internal/api"
	"github.com/nugget/proctrigger/internal/buildinfo"
	"github.com/nugget/proctrigger/internal/config"
	"github.com/nugget/proctrigger/internal/events"
	"github.com/nugget/proctrigger/internal/metrics"
	"github.com/nugget/proctrigger/internal/mqtt"
	"github.com/nugget/proctrigger/internal/process"
	"github.com/nugget/proctrigger/internal/reconcile"
	"github.com/nugget/proctrigger/internal/store"
	"github.com/nugget/proctrigger/internal/trigger"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stdout; the caller prints the
// returned error to stderr. Arguments are parsed by hand to keep
// flag.CommandLine global state out of parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "processes":
		return runProcesses(ctx, stdout, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runProcesses prints one sample of the process table, the same list a
// trigger name is matched against.
func runProcesses(ctx context.Context, w io.Writer, outputFmt string) error {
	qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	list, err := process.ListNames(qctx)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}
	names := process.NewSnapshot(list, time.Now()).Names()

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"processes": names, "count": len(names)})
	}
	for _, n := range names {
		fmt.Fprintln(w, n)
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Proctrigger - MQTT messages when processes start and stop")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: proctrigger [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Watch processes and serve the HTTP API")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  processes    List the process names visible now")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/proctrigger/config.yaml, /etc/proctrigger/config.yaml")
	return nil
}

// runServe starts the watcher and blocks until ctx is cancelled or
// SIGINT/SIGTERM arrives.
//
// The shutdown sequence is:
//  1. The signal cancels the context, stopping the sampler and ticks
//  2. The HTTP server drains in-flight requests
//  3. The trigger list is flushed to the store
//  4. The broker connection, store and lock file are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting proctrigger", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	switch {
	case errors.Is(err, config.ErrNoConfig):
		logger.Warn("no config file found, using defaults", "error", err)
		cfg, cfgPath = config.Default(), ""
	case err != nil:
		return err
	}

	// --- Data directory ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// One watcher per data directory; a second instance would publish
	// every transition twice.
	fileLock := flock.New(filepath.Join(cfg.DataDir, "proctrigger.lock"))
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("proctrigger already running for %s (lock held by another process)", cfg.DataDir)
	}
	defer func() { _ = fileLock.Unlock() }()

	// Reconfigure the logger now that the level, format and log file
	// are known.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by config.Load
		var out io.Writer = stdout
		if cfg.LogFile.On() {
			lf := newLogFile(cfg.DataDir, cfg.LogFile)
			defer lf.Close()
			out = io.MultiWriter(stdout, lf)
		}
		logger = newLogger(out, level, cfg.LogFormat)
		slog.SetDefault(logger)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"data_dir", cfg.DataDir,
		"listen", fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		"tick", cfg.Reconcile.TickInterval,
		"sample", cfg.Sampler.Interval,
	)

	// --- Store ---
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Trigger registry ---
	// An unreadable list is logged and the watcher starts empty.
	saved, err := st.LoadTriggers()
	if err != nil {
		logger.Error("saved triggers unreadable, starting with none", "error", err)
		saved = []trigger.Trigger{}
	}
	registry := trigger.NewRegistry(st, cfg.Reconcile.LockTimeout, logger.With("component", "registry"))
	if err := registry.Load(ctx, saved); err != nil {
		if !errors.Is(err, trigger.ErrNotPersisted) {
			return fmt.Errorf("hydrate trigger registry: %w", err)
		}
		logger.Warn("trigger IDs assigned but not saved", "error", err)
	}
	logger.Info("triggers loaded", "count", len(saved))

	// --- Metrics ---
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	// --- MQTT client ---
	clientID, err := mqtt.ClientID(cfg.Broker.ClientID, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("mqtt client id: %w", err)
	}
	client := mqtt.NewClient(mqtt.Options{
		ClientID:          clientID,
		Username:          cfg.Broker.Username,
		Password:          cfg.Broker.Password,
		KeepAlive:         cfg.Broker.KeepAlive,
		ConnectTimeout:    cfg.Broker.ConnectTimeout,
		ReconnectInterval: cfg.Broker.ReconnectInterval,
		PublishTimeout:    cfg.Broker.PublishTimeout,
		QoS:               *cfg.Broker.QoS,
		Retain:            *cfg.Broker.Retain,
		Logger:            logger.With("component", "mqtt"),
	})
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Broker.ConnectTimeout)
		defer closeCancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
	}()

	// --- Process sampler ---
	sampler := process.NewSampler(process.SamplerConfig{
		Interval:     cfg.Sampler.Interval,
		QueryTimeout: cfg.Sampler.QueryTimeout,
		OnSample:     func(s *process.Snapshot) { metrics.SetSnapshotProcesses(s.Len()) },
		OnError:      func(error) { metrics.IncSampleFailure() },
		Logger:       logger.With("component", "sampler"),
	})

	// --- Engine ---
	bus := events.New()
	engine := reconcile.New(reconcile.Config{
		Registry:       registry,
		Client:         client,
		Sampler:        sampler,
		Settings:       st,
		Bus:            bus,
		TickInterval:   cfg.Reconcile.TickInterval,
		ReportInterval: cfg.Connectivity.ReportInterval,
		ExtraActions:   reconcile.ExtraActionsFromConfig(cfg.Reconcile.ExtraActions),
		Logger:         logger.With("component", "reconcile"),
	})
	engine.Start(ctx)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx)
	}()

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, engine, bus, logger.With("component", "api"))
	if cfg.Metrics.Enabled {
		server.EnableMetrics()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown incomplete", "error", err)
		}
	}()

	var serveErr error
	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		serveErr = fmt.Errorf("server failed: %w", err)
		cancel()
	}

	<-engineDone

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	_ = engine.Flush(flushCtx) // logged by the engine

	logger.Info("proctrigger stopped")
	return serveErr
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// newLogFile returns the rotating log file in the data directory.
func newLogFile(dataDir string, cfg config.LogFileConfig) *lj.Logger {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}
	return &lj.Logger{
		Filename:   filepath.Join(dataDir, "log.txt"),
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
