// Command secmon is the security monitor daemon binary. It loads a TOML
// configuration file, starts the filesystem watcher, network poller, USB
// monitor, trigger engine, and IPC listener, and shuts down gracefully on
// SIGTERM or SIGINT.
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

	"github.com/soulvice/secmon/internal/audit"
	"github.com/soulvice/secmon/internal/bus"
	"github.com/soulvice/secmon/internal/classify"
	"github.com/soulvice/secmon/internal/config"
	"github.com/soulvice/secmon/internal/daemonctx"
	"github.com/soulvice/secmon/internal/ipc"
	"github.com/soulvice/secmon/internal/logging"
	"github.com/soulvice/secmon/internal/monitor"
	"github.com/soulvice/secmon/internal/netpoll"
	"github.com/soulvice/secmon/internal/trigger"
	"github.com/soulvice/secmon/internal/usbmon"
	"github.com/soulvice/secmon/internal/watcher"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/secmon/config.toml", "path to the secmon TOML configuration file")
	socketOverride := flag.String("socket", "", "override the configured socket_path")

	var logLevel string
	flag.StringVar(&logLevel, "log-level", "", "override the configured log_level")
	flag.StringVar(&logLevel, "l", "", "shorthand for --log-level")

	var daemonMode bool
	flag.BoolVar(&daemonMode, "daemon", false, "run in background as a daemon")
	flag.BoolVar(&daemonMode, "d", false, "shorthand for --daemon")

	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print the version and exit")
	flag.BoolVar(&showVersion, "v", false, "shorthand for --version")

	var showHelp bool
	flag.BoolVar(&showHelp, "help", false, "print usage and exit")
	flag.BoolVar(&showHelp, "h", false, "shorthand for --help")

	pidFile := flag.String("pid-file", "/tmp/secmon.pid", "PID file path (daemon mode only)")
	logFile := flag.String("log-file", "/tmp/secmon.log", "log file path when running as daemon")
	flag.Parse()

	if showHelp {
		flag.Usage()
		return
	}
	if showVersion {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "secmon: %v\n", err)
		os.Exit(1)
	}
	if *socketOverride != "" {
		cfg.SocketPath = *socketOverride
	}
	if logLevel != "" {
		if !config.ValidLogLevel(logLevel) {
			fmt.Fprintf(os.Stderr, "secmon: --log-level %q must be one of: debug, info, warn, error\n", logLevel)
			os.Exit(1)
		}
		cfg.LogLevel = logLevel
	}

	if daemonMode && !daemonctx.IsReexecChild() {
		running, pid, err := daemonctx.CheckExistingInstance(*pidFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "secmon: %v\n", err)
			os.Exit(1)
		}
		if running {
			fmt.Fprintf(os.Stderr, "secmon: daemon already running (pid %d)\n", pid)
			os.Exit(1)
		}
		if err := daemonctx.Daemonize(*logFile); err != nil {
			fmt.Fprintf(os.Stderr, "secmon: %v\n", err)
			os.Exit(1)
		}
		return // Daemonize exits the parent; unreachable for the child.
	}

	logger := logging.New(cfg.LogLevel, nil)

	if daemonMode {
		if err := daemonctx.WritePIDFile(*pidFile); err != nil {
			logger.Error("failed to write pid file", "error", err)
			os.Exit(1)
		}
		defer daemonctx.RemovePIDFile(*pidFile) //nolint:errcheck
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(logger)
	defer b.Close()

	var auditLog *audit.Logger
	if cfg.AuditLogPath != "" {
		auditLog, err = audit.Open(cfg.AuditLogPath)
		if err != nil {
			logger.Error("failed to open audit log", "error", err)
			os.Exit(1)
		}
		defer auditLog.Close()
		go auditSink(b, auditLog, logger)
	}

	fsWatcher, err := watcher.New(cfg.Watches, logger)
	if err != nil {
		logger.Error("failed to initialize filesystem watcher", "error", err)
		os.Exit(1)
	}
	if err := fsWatcher.Start(ctx); err != nil {
		logger.Error("failed to start filesystem watcher", "error", err)
		os.Exit(1)
	}
	defer fsWatcher.Stop()

	poller := netpoll.New(cfg.NetworkIDS, logger)
	if err := poller.Start(ctx); err != nil {
		logger.Error("failed to start network poller", "error", err)
		os.Exit(1)
	}
	defer poller.Stop()

	usb := usbmon.New(logger)
	if err := usb.Start(ctx); err != nil {
		logger.Error("failed to start usb monitor", "error", err)
		os.Exit(1)
	}
	defer usb.Stop()

	go pumpRawFSEvents(fsWatcher, b)
	go pumpSecurityEvents(poller.Events(), b)
	go pumpSecurityEvents(usb.Events(), b)

	engine := trigger.New(cfg.Triggers, logger)
	engine.Start(ctx, b)
	defer engine.Stop(b)

	listener, err := ipc.Bind(cfg.SocketPath, b, logger)
	if err != nil {
		logger.Error("failed to bind ipc socket", "error", err)
		os.Exit(1)
	}
	defer listener.Close()

	go func() {
		if err := listener.Serve(); err != nil {
			logger.Error("ipc listener error", "error", err)
		}
	}()

	logger.Info("secmon started", "socket", cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
}

// pumpRawFSEvents classifies raw filesystem tuples and publishes the
// resulting SecurityEvents onto the bus.
func pumpRawFSEvents(w *watcher.FilesystemWatcher, b *bus.Bus) {
	for raw := range w.Events() {
		eventType, severity, description := classify.Classify(raw.BasePath, raw.FullPath, raw.Mask)
		b.Publish(monitor.SecurityEvent{
			Timestamp: time.Now(),
			EventType: eventType,
			Path:      raw.FullPath,
			Details: monitor.EventDetails{
				Severity:    severity,
				Description: description,
				Metadata:    classify.BuildMetadata(raw.Mask, raw.Name),
			},
		})
	}
}

// pumpSecurityEvents forwards already-classified SecurityEvents from a
// producer channel onto the bus.
func pumpSecurityEvents(src <-chan monitor.SecurityEvent, b *bus.Bus) {
	for evt := range src {
		b.Publish(evt)
	}
}

// auditSink subscribes to every published SecurityEvent and appends it to
// the tamper-evident audit trail. A lagged subscription (ErrLagged) is
// logged and resumed from the bus's current tail rather than treated as
// fatal: the audit log favors availability of the daemon over completeness
// of its own record.
func auditSink(b *bus.Bus, auditLog *audit.Logger, logger *slog.Logger) {
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for {
		evt, err := sub.Recv()
		if err != nil {
			if errors.Is(err, bus.ErrLagged) {
				logger.Warn("audit sink lagged; some events were not recorded")
				continue
			}
			return
		}
		if _, err := auditLog.Append(evt); err != nil {
			logger.Error("failed to append audit entry", "error", err)
		}
	}
}
