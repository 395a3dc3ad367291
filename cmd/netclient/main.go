// Netclient keeps a ventilation controller connected to its LAN and MQTT
// broker.
//
// It brings up the wired interface, maintains an MQTT session bound to
// the acquired address, subscribes the command and debug topics, and
// publishes a periodic heartbeat. Health is served over a local HTTP
// status endpoint. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	netclient serve              Run the connectivity supervisor
//	netclient version            Print version and build information
//	netclient -o json version    Output version information as JSON
//
// Sending SIGUSR1 to a running supervisor requests a blocking LAN
// re-initialization.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kwlctl/netclient/internal/buildinfo"
	"github.com/kwlctl/netclient/internal/config"
	"github.com/kwlctl/netclient/internal/heartbeat"
	"github.com/kwlctl/netclient/internal/lan"
	"github.com/kwlctl/netclient/internal/mqtt"
	"github.com/kwlctl/netclient/internal/scheduler"
	"github.com/kwlctl/netclient/internal/status"
	"github.com/kwlctl/netclient/internal/supervisor"
)

// shutdownTimeout bounds the offline publish and server drain on exit.
const shutdownTimeout = 5 * time.Second

// main constructs the OS-level environment and delegates to [run], so
// that the command can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; bring-up
// progress and fatal errors go to stderr. Arguments are parsed by hand
// to keep run free of flag package globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

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
			return fmt.Errorf("unknown argument: %s", args[i])
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
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Netclient - controller LAN and MQTT connectivity supervisor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: netclient [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the connectivity supervisor")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/netclient/config.yaml, /etc/netclient/config.yaml")
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting netclient", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already checked the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"interface", cfg.LAN.Interface,
		"broker", cfg.MQTT.Broker,
	)

	// --- Identity ---
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return err
	}
	clientID := mqtt.ClientID(cfg.MQTT.ClientID, instanceID)

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := supervisor.NewMetrics(reg)

	// --- Transport and session ---
	iface := lan.New(cfg.LAN, logger.With("component", "lan"))
	session, err := mqtt.NewSession(cfg.MQTT, iface, logger.With("component", "mqtt"),
		mqtt.WithMessageObserver(metrics.ObserveMessage),
	)
	if err != nil {
		return err
	}

	// --- Scheduler and tasks ---
	sched := scheduler.New(logger.With("component", "scheduler"), config.Millis(cfg.Scheduler.PollIntervalMS))
	sup := supervisor.New(cfg, clientID, iface, session, logger.With("component", "supervisor"),
		supervisor.WithScheduler(sched),
		supervisor.WithMetrics(metrics),
	)
	sup.Start(ctx, stderr)

	hb := heartbeat.New(cfg.Heartbeat, sup, logger.With("component", "heartbeat"))
	sched.Add(heartbeat.TaskName, hb)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1:
				logger.Info("lan re-initialization requested")
				sup.RequestBringUp()
			}
		}
	}()

	sched.Start(ctx)

	// --- Status server ---
	var statusSrv *status.Server
	if cfg.Status.Address != "" {
		statusSrv = status.NewServer(cfg.Status.Address, sup, reg, logger.With("component", "status"),
			status.WithScheduler(sched),
		)
		if err := statusSrv.Start(ctx); err != nil {
			sched.Stop()
			return fmt.Errorf("start status server on %s: %w", cfg.Status.Address, err)
		}
	}

	logger.Info("netclient running", "client_id", clientID)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop the scheduler first so nothing polls the session while it is
	// being shut down.
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	sup.Shutdown(shutdownCtx)
	if statusSrv != nil {
		_ = statusSrv.Shutdown(shutdownCtx)
	}

	logger.Info("netclient stopped")
	return nil
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

// loadConfig locates, parses and validates the YAML configuration file.
// If explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
