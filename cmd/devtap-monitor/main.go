// Command devtap-monitor records console output, page errors and network
// traffic from every page of a running browser into a log file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tomyan/devtap/internal/config"
	"github.com/tomyan/devtap/internal/discovery"
	"github.com/tomyan/devtap/internal/logsink"
	"github.com/tomyan/devtap/internal/monitor"
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
)

// Config holds the CLI configuration.
type Config struct {
	config.Endpoint
	LogPath string
	Follow  bool
	Timeout time.Duration
	Verbose bool

	// RCDirs overrides where .devtaprc is looked up. Nil means the working
	// and home directories.
	RCDirs []string

	Stdout io.Writer
	Stderr io.Writer
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: config.Endpoint{Host: config.DefaultHost, Port: config.DefaultPort},
		LogPath:  "browser_logs.txt",
		Follow:   true,
		Timeout:  5 * time.Second,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], DefaultConfig())
	stop()
	os.Exit(code)
}

type flagValues struct {
	host    string
	port    int
	logPath string
	follow  bool
	timeout time.Duration
}

func run(ctx context.Context, args []string, cfg *Config) int {
	var fv flagValues
	fs := flag.NewFlagSet("devtap-monitor", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	fs.StringVar(&fv.host, "host", cfg.Host, "Browser debug host (env: DEVTAP_HOST)")
	fs.IntVar(&fv.port, "port", cfg.Port, "Browser debug port (env: DEVTAP_PORT)")
	fs.StringVar(&fv.logPath, "log", cfg.LogPath, "File the events are appended to")
	fs.BoolVar(&fv.follow, "follow", cfg.Follow, "Also watch pages opened after start")
	fs.DurationVar(&fv.timeout, "timeout", cfg.Timeout, "Timeout for each protocol command")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Print protocol diagnostics to stderr")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitError
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(cfg.Stderr, "unexpected argument: %s\n", fs.Arg(0))
		return ExitError
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	// Config precedence: built-in defaults < .devtaprc < env vars < CLI flags
	rc, _, err := config.LoadFile(cfg.RCDirs...)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	applyFile(cfg, rc)
	cfg.ApplyEnv(explicit)
	reapplyExplicitFlags(cfg, &fv, explicit)

	log := config.NewLogger(cfg.Stderr, cfg.Verbose)
	defer log.Sync()

	sink, err := logsink.Open(cfg.LogPath)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}

	m := monitor.New(discovery.New(cfg.Host, cfg.Port), sink,
		monitor.WithLogger(log),
		monitor.WithFollow(cfg.Follow),
		monitor.WithCallTimeout(cfg.Timeout))

	fmt.Fprintf(cfg.Stdout, "Browser monitor started. Logs are saved to %s\n", cfg.LogPath)
	fmt.Fprintln(cfg.Stdout, "Press Ctrl+C to stop")
	log.Debug("monitor session", zap.String("id", m.ID()), zap.String("endpoint", cfg.Host))

	runErr := m.Run(ctx)

	if err := sink.Close(); err != nil {
		fmt.Fprintf(cfg.Stderr, "error: writing log: %v\n", err)
		return ExitError
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", runErr)
		return ExitError
	}

	fmt.Fprintln(cfg.Stdout, "\nMonitoring stopped")
	return ExitSuccess
}

func applyFile(cfg *Config, f *config.File) {
	if f == nil {
		return
	}
	cfg.ApplyFile(f)
	if f.Log != nil {
		cfg.LogPath = *f.Log
	}
	if f.Follow != nil {
		cfg.Follow = *f.Follow
	}
	if d, ok := f.TimeoutValue(); ok {
		cfg.Timeout = d
	}
}

// reapplyExplicitFlags re-applies flag values that were explicitly set
// on the command line, since .devtaprc and env loading may have overwritten them.
func reapplyExplicitFlags(cfg *Config, fv *flagValues, explicit map[string]bool) {
	if explicit["host"] {
		cfg.Host = fv.host
	}
	if explicit["port"] {
		cfg.Port = fv.port
	}
	if explicit["log"] {
		cfg.LogPath = fv.logPath
	}
	if explicit["follow"] {
		cfg.Follow = fv.follow
	}
	if explicit["timeout"] {
		cfg.Timeout = fv.timeout
	}
}
