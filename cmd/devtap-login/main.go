// Command devtap-login drives a scripted login in a browser page through
// its debugging connection and checks that it lands on the welcome page.
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

	"golang.org/x/term"

	"github.com/tomyan/devtap/internal/config"
	"github.com/tomyan/devtap/internal/discovery"
	"github.com/tomyan/devtap/internal/login"
)

// Exit codes
const (
	ExitSuccess     = 0
	ExitError       = 1
	ExitInterrupted = 130 // 128 + SIGINT
)

// Config holds the CLI configuration.
type Config struct {
	config.Endpoint
	Scenario login.Scenario
	Verbose  bool

	// RCDirs overrides where .devtaprc is looked up.
	RCDirs []string

	Stdout io.Writer
	Stderr io.Writer

	// ReadPassword reads a password without echo. Nil uses the terminal.
	ReadPassword func() (string, error)
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: config.Endpoint{Host: config.DefaultHost, Port: config.DefaultPort},
		Scenario: login.DefaultScenario(),
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
	host         string
	port         int
	loginURL     string
	welcome      string
	user         string
	password     string
	timeout      time.Duration
	navTimeout   time.Duration
	scenarioPath string
}

func run(ctx context.Context, args []string, cfg *Config) int {
	sc := &cfg.Scenario

	var fv flagValues
	fs := flag.NewFlagSet("devtap-login", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	fs.StringVar(&fv.host, "host", cfg.Host, "Browser debug host (env: DEVTAP_HOST)")
	fs.IntVar(&fv.port, "port", cfg.Port, "Browser debug port (env: DEVTAP_PORT)")
	fs.StringVar(&fv.scenarioPath, "scenario", "", "YAML scenario file")
	fs.StringVar(&fv.loginURL, "login-url", sc.LoginURL, "Login page URL")
	fs.StringVar(&fv.welcome, "welcome", sc.WelcomeSuffix, "Text the final URL must contain")
	fs.StringVar(&fv.user, "user", sc.Username, "Username to enter")
	fs.StringVar(&fv.password, "password", sc.Password, "Password to enter")
	promptPassword := fs.Bool("password-prompt", false, "Read the password from the terminal")
	fs.DurationVar(&fv.timeout, "timeout", sc.Timeout, "Timeout for each protocol command")
	fs.DurationVar(&fv.navTimeout, "nav-timeout", sc.NavigationTimeout, "Timeout for page load and post-login navigation")
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

	// Config precedence: built-in defaults < .devtaprc < scenario file < env vars < CLI flags
	rc, _, err := config.LoadFile(cfg.RCDirs...)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	cfg.ApplyFile(rc)
	scenarioPath := fv.scenarioPath
	if scenarioPath == "" && rc != nil && rc.Scenario != nil {
		scenarioPath = *rc.Scenario
	}
	if d, ok := rc.TimeoutValue(); ok {
		sc.Timeout = d
	}
	if scenarioPath != "" {
		loaded, err := login.LoadScenario(scenarioPath)
		if err != nil {
			fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
			return ExitError
		}
		*sc = loaded
	}
	cfg.ApplyEnv(explicit)
	reapplyExplicitFlags(cfg, &fv, explicit)

	if *promptPassword {
		password, err := readPassword(cfg)
		if err != nil {
			fmt.Fprintf(cfg.Stderr, "error: reading password: %v\n", err)
			return ExitError
		}
		sc.Password = password
	}

	if err := sc.Validate(); err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}

	log := config.NewLogger(cfg.Stderr, cfg.Verbose)
	defer log.Sync()

	disco := discovery.New(cfg.Host, cfg.Port)
	runner := login.NewRunner(disco, *sc, login.WithLogger(log), login.WithOutput(cfg.Stdout))

	report, err := runner.Run(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			fmt.Fprintln(cfg.Stdout, "\nTest interrupted by user.")
			return ExitInterrupted
		}
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		printHint(cfg.Stderr, err)
		return ExitError
	}

	if report.Passed {
		fmt.Fprintln(cfg.Stdout, "\n--- TEST PASSED ---")
		fmt.Fprintln(cfg.Stdout, "Simulated login and navigation to the welcome page succeeded!")
		return ExitSuccess
	}

	fmt.Fprintln(cfg.Stdout, "\n--- TEST FAILED ---")
	if report.FinalURL == "" {
		fmt.Fprintln(cfg.Stdout, "Could not determine the final URL.")
	} else {
		fmt.Fprintf(cfg.Stdout, "The final URL '%s' does not contain the expected welcome page ('%s').\n",
			report.FinalURL, sc.WelcomeSuffix)
	}
	return ExitError
}

// printHint suggests what to check when one of the servers is not there.
func printHint(w io.Writer, err error) {
	var se *login.StepError
	if !errors.As(err, &se) {
		return
	}
	switch se.Step {
	case login.StepDebugger:
		fmt.Fprintln(w, "Check that the browser is running with remote debugging enabled.")
	case login.StepWebServer:
		fmt.Fprintln(w, "Check that the web server is running.")
	}
}

func readPassword(cfg *Config) (string, error) {
	if cfg.ReadPassword != nil {
		return cfg.ReadPassword()
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal")
	}
	fmt.Fprint(cfg.Stderr, "Password: ")
	data, err := term.ReadPassword(fd)
	fmt.Fprintln(cfg.Stderr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// reapplyExplicitFlags re-applies flag values that were explicitly set on
// the command line, since the config file, scenario and env vars may have
// overwritten them.
func reapplyExplicitFlags(cfg *Config, fv *flagValues, explicit map[string]bool) {
	sc := &cfg.Scenario
	if explicit["host"] {
		cfg.Host = fv.host
	}
	if explicit["port"] {
		cfg.Port = fv.port
	}
	if explicit["login-url"] {
		sc.LoginURL = fv.loginURL
	}
	if explicit["welcome"] {
		sc.WelcomeSuffix = fv.welcome
	}
	if explicit["user"] {
		sc.Username = fv.user
	}
	if explicit["password"] {
		sc.Password = fv.password
	}
	if explicit["timeout"] {
		sc.Timeout = fv.timeout
	}
	if explicit["nav-timeout"] {
		sc.NavigationTimeout = fv.navTimeout
	}
}
