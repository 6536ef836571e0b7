// Package login drives a scripted login through a page's debugging
// connection and checks where the browser ends up.
package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/tomyan/devtap/internal/cdp"
	"github.com/tomyan/devtap/internal/discovery"
)

// Steps of the login flow, in order.
const (
	StepDebugger       = "check debugger"
	StepWebServer      = "check web server"
	StepFindPage       = "find page"
	StepConnect        = "connect"
	StepNavigate       = "navigate"
	StepReadyState     = "check page state"
	StepFillUsername   = "fill username"
	StepFillPassword   = "fill password"
	StepReadValues     = "read values"
	StepSubmit         = "submit"
	StepWaitNavigation = "wait for navigation"
	StepFinalURL       = "read final URL"
)

// StepError is a failure of one step of the flow.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Report is the outcome of a completed run. A run that reached the end but
// did not land on the welcome page is a report with Passed false, not an
// error.
type Report struct {
	TargetID      string
	CreatedTarget bool
	ReadyState    string
	Values        string
	FinalURL      string
	Passed        bool
	Steps         []string
}

// Runner executes a Scenario against a browser.
type Runner struct {
	disco    *discovery.Client
	scenario Scenario
	log      *zap.Logger
	out      io.Writer
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithOutput sets where progress messages are printed.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) {
		if w != nil {
			r.out = w
		}
	}
}

// NewRunner returns a runner for the scenario.
func NewRunner(disco *discovery.Client, scenario Scenario, opts ...Option) *Runner {
	r := &Runner{
		disco:    disco,
		scenario: scenario,
		log:      zap.NewNop(),
		out:      io.Discard,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) printf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, format+"\n", args...)
}

// Run performs the login flow once.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	sc := r.scenario
	report := &Report{}

	step := func(name string, err error) error {
		if err != nil {
			r.log.Debug("step failed", zap.String("step", name), zap.Error(err))
			return &StepError{Step: name, Err: err}
		}
		report.Steps = append(report.Steps, name)
		return nil
	}

	r.printf("Starting login test...")

	if _, err := r.disco.Version(ctx); err != nil {
		return report, step(StepDebugger, fmt.Errorf("debug server not reachable at %s: %w", r.disco.BaseURL(), err))
	}
	step(StepDebugger, nil)
	r.printf("Debug server reachable.")

	if err := r.disco.Reachable(ctx, sc.LoginURL); err != nil {
		return report, step(StepWebServer, fmt.Errorf("web server not reachable at %s: %w", sc.LoginURL, err))
	}
	step(StepWebServer, nil)
	r.printf("Web server reachable.")

	target, created, err := r.disco.FindOrCreatePage(ctx)
	if err != nil {
		return report, step(StepFindPage, err)
	}
	step(StepFindPage, nil)
	report.TargetID = target.ID
	report.CreatedTarget = created
	if created {
		r.printf("No page available. Created a new one.")
	}
	r.printf("Connecting to WebSocket: %s", target.WebSocketDebuggerURL)

	client, err := cdp.Dial(ctx, target.WebSocketDebuggerURL,
		cdp.WithCallTimeout(sc.Timeout), cdp.WithLogger(r.log))
	if err != nil {
		return report, step(StepConnect, err)
	}
	defer client.Close()
	step(StepConnect, nil)
	r.printf("WebSocket connected. Target ID: %s", target.ID)

	r.printf("Navigating to: %s", sc.LoginURL)
	if _, err := client.NavigateAndWait(ctx, "", sc.LoginURL, sc.NavigationTimeout); err != nil {
		return report, step(StepNavigate, err)
	}
	step(StepNavigate, nil)

	state, err := client.Evaluate(ctx, "", "document.readyState")
	if err != nil {
		return report, step(StepReadyState, err)
	}
	step(StepReadyState, nil)
	report.ReadyState = state.String()
	r.printf("Page state: %s", report.ReadyState)
	if report.ReadyState != "complete" {
		r.printf("WARNING: the page may not be fully loaded.")
	}

	r.printf("Filling username: %s", sc.Username)
	if _, err := client.Evaluate(ctx, "", setValueScript(sc.Selectors.Username, sc.Username)); err != nil {
		return report, step(StepFillUsername, err)
	}
	step(StepFillUsername, nil)

	r.printf("Filling password: %s", strings.Repeat("*", len(sc.Password)))
	if _, err := client.Evaluate(ctx, "", setValueScript(sc.Selectors.Password, sc.Password)); err != nil {
		return report, step(StepFillPassword, err)
	}
	step(StepFillPassword, nil)

	values, err := client.Evaluate(ctx, "", readValuesScript(sc.Selectors.Username, sc.Selectors.Password))
	if err != nil {
		return report, step(StepReadValues, err)
	}
	step(StepReadValues, nil)
	report.Values = maskedValues(values)
	r.printf("Values entered: %s", report.Values)

	r.printf("Clicking the login button...")
	if _, err := client.Evaluate(ctx, "", clickScript(sc.Selectors.Submit)); err != nil {
		return report, step(StepSubmit, err)
	}
	step(StepSubmit, nil)

	r.printf("Waiting for navigation after login...")
	_, err = client.WaitForURL(ctx, "", sc.WelcomeSuffix, sc.NavigationTimeout, sc.PollInterval)
	if err != nil && !errors.Is(err, cdp.ErrTimeout) {
		return report, step(StepWaitNavigation, err)
	}
	// A timeout here is not fatal: the final URL decides the verdict
	step(StepWaitNavigation, nil)

	final, err := client.CurrentURL(ctx, "")
	if err != nil {
		return report, step(StepFinalURL, err)
	}
	step(StepFinalURL, nil)
	report.FinalURL = final
	r.printf("Final URL: %s", final)

	report.Passed = final != "" && strings.Contains(final, sc.WelcomeSuffix)
	return report, nil
}

// setValueScript assigns value to the element matching selector. Both are
// embedded as JSON strings so quotes in either cannot break the script.
func setValueScript(selector, value string) string {
	return fmt.Sprintf(`(function() {
	const el = document.querySelector(%s);
	if (!el) throw new Error("element not found: " + %s);
	el.value = %s;
	return el.value;
})()`, jsString(selector), jsString(selector), jsString(value))
}

func readValuesScript(userSelector, passSelector string) string {
	return fmt.Sprintf(`[document.querySelector(%s).value, document.querySelector(%s).value]`,
		jsString(userSelector), jsString(passSelector))
}

// maskedValues renders the read-back form values as "user / ****".
func maskedValues(result *cdp.EvalResult) string {
	pair, ok := result.Value.([]interface{})
	if !ok || len(pair) != 2 {
		return result.String()
	}
	user, _ := pair[0].(string)
	pass, _ := pair[1].(string)
	return user + " / " + strings.Repeat("*", len(pass))
}

func clickScript(selector string) string {
	return fmt.Sprintf(`(function() {
	const el = document.querySelector(%s);
	if (!el) throw new Error("element not found: " + %s);
	el.click();
	return true;
})()`, jsString(selector), jsString(selector))
}

func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
