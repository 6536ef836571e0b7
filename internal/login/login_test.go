package login_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tomyan/devtap/internal/cdp"
	"github.com/tomyan/devtap/internal/discovery"
	"github.com/tomyan/devtap/internal/login"
	"github.com/tomyan/devtap/internal/testutil"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login.html" {
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testScenario(site *httptest.Server) login.Scenario {
	sc := login.DefaultScenario()
	sc.LoginURL = site.URL + "/login.html"
	sc.Timeout = time.Second
	sc.NavigationTimeout = 300 * time.Millisecond
	sc.PollInterval = 10 * time.Millisecond
	return sc
}

func newRunner(t *testing.T, b *testutil.FakeBrowser, sc login.Scenario, out *bytes.Buffer) *login.Runner {
	return login.NewRunner(discovery.New(b.Host(), b.Port()), sc,
		login.WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))), login.WithOutput(out))
}

func TestRun_ReachesWelcomePage(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()
	b.AddPage("P1", "about:blank")

	page := &testutil.LoginPage{Redirect: "http://localhost:8080/welcome.html?user=python_user"}
	page.Install(b)

	site := newSite(t)
	var out bytes.Buffer
	report, err := newRunner(t, b, testScenario(site), &out).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Passed)
	assert.Equal(t, "P1", report.TargetID)
	assert.False(t, report.CreatedTarget)
	assert.Equal(t, "complete", report.ReadyState)
	assert.Equal(t, "http://localhost:8080/welcome.html?user=python_user", report.FinalURL)
	assert.Equal(t, "python_user / ***************", report.Values)
	assert.Equal(t, []string{
		login.StepDebugger, login.StepWebServer, login.StepFindPage, login.StepConnect,
		login.StepNavigate, login.StepReadyState, login.StepFillUsername, login.StepFillPassword,
		login.StepReadValues, login.StepSubmit, login.StepWaitNavigation, login.StepFinalURL,
	}, report.Steps)

	assert.Equal(t, "python_user", page.Field("#username"))
	assert.Equal(t, "python_password", page.Field("#password"))
	assert.Zero(t, b.NewTargetCalls())

	assert.Contains(t, out.String(), "Final URL: http://localhost:8080/welcome.html?user=python_user")
	assert.NotContains(t, out.String(), "python_password")

	methods := b.Methods()
	require.GreaterOrEqual(t, len(methods), 3)
	assert.Equal(t, []string{"Page.enable", "Page.navigate", "Runtime.evaluate"}, methods[:3])
}

func TestRun_StaysOnLoginPage(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()
	b.AddPage("P1", "about:blank")

	page := &testutil.LoginPage{Redirect: "http://localhost:8080/login.html?error=1"}
	page.Install(b)

	start := time.Now()
	report, err := newRunner(t, b, testScenario(newSite(t)), &bytes.Buffer{}).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Passed)
	assert.Equal(t, "http://localhost:8080/login.html?error=1", report.FinalURL)
	assert.Contains(t, report.Steps, login.StepFinalURL)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRun_CreatesPageWhenNoneExists(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	page := &testutil.LoginPage{Redirect: "http://localhost:8080/welcome.html"}
	page.Install(b)

	var out bytes.Buffer
	report, err := newRunner(t, b, testScenario(newSite(t)), &out).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Passed)
	assert.True(t, report.CreatedTarget)
	assert.Equal(t, "NEW1", report.TargetID)
	assert.Equal(t, 1, b.NewTargetCalls())
	assert.Contains(t, out.String(), "Created a new one")
}

func TestRun_DebuggerUnreachable(t *testing.T) {
	t.Parallel()

	runner := login.NewRunner(discovery.New("localhost", 1), login.DefaultScenario())
	report, err := runner.Run(context.Background())

	var se *login.StepError
	require.True(t, errors.As(err, &se), "expected StepError, got %v", err)
	assert.Equal(t, login.StepDebugger, se.Step)
	assert.Empty(t, report.Steps)
}

func TestRun_WebServerDown(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()
	b.AddPage("P1", "about:blank")

	sc := testScenario(newSite(t))
	sc.LoginURL = strings.Replace(sc.LoginURL, "/login.html", "/gone.html", 1)

	_, err := newRunner(t, b, sc, &bytes.Buffer{}).Run(context.Background())

	var se *login.StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, login.StepWebServer, se.Step)

	var status *discovery.StatusError
	assert.True(t, errors.As(err, &status))
	assert.Empty(t, b.Commands())
}

func TestRun_MissingField(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()
	b.AddPage("P1", "about:blank")

	page := &testutil.LoginPage{Missing: "#password"}
	page.Install(b)

	report, err := newRunner(t, b, testScenario(newSite(t)), &bytes.Buffer{}).Run(context.Background())

	var se *login.StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, login.StepFillPassword, se.Step)

	var evalErr *cdp.EvalError
	assert.True(t, errors.As(err, &evalErr))
	assert.Contains(t, report.Steps, login.StepFillUsername)
	assert.False(t, report.Passed)
}

func TestRun_CommandTimeout(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()
	b.AddPage("P1", "about:blank")

	page := &testutil.LoginPage{}
	page.Install(b)
	b.Handle("Runtime.evaluate", func(cmd testutil.Command) testutil.Reply {
		return testutil.Reply{Drop: true}
	})

	sc := testScenario(newSite(t))
	sc.Timeout = 150 * time.Millisecond

	start := time.Now()
	_, err := newRunner(t, b, sc, &bytes.Buffer{}).Run(context.Background())

	var se *login.StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, login.StepReadyState, se.Step)
	assert.ErrorIs(t, err, cdp.ErrTimeout)
	assert.Contains(t, err.Error(), "Runtime.evaluate")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()
	b.AddPage("P1", "about:blank")

	page := &testutil.LoginPage{}
	page.Install(b)
	b.Handle("Runtime.evaluate", func(cmd testutil.Command) testutil.Reply {
		return testutil.Reply{Drop: true}
	})

	sc := testScenario(newSite(t))
	sc.Timeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := newRunner(t, b, sc, &bytes.Buffer{}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
