// Package testutil provides a fake browser for protocol tests and a
// headless Chrome launcher for integration tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/tomyan/devtap/internal/discovery"
)

// ChromeInstance is a headless browser started for a test.
type ChromeInstance struct {
	Port int

	cmd     *exec.Cmd
	dataDir string
}

// StartChrome launches headless Chrome with remote debugging on port and
// waits until its discovery endpoint answers. Stop it with Stop.
func StartChrome(port int) (*ChromeInstance, error) {
	path := findChrome()
	if path == "" {
		return nil, errors.New("Chrome not found")
	}

	dataDir, err := os.MkdirTemp("", "devtap-test-chrome-*")
	if err != nil {
		return nil, fmt.Errorf("creating profile dir: %w", err)
	}

	cmd := exec.Command(path,
		"--headless",
		"--disable-gpu",
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-extensions",
		"--disable-background-networking",
		"--disable-sync",
		"--no-first-run",
		"--mute-audio",
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--user-data-dir="+dataDir,
		"about:blank",
	)
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("starting Chrome: %w", err)
	}

	c := &ChromeInstance{Port: port, cmd: cmd, dataDir: dataDir}
	if err := c.waitReady(10 * time.Second); err != nil {
		c.Stop()
		return nil, err
	}
	return c, nil
}

func (c *ChromeInstance) waitReady(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	disco := discovery.New("localhost", c.Port)
	for {
		if _, err := disco.Version(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("Chrome not ready on port %d after %s", c.Port, timeout)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Stop kills the browser and removes its profile.
func (c *ChromeInstance) Stop() {
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
	}
	if c.dataDir != "" {
		os.RemoveAll(c.dataDir)
	}
}

// RequireChrome starts Chrome for an integration test and stops it when
// the test ends. The test is skipped in -short mode and when no browser is
// installed.
func RequireChrome(t testing.TB, port int) *ChromeInstance {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	if findChrome() == "" {
		t.Skip("Chrome not found on this system")
	}

	c, err := StartChrome(port)
	if err != nil {
		t.Fatalf("starting Chrome: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func findChrome() string {
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "brave-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	var known []string
	switch runtime.GOOS {
	case "darwin":
		known = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser",
		}
	case "linux":
		known = []string{"/snap/bin/chromium", "/usr/bin/brave-browser"}
	case "windows":
		known = []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
	}
	for _, p := range known {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
