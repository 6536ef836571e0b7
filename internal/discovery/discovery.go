// Package discovery talks to the browser's HTTP debugging endpoint, which
// lists inspectable targets and hands out their websocket debugger URLs.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds each discovery request.
const DefaultTimeout = 3 * time.Second

var (
	ErrNoDebuggerURL = errors.New("no WebSocket URL in response")
	ErrNoPage        = errors.New("no page target available")
)

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.URL, e.Status, e.Body)
}

// VersionInfo is the payload of /json/version.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Target describes an inspectable target as listed by /json/list.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

// IsPage reports whether the target is a page that can be connected to.
func (t Target) IsPage() bool {
	return t.Type == "page" && t.WebSocketDebuggerURL != ""
}

// Client queries a discovery endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the endpoint, e.g. "http://127.0.0.1:9222".
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New returns a client for the endpoint at host:port.
func New(host string, port int, opts ...Option) *Client {
	c := &Client{
		baseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the endpoint the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Version fetches /json/version. A payload without a debugger URL is an
// error.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	if err := c.do(ctx, http.MethodGet, "/json/version", &info); err != nil {
		return nil, err
	}
	if info.WebSocketDebuggerURL == "" {
		return nil, ErrNoDebuggerURL
	}
	return &info, nil
}

// List fetches every target from /json/list.
func (c *Client) List(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := c.do(ctx, http.MethodGet, "/json/list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// NewTarget opens a new tab, optionally at pageURL.
func (c *Client) NewTarget(ctx context.Context, pageURL string) (*Target, error) {
	path := "/json/new"
	if pageURL != "" {
		path += "?" + url.QueryEscape(pageURL)
	}

	var t Target
	if err := c.do(ctx, http.MethodPut, path, &t); err != nil {
		return nil, err
	}
	if t.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("new target %s: %w", t.ID, ErrNoDebuggerURL)
	}
	return &t, nil
}

// FindOrCreatePage returns the first connectable page target. Only when
// there is none is a new target created, so repeated calls against an
// unchanged browser return the same page. created reports whether a new
// target had to be opened.
func (c *Client) FindOrCreatePage(ctx context.Context) (t *Target, created bool, err error) {
	targets, err := c.List(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range targets {
		if targets[i].IsPage() {
			return &targets[i], false, nil
		}
	}

	t, err = c.NewTarget(ctx, "")
	if err != nil {
		return nil, false, fmt.Errorf("%w: creating target: %w", ErrNoPage, err)
	}
	return t, true, nil
}

// Reachable checks that rawURL answers a HEAD request with a 2xx status.
func (c *Client) Reachable(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: rawURL, Status: resp.StatusCode}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to browser: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{URL: u, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
