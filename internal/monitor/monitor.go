// Package monitor passively records console output, page errors and network
// traffic from the pages of a running browser.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tomyan/devtap/internal/cdp"
	"github.com/tomyan/devtap/internal/discovery"
)

// ErrNoPages is returned by Run when the browser has no pages and new ones
// are not being followed.
var ErrNoPages = errors.New("no pages found")

// errorHook funnels uncaught exceptions and unhandled promise rejections
// into console.error so they reach the console channel.
const errorHook = `
window.onerror = function(message, source, lineno, colno, error) {
	console.error({
		message: message,
		source: source,
		lineno: lineno,
		colno: colno,
		error: error && error.stack
	});
	return false;
};
window.onunhandledrejection = function(event) {
	console.error('Unhandled Promise Rejection:', event.reason);
};
`

// LineLogger receives formatted log lines.
type LineLogger interface {
	Log(line string)
}

// Monitor attaches to every page of a browser and logs what happens on it.
type Monitor struct {
	id          string
	disco       *discovery.Client
	out         LineLogger
	log         *zap.Logger
	follow      bool
	callTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	watching map[string]bool
	wg       sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithFollow controls whether pages opened after start are watched too.
func WithFollow(follow bool) Option {
	return func(m *Monitor) {
		m.follow = follow
	}
}

// WithCallTimeout sets the deadline of each protocol command.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		m.callTimeout = d
	}
}

// WithClock overrides the time source used for line timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New returns a monitor that discovers the browser through disco and writes
// to out.
func New(disco *discovery.Client, out LineLogger, opts ...Option) *Monitor {
	m := &Monitor{
		id:          uuid.NewString(),
		disco:       disco,
		out:         out,
		log:         zap.NewNop(),
		follow:      true,
		callTimeout: cdp.DefaultCallTimeout,
		now:         time.Now,
		watching:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(zap.String("monitor", m.id))
	return m
}

// ID identifies this monitoring session in diagnostics.
func (m *Monitor) ID() string {
	return m.id
}

// Run connects to the browser and watches its pages until ctx is cancelled
// or the browser goes away.
func (m *Monitor) Run(ctx context.Context) error {
	m.out.Log("Connecting to browser...")

	info, err := m.disco.Version(ctx)
	if err != nil {
		m.logf("Error retrieving endpoint: %v", err)
		return fmt.Errorf("discovering browser: %w", err)
	}

	client, err := cdp.Dial(ctx, info.WebSocketDebuggerURL,
		cdp.WithLogger(m.log), cdp.WithCallTimeout(m.callTimeout))
	if err != nil {
		m.logf("Error during monitoring: %v", err)
		return err
	}
	defer client.Close()

	m.out.Log("Browser connected. Monitoring active...")

	err = m.watchAll(ctx, client)

	// Watchers end with ctx or when the client closes
	client.Close()
	m.wg.Wait()

	switch {
	case err == nil || errors.Is(err, context.Canceled):
		m.out.Log("Monitoring stopped")
		return nil
	case errors.Is(err, ErrNoPages):
		m.out.Log("No pages found")
		return err
	default:
		m.logf("Error during monitoring: %v", err)
		return err
	}
}

func (m *Monitor) watchAll(ctx context.Context, client *cdp.Client) error {
	var created <-chan json.RawMessage
	if m.follow {
		ch, unsubscribe := client.Subscribe("", "Target.targetCreated")
		defer unsubscribe()
		created = ch
		if err := client.DiscoverTargets(ctx, true); err != nil {
			return err
		}
	}

	pages, err := client.Pages(ctx)
	if err != nil {
		return fmt.Errorf("listing pages: %w", err)
	}
	if len(pages) == 0 {
		if !m.follow {
			return ErrNoPages
		}
		m.out.Log("No pages found, waiting for new pages...")
	}

	for _, page := range pages {
		m.watch(ctx, client, page)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.Done():
			return cdp.ErrConnectionClosed
		case params, ok := <-created:
			if !ok {
				return cdp.ErrConnectionClosed
			}
			target, err := cdp.ParseTargetCreated(params)
			if err != nil {
				m.log.Debug("skipping target event", zap.Error(err))
				continue
			}
			if target.Type == "page" {
				m.watch(ctx, client, target)
			}
		}
	}
}

// watch starts a watcher for a page unless one is already running. Failing
// to set up a page is logged and does not stop the others.
func (m *Monitor) watch(ctx context.Context, client *cdp.Client, page cdp.TargetInfo) {
	m.mu.Lock()
	if m.watching[page.ID] {
		m.mu.Unlock()
		return
	}
	m.watching[page.ID] = true
	m.mu.Unlock()

	w, err := m.attach(ctx, client, page)
	if err != nil {
		m.log.Warn("cannot watch page", zap.String("target", page.ID), zap.Error(err))
		m.logf("Error attaching to page %s: %v", page.URL, err)
		m.mu.Lock()
		delete(m.watching, page.ID)
		m.mu.Unlock()
		return
	}

	m.log.Debug("watching page", zap.String("target", page.ID), zap.String("url", page.URL))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer w.close()
		w.run(ctx)

		m.mu.Lock()
		delete(m.watching, page.ID)
		m.mu.Unlock()
	}()
}

func (m *Monitor) attach(ctx context.Context, client *cdp.Client, page cdp.TargetInfo) (*watcher, error) {
	sessionID, err := client.Attach(ctx, page.ID)
	if err != nil {
		return nil, err
	}

	w := &watcher{
		m:         m,
		client:    client,
		sessionID: sessionID,
		target:    page.ID,
		pending:   make(map[string]*ResponseEvent),
	}

	// Subscribe before enabling so nothing emitted on enable is missed
	w.events, w.unsubscribe = client.SubscribeEvents(sessionID, watchedEvents...)

	if err := client.Enable(ctx, sessionID, "Runtime", "Network", "Page"); err != nil {
		w.close()
		return nil, err
	}
	if _, err := client.AddScriptOnNewDocument(ctx, sessionID, errorHook); err != nil {
		w.close()
		return nil, err
	}
	return w, nil
}

// dispatch formats an event with its handler and writes the lines. A
// handler failure loses that event only.
func (m *Monitor) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Debug("formatting event panicked", zap.Any("panic", r))
		}
	}()

	var lines []string
	var err error
	switch e := ev.(type) {
	case *ConsoleEvent:
		lines, err = handleConsole(e)
	case *PageErrorEvent:
		lines, err = handlePageError(e)
	case *RequestEvent:
		lines, err = handleRequest(e)
	case *ResponseEvent:
		lines, err = handleResponse(e)
	default:
		err = fmt.Errorf("unknown event %T", ev)
	}
	if err != nil {
		m.log.Debug("dropping event", zap.Error(err))
		return
	}
	for _, line := range lines {
		m.out.Log(line)
	}
}

// logf formats a single line.
func (m *Monitor) logf(format string, args ...interface{}) {
	m.out.Log(fmt.Sprintf(format, args...))
}
