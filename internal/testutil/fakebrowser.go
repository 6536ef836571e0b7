package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Target is a discovery descriptor served on /json/list.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

// Command is a protocol command received by the fake browser.
type Command struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Event is an unsolicited protocol frame.
type Event struct {
	Method    string
	SessionID string
	Params    interface{}
}

// ProtocolError is an error body sent in place of a result.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Reply is what a Handler wants the fake browser to send for a command.
type Reply struct {
	Result interface{}
	Error  *ProtocolError
	// Before are sent ahead of the response, After follow it.
	Before []Event
	After  []Event
	// Drop suppresses the response entirely.
	Drop bool
}

// Handler produces the reply for one command.
type Handler func(cmd Command) Reply

// FakeBrowser is an in-process stand-in for a browser's remote debugging
// endpoint: the HTTP discovery routes plus a websocket protocol server.
type FakeBrowser struct {
	Server *httptest.Server

	mu             sync.Mutex
	targets        []Target
	handlers       map[string]Handler
	commands       []Command
	conns          []*fakeConn
	newTargetCalls int
	nextTarget     int
}

type fakeConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *fakeConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *fakeConn) writeRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// NewFakeBrowser starts a fake browser on a random local port.
func NewFakeBrowser() *FakeBrowser {
	b := &FakeBrowser{
		handlers: make(map[string]Handler),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", b.serveVersion)
	mux.HandleFunc("/json/list", b.serveList)
	mux.HandleFunc("/json", b.serveList)
	mux.HandleFunc("/json/new", b.serveNew)
	mux.HandleFunc("/devtools/", b.serveWebSocket)

	b.Server = httptest.NewServer(mux)
	return b
}

// Close shuts the server and all protocol connections down.
func (b *FakeBrowser) Close() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
	b.Server.Close()
}

// URL returns the discovery base URL, e.g. http://127.0.0.1:41234.
func (b *FakeBrowser) URL() string {
	return b.Server.URL
}

// Host returns the host part of the server address.
func (b *FakeBrowser) Host() string {
	host, _, _ := net.SplitHostPort(b.Server.Listener.Addr().String())
	return host
}

// Port returns the port part of the server address.
func (b *FakeBrowser) Port() int {
	_, port, _ := net.SplitHostPort(b.Server.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// BrowserWebSocketURL is the browser-level debugger URL.
func (b *FakeBrowser) BrowserWebSocketURL() string {
	return b.wsBase() + "/devtools/browser/fake"
}

// PageWebSocketURL is the debugger URL of the page with the given id.
func (b *FakeBrowser) PageWebSocketURL(id string) string {
	return b.wsBase() + "/devtools/page/" + id
}

func (b *FakeBrowser) wsBase() string {
	return "ws" + strings.TrimPrefix(b.Server.URL, "http")
}

// AddPage registers a page target and returns its descriptor.
func (b *FakeBrowser) AddPage(id, url string) Target {
	t := Target{
		ID:                   id,
		Type:                 "page",
		Title:                id,
		URL:                  url,
		WebSocketDebuggerURL: b.PageWebSocketURL(id),
	}
	b.mu.Lock()
	b.targets = append(b.targets, t)
	b.mu.Unlock()
	return t
}

// AddTarget registers an arbitrary target descriptor as is.
func (b *FakeBrowser) AddTarget(t Target) {
	b.mu.Lock()
	b.targets = append(b.targets, t)
	b.mu.Unlock()
}

// Handle sets the handler for a protocol method. Unhandled methods reply
// with an empty result.
func (b *FakeBrowser) Handle(method string, h Handler) {
	b.mu.Lock()
	b.handlers[method] = h
	b.mu.Unlock()
}

// NewTargetCalls returns how many times /json/new was requested.
func (b *FakeBrowser) NewTargetCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.newTargetCalls
}

// Commands returns the commands received so far.
func (b *FakeBrowser) Commands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Command, len(b.commands))
	copy(out, b.commands)
	return out
}

// Methods returns the method names received so far, in order.
func (b *FakeBrowser) Methods() []string {
	cmds := b.Commands()
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.Method
	}
	return out
}

// Connections returns the number of open protocol connections.
func (b *FakeBrowser) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Emit sends an event to every open protocol connection.
func (b *FakeBrowser) Emit(ev Event) {
	for _, c := range b.snapshotConns() {
		c.writeJSON(eventFrame(ev))
	}
}

// SendRaw writes a raw text frame to every open protocol connection.
func (b *FakeBrowser) SendRaw(data []byte) {
	for _, c := range b.snapshotConns() {
		c.writeRaw(data)
	}
}

func (b *FakeBrowser) snapshotConns() []*fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*fakeConn, len(b.conns))
	copy(out, b.conns)
	return out
}

func eventFrame(ev Event) map[string]interface{} {
	frame := map[string]interface{}{"method": ev.Method}
	if ev.Params != nil {
		frame["params"] = ev.Params
	} else {
		frame["params"] = map[string]interface{}{}
	}
	if ev.SessionID != "" {
		frame["sessionId"] = ev.SessionID
	}
	return frame
}

func (b *FakeBrowser) serveVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              "FakeBrowser/1.0",
		"Protocol-Version":     "1.3",
		"User-Agent":           "FakeBrowser",
		"webSocketDebuggerUrl": b.BrowserWebSocketURL(),
	})
}

func (b *FakeBrowser) serveList(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	targets := make([]Target, len(b.targets))
	copy(targets, b.targets)
	b.mu.Unlock()
	writeJSON(w, targets)
}

func (b *FakeBrowser) serveNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Using unsafe HTTP verb GET to invoke /json/new. This action supports only PUT verb.", http.StatusMethodNotAllowed)
		return
	}

	b.mu.Lock()
	b.newTargetCalls++
	b.nextTarget++
	id := fmt.Sprintf("NEW%d", b.nextTarget)
	b.mu.Unlock()

	url := r.URL.RawQuery
	if url == "" {
		url = "about:blank"
	}
	writeJSON(w, b.AddPage(id, url))
}

func (b *FakeBrowser) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &fakeConn{ws: ws}

	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		for i, c := range b.conns {
			if c == conn {
				b.conns = append(b.conns[:i], b.conns[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		ws.Close()
	}()

	for {
		var cmd Command
		if err := ws.ReadJSON(&cmd); err != nil {
			return
		}

		b.mu.Lock()
		b.commands = append(b.commands, cmd)
		h := b.handlers[cmd.Method]
		b.mu.Unlock()

		reply := Reply{Result: map[string]interface{}{}}
		if h != nil {
			reply = h(cmd)
		}

		for _, ev := range reply.Before {
			conn.writeJSON(eventFrame(ev))
		}
		if !reply.Drop {
			frame := map[string]interface{}{"id": cmd.ID}
			if cmd.SessionID != "" {
				frame["sessionId"] = cmd.SessionID
			}
			if reply.Error != nil {
				frame["error"] = reply.Error
			} else if reply.Result != nil {
				frame["result"] = reply.Result
			} else {
				frame["result"] = map[string]interface{}{}
			}
			if err := conn.writeJSON(frame); err != nil {
				return
			}
		}
		for _, ev := range reply.After {
			conn.writeJSON(eventFrame(ev))
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	json.NewEncoder(w).Encode(v)
}

// Value builds a Runtime.evaluate result carrying v by value.
func Value(v interface{}) Reply {
	typ := "undefined"
	switch v.(type) {
	case string:
		typ = "string"
	case bool:
		typ = "boolean"
	case int, float64:
		typ = "number"
	case nil:
	default:
		typ = "object"
	}
	result := map[string]interface{}{"type": typ}
	if v != nil {
		result["value"] = v
	}
	return Reply{Result: map[string]interface{}{"result": result}}
}

// SessionID is the flattened session id the fake hands out for a target
// once HandleTargets is installed.
func SessionID(targetID string) string {
	return "S-" + targetID
}

// HandleTargets answers Target.getTargets from the registered targets and
// Target.attachToTarget with SessionID(targetId).
func (b *FakeBrowser) HandleTargets() {
	b.Handle("Target.getTargets", func(cmd Command) Reply {
		b.mu.Lock()
		infos := make([]map[string]string, 0, len(b.targets))
		for _, t := range b.targets {
			infos = append(infos, targetInfo(t))
		}
		b.mu.Unlock()
		return Reply{Result: map[string]interface{}{"targetInfos": infos}}
	})
	b.Handle("Target.attachToTarget", func(cmd Command) Reply {
		var p struct {
			TargetID string `json:"targetId"`
		}
		json.Unmarshal(cmd.Params, &p)
		return Reply{Result: map[string]string{"sessionId": SessionID(p.TargetID)}}
	})
}

// OpenPage registers a page and announces it with Target.targetCreated.
func (b *FakeBrowser) OpenPage(id, url string) Target {
	t := b.AddPage(id, url)
	b.Emit(Event{
		Method: "Target.targetCreated",
		Params: map[string]interface{}{"targetInfo": targetInfo(t)},
	})
	return t
}

func targetInfo(t Target) map[string]string {
	return map[string]string{
		"targetId": t.ID,
		"type":     t.Type,
		"title":    t.Title,
		"url":      t.URL,
	}
}

// HasMethod reports whether a command with the given method was received,
// optionally restricted to a session.
func (b *FakeBrowser) HasMethod(method, sessionID string) bool {
	for _, c := range b.Commands() {
		if c.Method == method && (sessionID == "" || c.SessionID == sessionID) {
			return true
		}
	}
	return false
}
