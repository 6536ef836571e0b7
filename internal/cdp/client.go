// Package cdp implements a client for the Chrome DevTools Protocol over a
// single persistent websocket connection.
//
// Commands are correlated with their responses by a per-connection id. A
// single reader goroutine decodes every inbound frame and routes it either
// to the call waiting for that id or to the subscribers of an event.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds a single command/response exchange.
const DefaultCallTimeout = 5 * time.Second

// Client is a DevTools protocol connection.
type Client struct {
	conn            *websocket.Conn
	wsURL           string
	log             *zap.Logger
	callTimeout     time.Duration
	mu              sync.Mutex
	messageID       atomic.Int64
	pending         map[int64]chan callResult
	pendingMu       sync.Mutex
	eventHandlers   map[string][]chan json.RawMessage // key: "sessionID:method"
	eventHandlersMu sync.Mutex
	streams         map[string][]*stream // key: sessionID
	sessions        map[string]string // targetID -> sessionID
	sessionsMu      sync.Mutex
	closed          atomic.Bool
	closeOnce       sync.Once
	closeCh         chan struct{}
}

// Event is an unsolicited protocol frame.
type Event struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

type stream struct {
	methods map[string]bool
	ch      chan Event
}

type callResult struct {
	Result json.RawMessage
	Error  *ProtocolError
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCallTimeout sets the overall deadline for each command. Zero disables
// it, leaving only the caller's context.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// Dial opens a protocol connection to the given websocket debugger URL.
func Dial(ctx context.Context, wsURL string, opts ...Option) (*Client, error) {
	if wsURL == "" {
		return nil, errors.New("empty websocket URL")
	}

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to WebSocket: %w", err)
	}

	client := &Client{
		conn:          conn,
		wsURL:         wsURL,
		log:           zap.NewNop(),
		callTimeout:   DefaultCallTimeout,
		pending:       make(map[int64]chan callResult),
		eventHandlers: make(map[string][]chan json.RawMessage),
		streams:       make(map[string][]*stream),
		sessions:      make(map[string]string),
		closeCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(client)
	}

	go client.readMessages()

	return client, nil
}

// WebSocketURL returns the WebSocket URL used for this connection.
func (c *Client) WebSocketURL() string {
	return c.wsURL
}

// Done is closed once the connection is closed, by either side.
func (c *Client) Done() <-chan struct{} {
	return c.closeCh
}

// Close closes the connection. Pending calls return ErrConnectionClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)

		// Best effort; the peer may already be gone.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()

		c.pendingMu.Lock()
		for _, ch := range c.pending {
			close(ch)
		}
		c.pending = make(map[int64]chan callResult)
		c.pendingMu.Unlock()

		c.eventHandlersMu.Lock()
		for key, handlers := range c.eventHandlers {
			for _, h := range handlers {
				close(h)
			}
			delete(c.eventHandlers, key)
		}
		for key, streams := range c.streams {
			for _, st := range streams {
				close(st.ch)
			}
			delete(c.streams, key)
		}
		c.eventHandlersMu.Unlock()
	})
	return err
}

type request struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type message struct {
	ID        int64           `json:"id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
	Method    string          `json:"method,omitempty"`    // For events
	Params    json.RawMessage `json:"params,omitempty"`    // For events
	SessionID string          `json:"sessionId,omitempty"` // For session events
}

// Call sends a command at the connection level and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.CallSession(ctx, "", method, params)
}

// CallSession sends a command to a flattened target session and waits for
// the response carrying the same id. Event frames that arrive meanwhile are
// never returned. The wait ends at the earlier of the context deadline and
// the client's call timeout.
func (c *Client) CallSession(ctx context.Context, sessionID string, method string, params interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	id := c.messageID.Add(1)

	req := request{
		ID:        id,
		SessionID: sessionID,
		Method:    method,
	}

	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		req.Params = data
	}

	respChan := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.log.Debug("sending command",
		zap.Int64("id", id),
		zap.String("method", method),
		zap.String("session", sessionID))

	c.mu.Lock()
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	err := c.conn.WriteJSON(req)
	c.mu.Unlock()
	if err != nil {
		if c.closed.Load() {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("sending message: %w", err)
	}

	select {
	case result, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if result.Error != nil {
			return nil, result.Error
		}
		return result.Result, nil
	case <-c.closeCh:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Method: method}
		}
		return nil, ctx.Err()
	}
}

func (c *Client) readMessages() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.log.Debug("read loop ended", zap.Error(err))
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("skipping undecodable frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- callResult{Result: msg.Result, Error: msg.Error}:
				default:
					c.log.Debug("discarding duplicate response", zap.Int64("id", msg.ID))
				}
			} else {
				c.log.Debug("discarding response with no waiting call", zap.Int64("id", msg.ID))
			}
			c.pendingMu.Unlock()
			continue
		}

		if msg.Method != "" {
			c.log.Debug("event received",
				zap.String("method", msg.Method),
				zap.String("session", msg.SessionID))

			key := msg.SessionID + ":" + msg.Method
			c.eventHandlersMu.Lock()
			for _, h := range c.eventHandlers[key] {
				select {
				case h <- msg.Params:
				default:
					// Drop if channel is full
				}
			}
			for _, st := range c.streams[msg.SessionID] {
				if !st.methods[msg.Method] {
					continue
				}
				select {
				case st.ch <- Event{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params}:
				default:
				}
			}
			c.eventHandlersMu.Unlock()
		}
	}
}

// Subscribe registers for events of the given method on a session (empty
// for connection-level events). The returned function unsubscribes and
// closes the channel. The channel is also closed when the client closes.
func (c *Client) Subscribe(sessionID, method string) (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage, 100)
	key := sessionID + ":" + method

	c.eventHandlersMu.Lock()
	if c.closed.Load() {
		c.eventHandlersMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.eventHandlers[key] = append(c.eventHandlers[key], ch)
	c.eventHandlersMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { c.unsubscribe(key, ch) })
	}
}

func (c *Client) unsubscribe(key string, ch chan json.RawMessage) {
	c.eventHandlersMu.Lock()
	defer c.eventHandlersMu.Unlock()

	handlers := c.eventHandlers[key]
	for i, h := range handlers {
		if h == ch {
			c.eventHandlers[key] = append(handlers[:i], handlers[i+1:]...)
			close(ch)
			return
		}
	}
}

// SubscribeEvents registers for several event methods of a session on one
// channel, so they are received in the order the browser sent them. The
// returned function unsubscribes and closes the channel.
func (c *Client) SubscribeEvents(sessionID string, methods ...string) (<-chan Event, func()) {
	st := &stream{
		methods: make(map[string]bool, len(methods)),
		ch:      make(chan Event, 256),
	}
	for _, m := range methods {
		st.methods[m] = true
	}

	c.eventHandlersMu.Lock()
	if c.closed.Load() {
		c.eventHandlersMu.Unlock()
		close(st.ch)
		return st.ch, func() {}
	}
	c.streams[sessionID] = append(c.streams[sessionID], st)
	c.eventHandlersMu.Unlock()

	var once sync.Once
	return st.ch, func() {
		once.Do(func() {
			c.eventHandlersMu.Lock()
			defer c.eventHandlersMu.Unlock()

			streams := c.streams[sessionID]
			for i, s := range streams {
				if s == st {
					c.streams[sessionID] = append(streams[:i], streams[i+1:]...)
					close(st.ch)
					return
				}
			}
		})
	}
}
