package monitor

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is something observed on a watched page.
type Event interface {
	Timestamp() time.Time
	event()
}

// CallFrame is one frame of a JavaScript stack trace.
type CallFrame struct {
	FunctionName string `json:"functionName"`
	URL          string `json:"url"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

type stackTrace struct {
	CallFrames []CallFrame `json:"callFrames"`
}

// RemoteObject is a console argument as reported by the protocol. Value is
// set for primitives; objects carry an ObjectID to resolve them by value.
type RemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
	ObjectID    string          `json:"objectId,omitempty"`
}

// ConsoleEvent is a console API call (console.log, console.error, ...).
type ConsoleEvent struct {
	Time  time.Time
	Type  string
	Args  []RemoteObject
	Stack []CallFrame

	// Values holds the resolved JSON value of each argument, nil where it
	// could not be resolved.
	Values []interface{}
}

// PageErrorEvent is an uncaught exception in the page.
type PageErrorEvent struct {
	Time    time.Time
	Message string
	Stack   []CallFrame
}

// RequestEvent is an outgoing network request.
type RequestEvent struct {
	Time      time.Time
	RequestID string
	Method    string
	URL       string
	Headers   map[string]interface{}
	PostData  string
}

// ResponseEvent is a received network response. Body is only fetched for
// JSON responses.
type ResponseEvent struct {
	Time      time.Time
	RequestID string
	Status    int
	URL       string
	MimeType  string
	Headers   map[string]interface{}
	Body      []byte
}

func (e *ConsoleEvent) Timestamp() time.Time   { return e.Time }
func (e *PageErrorEvent) Timestamp() time.Time { return e.Time }
func (e *RequestEvent) Timestamp() time.Time   { return e.Time }
func (e *ResponseEvent) Timestamp() time.Time  { return e.Time }

func (*ConsoleEvent) event()   {}
func (*PageErrorEvent) event() {}
func (*RequestEvent) event()   {}
func (*ResponseEvent) event()  {}

func parseConsoleEvent(params json.RawMessage, at time.Time) (*ConsoleEvent, error) {
	var p struct {
		Type       string         `json:"type"`
		Args       []RemoteObject `json:"args"`
		StackTrace *stackTrace    `json:"stackTrace"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("parsing consoleAPICalled: %w", err)
	}
	ev := &ConsoleEvent{Time: at, Type: p.Type, Args: p.Args}
	if p.StackTrace != nil {
		ev.Stack = p.StackTrace.CallFrames
	}
	return ev, nil
}

func parsePageError(params json.RawMessage, at time.Time) (*PageErrorEvent, error) {
	var p struct {
		ExceptionDetails struct {
			Text       string      `json:"text"`
			StackTrace *stackTrace `json:"stackTrace"`
			Exception  *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("parsing exceptionThrown: %w", err)
	}
	d := p.ExceptionDetails
	ev := &PageErrorEvent{Time: at, Message: d.Text}
	if d.Exception != nil && d.Exception.Description != "" {
		ev.Message = d.Exception.Description
	}
	if d.StackTrace != nil {
		ev.Stack = d.StackTrace.CallFrames
	}
	return ev, nil
}

func parseRequestEvent(params json.RawMessage, at time.Time) (*RequestEvent, error) {
	var p struct {
		RequestID string `json:"requestId"`
		Request   struct {
			URL      string                 `json:"url"`
			Method   string                 `json:"method"`
			Headers  map[string]interface{} `json:"headers"`
			PostData string                 `json:"postData"`
		} `json:"request"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("parsing requestWillBeSent: %w", err)
	}
	return &RequestEvent{
		Time:      at,
		RequestID: p.RequestID,
		Method:    p.Request.Method,
		URL:       p.Request.URL,
		Headers:   p.Request.Headers,
		PostData:  p.Request.PostData,
	}, nil
}

func parseResponseEvent(params json.RawMessage, at time.Time) (*ResponseEvent, error) {
	var p struct {
		RequestID string `json:"requestId"`
		Response  struct {
			URL      string                 `json:"url"`
			Status   int                    `json:"status"`
			MimeType string                 `json:"mimeType"`
			Headers  map[string]interface{} `json:"headers"`
		} `json:"response"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("parsing responseReceived: %w", err)
	}
	return &ResponseEvent{
		Time:      at,
		RequestID: p.RequestID,
		Status:    p.Response.Status,
		URL:       p.Response.URL,
		MimeType:  p.Response.MimeType,
		Headers:   p.Response.Headers,
	}, nil
}

func requestIDOf(params json.RawMessage) string {
	var p struct {
		RequestID string `json:"requestId"`
	}
	json.Unmarshal(params, &p)
	return p.RequestID
}
