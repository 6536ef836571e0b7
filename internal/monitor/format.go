package monitor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const timeLayout = "15:04:05"

func stamp(t time.Time) string {
	return "[" + t.Format(timeLayout) + "]"
}

func handleConsole(ev *ConsoleEvent) ([]string, error) {
	level := strings.ToUpper(ev.Type)
	if level == "WARN" {
		level = "WARNING"
	}

	lines := []string{fmt.Sprintf("%s %s: %s", stamp(ev.Time), level, consoleText(ev))}

	if (level == "ERROR" || level == "WARNING") && len(ev.Stack) > 0 {
		top := ev.Stack[0]
		lines = append(lines, fmt.Sprintf("Location: %s:%d", top.URL, top.LineNumber))
		lines = append(lines, formatStack(ev.Stack)...)
	}
	return lines, nil
}

// consoleText joins the arguments the way the console shows them: resolved
// values where available, the protocol description otherwise.
func consoleText(ev *ConsoleEvent) string {
	parts := make([]string, 0, len(ev.Args))
	for i, arg := range ev.Args {
		var v interface{}
		if i < len(ev.Values) {
			v = ev.Values[i]
		}
		if v == nil && len(arg.Value) > 0 {
			json.Unmarshal(arg.Value, &v)
		}
		if v == nil {
			if arg.Description != "" {
				parts = append(parts, arg.Description)
			}
			continue
		}
		parts = append(parts, formatValue(v))
	}
	return strings.Join(parts, " ")
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64, bool:
		return fmt.Sprint(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func formatStack(frames []CallFrame) []string {
	lines := []string{"Stack trace:"}
	for _, f := range frames {
		name := f.FunctionName
		if name == "" {
			name = "(anonymous)"
		}
		url := f.URL
		if url == "" {
			url = "unknown"
		}
		lines = append(lines, fmt.Sprintf("  at %s (%s:%d)", name, url, f.LineNumber))
	}
	return lines
}

func handlePageError(ev *PageErrorEvent) ([]string, error) {
	lines := []string{
		stamp(ev.Time) + " PAGE ERROR:",
		"Message: " + ev.Message,
	}
	if len(ev.Stack) > 0 {
		lines = append(lines, formatStack(ev.Stack)...)
	}
	return lines, nil
}

func handleRequest(ev *RequestEvent) ([]string, error) {
	lines := []string{fmt.Sprintf("%s REQUEST %s %s", stamp(ev.Time), ev.Method, ev.URL)}

	if len(ev.Headers) > 0 {
		headers, err := indentJSON(ev.Headers)
		if err != nil {
			return nil, err
		}
		lines = append(lines, "Headers:", headers)
	}

	if ev.PostData != "" {
		var data interface{}
		if err := json.Unmarshal([]byte(ev.PostData), &data); err == nil {
			body, err := indentJSON(data)
			if err != nil {
				return nil, err
			}
			lines = append(lines, "POST Data:", body)
		} else {
			lines = append(lines, "POST Data (raw): "+ev.PostData)
		}
	}
	return lines, nil
}

func handleResponse(ev *ResponseEvent) ([]string, error) {
	lines := []string{fmt.Sprintf("%s RESPONSE %d %s", stamp(ev.Time), ev.Status, ev.URL)}

	if len(ev.Headers) > 0 {
		headers, err := indentJSON(ev.Headers)
		if err != nil {
			return nil, err
		}
		lines = append(lines, "Headers:", headers)
	}

	if len(ev.Body) > 0 {
		var data interface{}
		if err := json.Unmarshal(ev.Body, &data); err != nil {
			// Headers are still worth having without the body
			return lines, nil
		}
		body, err := indentJSON(data)
		if err != nil {
			return nil, err
		}
		lines = append(lines, "Response Data:", body)
	}
	return lines, nil
}

// isJSON reports whether a response's content type is JSON, preferring the
// Content-Type header over the MIME type the browser sniffed.
func isJSON(ev *ResponseEvent) bool {
	for name, v := range ev.Headers {
		if strings.EqualFold(name, "content-type") {
			s, _ := v.(string)
			return strings.Contains(s, "json")
		}
	}
	return strings.Contains(ev.MimeType, "json")
}

func indentJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("formatting JSON: %w", err)
	}
	return string(data), nil
}
