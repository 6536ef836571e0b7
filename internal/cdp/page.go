package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// EvalResult contains the result of evaluating a JavaScript expression.
type EvalResult struct {
	Value interface{} `json:"value"`
	Type  string      `json:"type,omitempty"`
}

// String returns the value as text, or "" when the value is undefined/null.
func (r *EvalResult) String() string {
	if r == nil || r.Value == nil {
		return ""
	}
	if s, ok := r.Value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", r.Value)
}

// NavigateResult contains the result of a navigation.
type NavigateResult struct {
	FrameID   string `json:"frameId"`
	LoaderID  string `json:"loaderId,omitempty"`
	URL       string `json:"url"`
	ErrorText string `json:"errorText,omitempty"`
}

// ResponseBody is the body of a network response.
type ResponseBody struct {
	Body          string `json:"body"`
	Base64Encoded bool   `json:"base64Encoded"`
}

// Bytes returns the decoded body.
func (b *ResponseBody) Bytes() ([]byte, error) {
	if !b.Base64Encoded {
		return []byte(b.Body), nil
	}
	return base64.StdEncoding.DecodeString(b.Body)
}

// Evaluate evaluates an expression in the session's page and returns the
// result by value.
func (c *Client) Evaluate(ctx context.Context, sessionID string, expression string) (*EvalResult, error) {
	evalResult, err := c.CallSession(ctx, sessionID, "Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}
	return parseEvalResult(evalResult)
}

func parseEvalResult(data json.RawMessage) (*EvalResult, error) {
	var evalResp struct {
		Result struct {
			Type  string      `json:"type"`
			Value interface{} `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(data, &evalResp); err != nil {
		return nil, fmt.Errorf("parsing eval response: %w", err)
	}

	if d := evalResp.ExceptionDetails; d != nil {
		text := d.Text
		if d.Exception != nil && d.Exception.Description != "" {
			text = d.Exception.Description
		}
		return nil, &EvalError{Text: text}
	}

	return &EvalResult{
		Value: evalResp.Result.Value,
		Type:  evalResp.Result.Type,
	}, nil
}

// ResolveValue returns the JSON value of a remote object.
func (c *Client) ResolveValue(ctx context.Context, sessionID string, objectID string) (interface{}, error) {
	result, err := c.CallSession(ctx, sessionID, "Runtime.callFunctionOn", map[string]interface{}{
		"objectId":            objectID,
		"functionDeclaration": "function() { return this; }",
		"returnByValue":       true,
	})
	if err != nil {
		return nil, fmt.Errorf("resolving object: %w", err)
	}
	eval, err := parseEvalResult(result)
	if err != nil {
		return nil, err
	}
	return eval.Value, nil
}

// CurrentURL returns the page's current location.
func (c *Client) CurrentURL(ctx context.Context, sessionID string) (string, error) {
	result, err := c.Evaluate(ctx, sessionID, "window.location.href")
	if err != nil {
		return "", err
	}
	return result.String(), nil
}

// NavigateAndWait navigates to a URL and waits for the page load event.
func (c *Client) NavigateAndWait(ctx context.Context, sessionID string, url string, timeout time.Duration) (*NavigateResult, error) {
	if err := c.Enable(ctx, sessionID, "Page"); err != nil {
		return nil, err
	}

	// Subscribe to load event before navigating
	loadCh, unsubscribe := c.Subscribe(sessionID, "Page.loadEventFired")
	defer unsubscribe()

	navResult, err := c.CallSession(ctx, sessionID, "Page.navigate", map[string]string{
		"url": url,
	})
	if err != nil {
		return nil, fmt.Errorf("navigating: %w", err)
	}

	var navResp struct {
		FrameID   string `json:"frameId"`
		LoaderID  string `json:"loaderId"`
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(navResult, &navResp); err != nil {
		return nil, fmt.Errorf("parsing navigate response: %w", err)
	}

	result := &NavigateResult{
		FrameID:   navResp.FrameID,
		LoaderID:  navResp.LoaderID,
		URL:       url,
		ErrorText: navResp.ErrorText,
	}
	if navResp.ErrorText != "" {
		return result, fmt.Errorf("navigation failed: %s", navResp.ErrorText)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case _, ok := <-loadCh:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &TimeoutError{Method: "Page.loadEventFired"}
	}
}

// WaitForURL polls the page location until it contains pattern. It returns
// the last URL seen, which on timeout is the URL that failed to match.
func (c *Client) WaitForURL(ctx context.Context, sessionID string, pattern string, timeout, interval time.Duration) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	var last string
	for {
		if err := limiter.Wait(waitCtx); err != nil {
			break
		}

		url, err := c.CurrentURL(waitCtx, sessionID)
		if err != nil {
			if waitCtx.Err() != nil {
				break
			}
			// The page may be between documents; try again
			var pe *ProtocolError
			var ee *EvalError
			if errors.As(err, &pe) || errors.As(err, &ee) {
				continue
			}
			return last, err
		}
		last = url

		if strings.Contains(url, pattern) {
			return url, nil
		}
	}

	if ctx.Err() != nil {
		return last, ctx.Err()
	}
	return last, fmt.Errorf("waiting for URL to contain %q: %w", pattern, ErrTimeout)
}

// GetResponseBody retrieves the response body for a network request.
func (c *Client) GetResponseBody(ctx context.Context, sessionID string, requestID string) (*ResponseBody, error) {
	result, err := c.CallSession(ctx, sessionID, "Network.getResponseBody", map[string]interface{}{
		"requestId": requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("getting response body: %w", err)
	}

	var body ResponseBody
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, fmt.Errorf("parsing response body: %w", err)
	}
	return &body, nil
}
