package cdp

import (
	"context"
	"encoding/json"
	"fmt"
)

// TargetInfo contains information about a browser target (tab/page).
type TargetInfo struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

type targetInfoWire struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
}

func (t targetInfoWire) info() TargetInfo {
	return TargetInfo{ID: t.TargetID, Type: t.Type, Title: t.Title, URL: t.URL}
}

// ParseTargetCreated decodes the params of a Target.targetCreated event.
func ParseTargetCreated(params json.RawMessage) (TargetInfo, error) {
	var event struct {
		TargetInfo targetInfoWire `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &event); err != nil {
		return TargetInfo{}, fmt.Errorf("parsing targetCreated: %w", err)
	}
	return event.TargetInfo.info(), nil
}

// Targets returns all browser targets (pages, workers, etc.).
func (c *Client) Targets(ctx context.Context) ([]TargetInfo, error) {
	result, err := c.Call(ctx, "Target.getTargets", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		TargetInfos []targetInfoWire `json:"targetInfos"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling targets: %w", err)
	}

	targets := make([]TargetInfo, 0, len(resp.TargetInfos))
	for _, t := range resp.TargetInfos {
		targets = append(targets, t.info())
	}
	return targets, nil
}

// Pages returns only page targets (tabs).
func (c *Client) Pages(ctx context.Context) ([]TargetInfo, error) {
	targets, err := c.Targets(ctx)
	if err != nil {
		return nil, err
	}

	pages := make([]TargetInfo, 0)
	for _, t := range targets {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// DiscoverTargets turns Target.targetCreated and related events on or off.
func (c *Client) DiscoverTargets(ctx context.Context, discover bool) error {
	_, err := c.Call(ctx, "Target.setDiscoverTargets", map[string]interface{}{
		"discover": discover,
	})
	if err != nil {
		return fmt.Errorf("setting target discovery: %w", err)
	}
	return nil
}

// Attach attaches to a target with a flattened session and returns the
// session ID. Sessions are cached per target.
func (c *Client) Attach(ctx context.Context, targetID string) (string, error) {
	c.sessionsMu.Lock()
	if sessionID, ok := c.sessions[targetID]; ok {
		c.sessionsMu.Unlock()
		return sessionID, nil
	}
	c.sessionsMu.Unlock()

	attachResult, err := c.Call(ctx, "Target.attachToTarget", map[string]interface{}{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return "", fmt.Errorf("attaching to target: %w", err)
	}

	var attachResp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(attachResult, &attachResp); err != nil {
		return "", fmt.Errorf("parsing attach response: %w", err)
	}

	c.sessionsMu.Lock()
	c.sessions[targetID] = attachResp.SessionID
	c.sessionsMu.Unlock()

	return attachResp.SessionID, nil
}

// Enable enables each of the given protocol domains ("Runtime", "Page", ...)
// on a session.
func (c *Client) Enable(ctx context.Context, sessionID string, domains ...string) error {
	for _, domain := range domains {
		if _, err := c.CallSession(ctx, sessionID, domain+".enable", nil); err != nil {
			return fmt.Errorf("enabling %s domain: %w", domain, err)
		}
	}
	return nil
}

// AddScriptOnNewDocument installs a script that runs in every new document
// of the session's page before any page script.
func (c *Client) AddScriptOnNewDocument(ctx context.Context, sessionID string, source string) (string, error) {
	result, err := c.CallSession(ctx, sessionID, "Page.addScriptToEvaluateOnNewDocument", map[string]interface{}{
		"source": source,
	})
	if err != nil {
		return "", fmt.Errorf("adding script: %w", err)
	}

	var resp struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("parsing script identifier: %w", err)
	}
	return resp.Identifier, nil
}
