package testutil

import (
	"encoding/json"
	"strings"
	"sync"
)

// LoginPage emulates a login form behind the fake browser's page
// connection. It understands the scripts the login runner evaluates:
// ready state, setting and reading field values, clicking submit and
// reading the location.
type LoginPage struct {
	// Redirect is where clicking submit leads.
	Redirect string
	// Missing is a selector that matches no element.
	Missing string

	mu     sync.Mutex
	url    string
	fields map[string]string
}

// Install registers the page's Page.navigate and Runtime.evaluate handlers.
func (p *LoginPage) Install(b *FakeBrowser) {
	p.mu.Lock()
	p.fields = make(map[string]string)
	p.mu.Unlock()

	b.Handle("Page.navigate", func(cmd Command) Reply {
		var params struct {
			URL string `json:"url"`
		}
		json.Unmarshal(cmd.Params, &params)
		p.mu.Lock()
		p.url = params.URL
		p.mu.Unlock()
		return Reply{
			Result: map[string]string{"frameId": "F1", "loaderId": "L1"},
			After: []Event{
				{Method: "Network.requestWillBeSent"},
				{Method: "Page.loadEventFired", Params: map[string]float64{"timestamp": 1}},
			},
		}
	})
	b.Handle("Runtime.evaluate", p.evaluate)
}

func (p *LoginPage) evaluate(cmd Command) Reply {
	var params struct {
		Expression string `json:"expression"`
	}
	json.Unmarshal(cmd.Params, &params)
	expr := params.Expression

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Missing != "" && strings.Contains(expr, p.Missing) {
		return Reply{Result: map[string]interface{}{
			"result":           map[string]string{"type": "object", "subtype": "error"},
			"exceptionDetails": map[string]interface{}{"text": "Uncaught Error: element not found: " + p.Missing},
		}}
	}

	switch {
	case expr == "document.readyState":
		return Value("complete")
	case expr == "window.location.href":
		return Value(p.url)
	case strings.Contains(expr, "el.click()"):
		p.url = p.Redirect
		return Value(true)
	case strings.Contains(expr, "el.value = "):
		var sel, val string
		for _, line := range strings.Split(expr, "\n") {
			line = strings.TrimSpace(line)
			if rest, ok := strings.CutPrefix(line, "const el = document.querySelector("); ok {
				json.Unmarshal([]byte(strings.TrimSuffix(rest, ");")), &sel)
			}
			if rest, ok := strings.CutPrefix(line, "el.value = "); ok {
				json.Unmarshal([]byte(strings.TrimSuffix(rest, ";")), &val)
			}
		}
		p.fields[sel] = val
		return Value(val)
	case strings.HasPrefix(expr, "[document.querySelector"):
		return Value([]interface{}{p.fields["#username"], p.fields["#password"]})
	}
	return Value(nil)
}

// Field returns the value last set on the element matching selector.
func (p *LoginPage) Field(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fields[selector]
}
