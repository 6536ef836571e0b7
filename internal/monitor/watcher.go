package monitor

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/tomyan/devtap/internal/cdp"
)

// watcher turns one page session's protocol events into Events.
type watcher struct {
	m         *Monitor
	client    *cdp.Client
	sessionID string
	target    string

	events      <-chan cdp.Event
	unsubscribe func()

	// JSON responses wait here for their body to finish loading.
	pending map[string]*ResponseEvent
}

var watchedEvents = []string{
	"Runtime.consoleAPICalled",
	"Runtime.exceptionThrown",
	"Network.requestWillBeSent",
	"Network.responseReceived",
	"Network.loadingFinished",
	"Network.loadingFailed",
}

func (w *watcher) close() {
	w.unsubscribe()
}

func (w *watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		}
	}
}

func (w *watcher) handle(ctx context.Context, ev cdp.Event) {
	switch ev.Method {
	case "Runtime.consoleAPICalled":
		w.onConsole(ctx, ev.Params)
	case "Runtime.exceptionThrown":
		w.emit(parsePageError(ev.Params, w.m.now()))
	case "Network.requestWillBeSent":
		w.emit(parseRequestEvent(ev.Params, w.m.now()))
	case "Network.responseReceived":
		w.onResponse(ev.Params)
	case "Network.loadingFinished":
		w.onLoadingFinished(ctx, requestIDOf(ev.Params))
	case "Network.loadingFailed":
		// Log what we have; there is no body to fetch
		if resp, ok := w.pending[requestIDOf(ev.Params)]; ok {
			delete(w.pending, resp.RequestID)
			w.m.dispatch(resp)
		}
	}
}

func (w *watcher) emit(ev Event, err error) {
	if err != nil {
		w.m.log.Debug("skipping event", zap.String("target", w.target), zap.Error(err))
		return
	}
	w.m.dispatch(ev)
}

func (w *watcher) onConsole(ctx context.Context, params json.RawMessage) {
	ev, err := parseConsoleEvent(params, w.m.now())
	if err != nil {
		w.emit(nil, err)
		return
	}

	// Objects are resolved to their JSON value; failures fall back to the
	// protocol's description when formatting.
	ev.Values = make([]interface{}, len(ev.Args))
	for i, arg := range ev.Args {
		if arg.ObjectID == "" {
			continue
		}
		v, err := w.client.ResolveValue(ctx, w.sessionID, arg.ObjectID)
		if err != nil {
			w.m.log.Debug("cannot resolve console argument", zap.Error(err))
			continue
		}
		ev.Values[i] = v
	}
	w.m.dispatch(ev)
}

func (w *watcher) onResponse(params json.RawMessage) {
	ev, err := parseResponseEvent(params, w.m.now())
	if err != nil {
		w.emit(nil, err)
		return
	}
	if isJSON(ev) {
		w.pending[ev.RequestID] = ev
		return
	}
	w.m.dispatch(ev)
}

func (w *watcher) onLoadingFinished(ctx context.Context, requestID string) {
	ev, ok := w.pending[requestID]
	if !ok {
		return
	}
	delete(w.pending, requestID)

	body, err := w.client.GetResponseBody(ctx, w.sessionID, requestID)
	if err != nil {
		w.m.log.Debug("cannot fetch response body", zap.String("request", requestID), zap.Error(err))
	} else if data, err := body.Bytes(); err == nil {
		ev.Body = data
	}
	w.m.dispatch(ev)
}
