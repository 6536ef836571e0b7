package cdp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tomyan/devtap/internal/cdp"
	"github.com/tomyan/devtap/internal/testutil"
)

func dialPage(t *testing.T, b *testutil.FakeBrowser, opts ...cdp.Option) *cdp.Client {
	t.Helper()
	b.AddPage("P1", "about:blank")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts = append([]cdp.Option{cdp.WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)))}, opts...)
	client, err := cdp.Dial(ctx, b.PageWebSocketURL("P1"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_Call_SkipsInterleavedEvents(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	var before []testutil.Event
	for i := 0; i < 20; i++ {
		before = append(before, testutil.Event{
			Method: "Network.requestWillBeSent",
			Params: map[string]interface{}{"requestId": fmt.Sprint(i)},
		})
	}
	b.Handle("Page.navigate", func(cmd testutil.Command) testutil.Reply {
		return testutil.Reply{
			Before: before,
			Result: map[string]interface{}{"frameId": "F1"},
		}
	})

	client := dialPage(t, b)

	ctx := context.Background()
	result, err := client.Call(ctx, "Page.navigate", map[string]string{"url": "http://x/login.html"})
	require.NoError(t, err)

	var resp struct {
		FrameID string `json:"frameId"`
	}
	require.NoError(t, json.Unmarshal(result, &resp))
	assert.Equal(t, "F1", resp.FrameID)

	cmds := b.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, int64(1), cmds[0].ID)
	assert.Equal(t, "Page.navigate", cmds[0].Method)
	assert.JSONEq(t, `{"url":"http://x/login.html"}`, string(cmds[0].Params))
}

func TestClient_Call_IgnoresResponsesForOtherIDs(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	b.Handle("Runtime.evaluate", func(cmd testutil.Command) testutil.Reply {
		b.SendRaw([]byte(fmt.Sprintf(`{"id":%d,"result":{"wrong":true}}`, cmd.ID+100)))
		return testutil.Value("right")
	})

	client := dialPage(t, b)

	result, err := client.Evaluate(context.Background(), "", "1")
	require.NoError(t, err)
	assert.Equal(t, "right", result.String())
}

func TestClient_Call_SkipsUndecodableFrames(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	b.Handle("Browser.getVersion", func(cmd testutil.Command) testutil.Reply {
		b.SendRaw([]byte("this is not json"))
		return testutil.Reply{Result: map[string]interface{}{"product": "Fake"}}
	})

	client := dialPage(t, b)

	result, err := client.Call(context.Background(), "Browser.getVersion", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"product":"Fake"}`, string(result))
}

func TestClient_Call_TimesOutWithinDeadline(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	b.Handle("Page.navigate", func(cmd testutil.Command) testutil.Reply {
		return testutil.Reply{
			Drop:  true,
			After: []testutil.Event{{Method: "Page.frameStartedLoading"}},
		}
	})

	client := dialPage(t, b, cdp.WithCallTimeout(200*time.Millisecond))

	start := time.Now()
	_, err := client.Call(context.Background(), "Page.navigate", map[string]string{"url": "about:blank"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, cdp.ErrTimeout), "expected ErrTimeout, got %v", err)
	var te *cdp.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "Page.navigate", te.Method)
	assert.Contains(t, err.Error(), "Page.navigate")
	assert.Less(t, elapsed, time.Second)

	// The connection stays usable after a timeout
	_, err = client.Call(context.Background(), "Runtime.enable", nil)
	assert.NoError(t, err)
}

func TestClient_Call_ContextDeadlineIsTimeout(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	b.Handle("Slow.method", func(cmd testutil.Command) testutil.Reply {
		return testutil.Reply{Drop: true}
	})

	client := dialPage(t, b, cdp.WithCallTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, "Slow.method", nil)
	assert.ErrorIs(t, err, cdp.ErrTimeout)
}

func TestClient_Call_CancelledContext(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	b.Handle("Slow.method", func(cmd testutil.Command) testutil.Reply {
		return testutil.Reply{Drop: true}
	})

	client := dialPage(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := client.Call(ctx, "Slow.method", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_Call_ProtocolError(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	b.Handle("Invalid.nonExistentMethod", func(cmd testutil.Command) testutil.Reply {
		return testutil.Reply{Error: &testutil.ProtocolError{Code: -32601, Message: "'Invalid.nonExistentMethod' wasn't found"}}
	})

	client := dialPage(t, b)

	_, err := client.Call(context.Background(), "Invalid.nonExistentMethod", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cdp.ErrProtocolError)

	var pe *cdp.ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, -32601, pe.Code)
	assert.Contains(t, pe.Message, "wasn't found")
}

func TestClient_Call_ConnectionClosedMidWait(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()

	b.Handle("Page.navigate", func(cmd testutil.Command) testutil.Reply {
		return testutil.Reply{Drop: true}
	})

	client := dialPage(t, b, cdp.WithCallTimeout(5*time.Second))
	time.AfterFunc(100*time.Millisecond, b.Close)

	_, err := client.Call(context.Background(), "Page.navigate", nil)
	assert.ErrorIs(t, err, cdp.ErrConnectionClosed)

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client was not marked closed")
	}
}

func TestClient_Call_ReturnsErrorOnClosed(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	client := dialPage(t, b)
	require.NoError(t, client.Close())

	_, err := client.Call(context.Background(), "Browser.getVersion", nil)
	assert.ErrorIs(t, err, cdp.ErrConnectionClosed)
}

func TestClient_Call_IDsIncrease(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	client := dialPage(t, b)

	for i := 0; i < 3; i++ {
		_, err := client.Call(context.Background(), "Runtime.enable", nil)
		require.NoError(t, err)
	}

	cmds := b.Commands()
	require.Len(t, cmds, 3)
	for i, cmd := range cmds {
		assert.Equal(t, int64(i+1), cmd.ID)
	}
}

func TestClient_Call_ConcurrentCallersGetOwnResponses(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	b.Handle("Test.echo", func(cmd testutil.Command) testutil.Reply {
		return testutil.Reply{
			Before: []testutil.Event{{Method: "Test.noise"}},
			Result: cmd.Params,
		}
	})

	client := dialPage(t, b)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := client.Call(context.Background(), "Test.echo", map[string]int{"n": n})
			if err != nil {
				failures.Add(1)
				return
			}
			var resp struct {
				N int `json:"n"`
			}
			if json.Unmarshal(result, &resp) != nil || resp.N != n {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
}

func TestClient_Subscribe(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	client := dialPage(t, b)

	events, unsubscribe := client.Subscribe("S1", "Runtime.consoleAPICalled")
	other, unsubscribeOther := client.Subscribe("", "Runtime.consoleAPICalled")
	defer unsubscribeOther()

	b.Emit(testutil.Event{
		Method:    "Runtime.consoleAPICalled",
		SessionID: "S1",
		Params:    map[string]string{"type": "log"},
	})

	select {
	case params := <-events:
		assert.JSONEq(t, `{"type":"log"}`, string(params))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case <-other:
		t.Fatal("event delivered to another session's subscriber")
	case <-time.After(50 * time.Millisecond):
	}

	unsubscribe()
	_, ok := <-events
	assert.False(t, ok, "channel should be closed after unsubscribe")
	unsubscribe()
}

func TestClient_Subscribe_ClosedWithClient(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	client := dialPage(t, b)
	events, unsubscribe := client.Subscribe("", "Page.loadEventFired")
	defer unsubscribe()

	client.Close()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestDial_EmptyURL(t *testing.T) {
	t.Parallel()

	_, err := cdp.Dial(context.Background(), "")
	assert.Error(t, err)
}

func TestDial_Refused(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := cdp.Dial(ctx, "ws://localhost:1/devtools/browser/x")
	assert.Error(t, err)
}

func TestClient_SubscribeEvents_PreservesOrder(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	client := dialPage(t, b)

	events, unsubscribe := client.SubscribeEvents("S1", "Network.responseReceived", "Network.loadingFinished")

	for i := 0; i < 10; i++ {
		b.Emit(testutil.Event{Method: "Network.responseReceived", SessionID: "S1", Params: map[string]int{"n": i}})
		b.Emit(testutil.Event{Method: "Network.requestWillBeSent", SessionID: "S1"})
		b.Emit(testutil.Event{Method: "Network.loadingFinished", SessionID: "S2"})
		b.Emit(testutil.Event{Method: "Network.loadingFinished", SessionID: "S1", Params: map[string]int{"n": i}})
	}

	for i := 0; i < 10; i++ {
		for _, want := range []string{"Network.responseReceived", "Network.loadingFinished"} {
			select {
			case ev := <-events:
				assert.Equal(t, want, ev.Method)
				assert.Equal(t, "S1", ev.SessionID)
				assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(ev.Params))
			case <-time.After(2 * time.Second):
				t.Fatalf("event %d %s not delivered", i, want)
			}
		}
	}

	unsubscribe()
	_, ok := <-events
	assert.False(t, ok)
	unsubscribe()
}

func TestClient_SubscribeEvents_ClosedWithClient(t *testing.T) {
	t.Parallel()

	b := testutil.NewFakeBrowser()
	defer b.Close()

	client := dialPage(t, b)
	events, unsubscribe := client.SubscribeEvents("", "Target.targetCreated")
	client.Close()
	unsubscribe()

	_, ok := <-events
	assert.False(t, ok)

	late, _ := client.SubscribeEvents("", "Target.targetCreated")
	_, ok = <-late
	assert.False(t, ok)
}
