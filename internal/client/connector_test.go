package client

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/usb1601-bridge/internal/control"
	"github.com/yourusername/usb1601-bridge/internal/model"
)

var upgrader = websocket.Upgrader{}

// scriptedBridge upgrades every connection, sends frames, then runs hold
type scriptedBridge struct {
	frames  []string
	hold    func(conn *websocket.Conn)
	accepts atomic.Int32
}

func (b *scriptedBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	b.accepts.Add(1)
	for _, f := range b.frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			return
		}
	}
	if b.hold != nil {
		b.hold(conn)
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func holdUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type statusLog struct {
	mu   sync.Mutex
	list []Status
}

func (s *statusLog) add(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, st)
}

func (s *statusLog) kinds(k StatusKind) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Status
	for _, st := range s.list {
		if st.Kind == k {
			out = append(out, st)
		}
	}
	return out
}

func runConnector(t *testing.T, c *Connector) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		assert.NoError(t, c.Run(ctx))
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("connector did not stop")
		}
	})
	return cancel
}

func TestConnector_SamplesUpdateFeed(t *testing.T) {
	bridge := &scriptedBridge{
		frames: []string{
			`{"type":"usb1601.hello","device":"USBDev0","sampleRate":1000,"mode":"raw","channels":[0,1]}`,
			`{"type":"usb1601.heartbeat","ts":1}`,
			`{"type":"usb1601.samples","n":2,"c":2,"low":-10,"high":10,"channels":[0,1],"data":[10,0,-10,0]}`,
		},
		hold: holdUntilClosed,
	}
	ts := httptest.NewServer(bridge)
	defer ts.Close()

	feed := &control.Level{}
	statuses := &statusLog{}
	c := New(wsURL(ts), feed, WithStatus(statuses.add))
	runConnector(t, c)

	require.Eventually(t, func() bool { return feed.Snapshot().Active }, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 0.15, feed.Snapshot().Smoothed, 1e-12)
	assert.Equal(t, StateConnected, c.State())
	assert.Len(t, statuses.kinds(StatusConnected), 1)
	require.Eventually(t, func() bool { return len(statuses.kinds(StatusLevel)) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "USB-1601 lvl=0.150", statuses.kinds(StatusLevel)[0].Message)
}

func TestConnector_FeaturesUseFasterSmoothing(t *testing.T) {
	bridge := &scriptedBridge{
		frames: []string{`{"type":"usb1601.features","rms":5,"peak":9,"level":0.8}`},
		hold:   holdUntilClosed,
	}
	ts := httptest.NewServer(bridge)
	defer ts.Close()

	feed := &control.Level{}
	runConnector(t, New(wsURL(ts), feed))

	require.Eventually(t, func() bool { return feed.Snapshot().Active }, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 0.2, feed.Snapshot().Smoothed, 1e-12)
}

func TestConnector_MalformedAndUnknownAreDropped(t *testing.T) {
	bridge := &scriptedBridge{
		frames: []string{
			"invalid json data",
			`{"level":1}`,
			`{"type":"usb1601.samples","c":0,"data":[1,2]}`,
			`{"type":"usb1601.samples","c":1,"data":"nope"}`,
			`{"type":"usb1601.firmware","level":1}`,
			`{"type":"usb1601.error","message":"JY driver error"}`,
		},
		hold: holdUntilClosed,
	}
	ts := httptest.NewServer(bridge)
	defer ts.Close()

	feed := &control.Level{}
	statuses := &statusLog{}
	c := New(wsURL(ts), feed, WithStatus(statuses.add))
	runConnector(t, c)

	require.Eventually(t, func() bool { return len(statuses.kinds(StatusError)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "USB-1601 error: JY driver error", statuses.kinds(StatusError)[0].Message)
	assert.False(t, feed.Snapshot().Active, "bad input has no effect on the feed")
	assert.Equal(t, StateConnected, c.State(), "error messages leave the connection alone")
	assert.Equal(t, int32(1), bridge.accepts.Load())
}

func TestConnector_ReconnectsAfterServerCloses(t *testing.T) {
	bridge := &scriptedBridge{frames: []string{`{"type":"usb1601.features","level":0.5}`}}
	ts := httptest.NewServer(bridge)
	defer ts.Close()

	statuses := &statusLog{}
	c := New(wsURL(ts), &control.Level{},
		WithStatus(statuses.add),
		WithBackoff(BackoffConfig{Floor: 10 * time.Millisecond, Max: 40 * time.Millisecond, Multiplier: 1.6}))
	runConnector(t, c)

	require.Eventually(t, func() bool { return bridge.accepts.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, len(statuses.kinds(StatusDisconnected)), 2)

	// every success resets the delay, so it never grows past one step
	assert.LessOrEqual(t, c.Reconnect().Delay, 16*time.Millisecond)
}

func TestConnector_BackoffGrowsWhileBridgeIsDown(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(ts)
	ts.Close()

	c := New(url, &control.Level{},
		WithBackoff(BackoffConfig{Floor: 5 * time.Millisecond, Max: 30 * time.Millisecond, Multiplier: 2}))
	runConnector(t, c)

	require.Eventually(t, func() bool { return c.Reconnect().Delay == 30*time.Millisecond }, 3*time.Second, 2*time.Millisecond)
	assert.NotEqual(t, StateConnected, c.State())
}

func TestConnector_IdleTimeoutForcesReconnect(t *testing.T) {
	bridge := &scriptedBridge{hold: holdUntilClosed}
	ts := httptest.NewServer(bridge)
	defer ts.Close()

	c := New(wsURL(ts), &control.Level{},
		WithIdleTimeout(30*time.Millisecond),
		WithBackoff(BackoffConfig{Floor: 5 * time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 1}))
	runConnector(t, c)

	assert.Eventually(t, func() bool { return bridge.accepts.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
}

func TestConnector_CancelWhilePending(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws", &control.Level{},
		WithBackoff(BackoffConfig{Floor: time.Hour, Max: time.Hour, Multiplier: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Reconnect().Pending }, 3*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, c.Reconnect().Pending)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestSamplesLevel(t *testing.T) {
	level, ok := SamplesLevel(model.Samples{C: 2, Low: -10, High: 10, Data: []float64{3, 99, -4, 99}})
	require.True(t, ok)
	assert.InDelta(t, math.Sqrt(12.5)/10, level, 1e-12)

	level, ok = SamplesLevel(model.Samples{C: 1, Low: 0, High: 0.2, Data: []float64{0.5}})
	require.True(t, ok)
	assert.InDelta(t, 0.5, level, 1e-12, "range floor of 1")

	level, _ = SamplesLevel(model.Samples{C: 1, Low: -1, High: 1, Data: []float64{1e9}})
	assert.Equal(t, 1.0, level)

	_, ok = SamplesLevel(model.Samples{C: 0, Data: []float64{1}})
	assert.False(t, ok)
	_, ok = SamplesLevel(model.Samples{C: 1})
	assert.False(t, ok)
}
