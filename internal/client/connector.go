// Package client holds the consumer side of the bridge stream: a single
// reconnecting WebSocket connection that feeds a control.Level.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourusername/usb1601-bridge/internal/control"
	"github.com/yourusername/usb1601-bridge/internal/model"
)

const (
	// DefaultURL is where a locally running bridge listens
	DefaultURL = "ws://localhost:8787/ws"

	// with a 1 s heartbeat, this much silence means the bridge is gone
	defaultIdleTimeout  = 5 * time.Second
	levelStatusInterval = 900 * time.Millisecond
)

// State is the connection state of a Connector
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ReconnectState is the backoff bookkeeping of a Connector
type ReconnectState struct {
	Delay   time.Duration
	Pending bool
}

// StatusKind classifies a status notice for the hosting application
type StatusKind int

const (
	StatusConnected StatusKind = iota
	StatusDisconnected
	StatusError
	StatusLevel
)

// Status is a transient notice for the hosting application
type Status struct {
	Kind    StatusKind
	Message string
	Level   float64
}

// Connector maintains one outbound connection to the bridge, reconnecting
// with exponential backoff and dispatching decoded messages into a Level
type Connector struct {
	url         string
	dialer      *websocket.Dialer
	feed        *control.Level
	onStatus    func(Status)
	logger      *slog.Logger
	now         func() time.Time
	idleTimeout time.Duration

	mu      sync.Mutex
	state   State
	backoff *Backoff
	pending bool

	lastLevelStatus time.Time
}

// Option configures a Connector
type Option func(*Connector)

// WithBackoff replaces the default reconnect policy
func WithBackoff(cfg BackoffConfig) Option {
	return func(c *Connector) { c.backoff = NewBackoff(cfg) }
}

// WithStatus registers a callback for status notices
func WithStatus(fn func(Status)) Option {
	return func(c *Connector) { c.onStatus = fn }
}

// WithLogger sets the connector logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) { c.logger = l }
}

// WithIdleTimeout drops the connection after this long without any message; 0 disables
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Connector) { c.idleTimeout = d }
}

// WithDialer replaces the default WebSocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Connector) { c.dialer = d }
}

// New creates a disconnected connector for url that writes into feed
func New(url string, feed *control.Level, opts ...Option) *Connector {
	c := &Connector{
		url:         url,
		dialer:      &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		feed:        feed,
		onStatus:    func(Status) {},
		logger:      slog.Default(),
		now:         time.Now,
		idleTimeout: defaultIdleTimeout,
		backoff:     NewBackoff(DefaultBackoff()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "connector", "url", url)
	return c
}

// State returns the current connection state
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnect returns the current backoff bookkeeping
func (c *Connector) Reconnect() ReconnectState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ReconnectState{Delay: c.backoff.Current(), Pending: c.pending}
}

// Run connects and reconnects until ctx is cancelled. Connection loss is
// never fatal; Run only returns once ctx is done.
func (c *Connector) Run(ctx context.Context) error {
	for {
		c.setState(StateConnecting)
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			c.connected()
			err = c.readLoop(ctx, conn)
			c.onStatus(Status{Kind: StatusDisconnected, Message: "USB-1601 bridge disconnected"})
		}
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return nil
		}

		delay := c.scheduleRetry()
		c.logger.Info("Connection lost, retrying", "error", err, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.clearRetry()
			return nil
		case <-timer.C:
			c.clearRetry()
		}
	}
}

func (c *Connector) connected() {
	c.mu.Lock()
	c.state = StateConnected
	c.backoff.Reset()
	c.mu.Unlock()

	c.logger.Info("Connected to bridge")
	c.onStatus(Status{Kind: StatusConnected, Message: "USB-1601 bridge connected"})
}

func (c *Connector) scheduleRetry() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = true
	return c.backoff.Next()
}

func (c *Connector) clearRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = false
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// readLoop dispatches messages until the connection fails or ctx ends
func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		if c.idleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
				return err
			}
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(data)
	}
}

// dispatch routes one frame by its tag; bad input never escapes
func (c *Connector) dispatch(data []byte) {
	msg, err := model.Decode(data)
	if err != nil {
		c.logger.Debug("Dropped malformed message", "error", err)
		return
	}

	switch m := msg.(type) {
	case model.Samples:
		level, ok := SamplesLevel(m)
		if !ok {
			c.logger.Debug("Dropped samples message without usable data", "n", m.N, "c", m.C)
			return
		}
		c.observe(level, control.SamplesWeight, "")
	case model.Features:
		c.observe(control.Clamp01(m.Level), control.FeaturesWeight, " (features)")
	case model.Error:
		message := m.Message
		if message == "" {
			message = "unknown"
		}
		c.logger.Warn("Bridge reported an error", "message", message)
		c.onStatus(Status{Kind: StatusError, Message: "USB-1601 error: " + message})
	case model.Hello:
		c.logger.Info("Bridge session",
			"device", m.Device, "sample_rate", m.SampleRate, "mode", m.Mode,
			"channels", m.Channels, "mock", m.Mock)
	case model.Heartbeat:
	default:
		c.logger.Debug("Ignored message", "type", msg.MessageType())
	}
}

func (c *Connector) observe(level, weight float64, suffix string) {
	now := c.now()
	c.feed.Observe(level, weight, now)

	if now.Sub(c.lastLevelStatus) > levelStatusInterval {
		c.lastLevelStatus = now
		smoothed := c.feed.Snapshot().Smoothed
		c.onStatus(Status{
			Kind:    StatusLevel,
			Message: fmt.Sprintf("USB-1601 lvl=%.3f%s", smoothed, suffix),
			Level:   smoothed,
		})
	}
}

// SamplesLevel normalises the RMS of channel 0 of a flattened block by its
// voltage range. It reports false when the message carries no usable data.
func SamplesLevel(m model.Samples) (float64, bool) {
	if m.C <= 0 || len(m.Data) == 0 {
		return 0, false
	}

	var sumSq float64
	n := 0
	for i := 0; i < len(m.Data); i += m.C {
		v := m.Data[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sumSq += v * v
		n++
	}
	if n == 0 {
		return 0, true
	}

	rms := math.Sqrt(sumSq / float64(n))
	span := math.Max(math.Max(math.Abs(m.Low), math.Abs(m.High)), 1)
	return control.Clamp01(rms / span), true
}
