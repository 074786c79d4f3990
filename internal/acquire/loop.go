// Package acquire runs the acquisition cycle: pull a block from the source,
// encode it as samples or features, broadcast it, and keep the heartbeat going.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/usb1601-bridge/internal/model"
	"github.com/yourusername/usb1601-bridge/internal/reduce"
	"github.com/yourusername/usb1601-bridge/internal/source"
)

// DefaultHeartbeatInterval is the wall-clock heartbeat cadence
const DefaultHeartbeatInterval = time.Second

// State is the lifecycle state of a Loop
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Broadcaster receives every message the loop produces
type Broadcaster interface {
	BroadcastMessage(msg any) error
}

// Config is the session configuration of a loop
type Config struct {
	Device     string
	SampleRate float64
	Low        float64
	High       float64
	Channels   []int
	BlockMs    int
	Mode       reduce.Mode
	Mock       bool

	// Smoothing is the EMA weight applied to feature levels; 1 sends raw levels
	Smoothing         float64
	HeartbeatInterval time.Duration
}

// BlockSamples returns round(rate × blockMs/1000), at least 1
func BlockSamples(sampleRate float64, blockMs int) int {
	return max(1, int(math.Round(sampleRate*(float64(blockMs)/1000.0))))
}

// Loop pulls blocks from a source and broadcasts them
type Loop struct {
	cfg     Config
	mode    reduce.Mode
	src     source.Source
	out     Broadcaster
	logger  *slog.Logger
	metrics *metrics
	now     func() time.Time

	state atomic.Int32
	level reduce.EMA
}

// Option configures a Loop
type Option func(*Loop)

// WithLogger sets the loop logger
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithRegisterer registers acquisition metrics with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(lp *Loop) { lp.metrics = newMetrics(reg) }
}

// WithClock overrides the wall clock used for timestamps and heartbeats
func WithClock(now func() time.Time) Option {
	return func(lp *Loop) { lp.now = now }
}

// New creates an idle loop. The mode is resolved once, here.
func New(cfg Config, src source.Source, out Broadcaster, opts ...Option) *Loop {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = reduce.DefaultSmoothing
	}

	l := &Loop{
		cfg:    cfg,
		mode:   reduce.Resolve(cfg.Mode, cfg.SampleRate),
		src:    src,
		out:    out,
		logger: slog.Default(),
		now:    time.Now,
		level:  reduce.EMA{Weight: cfg.Smoothing},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = newMetrics(nil)
	}
	l.logger = l.logger.With("component", "acquire")
	return l
}

// Mode returns the resolved transmission mode
func (l *Loop) Mode() reduce.Mode {
	return l.mode
}

// State returns the current lifecycle state
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Hello describes this session
func (l *Loop) Hello() model.Hello {
	return model.Hello{
		Type:       model.MessageTypeHello,
		Device:     l.cfg.Device,
		SampleRate: l.cfg.SampleRate,
		Low:        l.cfg.Low,
		High:       l.cfg.High,
		Channels:   l.cfg.Channels,
		BlockMs:    l.cfg.BlockMs,
		Mode:       string(l.mode),
		Mock:       l.cfg.Mock,
	}
}

// Run acquires until ctx is cancelled or the source faults. Cancellation
// returns nil; a hardware fault is broadcast once as an error message and
// returned. The source is closed on exit either way.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("acquisition loop is %s, not idle", l.State())
	}
	defer func() {
		if err := l.src.Close(); err != nil {
			l.logger.Warn("Failed to release source", "error", err)
		}
	}()

	n := BlockSamples(l.cfg.SampleRate, l.cfg.BlockMs)
	l.logger.Info("Acquisition started",
		"device", l.cfg.Device,
		"mode", l.mode,
		"block_samples", n,
		"channels", l.src.Channels(),
		"mock", l.cfg.Mock)

	l.emit(l.Hello())
	heartbeatAt := l.now()

	for {
		if ctx.Err() != nil {
			return l.stop()
		}

		if now := l.now(); now.Sub(heartbeatAt) >= l.cfg.HeartbeatInterval {
			heartbeatAt = now
			l.metrics.heartbeats.Inc()
			l.emit(model.NewHeartbeat(now))
		}

		block, err := l.src.Read(ctx, n)
		if err != nil {
			if ctx.Err() != nil && !source.IsFault(err) {
				return l.stop()
			}
			return l.fail(err)
		}
		if block.Samples == 0 {
			continue
		}

		l.metrics.blocks.Inc()
		l.metrics.samples.Add(float64(block.Samples))
		l.emit(l.encode(block))
	}
}

func (l *Loop) stop() error {
	l.state.Store(int32(StateStopped))
	if l.mode == reduce.ModeFeatures {
		l.logger.Info("Acquisition stopped", "last_level", l.level.Value())
	} else {
		l.logger.Info("Acquisition stopped")
	}
	return nil
}

func (l *Loop) fail(err error) error {
	l.state.Store(int32(StateError))
	l.metrics.faults.Inc()

	var fe *source.FaultError
	message := err.Error()
	if errors.As(err, &fe) {
		message = fe.Err.Error()
	}
	l.logger.Error("Driver fault, acquisition halted", "error", err)
	l.emit(model.NewError(message))
	return err
}

func (l *Loop) encode(b source.Block) model.Message {
	ts := l.now().UnixMilli()
	if l.mode == reduce.ModeFeatures {
		f := reduce.Compute(b)
		return model.Features{
			Type:       model.MessageTypeFeatures,
			TS:         ts,
			SampleRate: l.cfg.SampleRate,
			BlockMs:    l.cfg.BlockMs,
			RMS:        model.Finite(f.RMS),
			Peak:       model.Finite(f.Peak),
			Level:      model.Finite(l.level.Update(f.Level)),
			Low:        l.cfg.Low,
			High:       l.cfg.High,
			Channels:   l.cfg.Channels,
		}
	}

	data := make([]float64, len(b.Data))
	for i, v := range b.Data {
		data[i] = model.Finite(v)
	}
	return model.Samples{
		Type:       model.MessageTypeSamples,
		TS:         ts,
		SampleRate: l.cfg.SampleRate,
		N:          b.Samples,
		C:          b.Channels,
		Low:        l.cfg.Low,
		High:       l.cfg.High,
		Channels:   l.cfg.Channels,
		Data:       data,
	}
}

func (l *Loop) emit(msg model.Message) {
	if err := l.out.BroadcastMessage(msg); err != nil {
		l.logger.Warn("Broadcast failed", "type", msg.MessageType(), "error", err)
	}
}
