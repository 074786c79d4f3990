package control

import (
	"context"
	"math"
	"sync"
	"time"
)

// Sink is the downstream consumer of the shaped control level, typically a
// set of parameter ramps in an audio or visual engine
type Sink interface {
	Apply(level float64)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(level float64)

func (f SinkFunc) Apply(level float64) { f(level) }

// Config holds the mapper's timing and shaping constants
type Config struct {
	Interval   time.Duration // tick period
	StaleAfter time.Duration // feed treated as absent beyond this age
	DecayAfter time.Duration // feed decays beyond this age
	Decay      float64       // per-tick decay factor while stale
	Exponent   float64       // shaping curve level^Exponent
	// OverrideThreshold is the minimum override that counts as present
	OverrideThreshold float64
}

// DefaultConfig returns the tuned perceptual constants
func DefaultConfig() Config {
	return Config{
		Interval:          50 * time.Millisecond,
		StaleAfter:        2000 * time.Millisecond,
		DecayAfter:        1200 * time.Millisecond,
		Decay:             0.97,
		Exponent:          0.6,
		OverrideThreshold: 0.01,
	}
}

// Shape applies the power curve to a clamped level
func Shape(level, exponent float64) float64 {
	return Clamp01(math.Pow(Clamp01(level), exponent))
}

// Mapper publishes the shaped control level on a fixed cadence, independent
// of message arrival
type Mapper struct {
	cfg  Config
	feed *Level
	sink Sink
	now  func() time.Time

	mu       sync.Mutex
	override float64
	current  float64 // decayed live level; written only by Tick
	seen     time.Time
	tracking bool // feed considered present since the last fresh update
	output   float64
	applied  bool
}

// MapperOption configures a Mapper
type MapperOption func(*Mapper)

// WithClock overrides the wall clock Run uses for ticks
func WithClock(now func() time.Time) MapperOption {
	return func(m *Mapper) { m.now = now }
}

// NewMapper creates a mapper reading feed and driving sink
func NewMapper(cfg Config, feed *Level, sink Sink, opts ...MapperOption) *Mapper {
	m := &Mapper{cfg: cfg, feed: feed, sink: sink, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOverride sets a manual level that forces at least this much effect
func (m *Mapper) SetOverride(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.override = Clamp01(v)
}

// Output returns the last shaped level and whether any was ever applied
func (m *Mapper) Output() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.output, m.applied
}

// Tick evaluates the feed at now. A stale feed keeps decaying for as long as
// an override is present; without one it is dropped until fresh data
// arrives, the sink is left untouched and Tick returns false.
func (m *Mapper) Tick(now time.Time) (float64, bool) {
	snap := m.feed.Snapshot()

	m.mu.Lock()
	override := m.override
	hasOverride := override > m.cfg.OverrideThreshold

	if snap.Active && snap.LastUpdate.After(m.seen) {
		m.seen = snap.LastUpdate
		m.current = snap.Smoothed
		m.tracking = true
	}

	age := now.Sub(m.seen)
	if (!m.tracking || age > m.cfg.StaleAfter) && !hasOverride {
		m.tracking = false
		m.mu.Unlock()
		return 0, false
	}

	raw := override
	if m.tracking {
		if age > m.cfg.DecayAfter {
			m.current *= m.cfg.Decay
		}
		raw = math.Max(m.current, override)
	}

	level := Shape(raw, m.cfg.Exponent)
	m.output = level
	m.applied = true
	m.mu.Unlock()

	m.sink.Apply(level)
	return level, true
}

// Run ticks until ctx is cancelled
func (m *Mapper) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.now())
		}
	}
}
