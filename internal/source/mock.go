package source

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	mockSeed   = 1234
	mockLFOHz  = 0.7
	mockBaseHz = 23.0
)

// Mock generates a deterministic synthetic signal: a swept sine with noise and
// randomly triggered bursts, identical on every channel. It paces itself to
// real time unless pacing is disabled.
type Mock struct {
	cfg      Config
	channels int
	pace     time.Duration
	rng      *rand.Rand

	phase float64
	t     float64
	burst float64
}

// MockOption configures a Mock source
type MockOption func(*Mock)

// WithoutPacing makes Read return immediately instead of sleeping one block duration
func WithoutPacing() MockOption {
	return func(m *Mock) { m.pace = 0 }
}

// NewMock creates a synthetic source with one column per distinct channel
func NewMock(cfg Config, opts ...MockOption) *Mock {
	m := &Mock{
		cfg:      cfg,
		channels: max(1, len(distinct(cfg.Channels))),
		pace:     time.Duration(max(0, cfg.BlockMs)) * time.Millisecond,
		rng:      rand.New(rand.NewSource(mockSeed)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Channels returns the column count of every block
func (m *Mock) Channels() int {
	return m.channels
}

// Read fills a block of n samples, then waits out the block duration
func (m *Mock) Read(ctx context.Context, n int) (Block, error) {
	b := Block{
		Data:       make([]float64, n*m.channels),
		Samples:    n,
		Channels:   m.channels,
		SampleRate: m.cfg.SampleRate,
		Low:        m.cfg.Low,
		High:       m.cfg.High,
	}
	m.fill(b)

	if m.pace > 0 {
		timer := time.NewTimer(m.pace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Block{}, ctx.Err()
		case <-timer.C:
		}
	}
	return b, nil
}

func (m *Mock) fill(b Block) {
	span := SpanOf(m.cfg.Low, m.cfg.High)
	dt := 1.0 / math.Max(1.0, m.cfg.SampleRate)

	for i := 0; i < b.Samples; i++ {
		m.t += dt

		if m.rng.Float64() < dt*2.5 {
			m.burst = 1.0
		}
		m.burst *= 0.997

		lfo := 0.5 + 0.5*math.Sin(2*math.Pi*mockLFOHz*m.t)
		freq := mockBaseHz + 90.0*lfo
		m.phase += 2 * math.Pi * freq * dt
		if m.phase > 1e9 {
			m.phase = 0
		}

		sine := math.Sin(m.phase)
		noise := m.rng.Float64()*2.0 - 1.0

		v := 0.12*span*sine + 0.02*span*noise + 0.35*span*m.burst*sign(sine)
		for ch := 0; ch < b.Channels; ch++ {
			b.Data[i*b.Channels+ch] = v
		}
	}
}

// Close is a no-op for the synthetic source
func (m *Mock) Close() error {
	return nil
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
