package client

import (
	"math"
	"time"
)

// BackoffConfig describes the reconnect delay policy
type BackoffConfig struct {
	Floor      time.Duration // delay after a success, and the first delay
	Max        time.Duration // upper bound
	Multiplier float64       // growth per failure
}

// DefaultBackoff returns 500 ms growing ×1.6 up to 8 s
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Floor:      500 * time.Millisecond,
		Max:        8000 * time.Millisecond,
		Multiplier: 1.6,
	}
}

// Backoff tracks the current reconnect delay. Not safe for concurrent use.
type Backoff struct {
	cfg   BackoffConfig
	delay time.Duration
}

// NewBackoff starts a backoff at its floor
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Floor <= 0 {
		cfg.Floor = DefaultBackoff().Floor
	}
	if cfg.Max < cfg.Floor {
		cfg.Max = cfg.Floor
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Backoff{cfg: cfg, delay: cfg.Floor}
}

// Current returns the delay the next retry will wait
func (b *Backoff) Current() time.Duration {
	return b.delay
}

// Next returns the delay to wait now and grows the delay for the following
// failure, truncated to whole milliseconds and capped
func (b *Backoff) Next() time.Duration {
	d := b.delay
	grown := math.Floor(float64(b.delay.Milliseconds()) * b.cfg.Multiplier)
	b.delay = min(b.cfg.Max, time.Duration(grown)*time.Millisecond)
	return d
}

// Reset returns the delay to its floor after a successful connection
func (b *Backoff) Reset() {
	b.delay = b.cfg.Floor
}
