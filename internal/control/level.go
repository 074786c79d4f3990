// Package control turns the decoded signal level into a smoothed, shaped
// control scalar on a fixed timer, decaying toward neutral when the feed stalls.
package control

import (
	"math"
	"sync"
	"time"
)

// EMA weights applied by the connector per message kind
const (
	SamplesWeight  = 0.15
	FeaturesWeight = 0.25
)

// Level is the feed state shared between the connector and the mapper.
// Only the connector calls Observe; the mapper only reads Snapshot.
type Level struct {
	mu         sync.RWMutex
	smoothed   float64
	lastUpdate time.Time
	active     bool
}

// Snapshot is a consistent copy of a Level
type Snapshot struct {
	Smoothed   float64
	LastUpdate time.Time
	Active     bool
}

// Observe folds x into the smoothed level with weight w and marks the feed fresh
func (l *Level) Observe(x, w float64, at time.Time) {
	x = Clamp01(x)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.smoothed = l.smoothed*(1-w) + x*w
	l.lastUpdate = at
	l.active = true
}

// Snapshot returns the current feed state
func (l *Level) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{Smoothed: l.smoothed, LastUpdate: l.lastUpdate, Active: l.active}
}

// Clamp01 bounds v to [0, 1]; NaN maps to 0
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
