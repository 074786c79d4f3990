// Package reduce selects the transmission mode and collapses blocks to
// summary features when raw samples would exceed the bandwidth budget.
package reduce

import (
	"fmt"
	"math"
	"strings"

	"github.com/yourusername/usb1601-bridge/internal/source"
)

// Mode is the transmission mode of a session
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeRaw      Mode = "raw"
	ModeFeatures Mode = "features"
)

// AutoThreshold is the sample rate (Hz) at or above which auto picks features
const AutoThreshold = 10000.0

// DefaultSmoothing is the bridge-side EMA weight applied to feature levels
const DefaultSmoothing = 0.15

// ParseMode accepts auto, raw or features in any case
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModeRaw, ModeFeatures:
		return m, nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want auto, raw or features)", s)
	}
}

// Resolve turns auto into a concrete mode for sampleRate
func Resolve(m Mode, sampleRate float64) Mode {
	switch m {
	case ModeRaw, ModeFeatures:
		return m
	}
	if sampleRate >= AutoThreshold {
		return ModeFeatures
	}
	return ModeRaw
}

// Features summarises the control channel of one block
type Features struct {
	RMS   float64
	Peak  float64
	Level float64
}

// Compute reduces channel 0 of b
func Compute(b source.Block) Features {
	if b.Samples <= 0 || b.Channels <= 0 {
		return Features{}
	}

	var sumSq, peak float64
	for i := 0; i < b.Samples; i++ {
		v := b.At(i, 0)
		sumSq += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}

	rms := math.Sqrt(sumSq / float64(b.Samples))
	return Features{
		RMS:   rms,
		Peak:  peak,
		Level: Clamp01(rms / source.SpanOf(b.Low, b.High)),
	}
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

// EMA is an exponential moving average: value = x*Weight + value*(1-Weight).
// Not safe for concurrent use.
type EMA struct {
	Weight float64
	value  float64
}

// Update folds x in and returns the new average
func (e *EMA) Update(x float64) float64 {
	e.value = e.value*(1-e.Weight) + x*e.Weight
	return e.value
}

// Value returns the current average
func (e *EMA) Value() float64 {
	return e.value
}
