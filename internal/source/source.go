// Package source produces acquisition blocks from DAQ hardware or a
// deterministic synthetic generator behind one interface.
package source

import (
	"context"
	"math"
)

// Block is one acquisition cycle: Samples rows of Channels readings, row-major
type Block struct {
	Data       []float64
	Samples    int
	Channels   int
	SampleRate float64
	Low        float64
	High       float64
}

// At returns the reading of channel ch in sample row i
func (b Block) At(i, ch int) float64 {
	return b.Data[i*b.Channels+ch]
}

// Source is implemented by anything that can deliver blocks.
// Read returns at most n samples per channel; it may return fewer (even zero)
// when the device could not fill a block within its bounded wait.
type Source interface {
	Channels() int
	Read(ctx context.Context, n int) (Block, error)
	Close() error
}

// Config describes the acquisition session a Source is opened for
type Config struct {
	Device     string
	SampleRate float64
	Low        float64
	High       float64
	Channels   []int
	BlockMs    int
}

// SpanOf returns max(|low|, |high|), or 1 when the range is degenerate
func SpanOf(low, high float64) float64 {
	span := math.Max(math.Abs(low), math.Abs(high))
	if span <= 0.000001 || math.IsNaN(span) {
		return 1
	}
	return span
}
