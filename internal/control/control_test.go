package control

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rampRecorder struct {
	mu    sync.Mutex
	calls []float64
}

func (r *rampRecorder) Apply(level float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, level)
}

func (r *rampRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var t0 = time.UnixMilli(1_700_000_000_000)

func TestLevel_Observe(t *testing.T) {
	var l Level
	assert.False(t, l.Snapshot().Active)

	l.Observe(1, SamplesWeight, t0)
	s := l.Snapshot()
	assert.True(t, s.Active)
	assert.Equal(t, t0, s.LastUpdate)
	assert.InDelta(t, 0.15, s.Smoothed, 1e-12)

	l.Observe(5, FeaturesWeight, t0.Add(time.Second))
	assert.InDelta(t, 0.15*0.75+0.25, l.Snapshot().Smoothed, 1e-12, "input clamped to 1")

	l.Observe(math.NaN(), FeaturesWeight, t0.Add(2*time.Second))
	assert.False(t, math.IsNaN(l.Snapshot().Smoothed))
}

func TestMapper_NeverActiveIsNoOp(t *testing.T) {
	sink := &rampRecorder{}
	m := NewMapper(DefaultConfig(), &Level{}, sink)

	for i := 0; i < 10; i++ {
		_, applied := m.Tick(t0.Add(time.Duration(i) * 50 * time.Millisecond))
		assert.False(t, applied)
	}
	assert.Zero(t, sink.count())
	_, ever := m.Output()
	assert.False(t, ever)
}

func TestMapper_StaleFeedLeavesParametersUntouched(t *testing.T) {
	feed := &Level{}
	sink := &rampRecorder{}
	m := NewMapper(DefaultConfig(), feed, sink)

	feed.Observe(0.8, 1, t0)
	_, applied := m.Tick(t0.Add(100 * time.Millisecond))
	require.True(t, applied)
	require.Equal(t, 1, sink.count())

	for i := 1; i <= 20; i++ {
		_, applied := m.Tick(t0.Add(2000*time.Millisecond + time.Duration(i)*50*time.Millisecond))
		assert.False(t, applied)
	}
	assert.Equal(t, 1, sink.count(), "no ramp calls once the feed is stale")
}

func TestMapper_DecaysAfterGraceWindow(t *testing.T) {
	feed := &Level{}
	sink := &rampRecorder{}
	cfg := DefaultConfig()
	m := NewMapper(cfg, feed, sink)

	feed.Observe(0.5, 1, t0)

	got, _ := m.Tick(t0.Add(1000 * time.Millisecond))
	assert.InDelta(t, math.Pow(0.5, 0.6), got, 1e-12, "held within grace window")

	got, _ = m.Tick(t0.Add(1200 * time.Millisecond))
	assert.InDelta(t, math.Pow(0.5, 0.6), got, 1e-12, "boundary is exclusive")

	want := 0.5
	for i := 1; i <= 10; i++ {
		want *= 0.97
		got, applied := m.Tick(t0.Add(1200*time.Millisecond + time.Duration(i)*50*time.Millisecond))
		require.True(t, applied)
		assert.InDelta(t, math.Pow(want, 0.6), got, 1e-12, "tick %d", i)
	}
}

func TestMapper_FreshDataReplacesDecayedLevel(t *testing.T) {
	feed := &Level{}
	m := NewMapper(DefaultConfig(), feed, &rampRecorder{})

	feed.Observe(0.5, 1, t0)
	m.Tick(t0.Add(1500 * time.Millisecond))
	m.Tick(t0.Add(1550 * time.Millisecond))

	feed.Observe(0.9, 1, t0.Add(1600*time.Millisecond))
	got, _ := m.Tick(t0.Add(1650 * time.Millisecond))
	assert.InDelta(t, math.Pow(0.9, 0.6), got, 1e-12)
}

func TestMapper_OverrideWinsWhenHigher(t *testing.T) {
	feed := &Level{}
	sink := &rampRecorder{}
	m := NewMapper(DefaultConfig(), feed, sink)

	m.SetOverride(1)
	got, applied := m.Tick(t0)
	require.True(t, applied, "override drives output without a feed")
	assert.Equal(t, 1.0, got)

	feed.Observe(0.2, 1, t0)
	m.SetOverride(0.5)
	got, _ = m.Tick(t0.Add(10 * time.Millisecond))
	assert.InDelta(t, math.Pow(0.5, 0.6), got, 1e-12)

	m.SetOverride(0.1)
	got, _ = m.Tick(t0.Add(20 * time.Millisecond))
	assert.InDelta(t, math.Pow(0.2, 0.6), got, 1e-12)

	// below threshold counts as absent once the feed is stale
	m.SetOverride(0.005)
	_, applied = m.Tick(t0.Add(5 * time.Second))
	assert.False(t, applied)

	m.SetOverride(0.3)
	got, applied = m.Tick(t0.Add(5 * time.Second))
	require.True(t, applied)
	assert.InDelta(t, math.Pow(0.3, 0.6), got, 1e-12, "feed dropped while no override was set")
}

func TestMapper_OverrideKeepsStaleFeedDecaying(t *testing.T) {
	feed := &Level{}
	sink := &rampRecorder{}
	m := NewMapper(DefaultConfig(), feed, sink)

	feed.Observe(0.9, 1, t0)
	m.SetOverride(0.3)

	want := 0.9
	prev := math.Inf(1)
	for i := 0; i <= 80; i++ {
		at := time.Duration(i) * 50 * time.Millisecond
		if at > 1200*time.Millisecond {
			want *= 0.97
		}
		got, applied := m.Tick(t0.Add(at))
		require.True(t, applied, "tick at %v", at)
		assert.InDelta(t, math.Pow(math.Max(want, 0.3), 0.6), got, 1e-12, "tick at %v", at)
		assert.LessOrEqual(t, got, prev, "output never steps up without new data")
		prev = got
	}

	got, _ := m.Tick(t0.Add(5 * time.Second))
	assert.InDelta(t, math.Pow(0.3, 0.6), got, 1e-12, "decayed below the override")

	m.SetOverride(0)
	_, applied := m.Tick(t0.Add(5050 * time.Millisecond))
	assert.False(t, applied, "stale feed dropped once the override is released")

	m.SetOverride(0.3)
	got, _ = m.Tick(t0.Add(5100 * time.Millisecond))
	assert.InDelta(t, math.Pow(0.3, 0.6), got, 1e-12)

	feed.Observe(0.9, 1, t0.Add(5150*time.Millisecond))
	got, _ = m.Tick(t0.Add(5200 * time.Millisecond))
	assert.InDelta(t, math.Pow(0.9, 0.6), got, 1e-12, "fresh data resumes tracking")
}

func TestShape(t *testing.T) {
	assert.Equal(t, 0.0, Shape(0, 0.6))
	assert.Equal(t, 1.0, Shape(1, 0.6))
	assert.Equal(t, 1.0, Shape(7, 0.6))
	assert.Equal(t, 0.0, Shape(-1, 0.6))
	assert.Greater(t, Shape(0.25, 0.6), 0.25, "mid-range boosted")
}

func TestMapper_RunTicksOnTimer(t *testing.T) {
	feed := &Level{}
	feed.Observe(0.4, 1, time.Now().Add(time.Hour))
	sink := &rampRecorder{}
	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	m := NewMapper(cfg, feed, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sink.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	out, ever := m.Output()
	assert.True(t, ever)
	assert.InDelta(t, math.Pow(0.4, 0.6), out, 1e-12)
}

func TestSinkFunc(t *testing.T) {
	var got float64
	SinkFunc(func(l float64) { got = l }).Apply(0.3)
	assert.Equal(t, 0.3, got)
}
