package source

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

const (
	// DefaultDriver is the driver name the bridge opens when hardware is requested
	DefaultDriver = "jyusb1601"

	pollInterval = 2 * time.Millisecond
	maxBlockWait = 500 * time.Millisecond
)

// Driver is the vendor-specific side of a DAQ device running continuous
// analog input. Implementations live outside this module and register
// themselves with RegisterDriver.
type Driver interface {
	// Start configures the channels and begins continuous acquisition
	Start(cfg Config) error
	// ChannelCount reports the number of configured channels once started
	ChannelCount() int
	// AvailableSamples reports samples per channel buffered on the device
	AvailableSamples() (int, error)
	// ReadData copies samples rows into buf (row-major) and returns rows read
	ReadData(buf []float64, samples int) (int, error)
	Stop() error
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]func() Driver)
)

// RegisterDriver makes a driver available by name. It panics on duplicates
// or a nil factory.
func RegisterDriver(name string, factory func() Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if factory == nil {
		panic("source: RegisterDriver factory is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("source: RegisterDriver called twice for driver " + name)
	}
	drivers[name] = factory
}

func lookupDriver(name string) (func() Driver, bool) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	f, ok := drivers[name]
	return f, ok
}

// Hardware reads blocks from a started Driver, waiting a bounded time for a
// full block before taking whatever is buffered.
type Hardware struct {
	cfg      Config
	driver   Driver
	channels int
	wait     time.Duration
	poll     time.Duration
	buf      []float64

	closeOnce sync.Once
}

// Open starts the named driver for cfg. Failures are hardware faults.
func Open(driverName string, cfg Config) (*Hardware, error) {
	factory, ok := lookupDriver(driverName)
	if !ok {
		return nil, fault(cfg.Device, "open", fmt.Errorf("%w: %q", ErrNoDriver, driverName))
	}
	return NewHardware(factory(), cfg)
}

// NewHardware starts drv with the distinct, sorted channel list of cfg
func NewHardware(drv Driver, cfg Config) (*Hardware, error) {
	cfg.Channels = distinct(cfg.Channels)
	if err := drv.Start(cfg); err != nil {
		return nil, fault(cfg.Device, "start", err)
	}
	return &Hardware{
		cfg:      cfg,
		driver:   drv,
		channels: drv.ChannelCount(),
		wait:     maxBlockWait,
		poll:     pollInterval,
	}, nil
}

// Channels returns the configured channel count reported by the driver
func (h *Hardware) Channels() int {
	return h.channels
}

// Read waits up to the bounded timeout for n samples, then reads what is available
func (h *Hardware) Read(ctx context.Context, n int) (Block, error) {
	avail, err := h.awaitSamples(ctx, n)
	if err != nil {
		return Block{}, err
	}

	rows := min(n, avail)
	b := Block{
		Channels:   h.channels,
		SampleRate: h.cfg.SampleRate,
		Low:        h.cfg.Low,
		High:       h.cfg.High,
	}
	if rows <= 0 {
		return b, nil
	}

	if need := n * h.channels; cap(h.buf) < need {
		h.buf = make([]float64, need)
	}
	got, err := h.driver.ReadData(h.buf[:rows*h.channels], rows)
	if err != nil {
		return Block{}, fault(h.cfg.Device, "read", err)
	}
	got = max(0, min(got, rows))

	b.Samples = got
	b.Data = slices.Clone(h.buf[:got*h.channels])
	return b, nil
}

func (h *Hardware) awaitSamples(ctx context.Context, n int) (int, error) {
	deadline := time.Now().Add(h.wait)
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		avail, err := h.driver.AvailableSamples()
		if err != nil {
			return 0, fault(h.cfg.Device, "poll", err)
		}
		if avail >= n || !time.Now().Before(deadline) {
			return avail, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the driver; repeated calls are no-ops
func (h *Hardware) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.driver.Stop()
	})
	if err != nil {
		return fault(h.cfg.Device, "stop", err)
	}
	return nil
}

func distinct(channels []int) []int {
	out := slices.Clone(channels)
	slices.Sort(out)
	return slices.Compact(out)
}
