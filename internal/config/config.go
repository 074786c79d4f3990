// Package config parses the bridge's command line and optional YAML file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/usb1601-bridge/internal/reduce"
)

const (
	DefaultDevice     = "USBDev0"
	DefaultPort       = 8787
	DefaultSampleRate = 1000.0
	DefaultBlockMs    = 20
	MinBlockMs        = 5
)

// ErrHelp is returned by Parse when -h or --help was given
var ErrHelp = flag.ErrHelp

// Config is the complete bridge configuration
type Config struct {
	Device     string  `yaml:"device"`
	Port       int     `yaml:"port"`
	TCPPort    int     `yaml:"tcp_port"` // 0 disables the TCP tap
	SampleRate float64 `yaml:"sample_rate"`
	Low        float64 `yaml:"low"`
	High       float64 `yaml:"high"`
	Channels   []int   `yaml:"channels"`
	BlockMs    int     `yaml:"block_ms"`
	Mode       string  `yaml:"mode"` // auto, raw or features
	Mock       bool    `yaml:"mock"`
	Smoothing  float64 `yaml:"smoothing"` // feature level EMA weight
	LogLevel   string  `yaml:"log_level"`
	LogFormat  string  `yaml:"log_format"`
}

// Default returns the stock configuration
func Default() Config {
	return Config{
		Device:     DefaultDevice,
		Port:       DefaultPort,
		SampleRate: DefaultSampleRate,
		Low:        -10,
		High:       10,
		Channels:   []int{0},
		BlockMs:    DefaultBlockMs,
		Mode:       string(reduce.ModeAuto),
		Smoothing:  reduce.DefaultSmoothing,
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// Load reads a YAML file over the defaults
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Parse builds a configuration from args (without the program name).
// A --config file is applied first; flags given explicitly override it.
// Usage goes to output. Help yields ErrHelp.
func Parse(args []string, output io.Writer) (Config, error) {
	cfg := Default()
	var configPath string

	fs := flag.NewFlagSet("usb1601-bridge", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() { printUsage(fs) }
	bind(fs, &cfg, &configPath)

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if configPath != "" {
		fileCfg, err := Load(configPath)
		if err != nil {
			return cfg, err
		}
		// Re-apply explicit flags over the file
		overlay := flag.NewFlagSet("overlay", flag.ContinueOnError)
		overlay.SetOutput(io.Discard)
		var ignored string
		bind(overlay, &fileCfg, &ignored)
		var setErr error
		fs.Visit(func(f *flag.Flag) {
			if setErr == nil && f.Name != "config" {
				setErr = overlay.Set(f.Name, f.Value.String())
			}
		})
		if setErr != nil {
			return cfg, setErr
		}
		cfg = fileCfg
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func bind(fs *flag.FlagSet, cfg *Config, configPath *string) {
	fs.StringVar(configPath, "config", "", "YAML configuration file")
	fs.StringVar(&cfg.Device, "device", cfg.Device, "DAQ device name")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "WebSocket port")
	fs.IntVar(&cfg.TCPPort, "tcp-port", cfg.TCPPort, "JSON-lines TCP tap port, 0 to disable")
	fs.Float64Var(&cfg.SampleRate, "rate", cfg.SampleRate, "sample rate in Hz")
	fs.Float64Var(&cfg.Low, "low", cfg.Low, "voltage range low")
	fs.Float64Var(&cfg.High, "high", cfg.High, "voltage range high")
	fs.Var((*channelList)(&cfg.Channels), "channels", "channel list, e.g. 0 or 0,1,2,3")
	fs.IntVar(&cfg.BlockMs, "blockMs", cfg.BlockMs, "block duration in ms (minimum 5)")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "auto|raw|features")
	fs.BoolVar(&cfg.Mock, "mock", cfg.Mock, "no hardware; generate a synthetic signal")
	fs.Float64Var(&cfg.Smoothing, "smoothing", cfg.Smoothing, "features mode level EMA weight, 1 disables")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
}

func printUsage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintln(out, "Usb1601Bridge options:")
	fmt.Fprintln(out, "  --device USBDev0")
	fmt.Fprintln(out, "  --port 8787")
	fmt.Fprintln(out, "  --rate 1000")
	fmt.Fprintln(out, "  --low -10 --high 10")
	fmt.Fprintln(out, "  --channels 0   (or 0,1,2,3)")
	fmt.Fprintln(out, "  --blockMs 20")
	fmt.Fprintln(out, "  --mode auto|raw|features")
	fmt.Fprintln(out, "  --mock   (no hardware; generate a synthetic signal)")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "All flags:")
	fs.PrintDefaults()
}

// Normalize applies the documented floors and fallbacks
func (c *Config) Normalize() {
	if len(c.Channels) == 0 {
		c.Channels = []int{0}
	}
	c.Channels = slices.Clone(c.Channels)
	slices.Sort(c.Channels)
	c.Channels = slices.Compact(c.Channels)

	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.BlockMs < MinBlockMs {
		c.BlockMs = MinBlockMs
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Smoothing == 0 {
		c.Smoothing = reduce.DefaultSmoothing
	}
	if c.Device == "" {
		c.Device = DefaultDevice
	}
}

// Validate reports the first invalid setting
func (c Config) Validate() error {
	var errs []error
	if _, err := reduce.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	for name, v := range map[string]float64{"rate": c.SampleRate, "low": c.Low, "high": c.High, "smoothing": c.Smoothing} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("%s must be a finite number", name))
		}
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		errs = append(errs, fmt.Errorf("smoothing must be in (0, 1], got %v", c.Smoothing))
	}
	if c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		errs = append(errs, fmt.Errorf("tcp port %d out of range", c.TCPPort))
	}
	for _, ch := range c.Channels {
		if ch < 0 {
			errs = append(errs, fmt.Errorf("channel %d is negative", ch))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ParsedMode returns the configured mode, auto when it does not parse.
// Validate rejects unparseable modes before this matters.
func (c Config) ParsedMode() reduce.Mode {
	m, err := reduce.ParseMode(c.Mode)
	if err != nil {
		return reduce.ModeAuto
	}
	return m
}

// channelList is a comma-separated list of channel numbers
type channelList []int

func (l *channelList) String() string {
	if l == nil {
		return ""
	}
	parts := make([]string, len(*l))
	for i, ch := range *l {
		parts[i] = strconv.Itoa(ch)
	}
	return strings.Join(parts, ",")
}

func (l *channelList) Set(s string) error {
	var out []int
	for _, part := range strings.Split(s, ",") {
		ch, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("invalid channel %q", part)
		}
		out = append(out, ch)
	}
	*l = out
	return nil
}
