// Command bridge samples a USB-1601 DAQ (or a synthetic source) and streams
// the blocks to WebSocket consumers at ws://localhost:<port>/ws.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/yourusername/usb1601-bridge/internal/acquire"
	"github.com/yourusername/usb1601-bridge/internal/config"
	"github.com/yourusername/usb1601-bridge/internal/hub"
	"github.com/yourusername/usb1601-bridge/internal/source"
	"github.com/yourusername/usb1601-bridge/internal/tcp"
	"github.com/yourusername/usb1601-bridge/internal/websocket"
	"github.com/yourusername/usb1601-bridge/pkg/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, config.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("Bridge failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(args, os.Stderr)
	if err != nil {
		return err
	}

	log := logger.New("usb1601-bridge", logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(log)

	log.Info("USB-1601 bridge (WebSocket) starting",
		"device", cfg.Device,
		"rate_hz", cfg.SampleRate,
		"low", cfg.Low,
		"high", cfg.High,
		"channels", cfg.Channels,
		"block_ms", cfg.BlockMs,
		"mode", cfg.Mode,
		"mock", cfg.Mock)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	src, err := openSource(cfg)
	if err != nil {
		return err
	}

	h := hub.NewHub(hub.WithLogger(log), hub.WithRegisterer(reg))
	loop := acquire.New(acquire.Config{
		Device:     cfg.Device,
		SampleRate: cfg.SampleRate,
		Low:        cfg.Low,
		High:       cfg.High,
		Channels:   cfg.Channels,
		BlockMs:    cfg.BlockMs,
		Mode:       cfg.ParsedMode(),
		Mock:       cfg.Mock,
		Smoothing:  cfg.Smoothing,
	}, src, h, acquire.WithLogger(log), acquire.WithRegisterer(reg))

	wsServer, err := websocket.NewServer(fmt.Sprintf("localhost:%d", cfg.Port), h, loop.Hello(), reg, log)
	if err != nil {
		_ = src.Close()
		return err
	}
	if err := wsServer.Start(); err != nil {
		_ = src.Close()
		return err
	}
	defer func() {
		if err := wsServer.Stop(); err != nil {
			log.Warn("Error stopping WebSocket server", "error", err)
		}
	}()
	log.Info("Streaming", "url", fmt.Sprintf("ws://localhost:%d%s", cfg.Port, websocket.Path), "mode", loop.Mode())

	if cfg.TCPPort > 0 {
		tcpServer, err := tcp.NewServer(fmt.Sprintf("localhost:%d", cfg.TCPPort), h, loop.Hello(), log)
		if err != nil {
			_ = src.Close()
			return err
		}
		if err := tcpServer.Start(); err != nil {
			_ = src.Close()
			return err
		}
		defer func() {
			if err := tcpServer.Stop(); err != nil {
				log.Warn("Error stopping TCP tap", "error", err)
			}
		}()
	}

	if err := loop.Run(ctx); err != nil {
		return fmt.Errorf("acquisition: %w", err)
	}
	log.Info("Bridge stopped")
	return nil
}

func openSource(cfg config.Config) (source.Source, error) {
	scfg := source.Config{
		Device:     cfg.Device,
		SampleRate: cfg.SampleRate,
		Low:        cfg.Low,
		High:       cfg.High,
		Channels:   cfg.Channels,
		BlockMs:    cfg.BlockMs,
	}
	if cfg.Mock {
		return source.NewMock(scfg), nil
	}
	hw, err := source.Open(source.DefaultDriver, scfg)
	if err != nil {
		return nil, err
	}
	return hw, nil
}
