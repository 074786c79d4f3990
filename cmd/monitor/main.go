// Command monitor connects to a running bridge and logs the shaped control
// level the way an audio or visual consumer would receive it.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/yourusername/usb1601-bridge/internal/client"
	"github.com/yourusername/usb1601-bridge/internal/control"
	"github.com/yourusername/usb1601-bridge/pkg/logger"
)

var (
	url       = flag.String("url", client.DefaultURL, "bridge WebSocket URL")
	override  = flag.Float64("override", 0, "manual control level 0..1; forces at least this much effect")
	report    = flag.Duration("report", time.Second, "how often to log the control level")
	logLevel  = flag.String("log-level", "info", "debug, info, warn, error")
	logFormat = flag.String("log-format", "text", "text or json")
)

// meter is the stand-in downstream consumer
type meter struct {
	applies atomic.Int64
}

func (m *meter) Apply(float64) {
	m.applies.Add(1)
}

func main() {
	flag.Parse()
	if *report <= 0 {
		*report = time.Second
	}

	log := logger.New("usb1601-monitor", logger.Options{Level: *logLevel, Format: *logFormat})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feed := &control.Level{}
	m := &meter{}
	mapper := control.NewMapper(control.DefaultConfig(), feed, m)
	mapper.SetOverride(*override)

	conn := client.New(*url, feed,
		client.WithLogger(log),
		client.WithStatus(func(s client.Status) {
			switch s.Kind {
			case client.StatusError:
				log.Error(s.Message)
			case client.StatusLevel:
				log.Debug(s.Message)
			default:
				log.Info(s.Message)
			}
		}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Connector stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		mapper.Run(ctx)
	}()

	ticker := time.NewTicker(*report)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info("Monitor stopped")
			return
		case <-ticker.C:
			level, ever := mapper.Output()
			log.Info("Control level",
				"level", level,
				"applied", ever,
				"ramps", m.applies.Load(),
				"state", conn.State().String(),
				"retry_in", conn.Reconnect().Delay)
		}
	}
}
