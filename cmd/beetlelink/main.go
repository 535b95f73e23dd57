// Command beetlelink relays between wearable game peripherals and the
// game's message brokers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kabili207/beetlelink/device/session"
	"github.com/kabili207/beetlelink/internal/config"
	"github.com/kabili207/beetlelink/relay"
	"github.com/kabili207/beetlelink/transport"
	"github.com/kabili207/beetlelink/transport/ble"
	"github.com/kabili207/beetlelink/transport/serial"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "beetlelink.yaml", "path to the YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "beetlelink:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	config.Normalize(cfg)

	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if usesBLE(cfg) {
		closeHCI, err := openHCI()
		if err != nil {
			return err
		}
		defer closeHCI()
	}

	devices, err := buildDevices(cfg, logger)
	if err != nil {
		return err
	}

	b, err := startBrokers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.stop()

	relayDevices := make([]relay.Device, len(devices))
	for i, d := range devices {
		relayDevices[i] = d
	}
	r, err := relay.New(relay.Config{
		PlayerID:     cfg.PlayerID,
		Publisher:    b.publisher(),
		Sources:      b.sources,
		PollInterval: time.Duration(cfg.Relay.PollIntervalMs) * time.Millisecond,
		Logger:       logger,
	}, relayDevices...)
	if err != nil {
		return err
	}

	logger.Info("relay starting", "player", cfg.PlayerID, "devices", len(devices))

	g, ctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		g.Go(func() error { return d.Run(ctx) })
	}
	g.Go(func() error { return r.Run(ctx) })
	g.Go(func() error {
		reportStats(ctx, logger, time.Duration(cfg.Relay.StatsIntervalMs)*time.Millisecond, devices, r)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("relay stopped")
		return nil
	}
	return err
}

func buildDevices(cfg *config.Config, logger *slog.Logger) ([]*session.Device, error) {
	devices := make([]*session.Device, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		prof, err := dc.Profile()
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.ID, err)
		}

		id := dc.ID
		link := newLink(dc, logger)
		d, err := session.New(session.Config{
			ID:              id,
			Profile:         prof,
			Link:            link,
			ReconnectDelay:  time.Duration(dc.ReconnectDelayMs) * time.Millisecond,
			IgnoreFragments: dc.FragmentsIgnored(),
			OnLinkState: func(_ transport.Link, ev transport.Event) {
				logger.Debug("link state", "device", id, "event", ev)
			},
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.ID, err)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func newLink(dc config.DeviceConfig, logger *slog.Logger) transport.Link {
	if dc.UsesBLE() {
		return ble.New(ble.Config{
			Address:        dc.Address,
			Service:        dc.Service,
			Characteristic: dc.Characteristic,
			Logger:         logger,
		})
	}
	return serial.New(serial.Config{
		Port:     dc.Port,
		BaudRate: dc.Baud,
		Logger:   logger,
	})
}

func usesBLE(cfg *config.Config) bool {
	for _, dc := range cfg.Devices {
		if dc.UsesBLE() {
			return true
		}
	}
	return false
}
