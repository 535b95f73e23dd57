package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kabili207/beetlelink/internal/config"
	"github.com/kabili207/beetlelink/relay"
	"github.com/kabili207/beetlelink/relay/amqp"
	"github.com/kabili207/beetlelink/relay/mqtt"
	"github.com/kabili207/beetlelink/transport"
)

type brokers struct {
	publishers []relay.Publisher
	sources    []relay.Source
	stops      []func() error
}

func startBrokers(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*brokers, error) {
	b := &brokers{}

	if cfg.AMQP.Enabled {
		c := amqp.New(amqp.Config{
			URL:            cfg.AMQP.URL,
			AIQueue:        cfg.AMQP.AIQueue,
			EventQueue:     cfg.AMQP.EventQueue,
			UpdateExchange: cfg.AMQP.UpdateExchange,
			ReconnectDelay: time.Duration(cfg.AMQP.ReconnectDelayMs) * time.Millisecond,
			Logger:         logger,
		})
		if err := c.Start(ctx); err != nil {
			b.stop()
			return nil, err
		}
		b.add(c, c, c.Stop)
	}

	if cfg.MQTT.Enabled {
		c := mqtt.New(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			ClientID:    cfg.MQTT.ClientID,
			UpdateTopic: cfg.MQTT.Topic,
			UseTLS:      cfg.MQTT.UseTLS,
			OnStateChange: func(ev transport.Event) {
				logger.Debug("mqtt state", "event", ev)
			},
			Logger: logger,
		})
		if err := c.Start(ctx); err != nil {
			b.stop()
			return nil, err
		}
		b.add(c, c, c.Stop)
	}

	return b, nil
}

func (b *brokers) add(p relay.Publisher, s relay.Source, stop func() error) {
	b.publishers = append(b.publishers, p)
	b.sources = append(b.sources, s)
	b.stops = append(b.stops, stop)
}

func (b *brokers) publisher() relay.Publisher {
	if len(b.publishers) == 1 {
		return b.publishers[0]
	}
	return fanout(b.publishers)
}

func (b *brokers) stop() {
	for _, fn := range b.stops {
		fn()
	}
}

// fanout publishes to every broker and reports every failure.
type fanout []relay.Publisher

func (f fanout) Publish(ctx context.Context, dest relay.Destination, body []byte) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, dest, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
