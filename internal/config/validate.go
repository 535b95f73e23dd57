package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: empty configuration", ErrInvalidConfig)
	}
	if cfg.PlayerID < 1 {
		return fmt.Errorf("%w: player_id must be positive", ErrInvalidConfig)
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log level %q", ErrInvalidConfig, cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, cfg.Log.Format)
	}

	if cfg.AMQP.Enabled && cfg.AMQP.URL == "" {
		return fmt.Errorf("%w: amqp enabled without url", ErrInvalidConfig)
	}
	if cfg.AMQP.ReconnectDelayMs < 0 {
		return fmt.Errorf("%w: amqp reconnect delay must not be negative", ErrInvalidConfig)
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt enabled without broker", ErrInvalidConfig)
	}
	if !cfg.AMQP.Enabled && !cfg.MQTT.Enabled {
		return fmt.Errorf("%w: no broker enabled", ErrInvalidConfig)
	}
	if cfg.Relay.PollIntervalMs < 0 || cfg.Relay.StatsIntervalMs < 0 {
		return fmt.Errorf("%w: relay intervals must not be negative", ErrInvalidConfig)
	}

	if len(cfg.Devices) == 0 {
		return fmt.Errorf("%w: no devices configured", ErrInvalidConfig)
	}

	ids := make(map[string]int)
	endpoints := make(map[string]string)
	for i, d := range cfg.Devices {
		if d.ID == "" {
			return fmt.Errorf("%w: device %d: id is required", ErrInvalidConfig, i)
		}
		if prev, ok := ids[d.ID]; ok {
			return fmt.Errorf("%w: device id %q used by entries %d and %d", ErrInvalidConfig, d.ID, prev, i)
		}
		ids[d.ID] = i

		switch {
		case d.Port == "" && d.Address == "":
			return fmt.Errorf("%w: device %q: port or address is required", ErrInvalidConfig, d.ID)
		case d.Port != "" && d.Address != "":
			return fmt.Errorf("%w: device %q: set port or address, not both", ErrInvalidConfig, d.ID)
		}
		endpoint := d.Port
		if d.UsesBLE() {
			endpoint = strings.ToUpper(d.Address)
			if err := validUUIDs(d); err != nil {
				return fmt.Errorf("%w: device %q: %v", ErrInvalidConfig, d.ID, err)
			}
		}
		if owner, ok := endpoints[endpoint]; ok {
			return fmt.Errorf("%w: %s used by devices %q and %q", ErrInvalidConfig, endpoint, owner, d.ID)
		}
		endpoints[endpoint] = d.ID

		if d.Baud < 0 || d.ReconnectDelayMs < 0 {
			return fmt.Errorf("%w: device %q: negative baud or reconnect delay", ErrInvalidConfig, d.ID)
		}
		if d.SequenceModulus != 0 && (d.SequenceModulus < 1 || d.SequenceModulus > 256) {
			return fmt.Errorf("%w: device %q: sequence_modulus %d out of range 1..256",
				ErrInvalidConfig, d.ID, d.SequenceModulus)
		}

		// Profile builds a fresh copy, so cfg is untouched.
		p, err := d.Profile()
		if err != nil {
			return fmt.Errorf("%w: device %q: %v", ErrInvalidConfig, d.ID, err)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: device %q: %v", ErrInvalidConfig, d.ID, err)
		}
	}

	return nil
}

func validUUIDs(d DeviceConfig) error {
	for _, u := range []string{d.Service, d.Characteristic} {
		if u == "" {
			continue
		}
		if _, err := ble.Parse(u); err != nil {
			return fmt.Errorf("uuid %q: %v", u, err)
		}
	}
	return nil
}
