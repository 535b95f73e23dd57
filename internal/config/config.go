// Package config loads the relay daemon's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kabili207/beetlelink/core/profile"
	"gopkg.in/yaml.v3"
)

type Config struct {
	PlayerID int            `yaml:"player_id"`
	Log      LogConfig      `yaml:"log"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Relay    RelayConfig    `yaml:"relay"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// ---- LOGGING ----

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// ---- BROKERS ----

type AMQPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	AIQueue        string `yaml:"ai_queue"`
	EventQueue     string `yaml:"event_queue"`
	UpdateExchange string `yaml:"update_exchange"`

	ReconnectDelayMs int `yaml:"reconnect_delay_ms"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	UseTLS   bool   `yaml:"use_tls"`
}

// ---- RELAY ----

type RelayConfig struct {
	PollIntervalMs  int `yaml:"poll_interval_ms"`
	StatsIntervalMs int `yaml:"stats_interval_ms"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`

	// Serial bridge; set either Port or Address.
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`

	// Direct BLE; UUIDs default to the Beetle's serial service.
	Address        string `yaml:"address"`
	Service        string `yaml:"service_uuid"`
	Characteristic string `yaml:"characteristic_uuid"`

	// Leaves partial frames out of the health count. Useful on serial
	// bridges, which split frames arbitrarily. Default false.
	IgnoreFragments *bool `yaml:"ignore_fragments"`

	ReconnectDelayMs int `yaml:"reconnect_delay_ms"`

	// Profile overrides; zero keeps the built-in value.
	FrameSize          int `yaml:"frame_size"`
	SequenceModulus    int `yaml:"sequence_modulus"`
	BatchLength        int `yaml:"batch_length"`
	MinSamples         int `yaml:"min_samples"`
	StaleStartIndex    int `yaml:"stale_start_index"`
	MaxAttempts        int `yaml:"max_attempts"`
	AckTimeoutMs       int `yaml:"ack_timeout_ms"`
	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
	SampleTimeoutMs    int `yaml:"sample_timeout_ms"`
	PollTimeoutMs      int `yaml:"poll_timeout_ms"`
}

// Load reads and parses a configuration file. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// Profile builds the device's profile: the built-in for its type with the
// configured overrides applied.
func (d DeviceConfig) Profile() (*profile.Profile, error) {
	p, err := profile.Builtin(d.Type)
	if err != nil {
		return nil, err
	}

	setInt(&p.FrameSize, d.FrameSize)
	setInt(&p.SequenceModulus, d.SequenceModulus)
	setInt(&p.BatchLength, d.BatchLength)
	setInt(&p.MinSamples, d.MinSamples)
	setInt(&p.StaleStartIndex, d.StaleStartIndex)
	setInt(&p.MaxAttempts, d.MaxAttempts)
	setMs(&p.AckTimeout, d.AckTimeoutMs)
	setMs(&p.HandshakeTimeout, d.HandshakeTimeoutMs)
	setMs(&p.SampleTimeout, d.SampleTimeoutMs)
	setMs(&p.PollTimeout, d.PollTimeoutMs)

	p.ApplyDefaults()
	return p, nil
}

// FragmentsIgnored reports whether partial frames should be left out of
// the link health count.
func (d DeviceConfig) FragmentsIgnored() bool {
	return d.IgnoreFragments != nil && *d.IgnoreFragments
}

// UsesBLE reports whether the device is reached directly over BLE rather
// than through a serial bridge.
func (d DeviceConfig) UsesBLE() bool {
	return d.Address != ""
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setMs(dst *time.Duration, ms int) {
	if ms != 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
