package config

import "strings"

// Defaults applied by Normalize.
const (
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultPollIntervalMs  = 100
	DefaultStatsIntervalMs = 10000
	DefaultBaud            = 115200
)

// Normalize fills defaults. It mutates cfg and must be called only after
// Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	if cfg.Relay.PollIntervalMs == 0 {
		cfg.Relay.PollIntervalMs = DefaultPollIntervalMs
	}
	if cfg.Relay.StatsIntervalMs == 0 {
		cfg.Relay.StatsIntervalMs = DefaultStatsIntervalMs
	}

	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Baud == 0 && !d.UsesBLE() {
			d.Baud = DefaultBaud
		}
	}
}
