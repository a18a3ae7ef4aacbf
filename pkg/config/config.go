// Package config loads CrossBar configuration from YAML, following
// the teacher's convention of a single typed Config struct populated
// by gopkg.in/yaml.v3.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/berberis/crossbar/pkg/crossbar"
)

// Config is the on-disk configuration for a berberis process: bus-
// level defaults plus logging and metrics server settings.
type Config struct {
	Bus     BusConfig     `yaml:"bus"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// BusConfig maps directly onto crossbar.CrossBarOptions; durations are
// expressed as Go duration strings ("500ms", "2s") in YAML.
type BusConfig struct {
	DefaultBufferCapacity       *int   `yaml:"defaultBufferCapacity"`
	DefaultSlowConsumerStrategy string `yaml:"defaultSlowConsumerStrategy"`
	DefaultConflationInterval   string `yaml:"defaultConflationInterval"`

	MaxChannels          int `yaml:"maxChannels"`
	MaxChannelNameLength int `yaml:"maxChannelNameLength"`

	EnableMessageTracing    bool `yaml:"enableMessageTracing"`
	EnableLifecycleTracking bool `yaml:"enableLifecycleTracking"`
	EnablePublishLogging    bool `yaml:"enablePublishLogging"`

	SystemChannelPrefix         string `yaml:"systemChannelPrefix"`
	SystemChannelBufferCapacity int    `yaml:"systemChannelBufferCapacity"`
}

// LogConfig mirrors pkg/log.Config's fields for YAML loading. The demo
// CLI takes its log settings from its --log-level/--log-json flags and
// does not read this section.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"jsonOutput"`
}

// MetricsConfig holds HTTP metrics/health server settings. The demo CLI
// takes its listen address and collection interval from its
// --metrics-addr/--collect-interval flags and does not read this
// section.
type MetricsConfig struct {
	ListenAddr       string `yaml:"listenAddr"`
	CollectInterval  string `yaml:"collectInterval"`
}

// Default returns a Config seeded from crossbar.DefaultCrossBarOptions.
func Default() Config {
	return Config{
		Bus: BusConfig{
			DefaultSlowConsumerStrategy: "SkipUpdates",
			MaxChannelNameLength:        256,
			SystemChannelPrefix:         "$",
			SystemChannelBufferCapacity: 1000,
		},
		Log: LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			ListenAddr:      ":9090",
			CollectInterval: "15s",
		},
	}
}

// Load reads and parses a YAML config file at path, merging onto
// Default() so unset fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// slowConsumerStrategyFromString parses the YAML-friendly strategy
// name; an unrecognized value falls back to SkipUpdates.
func slowConsumerStrategyFromString(s string) crossbar.SlowConsumerStrategy {
	switch s {
	case "FailSubscription":
		return crossbar.FailSubscription
	case "ConflateAndSkipUpdates":
		return crossbar.ConflateAndSkipUpdates
	default:
		return crossbar.SkipUpdates
	}
}

// ToCrossBarOptions converts the YAML-level BusConfig into
// crossbar.CrossBarOptions, parsing duration strings and leaving
// unrecognized/empty fields at their crossbar-side defaults.
func (c Config) ToCrossBarOptions() crossbar.CrossBarOptions {
	opts := crossbar.DefaultCrossBarOptions()

	opts.DefaultBufferCapacity = c.Bus.DefaultBufferCapacity
	if c.Bus.DefaultSlowConsumerStrategy != "" {
		opts.DefaultSlowConsumerStrategy = slowConsumerStrategyFromString(c.Bus.DefaultSlowConsumerStrategy)
	}
	if d, err := time.ParseDuration(c.Bus.DefaultConflationInterval); err == nil {
		opts.DefaultConflationInterval = d
	}
	if c.Bus.MaxChannels > 0 {
		opts.MaxChannels = c.Bus.MaxChannels
	}
	if c.Bus.MaxChannelNameLength > 0 {
		opts.MaxChannelNameLength = c.Bus.MaxChannelNameLength
	}
	opts.EnableMessageTracing = c.Bus.EnableMessageTracing
	opts.EnableLifecycleTracking = c.Bus.EnableLifecycleTracking
	opts.EnablePublishLogging = c.Bus.EnablePublishLogging
	if c.Bus.SystemChannelPrefix != "" {
		opts.SystemChannelPrefix = c.Bus.SystemChannelPrefix
	}
	if c.Bus.SystemChannelBufferCapacity > 0 {
		opts.SystemChannelBufferCapacity = c.Bus.SystemChannelBufferCapacity
	}
	return opts
}

// CollectInterval parses Metrics.CollectInterval, defaulting to 15s on
// a parse failure or empty string.
func (c Config) CollectInterval() time.Duration {
	d, err := time.ParseDuration(c.Metrics.CollectInterval)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}
