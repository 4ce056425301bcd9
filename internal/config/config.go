// Package config is the kiosk daemon's configuration layer, grounded on
// dittofs's pkg/config: a mapstructure-tagged struct loaded with viper from
// a YAML file and KIOSK_-prefixed environment variables (environment
// overriding the file), with documented defaults matching spec §6 exactly.
// No setting is read from CLI flags; cmd/kioskd's --config flag only picks
// the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// RelayCard is one entry of the relay-card topology (spec §3.3).
type RelayCard struct {
	SlaveAddress int `mapstructure:"slave_address" yaml:"slave_address"`
	ChannelCount int `mapstructure:"channel_count" yaml:"channel_count"`
}

// SerialConfig configures the RS-485 link (spec §6 "wire protocol
// constants").
type SerialConfig struct {
	Device   string `mapstructure:"device" yaml:"device"`
	Baud     int    `mapstructure:"baud" yaml:"baud"`
	Parity   string `mapstructure:"parity" yaml:"parity"`
	StopBits int    `mapstructure:"stop_bits" yaml:"stop_bits"`
}

// TimingConfig carries every tunable named in spec §6.
type TimingConfig struct {
	BulkIntervalMS         int  `mapstructure:"bulk_interval_ms" yaml:"bulk_interval_ms"`
	ReserveTTLSeconds      int  `mapstructure:"reserve_ttl_seconds" yaml:"reserve_ttl_seconds"`
	OpenPulseMS            int  `mapstructure:"open_pulse_ms" yaml:"open_pulse_ms"`
	OpenBurstSeconds       int  `mapstructure:"open_burst_seconds" yaml:"open_burst_seconds"`
	OpenBurstIntervalMS    int  `mapstructure:"open_burst_interval_ms" yaml:"open_burst_interval_ms"`
	CommandIntervalMS      int  `mapstructure:"command_interval_ms" yaml:"command_interval_ms"`
	TimeoutMS              int  `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	MaxRetries             int  `mapstructure:"max_retries" yaml:"max_retries"`
	ConnectionRetryAttempts int `mapstructure:"connection_retry_attempts" yaml:"connection_retry_attempts"`
	HealthCheckIntervalMS  int  `mapstructure:"health_check_interval_ms" yaml:"health_check_interval_ms"`
	UseMultipleCoils       bool `mapstructure:"use_multiple_coils" yaml:"use_multiple_coils"`
	VerifyWrites           bool `mapstructure:"verify_writes" yaml:"verify_writes"`
}

// LoggingConfig mirrors internal/logging.Config's fields (spec SPEC_FULL
// §10.1).
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// Config is the kiosk daemon's top-level configuration.
type Config struct {
	KioskID    string        `mapstructure:"kiosk_id" yaml:"kiosk_id"`
	DataDir    string        `mapstructure:"data_dir" yaml:"data_dir"`
	RelayCards []RelayCard   `mapstructure:"relay_cards" yaml:"relay_cards"`
	Serial     SerialConfig  `mapstructure:"serial" yaml:"serial"`
	Timing     TimingConfig  `mapstructure:"timing" yaml:"timing"`
	Logging    LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// Defaults returns the spec §6 default values, with KioskID/DataDir/
// RelayCards left for the caller (or config file/env/flags) to supply.
func Defaults() Config {
	return Config{
		DataDir: "/var/lib/kioskd",
		Serial: SerialConfig{
			Baud:     9600,
			Parity:   "N",
			StopBits: 1,
		},
		Timing: TimingConfig{
			BulkIntervalMS:          300,
			ReserveTTLSeconds:       90,
			OpenPulseMS:             400,
			OpenBurstSeconds:        10,
			OpenBurstIntervalMS:     2000,
			CommandIntervalMS:       300,
			TimeoutMS:               1000,
			MaxRetries:              3,
			ConnectionRetryAttempts: 3,
			HealthCheckIntervalMS:   30000,
			UseMultipleCoils:        true,
			VerifyWrites:            false,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads configPath (if non-empty) as YAML, overlays KIOSK_-prefixed
// environment variables, and returns the result merged onto Defaults().
// Config file and environment are each optional, but the result must set
// kiosk_id and serial.device, which have no defaults: Validate rejects a
// Config without them.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KIOSK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Defaults()
	if err := bindDefaults(v, cfg); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %q: %w", configPath, err)
			}
		}
	}

	var out Config
	hook := mapstructure.ComposeDecodeHookFunc(mapstructure.StringToTimeDurationHookFunc())
	if err := v.Unmarshal(&out, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// bindDefaults seeds viper with every Defaults() value so env/flag overrides
// compose correctly with an absent config file (viper only merges keys it
// already knows about).
func bindDefaults(v *viper.Viper, cfg Config) error {
	var m map[string]any
	if err := mapstructure.Decode(cfg, &m); err != nil {
		return err
	}
	for k, val := range flatten("", m) {
		v.SetDefault(k, val)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// Validate checks the invariants Load() cannot express via mapstructure
// tags alone: required fields and value ranges.
func Validate(c *Config) error {
	if c.KioskID == "" {
		return fmt.Errorf("config: kiosk_id is required")
	}
	if c.Serial.Device == "" {
		return fmt.Errorf("config: serial.device is required")
	}
	for _, card := range c.RelayCards {
		if card.SlaveAddress < 1 || card.SlaveAddress > 247 {
			return fmt.Errorf("config: relay card slave_address %d out of range 1-247", card.SlaveAddress)
		}
	}
	if c.Timing.MaxRetries < 0 {
		return fmt.Errorf("config: timing.max_retries must be >= 0")
	}
	return nil
}

// DurationMS is a convenience conversion used throughout cmd/kioskd wiring.
func DurationMS(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// DefaultPath returns $XDG_CONFIG_HOME/kioskd/config.yaml, falling back to
// ~/.config/kioskd/config.yaml.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "kioskd", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "kioskd", "config.yaml")
}
