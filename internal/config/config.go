// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/kestrel/internal/log"
)

// Config is the top-level receiver configuration.
// Maps to the `kestrel:` root key in YAML.
type Config struct {
	Listen  string           `mapstructure:"listen"`
	Payload PayloadConfig    `mapstructure:"payload"`
	Fec     FecConfig        `mapstructure:"fec"`
	Reorder ReorderConfig    `mapstructure:"reorder"`
	Gate    GateConfig       `mapstructure:"gate"`
	Depack  DepackConfig     `mapstructure:"depacketizer"`
	Output  OutputConfig     `mapstructure:"output"`
	Metrics MetricsConfig    `mapstructure:"metrics"`
	Log     log.LoggerConfig `mapstructure:"log"`
}

// PayloadConfig assigns the dynamic RTP payload types of the link.
type PayloadConfig struct {
	Media  int `mapstructure:"media"`
	Parity int `mapstructure:"parity"`
}

// FecConfig tunes the erasure-recovery layer.
type FecConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	GroupTimeout time.Duration `mapstructure:"group_timeout"`
	MaxGroups    int           `mapstructure:"max_groups"`
}

// ReorderConfig tunes the sequence reorder buffer.
type ReorderConfig struct {
	LateThreshold int           `mapstructure:"late_threshold"`
	Window        int           `mapstructure:"window"`
	FlushDelay    time.Duration `mapstructure:"flush_delay"`
}

// GateConfig tunes the real-time delivery gate.
type GateConfig struct {
	MaxAge     time.Duration `mapstructure:"max_age"`
	QueueBound int           `mapstructure:"queue_bound"`
}

// DepackConfig tunes H.264 depacketization.
type DepackConfig struct {
	GapDiscard int `mapstructure:"gap_discard"`
}

// OutputConfig selects the downstream sink.
type OutputConfig struct {
	Kind string `mapstructure:"kind"` // annexb / null
	Path string `mapstructure:"path"` // "-" = stdout
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// configRoot is the top-level wrapper matching the YAML structure `kestrel: ...`.
type configRoot struct {
	Kestrel Config `mapstructure:"kestrel"`
}

// Load loads configuration from file. The YAML file uses `kestrel:` as root
// key; env vars override via the KESTREL_ prefix (e.g. KESTREL_LISTEN).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `kestrel.` key prefix maps to KESTREL_ env vars via the replacer
	// (key "kestrel.log.level" matches env "KESTREL_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Kestrel

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		panic(err)
	}
	return &root.Kestrel
}

// setDefaults sets default values. All keys use the "kestrel." prefix to
// match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("kestrel.listen", ":5600")

	v.SetDefault("kestrel.payload.media", 96)
	v.SetDefault("kestrel.payload.parity", 97)

	v.SetDefault("kestrel.fec.enabled", true)
	v.SetDefault("kestrel.fec.group_timeout", "24ms")
	v.SetDefault("kestrel.fec.max_groups", 6)

	v.SetDefault("kestrel.reorder.late_threshold", 10)
	v.SetDefault("kestrel.reorder.window", 20)
	v.SetDefault("kestrel.reorder.flush_delay", "10ms")

	v.SetDefault("kestrel.gate.max_age", "50ms")
	v.SetDefault("kestrel.gate.queue_bound", 2)

	v.SetDefault("kestrel.depacketizer.gap_discard", 5)

	v.SetDefault("kestrel.output.kind", "annexb")
	v.SetDefault("kestrel.output.path", "-")

	v.SetDefault("kestrel.metrics.enabled", true)
	v.SetDefault("kestrel.metrics.listen", ":9102")
	v.SetDefault("kestrel.metrics.path", "/metrics")

	v.SetDefault("kestrel.log.level", "info")
	v.SetDefault("kestrel.log.pattern", "%time [%level] %field %msg\n")
	v.SetDefault("kestrel.log.time", "2006-01-02 15:04:05.000")
}

// Validate checks field ranges and cross-field constraints.
func (cfg *Config) Validate() error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if err := validatePayloadType("payload.media", cfg.Payload.Media); err != nil {
		return err
	}
	if err := validatePayloadType("payload.parity", cfg.Payload.Parity); err != nil {
		return err
	}
	if cfg.Payload.Media == cfg.Payload.Parity {
		return fmt.Errorf("payload.media and payload.parity must differ")
	}
	if cfg.Fec.GroupTimeout <= 0 {
		return fmt.Errorf("fec.group_timeout must be positive")
	}
	if cfg.Fec.MaxGroups < 1 {
		return fmt.Errorf("fec.max_groups must be at least 1")
	}
	if cfg.Reorder.LateThreshold < 0 {
		return fmt.Errorf("reorder.late_threshold must not be negative")
	}
	if cfg.Reorder.Window < 1 {
		return fmt.Errorf("reorder.window must be at least 1")
	}
	if cfg.Reorder.FlushDelay <= 0 {
		return fmt.Errorf("reorder.flush_delay must be positive")
	}
	if cfg.Gate.MaxAge <= 0 {
		return fmt.Errorf("gate.max_age must be positive")
	}
	if cfg.Gate.QueueBound < 0 {
		return fmt.Errorf("gate.queue_bound must not be negative")
	}
	if cfg.Depack.GapDiscard < 1 {
		return fmt.Errorf("depacketizer.gap_discard must be at least 1")
	}
	switch cfg.Output.Kind {
	case "annexb", "null":
	default:
		return fmt.Errorf("unsupported output.kind: %s (must be annexb or null)", cfg.Output.Kind)
	}
	if cfg.Output.Kind == "annexb" && cfg.Output.Path == "" {
		return fmt.Errorf("output.path is required for annexb output")
	}
	return nil
}

// validatePayloadType enforces the dynamic RTP payload type range of RFC 3551 §6.
func validatePayloadType(field string, pt int) error {
	if pt < 96 || pt > 127 {
		return fmt.Errorf("%s must be a dynamic payload type (96-127), got %d", field, pt)
	}
	return nil
}
