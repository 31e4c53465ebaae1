// Package config loads shaderlab settings from defaults, an optional YAML
// file and SHADERLAB_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SHADERLAB_DEVICE_WIDTH.
const EnvPrefix = "SHADERLAB"

// Config is the complete engine and host configuration.
type Config struct {
	Device   DeviceConfig   `mapstructure:"device"`
	Readback ReadbackConfig `mapstructure:"readback"`
	Loop     LoopConfig     `mapstructure:"loop"`
	Texture  TextureConfig  `mapstructure:"texture"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type DeviceConfig struct {
	// Backend names a registered hal backend. Empty picks the first one.
	Backend        string `mapstructure:"backend"`
	Width          uint32 `mapstructure:"width"`
	Height         uint32 `mapstructure:"height"`
	MemoryBudgetMB int    `mapstructure:"memory_budget_mb"`
}

type ReadbackConfig struct {
	CapacityMB   int           `mapstructure:"capacity_mb"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LoopConfig struct {
	FrameRate       int           `mapstructure:"frame_rate"`
	FrameRateWindow time.Duration `mapstructure:"frame_rate_window"`
	HotReload       bool          `mapstructure:"hot_reload"`

	// PreserveMissing keeps resources whose binding disappears from the
	// shader until the next reset.
	PreserveMissing bool `mapstructure:"preserve_missing"`
}

type TextureConfig struct {
	MaxSizeMB    int           `mapstructure:"max_size_mb"`
	MaxDimension int           `mapstructure:"max_dimension"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// CacheMB bounds decoded remote images kept in memory. Zero disables
	// the cache.
	CacheMB int `mapstructure:"cache_mb"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Width:          512,
			Height:         512,
			MemoryBudgetMB: 1024,
		},
		Readback: ReadbackConfig{
			CapacityMB:   128,
			PollInterval: time.Millisecond,
		},
		Loop: LoopConfig{
			FrameRate:       60,
			FrameRateWindow: 500 * time.Millisecond,
		},
		Texture: TextureConfig{
			MaxSizeMB:    32,
			MaxDimension: 4096,
			Timeout:      30 * time.Second,
			CacheMB:      64,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// Load reads cfgFile (if non-empty) over the defaults and applies
// environment overrides. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	return LoadWith(viper.New(), cfgFile)
}

// LoadWith is Load on a caller-supplied viper instance, so CLI flags
// bound to v take precedence over file and environment.
func LoadWith(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("shaderlab")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"text", "json"}
)

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Device.Width == 0 || c.Device.Height == 0 {
		errs = append(errs, errors.New("device.width and device.height must be non-zero"))
	}
	if c.Device.MemoryBudgetMB < 16 {
		errs = append(errs, errors.New("device.memory_budget_mb must be at least 16"))
	}
	if c.Readback.CapacityMB < 1 {
		errs = append(errs, errors.New("readback.capacity_mb must be positive"))
	}
	if c.Readback.PollInterval <= 0 {
		errs = append(errs, errors.New("readback.poll_interval must be positive"))
	}
	if c.Loop.FrameRate < 1 || c.Loop.FrameRate > 1000 {
		errs = append(errs, errors.New("loop.frame_rate must be between 1 and 1000"))
	}
	if c.Loop.FrameRateWindow <= 0 {
		errs = append(errs, errors.New("loop.frame_rate_window must be positive"))
	}
	if c.Texture.MaxSizeMB < 1 {
		errs = append(errs, errors.New("texture.max_size_mb must be positive"))
	}
	if c.Texture.MaxDimension < 0 {
		errs = append(errs, errors.New("texture.max_dimension must not be negative"))
	}
	if c.Texture.CacheMB < 0 {
		errs = append(errs, errors.New("texture.cache_mb must not be negative"))
	}
	if !slices.Contains(validLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of: %v", validLevels))
	}
	if !slices.Contains(validFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: %v", validFormats))
	}
	return errors.Join(errs...)
}

// FrameInterval is the scheduler interval for the configured frame rate.
func (c *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.Loop.FrameRate)
}

// SlogLevel maps Logging.Level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("device.backend", cfg.Device.Backend)
	v.SetDefault("device.width", cfg.Device.Width)
	v.SetDefault("device.height", cfg.Device.Height)
	v.SetDefault("device.memory_budget_mb", cfg.Device.MemoryBudgetMB)

	v.SetDefault("readback.capacity_mb", cfg.Readback.CapacityMB)
	v.SetDefault("readback.poll_interval", cfg.Readback.PollInterval)

	v.SetDefault("loop.frame_rate", cfg.Loop.FrameRate)
	v.SetDefault("loop.frame_rate_window", cfg.Loop.FrameRateWindow)
	v.SetDefault("loop.hot_reload", cfg.Loop.HotReload)
	v.SetDefault("loop.preserve_missing", cfg.Loop.PreserveMissing)

	v.SetDefault("texture.max_size_mb", cfg.Texture.MaxSizeMB)
	v.SetDefault("texture.max_dimension", cfg.Texture.MaxDimension)
	v.SetDefault("texture.timeout", cfg.Texture.Timeout)
	v.SetDefault("texture.cache_mb", cfg.Texture.CacheMB)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}
