// Package config loads spiked settings with Viper and turns them into
// detector options, checkpoint stores and loggers.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/hed1ad/spiked/pkg/checkpoint"
	"github.com/hed1ad/spiked/pkg/detectors/iid"
)

// Config is the full application configuration.
type Config struct {
	Detector   DetectorConfig   `mapstructure:"detector"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DetectorConfig mirrors iid.Config with textual enums.
type DetectorConfig struct {
	Confidence       float64 `mapstructure:"confidence"`
	HistoryLength    int     `mapstructure:"history_length"`
	Mode             string  `mapstructure:"mode"`
	Side             string  `mapstructure:"side"`
	PValueMethod     string  `mapstructure:"pvalue_method"`
	TieBreak         string  `mapstructure:"tie_break"`
	Martingale       string  `mapstructure:"martingale"`
	PowerEpsilon     float64 `mapstructure:"power_epsilon"`
	MartingaleLength int     `mapstructure:"martingale_length"`
	Seed             int64   `mapstructure:"seed"`
}

// CheckpointConfig selects where checkpoints live.
type CheckpointConfig struct {
	// Backend is "file", "sqlite" or empty for no checkpointing.
	Backend string `mapstructure:"backend"`
	// Path is a directory for "file" and a database file for "sqlite".
	Path string `mapstructure:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of /metrics; empty disables it.
	Addr string `mapstructure:"addr"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File enables rotated file output; empty logs to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// New returns a Viper instance with defaults, an optional config file and
// SPIKED_ environment overrides (SPIKED_DETECTOR_CONFIDENCE=99).
// A missing default config file is not an error; a missing explicit one is.
func New(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("spiked")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/spiked")
	}

	v.SetEnvPrefix("SPIKED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return v, nil
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	d := iid.DefaultConfig()
	v.SetDefault("detector.confidence", d.Confidence)
	v.SetDefault("detector.history_length", d.HistoryLength)
	v.SetDefault("detector.mode", d.Mode.String())
	v.SetDefault("detector.side", d.Side.String())
	v.SetDefault("detector.pvalue_method", d.PValueMethod.String())
	v.SetDefault("detector.tie_break", d.TieBreak.String())
	v.SetDefault("detector.martingale", d.Martingale.String())
	v.SetDefault("detector.power_epsilon", d.PowerEpsilon)
	v.SetDefault("detector.martingale_length", 0)
	v.SetDefault("detector.seed", d.Seed)
	v.SetDefault("checkpoint.backend", "")
	v.SetDefault("checkpoint.path", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", false)
}

// Load unmarshals v into a Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Options converts the detector settings to iid options. Enum names are
// parsed here; numeric ranges are checked by iid.New.
func (c DetectorConfig) Options() ([]iid.Option, error) {
	mode, err := iid.ParseMode(c.Mode)
	if err != nil {
		return nil, err
	}
	side, err := iid.ParseSide(c.Side)
	if err != nil {
		return nil, err
	}
	method, err := iid.ParsePValueMethod(c.PValueMethod)
	if err != nil {
		return nil, err
	}
	tie, err := iid.ParseTieBreak(c.TieBreak)
	if err != nil {
		return nil, err
	}
	martingale, err := iid.ParseMartingale(c.Martingale)
	if err != nil {
		return nil, err
	}

	return []iid.Option{
		iid.WithConfidence(c.Confidence),
		iid.WithHistoryLength(c.HistoryLength),
		iid.WithMode(mode),
		iid.WithSide(side),
		iid.WithPValueMethod(method),
		iid.WithTieBreak(tie),
		iid.WithMartingale(martingale),
		iid.WithPowerEpsilon(c.PowerEpsilon),
		iid.WithMartingaleLength(c.MartingaleLength),
		iid.WithSeed(c.Seed),
	}, nil
}

// OpenStore opens the configured checkpoint store. It returns nil, nil when
// checkpointing is disabled.
func (c CheckpointConfig) OpenStore(ctx context.Context) (checkpoint.Store, error) {
	switch c.Backend {
	case "":
		return nil, nil
	case "file":
		if c.Path == "" {
			return nil, errors.New("checkpoint.path is required for the file backend")
		}
		return checkpoint.NewFileStore(c.Path)
	case "sqlite":
		if c.Path == "" {
			return nil, errors.New("checkpoint.path is required for the sqlite backend")
		}
		return checkpoint.NewSQLiteStore(ctx, c.Path)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q: must be \"file\" or \"sqlite\"", c.Backend)
	}
}
