// Package config loads the small configuration surface described in
// spec.md §6: tick period, store DSN, bus broker URL, executor poll
// interval, per-operation timeout, per-command deadline, broadcast queue
// depth, bake time. Sources in increasing priority: config.yaml, then STF_*
// env vars (STF_ plus the upper-cased key, e.g. STF_TICKPERIOD=250ms). No
// field is set from a CLI flag; cmd/stf's only flag, -config, picks the
// file. This mirrors the teacher's reinforcement.FromYaml /
// TrainingConfig pattern (viper.New + Unmarshal into a typed struct) rather
// than hand-rolling a flag-only config, since viper is already the
// teacher's dependency for exactly this job.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables for one cell process.
type Config struct {
	TickPeriod       time.Duration `mapstructure:"tickPeriod"`
	ExecutorPoll     time.Duration `mapstructure:"executorPoll"`
	OperationTimeout time.Duration `mapstructure:"operationTimeout"`
	CommandDeadline  time.Duration `mapstructure:"commandDeadline"`
	BroadcastQueue   int           `mapstructure:"broadcastQueue"`
	BakeTime         time.Duration `mapstructure:"bakeTime"`
	BusBufferSize    int           `mapstructure:"busBufferSize"`

	StoreDSN  string `mapstructure:"storeDSN"`
	BrokerURL string `mapstructure:"brokerURL"`
	HTTPAddr  string `mapstructure:"httpAddr"`
	LogLevel  string `mapstructure:"logLevel"`
}

// Default returns the nominal configuration from spec.md: 100ms tick,
// 200ms poll, 30s operation timeout, 10min command deadline, 256-deep
// broadcast queues, 1024-deep bus reconnect buffer.
func Default() Config {
	return Config{
		TickPeriod:       100 * time.Millisecond,
		ExecutorPoll:     200 * time.Millisecond,
		OperationTimeout: 30 * time.Second,
		CommandDeadline:  10 * time.Minute,
		BroadcastQueue:   256,
		BakeTime:         5 * time.Second,
		BusBufferSize:    1024,
		StoreDSN:         "file:stf.db?mode=memory&cache=shared",
		BrokerURL:        "mem://local",
		HTTPAddr:         ":8080",
		LogLevel:         "info",
	}
}

// Load reads config.yaml (if present) at path, then overlays STF_-prefixed
// environment variables, returning the merged Config. A missing file at
// path is not an error — the defaults plus env are enough to run.
func Load(path string) (Config, error) {
	cfg := Default()

	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetConfigType("yaml")
	vp.SetEnvPrefix("STF")
	vp.AutomaticEnv()

	setDefaults(vp, cfg)

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := vp.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}

	return cfg, nil
}

// Save writes the effective, fully-resolved configuration back out as
// YAML, so an operator can capture exactly what a running cell started
// with (defaults plus env overlays) rather than re-reading
// config.yaml plus guessing at environment overrides.
func Save(path string, cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func setDefaults(vp *viper.Viper, cfg Config) {
	vp.SetDefault("tickPeriod", cfg.TickPeriod)
	vp.SetDefault("executorPoll", cfg.ExecutorPoll)
	vp.SetDefault("operationTimeout", cfg.OperationTimeout)
	vp.SetDefault("commandDeadline", cfg.CommandDeadline)
	vp.SetDefault("broadcastQueue", cfg.BroadcastQueue)
	vp.SetDefault("bakeTime", cfg.BakeTime)
	vp.SetDefault("busBufferSize", cfg.BusBufferSize)
	vp.SetDefault("storeDSN", cfg.StoreDSN)
	vp.SetDefault("brokerURL", cfg.BrokerURL)
	vp.SetDefault("httpAddr", cfg.HTTPAddr)
	vp.SetDefault("logLevel", cfg.LogLevel)
}
