// Package config loads hetpool settings from the environment.
package config

import (
	stderrors "errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/23skdu/hetpool/internal/errors"
	"github.com/23skdu/hetpool/internal/logging"
	"github.com/23skdu/hetpool/internal/memory"
	"github.com/23skdu/hetpool/internal/metrics"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// EnvPrefix prefixes every variable, e.g. HETPOOL_INITIAL_MB.
const EnvPrefix = "HETPOOL"

// Config validation errors
var (
	ErrInvalidLogFormat = stderrors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel  = stderrors.New("log_level must be debug, info, warn, or error")
	ErrInvalidDeviceID  = stderrors.New("device_id cannot be negative")
	ErrZeroSizing       = stderrors.New("sizing override is zero")
)

// Config holds the environment surface. Sizing overrides are kept as strings
// so malformed values can be reported and ignored rather than fail the load.
type Config struct {
	InitialMB  string `envconfig:"INITIAL_MB"`
	GrowMB     string `envconfig:"GROW_MB"`
	BlockBytes string `envconfig:"BLOCK_BYTES"`

	Backend  string `envconfig:"BACKEND" default:"host"`
	DeviceID int    `envconfig:"DEVICE_ID" default:"0"`
	NUMANode int    `envconfig:"NUMA_NODE" default:"-1"`
	Prefetch bool   `envconfig:"PREFETCH" default:"true"`
	ZeroFill bool   `envconfig:"ZERO_FILL" default:"false"`

	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`
}

// Load reads the given dotenv files, or ./.env when none are given and it
// exists, then processes HETPOOL_* variables. Variables already set in the
// environment win over dotenv values.
func Load(envFiles ...string) (Config, error) {
	var cfg Config

	switch {
	case len(envFiles) > 0:
		if err := godotenv.Load(envFiles...); err != nil {
			return cfg, fmt.Errorf("load env files: %w", err)
		}
	default:
		if _, err := os.Stat(".env"); err == nil {
			if err := godotenv.Load(); err != nil {
				return cfg, fmt.Errorf("load .env: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("process %s environment: %w", EnvPrefix, err)
	}
	return cfg, Validate(&cfg)
}

// Validate checks the settings that cannot fall back to a default.
func Validate(cfg *Config) error {
	if _, err := memory.ParseBackendKind(cfg.Backend); err != nil {
		return err
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	if cfg.DeviceID < 0 {
		return ErrInvalidDeviceID
	}
	return nil
}

// Sizing converts the string overrides into memory.Sizing overrides.
// Unparseable and zero values are warned about and left unset, so the pool
// set uses its defaults; negative values are range checked by
// memory.ResolveSizing.
func (c Config) Sizing(logger *zerolog.Logger) (memory.Sizing, []error) {
	var warnings []error
	warn := func(setting, raw string, err error, reason string) {
		warnings = append(warnings, errors.WrapConfigurationError(err, "parse_sizing",
			fmt.Sprintf("%s_%s=%q %s, using default", EnvPrefix, setting, raw, reason)).
			WithContext("setting", setting))
		metrics.ConfigWarningsTotal.WithLabelValues(strings.ToLower(setting)).Inc()
		if logger != nil {
			logger.Warn().Str("setting", setting).Str("value", raw).AnErr("cause", err).
				Msg("ignoring sizing override: " + reason)
		}
	}
	parse := func(setting, raw string, unit int64) int64 {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return 0
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && (v > math.MaxInt64/unit || v < math.MinInt64/unit) {
			err = strconv.ErrRange
		}
		switch {
		case err != nil:
			warn(setting, raw, err, "is not a usable integer")
			return 0
		case v == 0:
			warn(setting, raw, ErrZeroSizing, "must be positive")
			return 0
		}
		return v * unit
	}

	return memory.Sizing{
		InitialSize: parse("INITIAL_MB", c.InitialMB, memory.MiB),
		GrowSize:    parse("GROW_MB", c.GrowMB, memory.MiB),
		BlockSize:   parse("BLOCK_BYTES", c.BlockBytes, 1),
	}, warnings
}

// BackendKind returns the parsed backend kind.
func (c Config) BackendKind() memory.BackendKind {
	k, err := memory.ParseBackendKind(c.Backend)
	if err != nil {
		return memory.BackendHost
	}
	return k
}

// BackendOptions returns the options for memory.NewBackend.
func (c Config) BackendOptions(logger *zerolog.Logger) memory.BackendOptions {
	return memory.BackendOptions{
		ZeroFill: c.ZeroFill,
		Prefetch: c.Prefetch,
		NUMANode: c.NUMANode,
		DeviceID: c.DeviceID,
		Logger:   logger,
	}
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.LogLevel
	cfg.Format = c.LogFormat
	return cfg
}
