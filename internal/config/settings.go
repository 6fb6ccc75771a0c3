package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/strata-io/strata/internal/state"
	"github.com/strata-io/strata/internal/telemetry"
)

const (
	SettingsFileName = ".strata"
	SettingsFileType = "yaml"
	envPrefix        = "STRATA"
)

// Settings are the process-level knobs: backend choice, logging, apply
// tuning and provider configuration. They come from .strata.yaml, with
// STRATA_* environment variables taking precedence.
type Settings struct {
	State     state.Config                 `mapstructure:"state"`
	Log       telemetry.LogConfig          `mapstructure:"log"`
	Apply     ApplySettings                `mapstructure:"apply"`
	Providers map[string]map[string]string `mapstructure:"providers"`
}

// ApplySettings tune the executor.
type ApplySettings struct {
	Parallelism    int           `mapstructure:"parallelism"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// LoadSettings reads .strata.yaml from the working directory or $HOME.
// A missing file is fine; defaults and environment variables apply.
func LoadSettings() (*Settings, error) {
	v := viper.New()
	v.SetConfigName(SettingsFileName)
	v.SetConfigType(SettingsFileType)
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME")

	v.SetDefault("state.backend", "local")
	v.SetDefault("state.path", "")
	v.SetDefault("state.bucket", "")
	v.SetDefault("state.prefix", "")
	v.SetDefault("state.region", "")
	v.SetDefault("state.table", "")
	v.SetDefault("state.profile", "")
	v.SetDefault("state.encrypt", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("apply.parallelism", 10)
	v.SetDefault("apply.lock_timeout", 2*time.Minute)
	v.SetDefault("apply.max_retries", 3)
	v.SetDefault("apply.retry_base_delay", time.Second)
	v.SetDefault("apply.retry_max_delay", 30*time.Second)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}
	return &s, nil
}
