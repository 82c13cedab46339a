// Package config loads and validates the nlockd configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (NLOCKD_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/marmos91/nlockd/internal/logger"
)

// Config is the static configuration of the nlockd daemon.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Lock controls the host/lock-state engine.
	Lock LockConfig `mapstructure:"lock" yaml:"lock"`

	// StatusMonitor controls the SM (statd) client.
	StatusMonitor SMConfig `mapstructure:"status_monitor" yaml:"status_monitor"`

	// NodeName is the name this host reports to peers and to the SM.
	// Empty means use os.Hostname at startup.
	NodeName string `mapstructure:"node_name" yaml:"node_name"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables the endpoint.
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// LoggingConfig mirrors logger.Config.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"                                   yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// LockConfig holds the host/lock engine tunables.
type LockConfig struct {
	// GracePeriod is the post-startup window during which only reclaim
	// requests are honored.
	GracePeriod time.Duration `mapstructure:"grace_period" validate:"required,gt=0" yaml:"grace_period"`

	// IdleTimeout is the time after last use before a host becomes
	// eligible for garbage collection.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"required,gt=0" yaml:"idle_timeout"`

	// RetransTimeout is the recovery-wait wake interval.
	RetransTimeout time.Duration `mapstructure:"retrans_timeout" validate:"required,gt=0" yaml:"retrans_timeout"`

	// MaxSleepRequests bounds pending blocking requests per held file.
	MaxSleepRequests int `mapstructure:"max_sleep_requests" validate:"gt=0" yaml:"max_sleep_requests"`
}

// SMConfig holds the status-monitor client settings.
type SMConfig struct {
	// Host is where the local statd's portmapper is reached.
	Host string `mapstructure:"host" validate:"required" yaml:"host"`

	// BindRetries bounds SM endpoint discovery attempts.
	BindRetries int `mapstructure:"bind_retries" validate:"gt=0" yaml:"bind_retries"`

	// BindBackoff is the fixed delay between discovery attempts.
	BindBackoff time.Duration `mapstructure:"bind_backoff" validate:"required,gt=0" yaml:"bind_backoff"`

	// CallTimeout is the total per-call deadline for SM RPCs.
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"required,gt=0" yaml:"call_timeout"`
}

// Load reads configuration from the given file path (optional) merged
// over defaults and NLOCKD_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NLOCKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
		logger.Debug("loaded configuration file", "path", path)
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks a Config against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if ok := AsValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: field %q fails %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// AsValidationErrors unwraps validator.ValidationErrors.
func AsValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return false
	}
	*target = verrs
	return true
}
