package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default values for every tunable. These match the behavior of
// long-standing lock manager deployments: a 90 second grace window and
// 5 minute host idle timeout.
const (
	DefaultGracePeriod      = 90 * time.Second
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultRetransTimeout   = 15 * time.Second
	DefaultMaxSleepRequests = 100

	DefaultSMHost        = "127.0.0.1"
	DefaultSMBindRetries = 10
	DefaultSMBindBackoff = 2 * time.Second
	DefaultSMCallTimeout = 5 * time.Second
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("lock.grace_period", DefaultGracePeriod)
	v.SetDefault("lock.idle_timeout", DefaultIdleTimeout)
	v.SetDefault("lock.retrans_timeout", DefaultRetransTimeout)
	v.SetDefault("lock.max_sleep_requests", DefaultMaxSleepRequests)

	v.SetDefault("status_monitor.host", DefaultSMHost)
	v.SetDefault("status_monitor.bind_retries", DefaultSMBindRetries)
	v.SetDefault("status_monitor.bind_backoff", DefaultSMBindBackoff)
	v.SetDefault("status_monitor.call_timeout", DefaultSMCallTimeout)

	v.SetDefault("node_name", "")
	v.SetDefault("metrics_addr", "")
}

// NewDefault returns a Config populated with defaults only.
// Used by tests and by the host engine when no file is given.
func NewDefault() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text", Output: "stderr"},
		Lock: LockConfig{
			GracePeriod:      DefaultGracePeriod,
			IdleTimeout:      DefaultIdleTimeout,
			RetransTimeout:   DefaultRetransTimeout,
			MaxSleepRequests: DefaultMaxSleepRequests,
		},
		StatusMonitor: SMConfig{
			Host:        DefaultSMHost,
			BindRetries: DefaultSMBindRetries,
			BindBackoff: DefaultSMBindBackoff,
			CallTimeout: DefaultSMCallTimeout,
		},
	}
}
