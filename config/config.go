// Package config defines the runtime configuration for arforward and
// validates it.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"arforward/internal/directive"
	ncerr "arforward/internal/errors"
)

// Config holds every tuneable of one daemon process.  Env tags are read
// by [LoadFromEnv]; TOML keys are listed in loader.go.
type Config struct {
	// ── Directive queue ──────────────────────────────────────────────
	QueuePath     string `env:"ARFORWARD_QUEUE"`
	ModeSentinels string `env:"ARFORWARD_MODE_SENTINELS"`

	// ── Roster ───────────────────────────────────────────────────────
	KeysPath       string        `env:"ARFORWARD_KEYS"`
	AgentPort      int           `env:"ARFORWARD_AGENT_PORT"`
	NotifyInterval time.Duration `env:"ARFORWARD_NOTIFY_INTERVAL"`
	RosterDB       string        `env:"ARFORWARD_ROSTER_DB"`
	RedisAddr      string        `env:"ARFORWARD_REDIS_ADDR"`
	RedisKey       string        `env:"ARFORWARD_REDIS_KEY"`
	MirrorInterval time.Duration `env:"ARFORWARD_MIRROR_INTERVAL"`

	// ── Transport ────────────────────────────────────────────────────
	ListenAddr  string `env:"ARFORWARD_LISTEN"`
	MaxSendRate int    `env:"ARFORWARD_MAX_SEND_RATE"` // frames/s, 0 = unlimited

	// ── Output ───────────────────────────────────────────────────────
	Verbose       int           `env:"ARFORWARD_VERBOSE"`
	StatsInterval time.Duration `env:"ARFORWARD_STATS_INTERVAL"`
	DryRun        bool          `env:"ARFORWARD_DRY_RUN"`

	ConfigFile string // see ConfigFileFromEnv
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		QueuePath:      DefaultQueuePath,
		ModeSentinels:  DefaultModeSentinels,
		KeysPath:       DefaultKeysPath,
		AgentPort:      DefaultAgentPort,
		NotifyInterval: DefaultNotifyInterval,
		RedisKey:       DefaultRedisKey,
		MirrorInterval: DefaultMirrorInterval,
		ListenAddr:     DefaultListenAddr,
		Verbose:        1,
	}
}

// StaleAfter is how long a peer may stay silent before it stops
// receiving traffic.
func (c *Config) StaleAfter() time.Duration {
	return 2 * c.NotifyInterval
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Failures are *errors.ConfigError carrying a hint for the operator.
func (c *Config) Validate() error {
	if c.QueuePath == "" {
		return &ncerr.ConfigError{
			Field:   "queue",
			Message: "directive queue path is required",
			Hint:    fmt.Sprintf("the default is %s", DefaultQueuePath),
		}
	}
	if c.KeysPath == "" {
		return &ncerr.ConfigError{
			Field:   "keys",
			Message: "keys file is required",
			Hint:    fmt.Sprintf("the default is %s", DefaultKeysPath),
		}
	}
	if len(c.ModeSentinels) != 3 {
		return &ncerr.ConfigError{
			Field:   "mode-sentinels",
			Value:   c.ModeSentinels,
			Message: "must be exactly 3 characters",
			Hint:    "use " + directive.DefaultSentinels + ", or " + directive.OSSECSentinels + " for classic OSSEC directives",
		}
	}
	if c.NotifyInterval <= 0 {
		return &ncerr.ConfigError{
			Field:   "notify-interval",
			Value:   c.NotifyInterval,
			Message: "must be positive",
			Hint:    "set it to the agents' notify_time, e.g. 10m",
		}
	}
	if c.AgentPort < 1 || c.AgentPort > 65535 {
		return &ncerr.ConfigError{
			Field:   "agent-port",
			Value:   c.AgentPort,
			Message: "out of range 1-65535",
		}
	}
	if _, port, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return &ncerr.ConfigError{
			Field:   "listen",
			Value:   c.ListenAddr,
			Message: "must be host:port",
			Hint:    "use :1514 to listen on every interface",
		}
	} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return &ncerr.ConfigError{
			Field:   "listen",
			Value:   c.ListenAddr,
			Message: "invalid port",
		}
	}
	if c.MaxSendRate < 0 {
		return &ncerr.ConfigError{
			Field:   "max-send-rate",
			Value:   c.MaxSendRate,
			Message: "cannot be negative",
			Hint:    "use 0 for no limit",
		}
	}
	if c.StatsInterval < 0 {
		return &ncerr.ConfigError{
			Field:   "stats-interval",
			Value:   c.StatsInterval,
			Message: "cannot be negative",
			Hint:    "use 0 to log stats only at shutdown",
		}
	}
	if c.RedisAddr != "" {
		if c.RedisKey == "" {
			return &ncerr.ConfigError{
				Field:   "redis-key",
				Message: "required when --redis is set",
			}
		}
		if c.MirrorInterval <= 0 {
			return &ncerr.ConfigError{
				Field:   "mirror-interval",
				Value:   c.MirrorInterval,
				Message: "must be positive when --redis is set",
			}
		}
	}
	return nil
}
