package config

// loader.go - configuration loading from a TOML file and the
// environment.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (ARFORWARD_*)
//   3. Config file  (--config / ARFORWARD_CONFIG)
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// LoadFromEnv overlays ARFORWARD_* variables onto cfg.  Unset variables
// leave the current value alone.
func LoadFromEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ConfigFileFromEnv returns ARFORWARD_CONFIG, so the file layer can be
// applied before the rest of the environment.
func ConfigFileFromEnv() string {
	return strings.TrimSpace(os.Getenv("ARFORWARD_CONFIG"))
}

// fileConfig mirrors the TOML layout.  Durations are strings such as
// "10m".
type fileConfig struct {
	Queue          string `toml:"queue"`
	ModeSentinels  string `toml:"mode_sentinels"`
	Keys           string `toml:"keys"`
	AgentPort      int    `toml:"agent_port"`
	NotifyInterval string `toml:"notify_interval"`
	RosterDB       string `toml:"roster_db"`
	Redis          string `toml:"redis"`
	RedisKey       string `toml:"redis_key"`
	MirrorInterval string `toml:"mirror_interval"`
	Listen         string `toml:"listen"`
	MaxSendRate    int    `toml:"max_send_rate"`
	Verbose        int    `toml:"verbose"`
	StatsInterval  string `toml:"stats_interval"`
	DryRun         bool   `toml:"dry_run"`
}

// LoadFile overlays the keys present in the TOML file at path onto cfg.
func LoadFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	setString := func(key, val string, dst *string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(val)
		}
	}
	setDuration := func(key, val string, dst *time.Duration) error {
		if !meta.IsDefined(key) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	setString("queue", raw.Queue, &cfg.QueuePath)
	setString("mode_sentinels", raw.ModeSentinels, &cfg.ModeSentinels)
	setString("keys", raw.Keys, &cfg.KeysPath)
	setString("roster_db", raw.RosterDB, &cfg.RosterDB)
	setString("redis", raw.Redis, &cfg.RedisAddr)
	setString("redis_key", raw.RedisKey, &cfg.RedisKey)
	setString("listen", raw.Listen, &cfg.ListenAddr)

	if meta.IsDefined("agent_port") {
		cfg.AgentPort = raw.AgentPort
	}
	if meta.IsDefined("max_send_rate") {
		cfg.MaxSendRate = raw.MaxSendRate
	}
	if meta.IsDefined("verbose") {
		cfg.Verbose = raw.Verbose
	}
	if meta.IsDefined("dry_run") {
		cfg.DryRun = raw.DryRun
	}

	for _, d := range []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"notify_interval", raw.NotifyInterval, &cfg.NotifyInterval},
		{"mirror_interval", raw.MirrorInterval, &cfg.MirrorInterval},
		{"stats_interval", raw.StatsInterval, &cfg.StatsInterval},
	} {
		if err := setDuration(d.key, d.val, d.dst); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	}

	cfg.ConfigFile = path
	return nil
}
