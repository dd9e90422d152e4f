package core

import (
	"fmt"

	"arforward/config"
	"arforward/internal/directive"
	"arforward/internal/metrics"
	"arforward/internal/roster"
	"arforward/util"
)

// Build validates cfg, loads the keys file and returns a Daemon ready
// to Run.  No sockets are opened here.
func Build(cfg *config.Config, logger *util.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	parser, err := directive.NewParser(cfg.ModeSentinels)
	if err != nil {
		return nil, err
	}
	keys, err := roster.LoadKeysFile(cfg.KeysPath, cfg.AgentPort)
	if err != nil {
		return nil, err
	}
	if keys.Len() == 0 {
		logger.Warn("no agents in %s; directives will have no recipients", cfg.KeysPath)
	}
	logger.Verbose("loaded %d agents from %s", keys.Len(), cfg.KeysPath)

	return &Daemon{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		keys:    keys,
		parser:  parser,
		ready:   make(chan struct{}),
	}, nil
}

// Describe renders the effective configuration for --check.
func Describe(cfg *config.Config, d *Daemon) string {
	return fmt.Sprintf(
		"queue=%s keys=%s agents=%d listen=%s notify=%v stale-after=%v sentinels=%s roster-db=%q redis=%q max-send-rate=%d dry-run=%v",
		cfg.QueuePath, cfg.KeysPath, d.keys.Len(), cfg.ListenAddr, cfg.NotifyInterval,
		cfg.StaleAfter(), cfg.ModeSentinels, cfg.RosterDB, cfg.RedisAddr, cfg.MaxSendRate, cfg.DryRun)
}
