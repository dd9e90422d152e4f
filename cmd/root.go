// Package cmd wires up the CLI flags and runs the daemon.
package cmd

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"arforward/config"
	"arforward/internal/core"
	"arforward/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X arforward/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

type options struct {
	showVersion bool
	showHelp    bool
	check       bool
	quiet       bool
}

// Execute parses args and runs the forwarder.
func Execute(ctx context.Context, args []string) error {
	cfg, opts, fs, err := loadConfig(args)
	if err != nil {
		return err
	}
	if opts.showHelp {
		printUsage(fs)
		return nil
	}
	if opts.showVersion {
		fmt.Printf("arforward %s\n", version)
		return nil
	}

	logger := util.NewLogger(cfg.Verbose)
	daemon, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	if opts.check {
		fmt.Println(core.Describe(cfg, daemon))
		return nil
	}
	return daemon.Run(ctx)
}

// loadConfig layers defaults, the config file, the environment and
// the flags the user actually set, in that order.
func loadConfig(args []string) (*config.Config, options, *flag.FlagSet, error) {
	var opts options
	fl := config.Default()
	fs := flag.NewFlagSet("arforward", flag.ContinueOnError)

	fs.StringVarP(&fl.ConfigFile, "config", "c", "", "TOML config file")

	// ── directives ───────────────────────────────────────────────
	fs.StringVarP(&fl.QueuePath, "queue", "q", fl.QueuePath, "Directive queue socket")
	fs.StringVar(&fl.ModeSentinels, "mode-sentinels", fl.ModeSentinels, "Flag characters for broadcast/origin/peer (e.g. 111 or ARS)")

	// ── agents ───────────────────────────────────────────────────
	fs.StringVarP(&fl.KeysPath, "keys", "k", fl.KeysPath, "Agent keys file")
	fs.IntVar(&fl.AgentPort, "agent-port", fl.AgentPort, "UDP port of agents registered with a fixed IP")
	fs.DurationVar(&fl.NotifyInterval, "notify-interval", fl.NotifyInterval, "Agent heartbeat period; agents are stale after twice this")
	fs.StringVar(&fl.RosterDB, "roster-db", "", "SQLite file persisting agent contacts")
	fs.StringVar(&fl.RedisAddr, "redis", "", "Redis address for sharing agent contacts")
	fs.StringVar(&fl.RedisKey, "redis-key", fl.RedisKey, "Redis hash holding agent contacts")
	fs.DurationVar(&fl.MirrorInterval, "mirror-interval", fl.MirrorInterval, "How often to pull contacts from redis")

	// ── transport ────────────────────────────────────────────────
	fs.StringVarP(&fl.ListenAddr, "listen", "l", fl.ListenAddr, "UDP address for agent traffic")
	fs.IntVar(&fl.MaxSendRate, "max-send-rate", 0, "Frames per second, 0 for unlimited")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&fl.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVarP(&opts.quiet, "quiet", "Q", false, "Only log errors (overrides -v)")
	fs.DurationVar(&fl.StatsInterval, "stats-interval", 0, "Log counters this often (0 = only at exit)")
	fs.BoolVarP(&fl.DryRun, "dry-run", "n", false, "Log deliveries instead of sending them")

	fs.BoolVar(&opts.check, "check", false, "Validate configuration and keys, then exit")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&opts.showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, opts, fs, err
	}
	if fs.NArg() > 0 {
		return nil, opts, fs, fmt.Errorf("unexpected argument %q (use --help for usage)", fs.Arg(0))
	}
	if opts.showHelp || opts.showVersion {
		return fl, opts, fs, nil
	}

	cfg := config.Default()

	// ── file ─────────────────────────────────────────────────────
	path := config.ConfigFileFromEnv()
	if fs.Changed("config") {
		path = fl.ConfigFile
	}
	if path != "" {
		if err := config.LoadFile(cfg, path); err != nil {
			return nil, opts, fs, err
		}
	}

	// ── environment ──────────────────────────────────────────────
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, opts, fs, err
	}

	// ── flags ────────────────────────────────────────────────────
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "queue":
			cfg.QueuePath = fl.QueuePath
		case "mode-sentinels":
			cfg.ModeSentinels = fl.ModeSentinels
		case "keys":
			cfg.KeysPath = fl.KeysPath
		case "agent-port":
			cfg.AgentPort = fl.AgentPort
		case "notify-interval":
			cfg.NotifyInterval = fl.NotifyInterval
		case "roster-db":
			cfg.RosterDB = fl.RosterDB
		case "redis":
			cfg.RedisAddr = fl.RedisAddr
		case "redis-key":
			cfg.RedisKey = fl.RedisKey
		case "mirror-interval":
			cfg.MirrorInterval = fl.MirrorInterval
		case "listen":
			cfg.ListenAddr = fl.ListenAddr
		case "max-send-rate":
			cfg.MaxSendRate = fl.MaxSendRate
		case "verbose":
			// Each -v adds to the normal level.
			cfg.Verbose = int(util.LogNormal) + fl.Verbose
		case "stats-interval":
			cfg.StatsInterval = fl.StatsInterval
		case "dry-run":
			cfg.DryRun = fl.DryRun
		}
	})
	// Visit runs in name order; -Q wins over any -v.
	if opts.quiet {
		cfg.Verbose = int(util.LogQuiet)
	}
	return cfg, opts, fs, nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `arforward – active-response forwarder v%s

Reads active-response directives from a local queue and delivers them,
encrypted, to the agents listed in the keys file.

Usage:
  arforward [options]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Directive format:
  (<origin>) <source-ip> <mode> <agent-id> <command...>

Examples:
  arforward -k /var/ossec/etc/client.keys -v
  arforward --mode-sentinels ARS --roster-db /var/ossec/var/ar.db
  arforward --config /etc/arforward.toml --check
`)
}
