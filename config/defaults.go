package config

import (
	"time"

	"arforward/internal/directive"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultQueuePath is the unix datagram socket directives arrive on.
	DefaultQueuePath = "/var/ossec/queue/alerts/ar"

	// DefaultKeysPath lists the authenticated agents.
	DefaultKeysPath = "/var/ossec/etc/client.keys"

	// DefaultListenAddr is where agents send their heartbeats; replies
	// and directives leave from the same socket.
	DefaultListenAddr = ":1514"

	// DefaultAgentPort is used for agents registered with a fixed IP.
	DefaultAgentPort = 1514

	// DefaultNotifyInterval is the agents' heartbeat period.  Peers are
	// stale after twice this long.
	DefaultNotifyInterval = 10 * time.Minute

	// DefaultModeSentinels flag a mode position when it holds '1'.
	DefaultModeSentinels = directive.DefaultSentinels

	// DefaultRedisKey is the hash shared by mirrored daemons.
	DefaultRedisKey = "arforward:contacts"

	// DefaultMirrorInterval is how often contacts are pulled from redis.
	DefaultMirrorInterval = 30 * time.Second

	// DefaultGracePeriod bounds the roster db writes made after shutdown
	// has begun.
	DefaultGracePeriod = 5 * time.Second
)
