// Package config holds the process-lifetime identity and the frozen
// environment-driven configuration snapshot described as Identity & Config
// (C1). Both are loaded once and cached; callers never re-read the
// environment mid-process except through the test-only Reset.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// PollingMode controls whether polling source connectors are exclusive
// (single holder via the lease manager) across the cluster, or run
// independently on every instance.
type PollingMode string

const (
	PollingExclusive PollingMode = "exclusive"
	PollingAll       PollingMode = "all"
)

// Mode is the cluster coexistence mode (Mode Controller, C7).
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeShadow   Mode = "shadow"
	ModeTakeover Mode = "takeover"
)

// Config is the frozen snapshot of environment-driven operational
// parameters. Zero/invalid numeric values fall back to defaults rather
// than erroring, per the spec's "no error modes at steady state" note.
type Config struct {
	ClusterEnabled       bool
	HeartbeatInterval    int // milliseconds
	HeartbeatTimeout     int // milliseconds
	SequenceBlockSize    int
	PollingMode          PollingMode
	LeaseTTL             int // milliseconds
	ClusterSecret        string
	QuorumEnabled        bool
	Mode                 Mode
	TakeoverPollChannels map[string]struct{}
}

var (
	identityOnce sync.Once
	identityID   string

	configOnce sync.Once
	cached     *Config
)

// ServerID returns the stable per-instance identifier: MIRTH_SERVER_ID if
// set, otherwise a freshly generated UUID cached for the life of the
// process. Idempotent.
func ServerID() string {
	identityOnce.Do(func() {
		if v := os.Getenv("MIRTH_SERVER_ID"); v != "" {
			identityID = v
			return
		}
		identityID = uuid.NewString()
	})
	return identityID
}

// Load returns the cached configuration snapshot, building it from the
// environment on first call.
func Load() *Config {
	configOnce.Do(func() {
		cached = fromEnv()
	})
	return cached
}

// Reset clears all cached state. Test-only: production code never calls
// this, since identity and configuration are meant to be process-lifetime
// stable.
func Reset() {
	identityOnce = sync.Once{}
	identityID = ""
	configOnce = sync.Once{}
	cached = nil
}

func fromEnv() *Config {
	cfg := &Config{
		ClusterEnabled:    envBool("MIRTH_CLUSTER_ENABLED", false),
		HeartbeatInterval: envInt("MIRTH_CLUSTER_HEARTBEAT_INTERVAL", 5000),
		HeartbeatTimeout:  envInt("MIRTH_CLUSTER_HEARTBEAT_TIMEOUT", 15000),
		SequenceBlockSize: envInt("MIRTH_CLUSTER_SEQUENCE_BLOCK", 100),
		LeaseTTL:          envInt("MIRTH_CLUSTER_LEASE_TTL", 30000),
		ClusterSecret:     os.Getenv("MIRTH_CLUSTER_SECRET"),
		QuorumEnabled:     envBool("MIRTH_CLUSTER_QUORUM_ENABLED", false),
		Mode:              Mode(envDefault("MIRTH_MODE", string(ModeAuto))),
	}

	pollingDefault := string(PollingAll)
	if cfg.ClusterEnabled {
		pollingDefault = string(PollingExclusive)
	}
	switch strings.ToLower(envDefault("MIRTH_CLUSTER_POLLING_MODE", pollingDefault)) {
	case string(PollingAll):
		cfg.PollingMode = PollingAll
	default:
		cfg.PollingMode = PollingExclusive
	}

	if cfg.Mode != ModeAuto && cfg.Mode != ModeShadow && cfg.Mode != ModeTakeover {
		cfg.Mode = ModeAuto
	}

	cfg.TakeoverPollChannels = parseChannelList(os.Getenv("MIRTH_TAKEOVER_POLL_CHANNELS"))

	return cfg
}

func parseChannelList(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			set[part] = struct{}{}
		}
	}
	return set
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Validate checks the configuration for internally inconsistent settings
// that are not the "fall back to default" class of error (e.g. a cluster
// secret required by cluster mode but absent).
func (c *Config) Validate() error {
	if c.ClusterEnabled && c.ClusterSecret == "" {
		return fmt.Errorf("config: MIRTH_CLUSTER_SECRET is required when MIRTH_CLUSTER_ENABLED=true")
	}
	return nil
}
