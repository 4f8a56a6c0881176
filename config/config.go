package config

import (
	_ "embed"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
)

//go:embed example-config.yaml
var ExampleConfig string

type HomeserverConfig struct {
	// Domain is this server's name: the part after the colon in user
	// and room IDs minted here.
	Domain string `yaml:"domain"`
}

type HearthConfig struct {
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`
}

type RoomConfig struct {
	ParkedEventLimit    int   `yaml:"parked_event_limit"`
	ParkedRetryLimit    int   `yaml:"parked_retry_limit"`
	BackfillFanout      int   `yaml:"backfill_fanout"`
	BackfillLimit       int   `yaml:"backfill_limit"`
	BackfillConcurrency int64 `yaml:"backfill_concurrency"`
	EventCacheSize      int   `yaml:"event_cache_size"`
	ResolutionCacheSize int   `yaml:"resolution_cache_size"`
	QueueSize           int   `yaml:"queue_size"`
}

type SyncConfig struct {
	TimelineLimit  int    `yaml:"timeline_limit"`
	DefaultTimeout string `yaml:"default_timeout"`
	MaxTimeout     string `yaml:"max_timeout"`
}

// Timeouts parses the long-poll timeout strings.
func (sc *SyncConfig) Timeouts() (def, max time.Duration, err error) {
	if sc.DefaultTimeout != "" {
		def, err = time.ParseDuration(sc.DefaultTimeout)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid default_timeout: %w", err)
		}
	}
	if sc.MaxTimeout != "" {
		max, err = time.ParseDuration(sc.MaxTimeout)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid max_timeout: %w", err)
		}
	}
	return def, max, nil
}

type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Hearth     HearthConfig      `yaml:"hearth"`
	Room       RoomConfig        `yaml:"room"`
	Sync       SyncConfig        `yaml:"sync"`
	Database   dbutil.Config     `yaml:"database"`
	Logging    zeroconfig.Config `yaml:"logging"`
}
