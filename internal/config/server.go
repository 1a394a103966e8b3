// Package config loads the server's YAML config and handles the JSON far tile
// session config exchanged with clients.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

type Server struct {
	ListenAddr  string `yaml:"listen_addr"`
	TCPAddr     string `yaml:"tcp_addr"`
	MaxSessions int    `yaml:"max_sessions"`

	TickRateHz           int    `yaml:"tick_rate_hz"`
	Profile              string `yaml:"profile"`
	Seed                 int64  `yaml:"seed"`
	Workers              int    `yaml:"workers"`
	MaxRetries           int    `yaml:"max_retries"`
	ErrorDampingTicks    int64  `yaml:"error_damping_ticks"`
	DebugStatsEveryTicks int64  `yaml:"debug_stats_every_ticks"`

	Limits LimitsSection `yaml:"limits"`
	Far    *Far          `yaml:"far"`
	Send   SendSection   `yaml:"send"`

	Storage StorageSection `yaml:"storage"`
	Log     LogSection     `yaml:"log"`
	Debug   DebugSection   `yaml:"debug"`
}

// LimitsSection bounds the world in voxels. Max is exclusive. Zero on both ends
// of an axis means unbounded.
type LimitsSection struct {
	Min [3]int64 `yaml:"min"`
	Max [3]int64 `yaml:"max"`
}

type SendSection struct {
	ByteRate int `yaml:"byte_rate"`
	Burst    int `yaml:"burst"`
	OutQueue int `yaml:"out_queue"`

	// AckWindow bounds tile payload bytes awaiting TILE_ACK. 0 disables it.
	AckWindow int64 `yaml:"ack_window"`
}

type StorageSection struct {
	DataDir   string `yaml:"data_dir"`
	TileStore string `yaml:"tile_store"`
	IndexDB   string `yaml:"index_db"`
	StatsLog  bool   `yaml:"stats_log"`
}

type LogSection struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type DebugSection struct {
	DeadlockDetection bool `yaml:"deadlock_detection"`
	Pprof             bool `yaml:"pprof"`
}

func Load(path string) (Server, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

func defaults() Server {
	return Server{
		ListenAddr:           ":8080",
		MaxSessions:          64,
		TickRateHz:           20,
		Profile:              "3d",
		Seed:                 1337,
		Workers:              4,
		MaxRetries:           2,
		ErrorDampingTicks:    100,
		DebugStatsEveryTicks: 20,
		Far:                  DefaultFar(),
		Send:                 SendSection{OutQueue: 256, AckWindow: 8 << 20},
		Storage: StorageSection{
			DataDir:   "data",
			TileStore: "tiles.bolt",
			IndexDB:   "index.sqlite",
			StatsLog:  true,
		},
		Log: LogSection{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
	}
}

func (c *Server) Normalize() {
	if c == nil {
		return
	}
	c.Profile = strings.ToLower(strings.TrimSpace(c.Profile))
	if c.Profile == "" {
		c.Profile = "3d"
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Send.OutQueue <= 0 {
		c.Send.OutQueue = 256
	}
	if c.Send.ByteRate > 0 && c.Send.Burst < c.Send.ByteRate {
		c.Send.Burst = c.Send.ByteRate
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c Server) Validate() error {
	if c.TickRateHz <= 0 || c.TickRateHz > 1000 {
		return fmt.Errorf("tick_rate_hz must be in (0, 1000]")
	}
	if _, err := tile.ParseProfile(c.Profile); err != nil {
		return err
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be > 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.ErrorDampingTicks <= 0 {
		return fmt.Errorf("error_damping_ticks must be > 0")
	}
	if c.DebugStatsEveryTicks < 0 {
		return fmt.Errorf("debug_stats_every_ticks must be >= 0")
	}
	if c.Send.ByteRate < 0 {
		return fmt.Errorf("send.byte_rate must be >= 0")
	}
	if c.Send.AckWindow < 0 {
		return fmt.Errorf("send.ack_window must be >= 0")
	}
	for i := 0; i < 3; i++ {
		lo, hi := c.Limits.Min[i], c.Limits.Max[i]
		if lo == 0 && hi == 0 {
			continue
		}
		if lo >= hi {
			return fmt.Errorf("limits axis %d: min %d must be < max %d", i, lo, hi)
		}
	}
	if c.Far != nil {
		if _, err := ParseFar(c.Far.JSON()); err != nil {
			return fmt.Errorf("far: %w", err)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	return nil
}

func (c Server) TileProfile() tile.Profile {
	p, err := tile.ParseProfile(c.Profile)
	if err != nil {
		return tile.Profile3D
	}
	return p
}

// TileLimits converts the limits, widening unbounded axes to the full range.
func (c Server) TileLimits() tile.Limits {
	l := tile.Unbounded()
	for i := 0; i < 3; i++ {
		if c.Limits.Min[i] == 0 && c.Limits.Max[i] == 0 {
			continue
		}
		l.Min[i], l.Max[i] = c.Limits.Min[i], c.Limits.Max[i]
	}
	return l
}

// StoragePath resolves name inside the data directory. Empty names stay empty.
func (c Server) StoragePath(name string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	if filepath.IsAbs(name) || c.Storage.DataDir == "" {
		return name
	}
	return filepath.Join(c.Storage.DataDir, name)
}
