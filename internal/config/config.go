// Package config loads server settings from TOML with a default overlay:
// every key is optional and falls back to the shipped default, so a config
// file only states what it changes.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the resolved runtime configuration for the replication server.
type Config struct {
	Addr string

	TickRate        int
	CatchupMaxTicks int
	CommandCapacity int
	PerSessionLimit int
	QueueWarningAt  int

	MoveSpeed        float64
	SpawnHealth      float64
	MaxPlayers       int
	MaxAgents        int
	HeartbeatTimeout time.Duration

	EventBacklogLimit int

	Logging LoggingConfig
}

// LoggingConfig selects sinks and filtering for the event log router.
type LoggingConfig struct {
	Sinks       []string
	MinSeverity string
	JSONPath    string
	BufferSize  int
}

// Default returns the shipped server configuration.
func Default() Config {
	return Config{
		Addr:              ":8080",
		TickRate:          10,
		CatchupMaxTicks:   4,
		CommandCapacity:   1024,
		PerSessionLimit:   32,
		QueueWarningAt:    256,
		MoveSpeed:         40,
		SpawnHealth:       100,
		MaxPlayers:        8,
		MaxAgents:         32,
		HeartbeatTimeout:  15 * time.Second,
		EventBacklogLimit: 256,
		Logging: LoggingConfig{
			Sinks:       []string{"console"},
			MinSeverity: "info",
			BufferSize:  512,
		},
	}
}

// TickInterval converts the tick rate into a wall-clock interval.
func (c Config) TickInterval() time.Duration {
	rate := c.TickRate
	if rate <= 0 {
		rate = 10
	}
	return time.Second / time.Duration(rate)
}

// fileConfig maps config.toml keys onto runtime settings.
type fileConfig struct {
	Addr                 string   `toml:"addr"`
	TickRate             int      `toml:"tick_rate"`
	CatchupMaxTicks      int      `toml:"catchup_max_ticks"`
	CommandCapacity      int      `toml:"command_capacity"`
	PerSessionLimit      int      `toml:"per_session_limit"`
	QueueWarningAt       int      `toml:"queue_warning_at"`
	MoveSpeed            float64  `toml:"move_speed"`
	SpawnHealth          float64  `toml:"spawn_health"`
	MaxPlayers           int      `toml:"max_players"`
	MaxAgents            int      `toml:"max_agents"`
	HeartbeatTimeoutSecs float64  `toml:"heartbeat_timeout_seconds"`
	EventBacklogLimit    int      `toml:"event_backlog_limit"`
	LogSinks             []string `toml:"log_sinks"`
	LogMinSeverity       string   `toml:"log_min_severity"`
	LogJSONPath          string   `toml:"log_json_path"`
	LogBufferSize        int      `toml:"log_buffer_size"`
}

// Load reads path and overlays its keys on the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("tick_rate") {
		cfg.TickRate = raw.TickRate
	}
	if meta.IsDefined("catchup_max_ticks") {
		cfg.CatchupMaxTicks = raw.CatchupMaxTicks
	}
	if meta.IsDefined("command_capacity") {
		cfg.CommandCapacity = raw.CommandCapacity
	}
	if meta.IsDefined("per_session_limit") {
		cfg.PerSessionLimit = raw.PerSessionLimit
	}
	if meta.IsDefined("queue_warning_at") {
		cfg.QueueWarningAt = raw.QueueWarningAt
	}
	if meta.IsDefined("move_speed") {
		cfg.MoveSpeed = raw.MoveSpeed
	}
	if meta.IsDefined("spawn_health") {
		cfg.SpawnHealth = raw.SpawnHealth
	}
	if meta.IsDefined("max_players") {
		cfg.MaxPlayers = raw.MaxPlayers
	}
	if meta.IsDefined("max_agents") {
		cfg.MaxAgents = raw.MaxAgents
	}
	if meta.IsDefined("heartbeat_timeout_seconds") {
		cfg.HeartbeatTimeout = time.Duration(raw.HeartbeatTimeoutSecs * float64(time.Second))
	}
	if meta.IsDefined("event_backlog_limit") {
		cfg.EventBacklogLimit = raw.EventBacklogLimit
	}
	if meta.IsDefined("log_sinks") {
		cfg.Logging.Sinks = raw.LogSinks
	}
	if meta.IsDefined("log_min_severity") {
		cfg.Logging.MinSeverity = strings.TrimSpace(raw.LogMinSeverity)
	}
	if meta.IsDefined("log_json_path") {
		cfg.Logging.JSONPath = strings.TrimSpace(raw.LogJSONPath)
	}
	if meta.IsDefined("log_buffer_size") {
		cfg.Logging.BufferSize = raw.LogBufferSize
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("load config: addr must not be empty")
	}
	if c.TickRate < 1 || c.TickRate > 240 {
		return fmt.Errorf("load config: tick_rate %d out of range [1,240]", c.TickRate)
	}
	if c.CommandCapacity < 1 {
		return fmt.Errorf("load config: command_capacity must be positive")
	}
	if c.MoveSpeed <= 0 {
		return fmt.Errorf("load config: move_speed must be positive")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("load config: heartbeat_timeout_seconds must be positive")
	}
	for _, sink := range c.Logging.Sinks {
		switch sink {
		case "console", "json", "memory":
		default:
			return fmt.Errorf("load config: unknown log sink %q", sink)
		}
	}
	return nil
}
