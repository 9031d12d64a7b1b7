package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
)

// EnvPrefix prefixes every environment override, e.g. SIGET_SERVER_PORT.
const EnvPrefix = "SIGET_"

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Sync       SyncConfig       `yaml:"sync"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Emergency  EmergencyConfig  `yaml:"emergency"`
	Locks      LocksConfig      `yaml:"locks"`
	Management ManagementConfig `yaml:"management"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	MaxSessions          int           `yaml:"max_sessions"`
	ReadTimeout          time.Duration `yaml:"read_timeout"`
	ReadTimeoutTolerance int           `yaml:"read_timeout_tolerance"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	SendBuffer           int           `yaml:"send_buffer"`
	MaxLineBytes         int           `yaml:"max_line_bytes"`
	ShutdownGrace        time.Duration `yaml:"shutdown_grace"`
	AcceptRate           float64       `yaml:"accept_rate"`
	AcceptBurst          int           `yaml:"accept_burst"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DispatcherConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type SyncConfig struct {
	Interval  time.Duration  `yaml:"interval"`
	Durations PhaseDurations `yaml:"durations"`
}

// PhaseDurations is how long each signal lasts in the shared cycle.
type PhaseDurations struct {
	Red    time.Duration `yaml:"red"`
	Green  time.Duration `yaml:"green"`
	Yellow time.Duration `yaml:"yellow"`
}

// ByState returns the durations keyed by state.
func (p PhaseDurations) ByState() map[protocol.LightState]time.Duration {
	return map[protocol.LightState]time.Duration{
		protocol.Red:    p.Red,
		protocol.Green:  p.Green,
		protocol.Yellow: p.Yellow,
	}
}

type HeartbeatConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	StaleAfter    time.Duration `yaml:"stale_after"`
}

type EmergencyConfig struct {
	SendTimeout time.Duration `yaml:"send_timeout"`
	State       string        `yaml:"state"`
}

type LocksConfig struct {
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

type ManagementConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	MaxClients       int           `yaml:"max_clients"`
}

// Addr returns host:port.
func (m ManagementConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "localhost",
			Port:                 8888,
			MaxSessions:          10,
			ReadTimeout:          5 * time.Second,
			ReadTimeoutTolerance: 12,
			WriteTimeout:         2 * time.Second,
			SendBuffer:           64,
			MaxLineBytes:         64 * 1024,
			ShutdownGrace:        5 * time.Second,
			AcceptRate:           50,
			AcceptBurst:          20,
		},
		Dispatcher: DispatcherConfig{
			Workers:   1,
			QueueSize: 256,
		},
		Sync: SyncConfig{
			Interval: 30 * time.Second,
			Durations: PhaseDurations{
				Red:    8 * time.Second,
				Green:  10 * time.Second,
				Yellow: 3 * time.Second,
			},
		},
		Heartbeat: HeartbeatConfig{
			CheckInterval: 10 * time.Second,
			StaleAfter:    60 * time.Second,
		},
		Emergency: EmergencyConfig{
			SendTimeout: 500 * time.Millisecond,
			State:       "RED",
		},
		Locks: LocksConfig{
			AcquireTimeout: 5 * time.Second,
		},
		Management: ManagementConfig{
			Enabled:          true,
			Host:             "127.0.0.1",
			Port:             8889,
			SnapshotInterval: time.Second,
			MaxClients:       16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, then applies .env and SIGET_*
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// A missing .env is normal.
	_ = godotenv.Load()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from SIGET_<SECTION>_<KEY> variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("SERVER_HOST", &c.Server.Host)
	num("SERVER_PORT", &c.Server.Port)
	num("SERVER_MAX_SESSIONS", &c.Server.MaxSessions)
	dur("SERVER_READ_TIMEOUT", &c.Server.ReadTimeout)
	dur("SERVER_SHUTDOWN_GRACE", &c.Server.ShutdownGrace)
	num("DISPATCHER_WORKERS", &c.Dispatcher.Workers)
	dur("SYNC_INTERVAL", &c.Sync.Interval)
	dur("HEARTBEAT_CHECK_INTERVAL", &c.Heartbeat.CheckInterval)
	dur("HEARTBEAT_STALE_AFTER", &c.Heartbeat.StaleAfter)
	str("EMERGENCY_STATE", &c.Emergency.State)
	str("MANAGEMENT_HOST", &c.Management.Host)
	num("MANAGEMENT_PORT", &c.Management.Port)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_FILE", &c.Logging.File)
	if v, ok := lookup(EnvPrefix + "MANAGEMENT_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMANAGEMENT_ENABLED: %w", EnvPrefix, err))
		} else {
			c.Management.Enabled = b
		}
	}
	return errors.Join(errs...)
}

// EmergencyState parses the configured override state.
func (c *Config) EmergencyState() (protocol.LightState, error) {
	return protocol.ParseLightState(c.Emergency.State)
}

// Validate reports every invalid setting. Warnings are settings that work
// but are probably not what was intended.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("server.max_sessions must be at least 1, got %d", c.Server.MaxSessions))
	}
	positive("server.read_timeout", c.Server.ReadTimeout)
	positive("server.write_timeout", c.Server.WriteTimeout)
	positive("server.shutdown_grace", c.Server.ShutdownGrace)
	if c.Server.ReadTimeoutTolerance < 1 {
		errs = append(errs, fmt.Errorf("server.read_timeout_tolerance must be at least 1"))
	}
	if c.Server.SendBuffer < 1 || c.Server.MaxLineBytes < 64 {
		errs = append(errs, fmt.Errorf("server.send_buffer and server.max_line_bytes must be set"))
	}
	if c.Server.AcceptRate <= 0 || c.Server.AcceptBurst < 1 {
		errs = append(errs, fmt.Errorf("server.accept_rate and server.accept_burst must be positive"))
	}
	if c.Dispatcher.Workers < 1 || c.Dispatcher.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("dispatcher.workers and dispatcher.queue_size must be positive"))
	}
	positive("sync.interval", c.Sync.Interval)
	for st, d := range c.Sync.Durations.ByState() {
		positive("sync.durations."+st.String(), d)
	}
	positive("heartbeat.check_interval", c.Heartbeat.CheckInterval)
	positive("heartbeat.stale_after", c.Heartbeat.StaleAfter)
	if c.Heartbeat.StaleAfter > 0 && c.Heartbeat.StaleAfter <= c.Heartbeat.CheckInterval {
		warnings = append(warnings, fmt.Sprintf(
			"heartbeat.stale_after (%v) is not larger than heartbeat.check_interval (%v); eviction may lag by a full cycle",
			c.Heartbeat.StaleAfter, c.Heartbeat.CheckInterval))
	}
	positive("emergency.send_timeout", c.Emergency.SendTimeout)
	if _, err := c.EmergencyState(); err != nil {
		errs = append(errs, fmt.Errorf("emergency.state: %w", err))
	}
	if c.Locks.AcquireTimeout < 0 {
		errs = append(errs, fmt.Errorf("locks.acquire_timeout must not be negative"))
	}
	if c.Management.Enabled {
		positive("management.snapshot_interval", c.Management.SnapshotInterval)
		if c.Management.MaxClients < 1 {
			errs = append(errs, fmt.Errorf("management.max_clients must be at least 1"))
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return warnings, errors.Join(errs...)
}
