// Package config loads casedesk's configuration.
//
// Two layers: the yaml File describes the install (registry path, pool, connections,
// listener, schedules) and survives a registry wipe; the Loader reads runtime settings
// stored in the registry itself.
//
// File locations (priority order):
//  1. $CASEDESK_CONFIG
//  2. ./casedesk.yaml
//  3. $XDG_CONFIG_HOME/casedesk/config.yaml
//  4. ~/.config/casedesk/config.yaml
//  5. /etc/casedesk/config.yaml
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the yaml configuration file
type File struct {
	Version     int            `yaml:"version"`
	Database    DatabaseConfig `yaml:"database"`
	Pool        PoolFileConfig `yaml:"pool"`
	Connections []Connection   `yaml:"connections,omitempty"`
	Server      ServerConfig   `yaml:"server"`
	Probe       ScheduleConfig `yaml:"probe"`
	Maintenance ScheduleConfig `yaml:"maintenance"`
}

// DatabaseConfig locates the registry database
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// PoolFileConfig is the pool section as written in the file
type PoolFileConfig struct {
	MaxOpenConns    int       `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int       `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime *Duration `yaml:"conn_max_lifetime,omitempty"`
}

// Connection is a connection string registered at startup. ConnectionString may be
// sealed with the install key ("enc:" prefix).
type Connection struct {
	Key              string `yaml:"key"`
	ConnectionString string `yaml:"connection_string"`
}

// ServerConfig configures the inspection API listener
type ServerConfig struct {
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	AllowSubnet string `yaml:"allow_subnet,omitempty"`
}

// ScheduleConfig is a cron job toggle
type ScheduleConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	Schedule string `yaml:"schedule"`
}

// IsEnabled treats an unset toggle as enabled
func (s ScheduleConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

const (
	DefaultDatabasePath        = "./casedesk.db"
	DefaultBind                = "127.0.0.1"
	DefaultPort                = 8086
	DefaultProbeSchedule       = "@every 1m"
	DefaultMaintenanceSchedule = "@daily"
)

// Load finds and loads the config file, or returns defaults if none found
func Load() (*File, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultFile(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*File, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config %s: %w", path, err)
	}

	f.applyDefaults()
	return &f, path, nil
}

// Save writes the file to path
func (f *File) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Connection strings may carry credentials
	return os.WriteFile(path, data, 0o600)
}

// DefaultFile returns the configuration used when no file exists
func DefaultFile() *File {
	f := &File{}
	f.applyDefaults()
	return f
}

func (f *File) applyDefaults() {
	if f.Version == 0 {
		f.Version = 1
	}
	if f.Database.Path == "" {
		f.Database.Path = DefaultDatabasePath
	}
	if f.Server.Bind == "" {
		f.Server.Bind = DefaultBind
	}
	if f.Server.Port == 0 {
		f.Server.Port = DefaultPort
	}
	if f.Probe.Schedule == "" {
		f.Probe.Schedule = DefaultProbeSchedule
	}
	if f.Maintenance.Schedule == "" {
		f.Maintenance.Schedule = DefaultMaintenanceSchedule
	}
}

func (f *File) validate() error {
	seen := make(map[string]bool, len(f.Connections))
	for i, c := range f.Connections {
		if c.Key == "" {
			return fmt.Errorf("connection %d has no key", i+1)
		}
		if c.ConnectionString == "" {
			return fmt.Errorf("connection %s has no connection_string", c.Key)
		}
		if seen[c.Key] {
			return fmt.Errorf("connection %s is listed twice", c.Key)
		}
		seen[c.Key] = true
	}
	if f.Server.Port < 0 || f.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", f.Server.Port)
	}
	return nil
}

// PoolConfig resolves the pool section against the defaults
func (f *File) PoolConfig() *PoolConfig {
	p := DefaultPoolConfig()
	if f.Pool.MaxOpenConns > 0 {
		p.MaxOpenConns = f.Pool.MaxOpenConns
	}
	if f.Pool.MaxIdleConns > 0 {
		p.MaxIdleConns = f.Pool.MaxIdleConns
	}
	if f.Pool.ConnMaxLifetime != nil {
		p.ConnMaxLifetime = f.Pool.ConnMaxLifetime.Duration()
	}
	return p
}

// Duration is a time.Duration written as a string ("30m") in yaml
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
