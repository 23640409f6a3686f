// Package config defines the manifold configuration file format and the
// environment-variable fallback used when no file is present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level manifold configuration.
type Config struct {
	Server             ServerConfig        `yaml:"server"`
	DefaultEnvironment string              `yaml:"default_environment"`
	Environments       []EnvironmentConfig `yaml:"environments"`
	Database           *DatabaseConfig     `yaml:"database,omitempty"`
	Query              QueryConfig         `yaml:"query"`
	MCP                MCPConfig           `yaml:"mcp"`
	Logging            LoggingConfig       `yaml:"logging"`
}

// ServerConfig controls the HTTP transport when MCP runs over HTTP.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// EnvironmentConfig defines one named database environment.
type EnvironmentConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Driver      string         `yaml:"driver"`
	Database    DatabaseConfig `yaml:"database"`
	Pool        PoolConfig     `yaml:"pool"`
	Enabled     *bool          `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the environment should be connected. Environments
// are enabled unless the file says otherwise.
func (e *EnvironmentConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// DatabaseConfig holds the connection coordinates for one database.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	// Path is the database file for the sqlite driver; the network fields
	// above are ignored when it is set.
	Path string `yaml:"path,omitempty"`
}

// PoolConfig controls the connection pool for one environment.
type PoolConfig struct {
	MaxConnections int    `yaml:"max_connections"`
	MinConnections int    `yaml:"min_connections"`
	AcquireTimeout string `yaml:"acquire_timeout"`
	IdleTimeout    string `yaml:"idle_timeout"`
	MaxLifetime    string `yaml:"max_lifetime"`
}

// QueryConfig bounds query execution and result streaming.
type QueryConfig struct {
	Timeout   string `yaml:"timeout"`
	MaxRows   int    `yaml:"max_rows"`
	ChunkSize int    `yaml:"chunk_size"`
}

// MCPConfig controls the MCP server transport.
type MCPConfig struct {
	Transport string `yaml:"transport"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses a YAML configuration file. Environment variables
// referenced as ${VAR_NAME} in the file are expanded before parsing, so
// passwords can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	for i := range cfg.Environments {
		cfg.Environments[i].Pool.applyDefaults()
		if cfg.Environments[i].Driver == "" {
			cfg.Environments[i].Driver = DriverMySQL
		}
	}
	return cfg, nil
}

// Default returns a Config pre-filled with the defaults used when the file
// omits a section.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
		},
		Query: QueryConfig{
			Timeout:   "30s",
			MaxRows:   10000,
			ChunkSize: 100,
		},
		MCP: MCPConfig{
			Transport: "stdio",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// FromEnv builds a single-database configuration from MANIFOLD_DB_* process
// environment variables. It is the fallback when no configuration file names
// any environments, and returns nil when MANIFOLD_DB_HOST is unset.
func FromEnv() *DatabaseConfig {
	host := os.Getenv("MANIFOLD_DB_HOST")
	if host == "" {
		return nil
	}
	port := 3306
	if raw := os.Getenv("MANIFOLD_DB_PORT"); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil {
			port = p
		}
	}
	return &DatabaseConfig{
		Host:     host,
		Port:     port,
		Username: os.Getenv("MANIFOLD_DB_USER"),
		Password: os.Getenv("MANIFOLD_DB_PASSWORD"),
		Database: os.Getenv("MANIFOLD_DB_NAME"),
	}
}

func (p *PoolConfig) applyDefaults() {
	if p.MaxConnections == 0 {
		p.MaxConnections = 10
	}
	if p.MinConnections == 0 {
		p.MinConnections = 2
	}
	if p.AcquireTimeout == "" {
		p.AcquireTimeout = "30s"
	}
	if p.IdleTimeout == "" {
		p.IdleTimeout = "10m"
	}
	if p.MaxLifetime == "" {
		p.MaxLifetime = "30m"
	}
}

// AcquireTimeoutDuration parses the acquire timeout, falling back to 30s on
// malformed input.
func (p *PoolConfig) AcquireTimeoutDuration() time.Duration {
	return parseDuration(p.AcquireTimeout, 30*time.Second)
}

// IdleTimeoutDuration parses the idle timeout, falling back to 10m.
func (p *PoolConfig) IdleTimeoutDuration() time.Duration {
	return parseDuration(p.IdleTimeout, 10*time.Minute)
}

// MaxLifetimeDuration parses the max lifetime, falling back to 30m.
func (p *PoolConfig) MaxLifetimeDuration() time.Duration {
	return parseDuration(p.MaxLifetime, 30*time.Minute)
}

// TimeoutDuration parses the query timeout, falling back to 30s.
func (q *QueryConfig) TimeoutDuration() time.Duration {
	return parseDuration(q.Timeout, 30*time.Second)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
