// Package config provides configuration management for the iris supervisor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the supervisor.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Pool     PoolConfig     `mapstructure:"pool"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Teams    []TeamConfig   `mapstructure:"teams"`
}

// ServerConfig holds the dashboard-facing HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// DatabaseConfig holds the session store's SQLite connection configuration.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS event-bus configuration. An empty URL selects the
// in-memory bus instead of a NATS connection.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PoolConfig holds process-pool and orchestration tunables.
type PoolConfig struct {
	MaxProcesses          int `mapstructure:"maxProcesses"`
	SessionInitTimeoutMS  int `mapstructure:"sessionInitTimeoutMs"`
	HealthCheckIntervalMS int `mapstructure:"healthCheckIntervalMs"`
	TellTimeoutDefaultMS  int `mapstructure:"tellTimeoutDefaultMs"`
	TerminateGraceMS      int `mapstructure:"terminateGraceMs"`
	WakeAllConcurrency    int `mapstructure:"wakeAllConcurrency"`
}

// MCPConfig controls the reverse-MCP endpoint advertised to spawned agents.
type MCPConfig struct {
	HTTPPort int  `mapstructure:"httpPort"`
	AllowHTTP bool `mapstructure:"allowHttp"`
}

// TeamConfig describes one configured team (a workspace an agent is spawned into).
type TeamConfig struct {
	Name             string       `mapstructure:"name"`
	Path             string       `mapstructure:"path"`
	Remote           *RemoteDesc  `mapstructure:"remote"`
	ClaudePath       string       `mapstructure:"claudePath"`
	PermissionPolicy string       `mapstructure:"permissionPolicy"` // ask|yes|no
	DisallowedTools  []string     `mapstructure:"disallowedTools"`
	IdleTimeoutMS    int          `mapstructure:"idleTimeoutMs"`
	AllowHTTP        bool         `mapstructure:"allowHttp"`
	ReverseMCPPort   int          `mapstructure:"reverseMcpPort"`
}

// RemoteDesc describes the SSH host a team's agent process runs on.
type RemoteDesc struct {
	Host           string `mapstructure:"host"`
	User           string `mapstructure:"user"`
	Port           int    `mapstructure:"port"`
	IdentityFile   string `mapstructure:"identityFile"`
	KnownHostsFile string `mapstructure:"knownHostsFile"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (p *PoolConfig) SessionInitTimeout() time.Duration {
	return time.Duration(p.SessionInitTimeoutMS) * time.Millisecond
}

func (p *PoolConfig) HealthCheckInterval() time.Duration {
	return time.Duration(p.HealthCheckIntervalMS) * time.Millisecond
}

func (p *PoolConfig) TellTimeoutDefault() time.Duration {
	return time.Duration(p.TellTimeoutDefaultMS) * time.Millisecond
}

func (p *PoolConfig) TerminateGrace() time.Duration {
	return time.Duration(p.TerminateGraceMS) * time.Millisecond
}

func (t *TeamConfig) IdleTimeout() time.Duration {
	return time.Duration(t.IdleTimeoutMS) * time.Millisecond
}

// Load reads configuration from the default search paths.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, optionally adding configPath to the search list.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("IRIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// IRIS_HTTP_PORT is the env override named explicitly by the MCP config
	// port-resolution order; bind it ahead of the generic prefix rules.
	_ = v.BindEnv("mcp.httpPort", "IRIS_HTTP_PORT")
	_ = v.BindEnv("logging.level", "IRIS_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "IRIS_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/iris/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Teams))
	for _, t := range cfg.Teams {
		if t.Name == "" {
			return fmt.Errorf("team config missing name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate team name %q", t.Name)
		}
		seen[t.Name] = true
		if t.Remote == nil && t.Path == "" {
			return fmt.Errorf("team %q: local teams require a path", t.Name)
		}
		switch t.PermissionPolicy {
		case "", "ask", "yes", "no":
		default:
			return fmt.Errorf("team %q: invalid permissionPolicy %q", t.Name, t.PermissionPolicy)
		}
	}
	return nil
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("IRIS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "./iris.db")
	v.SetDefault("database.maxConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "iris-supervisor")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("pool.maxProcesses", 8)
	v.SetDefault("pool.sessionInitTimeoutMs", 30000)
	v.SetDefault("pool.healthCheckIntervalMs", 15000)
	v.SetDefault("pool.tellTimeoutDefaultMs", 120000)
	v.SetDefault("pool.terminateGraceMs", 5000)
	v.SetDefault("pool.wakeAllConcurrency", 2)

	v.SetDefault("mcp.httpPort", 9191)
	v.SetDefault("mcp.allowHttp", false)
}
