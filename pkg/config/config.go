// Package config provides configuration types and defaults for engramd.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig holds the optional transport auth tokens. An empty token
// disables authentication for that surface.
type AuthConfig struct {
	WorkerToken string `mapstructure:"worker_token"`
	HubToken    string `mapstructure:"hub_token"`
}

// QueueConfig tunes the task queue and dispatcher.
type QueueConfig struct {
	MaxPendingTasks int           `mapstructure:"max_pending_tasks"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Retention       time.Duration `mapstructure:"retention"`
	RoutingPolicy   string        `mapstructure:"routing_policy"` // optional YAML overlay path
}

// WorkerConfig tunes worker connection liveness.
type WorkerConfig struct {
	AuthTimeout         time.Duration `mapstructure:"auth_timeout"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	MaxMissedHeartbeats int           `mapstructure:"max_missed_heartbeats"`
}

// FederationConfig describes the optional uplink to a parent backend. An
// empty parent URL disables federation.
type FederationConfig struct {
	ParentURL string `mapstructure:"parent_url"`
	Name      string `mapstructure:"name"`
	Token     string `mapstructure:"token"`
	Priority  int    `mapstructure:"priority"`
	Weight    int    `mapstructure:"weight"`
	Region    string `mapstructure:"region"`
}

// Config holds all engramd settings.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Federation FederationConfig `mapstructure:"federation"`
	DataDir    string           `mapstructure:"data_dir"`
	LogLevel   string           `mapstructure:"log_level"`
	LogFormat  string           `mapstructure:"log_format"` // "json" or "console"
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3737,
		},
		Queue: QueueConfig{
			MaxPendingTasks: 100,
			TaskTimeout:     300 * time.Second,
			PollInterval:    time.Second,
			Retention:       24 * time.Hour,
		},
		Worker: WorkerConfig{
			AuthTimeout:         10 * time.Second,
			HeartbeatInterval:   30 * time.Second,
			MaxMissedHeartbeats: 3,
		},
		DataDir:   "/var/lib/engram",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load reads configuration from the given file (optional), the ENGRAM_*
// environment and the defaults, in that precedence order.
func Load(path string) (Config, error) {
	v := viper.New()

	defaults := Defaults()
	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("queue.max_pending_tasks", defaults.Queue.MaxPendingTasks)
	v.SetDefault("queue.task_timeout", defaults.Queue.TaskTimeout)
	v.SetDefault("queue.poll_interval", defaults.Queue.PollInterval)
	v.SetDefault("queue.retention", defaults.Queue.Retention)
	v.SetDefault("worker.auth_timeout", defaults.Worker.AuthTimeout)
	v.SetDefault("worker.heartbeat_interval", defaults.Worker.HeartbeatInterval)
	v.SetDefault("worker.max_missed_heartbeats", defaults.Worker.MaxMissedHeartbeats)
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)

	v.SetEnvPrefix("ENGRAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return defaults, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return defaults, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
