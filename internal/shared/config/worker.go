package config

import (
	"time"

	"github.com/spf13/viper"
)

// WorkerConfig contains all configuration for the worker service.
type WorkerConfig struct {
	Server    ServerConfig     `mapstructure:"server"`
	Node      WorkerNodeConfig `mapstructure:"node"`
	Heartbeat HeartbeatConfig  `mapstructure:"heartbeat"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains worker server configuration.
type ServerConfig struct {
	Addr             string        `mapstructure:"addr"`
	KeepaliveMinTime time.Duration `mapstructure:"keepalive_min_time"`
}

// WorkerNodeConfig is what the worker reports about itself during a handshake.
type WorkerNodeConfig struct {
	ID       int64  `mapstructure:"id"`
	Threads  int    `mapstructure:"threads"`
	User     string `mapstructure:"user"`
	ExecRoot string `mapstructure:"exec_root"`
	FileRoot string `mapstructure:"file_root"`
}

// HeartbeatConfig controls how often a beat message is sent to the root node.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LoadWorker loads the worker configuration from the given path.
// If configPath is empty, it looks for worker.yaml in the config/ directory.
// Environment variables with ARCHIPELAGO_WORKER_ prefix override config file values.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":50051")
	v.SetDefault("server.keepalive_min_time", 10*time.Second)
	v.SetDefault("node.id", 0)
	v.SetDefault("node.threads", 0)
	v.SetDefault("heartbeat.interval", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	var cfg WorkerConfig
	if err := load(v, configPath, "worker", "ARCHIPELAGO_WORKER", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
