package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// CoordinatorConfig contains all configuration for the root node.
type CoordinatorConfig struct {
	Nodes     []NodeConfig     `mapstructure:"nodes"`
	Handshake HandshakeConfig  `mapstructure:"handshake"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	GRPC      GRPCClientConfig `mapstructure:"grpc"`
	REST      RESTConfig       `mapstructure:"rest"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// NodeConfig describes one remote worker. Empty User, ExecRoot or FileRoot
// are requested from the worker during the handshake, and a ThreadLimit
// of zero asks the worker for its core count.
type NodeConfig struct {
	Addr        string `mapstructure:"addr"`
	Host        string `mapstructure:"host"`
	User        string `mapstructure:"user"`
	ExecRoot    string `mapstructure:"exec_root"`
	FileRoot    string `mapstructure:"file_root"`
	ThreadLimit int    `mapstructure:"thread_limit"`
	Shell       string `mapstructure:"shell"`
}

// HandshakeConfig bounds how long a node proxy waits for its identity.
type HandshakeConfig struct {
	Retries  int           `mapstructure:"retries"`
	Interval time.Duration `mapstructure:"interval"`
}

// SchedulerConfig contains job placement settings.
type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Reschedule puts jobs from a stopped node back on the priority queue
	// instead of failing them.
	Reschedule bool `mapstructure:"reschedule"`
	// HealthCheckInterval and StaleTimeout drive the heartbeat monitor. A
	// zero StaleTimeout disables it.
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	StaleTimeout        time.Duration `mapstructure:"stale_timeout"`
}

// GRPCClientConfig contains keepalive settings for worker connections.
type GRPCClientConfig struct {
	KeepaliveTime    time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout"`
}

// RESTConfig contains status API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// History caps how many submitted jobs are remembered for status lookups.
	History int `mapstructure:"history"`
}

// LoadCoordinator loads the coordinator configuration from the given path.
// If configPath is empty, it looks for coordinator.yaml in the config/ directory.
// Environment variables with ARCHIPELAGO_COORDINATOR_ prefix override config file values.
func LoadCoordinator(configPath string) (*CoordinatorConfig, error) {
	v := viper.New()

	v.SetDefault("handshake.retries", 15)
	v.SetDefault("handshake.interval", time.Second)
	v.SetDefault("scheduler.poll_interval", 100*time.Millisecond)
	v.SetDefault("scheduler.reschedule", true)
	v.SetDefault("scheduler.health_check_interval", 10*time.Second)
	v.SetDefault("scheduler.stale_timeout", 60*time.Second)
	v.SetDefault("grpc.keepalive_time", 30*time.Second)
	v.SetDefault("grpc.keepalive_timeout", 5*time.Second)
	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 15*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)
	v.SetDefault("rest.history", 1000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	var cfg CoordinatorConfig
	if err := load(v, configPath, "coordinator", "ARCHIPELAGO_COORDINATOR", &cfg); err != nil {
		return nil, err
	}

	for i, n := range cfg.Nodes {
		if n.Addr == "" {
			return nil, fmt.Errorf("node %d: addr is required", i)
		}
		if n.Host == "" {
			cfg.Nodes[i].Host = n.Addr
		}
	}

	return &cfg, nil
}
