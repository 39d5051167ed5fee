package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Cache modes
const (
	ModeDistributed = "dist"
	ModeReplicated  = "repl"
	ModeLocal       = "local"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AdvertiseHost   string        `yaml:"advertise_host"`
	MaxConnections  int           `yaml:"max_connections"`
	RPCTimeout      time.Duration `yaml:"rpc_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CacheConfig holds the configuration of one named cache
type CacheConfig struct {
	Name            string        `yaml:"name"`
	Mode            string        `yaml:"mode"`
	NumOwners       int           `yaml:"num_owners"`
	NumSegments     int           `yaml:"num_segments"`
	VirtualNodes    int           `yaml:"virtual_nodes"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	MaxSize         int64         `yaml:"max_size"`
	FrequencyWeight float64       `yaml:"frequency_weight"`
	RecencyWeight   float64       `yaml:"recency_weight"`
}

// ViewsConfig holds view installation configuration
type ViewsConfig struct {
	InstallInterval   time.Duration `yaml:"install_interval"`
	JoinRetryInterval time.Duration `yaml:"join_retry_interval"`
}

// StaticMember names a peer when gossip is disabled
type StaticMember struct {
	NodeID  string `yaml:"node_id"`
	Address string `yaml:"address"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool           `yaml:"enabled"`
	BindPort       int            `yaml:"bind_port"`
	SeedNodes      []string       `yaml:"seed_nodes"`
	GossipInterval time.Duration  `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration  `yaml:"probe_timeout"`
	ProbeInterval  time.Duration  `yaml:"probe_interval"`
	StaticMembers  []StaticMember `yaml:"static_members"`
}

// DispatchConfig sizes the pool running background ack and replication work
type DispatchConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the cache node
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Caches   []CacheConfig  `yaml:"caches"`
	Views    ViewsConfig    `yaml:"views"`
	Gossip   GossipConfig   `yaml:"gossip"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoadConfig loads configuration from a file, then applies environment overrides
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("CACHE_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if seeds := os.Getenv("GOSSIP_SEEDS"); seeds != "" {
		cfg.Gossip.SeedNodes = strings.Split(seeds, ",")
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.NodeID == "" {
		cfg.Server.NodeID = "cache-" + uuid.New().String()
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50060
	}
	if cfg.Server.AdvertiseHost == "" {
		cfg.Server.AdvertiseHost = "127.0.0.1"
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.RPCTimeout == 0 {
		cfg.Server.RPCTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if len(cfg.Caches) == 0 {
		cfg.Caches = []CacheConfig{{Name: "default"}}
	}
	for i := range cfg.Caches {
		c := &cfg.Caches[i]
		if c.Mode == "" {
			c.Mode = ModeDistributed
		}
		if c.NumOwners == 0 {
			c.NumOwners = 2
		}
		if c.NumSegments == 0 {
			c.NumSegments = 256
		}
		if c.VirtualNodes == 0 {
			c.VirtualNodes = 64
		}
		if c.LockTimeout == 0 {
			c.LockTimeout = 10 * time.Second
		}
		if c.MaxSize == 0 {
			c.MaxSize = 64 * 1024 * 1024 // 64MB
		}
		if c.FrequencyWeight == 0 {
			c.FrequencyWeight = 0.5
		}
		if c.RecencyWeight == 0 {
			c.RecencyWeight = 0.5
		}
	}

	if cfg.Views.InstallInterval == 0 {
		cfg.Views.InstallInterval = time.Second
	}
	if cfg.Views.JoinRetryInterval == 0 {
		cfg.Views.JoinRetryInterval = 5 * time.Second
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 16
	}
	if cfg.Dispatch.QueueSize == 0 {
		cfg.Dispatch.QueueSize = 4096
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9095
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.RPCTimeout < 0 {
		return fmt.Errorf("server.rpc_timeout must not be negative")
	}

	seen := make(map[string]bool)
	for i, cache := range c.Caches {
		if cache.Name == "" {
			return fmt.Errorf("caches[%d].name is required", i)
		}
		if seen[cache.Name] {
			return fmt.Errorf("cache %q is defined twice", cache.Name)
		}
		seen[cache.Name] = true

		switch cache.Mode {
		case ModeDistributed, ModeReplicated, ModeLocal:
		default:
			return fmt.Errorf("cache %q: mode must be one of dist, repl, local", cache.Name)
		}
		if cache.NumOwners < 1 {
			return fmt.Errorf("cache %q: num_owners must be at least 1", cache.Name)
		}
		if cache.NumSegments < 1 {
			return fmt.Errorf("cache %q: num_segments must be at least 1", cache.Name)
		}
	}

	if c.Gossip.Enabled && (c.Gossip.BindPort < 1 || c.Gossip.BindPort > 65535) {
		return fmt.Errorf("gossip.bind_port must be between 1 and 65535")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

// RPCEndpoint is the host:port other nodes use to reach this node
func (c *Config) RPCEndpoint() string {
	return fmt.Sprintf("%s:%d", c.Server.AdvertiseHost, c.Server.Port)
}

// Cache returns the configuration of the named cache
func (c *Config) Cache(name string) (CacheConfig, bool) {
	for _, cache := range c.Caches {
		if cache.Name == name {
			return cache, true
		}
	}
	return CacheConfig{}, false
}
