package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the edge coordination fabric
type Config struct {
	// Application settings
	ConfigFile string `mapstructure:"config_file" yaml:"config_file"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`
	NodeID     string `mapstructure:"node_id" yaml:"node_id"`

	// Peer mesh settings
	Mesh MeshConfig `mapstructure:"mesh" yaml:"mesh"`

	// Consensus settings
	Consensus ConsensusConfig `mapstructure:"consensus" yaml:"consensus"`

	// Queue fusion settings
	Fusion FusionConfig `mapstructure:"fusion" yaml:"fusion"`

	// Bandwidth monitor settings
	Bandwidth BandwidthConfig `mapstructure:"bandwidth" yaml:"bandwidth"`

	// Priority transfer settings
	Transfer TransferConfig `mapstructure:"transfer" yaml:"transfer"`

	// Coordinator settings
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`

	// Monitoring settings
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
}

type MeshConfig struct {
	ListenPort            int           `mapstructure:"listen_port" yaml:"listen_port"`
	MaxConnections        int           `mapstructure:"max_connections" yaml:"max_connections"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	PeerDisconnectTimeout time.Duration `mapstructure:"peer_disconnect_timeout" yaml:"peer_disconnect_timeout"`
	BroadcastTopic        string        `mapstructure:"broadcast_topic" yaml:"broadcast_topic"`
	MDNSEnabled           bool          `mapstructure:"mdns_enabled" yaml:"mdns_enabled"`
	MDNSService           string        `mapstructure:"mdns_service" yaml:"mdns_service"`
	DefaultTTL            time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
}

type ConsensusConfig struct {
	Type               string        `mapstructure:"type" yaml:"type"` // "simple_majority", "weighted_consensus"
	DefaultVoteTimeout time.Duration `mapstructure:"default_vote_timeout" yaml:"default_vote_timeout"`
	HistorySize        int           `mapstructure:"history_size" yaml:"history_size"`
	TallyInterval      time.Duration `mapstructure:"tally_interval" yaml:"tally_interval"`
}

type FusionConfig struct {
	SyncInterval         time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
	EventRingSize        int           `mapstructure:"event_ring_size" yaml:"event_ring_size"`
	AnalyticsInterval    time.Duration `mapstructure:"analytics_interval" yaml:"analytics_interval"`
	OptimizationInterval time.Duration `mapstructure:"optimization_interval" yaml:"optimization_interval"`
}

type BandwidthConfig struct {
	MaxBandwidthMbps float64       `mapstructure:"max_bandwidth_mbps" yaml:"max_bandwidth_mbps"`
	SampleInterval   time.Duration `mapstructure:"sample_interval" yaml:"sample_interval"`
	HistorySize      int           `mapstructure:"history_size" yaml:"history_size"`
}

type TransferConfig struct {
	WorkerCount     int                      `mapstructure:"worker_count" yaml:"worker_count"`
	MaxQueueSizes   map[string]int           `mapstructure:"max_queue_sizes" yaml:"max_queue_sizes"`
	BandwidthShares map[string]float64       `mapstructure:"bandwidth_shares" yaml:"bandwidth_shares"`
	ClassTimeouts   map[string]time.Duration `mapstructure:"class_timeouts" yaml:"class_timeouts"`
}

type CoordinatorConfig struct {
	Role                 string        `mapstructure:"role" yaml:"role"` // leader, follower, coordinator, observer
	TopologyInterval     time.Duration `mapstructure:"topology_interval" yaml:"topology_interval"`
	FaultCheckInterval   time.Duration `mapstructure:"fault_check_interval" yaml:"fault_check_interval"`
	PerformanceInterval  time.Duration `mapstructure:"performance_interval" yaml:"performance_interval"`
	LoadBalanceInterval  time.Duration `mapstructure:"load_balance_interval" yaml:"load_balance_interval"`
	EmergencyRadiusUnits float64       `mapstructure:"emergency_radius_units" yaml:"emergency_radius_units"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
	MetricsPort int    `mapstructure:"metrics_port" yaml:"metrics_port"`
	HealthPath  string `mapstructure:"health_path" yaml:"health_path"`
}

// Load loads configuration from environment variables and default values
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/edgeqi")

	// Set default values
	setDefaults()

	// Environment variable support
	viper.SetEnvPrefix("EDGEQI")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Generate node ID if not set
	if config.NodeID == "" {
		hostname, _ := os.Hostname()
		config.NodeID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(filename string) (*Config, error) {
	viper.SetConfigFile(filename)

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", filename, err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Application defaults
	viper.SetDefault("log_level", "info")

	// Mesh defaults
	viper.SetDefault("mesh.listen_port", 4001)
	viper.SetDefault("mesh.max_connections", 10)
	viper.SetDefault("mesh.heartbeat_interval", "30s")
	viper.SetDefault("mesh.cleanup_interval", "60s")
	viper.SetDefault("mesh.peer_disconnect_timeout", "120s")
	viper.SetDefault("mesh.broadcast_topic", "edgeqi-coordination")
	viper.SetDefault("mesh.mdns_enabled", true)
	viper.SetDefault("mesh.mdns_service", "edgeqi-p2p")
	viper.SetDefault("mesh.default_ttl", "300s")

	// Consensus defaults
	viper.SetDefault("consensus.type", "weighted_consensus")
	viper.SetDefault("consensus.default_vote_timeout", "30s")
	viper.SetDefault("consensus.history_size", 100)
	viper.SetDefault("consensus.tally_interval", "1s")

	// Fusion defaults
	viper.SetDefault("fusion.sync_interval", "10s")
	viper.SetDefault("fusion.event_ring_size", 1000)
	viper.SetDefault("fusion.analytics_interval", "30s")
	viper.SetDefault("fusion.optimization_interval", "60s")

	// Bandwidth defaults
	viper.SetDefault("bandwidth.max_bandwidth_mbps", 100.0)
	viper.SetDefault("bandwidth.sample_interval", "1s")
	viper.SetDefault("bandwidth.history_size", 300)

	// Transfer defaults
	viper.SetDefault("transfer.worker_count", 3)
	viper.SetDefault("transfer.max_queue_sizes", map[string]int{
		"critical":   100,
		"high":       200,
		"medium":     500,
		"low":        1000,
		"background": 2000,
	})
	viper.SetDefault("transfer.bandwidth_shares", map[string]float64{
		"critical":   0.40,
		"high":       0.30,
		"medium":     0.20,
		"low":        0.08,
		"background": 0.02,
	})
	viper.SetDefault("transfer.class_timeouts", map[string]time.Duration{
		"critical":   time.Second,
		"high":       5 * time.Second,
		"medium":     30 * time.Second,
		"low":        300 * time.Second,
		"background": 3600 * time.Second,
	})

	// Coordinator defaults
	viper.SetDefault("coordinator.role", "follower")
	viper.SetDefault("coordinator.topology_interval", "30s")
	viper.SetDefault("coordinator.fault_check_interval", "15s")
	viper.SetDefault("coordinator.performance_interval", "30s")
	viper.SetDefault("coordinator.load_balance_interval", "60s")
	viper.SetDefault("coordinator.emergency_radius_units", 1000.0)

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")
	viper.SetDefault("monitoring.metrics_port", 9090)
	viper.SetDefault("monitoring.health_path", "/health")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Mesh.ListenPort <= 0 || c.Mesh.ListenPort > 65535 {
		return fmt.Errorf("invalid mesh listen port: %d", c.Mesh.ListenPort)
	}

	if c.Mesh.MaxConnections <= 0 {
		return fmt.Errorf("mesh max connections must be positive")
	}

	if c.Mesh.HeartbeatInterval <= 0 {
		return fmt.Errorf("mesh heartbeat interval must be positive")
	}

	if c.Consensus.Type != "simple_majority" && c.Consensus.Type != "weighted_consensus" {
		return fmt.Errorf("invalid consensus type: %s", c.Consensus.Type)
	}

	if c.Consensus.DefaultVoteTimeout <= 0 {
		return fmt.Errorf("consensus vote timeout must be positive")
	}

	if c.Fusion.EventRingSize <= 0 {
		return fmt.Errorf("fusion event ring size must be positive")
	}

	if c.Bandwidth.MaxBandwidthMbps <= 0 {
		return fmt.Errorf("max bandwidth must be positive")
	}

	if c.Transfer.WorkerCount <= 0 {
		return fmt.Errorf("transfer worker count must be positive")
	}

	var totalShare float64
	for class, share := range c.Transfer.BandwidthShares {
		if share < 0 || share > 1 {
			return fmt.Errorf("invalid bandwidth share for class %s: %f", class, share)
		}
		totalShare += share
	}
	if totalShare > 1.0+1e-9 {
		return fmt.Errorf("bandwidth shares exceed 1.0: %f", totalShare)
	}

	switch c.Coordinator.Role {
	case "leader", "follower", "coordinator", "observer":
	default:
		return fmt.Errorf("invalid coordinator role: %s", c.Coordinator.Role)
	}

	if c.Monitoring.Enabled {
		if c.Monitoring.MetricsPort <= 0 || c.Monitoring.MetricsPort > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Monitoring.MetricsPort)
		}
	}

	return nil
}
