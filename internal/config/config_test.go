package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Mesh: MeshConfig{
			ListenPort:        4001,
			MaxConnections:    10,
			HeartbeatInterval: 30 * time.Second,
		},
		Consensus: ConsensusConfig{
			Type:               "weighted_consensus",
			DefaultVoteTimeout: 30 * time.Second,
		},
		Fusion: FusionConfig{
			EventRingSize: 1000,
		},
		Bandwidth: BandwidthConfig{
			MaxBandwidthMbps: 100,
		},
		Transfer: TransferConfig{
			WorkerCount: 3,
			BandwidthShares: map[string]float64{
				"critical": 0.4, "high": 0.3, "medium": 0.2, "low": 0.08, "background": 0.02,
			},
		},
		Coordinator: CoordinatorConfig{
			Role: "follower",
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPort: 9090,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		expectErr bool
	}{
		{
			name:      "valid config",
			mutate:    func(c *Config) {},
			expectErr: false,
		},
		{
			name:      "invalid listen port",
			mutate:    func(c *Config) { c.Mesh.ListenPort = -1 },
			expectErr: true,
		},
		{
			name:      "invalid consensus type",
			mutate:    func(c *Config) { c.Consensus.Type = "byzantine" },
			expectErr: true,
		},
		{
			name:      "invalid role",
			mutate:    func(c *Config) { c.Coordinator.Role = "dictator" },
			expectErr: true,
		},
		{
			name:      "zero bandwidth",
			mutate:    func(c *Config) { c.Bandwidth.MaxBandwidthMbps = 0 },
			expectErr: true,
		},
		{
			name:      "shares exceed one",
			mutate:    func(c *Config) { c.Transfer.BandwidthShares["critical"] = 0.9 },
			expectErr: true,
		},
		{
			name:      "invalid metrics port",
			mutate:    func(c *Config) { c.Monitoring.MetricsPort = 0 },
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.expectErr && err == nil {
				t.Errorf("expected error but got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
