package server

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sam-2707/EdgeQI-sub000/internal/bandwidth"
	"github.com/sam-2707/EdgeQI-sub000/internal/config"
	"github.com/sam-2707/EdgeQI-sub000/internal/consensus"
	"github.com/sam-2707/EdgeQI-sub000/internal/coordinator"
	"github.com/sam-2707/EdgeQI-sub000/internal/fusion"
	"github.com/sam-2707/EdgeQI-sub000/internal/logger"
	"github.com/sam-2707/EdgeQI-sub000/internal/mesh"
	"github.com/sam-2707/EdgeQI-sub000/internal/monitoring"
	"github.com/sam-2707/EdgeQI-sub000/internal/transfer"
)

// Server assembles the fabric components for one edge node.
type Server struct {
	config *config.Config
	logger *logrus.Entry

	substrate   *mesh.Substrate
	monitor     *bandwidth.Monitor
	transfers   *transfer.Manager
	engine      *consensus.Engine
	fusion      *fusion.Manager
	coordinator *coordinator.Coordinator
	monitoring  *monitoring.Service
}

// New wires a server from configuration. The coordinator owns the fabric
// component lifecycle; the monitoring service runs beside it.
func New(cfg *config.Config) *Server {
	log := logger.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	transport := mesh.NewLibP2PTransport(&cfg.Mesh, log.WithField("component", "libp2p"))
	substrate := mesh.NewSubstrate(cfg.NodeID, transport, &cfg.Mesh, log)
	substrate.SetCapabilities(mesh.Capabilities{
		NodeID:           cfg.NodeID,
		Role:             cfg.Coordinator.Role,
		Version:          "1.0.0",
		MaxBandwidthMbps: cfg.Bandwidth.MaxBandwidthMbps,
	})

	prober := bandwidth.NewTransportProber(func() (int64, int64) {
		stats := substrate.Stats()
		return stats.BytesSent, stats.BytesReceived
	}, nil, cfg.Bandwidth.MaxBandwidthMbps)
	monitor := bandwidth.NewMonitor(prober, &cfg.Bandwidth, log)

	sender := transfer.NewSubstrateSender(substrate, int(cfg.Mesh.DefaultTTL.Seconds()))
	transfers := transfer.NewManager(sender, monitor, &cfg.Transfer, &cfg.Bandwidth, log)

	engine := consensus.NewEngine(substrate, &cfg.Consensus, log)
	fusionMgr := fusion.NewManager(substrate, engine, &cfg.Fusion, log)

	coord := coordinator.New(substrate, engine, fusionMgr, monitor, transfers, &cfg.Coordinator, log)

	fabric := &monitoring.Fabric{
		Substrate:   substrate,
		Consensus:   engine,
		Fusion:      fusionMgr,
		Bandwidth:   monitor,
		Transfers:   transfers,
		Coordinator: coord,
	}

	return &Server{
		config:      cfg,
		logger:      log.WithField("component", "server"),
		substrate:   substrate,
		monitor:     monitor,
		transfers:   transfers,
		engine:      engine,
		fusion:      fusionMgr,
		coordinator: coord,
		monitoring:  monitoring.NewService(&cfg.Monitoring, fabric),
	}
}

// Start brings the node up and blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("node_id", s.config.NodeID).Info("Starting edge node")

	if err := s.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	if err := s.monitoring.Start(ctx); err != nil {
		s.coordinator.Stop()
		return fmt.Errorf("failed to start monitoring: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"mesh_port":    s.config.Mesh.ListenPort,
		"metrics_port": s.config.Monitoring.MetricsPort,
		"role":         string(s.coordinator.Role()),
	}).Info("Edge node started")

	<-ctx.Done()
	s.logger.Info("Context cancelled, shutting down")

	return s.Stop()
}

// Stop shuts the node down in reverse start order.
func (s *Server) Stop() error {
	s.logger.Info("Stopping edge node")

	if err := s.monitoring.Stop(); err != nil {
		s.logger.WithError(err).Error("Failed to stop monitoring")
	}
	if err := s.coordinator.Stop(); err != nil {
		s.logger.WithError(err).Error("Failed to stop coordinator")
	}

	s.logger.Info("Edge node stopped")
	return nil
}

// Coordinator exposes the coordinator for callers that assign roles or
// positions after startup.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}
