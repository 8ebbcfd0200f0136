package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sam-2707/EdgeQI-sub000/internal/config"
	"github.com/sam-2707/EdgeQI-sub000/internal/server"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "edgeqi",
		Short: "Distributed edge coordination fabric for roadside camera nodes",
		Long: `EdgeQI - A peer-to-peer coordination fabric for camera-equipped
roadside nodes with distributed consensus, multi-view queue fusion,
bandwidth-aware priority transfers, and comprehensive monitoring.`,
		RunE: runServer,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
}

func Execute(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	return rootCmd.ExecuteContext(ctx)
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if configFile != "" {
		cfg.ConfigFile = configFile
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config from file %s: %w", configFile, err)
		}
	}

	srv := server.New(cfg)

	return srv.Start(ctx)
}
