package cli

import (
	"fmt"
	"os"

	"github.com/iohzrd/thor/go-swarm/config"
	"github.com/iohzrd/thor/go-swarm/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "thor",
	Short:         "thor exchanges content with a swarm of peers",
	Long:          `thor downloads and seeds torrents and content addressed block lists over TCP or QUIC, finding peers through trackers and a DHT`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line and exits non zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "~/.thor/config.toml", "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides Log.Level")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(dhtCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, logger.NewLogger(cfg.Log.Level, os.Stderr), nil
}
