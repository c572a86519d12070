package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zeusync/netsync/internal/config"
)

var (
	configPath string
	envFiles   []string
)

var rootCmd = &cobra.Command{
	Use:   "netsync",
	Short: "Entity state synchronization node",
	Long: `netsync runs a node that mirrors networked entity components between peers
over a reliable channel (tcp, quic or websocket) and UDP.

Configuration is read from --config (or $NETSYNC_CONFIG), then .env files,
then NETSYNC_* environment variables.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath, envFiles...)
}
