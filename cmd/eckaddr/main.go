package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xelth-com/eckaddr/internal/app"
	"github.com/xelth-com/eckaddr/internal/buildinfo"
	"github.com/xelth-com/eckaddr/internal/config"
	"github.com/xelth-com/eckaddr/internal/logging"
)

var (
	syncConfigPath string
	logLevel       string

	rootCmd = &cobra.Command{
		Use:   "eckaddr",
		Short: "Warehouse address allocation service with an offline-first cache",
		Long: `eckaddr keeps a local cache of storage addresses and the products
allocated to them, validates every move against it, and queues mutations
while the remote store is unreachable.`,
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			info := buildinfo.Current()
			fmt.Fprintf(cmd.OutOrStdout(), "eckaddr %s (commit %s, built %s)\n", info.Version, info.CommitHash, info.BuildTime)
		},
	}
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&syncConfigPath, "sync-config", "", "YAML file with sync tuning (overrides SYNC_CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd, drainCmd, queueCmd, labelsCmd, tokenCmd, versionCmd)
}

// loadConfig reads the environment and the optional sync config file.
func loadConfig() (*config.Config, *config.SyncConfig, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	path := cfg.SyncConfigPath
	if syncConfigPath != "" {
		path = syncConfigPath
	}
	syncCfg, err := config.LoadSyncConfig(path)
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Console: cfg.IsDevelopment()})
	return cfg, syncCfg, logger, nil
}

// openApp wires the service for one-shot commands, which never start the
// background sync.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, syncCfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, syncCfg, logger)
}
