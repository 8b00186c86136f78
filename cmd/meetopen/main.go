package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"meetopen/internal/config"
	appLog "meetopen/internal/log"
	"meetopen/internal/store"
)

const version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "meetopen",
	Short:         "Open Zoom and Google Meet calls shortly before they start",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the event store if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Initialize(cmd.Context()); err != nil {
				return err
			}
			appLog.Info("event store ready", "path", cfg.DatabasePath())
			return nil
		},
	})
}

func main() {
	// SIGINT/SIGTERM cancel the root context; the poll loop and status
	// server return once it is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		appLog.Error("meetopen failed", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "meetopen", "config.yaml")
	}
	return "config.yaml"
}
