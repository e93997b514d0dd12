package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"licensecore/internal/app"
	"licensecore/internal/config"
	"licensecore/pkg/contracts"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("licensed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           config.AppName,
		Short:         "License issuance and validation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			application, err := app.New(cmd.Context(), cfg, app.Options{})
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			return application.Run(cmd.Context())
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config file (default $"+config.ConfigFileEnv+" or ./config.yaml)")

	cmd.AddCommand(newVersionCommand(), newCheckCommand(&configPath))
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(contracts.GetFullVersionString())
		},
	}
}

// newCheckCommand loads and validates the configuration without serving.
func newCheckCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			cmd.Printf("configuration ok: driver=%s port=%d plans=%d\n",
				cfg.Database.Driver, cfg.Server.Port, len(cfg.Licensing.Plans))
			return nil
		},
	}
}
