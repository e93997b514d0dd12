// Command licensectl is the operator tool for the licensing server: key
// generation, offline key inspection, admin lifecycle calls and a device
// client for smoke testing a deployment.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("licensectl failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "licensectl",
		Short:         "Operate the license server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		runKeygenCommand(),
		runSignCommand(),
		runInspectCommand(),
		runAdminCommand(),
		runFingerprintCommand(),
		runValidateCommand(),
		runActivateCommand(),
	)
	return cmd
}
