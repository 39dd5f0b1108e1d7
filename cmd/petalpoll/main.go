package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalpoll/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "petalpoll",
	Short: "Long-poll HTTP bridge over a push event bus",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug | info | warn | error")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text | json")
	cli.AddClientFlags(rootCmd)

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("petalpoll version %s\n", version))

	rootCmd.AddCommand(cli.NewServeCmd())
	rootCmd.AddCommand(cli.NewPublishCmd())
	rootCmd.AddCommand(cli.NewPullCmd())
	rootCmd.AddCommand(cli.NewSubscribeCmd())
	rootCmd.AddCommand(cli.NewUnsubscribeCmd())
	rootCmd.AddCommand(cli.NewUnbindCmd())
}
